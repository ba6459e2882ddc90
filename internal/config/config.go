// Package config loads and validates the sourcerer configuration.
//
// Sources, highest priority first:
//  1. SOURCERER_* environment variables
//  2. ~/.sourcerer/config.yaml (or the file given to Load)
//  3. built-in defaults
//
// The resulting Config is an immutable value constructed once at startup and
// passed into component constructors. Nothing reads viper after Load returns.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrInvalidChunkSize indicates a non-positive chunk size.
	ErrInvalidChunkSize = errors.New("invalid chunk size")

	// ErrOverlapTooLarge indicates chunk overlap >= chunk size, which would
	// make the chunking window stop advancing.
	ErrOverlapTooLarge = errors.New("chunk overlap must be smaller than chunk size")

	// ErrInvalidDimension indicates a non-positive embedding dimension.
	ErrInvalidDimension = errors.New("invalid embedding dimension")

	// ErrInvalidTopK indicates a non-positive top-k.
	ErrInvalidTopK = errors.New("invalid top-k")

	// ErrInvalidTokenBudget indicates a non-positive context token budget.
	ErrInvalidTokenBudget = errors.New("invalid token budget")

	// ErrInvalidTemperature indicates a sampling temperature outside [0, 2].
	ErrInvalidTemperature = errors.New("invalid temperature")

	// ErrInvalidTopP indicates a nucleus-sampling threshold outside (0, 1].
	ErrInvalidTopP = errors.New("invalid top-p")

	// ErrInvalidFileLimits indicates non-positive file size or count caps.
	ErrInvalidFileLimits = errors.New("invalid file limits")
)

// Config holds every option the engine consumes.
type Config struct {
	// DBPath is the SQLite database location. Empty means
	// ~/.sourcerer/sourcerer.db.
	DBPath string

	// Ollama endpoint and models.
	OllamaURL  string
	EmbedModel string
	ChatModel  string

	// Indexing.
	EmbeddingDim int
	ChunkSize    int
	ChunkOverlap int
	MaxFileSize  int64
	MaxFiles     int
	AllowedExts  []string
	Workers      int

	// Retrieval.
	TopK          int
	TokenBudget   int
	SimilarityMin float64

	// Generation.
	Temperature   float64
	TopP          float64
	MaxContext    int
	HistoryWindow int

	// Service timeouts.
	EmbedTimeout time.Duration
	ChatTimeout  time.Duration
}

// defaultExtensions mirrors the file types worth embedding for code Q&A.
var defaultExtensions = []string{
	".go", ".py", ".js", ".ts", ".tsx", ".jsx", ".java", ".c", ".cpp", ".h",
	".hpp", ".rs", ".rb", ".php", ".sh", ".sql", ".md", ".txt", ".yaml",
	".yml", ".json", ".toml", ".html", ".css",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db_path", "")
	v.SetDefault("ollama.url", "http://localhost:11434")
	v.SetDefault("ollama.embed_model", "nomic-embed-text")
	v.SetDefault("ollama.chat_model", "qwen3:8b")
	v.SetDefault("index.embedding_dim", 768)
	v.SetDefault("index.chunk_size", 1000)
	v.SetDefault("index.chunk_overlap", 100)
	v.SetDefault("index.max_file_size", int64(10<<20))
	v.SetDefault("index.max_files", 1000)
	v.SetDefault("index.allowed_extensions", defaultExtensions)
	v.SetDefault("index.workers", 0) // 0 means runtime.NumCPU at the call site
	v.SetDefault("retrieval.top_k", 5)
	v.SetDefault("retrieval.token_budget", 4096)
	v.SetDefault("retrieval.similarity_min", 0.25)
	v.SetDefault("chat.temperature", 0.3)
	v.SetDefault("chat.top_p", 0.9)
	v.SetDefault("chat.max_context", 4096)
	v.SetDefault("chat.history_window", 20)
	v.SetDefault("timeouts.embed", "2m")
	v.SetDefault("timeouts.chat", "5m")
}

// Load reads the configuration. path may be empty, in which case
// ~/.sourcerer/config.yaml is used when present; a missing file is not an
// error, the defaults and environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SOURCERER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, ".sourcerer", "config.yaml")
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{
		DBPath:        v.GetString("db_path"),
		OllamaURL:     strings.TrimRight(v.GetString("ollama.url"), "/"),
		EmbedModel:    v.GetString("ollama.embed_model"),
		ChatModel:     v.GetString("ollama.chat_model"),
		EmbeddingDim:  v.GetInt("index.embedding_dim"),
		ChunkSize:     v.GetInt("index.chunk_size"),
		ChunkOverlap:  v.GetInt("index.chunk_overlap"),
		MaxFileSize:   v.GetInt64("index.max_file_size"),
		MaxFiles:      v.GetInt("index.max_files"),
		AllowedExts:   v.GetStringSlice("index.allowed_extensions"),
		Workers:       v.GetInt("index.workers"),
		TopK:          v.GetInt("retrieval.top_k"),
		TokenBudget:   v.GetInt("retrieval.token_budget"),
		SimilarityMin: v.GetFloat64("retrieval.similarity_min"),
		Temperature:   v.GetFloat64("chat.temperature"),
		TopP:          v.GetFloat64("chat.top_p"),
		MaxContext:    v.GetInt("chat.max_context"),
		HistoryWindow: v.GetInt("chat.history_window"),
		EmbedTimeout:  v.GetDuration("timeouts.embed"),
		ChatTimeout:   v.GetDuration("timeouts.chat"),
	}

	if cfg.DBPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		cfg.DBPath = filepath.Join(home, ".sourcerer", "sourcerer.db")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks option ranges. It is called by Load and again by the
// indexer at the start of a run, so a Config assembled by hand in tests gets
// the same guarantees.
func (c *Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidChunkSize, c.ChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: overlap %d, size %d", ErrOverlapTooLarge, c.ChunkOverlap, c.ChunkSize)
	}
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidDimension, c.EmbeddingDim)
	}
	if c.TopK <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidTopK, c.TopK)
	}
	if c.TokenBudget <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidTokenBudget, c.TokenBudget)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("%w: %g", ErrInvalidTemperature, c.Temperature)
	}
	if c.TopP <= 0 || c.TopP > 1 {
		return fmt.Errorf("%w: %g", ErrInvalidTopP, c.TopP)
	}
	if c.MaxFileSize <= 0 || c.MaxFiles <= 0 {
		return fmt.Errorf("%w: max file size %d, max files %d", ErrInvalidFileLimits, c.MaxFileSize, c.MaxFiles)
	}
	return nil
}
