// Package cmd wires the sourcerer CLI: project management, indexing, chat,
// and the MCP server.
package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"sourcerer/internal/config"
	"sourcerer/internal/embedder"
	"sourcerer/internal/llm"
	applog "sourcerer/internal/log"
	"sourcerer/internal/store"
)

var (
	flagConfig    string
	flagDB        string
	flagOllama    string
	flagModel     string
	flagChatModel string
	flagVerbose   bool
)

var rootCmd = &cobra.Command{
	Use:           "sourcerer",
	Short:         "Chat with your codebase using local RAG",
	Long:          "Sourcerer indexes source trees into a local vector store and answers questions about them with a local LLM via Ollama.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "config file (default ~/.sourcerer/config.yaml)")
	pf.StringVar(&flagDB, "db", "", "database path (default ~/.sourcerer/sourcerer.db)")
	pf.StringVar(&flagOllama, "ollama", "", "ollama base URL")
	pf.StringVar(&flagModel, "model", "", "embedding model")
	pf.StringVar(&flagChatModel, "chat-model", "", "generative model for chat")
	pf.BoolVar(&flagVerbose, "verbose", false, "debug logging")
}

// loadConfig reads the configuration and applies flag overrides on top.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagDB != "" {
		cfg.DBPath = flagDB
	}
	if flagOllama != "" {
		cfg.OllamaURL = flagOllama
	}
	if flagModel != "" {
		cfg.EmbedModel = flagModel
	}
	if flagChatModel != "" {
		cfg.ChatModel = flagChatModel
	}
	return cfg, cfg.Validate()
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	return applog.NewWithWriter(os.Stderr, applog.Config{Level: level})
}

// app bundles the components every subcommand needs. Callers own Close.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.SQLiteStore
	embedder *embedder.Client
	llm      *llm.Client
}

func openApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	st, err := store.Open(cfg.DBPath, cfg.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		embedder: embedder.New(cfg.OllamaURL, cfg.EmbedModel, cfg.EmbeddingDim, cfg.EmbedTimeout, logger),
		llm:      llm.New(cfg.OllamaURL, cfg.ChatModel, cfg.ChatTimeout),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// resolveProject accepts a project name and returns its record.
func (a *app) resolveProject(cmd *cobra.Command, name string) (*store.Project, error) {
	p, err := a.store.FindProjectByName(cmd.Context(), name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("project %q not found\nRun 'sourcerer project add %s <path>' first", name, name)
		}
		return nil, err
	}
	return p, nil
}
