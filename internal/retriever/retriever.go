// Package retriever turns a query into a ranked, token-bounded set of
// context chunks.
package retriever

import (
	"context"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"sourcerer/internal/chunker"
	"sourcerer/internal/config"
	"sourcerer/internal/store"
)

// oversample widens the store query beyond top-k so the similarity threshold
// and the token budget still leave enough candidates to choose from.
const oversample = 4

// queryCacheSize bounds the embedded-query LRU. Repeated questions in a chat
// session skip the embedding round-trip.
const queryCacheSize = 256

// Embedder is the slice of the embedding client the retriever needs.
type Embedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

// Searcher is the slice of the store the retriever needs.
type Searcher interface {
	Search(ctx context.Context, projectID int64, query []float32, k int) ([]store.SearchResult, error)
}

// Retriever embeds queries and assembles bounded context from the store.
type Retriever struct {
	embedder Embedder
	searcher Searcher
	topK     int
	budget   int
	minScore float64
	cache    *lru.Cache[string, []float32]
	logger   *slog.Logger
}

// New builds a Retriever from the retrieval section of the configuration.
func New(emb Embedder, search Searcher, cfg *config.Config, logger *slog.Logger) (*Retriever, error) {
	cache, err := lru.New[string, []float32](queryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create query cache: %w", err)
	}
	return &Retriever{
		embedder: emb,
		searcher: search,
		topK:     cfg.TopK,
		budget:   cfg.TokenBudget,
		minScore: cfg.SimilarityMin,
		cache:    cache,
		logger:   logger,
	}, nil
}

// Retrieve embeds the query, searches the project, and greedily accepts
// candidates in descending score order until the next one would exceed the
// token budget. A project with no chunks yields an empty, non-error result.
// If even the single best candidate is over budget it is truncated to fit
// rather than dropped, so the top match is never silently lost.
func (r *Retriever) Retrieve(ctx context.Context, projectID int64, query string) ([]store.SearchResult, error) {
	vec, err := r.embedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	candidates, err := r.searcher.Search(ctx, projectID, vec, r.topK*oversample)
	if err != nil {
		return nil, err
	}

	var picked []store.SearchResult
	used := 0
	for _, c := range candidates {
		if len(picked) == r.topK {
			break
		}
		if c.Score < r.minScore {
			// Results are ranked; everything after is weaker still.
			break
		}
		if used+c.Chunk.TokenEstimate > r.budget {
			if len(picked) == 0 {
				picked = append(picked, truncateToBudget(c, r.budget))
			}
			break
		}
		used += c.Chunk.TokenEstimate
		picked = append(picked, c)
	}

	r.logger.Debug("retrieved context",
		"project", projectID, "candidates", len(candidates),
		"picked", len(picked), "tokens", used)
	return picked, nil
}

// embedQuery consults the LRU before calling the embedding service.
func (r *Retriever) embedQuery(ctx context.Context, query string) ([]float32, error) {
	if vec, ok := r.cache.Get(query); ok {
		return vec, nil
	}
	vec, err := r.embedder.EmbedOne(ctx, query)
	if err != nil {
		return nil, err
	}
	r.cache.Add(query, vec)
	return vec, nil
}

// truncateToBudget clips the chunk text so its token estimate fits budget.
// The stored chunk is untouched; only the returned copy is shortened.
func truncateToBudget(c store.SearchResult, budget int) store.SearchResult {
	maxBytes := budget * 4
	if len(c.Chunk.Content) > maxBytes {
		c.Chunk.Content = c.Chunk.Content[:maxBytes]
		c.Chunk.EndByte = c.Chunk.StartByte + maxBytes
	}
	c.Chunk.TokenEstimate = chunker.EstimateTokens(c.Chunk.Content)
	return c
}
