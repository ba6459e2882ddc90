package retriever

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sourcerer/internal/config"
	applog "sourcerer/internal/log"
	"sourcerer/internal/store"
)

type fakeEmbedder struct {
	calls int
	err   error
}

func (f *fakeEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0, 0}, nil
}

type fakeSearcher struct {
	results []store.SearchResult
	gotK    int
}

func (f *fakeSearcher) Search(ctx context.Context, projectID int64, query []float32, k int) ([]store.SearchResult, error) {
	f.gotK = k
	if len(f.results) > k {
		return f.results[:k], nil
	}
	return f.results, nil
}

func result(path string, tokens int, score float64) store.SearchResult {
	return store.SearchResult{
		Chunk:    store.Chunk{Content: "x", TokenEstimate: tokens, EndByte: tokens * 4},
		FilePath: path,
		Score:    score,
	}
}

func testConfig() *config.Config {
	return &config.Config{TopK: 3, TokenBudget: 100, SimilarityMin: 0.25}
}

func newTestRetriever(t *testing.T, emb *fakeEmbedder, search *fakeSearcher, cfg *config.Config) *Retriever {
	t.Helper()
	r, err := New(emb, search, cfg, applog.NewNop())
	require.NoError(t, err)
	return r
}

func TestRetrieve_TopKAndOversample(t *testing.T) {
	search := &fakeSearcher{results: []store.SearchResult{
		result("a.go", 10, 0.9),
		result("b.go", 10, 0.8),
		result("c.go", 10, 0.7),
		result("d.go", 10, 0.6),
	}}
	r := newTestRetriever(t, &fakeEmbedder{}, search, testConfig())

	got, err := r.Retrieve(context.Background(), 1, "query")
	require.NoError(t, err)

	assert.Len(t, got, 3)
	assert.Equal(t, 12, search.gotK, "store query widens top-k for filtering headroom")
	assert.Equal(t, "a.go", got[0].FilePath)
}

func TestRetrieve_TokenBudgetStopsSelection(t *testing.T) {
	search := &fakeSearcher{results: []store.SearchResult{
		result("a.go", 60, 0.9),
		result("b.go", 30, 0.8),
		result("c.go", 30, 0.7),
	}}
	r := newTestRetriever(t, &fakeEmbedder{}, search, testConfig())

	got, err := r.Retrieve(context.Background(), 1, "query")
	require.NoError(t, err)

	// 60 + 30 fit the budget of 100; the next 30 would not.
	require.Len(t, got, 2)
	assert.Equal(t, "a.go", got[0].FilePath)
	assert.Equal(t, "b.go", got[1].FilePath)
}

func TestRetrieve_OverBudgetTopCandidateTruncated(t *testing.T) {
	big := store.SearchResult{
		Chunk:    store.Chunk{Content: string(make([]byte, 800)), TokenEstimate: 200, StartByte: 1000, EndByte: 1800},
		FilePath: "huge.go",
		Score:    0.9,
	}
	search := &fakeSearcher{results: []store.SearchResult{big}}
	r := newTestRetriever(t, &fakeEmbedder{}, search, testConfig())

	got, err := r.Retrieve(context.Background(), 1, "query")
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Len(t, got[0].Chunk.Content, 400, "clipped to budget*4 bytes")
	assert.Equal(t, 100, got[0].Chunk.TokenEstimate)
	assert.Equal(t, 1400, got[0].Chunk.EndByte)
	assert.Equal(t, 1000, got[0].Chunk.StartByte)
}

func TestRetrieve_SimilarityThreshold(t *testing.T) {
	search := &fakeSearcher{results: []store.SearchResult{
		result("a.go", 10, 0.9),
		result("b.go", 10, 0.2),
		result("c.go", 10, 0.1),
	}}
	r := newTestRetriever(t, &fakeEmbedder{}, search, testConfig())

	got, err := r.Retrieve(context.Background(), 1, "query")
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, "a.go", got[0].FilePath)
}

func TestRetrieve_EmptyProject(t *testing.T) {
	r := newTestRetriever(t, &fakeEmbedder{}, &fakeSearcher{}, testConfig())

	got, err := r.Retrieve(context.Background(), 1, "query")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRetrieve_EmbedFailure(t *testing.T) {
	boom := errors.New("embed down")
	r := newTestRetriever(t, &fakeEmbedder{err: boom}, &fakeSearcher{}, testConfig())

	_, err := r.Retrieve(context.Background(), 1, "query")
	assert.ErrorIs(t, err, boom)
}

func TestRetrieve_QueryCacheSkipsEmbedding(t *testing.T) {
	emb := &fakeEmbedder{}
	r := newTestRetriever(t, emb, &fakeSearcher{}, testConfig())

	_, err := r.Retrieve(context.Background(), 1, "same question")
	require.NoError(t, err)
	_, err = r.Retrieve(context.Background(), 1, "same question")
	require.NoError(t, err)

	assert.Equal(t, 1, emb.calls)
}
