package index

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sourcerer/internal/config"
	"sourcerer/internal/embedder"
	applog "sourcerer/internal/log"
	"sourcerer/internal/store"
)

// fakeStore keeps file records and chunks in memory, implementing the slices
// of store.Store the indexer touches.
type fakeStore struct {
	store.Store

	mu           sync.Mutex
	project      *store.Project
	files        map[string]store.FileRecord
	chunks       map[string][]store.Chunk
	nextID       int64
	modelChanged bool
	resets       int
}

func newFakeStore(root string) *fakeStore {
	return &fakeStore{
		project: &store.Project{ID: 1, Name: "proj", Root: root, Status: store.StatusPending},
		files:   make(map[string]store.FileRecord),
		chunks:  make(map[string][]store.Chunk),
	}
}

func (f *fakeStore) GetProject(ctx context.Context, id int64) (*store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != f.project.ID {
		return nil, store.ErrNotFound
	}
	cp := *f.project
	return &cp, nil
}

func (f *fakeStore) SetProjectStatus(ctx context.Context, id int64, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.project.Status = status
	return nil
}

func (f *fakeStore) FinishIndex(ctx context.Context, id int64, totalFiles int, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.project.Status = status
	f.project.TotalFiles = totalFiles
	return nil
}

func (f *fakeStore) ListFiles(ctx context.Context, projectID int64) ([]store.FileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.FileRecord
	for _, rec := range f.files {
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeStore) ReplaceFileChunks(ctx context.Context, projectID int64, path, fingerprint string, size int64, chunks []store.Chunk, vectors [][]float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.files[path] = store.FileRecord{
		ID: f.nextID, ProjectID: projectID, Path: path,
		Fingerprint: fingerprint, SizeBytes: size,
		ChunkCount: len(chunks), Status: store.FileOK,
	}
	f.chunks[path] = chunks
	return nil
}

func (f *fakeStore) MarkFileFailed(ctx context.Context, projectID int64, path, fingerprint string, size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.files[path] = store.FileRecord{
		ID: f.nextID, ProjectID: projectID, Path: path,
		Fingerprint: fingerprint, SizeBytes: size, Status: store.FileFailed,
	}
	delete(f.chunks, path)
	return nil
}

func (f *fakeStore) DeleteFile(ctx context.Context, projectID int64, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, path)
	delete(f.chunks, path)
	return nil
}

func (f *fakeStore) EmbeddingModelChanged(ctx context.Context, current string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	changed := f.modelChanged
	f.modelChanged = false
	return changed, nil
}

func (f *fakeStore) ResetAllIndexes(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	f.files = make(map[string]store.FileRecord)
	f.chunks = make(map[string][]store.Chunk)
	return nil
}

// countingEmbedder returns constant vectors and can fail for texts holding a
// marker string.
type countingEmbedder struct {
	mu       sync.Mutex
	calls    int
	texts    int
	failWith string
	release  chan struct{}
}

func (e *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	e.texts += len(texts)
	release := e.release
	e.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	for _, txt := range texts {
		if e.failWith != "" && strings.Contains(txt, e.failWith) {
			return nil, &embedder.ServiceError{Status: 500, Msg: "embed failure"}
		}
	}
	vecs := make([][]float32, len(texts))
	for i := range vecs {
		vecs[i] = []float32{1, 2, 3}
	}
	return vecs, nil
}

func (e *countingEmbedder) Model() string { return "test-embed" }

func (e *countingEmbedder) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func indexConfig() *config.Config {
	return &config.Config{
		ChunkSize: 100, ChunkOverlap: 10,
		MaxFileSize: 1 << 20, MaxFiles: 1000,
		AllowedExts:  []string{".go"},
		Workers:      2,
		EmbeddingDim: 3,
	}
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func newTestIndexer(t *testing.T, st store.Store, emb Embedder) *Indexer {
	t.Helper()
	idx, err := New(st, emb, indexConfig(), applog.NewNop())
	require.NoError(t, err)
	return idx
}

func TestReindex_FullThenIncremental(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"a.go": "package a\n" + strings.Repeat("x", 200),
		"b.go": "package b\n",
	})

	st := newFakeStore(root)
	emb := &countingEmbedder{}
	idx := newTestIndexer(t, st, emb)

	stats, err := idx.Reindex(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.FilesScanned)
	assert.Equal(t, 2, stats.FilesAdded)
	assert.Zero(t, stats.FilesChanged)
	assert.Greater(t, stats.ChunksIndexed, 0)
	assert.Equal(t, store.StatusReady, st.project.Status)
	assert.Equal(t, 2, st.project.TotalFiles)

	// Second run over an untouched tree performs no embedding work.
	before := emb.callCount()
	stats, err = idx.Reindex(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.FilesUnchanged)
	assert.Zero(t, stats.FilesAdded)
	assert.Zero(t, stats.FilesChanged)
	assert.Equal(t, before, emb.callCount(), "unchanged files must not be re-embedded")
}

func TestReindex_DetectsChangeAndRemoval(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"keep.go":   "package keep\n",
		"change.go": "package change\n",
		"drop.go":   "package drop\n",
	})

	st := newFakeStore(root)
	emb := &countingEmbedder{}
	idx := newTestIndexer(t, st, emb)

	_, err := idx.Reindex(context.Background(), 1)
	require.NoError(t, err)

	writeTree(t, root, map[string]string{"change.go": "package change // edited\n"})
	require.NoError(t, os.Remove(filepath.Join(root, "drop.go")))

	stats, err := idx.Reindex(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.FilesChanged)
	assert.Equal(t, 1, stats.FilesRemoved)
	assert.Equal(t, 1, stats.FilesUnchanged)

	st.mu.Lock()
	_, dropped := st.files["drop.go"]
	st.mu.Unlock()
	assert.False(t, dropped)
}

func TestReindex_EmbeddingFailureIsolatedToFile(t *testing.T) {
	root := t.TempDir()
	files := map[string]string{"bad.go": "package bad POISON\n"}
	for i := 0; i < 4; i++ {
		files[fmt.Sprintf("good%d.go", i)] = fmt.Sprintf("package good%d\n", i)
	}
	writeTree(t, root, files)

	st := newFakeStore(root)
	emb := &countingEmbedder{failWith: "POISON"}
	idx := newTestIndexer(t, st, emb)

	stats, err := idx.Reindex(context.Background(), 1)
	require.NoError(t, err, "one failing file must not abort the run")

	assert.Equal(t, 1, stats.FilesFailed)
	assert.Equal(t, store.StatusReady, st.project.Status)

	st.mu.Lock()
	bad := st.files["bad.go"]
	okCount := 0
	for _, rec := range st.files {
		if rec.Status == store.FileOK {
			okCount++
		}
	}
	st.mu.Unlock()
	assert.Equal(t, store.FileFailed, bad.Status)
	assert.Equal(t, 4, okCount)

	// The failed file is retried next run even though its bytes are the same.
	emb.failWith = ""
	stats, err = idx.Reindex(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FilesChanged)
	assert.Zero(t, stats.FilesFailed)
}

func TestReindex_ConcurrentRunRefused(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.go": "package a\n"})

	st := newFakeStore(root)
	emb := &countingEmbedder{release: make(chan struct{})}
	idx := newTestIndexer(t, st, emb)

	done := make(chan error, 1)
	go func() {
		_, err := idx.Reindex(context.Background(), 1)
		done <- err
	}()

	// Wait until the first run is inside the embedder, then try again.
	require.Eventually(t, func() bool { return emb.callCount() > 0 }, 2*time.Second, 5*time.Millisecond)

	_, err := idx.Reindex(context.Background(), 1)
	assert.ErrorIs(t, err, ErrIndexInProgress)

	close(emb.release)
	require.NoError(t, <-done)

	// After the first run finishes the project is free again.
	_, err = idx.Reindex(context.Background(), 1)
	assert.NoError(t, err)
}

func TestReindex_ModelChangeClearsIndexes(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.go": "package a\n"})

	st := newFakeStore(root)
	emb := &countingEmbedder{}
	idx := newTestIndexer(t, st, emb)

	_, err := idx.Reindex(context.Background(), 1)
	require.NoError(t, err)

	st.mu.Lock()
	st.modelChanged = true
	st.mu.Unlock()

	stats, err := idx.Reindex(context.Background(), 1)
	require.NoError(t, err)

	st.mu.Lock()
	resets := st.resets
	st.mu.Unlock()
	assert.Equal(t, 1, resets)
	assert.Equal(t, 1, stats.FilesAdded, "cleared files are re-added")
}

func TestReindex_UnknownProject(t *testing.T) {
	st := newFakeStore(t.TempDir())
	idx := newTestIndexer(t, st, &countingEmbedder{})

	_, err := idx.Reindex(context.Background(), 99)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
