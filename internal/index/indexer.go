// Package index drives project reindexing: scan, diff against the stored
// records, then chunk, embed, and store only what changed.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"sourcerer/internal/chunker"
	"sourcerer/internal/config"
	"sourcerer/internal/embedder"
	"sourcerer/internal/scanner"
	"sourcerer/internal/store"
)

// ErrIndexInProgress is returned when a reindex is requested for a project
// that already has one running. The later caller is refused, not queued.
var ErrIndexInProgress = errors.New("project reindex already in progress")

// embedBatchSize bounds how many chunk texts go into one embedding request.
const embedBatchSize = 32

// Embedder is the slice of the embedding client the indexer needs.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// Stats reports what one reindex run did.
type Stats struct {
	FilesScanned   int
	FilesAdded     int
	FilesChanged   int
	FilesRemoved   int
	FilesUnchanged int
	FilesFailed    int
	ChunksIndexed  int
	Duration       time.Duration
}

// Indexer owns the indexing concurrency domain. One Indexer serves all
// projects of a store; its in-flight table and per-file locks are process
// wide.
type Indexer struct {
	store    store.Store
	embedder Embedder
	scanner  *scanner.Scanner
	builder  *chunker.Builder
	workers  int
	logger   *slog.Logger

	inflight  *flightTable
	fileLocks *lockTable
}

// New validates the chunking configuration up front so a bad size/overlap
// pair fails here, not mid-run.
func New(st store.Store, emb Embedder, cfg *config.Config, logger *slog.Logger) (*Indexer, error) {
	builder, err := chunker.New(cfg.ChunkSize, cfg.ChunkOverlap)
	if err != nil {
		return nil, err
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Indexer{
		store:     st,
		embedder:  emb,
		scanner:   scanner.New(cfg.AllowedExts, cfg.MaxFileSize, cfg.MaxFiles, logger),
		builder:   builder,
		workers:   workers,
		logger:    logger,
		inflight:  newFlightTable(),
		fileLocks: newLockTable(),
	}, nil
}

// Status returns the project's current indexing state.
func (idx *Indexer) Status(ctx context.Context, projectID int64) (*store.Project, error) {
	return idx.store.GetProject(ctx, projectID)
}

// Reindex brings the project's index in line with its tree. Unchanged files
// are untouched; added and changed files are chunked, embedded, and stored
// concurrently; removed files are deleted. A file whose embedding fails is
// marked failed and skipped without aborting the run. Returns
// ErrIndexInProgress if another reindex of the same project is running.
func (idx *Indexer) Reindex(ctx context.Context, projectID int64) (*Stats, error) {
	project, err := idx.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	if !idx.inflight.tryAcquire(projectID) {
		return nil, fmt.Errorf("%w: project %d", ErrIndexInProgress, projectID)
	}
	defer idx.inflight.release(projectID)

	if err := idx.store.SetProjectStatus(ctx, projectID, store.StatusIndexing); err != nil {
		return nil, err
	}

	start := time.Now()
	stats, err := idx.reindex(ctx, project)
	if stats != nil {
		stats.Duration = time.Since(start)
	}

	status := store.StatusReady
	if err != nil {
		status = store.StatusFailed
	}
	total := 0
	if stats != nil {
		total = stats.FilesScanned
	}
	if ferr := idx.store.FinishIndex(ctx, projectID, total, status); ferr != nil && err == nil {
		err = ferr
	}
	return stats, err
}

func (idx *Indexer) reindex(ctx context.Context, project *store.Project) (*Stats, error) {
	// A different embedding model invalidates every stored vector.
	modelChanged, err := idx.store.EmbeddingModelChanged(ctx, idx.embedder.Model())
	if err != nil {
		return nil, err
	}
	if modelChanged {
		idx.logger.Info("embedding model changed, clearing all indexes", "model", idx.embedder.Model())
		if err := idx.store.ResetAllIndexes(ctx); err != nil {
			return nil, err
		}
	}

	current, err := idx.collectScan(ctx, project.Root)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", project.Root, err)
	}

	stored, err := idx.store.ListFiles(ctx, project.ID)
	if err != nil {
		return nil, err
	}

	d := ComputeDiff(current, stored)
	stats := &Stats{
		FilesScanned:   len(current),
		FilesAdded:     len(d.Added),
		FilesChanged:   len(d.Changed),
		FilesRemoved:   len(d.Removed),
		FilesUnchanged: d.Unchanged,
	}
	idx.logger.Info("reindex diff",
		"project", project.Name,
		"added", len(d.Added), "changed", len(d.Changed),
		"removed", len(d.Removed), "unchanged", d.Unchanged)

	for _, path := range d.Removed {
		unlock := idx.fileLocks.lock(fileKey(project.ID, path))
		err := idx.store.DeleteFile(ctx, project.ID, path)
		unlock()
		if err != nil {
			return stats, fmt.Errorf("delete %s: %w", path, err)
		}
	}

	work := make([]scanner.FileStat, 0, len(d.Added)+len(d.Changed))
	work = append(work, d.Added...)
	work = append(work, d.Changed...)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(idx.workers)
	for _, fs := range work {
		g.Go(func() error {
			chunks, failed, err := idx.indexFile(gctx, project, fs)
			if err != nil {
				return err
			}
			mu.Lock()
			if failed {
				stats.FilesFailed++
			} else {
				stats.ChunksIndexed += chunks
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}
	return stats, nil
}

// indexFile chunks, embeds, and stores one file. Embedding-service failures
// and unreadable files mark the file failed and report failed=true; only
// storage errors and cancellation propagate, since they abort the run.
func (idx *Indexer) indexFile(ctx context.Context, project *store.Project, fs scanner.FileStat) (chunks int, failed bool, err error) {
	unlock := idx.fileLocks.lock(fileKey(project.ID, fs.Path))
	defer unlock()

	src, err := os.ReadFile(filepath.Join(project.Root, filepath.FromSlash(fs.Path)))
	if err != nil {
		idx.logger.Warn("index: file unreadable, marking failed", "path", fs.Path, "error", err)
		return 0, true, idx.store.MarkFileFailed(ctx, project.ID, fs.Path, fs.Fingerprint, fs.Size)
	}

	pieces := idx.builder.Split(string(src))
	texts := make([]string, len(pieces))
	records := make([]store.Chunk, len(pieces))
	for i, c := range pieces {
		texts[i] = c.Text
		records[i] = store.Chunk{
			Ordinal:       c.Ordinal,
			StartByte:     c.Start,
			EndByte:       c.End,
			Content:       c.Text,
			TokenEstimate: c.TokenEstimate,
		}
	}

	vectors, err := idx.embedAll(ctx, texts)
	if err != nil {
		if ctx.Err() != nil {
			return 0, false, ctx.Err()
		}
		var se *embedder.ServiceError
		if errors.As(err, &se) {
			idx.logger.Warn("index: embedding failed, marking file failed", "path", fs.Path, "error", err)
			return 0, true, idx.store.MarkFileFailed(ctx, project.ID, fs.Path, fs.Fingerprint, fs.Size)
		}
		return 0, false, err
	}

	if err := idx.store.ReplaceFileChunks(ctx, project.ID, fs.Path, fs.Fingerprint, fs.Size, records, vectors); err != nil {
		return 0, false, fmt.Errorf("store %s: %w", fs.Path, err)
	}
	return len(pieces), false, nil
}

func (idx *Indexer) embedAll(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += embedBatchSize {
		end := min(i+embedBatchSize, len(texts))
		batch, err := idx.embedder.Embed(ctx, texts[i:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

// collectScan drains the scanner's lazy sequence. The diff needs the full
// picture before any work starts, so removals are computed correctly.
func (idx *Indexer) collectScan(ctx context.Context, root string) ([]scanner.FileStat, error) {
	files, errs := idx.scanner.Scan(ctx, root)
	var current []scanner.FileStat
	for fs := range files {
		current = append(current, fs)
	}
	if err := <-errs; err != nil {
		return nil, err
	}
	return current, nil
}

func fileKey(projectID int64, path string) string {
	return fmt.Sprintf("%d:%s", projectID, path)
}
