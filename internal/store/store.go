// Package store persists projects, file records, chunks, embeddings, chat
// sessions, and chat messages in SQLite, with vector similarity search
// provided by sqlite-vec.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDimensionMismatch indicates a vector whose width disagrees with the
	// dimension the store was created with. Writing such vectors is refused;
	// recovering from a configured-dimension change requires a full reindex.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

const (
	metaEmbeddingModel = "embedding_model"
	metaEmbeddingDim   = "embedding_dim"
)

// Store is the persistence interface the engine consumes. SQLiteStore is the
// only production implementation; tests substitute fakes for the parts they
// exercise.
type Store interface {
	// Projects.
	CreateProject(ctx context.Context, name, root string) (*Project, error)
	GetProject(ctx context.Context, id int64) (*Project, error)
	FindProjectByName(ctx context.Context, name string) (*Project, error)
	ListProjects(ctx context.Context) ([]Project, error)
	DeleteProject(ctx context.Context, id int64) error
	SetProjectStatus(ctx context.Context, id int64, status string) error
	FinishIndex(ctx context.Context, id int64, totalFiles int, status string) error

	// Files and chunks.
	ListFiles(ctx context.Context, projectID int64) ([]FileRecord, error)
	ReplaceFileChunks(ctx context.Context, projectID int64, path, fingerprint string, size int64, chunks []Chunk, vectors [][]float32) error
	MarkFileFailed(ctx context.Context, projectID int64, path, fingerprint string, size int64) error
	DeleteFile(ctx context.Context, projectID int64, path string) error
	Search(ctx context.Context, projectID int64, query []float32, k int) ([]SearchResult, error)

	// Sessions and messages.
	CreateSession(ctx context.Context, projectID int64, title string) (*Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, projectID int64) ([]Session, error)
	SetSessionTitle(ctx context.Context, id, title string) error
	ListMessages(ctx context.Context, sessionID string) ([]Message, error)
	AppendMessage(ctx context.Context, msg *Message) error

	// Index metadata.
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error
	EmbeddingModelChanged(ctx context.Context, current string) (bool, error)
	ResetAllIndexes(ctx context.Context) error

	Close() error
}

// SQLiteStore implements Store backed by SQLite + sqlite-vec.
//
// Concurrency: searches take the read lock and proceed against each other
// unblocked; ReplaceFileChunks/DeleteFile run single-file transactions under
// the write lock, so a search observes either the pre- or post-replace chunk
// set for a file, never a mix.
type SQLiteStore struct {
	db  *sql.DB
	dim int
	mu  sync.RWMutex
}

// Open creates or opens the database at dbPath with the given embedding
// dimension. If the stored dimension differs from dim, the vector schema is
// rebuilt and every project's index is cleared, forcing a full reindex.
func Open(dbPath string, dim int) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &SQLiteStore{db: db, dim: dim}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	ctx := context.Background()

	stored, err := s.GetMeta(ctx, metaEmbeddingDim)
	if err != nil {
		return fmt.Errorf("read embedding dim: %w", err)
	}
	if stored != "" && stored != strconv.Itoa(s.dim) {
		// The vec0 column width is fixed at creation; a dimension change
		// requires dropping it and re-embedding everything.
		if _, err := s.db.Exec("DROP TABLE IF EXISTS vec_chunks"); err != nil {
			return fmt.Errorf("drop vector table: %w", err)
		}
		if err := Init(s.db, s.dim); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
		if err := s.ResetAllIndexes(ctx); err != nil {
			return err
		}
	} else if err := Init(s.db, s.dim); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	return s.SetMeta(ctx, metaEmbeddingDim, strconv.Itoa(s.dim))
}

// Dimension returns the vector width the store was opened with.
func (s *SQLiteStore) Dimension() int { return s.dim }

// --- Projects ---

func (s *SQLiteStore) CreateProject(ctx context.Context, name, root string) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO projects (name, root, status) VALUES (?, ?, ?)",
		name, root, StatusPending,
	)
	if err != nil {
		return nil, fmt.Errorf("create project %q: %w", name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.getProject(ctx, id)
}

func (s *SQLiteStore) GetProject(ctx context.Context, id int64) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getProject(ctx, id)
}

func (s *SQLiteStore) getProject(ctx context.Context, id int64) (*Project, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, name, root, status, total_files, created_at, updated_at, last_indexed FROM projects WHERE id = ?", id)
	return scanProject(row)
}

func (s *SQLiteStore) FindProjectByName(ctx context.Context, name string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx,
		"SELECT id, name, root, status, total_files, created_at, updated_at, last_indexed FROM projects WHERE name = ?", name)
	return scanProject(row)
}

func scanProject(row *sql.Row) (*Project, error) {
	var p Project
	var last sql.NullTime
	err := row.Scan(&p.ID, &p.Name, &p.Root, &p.Status, &p.TotalFiles, &p.CreatedAt, &p.UpdatedAt, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if last.Valid {
		p.LastIndexed = &last.Time
	}
	return &p, nil
}

func (s *SQLiteStore) ListProjects(ctx context.Context) ([]Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, root, status, total_files, created_at, updated_at, last_indexed FROM projects ORDER BY created_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var p Project
		var last sql.NullTime
		if err := rows.Scan(&p.ID, &p.Name, &p.Root, &p.Status, &p.TotalFiles, &p.CreatedAt, &p.UpdatedAt, &last); err != nil {
			return nil, err
		}
		if last.Valid {
			p.LastIndexed = &last.Time
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *SQLiteStore) DeleteProject(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// vec0 tables have no foreign keys; clear the partition explicitly.
	if _, err := tx.ExecContext(ctx, "DELETE FROM vec_chunks WHERE project_id = ?", id); err != nil {
		return fmt.Errorf("delete project vectors: %w", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM projects WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (s *SQLiteStore) SetProjectStatus(ctx context.Context, id int64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE projects SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?", status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) FinishIndex(ctx context.Context, id int64, totalFiles int, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE projects SET status = ?, total_files = ?, last_indexed = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		status, totalFiles, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Files and chunks ---

func (s *SQLiteStore) ListFiles(ctx context.Context, projectID int64) ([]FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, project_id, path, fingerprint, size_bytes, chunk_count, status, indexed_at FROM files WHERE project_id = ? ORDER BY path",
		projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []FileRecord
	for rows.Next() {
		var f FileRecord
		if err := rows.Scan(&f.ID, &f.ProjectID, &f.Path, &f.Fingerprint, &f.SizeBytes, &f.ChunkCount, &f.Status, &f.IndexedAt); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// ReplaceFileChunks upserts the file record and atomically replaces its
// chunk set and vectors in one transaction. A concurrent Search sees either
// the old chunks or the new ones.
func (s *SQLiteStore) ReplaceFileChunks(ctx context.Context, projectID int64, path, fingerprint string, size int64, chunks []Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("mismatched chunks (%d) and vectors (%d)", len(chunks), len(vectors))
	}
	for i, vec := range vectors {
		if len(vec) != s.dim {
			return fmt.Errorf("%w: vector %d has dimension %d, want %d", ErrDimensionMismatch, i, len(vec), s.dim)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	fileID, err := upsertFileTx(ctx, tx, projectID, path, fingerprint, size, len(chunks), FileOK)
	if err != nil {
		return err
	}
	if err := deleteChunksTx(ctx, tx, fileID); err != nil {
		return err
	}

	chunkStmt, err := tx.PrepareContext(ctx,
		"INSERT INTO chunks (file_id, ordinal, start_byte, end_byte, content, token_estimate) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer chunkStmt.Close()

	vecStmt, err := tx.PrepareContext(ctx,
		"INSERT INTO vec_chunks (chunk_id, project_id, embedding) VALUES (?, ?, ?)")
	if err != nil {
		return err
	}
	defer vecStmt.Close()

	for i, c := range chunks {
		res, err := chunkStmt.ExecContext(ctx, fileID, c.Ordinal, c.StartByte, c.EndByte, c.Content, c.TokenEstimate)
		if err != nil {
			return fmt.Errorf("insert chunk %d of %s: %w", c.Ordinal, path, err)
		}
		chunkID, err := res.LastInsertId()
		if err != nil {
			return err
		}
		blob, err := sqlite_vec.SerializeFloat32(vectors[i])
		if err != nil {
			return fmt.Errorf("serialize embedding for chunk %d of %s: %w", c.Ordinal, path, err)
		}
		if _, err := vecStmt.ExecContext(ctx, chunkID, projectID, blob); err != nil {
			return fmt.Errorf("insert embedding for chunk %d of %s: %w", c.Ordinal, path, err)
		}
	}

	return tx.Commit()
}

// MarkFileFailed records a file whose indexing failed (typically embedding),
// clearing any chunks left from a previous successful run.
func (s *SQLiteStore) MarkFileFailed(ctx context.Context, projectID int64, path, fingerprint string, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	fileID, err := upsertFileTx(ctx, tx, projectID, path, fingerprint, size, 0, FileFailed)
	if err != nil {
		return err
	}
	if err := deleteChunksTx(ctx, tx, fileID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) DeleteFile(ctx context.Context, projectID int64, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var fileID int64
	err = tx.QueryRowContext(ctx, "SELECT id FROM files WHERE project_id = ? AND path = ?", projectID, path).Scan(&fileID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := deleteChunksTx(ctx, tx, fileID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM files WHERE id = ?", fileID); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertFileTx(ctx context.Context, tx *sql.Tx, projectID int64, path, fingerprint string, size int64, chunkCount int, status string) (int64, error) {
	var fileID int64
	err := tx.QueryRowContext(ctx, "SELECT id FROM files WHERE project_id = ? AND path = ?", projectID, path).Scan(&fileID)
	switch {
	case err == nil:
		_, err = tx.ExecContext(ctx,
			"UPDATE files SET fingerprint = ?, size_bytes = ?, chunk_count = ?, status = ?, indexed_at = CURRENT_TIMESTAMP WHERE id = ?",
			fingerprint, size, chunkCount, status, fileID)
		return fileID, err
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.ExecContext(ctx,
			"INSERT INTO files (project_id, path, fingerprint, size_bytes, chunk_count, status) VALUES (?, ?, ?, ?, ?, ?)",
			projectID, path, fingerprint, size, chunkCount, status)
		if err != nil {
			return 0, err
		}
		return res.LastInsertId()
	default:
		return 0, err
	}
}

func deleteChunksTx(ctx context.Context, tx *sql.Tx, fileID int64) error {
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM vec_chunks WHERE chunk_id IN (SELECT id FROM chunks WHERE file_id = ?)", fileID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE file_id = ?", fileID)
	return err
}

// --- Search ---

// Search returns the k chunks of the project closest to the query vector by
// cosine similarity, ranked by descending score with ties broken by file
// path then chunk ordinal so repeated calls return the same order.
func (s *SQLiteStore) Search(ctx context.Context, projectID int64, query []float32, k int) ([]SearchResult, error) {
	if len(query) != s.dim {
		return nil, fmt.Errorf("%w: query has dimension %d, want %d", ErrDimensionMismatch, len(query), s.dim)
	}
	if k <= 0 {
		return nil, nil
	}

	blob, err := sqlite_vec.SerializeFloat32(query)
	if err != nil {
		return nil, fmt.Errorf("serialize query embedding: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.file_id, c.ordinal, c.start_byte, c.end_byte, c.content, c.token_estimate,
		       f.path, v.distance
		FROM (
			SELECT chunk_id, distance
			FROM vec_chunks
			WHERE embedding MATCH ? AND project_id = ? AND k = ?
		) v
		JOIN chunks c ON c.id = v.chunk_id
		JOIN files f ON f.id = c.file_id
		ORDER BY v.distance, f.path, c.ordinal
	`, blob, projectID, k)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var distance float64
		err := rows.Scan(
			&r.Chunk.ID, &r.Chunk.FileID, &r.Chunk.Ordinal, &r.Chunk.StartByte, &r.Chunk.EndByte,
			&r.Chunk.Content, &r.Chunk.TokenEstimate,
			&r.FilePath, &distance,
		)
		if err != nil {
			return nil, err
		}
		r.FileID = r.Chunk.FileID
		// vec0 cosine distance is 1 − similarity.
		r.Score = 1 - distance
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Meta ---

func (s *SQLiteStore) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	// Before the first Init the meta table may not exist yet.
	if err != nil && isMissingTable(err) {
		return "", nil
	}
	return value, err
}

func (s *SQLiteStore) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value)
	return err
}

// ResetAllIndexes clears every project's files, chunks, and vectors and
// marks the projects pending. Sessions and messages are kept.
func (s *SQLiteStore) ResetAllIndexes(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"DELETE FROM vec_chunks",
		"DELETE FROM chunks",
		"DELETE FROM files",
		"UPDATE projects SET status = 'pending', total_files = 0, last_indexed = NULL",
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("reset indexes: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

// EmbeddingModelChanged compares the stored embedding model with current and
// records current. It returns true when a previous, different model was
// recorded, meaning existing vectors are stale.
func (s *SQLiteStore) EmbeddingModelChanged(ctx context.Context, current string) (bool, error) {
	stored, err := s.GetMeta(ctx, metaEmbeddingModel)
	if err != nil {
		return false, err
	}
	if err := s.SetMeta(ctx, metaEmbeddingModel, current); err != nil {
		return false, err
	}
	return stored != "" && stored != current, nil
}
