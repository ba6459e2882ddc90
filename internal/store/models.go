package store

import "time"

// Project indexing statuses.
const (
	StatusPending  = "pending"
	StatusIndexing = "indexing"
	StatusReady    = "ready"
	StatusFailed   = "failed"
)

// Per-file indexing statuses.
const (
	FileOK     = "ok"
	FileFailed = "failed"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Project is one indexed source tree.
type Project struct {
	ID          int64
	Name        string
	Root        string
	Status      string
	TotalFiles  int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastIndexed *time.Time
}

// FileRecord is the stored state of one file within a project.
type FileRecord struct {
	ID          int64
	ProjectID   int64
	Path        string
	Fingerprint string
	SizeBytes   int64
	ChunkCount  int
	Status      string
	IndexedAt   time.Time
}

// Chunk is one stored window of a file's text.
type Chunk struct {
	ID            int64
	FileID        int64
	Ordinal       int
	StartByte     int
	EndByte       int
	Content       string
	TokenEstimate int
}

// SearchResult pairs a chunk with its similarity score and owning file.
type SearchResult struct {
	Chunk    Chunk
	FileID   int64
	FilePath string
	// Score is cosine similarity in [-1, 1]; higher is closer.
	Score float64
}

// Session is one conversation attached to a project.
type Session struct {
	ID        string
	ProjectID int64
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is one persisted chat message. Assistant messages carry the chunk
// and file references that grounded them, the measured generation latency,
// and a partial flag when the stream was cancelled or failed mid-way.
type Message struct {
	ID            string
	SessionID     string
	Role          string
	Content       string
	ContextFiles  []string
	ContextChunks []int64
	LatencyMS     int64
	Partial       bool
	CreatedAt     time.Time
}
