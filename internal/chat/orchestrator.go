// Package chat orchestrates one grounded, streamed generation per session:
// retrieve context, prompt the model, relay deltas, persist the exchange.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"sourcerer/internal/config"
	"sourcerer/internal/llm"
	"sourcerer/internal/store"
)

// ErrSessionBusy is returned when a session already has a generation in
// flight. The second request fails immediately; nothing is queued.
var ErrSessionBusy = errors.New("session has a generation in flight")

// Phase is the request state, advancing Idle → Retrieving → Generating →
// Streaming and terminating in Completed, Failed, or Cancelled.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseRetrieving Phase = "retrieving"
	PhaseGenerating Phase = "generating"
	PhaseStreaming  Phase = "streaming"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
	PhaseCancelled  Phase = "cancelled"
)

// Retriever is the slice of the retrieval layer the orchestrator needs.
type Retriever interface {
	Retrieve(ctx context.Context, projectID int64, query string) ([]store.SearchResult, error)
}

// Generator is the slice of the inference client the orchestrator needs.
type Generator interface {
	Stream(ctx context.Context, msgs []llm.Message, opts llm.Options, onDelta func(delta string)) (string, error)
}

// Orchestrator serves chat requests for any number of sessions, enforcing
// single-flight per session.
type Orchestrator struct {
	store     store.Store
	retriever Retriever
	generator Generator
	opts      llm.Options
	history   int
	logger    *slog.Logger

	mu       sync.Mutex
	inflight map[string]bool
}

// New builds an Orchestrator from the chat section of the configuration.
func New(st store.Store, r Retriever, g Generator, cfg *config.Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:     st,
		retriever: r,
		generator: g,
		opts: llm.Options{
			Temperature: cfg.Temperature,
			TopP:        cfg.TopP,
			MaxContext:  cfg.MaxContext,
		},
		history:  cfg.HistoryWindow,
		logger:   logger,
		inflight: make(map[string]bool),
	}
}

// Reply is one in-flight generation. Deltas yields text fragments in arrival
// order and is closed when the stream ends for any reason; callers must drain
// it. Wait blocks until the exchange is fully persisted and reports the
// terminal outcome.
type Reply struct {
	deltas chan string
	done   chan struct{}

	mu    sync.Mutex
	phase Phase
	msg   *store.Message
	err   error
}

// Deltas returns the stream of text fragments.
func (r *Reply) Deltas() <-chan string { return r.deltas }

// Wait blocks until the request reaches a terminal phase. It returns the
// persisted assistant message, which is nil when nothing was generated, and
// the terminal error, nil on completion.
func (r *Reply) Wait() (*store.Message, error) {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.msg, r.err
}

// Phase returns the request's current phase.
func (r *Reply) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

func (r *Reply) setPhase(p Phase) {
	r.mu.Lock()
	r.phase = p
	r.mu.Unlock()
}

// Send starts a generation for the session. It checks and sets the session's
// in-flight flag atomically, persists the user message, and launches the
// pipeline. Cancelling ctx aborts the in-flight inference call; the text
// accumulated so far is persisted flagged partial and the flag released.
func (o *Orchestrator) Send(ctx context.Context, sessionID, text string) (*Reply, error) {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if !o.tryAcquire(sessionID) {
		return nil, ErrSessionBusy
	}

	// History is loaded before the new user message is written so the
	// prompt does not contain the question twice.
	history, err := o.store.ListMessages(ctx, sessionID)
	if err != nil {
		o.release(sessionID)
		return nil, err
	}
	if len(history) > o.history {
		history = history[len(history)-o.history:]
	}

	userMsg := &store.Message{SessionID: sessionID, Role: store.RoleUser, Content: text}
	if err := o.store.AppendMessage(ctx, userMsg); err != nil {
		o.release(sessionID)
		return nil, err
	}
	if sess.Title == "" {
		if err := o.store.SetSessionTitle(ctx, sessionID, sessionTitle(text)); err != nil {
			o.logger.Warn("chat: set session title failed", "session", sessionID, "error", err)
		}
	}

	reply := &Reply{
		deltas: make(chan string, 64),
		done:   make(chan struct{}),
		phase:  PhaseIdle,
	}
	go o.run(ctx, sess, text, history, reply)
	return reply, nil
}

func (o *Orchestrator) run(ctx context.Context, sess *store.Session, text string, history []store.Message, reply *Reply) {
	defer o.release(sess.ID)

	reply.setPhase(PhaseRetrieving)
	chunks, err := o.retriever.Retrieve(ctx, sess.ProjectID, text)
	if err != nil {
		// The user message stays persisted with no assistant reply.
		close(reply.deltas)
		o.finish(reply, terminalPhase(ctx, err), nil, err)
		return
	}

	reply.setPhase(PhaseGenerating)
	msgs := buildMessages(chunks, history, text)

	var streaming sync.Once
	start := time.Now()
	full, genErr := o.generator.Stream(ctx, msgs, o.opts, func(delta string) {
		streaming.Do(func() { reply.setPhase(PhaseStreaming) })
		select {
		case reply.deltas <- delta:
		case <-ctx.Done():
		}
	})
	latency := time.Since(start).Milliseconds()
	close(reply.deltas)

	if genErr == nil {
		files, chunkIDs := contextRefs(chunks)
		msg := &store.Message{
			SessionID:     sess.ID,
			Role:          store.RoleAssistant,
			Content:       full,
			ContextFiles:  files,
			ContextChunks: chunkIDs,
			LatencyMS:     latency,
		}
		if err := o.persist(ctx, msg); err != nil {
			o.finish(reply, PhaseFailed, nil, err)
			return
		}
		o.finish(reply, PhaseCompleted, msg, nil)
		return
	}

	// Cancelled or failed mid-generation: whatever already streamed is
	// preserved, never rolled back.
	var partial *store.Message
	if full != "" {
		files, chunkIDs := contextRefs(chunks)
		partial = &store.Message{
			SessionID:     sess.ID,
			Role:          store.RoleAssistant,
			Content:       full,
			ContextFiles:  files,
			ContextChunks: chunkIDs,
			LatencyMS:     latency,
			Partial:       true,
		}
		if err := o.persist(ctx, partial); err != nil {
			o.logger.Error("chat: persist partial message failed", "session", sess.ID, "error", err)
			partial = nil
		}
	}
	o.finish(reply, terminalPhase(ctx, genErr), partial, genErr)
}

// persist writes the assistant message even when the request context was
// cancelled; losing the partial text would violate the cancellation
// contract.
func (o *Orchestrator) persist(ctx context.Context, msg *store.Message) error {
	return o.store.AppendMessage(context.WithoutCancel(ctx), msg)
}

func (o *Orchestrator) finish(reply *Reply, phase Phase, msg *store.Message, err error) {
	reply.mu.Lock()
	reply.phase = phase
	reply.msg = msg
	reply.err = err
	reply.mu.Unlock()
	close(reply.done)
}

// terminalPhase distinguishes caller cancellation from genuine failure.
// Timeouts count as failures, not cancellations.
func terminalPhase(ctx context.Context, err error) Phase {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return PhaseCancelled
	}
	return PhaseFailed
}

func (o *Orchestrator) tryAcquire(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight[sessionID] {
		return false
	}
	o.inflight[sessionID] = true
	return true
}

func (o *Orchestrator) release(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, sessionID)
}
