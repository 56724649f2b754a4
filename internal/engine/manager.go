package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/tabula/internal/handlers"
	"github.com/rendis/tabula/internal/state"
	"github.com/rendis/tabula/internal/store"
	"github.com/rendis/tabula/pkg/schema"
)

// DefaultPoolSize is the default bound on concurrently processed requests
// across all sessions.
const DefaultPoolSize = 16

// ManagerConfig holds configuration for the session manager.
type ManagerConfig struct {
	PoolSize    int
	ApprovalTTL time.Duration // 0 means approvals never expire
	SaveRetry   RetryPolicy
}

// Manager owns the live sessions and routes requests to their single-writer
// actors. The worker pool bounds total in-flight request processing; within
// a session the mutex keeps writes serial.
type Manager struct {
	store    store.Store
	journal  *store.Journal
	hub      EventPublisher
	registry *handlers.Registry
	pipeline *Pipeline
	pool     *WorkerPool
	logger   *slog.Logger
	cfg      ManagerConfig

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a Manager with the given dependencies.
func NewManager(s store.Store, hub EventPublisher, registry *handlers.Registry, pipeline *Pipeline, cfg ManagerConfig, logger *slog.Logger) *Manager {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.SaveRetry.Attempts <= 0 {
		cfg.SaveRetry = DefaultSaveRetry
	}
	return &Manager{
		store:    s,
		journal:  store.NewJournal(s),
		hub:      hub,
		registry: registry,
		pipeline: pipeline,
		pool:     NewWorkerPool(cfg.PoolSize),
		logger:   logger,
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// CreateSession creates and registers a new session with the given initial
// payload at version 0.
func (m *Manager) CreateSession(ctx context.Context, name string, initial map[string]any) (*Session, error) {
	if initial == nil {
		initial = map[string]any{}
	} else {
		initial = state.DeepCopy(initial)
	}
	rec := &store.SessionRecord{
		ID:      uuid.New().String(),
		Name:    name,
		Payload: initial,
	}
	if err := m.store.CreateSession(ctx, rec); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodePersistence, "create session: %s", err.Error()).WithCause(err)
	}

	sess := m.newSession(rec.ID, name, state.Document{Version: 0, Payload: initial})

	m.mu.Lock()
	m.sessions[rec.ID] = sess
	m.mu.Unlock()

	m.logger.Info("session created", "session_id", rec.ID, "name", name)
	return sess, nil
}

// Session returns a live session by ID.
func (m *Manager) Session(id string) (*Session, error) {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "session %q is not loaded", id)
	}
	return sess, nil
}

// LoadSession restores a persisted session. The saved snapshot is the base;
// journal entries above its version recover commits that never made it into
// a save. Pending approvals are rebuilt from their persisted records.
func (m *Manager) LoadSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	if sess, ok := m.sessions[id]; ok {
		m.mu.RUnlock()
		return sess, nil
	}
	m.mu.RUnlock()

	rec, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	payload, version := rec.Payload, rec.Version
	if rec.Dirty {
		payload, version, err = m.journal.Replay(ctx, id, rec.Payload, rec.Version)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodePersistence, "recover session %s: %s", id, err.Error()).WithCause(err)
		}
		m.logger.Info("session recovered from journal", "session_id", id,
			"saved_version", rec.Version, "recovered_version", version)
	}

	sess := m.newSession(rec.ID, rec.Name, state.Document{Version: version, Payload: payload})
	sess.dirty = rec.Dirty
	if err := m.restoreApprovals(ctx, sess); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.sessions[id] = sess
	m.mu.Unlock()
	return sess, nil
}

// Submit routes a request to its session through the worker pool.
func (m *Manager) Submit(ctx context.Context, sessionID string, req *schema.ActionRequest) (*schema.SubmitResult, error) {
	sess, err := m.Session(sessionID)
	if err != nil {
		return nil, err
	}
	return m.run(ctx, func(ctx context.Context) (*schema.SubmitResult, error) {
		return sess.Submit(ctx, req)
	})
}

// ResolveApproval routes an approval decision to its session.
func (m *Manager) ResolveApproval(ctx context.Context, sessionID, requestID string, decision schema.ApprovalDecision, resolverID string) (*schema.SubmitResult, error) {
	sess, err := m.Session(sessionID)
	if err != nil {
		return nil, err
	}
	return m.run(ctx, func(ctx context.Context) (*schema.SubmitResult, error) {
		return sess.ResolveApproval(ctx, requestID, decision, resolverID)
	})
}

// SaveDirty persists every session with unsaved commits.
func (m *Manager) SaveDirty(ctx context.Context) error {
	var firstErr error
	for _, sess := range m.snapshotSessions() {
		if !sess.Dirty() {
			continue
		}
		if err := sess.Save(ctx); err != nil {
			m.logger.Error("autosave", "session_id", sess.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// ExpireApprovals sweeps every session's pending approvals against now.
func (m *Manager) ExpireApprovals(ctx context.Context, now time.Time) {
	for _, sess := range m.snapshotSessions() {
		if expired := sess.ExpireApprovals(ctx, now); len(expired) > 0 {
			m.logger.Info("approvals expired", "session_id", sess.ID, "request_ids", expired)
		}
	}
}

// Close stops accepting work, drains in-flight requests, and saves all
// dirty sessions.
func (m *Manager) Close(ctx context.Context) error {
	m.pool.Shutdown()
	return m.SaveDirty(ctx)
}

// PoolMetrics returns the request pool metrics snapshot.
func (m *Manager) PoolMetrics() PoolMetrics { return m.pool.Metrics() }

func (m *Manager) newSession(id, name string, doc state.Document) *Session {
	return &Session{
		ID:          id,
		Name:        name,
		ledger:      state.NewLedger(doc),
		pipeline:    m.pipeline,
		store:       m.store,
		journal:     m.journal,
		hub:         m.hub,
		logger:      m.logger,
		approvalTTL: m.cfg.ApprovalTTL,
		saveRetry:   m.cfg.SaveRetry,
		pending:     make(map[string]*PendingApproval),
	}
}

// restoreApprovals rebuilds pending approvals from the store; each record
// carries the snapshot it was suspended against.
func (m *Manager) restoreApprovals(ctx context.Context, sess *Session) error {
	pending, err := m.store.ListApprovals(ctx, store.ApprovalFilter{
		SessionID: sess.ID,
		Status:    store.ApprovalStatusPending,
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodePersistence, "list pending approvals: %s", err.Error()).WithCause(err)
	}

	for _, a := range pending {
		var req schema.ActionRequest
		if err := json.Unmarshal(a.Request, &req); err != nil {
			m.logger.Error("unmarshal suspended request, dropping approval",
				"session_id", sess.ID, "request_id", a.RequestID, "error", err)
			continue
		}
		var snapshot map[string]any
		if err := json.Unmarshal(a.Snapshot, &snapshot); err != nil {
			m.logger.Error("unmarshal suspension snapshot, dropping approval",
				"session_id", sess.ID, "request_id", a.RequestID, "error", err)
			continue
		}

		sess.pending[a.RequestID] = &PendingApproval{
			Request:       &req,
			SessionID:     sess.ID,
			Message:       a.Message,
			SourceVersion: a.SourceVersion,
			Snapshot:      snapshot,
			CreatedAt:     a.CreatedAt,
			ExpiresAt:     a.ExpiresAt,
		}
	}
	return nil
}

// run executes fn through the worker pool and waits for its result.
func (m *Manager) run(ctx context.Context, fn func(ctx context.Context) (*schema.SubmitResult, error)) (*schema.SubmitResult, error) {
	type outcome struct {
		res *schema.SubmitResult
		err error
	}
	ch := make(chan outcome, 1)
	if err := m.pool.Submit(ctx, func(ctx context.Context) error {
		var o outcome
		defer func() {
			if r := recover(); r != nil {
				o = outcome{err: schema.NewErrorf(schema.ErrCodeExecutionFailure, "request processing panic: %v", r)}
				ch <- o
				// Re-raise so the pool records the panic.
				panic(r)
			}
			ch <- o
		}()
		o.res, o.err = fn(ctx)
		return o.err
	}); err != nil {
		return nil, err
	}
	o := <-ch
	return o.res, o.err
}

func (m *Manager) snapshotSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	return out
}
