package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/tabula/internal/logging"
	"github.com/rendis/tabula/internal/state"
	"github.com/rendis/tabula/internal/store"
	"github.com/rendis/tabula/internal/streaming"
	"github.com/rendis/tabula/pkg/schema"
)

// Session is the single-writer actor owning one session document. All
// mutations flow through its mutex; readers get immutable snapshots and can
// bypass it entirely.
type Session struct {
	ID   string
	Name string

	ledger   *state.Ledger
	pipeline *Pipeline
	store    store.Store
	journal  *store.Journal
	hub      EventPublisher
	logger   *slog.Logger

	approvalTTL time.Duration
	saveRetry   RetryPolicy

	// mu serializes the write path: submit, approval resolution, save.
	mu      sync.Mutex
	dirty   bool
	pending map[string]*PendingApproval
}

// Version returns the current committed version.
func (s *Session) Version() uint64 { return s.ledger.Version() }

// View returns a read-only view over the current committed payload.
func (s *Session) View() *state.View { return s.ledger.View() }

// Snapshot returns the current committed document.
func (s *Session) Snapshot() state.Document { return s.ledger.Snapshot() }

// Submit runs one action request through the pipeline. A request with no ID
// gets one assigned; the assigned ID is echoed in the result.
func (s *Session) Submit(ctx context.Context, req *schema.ActionRequest) (*schema.SubmitResult, error) {
	if req == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "request is nil")
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.ActionType == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "request action_type is empty")
	}
	if req.RequesterID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "request requester_id is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, pa, err := s.pipeline.Process(ctx, s.ID, s.ledger, req)
	if err != nil {
		return nil, err
	}

	if pa != nil {
		s.suspend(ctx, pa)
		return res, nil
	}
	s.recordCommit(ctx, req, res)
	return res, nil
}

// ResolveApproval applies a privileged decision to a suspended request.
// Approval executes against the suspension snapshot; if the session advanced
// past it, the result is OutcomeRetryRequired and the requester resubmits.
func (s *Session) ResolveApproval(ctx context.Context, requestID string, decision schema.ApprovalDecision, resolverID string) (*schema.SubmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pa, ok := s.pending[requestID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no pending approval for request %q", requestID)
	}
	if !IsPrivileged(s.ledger.View(), resolverID) {
		return nil, schema.NewErrorf(schema.ErrCodeForbidden, "participant %q cannot resolve approvals", resolverID)
	}

	delete(s.pending, requestID)
	log := logging.LogWith(logging.WithSessionID(logging.WithRequestID(ctx, requestID), s.ID), s.logger)

	s.publish(ctx, streaming.StreamEvent{
		SessionID: s.ID,
		RequestID: requestID,
		EventType: schema.EventApprovalResolved,
		Payload:   map[string]any{"decision": string(decision), "resolved_by": resolverID},
	})

	if decision != schema.DecisionApprove {
		s.resolveApprovalRecord(ctx, requestID, store.ApprovalStatusDenied, resolverID)
		log.Info("approval denied", "resolved_by", resolverID)
		return s.pipeline.RejectSuspended(ctx, pa, schema.ErrCodeApprovalDenied,
			"request was denied by "+resolverID)
	}

	s.resolveApprovalRecord(ctx, requestID, store.ApprovalStatusApproved, resolverID)
	res, err := s.pipeline.ExecuteApproved(ctx, s.ledger, pa)
	if err != nil {
		return nil, err
	}
	s.recordCommit(ctx, pa.Request, res)
	return res, nil
}

// ExpireApprovals rejects every pending approval whose deadline passed.
// Returns the expired request IDs.
func (s *Session) ExpireApprovals(ctx context.Context, now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for requestID, pa := range s.pending {
		if pa.ExpiresAt == nil || pa.ExpiresAt.After(now) {
			continue
		}
		delete(s.pending, requestID)
		expired = append(expired, requestID)

		s.resolveApprovalRecord(ctx, requestID, store.ApprovalStatusExpired, "")
		s.publish(ctx, streaming.StreamEvent{
			SessionID: s.ID,
			RequestID: requestID,
			EventType: schema.EventApprovalExpired,
		})
		if _, err := s.pipeline.RejectSuspended(ctx, pa, schema.ErrCodeApprovalDenied, "approval expired"); err != nil {
			s.logger.Error("expire approval", "session_id", s.ID, "request_id", requestID, "error", err)
		}
	}
	return expired
}

// PendingApprovals returns the currently suspended requests.
func (s *Session) PendingApprovals() []*PendingApproval {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*PendingApproval, 0, len(s.pending))
	for _, pa := range s.pending {
		out = append(out, pa)
	}
	return out
}

// Save persists the committed document if it has unsaved commits. Retries
// transient store failures per the session's retry policy; the dirty flag
// stays set until a save of the current version lands.
func (s *Session) Save(ctx context.Context) error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	snap := s.ledger.Snapshot()
	s.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < s.saveRetry.Attempts; attempt++ {
		if attempt > 0 {
			if err := WaitForBackoff(ctx, ComputeBackoff(s.saveRetry, attempt-1)); err != nil {
				return err
			}
		}
		lastErr = s.store.SaveSession(ctx, s.ID, snap.Payload, snap.Version)
		if lastErr == nil {
			break
		}
		if !IsRetryableError(lastErr) {
			break
		}
		s.logger.Warn("session save failed, will retry",
			"session_id", s.ID, "attempt", attempt+1, "error", lastErr)
	}
	if lastErr != nil {
		return schema.NewErrorf(schema.ErrCodePersistence, "save session %s: %s", s.ID, lastErr.Error()).WithCause(lastErr)
	}

	s.mu.Lock()
	// Commits that landed during the save keep the session dirty.
	if s.ledger.Version() == snap.Version {
		s.dirty = false
	}
	s.mu.Unlock()

	s.publish(ctx, streaming.StreamEvent{
		SessionID: s.ID,
		EventType: schema.EventSessionSaved,
		Payload:   map[string]any{"version": snap.Version},
	})
	return nil
}

// Dirty reports whether the session has commits not yet persisted.
func (s *Session) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// suspend books a pending approval in memory and in the store. Caller holds mu.
func (s *Session) suspend(ctx context.Context, pa *PendingApproval) {
	if s.approvalTTL > 0 {
		deadline := pa.CreatedAt.Add(s.approvalTTL)
		pa.ExpiresAt = &deadline
	}
	s.pending[pa.Request.ID] = pa

	rawReq, err := json.Marshal(pa.Request)
	if err != nil {
		s.logger.Error("marshal suspended request", "session_id", s.ID, "request_id", pa.Request.ID, "error", err)
		return
	}
	rawSnap, err := json.Marshal(pa.Snapshot)
	if err != nil {
		s.logger.Error("marshal suspension snapshot", "session_id", s.ID, "request_id", pa.Request.ID, "error", err)
		return
	}
	rec := &store.ApprovalRecord{
		RequestID:     pa.Request.ID,
		SessionID:     s.ID,
		RequesterID:   pa.Request.RequesterID,
		ActionType:    pa.Request.ActionType,
		Message:       pa.Message,
		SourceVersion: pa.SourceVersion,
		Request:       rawReq,
		Snapshot:      rawSnap,
		CreatedAt:     pa.CreatedAt,
		ExpiresAt:     pa.ExpiresAt,
	}
	if err := s.store.CreateApproval(ctx, rec); err != nil {
		s.logger.Error("persist approval", "session_id", s.ID, "request_id", pa.Request.ID, "error", err)
	}
}

// recordCommit journals an accepted patch and marks the session dirty.
// Persistence problems are logged, never surfaced: the in-memory document is
// authoritative and the dirty flag keeps the save loop trying. Caller holds mu.
func (s *Session) recordCommit(ctx context.Context, req *schema.ActionRequest, res *schema.SubmitResult) {
	if res == nil || res.Outcome != schema.OutcomeAccepted || res.Patch.IsEmpty() {
		return
	}
	s.dirty = true

	entry := &store.JournalEntry{
		SessionID:   s.ID,
		FromVersion: res.NewVersion - 1,
		ToVersion:   res.NewVersion,
		RequestID:   req.ID,
		ActionType:  req.ActionType,
		RequesterID: req.RequesterID,
		Patch:       res.Patch,
	}
	if err := s.journal.Append(ctx, entry); err != nil {
		s.logger.Error("journal append", "session_id", s.ID, "request_id", req.ID, "error", err)
	}
	if err := s.store.MarkDirty(ctx, s.ID); err != nil {
		s.logger.Error("mark session dirty", "session_id", s.ID, "error", err)
	}
}

func (s *Session) resolveApprovalRecord(ctx context.Context, requestID, status, resolvedBy string) {
	if err := s.store.ResolveApproval(ctx, requestID, status, resolvedBy); err != nil {
		s.logger.Error("resolve approval record", "session_id", s.ID, "request_id", requestID, "error", err)
	}
}

func (s *Session) publish(ctx context.Context, event streaming.StreamEvent) {
	if err := s.hub.Publish(ctx, event); err != nil {
		s.logger.Warn("event publish failed", "session_id", s.ID, "event_type", event.EventType, "error", err)
	}
}
