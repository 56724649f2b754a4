package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/tabula/internal/handlers"
	"github.com/rendis/tabula/internal/logging"
	"github.com/rendis/tabula/internal/state"
	"github.com/rendis/tabula/internal/streaming"
	"github.com/rendis/tabula/internal/validation"
	"github.com/rendis/tabula/pkg/schema"
)

// PrivilegedRole is the participant role allowed to run privileged-only
// actions and to resolve approvals.
const PrivilegedRole = "gm"

// PendingApproval captures a request suspended at the approval gate. The
// snapshot shares the committed payload by reference; committed payloads are
// never mutated, so it stays valid while the session moves on.
type PendingApproval struct {
	Request       *schema.ActionRequest
	SessionID     string
	Message       string
	SourceVersion uint64
	Snapshot      map[string]any
	CreatedAt     time.Time
	ExpiresAt     *time.Time
}

// Pipeline drives one action request through validation, the approval gate,
// execution and commit against a session ledger. It does not serialize
// access; the owning session guarantees a single writer.
type Pipeline struct {
	registry *handlers.Registry
	schemas  *validation.SchemaValidator
	fsm      *RequestFSM
	hub      EventPublisher
	logger   *slog.Logger
}

// NewPipeline creates a Pipeline publishing events via the hub.
func NewPipeline(registry *handlers.Registry, schemas *validation.SchemaValidator, hub EventPublisher, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		registry: registry,
		schemas:  schemas,
		fsm:      NewRequestFSM(hub),
		hub:      hub,
		logger:   logger,
	}
}

// Process runs a request against the ledger. When the result is
// OutcomePendingApproval, the returned PendingApproval holds the suspension
// snapshot the session must keep until the request is resolved.
func (p *Pipeline) Process(ctx context.Context, sessionID string, ledger *state.Ledger, req *schema.ActionRequest) (*schema.SubmitResult, *PendingApproval, error) {
	ctx = logging.WithSessionID(logging.WithRequestID(ctx, req.ID), sessionID)
	log := logging.LogWith(ctx, p.logger)

	if err := p.fsm.Transition(ctx, sessionID, req.ID, StatusNone, schema.RequestStatusReceived); err != nil {
		return nil, nil, err
	}

	regs := p.registry.Resolve(req.ActionType)
	if len(regs) == 0 {
		log.Warn("unknown action type", "action_type", req.ActionType)
		return p.reject(ctx, sessionID, req, schema.RequestStatusReceived,
			schema.ErrCodeUnknownAction, fmt.Sprintf("no handler registered for action type %q", req.ActionType))
	}

	snapshot := ledger.Snapshot()
	view := state.NewView(snapshot.Payload)

	if requiresPrivilege(regs) && !IsPrivileged(view, req.RequesterID) {
		return p.reject(ctx, sessionID, req, schema.RequestStatusReceived,
			schema.ErrCodeForbidden, fmt.Sprintf("action %q requires a privileged participant", req.ActionType))
	}

	if err := p.fsm.Transition(ctx, sessionID, req.ID, schema.RequestStatusReceived, schema.RequestStatusValidating); err != nil {
		return nil, nil, err
	}

	// Params schema gate runs before any handler validation.
	for _, reg := range regs {
		if err := p.schemas.ValidateParams(req.Parameters, reg.ParamsSchema); err != nil {
			return p.reject(ctx, sessionID, req, schema.RequestStatusValidating,
				schema.ErrCodeValidationFailure, err.Error())
		}
	}

	// Fail-fast validation in priority order against the committed document.
	var costs []schema.ResourceCost
	for _, reg := range regs {
		v, ok := reg.Handler.(handlers.Validator)
		if !ok {
			continue
		}
		result, err := v.Validate(ctx, req, view)
		if err != nil {
			log.Error("handler validation fault", "handler_id", reg.HandlerID(), "error", err)
			return p.fail(ctx, sessionID, req, schema.RequestStatusValidating,
				fmt.Sprintf("handler %s: %s", reg.HandlerID(), err.Error()))
		}
		if result == nil {
			continue
		}
		if !result.OK {
			// A failing result without details still rejects cleanly.
			kind, message := schema.ErrCodeValidationFailure, "validation failed"
			if result.Failure != nil {
				kind, message = result.Failure.Kind, result.Failure.Message
			}
			return p.reject(ctx, sessionID, req, schema.RequestStatusValidating, kind, message)
		}
		costs = append(costs, result.Costs...)
	}

	// Approval is additive: any registration can force the gate, none can
	// waive another's requirement.
	if requiresApproval(regs) {
		pa := &PendingApproval{
			Request:       req,
			SessionID:     sessionID,
			Message:       approvalMessage(regs, req, view),
			SourceVersion: snapshot.Version,
			Snapshot:      snapshot.Payload,
			CreatedAt:     time.Now().UTC(),
		}
		if err := p.fsm.Transition(ctx, sessionID, req.ID, schema.RequestStatusValidating, schema.RequestStatusAwaitingApproval); err != nil {
			return nil, nil, err
		}
		p.publish(ctx, streaming.StreamEvent{
			SessionID: sessionID,
			RequestID: req.ID,
			EventType: schema.EventApprovalRequested,
			Payload: map[string]any{
				"message":        pa.Message,
				"requester_id":   req.RequesterID,
				"action_type":    req.ActionType,
				"source_version": pa.SourceVersion,
				"resource_costs": costs,
			},
		})
		log.Info("request suspended for approval", "action_type", req.ActionType)
		return &schema.SubmitResult{
			Outcome:   schema.OutcomePendingApproval,
			RequestID: req.ID,
			Message:   pa.Message,
		}, pa, nil
	}

	if err := p.fsm.Transition(ctx, sessionID, req.ID, schema.RequestStatusValidating, schema.RequestStatusExecuting); err != nil {
		return nil, nil, err
	}
	res, err := p.execute(ctx, sessionID, ledger, req, regs, snapshot)
	return res, nil, err
}

// ExecuteApproved resumes an approved request against its suspension
// snapshot. A commit against a ledger that advanced past the snapshot
// yields OutcomeRetryRequired; the requester resubmits against fresh state.
func (p *Pipeline) ExecuteApproved(ctx context.Context, ledger *state.Ledger, pa *PendingApproval) (*schema.SubmitResult, error) {
	ctx = logging.WithSessionID(logging.WithRequestID(ctx, pa.Request.ID), pa.SessionID)

	regs := p.registry.Resolve(pa.Request.ActionType)
	if len(regs) == 0 {
		// The handler set changed while the request sat at the gate.
		res, _, err := p.reject(ctx, pa.SessionID, pa.Request, schema.RequestStatusAwaitingApproval,
			schema.ErrCodeUnknownAction, fmt.Sprintf("no handler registered for action type %q", pa.Request.ActionType))
		return res, err
	}

	if err := p.fsm.Transition(ctx, pa.SessionID, pa.Request.ID, schema.RequestStatusAwaitingApproval, schema.RequestStatusExecuting); err != nil {
		return nil, err
	}
	return p.execute(ctx, pa.SessionID, ledger, pa.Request, regs,
		state.Document{Version: pa.SourceVersion, Payload: pa.Snapshot})
}

// RejectSuspended terminates a suspended request without executing it, for
// denials and expiries.
func (p *Pipeline) RejectSuspended(ctx context.Context, pa *PendingApproval, kind, message string) (*schema.SubmitResult, error) {
	ctx = logging.WithSessionID(logging.WithRequestID(ctx, pa.Request.ID), pa.SessionID)
	res, _, err := p.reject(ctx, pa.SessionID, pa.Request, schema.RequestStatusAwaitingApproval, kind, message)
	return res, err
}

// execute runs every Executor capability against one shared draft opened
// from the snapshot, extracts the patch, and commits it.
func (p *Pipeline) execute(ctx context.Context, sessionID string, ledger *state.Ledger, req *schema.ActionRequest, regs []*handlers.Registration, snapshot state.Document) (*schema.SubmitResult, error) {
	log := logging.LogWith(ctx, p.logger)

	draft := state.NewDraft(snapshot.Version, snapshot.Payload)
	for _, reg := range regs {
		ex, ok := reg.Handler.(handlers.Executor)
		if !ok {
			continue
		}
		if err := draft.Mutate(func(tx *state.Txn) error {
			return ex.Execute(ctx, req, tx)
		}); err != nil {
			log.Error("handler execution fault", "handler_id", reg.HandlerID(), "error", err)
			return p.failNoSuspend(ctx, sessionID, req,
				fmt.Sprintf("handler %s: %s", reg.HandlerID(), err.Error()))
		}
	}

	patch := draft.ExtractPatch()
	if patch.IsEmpty() {
		if err := p.fsm.Transition(ctx, sessionID, req.ID, schema.RequestStatusExecuting, schema.RequestStatusCommitted); err != nil {
			return nil, err
		}
		return &schema.SubmitResult{
			Outcome:    schema.OutcomeAccepted,
			RequestID:  req.ID,
			NewVersion: ledger.Version(),
		}, nil
	}

	newVersion, err := ledger.Commit(draft.SourceVersion(), patch)
	if err != nil {
		var tabErr *schema.TabulaError
		if errors.As(err, &tabErr) && tabErr.Code == schema.ErrCodeVersionConflict {
			if ferr := p.fsm.Transition(ctx, sessionID, req.ID, schema.RequestStatusExecuting, schema.RequestStatusFailed); ferr != nil {
				return nil, ferr
			}
			log.Info("commit lost to a newer version", "source_version", draft.SourceVersion(), "current_version", ledger.Version())
			return &schema.SubmitResult{
				Outcome:        schema.OutcomeRetryRequired,
				RequestID:      req.ID,
				FailureKind:    schema.ErrCodeVersionConflict,
				Message:        tabErr.Message,
				CurrentVersion: ledger.Version(),
			}, nil
		}
		return p.failNoSuspend(ctx, sessionID, req, err.Error())
	}

	if err := p.fsm.Transition(ctx, sessionID, req.ID, schema.RequestStatusExecuting, schema.RequestStatusCommitted); err != nil {
		return nil, err
	}
	p.publish(ctx, streaming.StreamEvent{
		SessionID:   sessionID,
		RequestID:   req.ID,
		EventType:   schema.EventPatchCommitted,
		FromVersion: newVersion - 1,
		ToVersion:   newVersion,
		Patch:       patch,
	})
	log.Info("patch committed", "action_type", req.ActionType, "ops", len(patch), "version", newVersion)

	return &schema.SubmitResult{
		Outcome:    schema.OutcomeAccepted,
		RequestID:  req.ID,
		Patch:      patch,
		NewVersion: newVersion,
	}, nil
}

func (p *Pipeline) reject(ctx context.Context, sessionID string, req *schema.ActionRequest, from schema.RequestStatus, kind, message string) (*schema.SubmitResult, *PendingApproval, error) {
	if err := p.fsm.Transition(ctx, sessionID, req.ID, from, schema.RequestStatusRejected); err != nil {
		return nil, nil, err
	}
	return &schema.SubmitResult{
		Outcome:     schema.OutcomeRejected,
		RequestID:   req.ID,
		FailureKind: kind,
		Message:     message,
	}, nil, nil
}

func (p *Pipeline) fail(ctx context.Context, sessionID string, req *schema.ActionRequest, from schema.RequestStatus, message string) (*schema.SubmitResult, *PendingApproval, error) {
	if err := p.fsm.Transition(ctx, sessionID, req.ID, from, schema.RequestStatusFailed); err != nil {
		return nil, nil, err
	}
	return &schema.SubmitResult{
		Outcome:     schema.OutcomeRejected,
		RequestID:   req.ID,
		FailureKind: schema.ErrCodeExecutionFailure,
		Message:     message,
	}, nil, nil
}

func (p *Pipeline) failNoSuspend(ctx context.Context, sessionID string, req *schema.ActionRequest, message string) (*schema.SubmitResult, error) {
	res, _, err := p.fail(ctx, sessionID, req, schema.RequestStatusExecuting, message)
	return res, err
}

// publish pushes an event best-effort; a full hub never blocks a commit.
func (p *Pipeline) publish(ctx context.Context, event streaming.StreamEvent) {
	if err := p.hub.Publish(ctx, event); err != nil {
		logging.LogWith(ctx, p.logger).Warn("event publish failed", "event_type", event.EventType, "error", err)
	}
}

// IsPrivileged reports whether the participant holds the privileged role in
// the session document.
func IsPrivileged(view *state.View, participantID string) bool {
	role, ok := view.String("/participants/" + participantID + "/role")
	return ok && role == PrivilegedRole
}

func requiresPrivilege(regs []*handlers.Registration) bool {
	for _, reg := range regs {
		if reg.PrivilegedOnly {
			return true
		}
	}
	return false
}

func requiresApproval(regs []*handlers.Registration) bool {
	for _, reg := range regs {
		if reg.RequiresApproval {
			return true
		}
	}
	return false
}

// approvalMessage asks the highest-priority messenger for the human-readable
// description; falls back to a generic line.
func approvalMessage(regs []*handlers.Registration, req *schema.ActionRequest, view *state.View) string {
	for _, reg := range regs {
		if m, ok := reg.Handler.(handlers.ApprovalMessenger); ok {
			if msg := m.ApprovalMessage(req, view); msg != "" {
				return msg
			}
		}
	}
	return fmt.Sprintf("%s requests %s", req.RequesterID, req.ActionType)
}
