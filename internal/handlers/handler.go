// Package handlers defines the action handler model and the priority-ordered
// registry the pipeline resolves handlers from.
package handlers

import (
	"context"
	"encoding/json"

	"github.com/rendis/tabula/internal/state"
	"github.com/rendis/tabula/pkg/schema"
)

// Handler is a unit of validation/execution logic registered against an
// action type. The capability set is a closed trio of optional interfaces:
// a handler implements any subset of Validator, Executor, and
// ApprovalMessenger. A handler with none of them is inert and rejected at
// registration.
type Handler interface {
	// ID is a stable identifier used in logs and surfaced failures.
	ID() string
}

// Validator is the read-only validation capability. It runs against the
// current document, never a draft. Returning a result with OK=false rejects
// the request; returning an error is an internal handler fault and also
// rejects.
type Validator interface {
	Validate(ctx context.Context, req *schema.ActionRequest, view *state.View) (*schema.ValidationResult, error)
}

// Executor is the mutation capability. All executors of a resolved handler
// list run against the same draft, in priority order, so a later handler can
// observe and build upon an earlier handler's staged writes.
type Executor interface {
	Execute(ctx context.Context, req *schema.ActionRequest, tx *state.Txn) error
}

// ApprovalMessenger supplies the human-readable description shown to the
// approver when the handler forces manual approval.
type ApprovalMessenger interface {
	ApprovalMessage(req *schema.ActionRequest, view *state.View) string
}

// Built-in handlers register at priority 0; extension handlers default to
// DefaultExtensionPriority so built-ins run first by convention, not by hard
// constraint.
const (
	BuiltinPriority          = 0
	DefaultExtensionPriority = 100
)

// Registration binds a handler to an action type with its ordering and
// policy attributes. Registrations are immutable value objects once
// registered; the registry owns them.
type Registration struct {
	ActionType string
	// OriginID is the identity that registered the handler. Empty means
	// built-in; otherwise it is the extension identifier, used for bulk
	// lifecycle management.
	OriginID string
	// Priority orders execution ascending; ties are broken by registration
	// order (stable).
	Priority int
	// RequiresApproval forces the whole action through the human approval
	// gate. Additive: any handler can force approval, none can waive
	// another's requirement.
	RequiresApproval bool
	// PrivilegedOnly restricts the action to privileged participants.
	PrivilegedOnly bool
	// ParamsSchema optionally declares a JSON Schema the request parameters
	// must satisfy before any handler validation runs.
	ParamsSchema json.RawMessage

	Handler Handler

	// seq is the registration order, assigned by the registry.
	seq uint64
}

// HandlerID returns the handler's identifier, or "" for a nil handler.
func (r *Registration) HandlerID() string {
	if r.Handler == nil {
		return ""
	}
	return r.Handler.ID()
}
