package schema

import "fmt"

// ActionRequest is one discrete state-changing request. Immutable once
// created; one request produces at most one commit.
type ActionRequest struct {
	ID          string         `json:"id"`
	ActionType  string         `json:"action_type"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	RequesterID string         `json:"requester_id"`
}

// RequestStatus represents the lifecycle state of an action request.
type RequestStatus string

const (
	RequestStatusReceived         RequestStatus = "received"
	RequestStatusValidating       RequestStatus = "validating"
	RequestStatusAwaitingApproval RequestStatus = "awaiting_approval"
	RequestStatusExecuting        RequestStatus = "executing"
	RequestStatusCommitted        RequestStatus = "committed"
	RequestStatusRejected         RequestStatus = "rejected"
	RequestStatusFailed           RequestStatus = "failed"
)

// CostStore identifies which bucket a resource cost draws from.
type CostStore string

const (
	CostStorePermanent CostStore = "permanent"
	CostStoreTransient CostStore = "transient"
)

// ResourceCost describes a quantity a handler intends to consume.
// Advisory for preview and approval messaging; enforcement is the
// declaring handler's own responsibility during validation.
type ResourceCost struct {
	Path   string    `json:"path"`
	Amount float64   `json:"amount"`
	Store  CostStore `json:"store"`
}

// ValidationFailure describes why a handler rejected a request.
type ValidationFailure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ValidationResult is produced per handler during the Validating phase.
// The pipeline short-circuits on the first result with OK=false.
type ValidationResult struct {
	OK      bool               `json:"ok"`
	Failure *ValidationFailure `json:"failure,omitempty"`
	Costs   []ResourceCost     `json:"resource_costs,omitempty"`
}

// Pass returns a passing ValidationResult.
func Pass() *ValidationResult {
	return &ValidationResult{OK: true}
}

// PassWithCosts returns a passing ValidationResult declaring resource costs.
func PassWithCosts(costs ...ResourceCost) *ValidationResult {
	return &ValidationResult{OK: true, Costs: costs}
}

// Fail returns a failing ValidationResult with the given kind and message.
func Fail(kind, format string, args ...any) *ValidationResult {
	return &ValidationResult{OK: false, Failure: &ValidationFailure{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}}
}

// Outcome enumerates the terminal shapes a submit or approval call returns.
type Outcome string

const (
	OutcomeAccepted        Outcome = "accepted"
	OutcomeRejected        Outcome = "rejected"
	OutcomePendingApproval Outcome = "pending_approval"
	OutcomeRetryRequired   Outcome = "retry_required"
)

// SubmitResult is the caller-facing result of a submit or approval call.
type SubmitResult struct {
	Outcome        Outcome `json:"outcome"`
	RequestID      string  `json:"request_id"`
	Patch          Patch   `json:"patch,omitempty"`
	NewVersion     uint64  `json:"new_version,omitempty"`
	FailureKind    string  `json:"failure_kind,omitempty"`
	Message        string  `json:"message,omitempty"`
	CurrentVersion uint64  `json:"current_version,omitempty"`
}
