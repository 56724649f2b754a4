package schema

// Event type constants for the session stream.
const (
	EventPatchCommitted  = "patch_committed"
	EventRequestReceived = "request_received"
	EventRequestRejected = "request_rejected"
	EventRequestFailed   = "request_failed"

	EventApprovalRequested = "approval_requested"
	EventApprovalResolved  = "approval_resolved"
	EventApprovalExpired   = "approval_expired"

	EventExtensionLoaded   = "extension_loaded"
	EventExtensionUnloaded = "extension_unloaded"

	EventSessionDirty = "session_dirty"
	EventSessionSaved = "session_saved"
)

// ApprovalDecision is the human approver's verdict on a pending approval.
type ApprovalDecision string

const (
	DecisionApprove ApprovalDecision = "approve"
	DecisionDeny    ApprovalDecision = "deny"
)
