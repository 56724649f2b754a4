package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, rec *SessionRecord) error
	GetSession(ctx context.Context, id string) (*SessionRecord, error)
	SaveSession(ctx context.Context, id string, payload map[string]any, version uint64) error
	MarkDirty(ctx context.Context, id string) error
	ListSessions(ctx context.Context, filter SessionFilter) ([]*SessionRecord, error)
	DeleteSession(ctx context.Context, id string) error

	// Patch journal (append-only)
	AppendPatch(ctx context.Context, entry *JournalEntry) error
	GetPatches(ctx context.Context, sessionID string, since int64) ([]*JournalEntry, error)

	// Approvals
	CreateApproval(ctx context.Context, rec *ApprovalRecord) error
	GetApproval(ctx context.Context, requestID string) (*ApprovalRecord, error)
	ResolveApproval(ctx context.Context, requestID, status, resolvedBy string) error
	ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*ApprovalRecord, error)

	// Extensions
	PutExtension(ctx context.Context, rec *ExtensionRecord) error
	GetExtension(ctx context.Context, originID string) (*ExtensionRecord, error)
	ListExtensions(ctx context.Context) ([]*ExtensionRecord, error)
	DeleteExtension(ctx context.Context, originID string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
