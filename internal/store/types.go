package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/tabula/pkg/schema"
)

// SessionRecord is the persisted representation of a session document.
type SessionRecord struct {
	ID           string         `json:"id"`
	Name         string         `json:"name,omitempty"`
	Payload      map[string]any `json:"payload"`
	Version      uint64         `json:"version"`
	Dirty        bool           `json:"dirty"`
	CreatedAt    time.Time      `json:"created_at"`
	LastModified time.Time      `json:"last_modified"`
	SavedAt      *time.Time     `json:"saved_at,omitempty"`
}

// JournalEntry is an immutable entry in the append-only patch journal.
type JournalEntry struct {
	ID          int64        `json:"id"`
	SessionID   string       `json:"session_id"`
	Sequence    int64        `json:"sequence"`
	FromVersion uint64       `json:"from_version"`
	ToVersion   uint64       `json:"to_version"`
	RequestID   string       `json:"request_id,omitempty"`
	ActionType  string       `json:"action_type,omitempty"`
	RequesterID string       `json:"requester_id,omitempty"`
	Patch       schema.Patch `json:"patch"`
	Timestamp   time.Time    `json:"timestamp"`
}

// Approval statuses as stored in the approvals table.
const (
	ApprovalStatusPending  = "pending"
	ApprovalStatusApproved = "approved"
	ApprovalStatusDenied   = "denied"
	ApprovalStatusExpired  = "expired"
)

// ApprovalRecord is a suspended request awaiting a privileged decision.
type ApprovalRecord struct {
	RequestID     string          `json:"request_id"`
	SessionID     string          `json:"session_id"`
	RequesterID   string          `json:"requester_id"`
	ActionType    string          `json:"action_type"`
	Message       string          `json:"message,omitempty"`
	SourceVersion uint64          `json:"source_version"`
	Request       json.RawMessage `json:"request"`
	Snapshot      json.RawMessage `json:"snapshot"`
	Status        string          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
	ResolvedBy    string          `json:"resolved_by,omitempty"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
}

// ExtensionRecord is an installed extension and its manifest.
type ExtensionRecord struct {
	OriginID  string          `json:"origin_id"`
	Name      string          `json:"name"`
	Version   string          `json:"version"`
	Manifest  json.RawMessage `json:"manifest"`
	Enabled   bool            `json:"enabled"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// --- Filter types ---

// SessionFilter specifies criteria for listing sessions.
type SessionFilter struct {
	Dirty  *bool `json:"dirty,omitempty"`
	Limit  int   `json:"limit,omitempty"`
	Offset int   `json:"offset,omitempty"`
}

// ApprovalFilter specifies criteria for listing approvals.
type ApprovalFilter struct {
	SessionID     string     `json:"session_id,omitempty"`
	Status        string     `json:"status,omitempty"`
	ExpiresBefore *time.Time `json:"expires_before,omitempty"`
	Limit         int        `json:"limit,omitempty"`
}
