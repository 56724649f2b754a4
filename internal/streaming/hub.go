package streaming

import (
	"context"

	"github.com/rendis/tabula/pkg/schema"
)

// StreamEvent is a real-time event emitted by a session. Patch events carry
// the committed patch plus the version pair observers need to detect gaps;
// lifecycle events (approvals, extension loads, persistence state) carry a
// payload instead.
type StreamEvent struct {
	SessionID   string         `json:"session_id"`
	RequestID   string         `json:"request_id,omitempty"`
	EventType   string         `json:"event_type"`
	FromVersion uint64         `json:"from_version,omitempty"`
	ToVersion   uint64         `json:"to_version,omitempty"`
	Patch       schema.Patch   `json:"patch,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	SessionID  string   `json:"session_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for session events. Patches are published in
// commit order; observers apply them in order and resync on a version gap.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
