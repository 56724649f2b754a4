package engine

import (
	"context"
	"sync"

	"github.com/rendis/tabula/internal/streaming"
	"github.com/rendis/tabula/pkg/schema"
)

// TransitionHook is called before or after a request status transition.
type TransitionHook func(from, to schema.RequestStatus) error

// EventPublisher is satisfied by the streaming hub; the FSM and pipeline
// emit session events through it.
type EventPublisher interface {
	Publish(ctx context.Context, event streaming.StreamEvent) error
}

type hookKey struct {
	from, to schema.RequestStatus
}

// RequestFSM manages action request lifecycle transitions. Terminal
// rejections and failures are announced on the hub; richer events
// (patch_committed, approval_requested) carry data the FSM does not have
// and are published by the pipeline.
type RequestFSM struct {
	mu        sync.Mutex
	publisher EventPublisher
	before    map[hookKey][]TransitionHook
	after     map[hookKey][]TransitionHook
}

// NewRequestFSM creates a RequestFSM that emits events via the publisher.
func NewRequestFSM(publisher EventPublisher) *RequestFSM {
	return &RequestFSM{
		publisher: publisher,
		before:    make(map[hookKey][]TransitionHook),
		after:     make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition.
func (f *RequestFSM) OnBefore(from, to schema.RequestStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition.
func (f *RequestFSM) OnAfter(from, to schema.RequestStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a request status transition, emitting
// the corresponding event when the target status has one.
func (f *RequestFSM) Transition(ctx context.Context, sessionID, requestID string, from, to schema.RequestStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidRequestTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid request transition: %s -> %s", from, to).
			WithDetails(map[string]any{"session_id": sessionID, "request_id": requestID, "from": string(from), "to": string(to)})
	}

	key := hookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	if eventType := requestEventType(to); eventType != "" {
		event := streaming.StreamEvent{
			SessionID: sessionID,
			RequestID: requestID,
			EventType: eventType,
		}
		if err := f.publisher.Publish(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit request event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	return nil
}

func isValidRequestTransition(from, to schema.RequestStatus) bool {
	allowed, ok := ValidRequestTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func requestEventType(to schema.RequestStatus) string {
	switch to {
	case schema.RequestStatusReceived:
		return schema.EventRequestReceived
	case schema.RequestStatusRejected:
		return schema.EventRequestRejected
	case schema.RequestStatusFailed:
		return schema.EventRequestFailed
	default:
		return ""
	}
}

// ValidRequestTransitions defines the allowed status transitions for action
// requests. A request enters the table at received via StatusNone.
var ValidRequestTransitions = map[schema.RequestStatus][]schema.RequestStatus{
	StatusNone:                           {schema.RequestStatusReceived},
	schema.RequestStatusReceived:         {schema.RequestStatusValidating, schema.RequestStatusRejected},
	schema.RequestStatusValidating:       {schema.RequestStatusAwaitingApproval, schema.RequestStatusExecuting, schema.RequestStatusRejected, schema.RequestStatusFailed},
	schema.RequestStatusAwaitingApproval: {schema.RequestStatusExecuting, schema.RequestStatusRejected, schema.RequestStatusFailed},
	schema.RequestStatusExecuting:        {schema.RequestStatusCommitted, schema.RequestStatusRejected, schema.RequestStatusFailed},
	schema.RequestStatusCommitted:        {},
	schema.RequestStatusRejected:         {},
	schema.RequestStatusFailed:           {},
}

// StatusNone is the pre-lifecycle status of a request that has not yet been
// accepted into the pipeline.
const StatusNone = schema.RequestStatus("")
