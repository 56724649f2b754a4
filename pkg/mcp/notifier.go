package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/tabula/internal/streaming"
)

// ParticipantNotifier pushes notifications to connected participants.
type ParticipantNotifier interface {
	Notify(ctx context.Context, participantID string, payload map[string]any) error
}

// MCPNotifier implements ParticipantNotifier using MCP push notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes via the MCP transport.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the participant's MCP session.
// Best-effort: returns nil if the participant is not connected.
func (n *MCPNotifier) Notify(_ context.Context, participantID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(participantID)
	if !ok {
		return nil // not connected, best-effort
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// StreamBridge forwards session stream events to connected MCP clients so
// agents see commits, approvals, and lifecycle changes without polling.
type StreamBridge struct {
	hub      *streaming.MemoryHub
	server   *server.MCPServer
	sessions *SessionRegistry
	notifier ParticipantNotifier
	logger   *slog.Logger
}

// NewStreamBridge creates a bridge between the event hub and MCP clients.
func NewStreamBridge(hub *streaming.MemoryHub, srv *server.MCPServer, sessions *SessionRegistry, notifier ParticipantNotifier, logger *slog.Logger) *StreamBridge {
	return &StreamBridge{hub: hub, server: srv, sessions: sessions, notifier: notifier, logger: logger}
}

// Run consumes the event stream until ctx is cancelled. Events addressed to
// a known participant are pushed to that participant's session; everything
// else is broadcast.
func (b *StreamBridge) Run(ctx context.Context) error {
	events, cancel, err := b.hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return nil
			}
			b.forward(ctx, event)
		}
	}
}

func (b *StreamBridge) forward(ctx context.Context, event streaming.StreamEvent) {
	payload := map[string]any{
		"event_type": event.EventType,
		"session_id": event.SessionID,
	}
	if event.RequestID != "" {
		payload["request_id"] = event.RequestID
	}
	if event.ToVersion > 0 {
		payload["from_version"] = event.FromVersion
		payload["to_version"] = event.ToVersion
		payload["patch"] = event.Patch
	}
	for k, v := range event.Payload {
		payload[k] = v
	}

	if target, ok := event.Payload["requester_id"].(string); ok {
		if err := b.notifier.Notify(ctx, target, payload); err != nil {
			b.logger.Warn("notify participant", "participant_id", target, "error", err)
		}
		return
	}

	for _, sessionID := range b.sessions.All() {
		err := b.server.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
		if errors.Is(err, server.ErrSessionNotFound) {
			b.sessions.Remove(sessionID)
			continue
		}
		if err != nil {
			b.logger.Warn("broadcast event", "event_type", event.EventType, "error", err)
		}
	}
}
