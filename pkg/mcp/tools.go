package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/tabula/internal/engine"
	"github.com/rendis/tabula/internal/expressions"
	"github.com/rendis/tabula/internal/store"
	"github.com/rendis/tabula/pkg/schema"
)

// handleSession dispatches session lifecycle operations.
func (s *TabulaServer) handleSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	switch action {
	case "create":
		name := req.GetString("name", "")
		initial := mcp.ParseStringMap(req, "initial_state", nil)
		sess, createErr := s.manager.CreateSession(ctx, name, initial)
		if createErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("create session failed: %v", createErr)), nil
		}
		return marshalResult(map[string]any{
			"session_id": sess.ID,
			"name":       sess.Name,
			"version":    sess.Version(),
		})

	case "load":
		sessionID, idErr := req.RequireString("session_id")
		if idErr != nil {
			return mcp.NewToolResultError("session_id is required"), nil
		}
		sess, loadErr := s.manager.LoadSession(ctx, sessionID)
		if loadErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("load session failed: %v", loadErr)), nil
		}
		return marshalResult(map[string]any{
			"session_id":        sess.ID,
			"name":              sess.Name,
			"version":           sess.Version(),
			"dirty":             sess.Dirty(),
			"pending_approvals": len(sess.PendingApprovals()),
		})

	case "save":
		sessionID, idErr := req.RequireString("session_id")
		if idErr != nil {
			return mcp.NewToolResultError("session_id is required"), nil
		}
		sess, sessErr := s.manager.Session(sessionID)
		if sessErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("save failed: %v", sessErr)), nil
		}
		if saveErr := sess.Save(ctx); saveErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("save failed: %v", saveErr)), nil
		}
		return marshalResult(map[string]any{
			"session_id": sess.ID,
			"version":    sess.Version(),
			"saved":      true,
		})

	case "list":
		recs, listErr := s.store.ListSessions(ctx, store.SessionFilter{})
		if listErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("list sessions failed: %v", listErr)), nil
		}
		sessions := make([]map[string]any, 0, len(recs))
		for _, rec := range recs {
			sessions = append(sessions, map[string]any{
				"session_id":    rec.ID,
				"name":          rec.Name,
				"version":       rec.Version,
				"dirty":         rec.Dirty,
				"last_modified": rec.LastModified,
			})
		}
		return marshalResult(map[string]any{"sessions": sessions})

	case "delete":
		sessionID, idErr := req.RequireString("session_id")
		if idErr != nil {
			return mcp.NewToolResultError("session_id is required"), nil
		}
		if delErr := s.store.DeleteSession(ctx, sessionID); delErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("delete session failed: %v", delErr)), nil
		}
		return marshalResult(map[string]any{"session_id": sessionID, "deleted": true})

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown session action: %s", action)), nil
	}
}

// handleSubmit plays one action request through the pipeline.
func (s *TabulaServer) handleSubmit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	actionType, err := req.RequireString("action_type")
	if err != nil {
		return mcp.NewToolResultError("action_type is required"), nil
	}
	requesterID, err := req.RequireString("requester_id")
	if err != nil {
		return mcp.NewToolResultError("requester_id is required"), nil
	}
	params := mcp.ParseStringMap(req, "params", nil)

	s.captureSession(ctx, requesterID)

	res, submitErr := s.manager.Submit(ctx, sessionID, &schema.ActionRequest{
		ActionType:  actionType,
		Parameters:  params,
		RequesterID: requesterID,
	})
	if submitErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("submit failed: %v", submitErr)), nil
	}
	return marshalResult(res)
}

// handleApprove resolves a pending approval.
func (s *TabulaServer) handleApprove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	requestID, err := req.RequireString("request_id")
	if err != nil {
		return mcp.NewToolResultError("request_id is required"), nil
	}
	decision, err := req.RequireString("decision")
	if err != nil {
		return mcp.NewToolResultError("decision is required"), nil
	}
	resolverID, err := req.RequireString("resolver_id")
	if err != nil {
		return mcp.NewToolResultError("resolver_id is required"), nil
	}
	if decision != string(schema.DecisionApprove) && decision != string(schema.DecisionDeny) {
		return mcp.NewToolResultError("decision must be approve or deny"), nil
	}

	s.captureSession(ctx, resolverID)

	res, resolveErr := s.manager.ResolveApproval(ctx, sessionID, requestID, schema.ApprovalDecision(decision), resolverID)
	if resolveErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("approval failed: %v", resolveErr)), nil
	}
	return marshalResult(res)
}

// handleState reads committed state, whole or at a pointer path.
func (s *TabulaServer) handleState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	sess, sessErr := s.liveSession(ctx, sessionID)
	if sessErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("state read failed: %v", sessErr)), nil
	}

	view := sess.View()
	path := req.GetString("path", "")
	if path == "" {
		return marshalResult(map[string]any{
			"session_id": sess.ID,
			"version":    sess.Version(),
			"state":      view.Payload(),
		})
	}

	value, ok := view.Get(path)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("path %q not found", path)), nil
	}
	return marshalResult(map[string]any{
		"session_id": sess.ID,
		"version":    sess.Version(),
		"path":       path,
		"value":      value,
	})
}

// handleExtension dispatches extension lifecycle operations.
func (s *TabulaServer) handleExtension(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	switch action {
	case "load":
		manifestMap := mcp.ParseStringMap(req, "manifest", nil)
		if manifestMap == nil {
			return mcp.NewToolResultError("manifest is required"), nil
		}
		raw, marshalErr := json.Marshal(manifestMap)
		if marshalErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid manifest: %v", marshalErr)), nil
		}
		manifest, loadErr := s.extensions.Load(ctx, raw)
		if loadErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("load extension failed: %v", loadErr)), nil
		}
		return marshalResult(map[string]any{
			"origin_id": manifest.OriginID,
			"version":   manifest.Version,
			"handlers":  len(manifest.Handlers),
		})

	case "unload":
		originID, idErr := req.RequireString("origin_id")
		if idErr != nil {
			return mcp.NewToolResultError("origin_id is required"), nil
		}
		if unloadErr := s.extensions.Unload(ctx, originID); unloadErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("unload extension failed: %v", unloadErr)), nil
		}
		return marshalResult(map[string]any{"origin_id": originID, "unloaded": true})

	case "list":
		origins := s.extensions.Origins()
		loaded := make([]map[string]any, 0, len(origins))
		for _, originID := range origins {
			manifest, ok := s.extensions.Loaded(originID)
			if !ok {
				continue
			}
			loaded = append(loaded, map[string]any{
				"origin_id": manifest.OriginID,
				"name":      manifest.Name,
				"version":   manifest.Version,
				"handlers":  len(manifest.Handlers),
			})
		}
		return marshalResult(map[string]any{"extensions": loaded})

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown extension action: %s", action)), nil
	}
}

// handleQuery inspects approvals, the patch journal, or runs a jq query.
func (s *TabulaServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	switch resource {
	case "approvals":
		return s.queryApprovals(ctx, sessionID, req.GetString("status", store.ApprovalStatusPending))
	case "journal":
		return s.queryJournal(ctx, sessionID, int64(req.GetFloat("since", 0)))
	case "state":
		return s.queryState(ctx, sessionID, req.GetString("query", ""))
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *TabulaServer) queryApprovals(ctx context.Context, sessionID, status string) (*mcp.CallToolResult, error) {
	recs, err := s.store.ListApprovals(ctx, store.ApprovalFilter{
		SessionID: sessionID,
		Status:    status,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}

	approvals := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		entry := map[string]any{
			"request_id":     rec.RequestID,
			"requester_id":   rec.RequesterID,
			"action_type":    rec.ActionType,
			"message":        rec.Message,
			"source_version": rec.SourceVersion,
			"status":         rec.Status,
			"created_at":     rec.CreatedAt,
		}
		if rec.ExpiresAt != nil {
			entry["expires_at"] = rec.ExpiresAt
		}
		approvals = append(approvals, entry)
	}
	return marshalResult(map[string]any{"approvals": approvals})
}

func (s *TabulaServer) queryJournal(ctx context.Context, sessionID string, since int64) (*mcp.CallToolResult, error) {
	entries, err := s.store.GetPatches(ctx, sessionID, since)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"entries": entries})
}

func (s *TabulaServer) queryState(ctx context.Context, sessionID, query string) (*mcp.CallToolResult, error) {
	if query == "" {
		return mcp.NewToolResultError("state query requires 'query'"), nil
	}
	sess, err := s.liveSession(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}

	scope := expressions.Scope(sess.View().Payload(), nil, "")
	result, evalErr := s.engines.JQ.Evaluate(ctx, query, scope)
	if evalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("jq evaluation failed: %v", evalErr)), nil
	}
	return marshalResult(map[string]any{
		"session_id": sessionID,
		"version":    sess.Version(),
		"result":     result,
	})
}

// --- Internal helpers ---

// liveSession returns the in-memory session, loading it from the store on a
// cold hit.
func (s *TabulaServer) liveSession(ctx context.Context, sessionID string) (*engine.Session, error) {
	sess, err := s.manager.Session(sessionID)
	if err == nil {
		return sess, nil
	}
	return s.manager.LoadSession(ctx, sessionID)
}

// captureSession maps the participant ID to its current MCP session for
// notifications.
func (s *TabulaServer) captureSession(ctx context.Context, participantID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(participantID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
