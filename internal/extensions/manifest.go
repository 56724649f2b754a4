package extensions

import (
	"encoding/json"

	"github.com/rendis/tabula/internal/expressions"
	"github.com/rendis/tabula/internal/handlers"
	"github.com/rendis/tabula/pkg/schema"
)

// Manifest declares an extension: an origin identity plus the script
// handlers it contributes. Manifests are pure data; all behavior is
// expressed through the script handler surface.
type Manifest struct {
	OriginID string        `json:"origin_id"`
	Name     string        `json:"name"`
	Version  string        `json:"version"`
	Handlers []HandlerSpec `json:"handlers"`
}

// HandlerSpec is one handler declaration inside a manifest.
type HandlerSpec struct {
	ID               string               `json:"id"`
	ActionType       string               `json:"action_type"`
	Priority         *int                 `json:"priority,omitempty"`
	RequiresApproval bool                 `json:"requires_approval,omitempty"`
	PrivilegedOnly   bool                 `json:"privileged_only,omitempty"`
	ParamsSchema     json.RawMessage      `json:"params_schema,omitempty"`
	Condition        string               `json:"condition,omitempty"`
	FailureMessage   string               `json:"failure_message,omitempty"`
	ApprovalMessage  string               `json:"approval_message,omitempty"`
	Writes           []handlers.WriteSpec `json:"writes,omitempty"`
	Costs            []handlers.CostSpec  `json:"costs,omitempty"`
}

// ParseManifest decodes a validated manifest document. The registry keys
// handlers by (action type, origin), so a manifest may contribute at most
// one handler per action type.
func ParseManifest(raw json.RawMessage) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode manifest: %s", err.Error()).WithCause(err)
	}

	seen := make(map[string]struct{}, len(m.Handlers))
	for _, h := range m.Handlers {
		if _, dup := seen[h.ActionType]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"manifest %q declares action type %q twice", m.OriginID, h.ActionType)
		}
		seen[h.ActionType] = struct{}{}
	}
	return &m, nil
}

// scriptSpec maps a handler declaration onto the script handler surface.
func (h HandlerSpec) scriptSpec() handlers.ScriptSpec {
	return handlers.ScriptSpec{
		ID:             h.ID,
		Condition:      h.Condition,
		FailureMessage: h.FailureMessage,
		Writes:         h.Writes,
		Approval:       h.ApprovalMessage,
		Costs:          h.Costs,
	}
}

// registration builds the registry entry for one handler declaration.
// An unset priority lands at the extension default, after the built-ins;
// an explicit priority may place the handler anywhere, built-in range
// included.
func (h HandlerSpec) registration(originID string, engines *expressions.Engines) handlers.Registration {
	priority := handlers.DefaultExtensionPriority
	if h.Priority != nil {
		priority = *h.Priority
	}
	return handlers.Registration{
		ActionType:       h.ActionType,
		OriginID:         originID,
		Priority:         priority,
		RequiresApproval: h.RequiresApproval,
		PrivilegedOnly:   h.PrivilegedOnly,
		ParamsSchema:     h.ParamsSchema,
		Handler:          handlers.NewScriptHandler(h.scriptSpec(), engines),
	}
}
