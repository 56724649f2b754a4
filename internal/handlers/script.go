package handlers

import (
	"context"
	"fmt"

	"github.com/rendis/tabula/internal/expressions"
	"github.com/rendis/tabula/internal/state"
	"github.com/rendis/tabula/pkg/schema"
)

// ScriptSpec describes a handler defined declaratively by an extension
// manifest: a CEL validation condition, expr-computed write directives, and
// jq-addressed resource costs. Extensions never receive a reference to the
// draft; everything they do flows through this closed surface.
type ScriptSpec struct {
	ID             string      `json:"id"`
	Condition      string      `json:"condition,omitempty"`
	FailureMessage string      `json:"failure_message,omitempty"`
	Writes         []WriteSpec `json:"writes,omitempty"`
	Approval       string      `json:"approval_message,omitempty"`
	Costs          []CostSpec  `json:"costs,omitempty"`
}

// WriteSpec stages one write. Path is a ${...} template; exactly one of
// Value (an expr program) or Literal supplies the value, unless Delete is
// set.
type WriteSpec struct {
	Path    string `json:"path"`
	Value   string `json:"value,omitempty"`
	Literal any    `json:"literal,omitempty"`
	Delete  bool   `json:"delete,omitempty"`
}

// CostSpec declares a resource cost. Query is a jq expression over the
// request scope yielding the current amount; when Enforce is set, validation
// fails if the current amount cannot cover Amount.
type CostSpec struct {
	Query   string           `json:"query"`
	Path    string           `json:"path"`
	Amount  float64          `json:"amount"`
	Store   schema.CostStore `json:"store,omitempty"`
	Enforce bool             `json:"enforce,omitempty"`
}

// ScriptHandler executes a ScriptSpec through the expression engines.
type ScriptHandler struct {
	spec    ScriptSpec
	engines *expressions.Engines
}

// NewScriptHandler builds a handler from a manifest spec.
func NewScriptHandler(spec ScriptSpec, engines *expressions.Engines) *ScriptHandler {
	return &ScriptHandler{spec: spec, engines: engines}
}

func (h *ScriptHandler) ID() string { return h.spec.ID }

func (h *ScriptHandler) Validate(ctx context.Context, req *schema.ActionRequest, view *state.View) (*schema.ValidationResult, error) {
	scope := expressions.Scope(view.Payload(), req.Parameters, req.RequesterID)

	if h.spec.Condition != "" {
		ok, err := h.engines.CEL.EvaluateBool(ctx, h.spec.Condition, scope)
		if err != nil {
			return nil, err
		}
		if !ok {
			msg := h.spec.FailureMessage
			if msg == "" {
				msg = fmt.Sprintf("action %q is not allowed", req.ActionType)
			}
			return schema.Fail(schema.ErrCodeValidationFailure, "%s",
				expressions.RenderMessage(msg, scope)), nil
		}
	}

	costs := make([]schema.ResourceCost, 0, len(h.spec.Costs))
	for _, c := range h.spec.Costs {
		current, err := h.costAmount(ctx, c, scope)
		if err != nil {
			return nil, err
		}
		if c.Enforce && current < c.Amount {
			return schema.Fail(schema.ErrCodeValidationFailure,
				"insufficient resource at %s: have %.0f, need %.0f",
				expressions.RenderMessage(c.Path, scope), current, c.Amount), nil
		}
		store := c.Store
		if store == "" {
			store = schema.CostStorePermanent
		}
		costs = append(costs, schema.ResourceCost{
			Path:   expressions.RenderMessage(c.Path, scope),
			Amount: c.Amount,
			Store:  store,
		})
	}

	return &schema.ValidationResult{OK: true, Costs: costs}, nil
}

func (h *ScriptHandler) Execute(ctx context.Context, req *schema.ActionRequest, tx *state.Txn) error {
	for _, w := range h.spec.Writes {
		// Rebuild the scope per write so later directives observe earlier
		// staged values, matching handler-to-handler draft semantics.
		scope := expressions.Scope(tx.View().Payload(), req.Parameters, req.RequesterID)
		path := expressions.RenderMessage(w.Path, scope)

		if w.Delete {
			if err := tx.Delete(path); err != nil {
				return err
			}
			continue
		}

		value := w.Literal
		if w.Value != "" {
			out, err := h.engines.Expr.Evaluate(ctx, w.Value, scope)
			if err != nil {
				return err
			}
			value = out
		}
		if err := tx.Set(path, value); err != nil {
			return err
		}
	}
	return nil
}

func (h *ScriptHandler) ApprovalMessage(req *schema.ActionRequest, view *state.View) string {
	if h.spec.Approval == "" {
		return fmt.Sprintf("%s requests %s", req.RequesterID, req.ActionType)
	}
	scope := expressions.Scope(view.Payload(), req.Parameters, req.RequesterID)
	return expressions.RenderMessage(h.spec.Approval, scope)
}

// costAmount evaluates the jq query for a cost's current amount. A missing
// value counts as zero.
func (h *ScriptHandler) costAmount(ctx context.Context, c CostSpec, scope map[string]any) (float64, error) {
	if c.Query == "" {
		return 0, nil
	}
	out, err := h.engines.JQ.Evaluate(ctx, c.Query, scope)
	if err != nil {
		return 0, err
	}
	switch n := out.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case nil:
		return 0, nil
	default:
		return 0, schema.NewErrorf(schema.ErrCodeExpression,
			"cost query %q yielded %T, want number", c.Query, out).WithHandler(h.ID())
	}
}

var (
	_ Validator         = (*ScriptHandler)(nil)
	_ Executor          = (*ScriptHandler)(nil)
	_ ApprovalMessenger = (*ScriptHandler)(nil)
)
