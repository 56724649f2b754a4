// Package expressions evaluates the expressions extension manifests use to
// define handlers: CEL for validation conditions, Expr for computed write
// values, and jq for addressing values inside the state tree.
package expressions

import "context"

// Engine evaluates expressions against a request scope.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Scope builds the evaluation environment for one request: the current state
// payload, the request parameters, and the requester identity. All engines
// see the same three top-level variables.
func Scope(statePayload, params map[string]any, requesterID string) map[string]any {
	if statePayload == nil {
		statePayload = map[string]any{}
	}
	if params == nil {
		params = map[string]any{}
	}
	return map[string]any{
		"state":     statePayload,
		"params":    params,
		"requester": requesterID,
	}
}

// Engines bundles the three engines so callers can pass one dependency.
type Engines struct {
	CEL  *CELEngine
	Expr *ExprEngine
	JQ   *GoJQEngine
}

// NewEngines constructs all three engines.
func NewEngines() (*Engines, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Engines{
		CEL:  celEngine,
		Expr: NewExprEngine(),
		JQ:   NewGoJQEngine(),
	}, nil
}
