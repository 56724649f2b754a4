package expressions

import (
	"context"
	"errors"
	"testing"

	"github.com/rendis/tabula/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testScope() map[string]any {
	return Scope(
		map[string]any{
			"tokens": map[string]any{
				"t1": map[string]any{"x": float64(3), "y": float64(4), "name": "Grog"},
			},
			"characters": map[string]any{
				"c1": map[string]any{"resources": map[string]any{"spell_slots": float64(2)}},
			},
		},
		map[string]any{"token_id": "t1", "distance": float64(5)},
		"player-1",
	)
}

func TestCELEngine_ValidateCondition(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"param comparison", `params.distance <= 6.0`, true},
		{"state lookup", `state.tokens.t1.x == 3.0`, true},
		{"requester check", `requester == "player-1"`, true},
		{"failing condition", `params.distance <= 1.0`, false},
		{"has guard", `has(state.tokens.t1)`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.EvaluateBool(context.Background(), tt.expr, testScope())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCELEngine_NonBoolCondition(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.EvaluateBool(context.Background(), `params.distance`, testScope())
	require.Error(t, err)

	var terr *schema.TabulaError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, schema.ErrCodeExpression, terr.Code)
}

func TestCELEngine_CompileError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), `params.`, testScope())
	require.Error(t, err)

	var terr *schema.TabulaError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, schema.ErrCodeValidation, terr.Code)
}

func TestCELEngine_MissingScopeKeysDefault(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	got, err := e.EvaluateBool(context.Background(), `size(params) == 0`, nil)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestExprEngine_ComputedValues(t *testing.T) {
	e := NewExprEngine()

	tests := []struct {
		name string
		expr string
		want any
	}{
		{"arithmetic on state", `state.tokens.t1.x + params.distance`, float64(8)},
		{"string concat", `state.tokens.t1.name + " moved"`, "Grog moved"},
		{"nil coalescing", `params.missing ?? 42`, 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(context.Background(), tt.expr, testScope())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExprEngine_EmptyExpression(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Evaluate(context.Background(), "", testScope())
	require.Error(t, err)
}

func TestGoJQEngine_ResourceLookup(t *testing.T) {
	e := NewGoJQEngine()

	got, err := e.Evaluate(context.Background(),
		`.state.characters.c1.resources.spell_slots`, testScope())
	require.NoError(t, err)
	assert.Equal(t, float64(2), got)
}

func TestGoJQEngine_MissingPathYieldsNil(t *testing.T) {
	e := NewGoJQEngine()

	got, err := e.Evaluate(context.Background(), `.state.ghost.path`, testScope())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGoJQEngine_ParseError(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), `.[invalid`, testScope())
	require.Error(t, err)

	var terr *schema.TabulaError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, schema.ErrCodeValidation, terr.Code)
}

func TestRenderMessage(t *testing.T) {
	scope := testScope()

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"plain text", "no references here", "no references here"},
		{"param ref", "move token ${params.token_id}", "move token t1"},
		{"state ref", "${state.tokens.t1.name} acts", "Grog acts"},
		{"requester ref", "requested by ${requester}", "requested by player-1"},
		{"numeric ref", "distance ${params.distance}", "distance 5"},
		{"missing ref", "value ${params.ghost}", "value <nil>"},
		{"unterminated", "broken ${params.x", "broken ${params.x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RenderMessage(tt.template, scope))
		})
	}
}
