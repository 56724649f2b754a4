package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeepCopy_SharesNoNodes(t *testing.T) {
	src := map[string]any{
		"tokens": map[string]any{"t1": map[string]any{"x": float64(1)}},
		"notes":  []any{"a", map[string]any{"k": "v"}},
	}

	got := DeepCopy(src)
	require.Equal(t, src, got)

	// Mutating the source must not leak into the copy.
	src["tokens"].(map[string]any)["t1"].(map[string]any)["x"] = float64(99)
	src["notes"].([]any)[1].(map[string]any)["k"] = "changed"

	assert.Equal(t, float64(1), got["tokens"].(map[string]any)["t1"].(map[string]any)["x"])
	assert.Equal(t, "v", got["notes"].([]any)[1].(map[string]any)["k"])
}

func TestDeepCopy_Nil(t *testing.T) {
	assert.Nil(t, DeepCopy(nil))
}
