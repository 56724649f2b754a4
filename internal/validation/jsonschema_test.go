package validation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/tabula/pkg/schema"
)

func newValidator(t *testing.T) *SchemaValidator {
	t.Helper()
	v, err := NewSchemaValidator()
	require.NoError(t, err)
	return v
}

const validManifest = `{
  "origin_id": "ext.spells",
  "name": "Spellbook",
  "version": "1.0.0",
  "handlers": [
    {
      "id": "spells.fireball",
      "action_type": "spell.cast",
      "priority": 100,
      "condition": "params.level >= 3",
      "failure_message": "fireball needs a level 3 slot",
      "writes": [
        {"path": "/characters/${params.caster}/resources/spell_slots", "value": "state.characters[params.caster].resources.spell_slots - 1"}
      ],
      "costs": [
        {"query": ".state.characters[.params.caster].resources.spell_slots", "path": "/characters/${params.caster}/resources/spell_slots", "amount": 1, "store": "permanent", "enforce": true}
      ]
    }
  ]
}`

func TestValidateManifest_Valid(t *testing.T) {
	v := newValidator(t)
	require.NoError(t, v.ValidateManifest(json.RawMessage(validManifest)))
}

func TestValidateManifest_ExplicitLowPriority(t *testing.T) {
	v := newValidator(t)

	// An extension may opt into the built-in priority range.
	for _, manifest := range []string{
		`{"origin_id":"e","name":"x","version":"1.0.0","handlers":[{"id":"h","action_type":"a","priority":0}]}`,
		`{"origin_id":"e","name":"x","version":"1.0.0","handlers":[{"id":"h","action_type":"a","priority":-5}]}`,
	} {
		assert.NoError(t, v.ValidateManifest(json.RawMessage(manifest)))
	}
}

func TestValidateManifest_Invalid(t *testing.T) {
	v := newValidator(t)

	tests := []struct {
		name     string
		manifest string
	}{
		{"empty", ``},
		{"not json", `{broken`},
		{"missing origin_id", `{"name":"x","version":"1.0.0","handlers":[{"id":"h","action_type":"a"}]}`},
		{"bad version", `{"origin_id":"e","name":"x","version":"one","handlers":[{"id":"h","action_type":"a"}]}`},
		{"no handlers", `{"origin_id":"e","name":"x","version":"1.0.0","handlers":[]}`},
		{"handler without action_type", `{"origin_id":"e","name":"x","version":"1.0.0","handlers":[{"id":"h"}]}`},
		{"priority not an integer", `{"origin_id":"e","name":"x","version":"1.0.0","handlers":[{"id":"h","action_type":"a","priority":"first"}]}`},
		{"unknown field", `{"origin_id":"e","name":"x","version":"1.0.0","handlers":[{"id":"h","action_type":"a"}],"extra":true}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := v.ValidateManifest(json.RawMessage(tc.manifest))
			require.Error(t, err)
			tabErr, ok := err.(*schema.TabulaError)
			require.True(t, ok)
			assert.Equal(t, schema.ErrCodeValidation, tabErr.Code)
		})
	}
}

func TestValidateParams(t *testing.T) {
	v := newValidator(t)

	paramsSchema := []byte(`{
		"type": "object",
		"required": ["token_id", "x", "y"],
		"properties": {
			"token_id": {"type": "string", "minLength": 1},
			"x": {"type": "number"},
			"y": {"type": "number"}
		}
	}`)

	err := v.ValidateParams(map[string]any{"token_id": "t1", "x": 3.0, "y": 4.0}, paramsSchema)
	require.NoError(t, err)

	err = v.ValidateParams(map[string]any{"token_id": "t1", "x": "three", "y": 4.0}, paramsSchema)
	require.Error(t, err)

	err = v.ValidateParams(map[string]any{"token_id": "t1"}, paramsSchema)
	require.Error(t, err)
}

func TestValidateParams_NoSchema(t *testing.T) {
	v := newValidator(t)
	require.NoError(t, v.ValidateParams(map[string]any{"anything": true}, nil))
	require.NoError(t, v.ValidateParams(nil, nil))
}

func TestValidateParams_SchemaCache(t *testing.T) {
	v := newValidator(t)
	paramsSchema := []byte(`{"type":"object","properties":{"n":{"type":"integer"}}}`)

	require.NoError(t, v.ValidateParams(map[string]any{"n": 1}, paramsSchema))
	require.NoError(t, v.ValidateParams(map[string]any{"n": 2}, paramsSchema))
	assert.Len(t, v.cache, 1)
}

func TestValidateParams_InvalidSchema(t *testing.T) {
	v := newValidator(t)
	err := v.ValidateParams(map[string]any{}, []byte(`{broken`))
	require.Error(t, err)
}
