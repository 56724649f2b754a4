package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/tabula/pkg/schema"
)

// manifestSchemaJSON is the JSON Schema for extension manifest validation.
// Embedded as a constant to avoid filesystem dependencies.
const manifestSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://tabula.dev/schemas/manifest.json",
  "type": "object",
  "required": ["origin_id", "name", "version", "handlers"],
  "properties": {
    "origin_id": {
      "type": "string",
      "minLength": 1,
      "pattern": "^[a-z0-9][a-z0-9._-]*$"
    },
    "name": {
      "type": "string",
      "minLength": 1
    },
    "version": {
      "type": "string",
      "pattern": "^[0-9]+\\.[0-9]+\\.[0-9]+$"
    },
    "handlers": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/handler" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "handler": {
      "type": "object",
      "required": ["id", "action_type"],
      "properties": {
        "id": {
          "type": "string",
          "minLength": 1
        },
        "action_type": {
          "type": "string",
          "minLength": 1
        },
        "priority": { "type": "integer" },
        "requires_approval": { "type": "boolean" },
        "privileged_only": { "type": "boolean" },
        "params_schema": { "type": "object" },
        "condition": { "type": "string" },
        "failure_message": { "type": "string" },
        "approval_message": { "type": "string" },
        "writes": {
          "type": "array",
          "items": { "$ref": "#/$defs/write" }
        },
        "costs": {
          "type": "array",
          "items": { "$ref": "#/$defs/cost" }
        }
      },
      "additionalProperties": false
    },
    "write": {
      "type": "object",
      "required": ["path"],
      "properties": {
        "path": {
          "type": "string",
          "minLength": 1
        },
        "value": { "type": "string" },
        "literal": {},
        "delete": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "cost": {
      "type": "object",
      "required": ["query", "path", "amount"],
      "properties": {
        "query": { "type": "string" },
        "path": { "type": "string" },
        "amount": { "type": "number" },
        "store": {
          "type": "string",
          "enum": ["permanent", "transient"]
        },
        "enforce": { "type": "boolean" }
      },
      "additionalProperties": false
    }
  }
}`

// SchemaValidator validates extension manifests and request parameters using
// JSON Schema Draft 2020-12. It is safe for concurrent use.
type SchemaValidator struct {
	manifestSchema *jsonschema.Schema

	// mu guards the cache for dynamic params schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewSchemaValidator creates a SchemaValidator with the manifest schema
// pre-compiled.
func NewSchemaValidator() (*SchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(manifestSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal manifest schema: %w", err)
	}
	if err := c.AddResource("https://tabula.dev/schemas/manifest.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add manifest schema resource: %w", err)
	}

	compiled, err := c.Compile("https://tabula.dev/schemas/manifest.json")
	if err != nil {
		return nil, fmt.Errorf("compile manifest schema: %w", err)
	}

	return &SchemaValidator{
		manifestSchema: compiled,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateManifest validates a raw extension manifest document.
func (v *SchemaValidator) ValidateManifest(raw json.RawMessage) error {
	if len(raw) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "manifest is empty")
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "manifest is not valid JSON").WithCause(err)
	}
	if err := v.manifestSchema.Validate(doc); err != nil {
		return toTabulaError(err)
	}
	return nil
}

// ValidateParams validates request parameters against a JSON Schema provided
// as raw bytes. The schema is compiled and cached for subsequent calls.
func (v *SchemaValidator) ValidateParams(params map[string]any, paramsSchema []byte) error {
	if len(paramsSchema) == 0 {
		return nil // no schema means no validation needed
	}
	if params == nil {
		params = map[string]any{}
	}

	compiled, err := v.getOrCompile(paramsSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid params schema").WithCause(err)
	}

	// Convert params to JSON-compatible values (json.Number for numbers).
	doc, err := toJSONValue(params)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize parameters").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toTabulaError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *SchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL and a fresh compiler to avoid
	// resource collisions.
	url := fmt.Sprintf("tabula://params-schema/%d", len(v.cache))
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toTabulaError converts a jsonschema.ValidationError into a TabulaError
// with one message per leaf violation.
func toTabulaError(err error) *schema.TabulaError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
