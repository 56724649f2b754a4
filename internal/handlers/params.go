package handlers

import "github.com/rendis/tabula/pkg/schema"

// paramString extracts a required string parameter.
func paramString(req *schema.ActionRequest, key string) (string, *schema.ValidationResult) {
	v, ok := req.Parameters[key]
	if !ok {
		return "", schema.Fail(schema.ErrCodeValidationFailure, "missing parameter %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", schema.Fail(schema.ErrCodeValidationFailure, "parameter %q must be a non-empty string", key)
	}
	return s, nil
}

// paramFloat extracts a required numeric parameter, accepting the numeric
// types a JSON decode can produce.
func paramFloat(req *schema.ActionRequest, key string) (float64, *schema.ValidationResult) {
	v, ok := req.Parameters[key]
	if !ok {
		return 0, schema.Fail(schema.ErrCodeValidationFailure, "missing parameter %q", key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, schema.Fail(schema.ErrCodeValidationFailure, "parameter %q must be a number", key)
	}
}
