package state

import "encoding/json"

// View is a read-only accessor over a payload snapshot. Handlers receive a
// View during the Validating phase; it must never be used to mutate the
// underlying tree.
type View struct {
	payload map[string]any
}

// NewView wraps a payload in a read-only View.
func NewView(payload map[string]any) *View {
	return &View{payload: payload}
}

// Get returns the value at the given path.
func (v *View) Get(path string) (any, bool) {
	segs, err := splitPath(path)
	if err != nil {
		return nil, false
	}
	return getPath(v.payload, segs)
}

// Has reports whether a value exists at the given path.
func (v *View) Has(path string) bool {
	_, ok := v.Get(path)
	return ok
}

// Float returns the numeric value at the given path, coercing the numeric
// types a JSON round-trip can produce.
func (v *View) Float(path string) (float64, bool) {
	val, ok := v.Get(path)
	if !ok {
		return 0, false
	}
	return toFloat(val)
}

// String returns the string value at the given path.
func (v *View) String(path string) (string, bool) {
	val, ok := v.Get(path)
	if !ok {
		return "", false
	}
	s, ok := val.(string)
	return s, ok
}

// Map returns the object value at the given path.
func (v *View) Map(path string) (map[string]any, bool) {
	val, ok := v.Get(path)
	if !ok {
		return nil, false
	}
	m, ok := val.(map[string]any)
	return m, ok
}

// Payload exposes the underlying tree for expression scopes. Callers must
// treat it as read-only.
func (v *View) Payload() map[string]any {
	return v.payload
}

func toFloat(val any) (float64, bool) {
	switch n := val.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
