// Package state implements the versioned session state document: a
// copy-on-write draft engine, a deterministic structural differ, patch
// application, and the version-checked commit path.
//
// Payload trees are treated as immutable once committed. Drafts never mutate
// shared nodes in place; writes copy the nodes along the touched path, so a
// committed payload can be snapshotted by reference at any time.
package state

import (
	"reflect"
	"strings"
	"time"

	"github.com/rendis/tabula/pkg/schema"
)

// Document is a versioned snapshot of all session data.
type Document struct {
	Version      uint64         `json:"version"`
	LastModified time.Time      `json:"last_modified"`
	Payload      map[string]any `json:"payload"`
}

// splitPath parses a slash-separated pointer path ("/tokens/t1/x") into
// segments. The empty path and paths with empty segments are rejected.
func splitPath(path string) ([]string, error) {
	if path == "" || path[0] != '/' {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidPatch, "path %q must start with '/'", path)
	}
	segs := strings.Split(path[1:], "/")
	for _, s := range segs {
		if s == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidPatch, "path %q has an empty segment", path)
		}
	}
	return segs, nil
}

// getPath walks a payload tree along the given segments.
func getPath(node any, segs []string) (any, bool) {
	cur := node
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// sameMap reports whether two maps are the identical object. Used by the
// differ to skip structurally shared subtrees in O(1).
func sameMap(a, b map[string]any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

// shallowCopy returns a new map with the same entries.
func shallowCopy(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// DeepCopy clones a payload tree so the result shares no nodes with the
// input. Committed payloads must not alias caller-owned maps.
func DeepCopy(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	return deepCopyValue(payload).(map[string]any)
}

// deepCopyValue clones a payload subtree. Scalars are returned as-is.
func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = deepCopyValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
