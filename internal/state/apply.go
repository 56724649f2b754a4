package state

import "github.com/rendis/tabula/pkg/schema"

// Apply returns a new payload with the patch applied. The input payload is
// never mutated; untouched subtrees are shared between input and result.
//
// Semantics per op: add sets the value (parents must exist), replace
// requires the path to exist, remove requires the path to exist. Any
// violation aborts with an INVALID_PATCH error and no partial result is
// returned.
func Apply(payload map[string]any, patch schema.Patch) (map[string]any, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	out := payload
	for _, op := range patch {
		segs, err := splitPath(op.Path)
		if err != nil {
			return nil, err
		}
		switch op.Op {
		case schema.OpAdd:
			out, err = applySet(out, segs, op.Value, false)
		case schema.OpReplace:
			out, err = applySet(out, segs, op.Value, true)
		case schema.OpRemove:
			out, err = applyRemove(out, segs)
		default:
			err = schema.NewErrorf(schema.ErrCodeInvalidPatch, "unknown patch op %q", op.Op)
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func applySet(node map[string]any, segs []string, value any, mustExist bool) (map[string]any, error) {
	out := shallowCopy(node)
	if len(segs) == 1 {
		if _, ok := out[segs[0]]; !ok && mustExist {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidPatch, "replace target %q missing", segs[0])
		}
		out[segs[0]] = value
		return out, nil
	}
	child, ok := out[segs[0]].(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidPatch, "segment %q is not an object", segs[0])
	}
	newChild, err := applySet(child, segs[1:], value, mustExist)
	if err != nil {
		return nil, err
	}
	out[segs[0]] = newChild
	return out, nil
}

func applyRemove(node map[string]any, segs []string) (map[string]any, error) {
	if len(segs) == 1 {
		if _, ok := node[segs[0]]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidPatch, "remove target %q missing", segs[0])
		}
		out := shallowCopy(node)
		delete(out, segs[0])
		return out, nil
	}
	child, ok := node[segs[0]].(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidPatch, "segment %q is not an object", segs[0])
	}
	newChild, err := applyRemove(child, segs[1:])
	if err != nil {
		return nil, err
	}
	out := shallowCopy(node)
	out[segs[0]] = newChild
	return out, nil
}
