package state

import "github.com/rendis/tabula/pkg/schema"

// Draft is a scoped, exclusively owned working copy of a payload, created
// from a specific source version. The working copy starts structurally
// shared with the source and diverges only where writes land, so the cost of
// a draft is bounded by the size of the actual mutation.
//
// A draft has no effect on any document until its patch is extracted and
// committed; discarding it is a no-op.
type Draft struct {
	sourceVersion uint64
	base          map[string]any
	work          map[string]any
}

// NewDraft opens a draft over the given payload at the given source version.
// The payload is shared, not copied; writes never touch it.
func NewDraft(sourceVersion uint64, payload map[string]any) *Draft {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Draft{
		sourceVersion: sourceVersion,
		base:          payload,
		work:          payload,
	}
}

// SourceVersion returns the document version the draft was opened against.
func (d *Draft) SourceVersion() uint64 {
	return d.sourceVersion
}

// Mutate gives fn exclusive, scoped read/write access to the working copy.
// The Txn must not escape fn.
func (d *Draft) Mutate(fn func(tx *Txn) error) error {
	tx := &Txn{draft: d}
	defer func() { tx.draft = nil }()
	return fn(tx)
}

// ExtractPatch computes the ordered patch describing the difference between
// the draft's start and end state. Deterministic: the same mutations always
// yield the same patch.
func (d *Draft) ExtractPatch() schema.Patch {
	return Diff(d.base, d.work)
}

// set writes value at path, copying nodes along the way so the base tree is
// never mutated. Missing intermediate objects are created.
func (d *Draft) set(segs []string, value any) error {
	work, err := setIn(d.work, segs, value)
	if err != nil {
		return err
	}
	d.work = work
	return nil
}

func setIn(node map[string]any, segs []string, value any) (map[string]any, error) {
	out := shallowCopy(node)
	if len(segs) == 1 {
		out[segs[0]] = value
		return out, nil
	}
	var child map[string]any
	switch cur := out[segs[0]].(type) {
	case nil:
		child = map[string]any{}
	case map[string]any:
		child = cur
	default:
		return nil, schema.NewErrorf(schema.ErrCodeInvalidPatch,
			"segment %q is not an object", segs[0])
	}
	newChild, err := setIn(child, segs[1:], value)
	if err != nil {
		return nil, err
	}
	out[segs[0]] = newChild
	return out, nil
}

// delete removes the value at path. Removing a missing path is a no-op.
func (d *Draft) delete(segs []string) {
	work, changed := deleteIn(d.work, segs)
	if changed {
		d.work = work
	}
}

func deleteIn(node map[string]any, segs []string) (map[string]any, bool) {
	if len(segs) == 1 {
		if _, ok := node[segs[0]]; !ok {
			return node, false
		}
		out := shallowCopy(node)
		delete(out, segs[0])
		return out, true
	}
	child, ok := node[segs[0]].(map[string]any)
	if !ok {
		return node, false
	}
	newChild, changed := deleteIn(child, segs[1:])
	if !changed {
		return node, false
	}
	out := shallowCopy(node)
	out[segs[0]] = newChild
	return out, true
}

// Txn is the scoped accessor handed to a handler's Execute phase. It is
// valid only for the duration of the Mutate callback.
type Txn struct {
	draft *Draft
}

// Get returns the value at path as currently staged in the draft, including
// writes made by earlier handlers in the same pipeline run.
func (t *Txn) Get(path string) (any, bool) {
	segs, err := splitPath(path)
	if err != nil {
		return nil, false
	}
	return getPath(t.draft.work, segs)
}

// Float returns the staged numeric value at path.
func (t *Txn) Float(path string) (float64, bool) {
	val, ok := t.Get(path)
	if !ok {
		return 0, false
	}
	return toFloat(val)
}

// Set stages value at path, creating intermediate objects as needed.
func (t *Txn) Set(path string, value any) error {
	segs, err := splitPath(path)
	if err != nil {
		return err
	}
	return t.draft.set(segs, value)
}

// Delete stages removal of the value at path. Deleting a missing path is a
// no-op.
func (t *Txn) Delete(path string) error {
	segs, err := splitPath(path)
	if err != nil {
		return err
	}
	t.draft.delete(segs)
	return nil
}

// View returns a read-only view over the draft's staged state.
func (t *Txn) View() *View {
	return NewView(t.draft.work)
}
