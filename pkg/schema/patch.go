package schema

// PatchOpKind enumerates the three patch operations.
type PatchOpKind string

const (
	OpAdd     PatchOpKind = "add"
	OpReplace PatchOpKind = "replace"
	OpRemove  PatchOpKind = "remove"
)

// PatchOp is one mutation to the state payload, addressed by a
// slash-separated pointer path (e.g. "/tokens/t1/x").
type PatchOp struct {
	Op    PatchOpKind `json:"op"`
	Path  string      `json:"path"`
	Value any         `json:"value,omitempty"`
}

// Patch is the minimal, ordered description of the difference between two
// payload versions. Patches are the only form in which mutations leave the
// engine: replaying a patch against the exact pre-draft payload reproduces
// the post-draft payload.
type Patch []PatchOp

// IsEmpty reports whether the patch contains no operations.
func (p Patch) IsEmpty() bool {
	return len(p) == 0
}
