package state

import (
	"reflect"
	"sort"

	"github.com/rendis/tabula/pkg/schema"
)

// Diff computes the ordered patch that transforms base into work.
//
// Objects are compared key-by-key in sorted order, recursing into nested
// objects so only the changed leaves appear in the patch. Arrays and scalars
// are compared as whole values. Subtrees that are the identical object are
// skipped without inspection, which is what bounds diff cost to the touched
// portion of a copy-on-write draft.
func Diff(base, work map[string]any) schema.Patch {
	patch := schema.Patch{}
	diffMap("", base, work, &patch)
	return patch
}

func diffMap(prefix string, base, work map[string]any, patch *schema.Patch) {
	if sameMap(base, work) {
		return
	}

	keys := make([]string, 0, len(base)+len(work))
	seen := make(map[string]struct{}, len(base)+len(work))
	for k := range base {
		keys = append(keys, k)
		seen[k] = struct{}{}
	}
	for k := range work {
		if _, ok := seen[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		path := prefix + "/" + k
		bv, inBase := base[k]
		wv, inWork := work[k]
		switch {
		case !inBase:
			*patch = append(*patch, schema.PatchOp{Op: schema.OpAdd, Path: path, Value: wv})
		case !inWork:
			*patch = append(*patch, schema.PatchOp{Op: schema.OpRemove, Path: path})
		default:
			bm, bIsMap := bv.(map[string]any)
			wm, wIsMap := wv.(map[string]any)
			if bIsMap && wIsMap {
				diffMap(path, bm, wm, patch)
				continue
			}
			if !reflect.DeepEqual(bv, wv) {
				*patch = append(*patch, schema.PatchOp{Op: schema.OpReplace, Path: path, Value: wv})
			}
		}
	}
}
