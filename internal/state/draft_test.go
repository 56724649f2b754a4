package state

import (
	"errors"
	"testing"

	"github.com/rendis/tabula/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDraft_SetAndGet(t *testing.T) {
	base := map[string]any{"tokens": map[string]any{"t1": map[string]any{"x": float64(3)}}}
	d := NewDraft(5, base)

	err := d.Mutate(func(tx *Txn) error {
		require.NoError(t, tx.Set("/tokens/t1/x", float64(7)))

		got, ok := tx.Get("/tokens/t1/x")
		require.True(t, ok)
		assert.Equal(t, float64(7), got)
		return nil
	})
	require.NoError(t, err)
}

func TestDraft_BaseNeverMutated(t *testing.T) {
	base := map[string]any{"tokens": map[string]any{"t1": map[string]any{"x": float64(3)}}}
	d := NewDraft(1, base)

	err := d.Mutate(func(tx *Txn) error {
		require.NoError(t, tx.Set("/tokens/t1/x", float64(9)))
		require.NoError(t, tx.Set("/tokens/t2", map[string]any{"x": float64(0)}))
		return tx.Delete("/tokens/t1/x")
	})
	require.NoError(t, err)

	// The source payload is untouched regardless of staged writes.
	assert.Equal(t, map[string]any{"tokens": map[string]any{"t1": map[string]any{"x": float64(3)}}}, base)
}

func TestDraft_CreatesIntermediateObjects(t *testing.T) {
	d := NewDraft(0, map[string]any{})
	err := d.Mutate(func(tx *Txn) error {
		return tx.Set("/a/b/c", "deep")
	})
	require.NoError(t, err)

	patch := d.ExtractPatch()
	require.Len(t, patch, 1)
	assert.Equal(t, schema.OpAdd, patch[0].Op)
	assert.Equal(t, "/a", patch[0].Path)
	assert.Equal(t, map[string]any{"b": map[string]any{"c": "deep"}}, patch[0].Value)
}

func TestDraft_SetThroughScalarFails(t *testing.T) {
	d := NewDraft(0, map[string]any{"x": float64(1)})
	err := d.Mutate(func(tx *Txn) error {
		return tx.Set("/x/y", "nope")
	})
	require.Error(t, err)

	var terr *schema.TabulaError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, schema.ErrCodeInvalidPatch, terr.Code)
}

func TestDraft_DeleteMissingIsNoop(t *testing.T) {
	d := NewDraft(0, map[string]any{"x": float64(1)})
	err := d.Mutate(func(tx *Txn) error {
		return tx.Delete("/ghost")
	})
	require.NoError(t, err)
	assert.True(t, d.ExtractPatch().IsEmpty())
}

func TestDraft_LaterWriterSeesEarlierWrite(t *testing.T) {
	// A later handler can observe and build on an earlier handler's staged
	// mutation; that shared draft is the only coordination mechanism.
	d := NewDraft(5, map[string]any{})

	require.NoError(t, d.Mutate(func(tx *Txn) error {
		return tx.Set("/x", float64(1))
	}))
	require.NoError(t, d.Mutate(func(tx *Txn) error {
		x, ok := tx.Float("/x")
		require.True(t, ok)
		return tx.Set("/y", x+1)
	}))

	patch := d.ExtractPatch()
	require.Len(t, patch, 2)
	assert.Equal(t, schema.PatchOp{Op: schema.OpAdd, Path: "/x", Value: float64(1)}, patch[0])
	assert.Equal(t, schema.PatchOp{Op: schema.OpAdd, Path: "/y", Value: float64(2)}, patch[1])
}

func TestDraft_InvalidPath(t *testing.T) {
	d := NewDraft(0, map[string]any{})
	err := d.Mutate(func(tx *Txn) error {
		return tx.Set("no-slash", 1)
	})
	require.Error(t, err)

	err = d.Mutate(func(tx *Txn) error {
		return tx.Set("/a//b", 1)
	})
	require.Error(t, err)
}
