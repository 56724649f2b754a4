package extensions

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/tabula/internal/expressions"
	"github.com/rendis/tabula/internal/handlers"
	"github.com/rendis/tabula/internal/store"
	"github.com/rendis/tabula/internal/streaming"
	"github.com/rendis/tabula/internal/validation"
	"github.com/rendis/tabula/pkg/schema"
)

const spellbookManifest = `{
  "origin_id": "ext.spells",
  "name": "Spellbook",
  "version": "1.0.0",
  "handlers": [
    {
      "id": "spells.fireball",
      "action_type": "spell.cast",
      "priority": 100,
      "requires_approval": true,
      "condition": "params.level >= 3",
      "failure_message": "fireball needs a level 3 slot",
      "approval_message": "${requester} casts fireball at level ${params.level}",
      "writes": [
        {"path": "/characters/${params.caster}/resources/spell_slots", "value": "state.characters[params.caster].resources.spell_slots - 1"}
      ]
    },
    {
      "id": "spells.rest",
      "action_type": "rest.long",
      "writes": [
        {"path": "/characters/${params.caster}/resources/spell_slots", "literal": 4}
      ]
    }
  ]
}`

type testRig struct {
	manager  *Manager
	registry *handlers.Registry
	store    *store.LibSQLStore
	hub      *streaming.MemoryHub
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	s, err := store.NewLibSQLStore("file:" + t.TempDir() + "/ext.db")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	registry := handlers.NewRegistry()
	schemas, err := validation.NewSchemaValidator()
	require.NoError(t, err)
	engines, err := expressions.NewEngines()
	require.NoError(t, err)

	hub := streaming.NewMemoryHub()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &testRig{
		manager:  NewManager(s, registry, schemas, engines, hub, logger),
		registry: registry,
		store:    s,
		hub:      hub,
	}
}

func TestLoad_RegistersHandlers(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	manifest, err := rig.manager.Load(ctx, json.RawMessage(spellbookManifest))
	require.NoError(t, err)
	assert.Equal(t, "ext.spells", manifest.OriginID)
	assert.Equal(t, []string{"ext.spells"}, rig.manager.Origins())

	regs := rig.registry.Resolve("spell.cast")
	require.Len(t, regs, 1)
	assert.Equal(t, "ext.spells", regs[0].OriginID)
	assert.Equal(t, 100, regs[0].Priority)
	assert.True(t, regs[0].RequiresApproval)

	// Unset priority falls back to the extension default.
	regs = rig.registry.Resolve("rest.long")
	require.Len(t, regs, 1)
	assert.Equal(t, handlers.DefaultExtensionPriority, regs[0].Priority)

	rec, err := rig.store.GetExtension(ctx, "ext.spells")
	require.NoError(t, err)
	assert.Equal(t, "Spellbook", rec.Name)
	assert.Equal(t, "1.0.0", rec.Version)
	assert.True(t, rec.Enabled)
}

func TestLoad_ExplicitPriorityBelowBuiltins(t *testing.T) {
	rig := newTestRig(t)

	manifest := `{
  "origin_id": "ext.guard",
  "name": "Guard",
  "version": "1.0.0",
  "handlers": [
    {"id": "guard.veto", "action_type": "token.move", "priority": 0, "condition": "params.x < 100"},
    {"id": "guard.first", "action_type": "rest.long", "priority": -5}
  ]
}`
	_, err := rig.manager.Load(context.Background(), json.RawMessage(manifest))
	require.NoError(t, err)

	// Declared priorities are honored as-is, built-in range included.
	regs := rig.registry.Resolve("token.move")
	require.Len(t, regs, 1)
	assert.Equal(t, 0, regs[0].Priority)

	regs = rig.registry.Resolve("rest.long")
	require.Len(t, regs, 1)
	assert.Equal(t, -5, regs[0].Priority)
}

func TestLoad_InvalidManifestRejected(t *testing.T) {
	rig := newTestRig(t)

	_, err := rig.manager.Load(context.Background(), json.RawMessage(`{"origin_id":"e"}`))
	require.Error(t, err)
	tabErr, ok := err.(*schema.TabulaError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, tabErr.Code)
	assert.Empty(t, rig.manager.Origins())
}

func TestLoad_DuplicateActionTypeInManifest(t *testing.T) {
	rig := newTestRig(t)

	manifest := `{
	  "origin_id": "ext.dup",
	  "name": "Dup",
	  "version": "1.0.0",
	  "handlers": [
	    {"id": "a", "action_type": "spell.cast", "writes": [{"path": "/x", "literal": 1}]},
	    {"id": "b", "action_type": "spell.cast", "writes": [{"path": "/y", "literal": 2}]}
	  ]
	}`
	_, err := rig.manager.Load(context.Background(), json.RawMessage(manifest))
	require.Error(t, err)
	assert.Empty(t, rig.registry.Resolve("spell.cast"))
}

func TestLoad_AlreadyLoadedConflicts(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	_, err := rig.manager.Load(ctx, json.RawMessage(spellbookManifest))
	require.NoError(t, err)

	_, err = rig.manager.Load(ctx, json.RawMessage(spellbookManifest))
	require.Error(t, err)
	tabErr, ok := err.(*schema.TabulaError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeConflict, tabErr.Code)
	assert.Len(t, rig.registry.Resolve("spell.cast"), 1)
}

func TestLoad_PersistFailureRollsBack(t *testing.T) {
	rig := newTestRig(t)
	require.NoError(t, rig.store.Close())

	_, err := rig.manager.Load(context.Background(), json.RawMessage(spellbookManifest))
	require.Error(t, err)
	assert.Empty(t, rig.registry.Resolve("spell.cast"), "rollback removed the handlers")
	assert.Empty(t, rig.manager.Origins())
}

func TestUnload(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	_, err := rig.manager.Load(ctx, json.RawMessage(spellbookManifest))
	require.NoError(t, err)

	require.NoError(t, rig.manager.Unload(ctx, "ext.spells"))
	assert.Empty(t, rig.registry.Resolve("spell.cast"))
	assert.Empty(t, rig.registry.Resolve("rest.long"))
	assert.Empty(t, rig.manager.Origins())

	_, err = rig.store.GetExtension(ctx, "ext.spells")
	require.Error(t, err)

	// Unloading again is a no-op.
	require.NoError(t, rig.manager.Unload(ctx, "ext.spells"))
}

func TestLoadInstalled(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	_, err := rig.manager.Load(ctx, json.RawMessage(spellbookManifest))
	require.NoError(t, err)

	// A fresh manager over the same store restores the extension.
	registry := handlers.NewRegistry()
	schemas, err := validation.NewSchemaValidator()
	require.NoError(t, err)
	engines, err := expressions.NewEngines()
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m2 := NewManager(rig.store, registry, schemas, engines, streaming.NewMemoryHub(), logger)

	require.NoError(t, m2.LoadInstalled(ctx))
	assert.Equal(t, []string{"ext.spells"}, m2.Origins())
	assert.Len(t, registry.Resolve("spell.cast"), 1)
}

func TestLifecycleEvents(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	ch, cancel, err := rig.hub.Subscribe(ctx, streaming.EventFilter{})
	require.NoError(t, err)
	defer cancel()

	_, err = rig.manager.Load(ctx, json.RawMessage(spellbookManifest))
	require.NoError(t, err)
	require.NoError(t, rig.manager.Unload(ctx, "ext.spells"))

	loaded := <-ch
	assert.Equal(t, schema.EventExtensionLoaded, loaded.EventType)
	assert.Equal(t, "ext.spells", loaded.Payload["origin_id"])

	unloaded := <-ch
	assert.Equal(t, schema.EventExtensionUnloaded, unloaded.EventType)
}
