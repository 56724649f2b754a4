package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/tabula/internal/handlers"
	"github.com/rendis/tabula/internal/state"
	"github.com/rendis/tabula/internal/store"
	"github.com/rendis/tabula/internal/streaming"
	"github.com/rendis/tabula/pkg/schema"
)

// registerGatedMove puts a second registration on token.move that forces the
// approval gate without adding behavior.
func registerGatedMove(t *testing.T, te *testEngine) {
	t.Helper()
	require.NoError(t, te.registry.Register(handlers.Registration{
		ActionType:       handlers.ActionMoveToken,
		OriginID:         "ext.gate",
		Priority:         handlers.DefaultExtensionPriority,
		RequiresApproval: true,
		Handler:          gateMarker{},
	}))
}

type gateMarker struct{}

func (gateMarker) ID() string { return "ext.gate.marker" }
func (gateMarker) Validate(_ context.Context, _ *schema.ActionRequest, _ *state.View) (*schema.ValidationResult, error) {
	return schema.Pass(), nil
}

func TestApproval_SuspendAndApprove(t *testing.T) {
	te := newTestEngine(t, ManagerConfig{})
	ctx := context.Background()
	sess, err := te.manager.CreateSession(ctx, "table-1", basePayload())
	require.NoError(t, err)
	registerGatedMove(t, te)

	res, err := te.manager.Submit(ctx, sess.ID, &schema.ActionRequest{
		ActionType:  handlers.ActionMoveToken,
		Parameters:  map[string]any{"token_id": "t1", "x": float64(2), "y": float64(0)},
		RequesterID: "player-1",
	})
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomePendingApproval, res.Outcome)
	assert.Contains(t, res.Message, "player-1 wants to move token t1")
	assert.Equal(t, uint64(0), sess.Version(), "suspension does not touch the document")

	// The suspension is persisted.
	rec, err := te.store.GetApproval(ctx, res.RequestID)
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalStatusPending, rec.Status)
	assert.Equal(t, uint64(0), rec.SourceVersion)

	approved, err := te.manager.ResolveApproval(ctx, sess.ID, res.RequestID, schema.DecisionApprove, "gm-1")
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeAccepted, approved.Outcome)
	assert.Equal(t, uint64(1), approved.NewVersion)

	x, _ := sess.View().Float("/tokens/t1/x")
	assert.Equal(t, float64(2), x)

	rec, err = te.store.GetApproval(ctx, res.RequestID)
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalStatusApproved, rec.Status)
	assert.Equal(t, "gm-1", rec.ResolvedBy)
}

func TestApproval_Deny(t *testing.T) {
	te := newTestEngine(t, ManagerConfig{})
	ctx := context.Background()
	sess, err := te.manager.CreateSession(ctx, "table-1", basePayload())
	require.NoError(t, err)
	registerGatedMove(t, te)

	res, err := te.manager.Submit(ctx, sess.ID, &schema.ActionRequest{
		ActionType:  handlers.ActionMoveToken,
		Parameters:  map[string]any{"token_id": "t1", "x": float64(2), "y": float64(0)},
		RequesterID: "player-1",
	})
	require.NoError(t, err)
	require.Equal(t, schema.OutcomePendingApproval, res.Outcome)

	denied, err := te.manager.ResolveApproval(ctx, sess.ID, res.RequestID, schema.DecisionDeny, "gm-1")
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeRejected, denied.Outcome)
	assert.Equal(t, schema.ErrCodeApprovalDenied, denied.FailureKind)
	assert.Equal(t, uint64(0), sess.Version())

	// The decision consumed the approval.
	_, err = te.manager.ResolveApproval(ctx, sess.ID, res.RequestID, schema.DecisionApprove, "gm-1")
	require.Error(t, err)
}

func TestApproval_ResolverMustBePrivileged(t *testing.T) {
	te := newTestEngine(t, ManagerConfig{})
	ctx := context.Background()
	sess, err := te.manager.CreateSession(ctx, "table-1", basePayload())
	require.NoError(t, err)
	registerGatedMove(t, te)

	res, err := te.manager.Submit(ctx, sess.ID, &schema.ActionRequest{
		ActionType:  handlers.ActionMoveToken,
		Parameters:  map[string]any{"token_id": "t1", "x": float64(2), "y": float64(0)},
		RequesterID: "player-1",
	})
	require.NoError(t, err)
	require.Equal(t, schema.OutcomePendingApproval, res.Outcome)

	_, err = te.manager.ResolveApproval(ctx, sess.ID, res.RequestID, schema.DecisionApprove, "player-1")
	require.Error(t, err)
	tabErr, ok := err.(*schema.TabulaError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeForbidden, tabErr.Code)

	// The approval is still pending for a privileged resolver.
	approved, err := te.manager.ResolveApproval(ctx, sess.ID, res.RequestID, schema.DecisionApprove, "gm-1")
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeAccepted, approved.Outcome)
}

func TestApproval_StaleSnapshotRequiresRetry(t *testing.T) {
	te := newTestEngine(t, ManagerConfig{})
	ctx := context.Background()
	sess, err := te.manager.CreateSession(ctx, "table-1", basePayload())
	require.NoError(t, err)
	registerGatedMove(t, te)

	// Suspend a move at version 0.
	pending, err := te.manager.Submit(ctx, sess.ID, &schema.ActionRequest{
		ActionType:  handlers.ActionMoveToken,
		Parameters:  map[string]any{"token_id": "t1", "x": float64(2), "y": float64(0)},
		RequesterID: "player-1",
	})
	require.NoError(t, err)
	require.Equal(t, schema.OutcomePendingApproval, pending.Outcome)

	// Another request commits while the first waits at the gate.
	note, err := te.manager.Submit(ctx, sess.ID, &schema.ActionRequest{
		ActionType:  handlers.ActionAppendNote,
		Parameters:  map[string]any{"text": "the door creaks open"},
		RequesterID: "gm-1",
	})
	require.NoError(t, err)
	require.Equal(t, schema.OutcomeAccepted, note.Outcome)
	require.Equal(t, uint64(1), sess.Version())

	events, cancel, err := te.hub.Subscribe(ctx, streaming.EventFilter{
		SessionID:  sess.ID,
		EventTypes: []string{schema.EventRequestFailed},
	})
	require.NoError(t, err)
	defer cancel()

	// Approving now executes against the version-0 snapshot and loses.
	res, err := te.manager.ResolveApproval(ctx, sess.ID, pending.RequestID, schema.DecisionApprove, "gm-1")
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeRetryRequired, res.Outcome)
	assert.Equal(t, schema.ErrCodeVersionConflict, res.FailureKind)
	assert.Equal(t, uint64(1), res.CurrentVersion)

	// The losing commit terminates the request as failed, not rejected.
	select {
	case e := <-events:
		assert.Equal(t, pending.RequestID, e.RequestID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for request_failed event")
	}

	// The losing approval left the document untouched.
	x, _ := sess.View().Float("/tokens/t1/x")
	assert.Equal(t, float64(0), x)
}

func TestApproval_Expiry(t *testing.T) {
	te := newTestEngine(t, ManagerConfig{ApprovalTTL: time.Minute})
	ctx := context.Background()
	sess, err := te.manager.CreateSession(ctx, "table-1", basePayload())
	require.NoError(t, err)
	registerGatedMove(t, te)

	res, err := te.manager.Submit(ctx, sess.ID, &schema.ActionRequest{
		ActionType:  handlers.ActionMoveToken,
		Parameters:  map[string]any{"token_id": "t1", "x": float64(2), "y": float64(0)},
		RequesterID: "player-1",
	})
	require.NoError(t, err)
	require.Equal(t, schema.OutcomePendingApproval, res.Outcome)

	// Before the deadline nothing expires.
	te.manager.ExpireApprovals(ctx, time.Now().UTC())
	assert.Len(t, sess.PendingApprovals(), 1)

	te.manager.ExpireApprovals(ctx, time.Now().UTC().Add(2*time.Minute))
	assert.Empty(t, sess.PendingApprovals())

	rec, err := te.store.GetApproval(ctx, res.RequestID)
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalStatusExpired, rec.Status)

	_, err = te.manager.ResolveApproval(ctx, sess.ID, res.RequestID, schema.DecisionApprove, "gm-1")
	require.Error(t, err, "expired approvals cannot be resolved")
}

func TestSession_SaveClearsDirty(t *testing.T) {
	te := newTestEngine(t, ManagerConfig{})
	ctx := context.Background()
	sess, err := te.manager.CreateSession(ctx, "table-1", basePayload())
	require.NoError(t, err)

	_, err = te.manager.Submit(ctx, sess.ID, &schema.ActionRequest{
		ActionType:  handlers.ActionMoveToken,
		Parameters:  map[string]any{"token_id": "t1", "x": float64(1), "y": float64(1)},
		RequesterID: "player-1",
	})
	require.NoError(t, err)
	require.True(t, sess.Dirty())

	require.NoError(t, sess.Save(ctx))
	assert.False(t, sess.Dirty())

	rec, err := te.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, rec.Dirty)
	assert.Equal(t, uint64(1), rec.Version)
	require.NotNil(t, rec.SavedAt)
}
