package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/tabula/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := t.TempDir() + "/test.db"
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedSession(t *testing.T, s *LibSQLStore) *SessionRecord {
	t.Helper()
	rec := &SessionRecord{
		ID:      uuid.New().String(),
		Name:    "friday-night",
		Payload: map[string]any{"tokens": map[string]any{}, "notes": []any{}},
	}
	require.NoError(t, s.CreateSession(context.Background(), rec))
	return rec
}

// --- Session tests ---

func TestCreateAndGetSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &SessionRecord{
		ID:   uuid.New().String(),
		Name: "session-1",
		Payload: map[string]any{
			"tokens": map[string]any{
				"t1": map[string]any{"x": float64(3), "y": float64(4)},
			},
		},
		Version: 7,
	}
	require.NoError(t, s.CreateSession(ctx, rec))

	got, err := s.GetSession(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "session-1", got.Name)
	assert.Equal(t, uint64(7), got.Version)
	assert.False(t, got.Dirty)
	assert.Equal(t, rec.Payload, got.Payload)
}

func TestGetSession_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSession(context.Background(), "nonexistent")
	require.Error(t, err)
	tabErr, ok := err.(*schema.TabulaError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, tabErr.Code)
}

func TestMarkDirtyAndSave(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := seedSession(t, s)

	require.NoError(t, s.MarkDirty(ctx, rec.ID))
	got, err := s.GetSession(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.Dirty)
	assert.Nil(t, got.SavedAt)

	payload := map[string]any{"tokens": map[string]any{"t1": map[string]any{"x": float64(1)}}}
	require.NoError(t, s.SaveSession(ctx, rec.ID, payload, 3))

	got, err = s.GetSession(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, got.Dirty)
	assert.Equal(t, uint64(3), got.Version)
	assert.Equal(t, payload, got.Payload)
	require.NotNil(t, got.SavedAt)
}

func TestListSessions_DirtyFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	clean := seedSession(t, s)
	dirty := seedSession(t, s)
	require.NoError(t, s.MarkDirty(ctx, dirty.ID))

	dirtyOnly := true
	got, err := s.ListSessions(ctx, SessionFilter{Dirty: &dirtyOnly})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, dirty.ID, got[0].ID)

	all, err := s.ListSessions(ctx, SessionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	_ = clean
}

func TestDeleteSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := seedSession(t, s)

	require.NoError(t, s.DeleteSession(ctx, rec.ID))
	_, err := s.GetSession(ctx, rec.ID)
	require.Error(t, err)

	err = s.DeleteSession(ctx, rec.ID)
	require.Error(t, err)
}

// --- Patch journal tests ---

func TestAppendPatch_SequencesPerSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedSession(t, s)
	b := seedSession(t, s)

	patch := schema.Patch{{Op: schema.OpAdd, Path: "/x", Value: float64(1)}}
	for i := 0; i < 3; i++ {
		e := &JournalEntry{SessionID: a.ID, FromVersion: uint64(i), ToVersion: uint64(i + 1), Patch: patch}
		require.NoError(t, s.AppendPatch(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence)
	}
	eb := &JournalEntry{SessionID: b.ID, FromVersion: 0, ToVersion: 1, Patch: patch}
	require.NoError(t, s.AppendPatch(ctx, eb))
	assert.Equal(t, int64(1), eb.Sequence, "sequence is per session")
}

func TestGetPatches_Since(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := seedSession(t, s)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendPatch(ctx, &JournalEntry{
			SessionID:   rec.ID,
			FromVersion: uint64(i),
			ToVersion:   uint64(i + 1),
			RequestID:   uuid.New().String(),
			ActionType:  "token.move",
			RequesterID: "player-1",
			Patch:       schema.Patch{{Op: schema.OpReplace, Path: "/tokens/t1/x", Value: float64(i)}},
		}))
	}

	got, err := s.GetPatches(ctx, rec.ID, 3)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(4), got[0].Sequence)
	assert.Equal(t, int64(5), got[1].Sequence)
	assert.Equal(t, "token.move", got[0].ActionType)
	assert.Equal(t, "player-1", got[0].RequesterID)
	assert.Equal(t, uint64(4), got[1].FromVersion)
	assert.Equal(t, uint64(5), got[1].ToVersion)
}

// --- Approval tests ---

func TestApprovalLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s)

	reqID := uuid.New().String()
	expires := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	rec := &ApprovalRecord{
		RequestID:     reqID,
		SessionID:     sess.ID,
		RequesterID:   "player-1",
		ActionType:    "attribute.set",
		Message:       "player-1 wants to set strength to 18",
		SourceVersion: 5,
		Request:       json.RawMessage(`{"id":"` + reqID + `","action_type":"attribute.set"}`),
		Snapshot:      json.RawMessage(`{"participants":{"gm-1":{"role":"gm"}}}`),
		ExpiresAt:     &expires,
	}
	require.NoError(t, s.CreateApproval(ctx, rec))

	got, err := s.GetApproval(ctx, reqID)
	require.NoError(t, err)
	assert.Equal(t, ApprovalStatusPending, got.Status)
	assert.Equal(t, uint64(5), got.SourceVersion)
	assert.JSONEq(t, string(rec.Request), string(got.Request))
	assert.JSONEq(t, string(rec.Snapshot), string(got.Snapshot))
	require.NotNil(t, got.ExpiresAt)

	require.NoError(t, s.ResolveApproval(ctx, reqID, ApprovalStatusApproved, "gm-1"))

	got, err = s.GetApproval(ctx, reqID)
	require.NoError(t, err)
	assert.Equal(t, ApprovalStatusApproved, got.Status)
	assert.Equal(t, "gm-1", got.ResolvedBy)
	require.NotNil(t, got.ResolvedAt)
}

func TestResolveApproval_OnlyPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s)

	reqID := uuid.New().String()
	require.NoError(t, s.CreateApproval(ctx, &ApprovalRecord{
		RequestID: reqID, SessionID: sess.ID, RequesterID: "player-1",
		ActionType: "attribute.set", Request: json.RawMessage(`{}`),
	}))
	require.NoError(t, s.ResolveApproval(ctx, reqID, ApprovalStatusDenied, "gm-1"))

	err := s.ResolveApproval(ctx, reqID, ApprovalStatusApproved, "gm-1")
	require.Error(t, err, "resolving twice must fail")
}

func TestListApprovals_ExpiresBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s)

	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, s.CreateApproval(ctx, &ApprovalRecord{
		RequestID: "expired-req", SessionID: sess.ID, RequesterID: "p1",
		ActionType: "a", Request: json.RawMessage(`{}`), ExpiresAt: &past,
	}))
	require.NoError(t, s.CreateApproval(ctx, &ApprovalRecord{
		RequestID: "live-req", SessionID: sess.ID, RequesterID: "p1",
		ActionType: "a", Request: json.RawMessage(`{}`), ExpiresAt: &future,
	}))
	require.NoError(t, s.CreateApproval(ctx, &ApprovalRecord{
		RequestID: "no-expiry-req", SessionID: sess.ID, RequesterID: "p1",
		ActionType: "a", Request: json.RawMessage(`{}`),
	}))

	now := time.Now().UTC()
	got, err := s.ListApprovals(ctx, ApprovalFilter{Status: ApprovalStatusPending, ExpiresBefore: &now})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "expired-req", got[0].RequestID)
}

// --- Extension tests ---

func TestPutAndListExtensions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &ExtensionRecord{
		OriginID: "ext.spells",
		Name:     "Spellbook",
		Version:  "1.0.0",
		Manifest: json.RawMessage(`{"origin_id":"ext.spells","handlers":[]}`),
		Enabled:  true,
	}
	require.NoError(t, s.PutExtension(ctx, rec))

	got, err := s.GetExtension(ctx, "ext.spells")
	require.NoError(t, err)
	assert.Equal(t, "Spellbook", got.Name)
	assert.True(t, got.Enabled)

	rec.Version = "1.1.0"
	require.NoError(t, s.PutExtension(ctx, rec), "put is an upsert")

	all, err := s.ListExtensions(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "1.1.0", all[0].Version)

	require.NoError(t, s.DeleteExtension(ctx, "ext.spells"))
	_, err = s.GetExtension(ctx, "ext.spells")
	require.Error(t, err)
}
