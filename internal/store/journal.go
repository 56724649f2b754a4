package store

import (
	"context"
	"fmt"

	"github.com/rendis/tabula/internal/state"
	"github.com/rendis/tabula/pkg/schema"
)

// Journal provides replay operations on top of the patch journal.
type Journal struct {
	store Store
}

// NewJournal wraps a Store to provide patch replay.
func NewJournal(s Store) *Journal {
	return &Journal{store: s}
}

// Append records a committed patch in the journal.
func (j *Journal) Append(ctx context.Context, entry *JournalEntry) error {
	return j.store.AppendPatch(ctx, entry)
}

// Entries returns journal entries for a session with sequence > since.
func (j *Journal) Entries(ctx context.Context, sessionID string, since int64) ([]*JournalEntry, error) {
	return j.store.GetPatches(ctx, sessionID, since)
}

// Replay folds every journal entry on top of a base payload and returns the
// reconstructed payload and version. The base is the payload the session was
// created with at version baseVersion; entries below that version are skipped.
// Returns an error on sequence gaps or version discontinuities.
func (j *Journal) Replay(ctx context.Context, sessionID string, base map[string]any, baseVersion uint64) (map[string]any, uint64, error) {
	entries, err := j.store.GetPatches(ctx, sessionID, 0)
	if err != nil {
		return nil, 0, fmt.Errorf("get journal entries for replay: %w", err)
	}

	payload := base
	version := baseVersion

	for i, e := range entries {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, 0, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in session %s journal: expected %d, got %d", sessionID, expected, e.Sequence)
		}
		if e.ToVersion <= baseVersion {
			continue
		}
		if e.FromVersion != version || e.ToVersion != version+1 {
			return nil, 0, schema.NewErrorf(schema.ErrCodeStore,
				"version discontinuity in session %s journal: at version %d, entry covers %d..%d",
				sessionID, version, e.FromVersion, e.ToVersion)
		}
		next, err := state.Apply(payload, e.Patch)
		if err != nil {
			return nil, 0, fmt.Errorf("replay entry %d: %w", e.Sequence, err)
		}
		payload = next
		version = e.ToVersion
	}

	return payload, version, nil
}
