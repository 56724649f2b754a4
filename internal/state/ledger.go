package state

import (
	"sync"
	"time"

	"github.com/rendis/tabula/pkg/schema"
)

// Ledger owns a session's state document and is its conflict resolver. The
// document is only ever replaced as a whole unit by Commit; the version
// increases by exactly 1 per committed patch.
//
// Single-writer execution is enforced by the session actor, so in practice
// conflicts arise only from approval decisions made against a snapshot that
// has since advanced.
type Ledger struct {
	mu  sync.RWMutex
	doc Document

	// now is swappable for tests.
	now func() time.Time
}

// NewLedger creates a ledger over the given document.
func NewLedger(doc Document) *Ledger {
	if doc.Payload == nil {
		doc.Payload = map[string]any{}
	}
	return &Ledger{doc: doc, now: time.Now}
}

// Version returns the current document version.
func (l *Ledger) Version() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.doc.Version
}

// Snapshot returns the current document. The payload is shared by
// reference; committed payloads are immutable so this is safe and cheap.
func (l *Ledger) Snapshot() Document {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.doc
}

// View returns a read-only view over the current payload.
func (l *Ledger) View() *View {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return NewView(l.doc.Payload)
}

// OpenDraft opens a draft against the current document.
func (l *Ledger) OpenDraft() *Draft {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return NewDraft(l.doc.Version, l.doc.Payload)
}

// Commit applies the patch if and only if sourceVersion still matches the
// current version. On success it installs the new payload, increments the
// version by 1, stamps LastModified, and returns the new version. On a
// version mismatch it returns a VERSION_CONFLICT error and performs no
// mutation; the caller re-presents the request, the ledger never retries.
func (l *Ledger) Commit(sourceVersion uint64, patch schema.Patch) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if sourceVersion != l.doc.Version {
		return 0, schema.NewVersionConflict(sourceVersion, l.doc.Version)
	}

	payload, err := Apply(l.doc.Payload, patch)
	if err != nil {
		return 0, err
	}

	l.doc = Document{
		Version:      l.doc.Version + 1,
		LastModified: l.now().UTC(),
		Payload:      payload,
	}
	return l.doc.Version, nil
}
