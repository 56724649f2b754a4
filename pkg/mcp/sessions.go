package mcp

import "sync"

// SessionRegistry maps participant IDs to MCP session IDs.
// Populated automatically when participants call any tool that carries
// their identity.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // participantID -> sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates a participant ID with a session ID.
// If the participant already has a session, it is overwritten (reconnect).
func (r *SessionRegistry) Register(participantID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[participantID] = sessionID
}

// SessionFor returns the session ID for the given participant, if connected.
func (r *SessionRegistry) SessionFor(participantID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[participantID]
	return sid, ok
}

// All returns the distinct connected session IDs.
func (r *SessionRegistry) All() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{}, len(r.sessions))
	out := make([]string, 0, len(r.sessions))
	for _, sid := range r.sessions {
		if _, dup := seen[sid]; dup {
			continue
		}
		seen[sid] = struct{}{}
		out = append(out, sid)
	}
	return out
}

// Remove deletes all participant mappings for the given session ID.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for pid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, pid)
		}
	}
}
