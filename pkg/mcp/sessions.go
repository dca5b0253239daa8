package mcp

import (
	"slices"
	"sync"
)

// SessionRegistry tracks which MCP sessions act for which user. A user may
// hold several sessions (two editor windows, say); a notification addressed
// to the user goes to all of them.
type SessionRegistry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]struct{}
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{byUser: make(map[string]map[string]struct{})}
}

// Register records that sessionID acts for userID.
func (r *SessionRegistry) Register(userID, sessionID string) {
	if userID == "" || sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.byUser[userID]
	if set == nil {
		set = make(map[string]struct{})
		r.byUser[userID] = set
	}
	set[sessionID] = struct{}{}
}

// SessionsFor returns the user's sessions in sorted order.
func (r *SessionRegistry) SessionsFor(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byUser[userID]))
	for sid := range r.byUser[userID] {
		out = append(out, sid)
	}
	slices.Sort(out)
	return out
}

// Remove forgets a closed session for every user it was registered under.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for uid, set := range r.byUser {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.byUser, uid)
		}
	}
}
