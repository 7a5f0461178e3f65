package relay

import "sync"

// RelayRegistry is the process-wide map of sessionID to SessionRelay.
// Ownership of relay lifetime is exclusive to the registry: nothing outside
// it constructs or discards a SessionRelay.
type RelayRegistry struct {
	mu      sync.RWMutex
	relays  map[string]*SessionRelay
	newDeps Deps
	bufCap  int
}

// NewRegistry constructs an empty registry. deps and bufferCapacity are
// applied to every relay it creates.
func NewRegistry(deps Deps, bufferCapacity int) *RelayRegistry {
	return &RelayRegistry{
		relays:  make(map[string]*SessionRelay),
		newDeps: deps,
		bufCap:  bufferCapacity,
	}
}

// GetOrCreate idempotently creates a relay for sessionID, or returns the
// existing one untouched.
func (reg *RelayRegistry) GetOrCreate(sessionID, ownerUserID, initialPrompt, workerContext string) *SessionRelay {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if r, ok := reg.relays[sessionID]; ok {
		return r
	}
	r := New(sessionID, ownerUserID, reg.bufCap, reg.newDeps, initialPrompt, workerContext)
	reg.relays[sessionID] = r
	return r
}

// Get returns the relay for sessionID, or (nil, false) if absent.
func (reg *RelayRegistry) Get(sessionID string) (*SessionRelay, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.relays[sessionID]
	return r, ok
}

// Remove shuts the relay down (if present) and erases it from the
// registry.
func (reg *RelayRegistry) Remove(sessionID, reason string) {
	reg.mu.Lock()
	r, ok := reg.relays[sessionID]
	if ok {
		delete(reg.relays, sessionID)
	}
	reg.mu.Unlock()

	if ok {
		r.Shutdown(reason)
	}
}

// All returns a snapshot of every live relay, for shutdown iteration.
func (reg *RelayRegistry) All() []*SessionRelay {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	out := make([]*SessionRelay, 0, len(reg.relays))
	for _, r := range reg.relays {
		out = append(out, r)
	}
	return out
}
