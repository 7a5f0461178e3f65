package relay

import (
	"sync"
	"time"
)

// ConnectionTimeout is a named set of pending one-shot timers keyed by
// sessionID, used to bound the launching+connecting phases before an
// agent's first connection clears the timer.
type ConnectionTimeout struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewConnectionTimeout constructs an empty ConnectionTimeout set.
func NewConnectionTimeout() *ConnectionTimeout {
	return &ConnectionTimeout{timers: make(map[string]*time.Timer)}
}

// Set arms a timer for sessionID, cancelling any prior one first. onExpire
// runs in its own goroutine if the timer fires without being cleared.
func (c *ConnectionTimeout) Set(sessionID string, d time.Duration, onExpire func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.timers[sessionID]; ok {
		t.Stop()
	}
	c.timers[sessionID] = time.AfterFunc(d, func() {
		c.mu.Lock()
		delete(c.timers, sessionID)
		c.mu.Unlock()
		onExpire()
	})
}

// Clear cancels the timer for sessionID, if any.
func (c *ConnectionTimeout) Clear(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[sessionID]; ok {
		t.Stop()
		delete(c.timers, sessionID)
	}
}

// Has reports whether a timer is currently armed for sessionID.
func (c *ConnectionTimeout) Has(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.timers[sessionID]
	return ok
}
