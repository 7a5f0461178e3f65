// Package relay implements the session relay core: the in-memory
// multiplexer that pairs one agent WebSocket with many browser WebSockets
// per session, with bounded replay, ownership checks, and a startup state
// machine.
package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// BufferEntry is a single buffered outbound event. EnvelopeType is the
// envelope's "type" field, kept alongside the payload so a replay can
// reconstruct the full envelope later.
type BufferEntry struct {
	ID           string
	MonotonicSeq uint64
	EpochMillis  int64
	EnvelopeType string
	Payload      any
}

// MessageBuffer is a fixed-capacity ring buffer of recent outbound events
// for one relay, keyed by a process-unique opaque id. It never fails: an
// oversized payload is still pushed, and callers are responsible for
// payload sanity.
type MessageBuffer struct {
	mu       sync.Mutex
	entries  []BufferEntry
	capacity int
	write    int
	count    int
	seq      uint64
}

// NewMessageBuffer creates a buffer with the given fixed capacity.
func NewMessageBuffer(capacity int) *MessageBuffer {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MessageBuffer{
		entries:  make([]BufferEntry, capacity),
		capacity: capacity,
	}
}

// Push appends an entry, evicting the oldest if the buffer is at capacity,
// and returns the new entry's id.
func (b *MessageBuffer) Push(envelopeType string, payload any) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	b.entries[b.write] = BufferEntry{
		ID:           id,
		MonotonicSeq: b.seq,
		EpochMillis:  time.Now().UnixMilli(),
		EnvelopeType: envelopeType,
		Payload:      payload,
	}
	b.seq++
	b.write = (b.write + 1) % b.capacity
	if b.count < b.capacity {
		b.count++
	}
	return id
}

// GetAfter returns every entry strictly after the one with the given id, in
// append order. If id is not present (never pushed, or evicted), it returns
// an empty slice.
func (b *MessageBuffer) GetAfter(id string) []BufferEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	ordered := b.orderedLocked()
	for i, e := range ordered {
		if e.ID == id {
			out := make([]BufferEntry, len(ordered)-i-1)
			copy(out, ordered[i+1:])
			return out
		}
	}
	return nil
}

// GetAll returns every live entry in append order.
func (b *MessageBuffer) GetAll() []BufferEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.orderedLocked()
}

// Size returns the current number of live entries.
func (b *MessageBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// orderedLocked returns the live entries oldest-first. Caller must hold mu.
func (b *MessageBuffer) orderedLocked() []BufferEntry {
	if b.count == 0 {
		return nil
	}
	out := make([]BufferEntry, b.count)
	if b.count < b.capacity {
		copy(out, b.entries[:b.count])
		return out
	}
	// Full ring: oldest entry is at the current write cursor.
	n := copy(out, b.entries[b.write:])
	copy(out[n:], b.entries[:b.write])
	return out
}
