// Package store provides the durable-storage interfaces used as opaque
// external collaborators (SessionStore, MessageStore), plus a SQLite-backed
// implementation of both.
package store

import (
	"context"

	"github.com/relaylabs/session-relay/internal/domain"
)

// SessionStore is the opaque durable-session collaborator. Errors from it
// are logged by callers and never fail the relay: the relay survives store
// outages by continuing to serve live traffic.
type SessionStore interface {
	// Create provisions a new session record in "starting" status.
	Create(ctx context.Context, session *domain.Session) error

	// Get retrieves a session by ID, or (nil, nil) if it does not exist.
	Get(ctx context.Context, sessionID string) (*domain.Session, error)

	// ValidateAccessToken compares the supplied token against the session's
	// stored access token in constant time and returns the session iff it
	// matches; it returns (nil, nil) on session-not-found or token mismatch
	// without distinguishing the two to the caller.
	ValidateAccessToken(ctx context.Context, sessionID, token string) (*domain.Session, error)

	// UpdateStatus transitions a session's durable status and merges in any
	// extras (capabilities, result stats, error text).
	UpdateStatus(ctx context.Context, sessionID string, status domain.SessionStatus, extras SessionStatusExtras) error

	// RecordActivity bumps a session's last-activity timestamp.
	RecordActivity(ctx context.Context, sessionID string) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// SessionStatusExtras carries the optional fields an UpdateStatus call may
// set alongside the new status.
type SessionStatusExtras struct {
	Capabilities *domain.Capabilities
	ResultStats  *domain.ResultStats
	Error        string
}

// MessageStore is the opaque durable-message collaborator.
type MessageStore interface {
	// Store persists a single message row. Failures are logged by callers
	// and never block broadcast (persisted history may be incomplete after
	// a store outage).
	Store(ctx context.Context, msg *domain.Message) error
}

// Repository is the combined interface the relay's handlers depend on; the
// SQLite implementation satisfies both SessionStore and MessageStore.
type Repository interface {
	SessionStore
	MessageStore
}
