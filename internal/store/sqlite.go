package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/relaylabs/session-relay/internal/domain"
	"github.com/relaylabs/session-relay/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	sessionMu sync.Mutex // serializes session writes to avoid SQLITE_BUSY under WAL
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string, maxOpenConns, maxIdleConns int, connMaxLifetime time.Duration) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL,
		access_token TEXT NOT NULL,
		initial_prompt TEXT,
		worker_context TEXT,
		capabilities_json TEXT,
		result_stats_json TEXT,
		error TEXT,
		created_at INTEGER NOT NULL,
		last_activity_at INTEGER NOT NULL,
		stopped_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		content TEXT NOT NULL,
		metadata_json TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// Create provisions a new session record.
func (s *SQLiteStore) Create(ctx context.Context, session *domain.Session) error {
	return s.withRetry(ctx, func() error { return s.createOnce(ctx, session) })
}

func (s *SQLiteStore) createOnce(ctx context.Context, session *domain.Session) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	query := `
	INSERT INTO sessions (
		session_id, user_id, status, access_token, initial_prompt,
		worker_context, created_at, last_activity_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		session.SessionID, session.UserID, string(session.Status), session.AccessToken,
		session.InitialPrompt, session.WorkerContext,
		session.CreatedAt.Unix(), session.LastActivityAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// Get retrieves a session by ID.
func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `
		SELECT session_id, user_id, status, access_token, initial_prompt,
		       worker_context, capabilities_json, result_stats_json, error,
		       created_at, last_activity_at, stopped_at
		FROM sessions WHERE session_id = ?`

	row := s.db.QueryRowContext(ctx, query, sessionID)

	var sess domain.Session
	var status string
	var initialPrompt, workerContext, capabilitiesJSON, resultStatsJSON, errText sql.NullString
	var createdAt, lastActivityAt int64
	var stoppedAt sql.NullInt64

	err := row.Scan(
		&sess.SessionID, &sess.UserID, &status, &sess.AccessToken,
		&initialPrompt, &workerContext, &capabilitiesJSON, &resultStatsJSON, &errText,
		&createdAt, &lastActivityAt, &stoppedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	sess.Status = domain.SessionStatus(status)
	sess.InitialPrompt = initialPrompt.String
	sess.WorkerContext = workerContext.String
	sess.Error = errText.String
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.LastActivityAt = time.Unix(lastActivityAt, 0)
	if stoppedAt.Valid {
		t := time.Unix(stoppedAt.Int64, 0)
		sess.StoppedAt = &t
	}
	if capabilitiesJSON.Valid && capabilitiesJSON.String != "" {
		var caps domain.Capabilities
		if jsonErr := json.Unmarshal([]byte(capabilitiesJSON.String), &caps); jsonErr == nil {
			sess.Capabilities = &caps
		}
	}
	if resultStatsJSON.Valid && resultStatsJSON.String != "" {
		var stats domain.ResultStats
		if jsonErr := json.Unmarshal([]byte(resultStatsJSON.String), &stats); jsonErr == nil {
			sess.ResultStats = &stats
		}
	}

	return &sess, nil
}

// ValidateAccessToken compares the supplied token against the stored token
// in constant time, without distinguishing not-found from mismatch.
func (s *SQLiteStore) ValidateAccessToken(ctx context.Context, sessionID, token string) (*domain.Session, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, nil
	}
	if !constantTimeEqual(session.AccessToken, token) {
		return nil, nil
	}
	return session, nil
}

// UpdateStatus transitions a session's status, retrying on SQLITE_BUSY with
// exponential backoff.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, sessionID string, status domain.SessionStatus, extras SessionStatusExtras) error {
	return s.withRetry(ctx, func() error { return s.updateStatusOnce(ctx, sessionID, status, extras) })
}

func (s *SQLiteStore) updateStatusOnce(ctx context.Context, sessionID string, status domain.SessionStatus, extras SessionStatusExtras) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	var capabilitiesJSON, resultStatsJSON interface{}
	if extras.Capabilities != nil {
		data, err := json.Marshal(extras.Capabilities)
		if err != nil {
			return fmt.Errorf("marshal capabilities: %w", err)
		}
		capabilitiesJSON = string(data)
	}
	if extras.ResultStats != nil {
		data, err := json.Marshal(extras.ResultStats)
		if err != nil {
			return fmt.Errorf("marshal result stats: %w", err)
		}
		resultStatsJSON = string(data)
	}

	var stoppedAt interface{}
	if status == domain.SessionStopped || status == domain.SessionErrored {
		stoppedAt = time.Now().Unix()
	}

	query := `
	UPDATE sessions SET
		status = ?,
		capabilities_json = COALESCE(?, capabilities_json),
		result_stats_json = COALESCE(?, result_stats_json),
		error = COALESCE(NULLIF(?, ''), error),
		last_activity_at = ?,
		stopped_at = COALESCE(?, stopped_at)
	WHERE session_id = ?`

	result, err := s.db.ExecContext(ctx, query,
		string(status), capabilitiesJSON, resultStatsJSON, extras.Error,
		time.Now().Unix(), stoppedAt, sessionID,
	)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateStatus affected 0 rows", "session_id", sessionID)
	}
	return nil
}

// RecordActivity bumps last_activity_at.
func (s *SQLiteStore) RecordActivity(ctx context.Context, sessionID string) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity_at = ? WHERE session_id = ?`,
		time.Now().Unix(), sessionID)
	if err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	return nil
}

// Store persists a single message row.
// Implements retry logic with exponential backoff to handle SQLITE_BUSY errors.
func (s *SQLiteStore) Store(ctx context.Context, msg *domain.Message) error {
	return s.withRetry(ctx, func() error { return s.storeOnce(ctx, msg) })
}

func (s *SQLiteStore) storeOnce(ctx context.Context, msg *domain.Message) error {
	var metadataJSON interface{}
	if len(msg.Metadata) > 0 {
		data, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("marshal message metadata: %w", err)
		}
		metadataJSON = string(data)
	}

	query := `
	INSERT INTO messages (session_id, kind, content, metadata_json, created_at)
	VALUES (?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		msg.SessionID, string(msg.Kind), msg.Content, metadataJSON, msg.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	return nil
}

// withRetry retries fn with exponential backoff while the error looks like
// a SQLite busy/lock condition.
func (s *SQLiteStore) withRetry(ctx context.Context, fn func() error) error {
	maxRetries := 3
	baseDelay := 50 * time.Millisecond

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i == maxRetries-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i) // 50ms, then 100ms
		slog.Debug("store operation failed with SQLITE_BUSY, retrying", "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", maxRetries, lastErr)
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	ok := true
	for i := 0; i < len(a); i++ {
		if a[i] != b[i] {
			ok = false
		}
	}
	return ok
}
