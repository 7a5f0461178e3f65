// Package agentproto implements the agent-side WebSocket endpoint: admits
// an authenticated agent connection, decodes its NDJSON frames, and feeds
// them to the session's relay.
package agentproto

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/relaylabs/session-relay/internal/relay"
	"github.com/relaylabs/session-relay/internal/store"
)

const (
	closeAuthMissing = websocket.StatusCode(4001)
	closeAuthInvalid = websocket.StatusCode(4003)
	closeSessionGone = websocket.StatusCode(4004)
)

// Handler serves GET /ws/relay/{sessionID}.
type Handler struct {
	Registry     *relay.RelayRegistry
	SessionStore store.SessionStore
}

// NewHandler constructs an agentproto Handler.
func NewHandler(registry *relay.RelayRegistry, sessionStore store.SessionStore) *Handler {
	return &Handler{Registry: registry, SessionStore: sessionStore}
}

// ServeHTTP implements http.Handler, admitting the agent socket and running
// its read loop until it closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	token := bearerToken(r.Header.Get("Authorization"))

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		slog.Error("agent websocket accept failed", "session_id", sessionID, "error", err)
		return
	}

	ctx := r.Context()

	if token == "" {
		slog.Warn("agent connection missing bearer token", "session_id", sessionID)
		_ = conn.Close(closeAuthMissing, "authentication required")
		return
	}

	session, err := h.SessionStore.ValidateAccessToken(ctx, sessionID, token)
	if err != nil {
		slog.Warn("access token validation failed", "session_id", sessionID, "error", err)
		_ = conn.Close(closeAuthInvalid, "authentication failed")
		return
	}
	if session == nil {
		// Same close code whether the session is unknown or the token
		// mismatched: do not disclose which condition failed.
		slog.Warn("agent access token rejected", "session_id", sessionID)
		_ = conn.Close(closeAuthInvalid, "authentication failed")
		return
	}

	sessionRelay, ok := h.Registry.Get(sessionID)
	if !ok {
		slog.Warn("agent connected to unknown relay", "session_id", sessionID)
		_ = conn.Close(closeSessionGone, "session not found")
		return
	}

	agentConn := &wsAgentConn{conn: conn}
	sessionRelay.AttachAgent(ctx, agentConn)
	defer sessionRelay.HandleAgentClose(ctx, agentConn)

	h.readLoop(ctx, conn, sessionRelay)
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, sessionRelay *relay.SessionRelay) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 {
				slog.Debug("agent websocket read error", "session_id", sessionRelay.SessionID(), "error", err)
			}
			return
		}

		for _, frame := range decodeFrames(data) {
			sessionRelay.OnAgentFrame(ctx, frame)
		}
	}
}

// decodeFrames splits a single WebSocket message into the sequence of
// top-level JSON objects it contains, using a streaming decoder rather than
// a naive split on '\n', so it stays correct even when a frame's JSON
// string fields contain embedded newlines. A frame that fails to parse is
// dropped, and decoding resumes at the next newline rather than abandoning
// the rest of the message, so one malformed frame never drops the
// well-formed frames after it.
func decodeFrames(data []byte) []json.RawMessage {
	var frames []json.RawMessage
	remaining := data
	for len(bytes.TrimSpace(remaining)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(remaining))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			slog.Debug("dropping malformed agent frame", "error", err)
			nl := bytes.IndexByte(remaining, '\n')
			if nl < 0 {
				break
			}
			remaining = remaining[nl+1:]
			continue
		}
		frames = append(frames, raw)
		remaining = remaining[dec.InputOffset():]
	}
	return frames
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimPrefix(header, prefix)
}

// wsAgentConn adapts a coder/websocket connection to relay.AgentConn,
// serializing writes since a single Conn must not see interleaved frames
// from concurrent writers (the keep-alive ticker and browser-driven sends).
type wsAgentConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (a *wsAgentConn) WriteFrame(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn.Write(context.Background(), websocket.MessageText, data)
}

func (a *wsAgentConn) Close(reason string) error {
	return a.conn.Close(websocket.StatusNormalClosure, reason)
}
