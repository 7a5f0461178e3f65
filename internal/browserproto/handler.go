// Package browserproto implements the browser-side WebSocket endpoint:
// admits an authenticated browser connection, decodes its JSON control
// frames, enforces per-frame ownership, and attaches/dispatches into the
// session's relay.
package browserproto

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/relaylabs/session-relay/internal/identity"
	"github.com/relaylabs/session-relay/internal/relay"
)

const closeAuthFailure = websocket.StatusCode(4001)

// Handler serves GET /ws?token=...&deviceID=....
type Handler struct {
	Registry     *relay.RelayRegistry
	Verifier     identity.Verifier
	PingInterval time.Duration
	PongTimeout  time.Duration
}

// NewHandler constructs a browserproto Handler.
func NewHandler(registry *relay.RelayRegistry, verifier identity.Verifier, pingInterval, pongTimeout time.Duration) *Handler {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	if pongTimeout <= 0 {
		pongTimeout = 10 * time.Second
	}
	return &Handler{Registry: registry, Verifier: verifier, PingInterval: pingInterval, PongTimeout: pongTimeout}
}

// ServeHTTP implements http.Handler, admitting the browser socket and
// running its read loop until it closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		slog.Error("browser websocket accept failed", "error", err)
		return
	}

	ctx := r.Context()

	if token == "" {
		slog.Warn("browser connection missing bearer token", "ip", identity.IPFromRequest(r))
		_ = conn.Close(closeAuthFailure, "authentication required")
		return
	}

	id, err := h.Verifier.VerifyBearer(ctx, token)
	if err != nil {
		slog.Warn("browser bearer token rejected", "error", err, "ip", identity.IPFromRequest(r))
		_ = conn.Close(closeAuthFailure, "authentication failed")
		return
	}

	bc := &wsBrowserConn{conn: conn, userID: id.UserID}
	defer bc.detachAll()

	stop := h.startPingWatchdog(ctx, bc)
	defer stop()

	_ = bc.WriteEnvelope(relay.NewEnvelope("connected", map[string]any{"userID": id.UserID}))

	h.readLoop(ctx, bc)
}

func (h *Handler) readLoop(ctx context.Context, bc *wsBrowserConn) {
	for {
		_, data, err := bc.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 {
				slog.Debug("browser websocket read error", "user_id", bc.userID, "error", err)
			}
			return
		}
		h.dispatch(ctx, bc, data)
	}
}

type browserEnvelope struct {
	Type          string `json:"type"`
	SessionID     string `json:"sessionID"`
	LastMessageID string `json:"lastMessageID"`
}

func (h *Handler) dispatch(ctx context.Context, bc *wsBrowserConn, raw []byte) {
	var env browserEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}

	switch env.Type {
	case "ping":
		_ = bc.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"pong"}`))
		return
	case "pong":
		return
	case "session_subscribe", "subscribe":
		h.handleSubscribe(bc, env)
		return
	case "unsubscribe":
		if env.SessionID != "" {
			bc.detach(env.SessionID)
		}
		return
	}

	sessionID := env.SessionID
	if sessionID == "" {
		sessionID = bc.soleSession()
	}
	if sessionID == "" {
		return
	}

	r, ok := h.Registry.Get(sessionID)
	if !ok {
		return
	}
	if r.OwnerUserID() != bc.userID {
		slog.Warn("browser frame rejected: ownership mismatch", "session_id", sessionID, "caller", bc.userID, "owner", r.OwnerUserID())
		return
	}
	r.OnBrowserFrame(ctx, bc, raw)
}

func (h *Handler) handleSubscribe(bc *wsBrowserConn, env browserEnvelope) {
	if env.SessionID == "" {
		return
	}
	r, ok := h.Registry.Get(env.SessionID)
	if !ok {
		_ = bc.WriteEnvelope(relay.NewEnvelope("error", map[string]any{"code": "SESSION_NOT_FOUND", "sessionID": env.SessionID}))
		return
	}
	if r.OwnerUserID() != bc.userID {
		// Ownership violation on subscribe is ignored silently: no further
		// events are sent for this session, but the connection stays alive.
		slog.Warn("browser subscribe rejected: ownership mismatch", "session_id", env.SessionID, "caller", bc.userID, "owner", r.OwnerUserID())
		return
	}

	bc.attach(env.SessionID, r)
	r.AttachBrowser(bc, env.LastMessageID)
	_ = bc.WriteEnvelope(relay.NewEnvelope("subscribed", map[string]any{"sessionID": env.SessionID}))
}

// startPingWatchdog pings the peer at PingInterval, closing the connection
// if a pong is not observed within PongTimeout.
func (h *Handler) startPingWatchdog(parent context.Context, bc *wsBrowserConn) func() {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		ticker := time.NewTicker(h.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, pingCancel := context.WithTimeout(ctx, h.PongTimeout)
				err := bc.conn.Ping(pingCtx)
				pingCancel()
				if err != nil {
					slog.Debug("browser connection missed pong, closing", "user_id", bc.userID, "error", err)
					_ = bc.conn.Close(websocket.StatusGoingAway, "ping timeout")
					return
				}
			}
		}
	}()
	return cancel
}

// wsBrowserConn adapts a coder/websocket connection to relay.BrowserConn,
// serializing writes and tracking which relays this connection is attached
// to so close can detach from all of them.
type wsBrowserConn struct {
	conn   *websocket.Conn
	userID string

	writeMu sync.Mutex

	attachMu sync.Mutex
	attached map[string]*relay.SessionRelay
}

func (c *wsBrowserConn) WriteEnvelope(env relay.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	// A write that cannot complete within this bound fails (and the library
	// closes the connection), so one slow peer cannot stall fan-out.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsBrowserConn) Close(code int, reason string) error {
	return c.conn.Close(websocket.StatusCode(code), reason)
}

func (c *wsBrowserConn) attach(sessionID string, r *relay.SessionRelay) {
	c.attachMu.Lock()
	defer c.attachMu.Unlock()
	if c.attached == nil {
		c.attached = make(map[string]*relay.SessionRelay)
	}
	c.attached[sessionID] = r
}

func (c *wsBrowserConn) detach(sessionID string) {
	c.attachMu.Lock()
	r, ok := c.attached[sessionID]
	if ok {
		delete(c.attached, sessionID)
	}
	c.attachMu.Unlock()
	if ok {
		r.DetachBrowser(c)
	}
}

func (c *wsBrowserConn) detachAll() {
	c.attachMu.Lock()
	relays := c.attached
	c.attached = nil
	c.attachMu.Unlock()
	for _, r := range relays {
		r.DetachBrowser(c)
	}
}

// soleSession returns the single session this connection is subscribed to,
// or "" if it is subscribed to zero or more than one (ambiguous; the caller
// must then ignore the frame since it carried no explicit sessionID).
func (c *wsBrowserConn) soleSession() string {
	c.attachMu.Lock()
	defer c.attachMu.Unlock()
	if len(c.attached) != 1 {
		return ""
	}
	for id := range c.attached {
		return id
	}
	return ""
}
