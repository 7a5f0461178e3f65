package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relaylabs/session-relay/internal/domain"
	"github.com/relaylabs/session-relay/internal/store"
)

// Deps bundles the opaque external collaborators a SessionRelay is wired
// against. Errors from SessionStore/MessageStore are logged and never fail
// the relay: the relay survives store outages by continuing to serve live
// traffic.
type Deps struct {
	SessionStore         store.SessionStore
	MessageStore         store.MessageStore
	Timeouts             *ConnectionTimeout
	KeepAliveInterval    time.Duration
	PendingPermissionCap int
}

// SessionRelay is the per-session multiplexer: one agent socket, N browser
// sockets, pending permission requests, startup phase, buffer, keep-alive,
// and capabilities.
type SessionRelay struct {
	sessionID   string
	ownerUserID string
	deps        Deps
	buffer      *MessageBuffer

	mu                     sync.Mutex
	agentSocket            AgentConn
	browserSockets         map[BrowserConn]struct{}
	pendingPermissions     map[string]PendingPermission
	pendingOrder           []string
	initialized            bool
	initialPromptToDeliver *string
	workerContext          string
	capabilities           *domain.Capabilities
	startupPhase           *StartupPhase
	startupPhaseStartedAt  time.Time

	keepAliveCancel context.CancelFunc
}

// New constructs a SessionRelay in the initial "launching" phase.
func New(sessionID, ownerUserID string, bufferCapacity int, deps Deps, initialPrompt, workerContext string) *SessionRelay {
	phase := PhaseLaunching
	r := &SessionRelay{
		sessionID:             sessionID,
		ownerUserID:           ownerUserID,
		deps:                  deps,
		buffer:                NewMessageBuffer(bufferCapacity),
		browserSockets:        make(map[BrowserConn]struct{}),
		pendingPermissions:    make(map[string]PendingPermission),
		workerContext:         workerContext,
		startupPhase:          &phase,
		startupPhaseStartedAt: time.Now(),
	}
	if initialPrompt != "" {
		r.initialPromptToDeliver = &initialPrompt
	}
	return r
}

// SessionID returns the relay's session identifier.
func (r *SessionRelay) SessionID() string { return r.sessionID }

// OwnerUserID returns the user the relay's session belongs to.
func (r *SessionRelay) OwnerUserID() string { return r.ownerUserID }

// AttachAgent binds an authenticated agent socket, replacing any existing
// one, starts the keep-alive ticker, clears the connection timeout, and
// moves startup phase to "initializing". If an initial prompt is pending
// delivery, it is sent to the agent before system/init can arrive (the
// initial-prompt race, see BrowserHandler design notes).
func (r *SessionRelay) AttachAgent(ctx context.Context, conn AgentConn) {
	r.mu.Lock()
	previous := r.agentSocket
	r.agentSocket = conn
	var prompt *string
	if r.initialPromptToDeliver != nil {
		prompt = r.initialPromptToDeliver
		r.initialPromptToDeliver = nil
	}
	r.mu.Unlock()

	if previous != nil && previous != conn {
		_ = previous.Close("Replaced by new connection")
	}

	if r.deps.Timeouts != nil {
		r.deps.Timeouts.Clear(r.sessionID)
	}

	r.transitionPhase(PhaseInitializing, nil)
	r.startKeepAlive(conn)

	if prompt != nil {
		r.deliverInitialPrompt(ctx, *prompt)
	}
}

func (r *SessionRelay) deliverInitialPrompt(ctx context.Context, prompt string) {
	frame := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": prompt,
		},
		"parent_tool_use_id": nil,
		"session_id":         r.sessionID,
	}
	if err := r.writeAgent(frame); err != nil {
		slog.Warn("failed to deliver initial prompt", "session_id", r.sessionID, "error", err)
	}
	r.persistMessage(ctx, domain.MessageKindUser, prompt, nil)
	r.broadcast("session_message", map[string]any{"messageType": "user", "content": prompt})
}

// AttachBrowser adds a browser socket to the relay, sends a single status
// snapshot, and, if replayAfterID is non-empty, replays buffered entries
// strictly after it. Snapshot and replay never interleave with concurrent
// live broadcasts because both run while the socket is already registered
// to receive them, but are emitted here synchronously first.
func (r *SessionRelay) AttachBrowser(conn BrowserConn, replayAfterID string) {
	r.mu.Lock()
	r.browserSockets[conn] = struct{}{}
	snapshot := r.snapshotLocked()
	var replay []BufferEntry
	if replayAfterID != "" {
		replay = r.buffer.GetAfter(replayAfterID)
	}
	r.mu.Unlock()

	_ = conn.WriteEnvelope(NewEnvelope("session_status", snapshot))
	for _, entry := range replay {
		_ = conn.WriteEnvelope(replayEnvelope(entry))
	}
}

// DetachBrowser removes a browser socket from the relay. Safe to call more
// than once for the same socket.
func (r *SessionRelay) DetachBrowser(conn BrowserConn) {
	r.mu.Lock()
	delete(r.browserSockets, conn)
	r.mu.Unlock()
}

type statusSnapshot struct {
	Status             string               `json:"status"`
	StartupPhase       string               `json:"startupPhase,omitempty"`
	Initialized        bool                 `json:"initialized"`
	Capabilities       *domain.Capabilities `json:"capabilities,omitempty"`
	PendingPermissions []PendingPermission  `json:"pendingPermissions"`
	Error              string               `json:"error,omitempty"`
}

func (r *SessionRelay) snapshotLocked() statusSnapshot {
	pending := make([]PendingPermission, 0, len(r.pendingPermissions))
	for _, id := range r.pendingOrder {
		if p, ok := r.pendingPermissions[id]; ok {
			pending = append(pending, p)
		}
	}
	snap := statusSnapshot{
		Status:             sessionStatusFor(r.startupPhase, r.agentSocket != nil),
		Initialized:        r.initialized,
		Capabilities:       r.capabilities,
		PendingPermissions: pending,
	}
	if r.startupPhase != nil {
		snap.StartupPhase = string(*r.startupPhase)
	}
	return snap
}

// BroadcastStartupPhase sets the current phase, buffers the resulting
// status message, and sends it to all browsers. extras may carry fields
// like "error" or "capabilities" to merge into the snapshot.
func (r *SessionRelay) BroadcastStartupPhase(phase StartupPhase, extras map[string]any) {
	r.transitionPhase(phase, extras)
}

func (r *SessionRelay) transitionPhase(phase StartupPhase, extras map[string]any) {
	r.mu.Lock()
	r.startupPhase = &phase
	r.startupPhaseStartedAt = time.Now()
	snap := r.snapshotLocked()
	r.mu.Unlock()

	payload := map[string]any{
		"status":             snap.Status,
		"startupPhase":       snap.StartupPhase,
		"startupTimestamp":   r.startupPhaseStartedAt.UTC().Format(time.RFC3339Nano),
		"initialized":        snap.Initialized,
		"pendingPermissions": snap.PendingPermissions,
	}
	if snap.Capabilities != nil {
		payload["capabilities"] = snap.Capabilities
	}
	for k, v := range extras {
		payload[k] = v
	}

	r.broadcast("session_status", payload)
}

// clearPhase transitions the relay out of the startup state machine
// entirely: the session is fully active and startupPhase becomes nil.
func (r *SessionRelay) clearPhase() {
	r.mu.Lock()
	r.startupPhase = nil
	r.startupPhaseStartedAt = time.Now()
	r.mu.Unlock()
}

// broadcast pushes payload onto the message buffer under the given envelope
// type, then fans it out to every attached browser socket. A peer whose
// write fails (a dead peer, or a slow one whose write exceeds the
// connection's write bound) is closed and dropped rather than blocking the
// others indefinitely.
func (r *SessionRelay) broadcast(envelopeType string, payload any) string {
	id := r.buffer.Push(envelopeType, payload)
	env := Envelope{Type: envelopeType, Payload: payload, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)}

	r.mu.Lock()
	peers := make([]BrowserConn, 0, len(r.browserSockets))
	for c := range r.browserSockets {
		peers = append(peers, c)
	}
	r.mu.Unlock()

	for _, c := range peers {
		if err := c.WriteEnvelope(env); err != nil {
			slog.Debug("dropping slow/dead browser socket", "session_id", r.sessionID, "error", err)
			_ = c.Close(CloseNormal, "write failed")
			r.DetachBrowser(c)
		}
	}
	return id
}

// writeAgent sends a frame to the attached agent socket, if any.
func (r *SessionRelay) writeAgent(frame any) error {
	r.mu.Lock()
	conn := r.agentSocket
	r.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("relay %s: no agent socket attached", r.sessionID)
	}
	if err := conn.WriteFrame(frame); err != nil {
		_ = conn.Close("write failed")
		return err
	}
	return nil
}

// persistMessage stores a message via MessageStore, logging and swallowing
// any failure per the error-handling policy for store writes.
func (r *SessionRelay) persistMessage(ctx context.Context, kind domain.MessageKind, content string, metadata map[string]any) {
	if r.deps.MessageStore == nil {
		return
	}
	msg := &domain.Message{
		SessionID: r.sessionID,
		Kind:      kind,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}
	if err := r.deps.MessageStore.Store(ctx, msg); err != nil {
		slog.Warn("failed to persist message", "session_id", r.sessionID, "kind", kind, "error", err)
	}
}

// updateSessionStatus updates external session status, logging and
// swallowing any failure.
func (r *SessionRelay) updateSessionStatus(ctx context.Context, status domain.SessionStatus, extras store.SessionStatusExtras) {
	if r.deps.SessionStore == nil {
		return
	}
	if err := r.deps.SessionStore.UpdateStatus(ctx, r.sessionID, status, extras); err != nil {
		slog.Warn("failed to update session status", "session_id", r.sessionID, "status", status, "error", err)
	}
}

func (r *SessionRelay) recordActivity(ctx context.Context) {
	if r.deps.SessionStore == nil {
		return
	}
	if err := r.deps.SessionStore.RecordActivity(ctx, r.sessionID); err != nil {
		slog.Debug("failed to record activity", "session_id", r.sessionID, "error", err)
	}
}

// startKeepAlive launches a ticker that sends {"type":"keep_alive"} to the
// agent socket every KeepAliveInterval, stopping when the socket's attach
// generation ends.
func (r *SessionRelay) startKeepAlive(conn AgentConn) {
	interval := r.deps.KeepAliveInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	if r.keepAliveCancel != nil {
		r.keepAliveCancel()
	}
	r.keepAliveCancel = cancel
	r.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteFrame(map[string]string{"type": "keep_alive"}); err != nil {
					slog.Debug("keep-alive write failed, closing agent socket", "session_id", r.sessionID, "error", err)
					_ = conn.Close("keep-alive write failed")
					return
				}
			}
		}
	}()
}

func (r *SessionRelay) stopKeepAlive() {
	r.mu.Lock()
	cancel := r.keepAliveCancel
	r.keepAliveCancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// HandleAgentClose runs when the agent socket closes for any reason. Per
// the startup state machine, a close during launching/connecting/
// initializing fails the session; a close after ready stops it normally.
func (r *SessionRelay) HandleAgentClose(ctx context.Context, conn AgentConn) {
	r.mu.Lock()
	if r.agentSocket != conn {
		r.mu.Unlock()
		return
	}
	r.agentSocket = nil
	phase := r.startupPhase
	r.mu.Unlock()

	r.stopKeepAlive()

	if phase != nil && (*phase == PhaseLaunching || *phase == PhaseConnecting || *phase == PhaseInitializing) {
		r.updateSessionStatus(ctx, domain.SessionErrored, store.SessionStatusExtras{Error: "Container disconnected during startup"})
		r.transitionPhase(PhaseFailed, map[string]any{"error": "Container disconnected during startup"})
		return
	}

	r.updateSessionStatus(ctx, domain.SessionStopped, store.SessionStatusExtras{})
	r.broadcast("session_status", map[string]any{"status": "stopped"})
}

// Shutdown stops keep-alive, closes the agent socket with a normal close,
// and notifies all browsers of a stopped status, then leaves the relay
// ready for removal from the registry. It does not disconnect browser
// sockets: a browser may be subscribed to other live sessions, so only the
// agent side of this one session is torn down here. It completes in
// bounded time regardless of peer cooperation: closes are best-effort and
// never block on peer I/O.
func (r *SessionRelay) Shutdown(reason string) {
	r.stopKeepAlive()

	r.mu.Lock()
	agent := r.agentSocket
	r.agentSocket = nil
	r.mu.Unlock()

	if agent != nil {
		_ = agent.Close(reason)
	}

	r.broadcast("session_status", map[string]any{"status": "stopped"})
}

// CloseBrowsers hard-closes every browser socket currently attached to this
// relay with the given WS close code and reason. Used only by process-wide
// shutdown, which closes every peer regardless of cooperation; a single
// session's stop or removal must go through Shutdown instead, which never
// disconnects browsers.
func (r *SessionRelay) CloseBrowsers(code int, reason string) {
	r.mu.Lock()
	peers := make([]BrowserConn, 0, len(r.browserSockets))
	for c := range r.browserSockets {
		peers = append(peers, c)
	}
	r.mu.Unlock()

	for _, c := range peers {
		_ = c.Close(code, reason)
	}
}
