package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/relaylabs/session-relay/internal/domain"
	"github.com/relaylabs/session-relay/internal/store"
)

// fakeAgentConn records every frame written to it and can be closed exactly
// once, like a real WebSocket.
type fakeAgentConn struct {
	mu     sync.Mutex
	frames []any
	closed bool
	reason string
}

func (c *fakeAgentConn) WriteFrame(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, v)
	return nil
}

func (c *fakeAgentConn) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.reason = reason
	return nil
}

func (c *fakeAgentConn) snapshot() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.frames))
	copy(out, c.frames)
	return out
}

// fakeBrowserConn records every envelope written to it.
type fakeBrowserConn struct {
	mu         sync.Mutex
	envs       []Envelope
	closed     bool
	closeCode  int
	closeCount int
}

func (c *fakeBrowserConn) WriteEnvelope(env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	return nil
}

func (c *fakeBrowserConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeCode = code
	c.closeCount++
	return nil
}

func (c *fakeBrowserConn) snapshot() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Envelope, len(c.envs))
	copy(out, c.envs)
	return out
}

// fakeStore is an in-memory SessionStore+MessageStore for tests.
type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
	messages []*domain.Message
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[string]*domain.Session)}
}

func (s *fakeStore) Create(_ context.Context, sess *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.SessionID] = &cp
	return nil
}

func (s *fakeStore) Get(_ context.Context, sessionID string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[sessionID], nil
}

func (s *fakeStore) ValidateAccessToken(_ context.Context, sessionID, token string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.AccessToken != token {
		return nil, nil
	}
	return sess, nil
}

func (s *fakeStore) UpdateStatus(_ context.Context, sessionID string, status domain.SessionStatus, extras store.SessionStatusExtras) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	sess.Status = status
	if extras.Capabilities != nil {
		sess.Capabilities = extras.Capabilities
	}
	if extras.ResultStats != nil {
		sess.ResultStats = extras.ResultStats
	}
	if extras.Error != "" {
		sess.Error = extras.Error
	}
	return nil
}

func (s *fakeStore) RecordActivity(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		sess.LastActivityAt = time.Now()
	}
	return nil
}

func (s *fakeStore) Ping(context.Context) error { return nil }
func (s *fakeStore) Close() error               { return nil }

func (s *fakeStore) Store(_ context.Context, msg *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return nil
}

func newTestRelay(t *testing.T, initialPrompt string) (*SessionRelay, *fakeStore) {
	t.Helper()
	fs := newFakeStore()
	_ = fs.Create(context.Background(), &domain.Session{SessionID: "s1", UserID: "user-a", Status: domain.SessionStarting})
	deps := Deps{SessionStore: fs, MessageStore: fs, KeepAliveInterval: time.Hour, PendingPermissionCap: 16}
	r := New("s1", "user-a", 1000, deps, initialPrompt, "")
	return r, fs
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

// TestStartupHappyPath drives a session from launch through ready, checking
// the browser sees each startup phase plus the delivered initial prompt.
func TestStartupHappyPath(t *testing.T) {
	r, fs := newTestRelay(t, "hello")

	browser := &fakeBrowserConn{}
	r.AttachBrowser(browser, "")

	snapEnvs := browser.snapshot()
	if len(snapEnvs) != 1 || snapEnvs[0].Type != "session_status" {
		t.Fatalf("expected single session_status snapshot on attach, got %+v", snapEnvs)
	}

	agent := &fakeAgentConn{}
	r.AttachAgent(context.Background(), agent)

	frames := agent.snapshot()
	if len(frames) != 1 {
		t.Fatalf("expected agent to receive the initial prompt frame, got %d frames", len(frames))
	}

	r.OnAgentFrame(context.Background(), raw(t, map[string]any{
		"type":  "system",
		"subtype": "init",
		"model": "m",
		"tools": []string{"t1"},
		"cwd":   "/hq",
	}))

	envs := browser.snapshot()
	var sawInitializing, sawReady, sawUserMessage bool
	for _, e := range envs {
		if e.Type == "session_status" {
			payload, _ := e.Payload.(map[string]any)
			if payload["startupPhase"] == "initializing" {
				sawInitializing = true
			}
			if payload["startupPhase"] == "ready" {
				sawReady = true
				caps, ok := payload["capabilities"].(*domain.Capabilities)
				if !ok || caps.Model != "m" || len(caps.Tools) != 1 || caps.Tools[0].Name != "t1" {
					t.Fatalf("ready status missing expected capabilities: %+v", payload["capabilities"])
				}
			}
		}
		if e.Type == "session_message" {
			payload, _ := e.Payload.(map[string]any)
			if payload["messageType"] == "user" && payload["content"] == "hello" {
				sawUserMessage = true
			}
		}
	}
	if !sawInitializing {
		t.Error("browser never saw startupPhase=initializing")
	}
	if !sawReady {
		t.Error("browser never saw startupPhase=ready with capabilities")
	}
	if !sawUserMessage {
		t.Error("browser never saw the initial prompt as a session_message")
	}

	sess, _ := fs.Get(context.Background(), "s1")
	if sess.Status != domain.SessionActive {
		t.Fatalf("session status = %s, want active", sess.Status)
	}
}

// TestSystemInitIsIdempotent checks that a second system/init frame never
// overwrites capabilities or re-fires the ready broadcast.
func TestSystemInitIsIdempotent(t *testing.T) {
	r, _ := newTestRelay(t, "")
	browser := &fakeBrowserConn{}
	r.AttachBrowser(browser, "")
	agent := &fakeAgentConn{}
	r.AttachAgent(context.Background(), agent)

	init := raw(t, map[string]any{"type": "system", "subtype": "init", "model": "m1"})
	r.OnAgentFrame(context.Background(), init)
	countReady := func() int {
		n := 0
		for _, e := range browser.snapshot() {
			if e.Type == "session_status" {
				if p, ok := e.Payload.(map[string]any); ok && p["startupPhase"] == "ready" {
					n++
				}
			}
		}
		return n
	}
	firstCount := countReady()
	if firstCount != 1 {
		t.Fatalf("expected exactly one ready broadcast, got %d", firstCount)
	}

	r.OnAgentFrame(context.Background(), raw(t, map[string]any{"type": "system", "subtype": "init", "model": "m2"}))
	if countReady() != firstCount {
		t.Fatalf("second system/init produced another ready broadcast")
	}
	if r.capabilities.Model != "m1" {
		t.Fatalf("capabilities.Model = %s, want unchanged m1", r.capabilities.Model)
	}
}

// TestSystemInitConcurrentRace drives many concurrent system/init frames at
// a fresh relay and checks that only one of them wins: exactly one ready
// broadcast is produced and capabilities are never a mix of two frames.
func TestSystemInitConcurrentRace(t *testing.T) {
	r, _ := newTestRelay(t, "")
	browser := &fakeBrowserConn{}
	r.AttachBrowser(browser, "")
	agent := &fakeAgentConn{}
	r.AttachAgent(context.Background(), agent)

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		model := fmt.Sprintf("m%d", i)
		go func() {
			defer wg.Done()
			r.OnAgentFrame(context.Background(), raw(t, map[string]any{"type": "system", "subtype": "init", "model": model}))
		}()
	}
	wg.Wait()

	readyCount := 0
	for _, e := range browser.snapshot() {
		if e.Type == "session_status" {
			if p, ok := e.Payload.(map[string]any); ok && p["startupPhase"] == "ready" {
				readyCount++
			}
		}
	}
	if readyCount != 1 {
		t.Fatalf("expected exactly one ready broadcast from %d concurrent system/init frames, got %d", n, readyCount)
	}
	if r.capabilities == nil || r.capabilities.Model == "" {
		t.Fatal("capabilities never set")
	}
}

// TestPermissionRoundTrip drives a can_use_tool control request from the
// agent through to the browser's response and back to the agent.
func TestPermissionRoundTrip(t *testing.T) {
	r, _ := newTestRelay(t, "")
	agent := &fakeAgentConn{}
	r.AttachAgent(context.Background(), agent)
	browser := &fakeBrowserConn{}
	r.AttachBrowser(browser, "")

	r.OnAgentFrame(context.Background(), raw(t, map[string]any{
		"type":       "control_request",
		"request_id": "r1",
		"request": map[string]any{
			"subtype":   "can_use_tool",
			"tool_name": "Read",
			"input":     map[string]any{"path": "/a"},
		},
	}))

	var sawRequest bool
	for _, e := range browser.snapshot() {
		if e.Type == "session_permission_request" {
			p := e.Payload.(map[string]any)
			if p["requestId"] == "r1" && p["toolName"] == "Read" {
				sawRequest = true
			}
		}
	}
	if !sawRequest {
		t.Fatal("browser never saw session_permission_request")
	}

	r.OnBrowserFrame(context.Background(), browser, raw(t, map[string]any{
		"type":      "session_permission_response",
		"requestID": "r1",
		"behavior":  "allow",
	}))

	var sawResolved bool
	for _, e := range browser.snapshot() {
		if e.Type == "session_permission_resolved" {
			p := e.Payload.(map[string]any)
			if p["requestId"] == "r1" && p["behavior"] == "allow" {
				sawResolved = true
			}
		}
	}
	if !sawResolved {
		t.Fatal("browser never saw session_permission_resolved")
	}

	frames := agent.snapshot()
	var sawControlResponse bool
	for _, f := range frames {
		m, ok := f.(map[string]any)
		if ok && m["type"] == "control_response" && m["request_id"] == "r1" {
			resp := m["response"].(map[string]any)
			if resp["behavior"] == "allow" {
				sawControlResponse = true
			}
		}
	}
	if !sawControlResponse {
		t.Fatal("agent never received control_response for r1")
	}

	if _, ok := r.resolvePendingPermission("r1"); ok {
		t.Fatal("pending permission should have been removed after resolution")
	}
}

// TestReconnectReplay checks that a browser reattaching with a last-seen
// message id replays only what it missed.
func TestReconnectReplay(t *testing.T) {
	r, _ := newTestRelay(t, "")
	b1 := &fakeBrowserConn{}
	r.AttachBrowser(b1, "")

	id1 := r.broadcast("session_raw", map[string]any{"n": 1})
	id2 := r.broadcast("session_raw", map[string]any{"n": 2})
	r.broadcast("session_raw", map[string]any{"n": 3})

	r.DetachBrowser(b1)

	r.broadcast("session_raw", map[string]any{"n": 4})

	b2 := &fakeBrowserConn{}
	r.AttachBrowser(b2, id2)

	envs := b2.snapshot()
	if envs[0].Type != "session_status" {
		t.Fatalf("first envelope on reconnect must be the status snapshot, got %s", envs[0].Type)
	}
	if len(envs) != 3 {
		t.Fatalf("expected snapshot + 2 replayed entries, got %d", len(envs))
	}
	for _, e := range envs[1:] {
		p := e.Payload.(map[string]any)
		if p["_buffered"] != true {
			t.Errorf("replayed envelope missing _buffered=true: %+v", p)
		}
	}
	if envs[1].Payload.(map[string]any)["n"] != 3 {
		t.Errorf("first replayed entry = %+v, want n=3", envs[1].Payload)
	}
	if envs[2].Payload.(map[string]any)["n"] != 4 {
		t.Errorf("second replayed entry = %+v, want n=4", envs[2].Payload)
	}
	_ = id1
}

// TestReconnectReplayStructPayload checks that a replayed envelope for a
// non-map buffered payload (e.g. session_result, which buffers a
// *domain.ResultStats) has the same top-level field shape as the live
// envelope, decorated with _buffered/_messageID, rather than nesting the
// whole struct under a "value" key.
func TestReconnectReplayStructPayload(t *testing.T) {
	r, _ := newTestRelay(t, "")
	stats := &domain.ResultStats{ResultType: "success", DurationMs: 42, CostUSD: 0.5}
	id := r.broadcast("session_result", stats)

	b := &fakeBrowserConn{}
	r.AttachBrowser(b, id)
	r.broadcast("session_result", stats)

	envs := b.snapshot()
	if len(envs) != 2 {
		t.Fatalf("expected snapshot + 1 live entry, got %d", len(envs))
	}
	live := envs[1]
	if live.Type != "session_result" {
		t.Fatalf("unexpected type for live envelope: %s", live.Type)
	}

	// Replay the first (pre-attach) entry directly to inspect its shape.
	all := r.buffer.GetAll()
	if len(all) != 2 {
		t.Fatalf("expected 2 buffered entries, got %d", len(all))
	}
	replayed := replayEnvelope(all[0])
	p, ok := replayed.Payload.(map[string]any)
	if !ok {
		t.Fatalf("replayed payload is not a map: %#v", replayed.Payload)
	}
	if p["_buffered"] != true {
		t.Errorf("replayed payload missing _buffered=true: %+v", p)
	}
	if _, nested := p["value"]; nested {
		t.Errorf("replayed payload nests the struct under \"value\" instead of merging its fields: %+v", p)
	}
	if p["resultType"] != "success" {
		t.Errorf("replayed payload missing top-level resultType field: %+v", p)
	}
	if p["durationMs"] != float64(42) {
		t.Errorf("replayed payload durationMs = %v, want 42", p["durationMs"])
	}
}

// TestAgentCloseDuringStartupFails checks that losing the agent socket
// during startup fails the session instead of silently stopping it.
func TestAgentCloseDuringStartupFails(t *testing.T) {
	r, fs := newTestRelay(t, "")
	browser := &fakeBrowserConn{}
	r.AttachBrowser(browser, "")
	agent := &fakeAgentConn{}
	r.AttachAgent(context.Background(), agent)

	r.HandleAgentClose(context.Background(), agent)

	sess, _ := fs.Get(context.Background(), "s1")
	if sess.Status != domain.SessionErrored {
		t.Fatalf("session status = %s, want errored", sess.Status)
	}

	var failedCount int
	for _, e := range browser.snapshot() {
		if e.Type == "session_status" {
			if p, ok := e.Payload.(map[string]any); ok && p["startupPhase"] == "failed" {
				failedCount++
			}
		}
	}
	if failedCount != 1 {
		t.Fatalf("expected exactly one failed session_status, got %d", failedCount)
	}
}

// TestAgentCloseAfterReadyStops covers the "ready -> stopped" transition.
func TestAgentCloseAfterReadyStops(t *testing.T) {
	r, fs := newTestRelay(t, "")
	agent := &fakeAgentConn{}
	r.AttachAgent(context.Background(), agent)
	r.OnAgentFrame(context.Background(), raw(t, map[string]any{"type": "system", "subtype": "init", "model": "m"}))

	r.HandleAgentClose(context.Background(), agent)

	sess, _ := fs.Get(context.Background(), "s1")
	if sess.Status != domain.SessionStopped {
		t.Fatalf("session status = %s, want stopped", sess.Status)
	}
}

// TestToolNormalization checks both accepted shapes of the tools field
// produce identical capabilities.
func TestToolNormalization(t *testing.T) {
	strs := normalizeTools(raw(t, []string{"a", "b"}))
	objs := normalizeTools(raw(t, []map[string]string{{"name": "a"}, {"name": "b"}}))

	if len(strs) != 2 || len(objs) != 2 {
		t.Fatalf("normalizeTools produced different lengths: %d vs %d", len(strs), len(objs))
	}
	for i := range strs {
		if strs[i] != objs[i] {
			t.Errorf("normalizeTools[%d] = %+v, want %+v", i, strs[i], objs[i])
		}
	}
}

// TestOwnershipMismatchIsRejectedUpstream documents that the relay exposes
// ownerUserID so the caller (browserproto) can enforce it before ever
// calling OnBrowserFrame.
func TestOwnershipMismatchIsRejectedUpstream(t *testing.T) {
	r, _ := newTestRelay(t, "")
	if r.OwnerUserID() != "user-a" {
		t.Fatalf("OwnerUserID() = %s, want user-a", r.OwnerUserID())
	}
}

// TestShutdownNotifiesBrowsersWithoutClosingThem verifies a single
// session's Shutdown closes its agent socket and notifies browsers of a
// stopped status, but leaves the browser sockets open: a browser may be
// subscribed to other live sessions, so only process-wide shutdown may
// disconnect it.
func TestShutdownNotifiesBrowsersWithoutClosingThem(t *testing.T) {
	r, _ := newTestRelay(t, "")
	agent := &fakeAgentConn{}
	r.AttachAgent(context.Background(), agent)
	b1, b2 := &fakeBrowserConn{}, &fakeBrowserConn{}
	r.AttachBrowser(b1, "")
	r.AttachBrowser(b2, "")

	r.Shutdown("Session stopped")

	if !agent.closed {
		t.Error("agent socket not closed on shutdown")
	}
	if b1.closed || b2.closed {
		t.Error("browser sockets closed by a single session's Shutdown; they must stay open")
	}

	var sawStopped bool
	for _, e := range b1.snapshot() {
		if e.Type == "session_status" {
			if p, ok := e.Payload.(map[string]any); ok && p["status"] == "stopped" {
				sawStopped = true
			}
		}
	}
	if !sawStopped {
		t.Error("browser never received stopped session_status on shutdown")
	}
}

// TestCloseBrowsersHardClosesWithGivenCode verifies the process-wide
// shutdown path, which is the only one allowed to disconnect browsers.
func TestCloseBrowsersHardClosesWithGivenCode(t *testing.T) {
	r, _ := newTestRelay(t, "")
	b1, b2 := &fakeBrowserConn{}, &fakeBrowserConn{}
	r.AttachBrowser(b1, "")
	r.AttachBrowser(b2, "")

	r.CloseBrowsers(CloseShutdown, "server shutting down")

	if !b1.closed || !b2.closed {
		t.Fatal("CloseBrowsers did not close all attached browser sockets")
	}
	if b1.closeCode != CloseShutdown || b2.closeCode != CloseShutdown {
		t.Errorf("browser close codes = %d, %d, want %d", b1.closeCode, b2.closeCode, CloseShutdown)
	}
}
