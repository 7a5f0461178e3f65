package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/relaylabs/session-relay/internal/domain"
	"github.com/relaylabs/session-relay/internal/orchestrator"
	"github.com/relaylabs/session-relay/internal/relay"
	"github.com/relaylabs/session-relay/internal/store"
)

type fakeRepo struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{sessions: make(map[string]*domain.Session)}
}

func (s *fakeRepo) Create(_ context.Context, sess *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.SessionID] = &cp
	return nil
}

func (s *fakeRepo) Get(_ context.Context, sessionID string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[sessionID], nil
}

func (s *fakeRepo) ValidateAccessToken(_ context.Context, sessionID, token string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.AccessToken != token {
		return nil, nil
	}
	return sess, nil
}

func (s *fakeRepo) UpdateStatus(_ context.Context, sessionID string, status domain.SessionStatus, extras store.SessionStatusExtras) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	sess.Status = status
	if extras.Error != "" {
		sess.Error = extras.Error
	}
	return nil
}

func (s *fakeRepo) RecordActivity(context.Context, string) error { return nil }
func (s *fakeRepo) Ping(context.Context) error                   { return nil }
func (s *fakeRepo) Close() error                                 { return nil }
func (s *fakeRepo) Store(context.Context, *domain.Message) error { return nil }

func (s *fakeRepo) status(sessionID string) domain.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[sessionID].Status
}

type fakeOrchestrator struct {
	mu          sync.Mutex
	launchErr   error
	stopErr     error
	launched    []string
	stopped     []orchestrator.TaskRef
}

func (o *fakeOrchestrator) Launch(_ context.Context, sessionID, _, _ string, _ map[string]string) (orchestrator.TaskRef, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.launchErr != nil {
		return "", o.launchErr
	}
	o.launched = append(o.launched, sessionID)
	return orchestrator.TaskRef("task-" + sessionID), nil
}

func (o *fakeOrchestrator) Stop(_ context.Context, ref orchestrator.TaskRef) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopped = append(o.stopped, ref)
	return o.stopErr
}

func newTestHandler(orch *fakeOrchestrator) (*SessionHandler, *fakeRepo) {
	repo := newFakeRepo()
	registry := relay.NewRegistry(relay.Deps{SessionStore: repo, MessageStore: repo, PendingPermissionCap: 16}, 100)
	timeouts := relay.NewConnectionTimeout()
	h := NewSessionHandler(repo, registry, timeouts, orch, "ws://localhost:8080", 50*time.Millisecond)
	return h, repo
}

func doRequest(t *testing.T, h *SessionHandler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	router := chi.NewRouter()
	h.RegisterRoutes(router)
	router.ServeHTTP(rr, req)
	return rr
}

func TestSessionHandler_CreateSuccess(t *testing.T) {
	orch := &fakeOrchestrator{}
	h, repo := newTestHandler(orch)

	rr := doRequest(t, h, http.MethodPost, "/api/sessions/", `{"userID":"u1","initialPrompt":"hello"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body=%s", rr.Code, rr.Body.String())
	}

	var resp createSessionResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.SessionID == "" {
		t.Fatal("response sessionID is empty")
	}
	if strings.Contains(rr.Body.String(), "accessToken") {
		t.Fatal("response body must never include an access token")
	}

	if repo.status(resp.SessionID) != domain.SessionStarting {
		t.Fatalf("session status = %s, want starting", repo.status(resp.SessionID))
	}
	if len(orch.launched) != 1 || orch.launched[0] != resp.SessionID {
		t.Fatalf("orchestrator.Launch not called with the new session id: %+v", orch.launched)
	}
	if _, ok := h.Registry.Get(resp.SessionID); !ok {
		t.Fatal("relay not registered after Create")
	}
}

func TestSessionHandler_CreateRequiresUserID(t *testing.T) {
	h, _ := newTestHandler(&fakeOrchestrator{})
	rr := doRequest(t, h, http.MethodPost, "/api/sessions/", `{"initialPrompt":"hi"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestSessionHandler_CreateLaunchFailureMarksErrored(t *testing.T) {
	orch := &fakeOrchestrator{launchErr: errLaunch}
	h, repo := newTestHandler(orch)

	rr := doRequest(t, h, http.MethodPost, "/api/sessions/", `{"userID":"u1"}`)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}

	var found string
	for id := range repo.sessions {
		found = id
	}
	if found == "" {
		t.Fatal("session record was never created")
	}
	if repo.status(found) != domain.SessionErrored {
		t.Fatalf("session status = %s, want errored", repo.status(found))
	}
	if h.Timeouts.Has(found) {
		t.Fatal("connect timeout still armed after launch failure")
	}
}

func TestSessionHandler_Stop(t *testing.T) {
	orch := &fakeOrchestrator{}
	h, repo := newTestHandler(orch)

	rr := doRequest(t, h, http.MethodPost, "/api/sessions/", `{"userID":"u1"}`)
	var resp createSessionResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)

	stopRR := doRequest(t, h, http.MethodPost, "/api/sessions/"+resp.SessionID+"/stop", "")
	if stopRR.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204, body=%s", stopRR.Code, stopRR.Body.String())
	}

	if repo.status(resp.SessionID) != domain.SessionStopped {
		t.Fatalf("session status = %s, want stopped", repo.status(resp.SessionID))
	}
	if _, ok := h.Registry.Get(resp.SessionID); ok {
		t.Fatal("relay still registered after Stop")
	}
	if len(orch.stopped) != 1 || orch.stopped[0] != orchestrator.TaskRef("task-"+resp.SessionID) {
		t.Fatalf("orchestrator.Stop not called with the launched task ref: %+v", orch.stopped)
	}
}

func TestSessionHandler_ConnectTimeoutMarksErrored(t *testing.T) {
	orch := &fakeOrchestrator{}
	h, repo := newTestHandler(orch)

	rr := doRequest(t, h, http.MethodPost, "/api/sessions/", `{"userID":"u1"}`)
	var resp createSessionResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)

	deadline := time.After(2 * time.Second)
	for repo.status(resp.SessionID) != domain.SessionErrored {
		select {
		case <-deadline:
			t.Fatalf("session never transitioned to errored after connect timeout, status=%s", repo.status(resp.SessionID))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

type launchError struct{}

func (launchError) Error() string { return "launch failed" }

var errLaunch = launchError{}
