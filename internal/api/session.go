// Package api provides the minimal HTTP surface that exercises the
// session relay core end to end: a session-provisioning endpoint (the
// HTTP entrypoint that creates the durable session record and triggers
// container lifecycle) and a liveness check.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/relaylabs/session-relay/internal/domain"
	"github.com/relaylabs/session-relay/internal/identity"
	"github.com/relaylabs/session-relay/internal/orchestrator"
	"github.com/relaylabs/session-relay/internal/relay"
	"github.com/relaylabs/session-relay/internal/store"
)

// SessionHandler provisions and tears down sessions: it creates the durable
// session record, arms the relay and its connection timeout, and launches
// the agent container that will dial back into the agent WebSocket
// endpoint.
type SessionHandler struct {
	Store          store.Repository
	Registry       *relay.RelayRegistry
	Timeouts       *relay.ConnectionTimeout
	Orchestrator   orchestrator.Orchestrator
	RelayBaseURL   string
	ConnectTimeout time.Duration

	tasksMu sync.Mutex
	tasks   map[string]orchestrator.TaskRef
}

// NewSessionHandler constructs a SessionHandler.
func NewSessionHandler(repo store.Repository, registry *relay.RelayRegistry, timeouts *relay.ConnectionTimeout, orch orchestrator.Orchestrator, relayBaseURL string, connectTimeout time.Duration) *SessionHandler {
	return &SessionHandler{
		Store:          repo,
		Registry:       registry,
		Timeouts:       timeouts,
		Orchestrator:   orch,
		RelayBaseURL:   relayBaseURL,
		ConnectTimeout: connectTimeout,
		tasks:          make(map[string]orchestrator.TaskRef),
	}
}

// RegisterRoutes mounts the session endpoints under /api/sessions.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Post("/{sessionID}/stop", h.Stop)
	})
}

type createSessionRequest struct {
	UserID        string            `json:"userID"`
	InitialPrompt string            `json:"initialPrompt"`
	WorkerContext string            `json:"workerContext"`
	Env           map[string]string `json:"env"`
}

type createSessionResponse struct {
	SessionID string `json:"sessionID"`
}

// Create provisions a new session: durable record, in-memory relay,
// connection-timeout watchdog, and the agent container. The agent's access
// token is never returned in this response; it is handed only to the
// container that will present it at the agent WebSocket endpoint.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		Error(w, http.StatusBadRequest, "userID is required")
		return
	}

	sessionID := uuid.NewString()
	accessToken, err := identity.GenerateOpaqueToken()
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to generate access token")
		return
	}

	now := time.Now()
	session := &domain.Session{
		SessionID:      sessionID,
		UserID:         req.UserID,
		Status:         domain.SessionStarting,
		AccessToken:    accessToken,
		InitialPrompt:  req.InitialPrompt,
		WorkerContext:  req.WorkerContext,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := h.Store.Create(r.Context(), session); err != nil {
		Error(w, http.StatusInternalServerError, fmt.Sprintf("failed to create session: %v", err))
		return
	}

	h.Registry.GetOrCreate(sessionID, req.UserID, req.InitialPrompt, req.WorkerContext)

	h.Timeouts.Set(sessionID, h.ConnectTimeout, func() {
		h.onConnectTimeout(sessionID)
	})

	ref, err := h.Orchestrator.Launch(r.Context(), sessionID, accessToken, h.RelayBaseURL, req.Env)
	if err != nil {
		h.Timeouts.Clear(sessionID)
		_ = h.Store.UpdateStatus(r.Context(), sessionID, domain.SessionErrored, store.SessionStatusExtras{Error: "Container failed to launch"})
		if rl, ok := h.Registry.Get(sessionID); ok {
			rl.BroadcastStartupPhase(relay.PhaseFailed, map[string]any{"error": "Container failed to launch"})
		}
		Error(w, http.StatusInternalServerError, fmt.Sprintf("failed to launch agent container: %v", err))
		return
	}

	h.tasksMu.Lock()
	h.tasks[sessionID] = ref
	h.tasksMu.Unlock()

	JSON(w, http.StatusCreated, createSessionResponse{SessionID: sessionID})
}

// onConnectTimeout runs when an agent never connects within ConnectTimeout
// of launching+connecting: it fails the startup state machine and marks the
// durable session errored.
func (h *SessionHandler) onConnectTimeout(sessionID string) {
	if rl, ok := h.Registry.Get(sessionID); ok {
		rl.BroadcastStartupPhase(relay.PhaseFailed, map[string]any{"error": "Container failed to connect"})
	}
	_ = h.Store.UpdateStatus(context.Background(), sessionID, domain.SessionErrored, store.SessionStatusExtras{Error: "Container failed to connect"})
}

// Stop tears a session down: stops its container, shuts its relay down, and
// removes it from the registry.
func (h *SessionHandler) Stop(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	h.Timeouts.Clear(sessionID)

	h.tasksMu.Lock()
	ref, ok := h.tasks[sessionID]
	delete(h.tasks, sessionID)
	h.tasksMu.Unlock()

	if ok {
		if err := h.Orchestrator.Stop(r.Context(), ref); err != nil {
			Error(w, http.StatusInternalServerError, fmt.Sprintf("failed to stop agent container: %v", err))
			return
		}
	}

	h.Registry.Remove(sessionID, "Session stopped")
	_ = h.Store.UpdateStatus(r.Context(), sessionID, domain.SessionStopped, store.SessionStatusExtras{})

	w.WriteHeader(http.StatusNoContent)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Error writes a JSON error envelope with the given status code.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
