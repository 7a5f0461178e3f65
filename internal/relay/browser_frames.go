package relay

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/relaylabs/session-relay/internal/domain"
)

type browserEnvelope struct {
	Type          string `json:"type"`
	SessionID     string `json:"sessionID"`
	LastMessageID string `json:"lastMessageID"`
}

// OnBrowserFrame dispatches one decoded browser frame after the caller has
// already resolved it to this relay and verified ownership (a frame that
// fails the ownership check must never reach this method).
func (r *SessionRelay) OnBrowserFrame(ctx context.Context, conn BrowserConn, raw json.RawMessage) {
	var env browserEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}

	ctx, span := tracer.Start(ctx, "relay.OnBrowserFrame",
		trace.WithAttributes(
			attribute.String("session.id", r.sessionID),
			attribute.String("browser_frame.type", env.Type),
		))
	defer span.End()

	switch env.Type {
	case "session_user_message":
		r.handleUserMessage(ctx, raw)
	case "session_permission_response":
		r.handlePermissionResponse(ctx, raw)
	case "session_interrupt":
		r.handleInterrupt(ctx)
	case "session_set_permission_mode":
		r.handleSetPermissionMode(ctx, raw)
	case "session_set_model":
		r.handleSetModel(ctx, raw)
	case "session_update_env":
		r.handleUpdateEnv(ctx, raw)
	}
}

type userMessageFrame struct {
	Content string `json:"content"`
}

func (r *SessionRelay) handleUserMessage(ctx context.Context, raw json.RawMessage) {
	var f userMessageFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return
	}

	frame := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": f.Content,
		},
		"parent_tool_use_id": nil,
		"session_id":         r.sessionID,
	}
	_ = r.writeAgent(frame)

	r.persistMessage(ctx, domain.MessageKindUser, f.Content, nil)
	r.broadcast("session_message", map[string]any{"messageType": "user", "content": f.Content})
}

type permissionResponseFrame struct {
	RequestID string `json:"requestID"`
	Behavior  string `json:"behavior"`
}

func (r *SessionRelay) handlePermissionResponse(ctx context.Context, raw json.RawMessage) {
	var f permissionResponseFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return
	}

	pending, ok := r.resolvePendingPermission(f.RequestID)
	if !ok {
		return
	}

	response := map[string]any{"behavior": f.Behavior}
	if f.Behavior == "allow" {
		response["updatedInput"] = pending.Input
	}

	_ = r.writeAgent(map[string]any{
		"type":       "control_response",
		"subtype":    "success",
		"request_id": f.RequestID,
		"response":   response,
	})

	r.persistMessage(ctx, domain.MessageKindPermissionResp, f.Behavior, map[string]any{
		"requestID": f.RequestID,
		"toolName":  pending.ToolName,
	})
	r.broadcast("session_permission_resolved", map[string]any{
		"requestId": f.RequestID,
		"behavior":  f.Behavior,
	})
}

// handleInterrupt sends the stop-gap user message the agent treats as an
// interrupt signal: the relay has no side-channel to deliver a real SIGINT
// to the agent process, so it instructs the agent to stop via the normal
// user-message path instead.
func (r *SessionRelay) handleInterrupt(ctx context.Context) {
	const stopText = "Please stop what you are doing now."

	_ = r.writeAgent(map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": stopText,
		},
		"parent_tool_use_id": nil,
		"session_id":         r.sessionID,
	})

	r.persistMessage(ctx, domain.MessageKindSystem, "User interrupted session", nil)
	r.broadcast("session_message", map[string]any{"messageType": "system", "content": "User interrupted session"})
}

type setPermissionModeFrame struct {
	Mode string `json:"mode"`
}

func (r *SessionRelay) handleSetPermissionMode(ctx context.Context, raw json.RawMessage) {
	var f setPermissionModeFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return
	}
	_ = r.writeAgent(map[string]any{"type": "set_permission_mode", "permission_mode": f.Mode})
	r.persistMessage(ctx, domain.MessageKindSystem, "set_permission_mode: "+f.Mode, nil)
}

type setModelFrame struct {
	Model string `json:"model"`
}

func (r *SessionRelay) handleSetModel(ctx context.Context, raw json.RawMessage) {
	var f setModelFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return
	}
	_ = r.writeAgent(map[string]any{"type": "set_model", "model": f.Model})
	r.persistMessage(ctx, domain.MessageKindSystem, "set_model: "+f.Model, nil)
}

type updateEnvFrame struct {
	Variables map[string]string `json:"variables"`
}

func (r *SessionRelay) handleUpdateEnv(ctx context.Context, raw json.RawMessage) {
	var f updateEnvFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return
	}
	_ = r.writeAgent(map[string]any{"type": "update_environment_variables", "environment_variables": f.Variables})

	keys := make([]string, 0, len(f.Variables))
	for k := range f.Variables {
		keys = append(keys, k)
	}
	r.persistMessage(ctx, domain.MessageKindSystem, "update_environment_variables", map[string]any{"keys": keys})
}
