package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/relaylabs/session-relay/internal/domain"
	"github.com/relaylabs/session-relay/internal/store"
)

var tracer = otel.Tracer("github.com/relaylabs/session-relay/internal/relay")

// agentEnvelope is the minimal two-phase read used to discriminate an
// inbound agent frame before decoding its concrete shape.
type agentEnvelope struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
}

// OnAgentFrame dispatches one decoded NDJSON object from the agent
// according to its type/subtype, per the agent wire protocol table.
// Persistence and broadcast happen in that order; store failures are
// logged and never block broadcast.
func (r *SessionRelay) OnAgentFrame(ctx context.Context, raw json.RawMessage) {
	var env agentEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		slog.Debug("dropping unparseable agent frame", "session_id", r.sessionID, "error", err)
		return
	}

	ctx, span := tracer.Start(ctx, "relay.OnAgentFrame",
		trace.WithAttributes(
			attribute.String("session.id", r.sessionID),
			attribute.String("agent_frame.type", env.Type),
			attribute.String("agent_frame.subtype", env.Subtype),
		))
	defer span.End()

	switch env.Type {
	case "system":
		if env.Subtype == "init" {
			r.handleSystemInit(ctx, raw)
		}
	case "assistant":
		r.handleAssistant(ctx, raw)
	case "stream_event":
		var payload map[string]any
		_ = json.Unmarshal(raw, &payload)
		r.broadcast("session_stream", payload)
	case "control_request":
		r.handleControlRequest(ctx, env.Subtype, raw)
	case "tool_progress":
		var payload map[string]any
		_ = json.Unmarshal(raw, &payload)
		r.broadcast("session_tool_progress", payload)
	case "result":
		r.handleResult(ctx, raw)
	case "keep_alive":
		slog.Debug("agent keep_alive", "session_id", r.sessionID)
	case "auth_status":
		var payload map[string]any
		_ = json.Unmarshal(raw, &payload)
		r.broadcast("session_auth_status", payload)
	case "tool_use_summary":
		r.handleToolUseSummary(ctx, raw)
	default:
		var payload map[string]any
		_ = json.Unmarshal(raw, &payload)
		r.broadcast("session_raw", payload)
	}
}

type systemInitFrame struct {
	CWD             string                       `json:"cwd"`
	Model           string                       `json:"model"`
	PermissionMode  string                       `json:"permissionMode"`
	PermissionMode2 string                       `json:"permission_mode"`
	AgentVersion    string                       `json:"agentVersion"`
	Tools           json.RawMessage              `json:"tools"`
	MCPServers      []domain.MCPServerCapability `json:"mcpServers"`
}

// handleSystemInit processes a system/init frame at most once per relay:
// the check-and-set on r.initialized happens in a single critical section
// so two frames racing in (e.g. an old agent connection's in-flight read
// racing a replacement connection) can't both pass the check before either
// sets it.
func (r *SessionRelay) handleSystemInit(ctx context.Context, raw json.RawMessage) {
	r.mu.Lock()
	if r.initialized {
		r.mu.Unlock()
		return
	}
	r.initialized = true
	r.mu.Unlock()

	var f systemInitFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		slog.Warn("malformed system/init frame", "session_id", r.sessionID, "error", err)
		return
	}

	permissionMode := f.PermissionMode
	if permissionMode == "" {
		permissionMode = f.PermissionMode2
	}

	caps := &domain.Capabilities{
		CWD:            f.CWD,
		Model:          f.Model,
		PermissionMode: permissionMode,
		AgentVersion:   f.AgentVersion,
		Tools:          normalizeTools(f.Tools),
		MCPServers:     f.MCPServers,
	}

	r.mu.Lock()
	r.capabilities = caps
	r.mu.Unlock()

	if r.deps.Timeouts != nil {
		r.deps.Timeouts.Clear(r.sessionID)
	}

	r.updateSessionStatus(ctx, domain.SessionActive, store.SessionStatusExtras{Capabilities: caps})
	r.transitionPhase(PhaseReady, map[string]any{"capabilities": caps})
	r.clearPhase()
}

// normalizeTools accepts either []string or []{name,kind} and normalizes to
// the latter, preserving order.
func normalizeTools(raw json.RawMessage) []domain.ToolCapability {
	if len(raw) == 0 {
		return nil
	}

	var asObjects []domain.ToolCapability
	if err := json.Unmarshal(raw, &asObjects); err == nil {
		return asObjects
	}

	var asStrings []string
	if err := json.Unmarshal(raw, &asStrings); err == nil {
		out := make([]domain.ToolCapability, 0, len(asStrings))
		for _, name := range asStrings {
			out = append(out, domain.ToolCapability{Name: name})
		}
		return out
	}

	return nil
}

func (r *SessionRelay) handleAssistant(ctx context.Context, raw json.RawMessage) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}

	content := stringifyContent(payload["content"])
	r.persistMessage(ctx, domain.MessageKindAssistant, content, nil)
	r.recordActivity(ctx)

	payload["content"] = content
	r.broadcast("session_message", map[string]any{"messageType": "assistant", "content": content, "raw": payload})
}

// stringifyContent normalizes an assistant content field to a plain string,
// JSON-encoding it if it arrived as a structured value.
func stringifyContent(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

type controlRequestFrame struct {
	RequestID string          `json:"request_id"`
	Request   json.RawMessage `json:"request"`
}

type canUseToolRequest struct {
	ToolName  string `json:"tool_name"`
	ToolUseID string `json:"tool_use_id"`
	Input     any    `json:"input"`
	Reason    string `json:"decision_reason"`
}

func (r *SessionRelay) handleControlRequest(ctx context.Context, subtype string, raw json.RawMessage) {
	var frame controlRequestFrame
	_ = json.Unmarshal(raw, &frame)

	// The subtype travels inside the request object; a top-level subtype is
	// only used when the request carries none.
	var head struct {
		Subtype string `json:"subtype"`
	}
	if json.Unmarshal(frame.Request, &head) == nil && head.Subtype != "" {
		subtype = head.Subtype
	}

	switch subtype {
	case "can_use_tool":
		var req canUseToolRequest
		_ = json.Unmarshal(frame.Request, &req)

		pending := PendingPermission{
			RequestID:      frame.RequestID,
			ToolName:       req.ToolName,
			ToolUseID:      req.ToolUseID,
			Input:          req.Input,
			DecisionReason: req.Reason,
		}
		r.addPendingPermission(pending)

		r.persistMessage(ctx, domain.MessageKindPermissionReq, req.ToolName, map[string]any{
			"requestID": frame.RequestID,
			"toolName":  req.ToolName,
			"toolUseID": req.ToolUseID,
			"input":     req.Input,
			"reason":    req.Reason,
		})
		r.broadcast("session_permission_request", map[string]any{
			"requestId": frame.RequestID,
			"toolName":  req.ToolName,
			"toolUseID": req.ToolUseID,
			"input":     req.Input,
		})
	case "hook_callback":
		var payload map[string]any
		_ = json.Unmarshal(raw, &payload)
		r.persistMessage(ctx, domain.MessageKindSystem, "hook_callback", payload)
		r.broadcast("session_control", map[string]any{"subtype": subtype, "request": payload})
	default:
		var payload map[string]any
		_ = json.Unmarshal(raw, &payload)
		r.broadcast("session_control", map[string]any{"subtype": subtype, "request": payload})
	}
}

// addPendingPermission records a pending permission request, dropping the
// oldest if at capacity to resist a misbehaving agent.
func (r *SessionRelay) addPendingPermission(p PendingPermission) {
	limit := r.deps.PendingPermissionCap
	if limit <= 0 {
		limit = 1024
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pendingPermissions[p.RequestID]; !exists {
		r.pendingOrder = append(r.pendingOrder, p.RequestID)
	}
	r.pendingPermissions[p.RequestID] = p

	for len(r.pendingOrder) > limit {
		oldest := r.pendingOrder[0]
		r.pendingOrder = r.pendingOrder[1:]
		delete(r.pendingPermissions, oldest)
	}
}

type resultFrame struct {
	ResultType string         `json:"result_type"`
	Subtype    string         `json:"subtype"`
	DurationMs int64          `json:"duration_ms"`
	CostUSD    float64        `json:"cost_usd"`
	TokenUsage map[string]int `json:"token_usage"`
}

func (r *SessionRelay) handleResult(ctx context.Context, raw json.RawMessage) {
	var f resultFrame
	_ = json.Unmarshal(raw, &f)

	resultType := f.ResultType
	if resultType == "" {
		resultType = f.Subtype
	}

	stats := &domain.ResultStats{
		ResultType: resultType,
		DurationMs: f.DurationMs,
		CostUSD:    f.CostUSD,
		TokenUsage: f.TokenUsage,
		RecordedAt: time.Now(),
	}

	if len(resultType) >= 5 && resultType[:5] == "error" {
		r.updateSessionStatus(ctx, domain.SessionErrored, store.SessionStatusExtras{ResultStats: stats})
	} else {
		r.updateSessionStatus(ctx, domain.SessionActive, store.SessionStatusExtras{ResultStats: stats})
	}

	r.persistMessage(ctx, domain.MessageKindSystem, fmt.Sprintf("result: %s", resultType), map[string]any{
		"durationMs": f.DurationMs,
		"costUsd":    f.CostUSD,
	})
	r.broadcast("session_result", stats)
}

// resolvePendingPermission removes and returns a pending permission request
// by id, or (zero, false) if unknown.
func (r *SessionRelay) resolvePendingPermission(requestID string) (PendingPermission, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pendingPermissions[requestID]
	if !ok {
		return PendingPermission{}, false
	}
	delete(r.pendingPermissions, requestID)
	for i, id := range r.pendingOrder {
		if id == requestID {
			r.pendingOrder = append(r.pendingOrder[:i], r.pendingOrder[i+1:]...)
			break
		}
	}
	return p, true
}

func (r *SessionRelay) handleToolUseSummary(ctx context.Context, raw json.RawMessage) {
	var payload map[string]any
	_ = json.Unmarshal(raw, &payload)
	r.persistMessage(ctx, domain.MessageKindToolUse, "tool_use_summary", payload)
	r.broadcast("session_tool_use_summary", payload)
}
