// Package domain contains the core persisted and wire types for the session
// relay: sessions, capabilities, and result statistics.
package domain

import "time"

// SessionStatus is the durable status of a session record.
type SessionStatus string

const (
	SessionStarting SessionStatus = "starting"
	SessionActive   SessionStatus = "active"
	SessionStopped  SessionStatus = "stopped"
	SessionErrored  SessionStatus = "errored"
)

// ToolCapability describes a single tool the agent declared on system/init.
type ToolCapability struct {
	Name string `json:"name"`
	Kind string `json:"kind,omitempty"`
}

// MCPServerCapability describes a single MCP server the agent declared.
type MCPServerCapability struct {
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
}

// Capabilities is set exactly once, when the agent's system/init frame
// arrives.
type Capabilities struct {
	CWD            string                `json:"cwd"`
	Model          string                `json:"model"`
	PermissionMode string                `json:"permissionMode"`
	AgentVersion   string                `json:"agentVersion"`
	Tools          []ToolCapability      `json:"tools"`
	MCPServers     []MCPServerCapability `json:"mcpServers"`
}

// ResultStats summarizes the most recently completed agent turn.
type ResultStats struct {
	ResultType string         `json:"resultType"`
	DurationMs int64          `json:"durationMs"`
	CostUSD    float64        `json:"costUsd"`
	TokenUsage map[string]int `json:"tokenUsage,omitempty"`
	RecordedAt time.Time      `json:"recordedAt"`
}

// Session is the durable record for a single agent run, owned externally by
// SessionStore and referenced by the relay while live.
type Session struct {
	SessionID      string
	UserID         string
	Status         SessionStatus
	AccessToken    string
	InitialPrompt  string
	WorkerContext  string
	Capabilities   *Capabilities
	ResultStats    *ResultStats
	CreatedAt      time.Time
	LastActivityAt time.Time
	StoppedAt      *time.Time
	Error          string
}

// MessageKind distinguishes persisted message rows in MessageStore.
type MessageKind string

const (
	MessageKindUser           MessageKind = "user"
	MessageKindAssistant      MessageKind = "assistant"
	MessageKindSystem         MessageKind = "system"
	MessageKindPermissionReq  MessageKind = "permission_request"
	MessageKindPermissionResp MessageKind = "permission_response"
	MessageKindToolUse        MessageKind = "tool_use"
)

// Message is a single durable row written via MessageStore.Store.
type Message struct {
	SessionID string
	Kind      MessageKind
	Content   string
	Metadata  map[string]any
	CreatedAt time.Time
}
