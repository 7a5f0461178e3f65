package relay

// AgentConn is the relay's non-owning view of an agent WebSocket. The
// handler goroutine that accepted the socket owns its lifecycle; the relay
// only ever writes to it or asks it to close.
type AgentConn interface {
	WriteFrame(v any) error
	Close(reason string) error
}

// BrowserConn is the relay's non-owning view of a browser WebSocket.
type BrowserConn interface {
	WriteEnvelope(env Envelope) error
	Close(code int, reason string) error
}

// WS close codes the relay uses when closing a browser socket directly.
// CloseNormal drops a single slow/dead peer; CloseShutdown is used only for
// process-wide shutdown, per the distinct close codes required there.
const (
	CloseNormal   = 1000
	CloseShutdown = 1001
)

// PendingPermission is an outstanding can_use_tool authorization request
// awaiting a browser response.
type PendingPermission struct {
	RequestID      string
	ToolName       string
	ToolUseID      string
	Input          any
	DecisionReason string
}
