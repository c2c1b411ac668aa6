package protocol

// EventKind names the typed events published on the process-wide bus and
// broadcast to WebSocket clients. The set is closed: producers must use these
// constants so subscribers can match on them.
const (
	// Agent runtime events (source "agent-runtime").
	EventAgentStarted       = "agent.started"
	EventAgentText          = "agent.text"
	EventAgentThinking      = "agent.thinking"
	EventAgentToolUse       = "agent.tool_use"
	EventAgentToolResult    = "agent.tool_result"
	EventAgentTurnComplete  = "agent.turn_complete"
	EventAgentError         = "agent.error"
	EventAgentRetry         = "agent.retry"
	EventAgentFailover      = "agent.failover"
	EventAgentCompaction    = "agent.compaction"
	EventAgentFileGenerated = "agent.file_generated"

	// Channel lifecycle events (source "channel-manager").
	EventChannelRegistered   = "channel.registered"
	EventChannelUnregistered = "channel.unregistered"
	EventChannelStarting     = "channel.starting"
	EventChannelStarted      = "channel.started"
	EventChannelReady        = "channel.ready"
	EventChannelStopping     = "channel.stopping"
	EventChannelStopped      = "channel.stopped"
	EventChannelError        = "channel.error"

	// Session events.
	EventSessionCreated = "session.created"

	// Gateway events.
	EventGatewayClientConnected = "gateway.client_connected"
	EventConnectChallenge       = "connect.challenge"

	// Internal events, never forwarded to WebSocket clients.
	EventConfigReloaded = "config.reloaded"
)

// Wildcard subscribes a listener to every event kind.
const Wildcard = "*"

// InternalEvent reports whether an event kind is internal plumbing that must
// not be forwarded to WebSocket clients.
func InternalEvent(kind string) bool {
	return kind == EventConfigReloaded
}
