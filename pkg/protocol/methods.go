package protocol

// RPC method name constants. CLI commands map one-to-one onto these.
const (
	// System / handshake
	MethodConnect = "connect"
	MethodPing    = "ping"
	MethodHealth  = "health"

	// Agent
	MethodAgent            = "agent"
	MethodAgentTurn        = "agent.turn"
	MethodAgentQueueStatus = "agent.queue.status"
	MethodChatAbort        = "chat.abort"

	// Channels
	MethodChannelsList   = "channels.list"
	MethodChannelsStatus = "channels.status"

	// Sessions
	MethodSessionsList    = "sessions.list"
	MethodSessionsHistory = "sessions.history"
	MethodSessionsDelete  = "sessions.delete"

	// Observability
	MethodLogsTail    = "logs.tail"
	MethodGatewayCost = "gateway.cost"

	// Onboarding wizard (step-at-a-time state machine)
	MethodWizardStart  = "wizard.start"
	MethodWizardNext   = "wizard.next"
	MethodWizardCancel = "wizard.cancel"
	MethodWizardStatus = "wizard.status"
)

// AuthExempt reports whether a method may be called before a successful
// connect handshake.
func AuthExempt(method string) bool {
	return method == MethodPing || method == MethodHealth || method == MethodConnect
}
