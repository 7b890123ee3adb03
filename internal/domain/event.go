package domain

// Event names published by the transport, the RPC client and sessions.
const (
	// Transport and client.
	EventConnected       = "connected"
	EventDisconnected    = "disconnected"
	EventHandshakeFailed = "handshakeFailed"
	EventConnectFailed   = "connectFailed"
	EventLog             = "log"

	// Smart progress.
	EventProgressBegin = "progressBegin"
	EventProgress      = "progress"
	EventProgressEnd   = "progressEnd"
	EventStarted       = "started"
	EventCompleted     = "completed"

	// Session.
	EventSessionStateChange = "sessionStateChange"
	EventStateChanged       = "stateChanged"
	EventDaemonStateChange  = "daemonStateChange"
	EventSystemStateChange  = "systemStateChange"
	EventAPIAvailable       = "apiAvailable"
	EventAPIUnavailable     = "apiUnavailable"
	EventError              = "error"
	EventDebug              = "debug"
)

// Response names carried by frames correlated with a request.
const (
	ResponseSucceed   = "succeed"
	ResponseFailed    = "failed"
	ResponseProgress  = "progress"
	ResponseStarted   = "started"
	ResponseCompleted = "completed"
)

// IsTerminalResponse reports whether a correlated frame ends its request.
func IsTerminalResponse(name string) bool {
	return name == ResponseSucceed || name == ResponseFailed
}

// Action names understood by the daemon.
const (
	ActionHandshake           = "handshake"
	ActionRequestSession      = "requestSession"
	ActionInteractionCallback = "interactionCallback"
	ActionDaemonStatus        = "daemonStatus"
	ActionExit                = "exit"
)

// EventInteract is the reserved event carrying user-interaction prompts.
const EventInteract = "interact"
