package domain

// SessionState is the daemon-side state of a virtual machine session.
type SessionState int

const (
	// StateUnavailable is returned by accessors of an invalidated session.
	StateUnavailable SessionState = -1

	StateClosed   SessionState = 0
	StateOpening  SessionState = 1
	StateOpen     SessionState = 2
	StateStarting SessionState = 3
	StateStarted  SessionState = 4
	StateError    SessionState = 5
	StatePaused   SessionState = 6
)

func (s SessionState) String() string {
	switch s {
	case StateUnavailable:
		return "unavailable"
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	case StateError:
		return "error"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// SessionOp names a lifecycle operation. The daemon acknowledges each with an
// event of the same name, or "<op>Error" on failure.
type SessionOp string

const (
	OpOpen      SessionOp = "open"
	OpStart     SessionOp = "start"
	OpStop      SessionOp = "stop"
	OpPause     SessionOp = "pause"
	OpResume    SessionOp = "resume"
	OpHibernate SessionOp = "hibernate"
	OpReset     SessionOp = "reset"
	OpClose     SessionOp = "close"
)

// ErrorEvent returns the name of the failure event for op.
func (op SessionOp) ErrorEvent() string { return string(op) + "Error" }

// ResultState returns the state a session settles in once op completes.
// ok is false for operations that leave the state unchanged.
func (op SessionOp) ResultState() (SessionState, bool) {
	switch op {
	case OpOpen, OpStop, OpHibernate:
		return StateOpen, true
	case OpStart, OpResume:
		return StateStarted, true
	case OpPause:
		return StatePaused, true
	case OpClose:
		return StateClosed, true
	default:
		return 0, false
	}
}

// SessionOps lists every lifecycle operation.
var SessionOps = []SessionOp{OpOpen, OpStart, OpStop, OpPause, OpResume, OpHibernate, OpReset, OpClose}
