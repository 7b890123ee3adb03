package domain

import (
	"strings"
	"time"
)

// Callbacks maps the response names of one request to handlers. Names
// without a dedicated field are looked up in Extra under "on" plus the
// capitalised name, so "paused" is delivered to Extra["onPaused"].
type Callbacks struct {
	OnSucceed   func(args Args)
	OnFailed    func(err *RemoteError)
	OnProgress  func(args Args)
	OnStarted   func(args Args)
	OnCompleted func(args Args)
	Extra       map[string]func(args Args)
}

// CallbackKey returns the handler key for a response name.
func CallbackKey(name string) string {
	if name == "" {
		return "on"
	}
	return "on" + strings.ToUpper(name[:1]) + name[1:]
}

// DaemonStatus is the daemon's answer to a status query.
type DaemonStatus struct {
	Running bool
	Idle    bool
}

// ResponseHandlers receives the correlated frames of one request at the
// transport level.
type ResponseHandlers struct {
	// On maps a response name to its callback.
	On map[string]func(args Args)
	// Any receives names without an entry in On.
	Any func(name string, args Args)
	// OnError fires at most once, when the request ends without a terminal
	// response (timeout or closed transport).
	OnError func(err error)
}

// RouteFunc receives frames addressed to a second-order correlation id such
// as a session id.
type RouteFunc func(name string, args Args)

// DefaultTimeout asks for the configured response timeout. A timeout of 0
// disables the response timer.
const DefaultTimeout time.Duration = -1
