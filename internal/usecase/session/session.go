// Package session wraps one daemon-side virtual machine session: lifecycle
// operations, pushed state changes, smart progress and daemon status
// polling.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"cvmlink/internal/domain"
	"cvmlink/internal/usecase/eventbus"
	"cvmlink/internal/usecase/progress"
)

// Unavailable is what string accessors return once the session is closed.
const Unavailable = ""

// DefaultPollInterval spaces daemon status queries.
const DefaultPollInterval = 5 * time.Second

// Caller is the RPC surface a session needs.
type Caller interface {
	Call(action string, data any, cb domain.Callbacks, timeout time.Duration) error
	Route(id string, fn domain.RouteFunc) (cancel func())
	DaemonStatus(ctx context.Context) (domain.DaemonStatus, error)
}

// Options configures a Session.
type Options struct {
	// AckTimeout bounds the wait for the daemon to schedule an operation.
	// Zero uses the caller's default request timeout.
	AckTimeout time.Duration
	// PollInterval spaces status queries; zero means DefaultPollInterval
	// and a negative value disables polling.
	PollInterval time.Duration
	// Registry aggregates progress globally; nil uses progress.Default().
	Registry *progress.Registry
	// InitialState seeds the advisory state cache.
	InitialState domain.SessionState
}

// Session is a handle on one daemon session. State is an advisory cache
// fed by daemon events; the daemon remains the authority.
type Session struct {
	id      string
	caller  Caller
	opts    Options
	events  *eventbus.Dispatcher // public events
	raw     *eventbus.Dispatcher // frames routed to this session
	tracker *progress.Tracker
	logger  *slog.Logger

	mu         sync.Mutex
	valid      bool
	state      domain.SessionState
	ip         string
	apiURL     string
	properties map[string]string
	running    bool
	idle       bool

	unroute   func()
	stopPoll  chan struct{}
	closeOnce sync.Once
}

// New attaches a session handle to id. Frames addressed to id are routed to
// it from now on.
func New(id string, caller Caller, opts Options, logger *slog.Logger) *Session {
	if opts.PollInterval == 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Registry == nil {
		opts.Registry = progress.Default()
	}
	logger = logger.With("session_id", id)

	s := &Session{
		id:         id,
		caller:     caller,
		opts:       opts,
		events:     eventbus.New(logger),
		raw:        eventbus.New(logger),
		logger:     logger,
		valid:      true,
		state:      opts.InitialState,
		properties: make(map[string]string),
		stopPoll:   make(chan struct{}),
	}
	s.tracker = progress.NewTracker(s.events, opts.Registry)
	s.unroute = caller.Route(id, s.handleFrame)

	if opts.PollInterval > 0 {
		go s.poll(opts.PollInterval)
	}
	return s
}

// ID returns the daemon session id.
func (s *Session) ID() string { return s.id }

// Events returns the dispatcher of session events: the lifecycle op names,
// sessionStateChange, progressBegin/progress/progressEnd, apiAvailable,
// apiUnavailable, error, debug, daemonStateChange and systemStateChange.
func (s *Session) Events() *eventbus.Dispatcher { return s.events }

// Valid reports whether the session can still be used.
func (s *Session) Valid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valid
}

// State returns the cached state, or domain.StateUnavailable after Close.
func (s *Session) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.valid {
		return domain.StateUnavailable
	}
	return s.state
}

// IP returns the guest address announced by apiAvailable.
func (s *Session) IP() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.valid {
		return Unavailable
	}
	return s.ip
}

// APIEntryPoint returns the guest API URL announced by apiAvailable.
func (s *Session) APIEntryPoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.valid {
		return Unavailable
	}
	return s.apiURL
}

// Property returns a session property last reported by the daemon.
func (s *Session) Property(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.valid {
		return Unavailable
	}
	return s.properties[name]
}

// DaemonRunning and SystemIdle return the last polled daemon status, or
// false once the handle is invalid.
func (s *Session) DaemonRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valid && s.running
}

func (s *Session) SystemIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valid && s.idle
}

// Detach stops routing and polling without closing the daemon session.
// The handle becomes invalid and operations waiting for completion return
// domain.ErrSessionInvalid.
func (s *Session) Detach() {
	s.invalidate()
}

func (s *Session) invalidate() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.valid = false
		s.mu.Unlock()

		s.unroute()
		close(s.stopPoll)
		s.tracker.Abort()
		s.logger.Debug("session invalidated")
	})
}

// setState updates the cache and publishes sessionStateChange on edges.
func (s *Session) setState(st domain.SessionState) {
	s.mu.Lock()
	changed := s.valid && s.state != st
	if changed {
		s.state = st
	}
	s.mu.Unlock()

	if changed {
		s.events.Publish(domain.EventSessionStateChange, st)
	}
}
