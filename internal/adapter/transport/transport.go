package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"cvmlink/internal/domain"
	"cvmlink/internal/usecase/eventbus"
)

// State is the connection state owned by a Transport.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Timeouts used when Options leaves them zero.
const (
	DefaultRequestTimeout = 10 * time.Second

	// DefaultTimeout asks Send for Options.RequestTimeout.
	DefaultTimeout = domain.DefaultTimeout

	writeTimeout = 5 * time.Second
	sendQueue    = 64
)

// ConnAcquirer produces a live connection to the daemon.
type ConnAcquirer interface {
	Acquire(ctx context.Context, endpoint string, total time.Duration) (Conn, error)
}

// Options configures a Transport.
type Options struct {
	Endpoint       string
	Version        string // client protocol version sent in the handshake
	AuthToken      string // overrides the token taken from PageURL
	PageURL        string // the token is read from its fragment
	AcquireTimeout time.Duration
	RequestTimeout time.Duration
	Interaction    InteractionHandler
}

// RouteFunc receives frames addressed to a second-order correlation id.
type RouteFunc = domain.RouteFunc

// link holds everything tied to one live connection.
type link struct {
	id        string
	conn      Conn
	sendCh    chan []byte
	done      chan struct{}
	cancel    context.CancelFunc
	ctx       context.Context
	closeOnce sync.Once
}

// Transport owns the daemon connection: it frames outgoing actions,
// correlates responses with pending calls and publishes everything else on
// its event dispatcher.
type Transport struct {
	opts        Options
	auth        string
	acquirer    ConnAcquirer
	events      *eventbus.Dispatcher
	interaction InteractionHandler
	logger      *slog.Logger

	mu      sync.Mutex
	state   State
	link    *link
	pending map[string]*pendingCall
	routes  map[string]RouteFunc

	sendMu sync.Mutex // keeps id allocation and queueing in call order
	nextID atomic.Uint64
}

// New creates a disconnected transport. The auth token is resolved once here.
func New(acquirer ConnAcquirer, opts Options, logger *slog.Logger) *Transport {
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = DefaultAcquireTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	auth := opts.AuthToken
	if auth == "" {
		auth = TokenFromPageURL(opts.PageURL)
	}
	return &Transport{
		opts:        opts,
		auth:        auth,
		acquirer:    acquirer,
		events:      eventbus.New(logger),
		interaction: opts.Interaction,
		logger:      logger,
		pending:     make(map[string]*pendingCall),
		routes:      make(map[string]RouteFunc),
	}
}

// TokenFromPageURL returns the fragment of a page URL, the place where the
// launching page carries its bearer token.
func TokenFromPageURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Fragment
}

// Events returns the dispatcher on which uncorrelated frames and connection
// events are published.
func (t *Transport) Events() *eventbus.Dispatcher { return t.events }

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ConnID returns the id of the live connection, or "".
func (t *Transport) ConnID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.link == nil {
		return ""
	}
	return t.link.id
}

// Pending returns the number of outstanding requests.
func (t *Transport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Connect acquires a connection and sends the handshake. It returns nil when
// already connected and domain.ErrConnectInProgress while another Connect is
// running. The handshake outcome is published as "connected" (version) or
// "handshakeFailed" (message, code). A failed acquisition is published as
// "connectFailed" (error) and is not retried.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	switch t.state {
	case StateConnected:
		t.mu.Unlock()
		return nil
	case StateConnecting:
		t.mu.Unlock()
		return domain.ErrConnectInProgress
	}
	t.state = StateConnecting
	t.mu.Unlock()

	conn, err := t.acquirer.Acquire(ctx, t.opts.Endpoint, t.opts.AcquireTimeout)
	if err != nil {
		t.mu.Lock()
		t.state = StateDisconnected
		t.mu.Unlock()
		err = domain.WrapOp("Transport.Connect", err)
		t.events.Publish(domain.EventConnectFailed, err)
		return err
	}

	lctx, cancel := context.WithCancel(context.Background())
	l := &link{
		id:     newConnID(),
		conn:   conn,
		sendCh: make(chan []byte, sendQueue),
		done:   make(chan struct{}),
		ctx:    lctx,
		cancel: cancel,
	}

	t.mu.Lock()
	t.state = StateConnected
	t.link = l
	t.mu.Unlock()

	t.logger.Info("daemon connected", "endpoint", t.opts.Endpoint, "conn_id", l.id)

	go t.writeLoop(l)
	go t.readLoop(l)

	t.handshake()
	return nil
}

func (t *Transport) handshake() {
	data := map[string]any{"version": t.opts.Version}
	if t.auth != "" {
		data["auth"] = t.auth
	}
	failed := func(msg string, code domain.ErrorCode) {
		t.logger.Warn("handshake failed", "message", msg, "code", int(code))
		t.events.Publish(domain.EventHandshakeFailed, msg, code)
	}
	h := &Handlers{
		On: map[string]func(domain.Args){
			domain.ResponseSucceed: func(args domain.Args) {
				version := args.String(0)
				if m := args.Map(0); m != nil {
					version, _ = m["version"].(string)
				}
				t.logger.Info("handshake completed", "remote_version", version)
				t.events.Publish(domain.EventConnected, version)
			},
			domain.ResponseFailed: func(args domain.Args) {
				failed(args.Message())
			},
		},
		OnError: func(err error) {
			re := domain.AsRemoteError(err)
			failed(re.Message, re.Code)
		},
	}
	if _, err := t.Send(domain.ActionHandshake, data, h, DefaultTimeout); err != nil {
		failed(err.Error(), domain.CodeOK)
	}
}

// Send frames and transmits an action. Frames leave in call order. When h
// is non-nil a pending call is registered: timeout 0 disables the timer and
// DefaultTimeout uses the configured request timeout. Terminal responses
// ("succeed", "failed") complete the call; other correlated responses are
// delivered and restart the timer.
func (t *Transport) Send(action string, data any, h *Handlers, timeout time.Duration) (string, error) {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	t.mu.Lock()
	l := t.link
	if t.state != StateConnected || l == nil {
		t.mu.Unlock()
		return "", domain.NewDomainError("Transport.Send", domain.ErrNotConnected, action)
	}
	t.mu.Unlock()

	seq := t.nextID.Add(1)
	id := "a-" + strconv.FormatUint(seq, 10)

	frame, err := NewActionFrame(id, action, data)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidFrame, err)
	}

	var p *pendingCall
	if h != nil {
		if timeout < 0 {
			timeout = t.opts.RequestTimeout
		}
		p = newPendingCall(id, seq, timeout, h)
		t.mu.Lock()
		if t.link != l {
			t.mu.Unlock()
			return "", domain.NewDomainError("Transport.Send", domain.ErrTransportClosed, action)
		}
		t.pending[id] = p
		t.mu.Unlock()
		p.arm(func(gen uint64) { t.expire(p, gen) })
	}

	if !isClosed(l.done) {
		select {
		case l.sendCh <- raw:
			t.logger.Debug("action sent", "action", action, "frame_id", id, "conn_id", l.id)
			return id, nil
		case <-l.done:
		}
	}
	if p != nil && p.finish() {
		t.removePending(id)
	}
	return "", domain.NewDomainError("Transport.Send", domain.ErrTransportClosed, action)
}

// Route forwards frames carrying id to fn until the returned cancel is
// called or the connection closes. Pending calls take precedence.
func (t *Transport) Route(id string, fn RouteFunc) (cancel func()) {
	t.mu.Lock()
	t.routes[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.routes, id)
		t.mu.Unlock()
	}
}

// Close shuts the connection down. Pending calls fail with
// domain.ErrTransportClosed and "disconnected" is published. Closing a
// transport that is not connected does nothing.
func (t *Transport) Close() error {
	t.mu.Lock()
	l := t.link
	connected := t.state == StateConnected
	t.mu.Unlock()
	if !connected || l == nil {
		return nil
	}
	t.teardown(l, nil)
	return nil
}

func (t *Transport) expire(p *pendingCall, gen uint64) {
	if !p.expire(gen) {
		return
	}
	t.removePending(p.id)
	t.logger.Warn("response timeout", "frame_id", p.id, "timeout", p.timeout)
	fail(p.handlers, fmt.Errorf("%s: %w", p.id, domain.ErrResponseTimeout))
}

func (t *Transport) removePending(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

func (t *Transport) readLoop(l *link) {
	for {
		data, err := l.conn.Read(l.ctx)
		if err != nil {
			t.teardown(l, err)
			return
		}
		if isClosed(l.done) {
			return
		}
		f, err := DecodeFrame(data)
		if err != nil {
			t.logger.Warn("dropping frame", "conn_id", l.id, "error", err)
			continue
		}
		t.dispatch(l, f)
	}
}

func (t *Transport) writeLoop(l *link) {
	for {
		select {
		case <-l.done:
			return
		case data := <-l.sendCh:
			ctx, cancel := context.WithTimeout(l.ctx, writeTimeout)
			err := l.conn.Write(ctx, data)
			cancel()
			if err != nil {
				t.teardown(l, err)
				return
			}
		}
	}
}

func (t *Transport) dispatch(l *link, f Frame) {
	args, err := f.Args()
	if err != nil {
		t.logger.Warn("dropping frame", "name", f.Name, "frame_id", f.ID, "error", err)
		return
	}

	if f.ID != "" {
		t.mu.Lock()
		p := t.pending[f.ID]
		route := t.routes[f.ID]
		t.mu.Unlock()

		if p != nil {
			t.dispatchPending(p, f.Name, args)
			return
		}
		if route != nil {
			route(f.Name, args)
			return
		}
		if f.Type != FrameTypeEvent {
			t.logger.Debug("late response dropped", "name", f.Name, "frame_id", f.ID)
			return
		}
	}

	if f.Name == domain.EventInteract {
		go t.handleInteract(l.ctx, args)
		return
	}
	t.events.Publish(f.Name, args...)
}

func (t *Transport) dispatchPending(p *pendingCall, name string, args domain.Args) {
	if domain.IsTerminalResponse(name) {
		if !p.finish() {
			return
		}
		t.removePending(p.id)
		deliver(p.handlers, name, args)
		return
	}
	if !p.rearm() {
		return
	}
	deliver(p.handlers, name, args)
}

// teardown runs once per connection, whether the close was local or remote.
func (t *Transport) teardown(l *link, cause error) {
	first := false
	l.closeOnce.Do(func() { first = true })
	if !first {
		return
	}

	t.mu.Lock()
	current := t.link == l
	var pending []*pendingCall
	if current {
		t.link = nil
		t.state = StateDisconnected
		for _, p := range t.pending {
			pending = append(pending, p)
		}
		t.pending = make(map[string]*pendingCall)
		t.routes = make(map[string]RouteFunc)
	}
	t.mu.Unlock()

	close(l.done)
	// The read loop stays up until the close handshake completes.
	go func() {
		_ = l.conn.Close()
		l.cancel()
	}()

	if cause != nil {
		t.logger.Info("daemon disconnected", "conn_id", l.id, "error", cause)
	} else {
		t.logger.Info("daemon disconnected", "conn_id", l.id)
	}

	sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })
	for _, p := range pending {
		if p.finish() {
			fail(p.handlers, fmt.Errorf("%s: %w", p.id, domain.ErrTransportClosed))
		}
	}

	if !current {
		return
	}
	if t.interaction != nil {
		t.interaction.Dismiss()
	}
	t.events.Publish(domain.EventDisconnected)
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func newConnID() string {
	now := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(now.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}
