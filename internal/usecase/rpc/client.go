// Package rpc layers request semantics over a frame transport: handshake
// gating, (message, code) error shaping, response-name callbacks and
// session establishment.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cvmlink/internal/domain"
	"cvmlink/internal/infra/tracer"
	"cvmlink/internal/usecase/eventbus"
	"cvmlink/internal/usecase/progress"
	"cvmlink/internal/usecase/session"
)

// FrameTransport is the connection the client drives.
type FrameTransport interface {
	Connect(ctx context.Context) error
	Close() error
	Send(action string, data any, h *domain.ResponseHandlers, timeout time.Duration) (string, error)
	Route(id string, fn domain.RouteFunc) (cancel func())
	Events() *eventbus.Dispatcher
}

// Options configures a Client.
type Options struct {
	// RequestTimeout applies to Call and Invoke when they pass
	// domain.DefaultTimeout. Zero leaves the transport's default in place.
	RequestTimeout time.Duration
	// SessionTimeout bounds requestSession between two responses.
	SessionTimeout time.Duration
	// Session is the template for sessions created by RequestSession.
	Session session.Options
}

// Client is the request layer over one transport. It becomes ready when a
// handshake succeeds and stops being ready when the transport disconnects.
type Client struct {
	tr       FrameTransport
	opts     Options
	events   *eventbus.Dispatcher
	registry *progress.Registry
	logger   *slog.Logger

	mu       sync.Mutex
	ready    bool
	version  string
	sessions map[*session.Session]struct{}

	unsubscribe func()
}

// New attaches a client to tr. Transport events are republished on the
// client's own dispatcher.
func New(tr FrameTransport, opts Options, logger *slog.Logger) *Client {
	if opts.Session.Registry == nil {
		opts.Session.Registry = progress.Default()
	}
	c := &Client{
		tr:       tr,
		opts:     opts,
		events:   eventbus.New(logger),
		registry: opts.Session.Registry,
		logger:   logger,
		sessions: make(map[*session.Session]struct{}),
	}
	c.unsubscribe = tr.Events().SubscribeAll(c.forward)
	return c
}

func (c *Client) forward(name string, args ...any) {
	switch name {
	case domain.EventConnected:
		c.mu.Lock()
		c.ready = true
		c.version = domain.Args(args).String(0)
		c.mu.Unlock()
	case domain.EventDisconnected:
		c.mu.Lock()
		c.ready = false
		orphans := c.sessions
		c.sessions = make(map[*session.Session]struct{})
		c.mu.Unlock()
		// Their routes died with the connection.
		for s := range orphans {
			s.Detach()
		}
	}
	c.events.Publish(name, args...)
}

// Events returns the client dispatcher: connected, disconnected,
// handshakeFailed, connectFailed, the smart progress events of pending
// session requests, started, completed and every uncorrelated daemon event.
func (c *Client) Events() *eventbus.Dispatcher { return c.events }

// Registry returns the progress registry sessions aggregate into.
func (c *Client) Registry() *progress.Registry { return c.registry }

// Ready reports whether a handshake has succeeded on the live connection.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Version returns the daemon's protocol version from the last handshake.
func (c *Client) Version() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Connect opens the transport and waits for the handshake. It returns the
// daemon's protocol version. Callers that join a connect already in
// progress share its outcome, including an acquisition failure. A refused handshake closes the transport and
// returns an error wrapping both domain.ErrHandshakeFailed and the daemon's
// *domain.RemoteError.
func (c *Client) Connect(ctx context.Context) (string, error) {
	ctx, span := tracer.StartSpan(ctx, "rpc.connect")
	defer span.End()

	if c.Ready() {
		tracer.SetOK(span)
		return c.Version(), nil
	}

	type outcome struct {
		version string
		err     error
	}
	out := make(chan outcome, 1)
	var once sync.Once
	settle := func(o outcome) { once.Do(func() { out <- o }) }

	ok := c.events.Once(domain.EventConnected, func(args ...any) {
		settle(outcome{version: domain.Args(args).String(0)})
	})
	refused := c.events.Once(domain.EventHandshakeFailed, func(args ...any) {
		re := domain.NewRemoteError(domain.Args(args).Message())
		settle(outcome{err: fmt.Errorf("%w: %w", domain.ErrHandshakeFailed, re)})
	})
	dropped := c.events.Once(domain.EventDisconnected, func(...any) {
		settle(outcome{err: domain.ErrTransportClosed})
	})
	unreachable := c.events.Once(domain.EventConnectFailed, func(args ...any) {
		err, _ := domain.Args(args).At(0).(error)
		if err == nil {
			err = domain.ErrServiceUnreachable
		}
		settle(outcome{err: err})
	})
	defer ok.Cancel()
	defer refused.Cancel()
	defer dropped.Cancel()
	defer unreachable.Cancel()

	// A handshake that finished between the check above and the
	// subscriptions has already published "connected".
	if c.Ready() {
		settle(outcome{version: c.Version()})
	}

	if err := c.tr.Connect(ctx); err != nil && !errors.Is(err, domain.ErrConnectInProgress) {
		tracer.RecordError(span, err)
		return "", domain.WrapOp("Client.Connect", err)
	}

	select {
	case o := <-out:
		if o.err != nil {
			if errors.Is(o.err, domain.ErrHandshakeFailed) {
				_ = c.tr.Close()
			}
			tracer.RecordError(span, o.err)
			return "", domain.WrapOp("Client.Connect", o.err)
		}
		span.SetAttributes(tracer.Version(o.version))
		tracer.SetOK(span)
		return o.version, nil
	case <-ctx.Done():
		tracer.RecordError(span, ctx.Err())
		return "", domain.WrapOp("Client.Connect", ctx.Err())
	}
}

// track keeps s so a disconnect can invalidate it. Sessions that are no
// longer valid are dropped on the way.
func (c *Client) track(s *session.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for old := range c.sessions {
		if !old.Valid() {
			delete(c.sessions, old)
		}
	}
	c.sessions[s] = struct{}{}
}

// Close closes the transport.
func (c *Client) Close() error {
	return c.tr.Close()
}

// Call sends action and maps its correlated responses onto cb. The returned
// error reports failures to send; everything after that, including the
// response timeout and a dropped connection, reaches cb.OnFailed exactly
// once. timeout 0 waits forever and domain.DefaultTimeout uses
// Options.RequestTimeout.
func (c *Client) Call(action string, data any, cb domain.Callbacks, timeout time.Duration) error {
	_, err := c.send(action, data, cb, timeout)
	return err
}

// send is Call returning the frame id of the request.
func (c *Client) send(action string, data any, cb domain.Callbacks, timeout time.Duration) (string, error) {
	if !c.Ready() {
		return "", domain.NewDomainError("Client.Call", domain.ErrNotReady, action)
	}
	if timeout == domain.DefaultTimeout && c.opts.RequestTimeout > 0 {
		timeout = c.opts.RequestTimeout
	}

	var failOnce sync.Once
	failed := func(re *domain.RemoteError) {
		failOnce.Do(func() {
			if cb.OnFailed != nil {
				cb.OnFailed(re)
			}
		})
	}
	h := &domain.ResponseHandlers{
		On: map[string]func(domain.Args){
			domain.ResponseFailed: func(args domain.Args) {
				failed(domain.NewRemoteError(args.Message()))
			},
		},
		Any: func(name string, args domain.Args) {
			if fn := callbackFor(cb, name); fn != nil {
				fn(args)
			}
		},
		OnError: func(err error) {
			failed(domain.AsRemoteError(err))
		},
	}
	return c.tr.Send(action, data, h, timeout)
}

// callbackFor resolves a response name to its handler in cb.
func callbackFor(cb domain.Callbacks, name string) func(domain.Args) {
	switch name {
	case domain.ResponseSucceed:
		return cb.OnSucceed
	case domain.ResponseProgress:
		return cb.OnProgress
	case domain.ResponseStarted:
		return cb.OnStarted
	case domain.ResponseCompleted:
		return cb.OnCompleted
	default:
		return cb.Extra[domain.CallbackKey(name)]
	}
}

// Invoke sends action and blocks until it succeeds, fails or ctx is done.
// A daemon refusal is returned as a wrapped *domain.RemoteError.
func (c *Client) Invoke(ctx context.Context, action string, data any, timeout time.Duration) (domain.Args, error) {
	ctx, span := tracer.StartRequest(ctx, action)
	defer span.End()

	type result struct {
		args domain.Args
		err  error
	}
	out := make(chan result, 1)
	id, err := c.send(action, data, domain.Callbacks{
		OnSucceed: func(args domain.Args) { out <- result{args: args} },
		OnFailed:  func(re *domain.RemoteError) { out <- result{err: re} },
	}, timeout)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(tracer.Frame(id))

	select {
	case r := <-out:
		if r.err != nil {
			tracer.RecordRemote(span, r.err, int(domain.CodeOf(r.err)))
			return nil, domain.WrapOp(action, r.err)
		}
		tracer.SetOK(span)
		return r.args, nil
	case <-ctx.Done():
		tracer.RecordError(span, ctx.Err())
		return nil, domain.WrapOp(action, ctx.Err())
	}
}

// Route forwards frames addressed to id until cancel is called.
func (c *Client) Route(id string, fn domain.RouteFunc) (cancel func()) {
	return c.tr.Route(id, fn)
}

// DaemonStatus asks whether the daemon process is running and the host
// is idle. Both keyed and positional answers are understood.
func (c *Client) DaemonStatus(ctx context.Context) (domain.DaemonStatus, error) {
	args, err := c.Invoke(ctx, domain.ActionDaemonStatus, nil, domain.DefaultTimeout)
	if err != nil {
		return domain.DaemonStatus{}, err
	}
	if m := args.Map(0); m != nil {
		return domain.DaemonStatus{
			Running: domain.Args{m["running"]}.Bool(0),
			Idle:    domain.Args{m["idle"]}.Bool(0),
		}, nil
	}
	return domain.DaemonStatus{Running: args.Bool(0), Idle: args.Bool(1)}, nil
}

// Shutdown asks the daemon to exit. No answer is expected.
func (c *Client) Shutdown() error {
	if !c.Ready() {
		return domain.NewDomainError("Client.Shutdown", domain.ErrNotReady, domain.ActionExit)
	}
	_, err := c.tr.Send(domain.ActionExit, nil, nil, 0)
	return err
}

// Detach stops republishing transport events.
func (c *Client) Detach() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}
