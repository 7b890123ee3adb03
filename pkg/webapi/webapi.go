// Package webapi is the client SDK for the local virtual machine daemon.
//
// It connects to the daemon's loopback WebSocket endpoint, launching the
// daemon through its protocol handler when needed, performs the protocol
// handshake and hands out sessions.
//
// Example:
//
//	c, err := webapi.Start(ctx,
//	    webapi.WithPageURL("https://example.org/app#token"),
//	)
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//	s, err := c.RequestSession(ctx, "https://vmcp.example.org/challenge")
//	if err != nil {
//	    return err
//	}
//	err = s.Start(ctx, map[string]any{"user": "alice"})
package webapi

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"cvmlink/internal/adapter/transport"
	"cvmlink/internal/domain"
	"cvmlink/internal/usecase/eventbus"
	"cvmlink/internal/usecase/progress"
	"cvmlink/internal/usecase/rpc"
	"cvmlink/internal/usecase/session"
)

// InstallURL is where users obtain the daemon when it cannot be reached.
const InstallURL = "https://cernvm-online.cern.ch"

// Re-exported types.
type (
	Session      = session.Session
	SessionState = domain.SessionState
	Callbacks    = domain.Callbacks
	Args         = domain.Args
	RemoteError  = domain.RemoteError
	ErrorCode    = domain.ErrorCode
	DaemonStatus = domain.DaemonStatus
	Dispatcher   = eventbus.Dispatcher
)

// Errors callers can test for with errors.Is.
var (
	ErrServiceUnreachable = domain.ErrServiceUnreachable
	ErrResponseTimeout    = domain.ErrResponseTimeout
	ErrRemoteRejected     = domain.ErrRemoteRejected
	ErrTransportClosed    = domain.ErrTransportClosed
	ErrNotReady           = domain.ErrNotReady
	ErrHandshakeFailed    = domain.ErrHandshakeFailed
	ErrSessionInvalid     = domain.ErrSessionInvalid
)

// Client owns one daemon connection. It is safe for concurrent use.
type Client struct {
	cfg         Config
	launcher    Launcher
	interaction InteractionHandler
	registry    *progress.Registry
	logger      *slog.Logger

	acquirer *transport.Acquirer
	tr       *transport.Transport
	rpc      *rpc.Client
}

// New builds a disconnected client. Unset settings take DefaultConfig.
func New(opts ...Option) *Client {
	c := &Client{
		cfg:    DefaultConfig(),
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.launcher == nil {
		c.launcher = transport.NewURILauncher(c.cfg.LaunchURI, c.logger)
	}
	if c.registry == nil {
		c.registry = progress.NewRegistry(c.cfg.ProgressGrace, c.logger)
	}

	c.acquirer = transport.NewAcquirer(
		transport.NewWSProber(c.logger),
		c.launcher,
		transport.AcquirerConfig{
			ProbeTimeout:       c.cfg.ProbeTimeout,
			RetryDelay:         c.cfg.RetryDelay,
			LaunchCooldown:     c.cfg.LaunchCooldown,
			BreakerMaxFailures: c.cfg.Breaker.MaxFailures,
			BreakerTimeout:     c.cfg.Breaker.Timeout,
		},
		c.logger,
	)
	c.tr = transport.New(c.acquirer, transport.Options{
		Endpoint:       c.cfg.Endpoint,
		Version:        c.cfg.ProtocolVersion,
		AuthToken:      c.cfg.AuthToken,
		PageURL:        c.cfg.PageURL,
		AcquireTimeout: c.cfg.AcquireTimeout,
		RequestTimeout: c.cfg.RequestTimeout,
		Interaction:    c.interaction,
	}, c.logger)
	c.rpc = rpc.New(c.tr, rpc.Options{
		SessionTimeout: c.cfg.SessionTimeout,
		Session: session.Options{
			AckTimeout:   c.cfg.RequestTimeout,
			PollInterval: c.cfg.PollInterval,
			Registry:     c.registry,
		},
	}, c.logger)
	return c
}

// Start builds a client and connects it. When the daemon cannot be reached
// the error wraps ErrServiceUnreachable and users should be pointed to
// InstallURL.
func Start(ctx context.Context, opts ...Option) (*Client, error) {
	c := New(opts...)
	if _, err := c.Connect(ctx); err != nil {
		if errors.Is(err, domain.ErrServiceUnreachable) {
			c.logger.Warn("daemon not reachable", "endpoint", c.cfg.Endpoint, "install_url", InstallURL)
		}
		return nil, err
	}
	return c, nil
}

// Connect connects and performs the handshake. It returns the daemon's
// protocol version.
func (c *Client) Connect(ctx context.Context) (string, error) {
	return c.rpc.Connect(ctx)
}

// Close drops the connection. Pending calls fail with ErrTransportClosed.
func (c *Client) Close() error {
	return c.rpc.Close()
}

// Ready reports whether the handshake has completed on the live connection.
func (c *Client) Ready() bool { return c.rpc.Ready() }

// Version returns the daemon's protocol version.
func (c *Client) Version() string { return c.rpc.Version() }

// Events returns the client dispatcher.
func (c *Client) Events() *Dispatcher { return c.rpc.Events() }

// Progress returns the global progress registry.
func (c *Client) Progress() *progress.Registry { return c.registry }

// RequestSession asks the daemon for the session described by the VM
// contextualization point at vmcp.
func (c *Client) RequestSession(ctx context.Context, vmcp string) (*Session, error) {
	return c.rpc.RequestSession(ctx, rpc.SessionRequest{VMCP: vmcp})
}

// DaemonStatus reports whether the daemon is running and the host is idle.
func (c *Client) DaemonStatus(ctx context.Context) (DaemonStatus, error) {
	return c.rpc.DaemonStatus(ctx)
}

// Call sends a raw action with named response callbacks. timeout 0 waits
// forever; DefaultTimeout uses the configured request timeout.
func (c *Client) Call(action string, data any, cb Callbacks, timeout time.Duration) error {
	return c.rpc.Call(action, data, cb, timeout)
}

// Invoke sends a raw action and waits for its outcome.
func (c *Client) Invoke(ctx context.Context, action string, data any) (Args, error) {
	return c.rpc.Invoke(ctx, action, data, domain.DefaultTimeout)
}

// Shutdown asks the daemon to exit.
func (c *Client) Shutdown() error { return c.rpc.Shutdown() }
