package webapi

import (
	"log/slog"
	"time"

	"cvmlink/internal/adapter/transport"
	"cvmlink/internal/infra/config"
	"cvmlink/internal/usecase/progress"
)

// Option configures a Client.
type Option func(*Client)

// WithConfig replaces every connection setting at once, typically with the
// client section of a loaded config file.
func WithConfig(cfg Config) Option {
	return func(c *Client) { c.cfg = cfg }
}

// WithEndpoint sets the daemon WebSocket endpoint.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) { c.cfg.Endpoint = endpoint }
}

// WithPageURL sets the URL of the launching page. Its fragment is the
// auth token sent in the handshake.
func WithPageURL(pageURL string) Option {
	return func(c *Client) { c.cfg.PageURL = pageURL }
}

// WithAuthToken sets the handshake token directly.
func WithAuthToken(token string) Option {
	return func(c *Client) { c.cfg.AuthToken = token }
}

// WithProtocolVersion overrides the protocol version announced in the
// handshake.
func WithProtocolVersion(version string) Option {
	return func(c *Client) { c.cfg.ProtocolVersion = version }
}

// WithAcquireTimeout bounds the probe/launch/poll loop.
func WithAcquireTimeout(d time.Duration) Option {
	return func(c *Client) { c.cfg.AcquireTimeout = d }
}

// WithRequestTimeout sets the default response timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.cfg.RequestTimeout = d }
}

// WithPollInterval sets how often sessions query the daemon status. A
// negative interval disables polling.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.cfg.PollInterval = d }
}

// WithLauncher replaces the protocol-handler launcher.
func WithLauncher(l Launcher) Option {
	return func(c *Client) { c.launcher = l }
}

// WithInteraction sets the handler for daemon prompts. Without one every
// prompt is declined.
func WithInteraction(h InteractionHandler) Option {
	return func(c *Client) { c.interaction = h }
}

// WithRegistry sets the progress registry sessions aggregate into.
func WithRegistry(r *progress.Registry) Option {
	return func(c *Client) { c.registry = r }
}

// WithLogger sets a custom slog.Logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// Config is the connection configuration; see the client section of the
// YAML config file.
type Config = config.ClientConfig

// DefaultConfig returns the built-in connection defaults.
func DefaultConfig() Config {
	return config.Defaults().Client
}

// Launcher starts the daemon when it is not reachable.
type Launcher = transport.Launcher

// InteractionHandler presents daemon prompts to the user.
type InteractionHandler = transport.InteractionHandler

// Interaction is one daemon prompt.
type Interaction = transport.Interaction

// Prompt kinds carried by Interaction.Kind.
const (
	InteractionConfirm           = transport.InteractionConfirm
	InteractionAlert             = transport.InteractionAlert
	InteractionConfirmLicense    = transport.InteractionConfirmLicense
	InteractionConfirmLicenseURL = transport.InteractionConfirmLicenseURL
)

// DefaultTimeout passed to Call selects the configured request timeout.
const DefaultTimeout = transport.DefaultTimeout
