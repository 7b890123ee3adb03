package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"cvmlink/internal/domain"
)

// Default acquisition settings.
const (
	DefaultProbeTimeout   = 100 * time.Millisecond
	DefaultRetryDelay     = 50 * time.Millisecond
	DefaultAcquireTimeout = 5 * time.Second

	defaultLaunchCooldown  = 10 * time.Second
	defaultBreakerFailures = uint32(3)
	defaultBreakerTimeout  = 30 * time.Second
	defaultBreakerInterval = 60 * time.Second
)

// AcquirerConfig tunes the probe/launch/poll loop.
type AcquirerConfig struct {
	ProbeTimeout time.Duration
	RetryDelay   time.Duration
	// LaunchCooldown is the minimum spacing between two launches.
	LaunchCooldown time.Duration
	// BreakerMaxFailures is the number of consecutive failed acquisitions
	// after which Acquire fails fast.
	BreakerMaxFailures uint32
	// BreakerTimeout is how long the breaker stays open.
	BreakerTimeout time.Duration
}

func (c AcquirerConfig) withDefaults() AcquirerConfig {
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.LaunchCooldown <= 0 {
		c.LaunchCooldown = defaultLaunchCooldown
	}
	if c.BreakerMaxFailures == 0 {
		c.BreakerMaxFailures = defaultBreakerFailures
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = defaultBreakerTimeout
	}
	return c
}

// Acquirer returns a live connection to the daemon, launching it through the
// protocol handler when the first probe fails.
type Acquirer struct {
	prober   Prober
	launcher Launcher
	cfg      AcquirerConfig
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker[Conn]
	logger   *slog.Logger
}

// NewAcquirer creates an acquirer. Zero config fields take defaults.
func NewAcquirer(prober Prober, launcher Launcher, cfg AcquirerConfig, logger *slog.Logger) *Acquirer {
	cfg = cfg.withDefaults()
	maxFailures := cfg.BreakerMaxFailures

	cb := gobreaker.NewCircuitBreaker[Conn](gobreaker.Settings{
		Name:        "acquire",
		MaxRequests: 1, // one acquisition in half-open state
		Interval:    defaultBreakerInterval,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation says nothing about the daemon.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &Acquirer{
		prober:   prober,
		launcher: launcher,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Every(cfg.LaunchCooldown), 1),
		breaker:  cb,
		logger:   logger,
	}
}

// Acquire probes endpoint once, launches the daemon on failure, then polls
// at a fixed interval until a probe succeeds or total has elapsed. Failure
// wraps domain.ErrServiceUnreachable.
func (a *Acquirer) Acquire(ctx context.Context, endpoint string, total time.Duration) (Conn, error) {
	conn, err := a.breaker.Execute(func() (Conn, error) {
		return a.acquire(ctx, endpoint, total)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %w", domain.ErrServiceUnreachable, err)
		}
		return nil, err
	}
	return conn, nil
}

// State returns the breaker state for status reporting.
func (a *Acquirer) State() gobreaker.State {
	return a.breaker.State()
}

func (a *Acquirer) acquire(ctx context.Context, endpoint string, total time.Duration) (Conn, error) {
	if total <= 0 {
		total = DefaultAcquireTimeout
	}
	deadline := time.Now().Add(total)

	if conn, ok := a.prober.Probe(ctx, endpoint, a.cfg.ProbeTimeout); ok {
		return conn, nil
	}

	a.launch(ctx)

	attempts := 1
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		wait := a.cfg.RetryDelay
		if remaining < wait {
			// Not enough budget for another attempt; let the deadline lapse.
			if err := sleep(ctx, remaining); err != nil {
				return nil, err
			}
			break
		}
		if err := sleep(ctx, wait); err != nil {
			return nil, err
		}

		attempts++
		if conn, ok := a.prober.Probe(ctx, endpoint, a.cfg.ProbeTimeout); ok {
			a.logger.Info("daemon reachable", "endpoint", endpoint, "attempts", attempts)
			return conn, nil
		}
	}

	a.logger.Warn("daemon unreachable", "endpoint", endpoint, "attempts", attempts, "timeout", total)
	return nil, domain.NewDomainError("Acquirer.Acquire", domain.ErrServiceUnreachable, endpoint)
}

func (a *Acquirer) launch(ctx context.Context) {
	if !a.limiter.Allow() {
		a.logger.Info("daemon launch throttled", "cooldown", a.cfg.LaunchCooldown)
		return
	}
	if err := a.launcher.Launch(ctx); err != nil {
		// Polling continues: the daemon may have been started by other means.
		a.logger.Warn("daemon launch failed", "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
