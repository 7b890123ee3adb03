package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"cvmlink/internal/infra/config"
	"cvmlink/internal/infra/logger"
	"cvmlink/internal/infra/tracer"
	"cvmlink/pkg/webapi"
)

type commandContext struct {
	configFlag   *string
	endpointFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error

	logger      *slog.Logger
	closeLogger func() error
	stopTracer  func(context.Context) error
}

func newCommandContext(configFlag, endpointFlag *string) *commandContext {
	return &commandContext{
		configFlag:   configFlag,
		endpointFlag: endpointFlag,
		logger:       logger.Discard(),
	}
}

// configPath resolves --config, then CVMWEB_CONFIG, then the user config
// directory.
func (c *commandContext) configPath() string {
	if c.configFlag != nil {
		if p := strings.TrimSpace(*c.configFlag); p != "" {
			return p
		}
	}
	if p := os.Getenv("CVMWEB_CONFIG"); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(dir, "cvmweb", "config.yaml")
}

// ensureConfig loads the configuration once and brings up logging and
// tracing from it.
func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, err := config.Load(c.configPath())
		if err != nil {
			c.configErr = err
			return
		}
		if c.endpointFlag != nil {
			if ep := strings.TrimSpace(*c.endpointFlag); ep != "" {
				cfg.Client.Endpoint = ep
				if err := config.Validate(cfg); err != nil {
					c.configErr = err
					return
				}
			}
		}

		log, closeLog, err := logger.New(cfg.Logger)
		if err != nil {
			c.configErr = fmt.Errorf("init logger: %w", err)
			return
		}
		stop, err := tracer.Setup(context.Background(), cfg.Tracer)
		if err != nil {
			_ = closeLog()
			c.configErr = fmt.Errorf("init tracer: %w", err)
			return
		}

		c.config = cfg
		c.logger = log
		c.closeLogger = closeLog
		c.stopTracer = stop
	})
	return c.config, c.configErr
}

// release flushes spans and closes the log output.
func (c *commandContext) release(ctx context.Context) error {
	var errs []error
	if c.stopTracer != nil {
		errs = append(errs, c.stopTracer(ctx))
		c.stopTracer = nil
	}
	if c.closeLogger != nil {
		errs = append(errs, c.closeLogger())
		c.closeLogger = nil
	}
	return errors.Join(errs...)
}

// withClient connects to the daemon for the duration of fn. Interrupts
// cancel the context handed to fn.
func (c *commandContext) withClient(cmd *cobra.Command, fn func(context.Context, *webapi.Client) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := webapi.Start(ctx,
		webapi.WithConfig(cfg.Client),
		webapi.WithLogger(c.logger),
		webapi.WithInteraction(newConsolePrompt(cmd.InOrStdin(), cmd.ErrOrStderr())),
	)
	if err != nil {
		if errors.Is(err, webapi.ErrServiceUnreachable) {
			return fmt.Errorf("%w; install the daemon from %s", err, webapi.InstallURL)
		}
		return err
	}
	defer client.Close()

	return fn(ctx, client)
}
