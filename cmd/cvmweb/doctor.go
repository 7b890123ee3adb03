package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"cvmlink/internal/adapter/transport"
	"cvmlink/internal/infra/config"
	"cvmlink/internal/infra/logger"
	"cvmlink/pkg/webapi"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
	StatusSkip CheckStatus = "SKIP"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(ctx context.Context, cfg *config.Config) CheckResult
}

const doctorDialTimeout = time.Second

func newDoctorCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:         "doctor",
		Short:       "Check the configuration and the daemon connection",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{"skipConfig": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ctx.configPath()
			cfg, cfgErr := ctx.ensureConfig()
			return runDoctor(cmd.Context(), cmd.OutOrStdout(), path, cfg, cfgErr)
		},
	}
}

// runDoctor executes all health checks and reports results.
func runDoctor(ctx context.Context, out io.Writer, cfgPath string, cfg *config.Config, cfgErr error) error {
	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Auth token", Fn: checkAuthToken},
		{Name: "Launcher", Fn: checkLauncher},
		{Name: "Endpoint", Fn: checkEndpoint},
		{Name: "Handshake", Fn: checkHandshake},
	}

	fmt.Fprintln(out, textBold.Render("cvmweb doctor"))
	fmt.Fprintln(out, strings.Repeat("=", 50))
	fmt.Fprintln(out)

	var pass, warn, fail int
	reachable := true
	for _, check := range checks {
		var result CheckResult
		switch {
		case cfg == nil && check.Name != "Config file":
			result = CheckResult{Status: StatusSkip, Message: "no usable configuration"}
		case !reachable && check.Name == "Handshake":
			result = CheckResult{Status: StatusSkip, Message: "endpoint not reachable"}
		default:
			result = check.Fn(ctx, cfg)
		}
		result.Name = check.Name
		if check.Name == "Endpoint" && result.Status == StatusFail {
			reachable = false
		}

		fmt.Fprintf(out, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(out, "      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, strings.Repeat("-", 50))
	fmt.Fprintf(out, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return textSuccess.Render("[PASS]")
	case StatusWarn:
		return textWarning.Render("[WARN]")
	case StatusFail:
		return textError.Render("[FAIL]")
	case StatusSkip:
		return textMuted.Render("[SKIP]")
	default:
		return "[????]"
	}
}

// checkConfigFile returns a check that verifies the config file loads. A
// missing file is only a warning since the defaults apply.
func checkConfigFile(cfgPath string, cfgErr error) func(context.Context, *config.Config) CheckResult {
	return func(context.Context, *config.Config) CheckResult {
		if cfgErr != nil {
			var verr *config.ValidationError
			fix := "Check config.yaml syntax and file permissions (must not be group or world writable)"
			if errors.As(cfgErr, &verr) {
				fix = "Correct the invalid settings in the config file"
			}
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     fix,
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults", cfgPath),
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

// checkAuthToken warns when the handshake would carry no token.
func checkAuthToken(_ context.Context, cfg *config.Config) CheckResult {
	if cfg.Client.AuthToken != "" {
		return CheckResult{Status: StatusPass, Message: "auth token configured"}
	}
	if u, err := url.Parse(cfg.Client.PageURL); err == nil && u.Fragment != "" {
		return CheckResult{Status: StatusPass, Message: "auth token taken from page_url fragment"}
	}
	return CheckResult{
		Status:  StatusWarn,
		Message: "no auth token; the daemon may ask for confirmation",
		Fix:     "Set client.auth_token or a page_url with a #token fragment",
	}
}

// checkLauncher verifies the platform opener used to start the daemon.
func checkLauncher(_ context.Context, cfg *config.Config) CheckResult {
	opener := transport.NewURILauncher(cfg.Client.LaunchURI, logger.Discard()).Opener()
	if _, err := exec.LookPath(opener); err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s not found; the daemon cannot be started automatically", opener),
			Fix:     "Start the daemon manually before connecting",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s opens %s", opener, cfg.Client.LaunchURI),
	}
}

// checkEndpoint makes a single connection attempt without launching.
func checkEndpoint(ctx context.Context, cfg *config.Config) CheckResult {
	conn, ok := transport.NewWSProber(logger.Discard()).Probe(ctx, cfg.Client.Endpoint, doctorDialTimeout)
	if !ok {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("daemon not reachable at %s", cfg.Client.Endpoint),
			Fix:     "Start the daemon, or install it from " + webapi.InstallURL,
		}
	}
	_ = conn.Close()
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("daemon listening at %s", cfg.Client.Endpoint),
	}
}

// checkHandshake connects with the configured credentials and never
// launches the daemon.
func checkHandshake(ctx context.Context, cfg *config.Config) CheckResult {
	clientCfg := cfg.Client
	clientCfg.AcquireTimeout = doctorDialTimeout
	noLaunch := transport.LauncherFunc(func(context.Context) error { return nil })

	c, err := webapi.Start(ctx,
		webapi.WithConfig(clientCfg),
		webapi.WithLauncher(noLaunch),
		webapi.WithPollInterval(-1),
	)
	if err != nil {
		result := CheckResult{Status: StatusFail, Message: fmt.Sprintf("handshake failed: %v", err)}
		if errors.Is(err, webapi.ErrHandshakeFailed) {
			result.Fix = "Check the auth token and protocol_version"
		}
		return result
	}
	defer c.Close()
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("protocol version %s", c.Version()),
	}
}
