package config

import (
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateClient(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateClient(cfg *Config, ve *ValidationError) {
	c := cfg.Client

	u, err := url.Parse(c.Endpoint)
	switch {
	case c.Endpoint == "":
		ve.Add("client.endpoint is required")
	case err != nil:
		ve.Add("client.endpoint: %v", err)
	case u.Scheme != "ws" && u.Scheme != "wss":
		ve.Add("client.endpoint must use ws:// or wss://, got %q", c.Endpoint)
	case u.Host == "":
		ve.Add("client.endpoint has no host")
	}

	if c.LaunchURI != "" && !strings.Contains(c.LaunchURI, ":") {
		ve.Add("client.launch_uri must be a URI, got %q", c.LaunchURI)
	}
	if c.ProtocolVersion == "" {
		ve.Add("client.protocol_version is required")
	}
	if c.PageURL != "" {
		if _, err := url.Parse(c.PageURL); err != nil {
			ve.Add("client.page_url: %v", err)
		}
	}

	positive := map[string]int64{
		"client.probe_timeout":   int64(c.ProbeTimeout),
		"client.retry_delay":     int64(c.RetryDelay),
		"client.acquire_timeout": int64(c.AcquireTimeout),
		"client.request_timeout": int64(c.RequestTimeout),
		"client.session_timeout": int64(c.SessionTimeout),
		"client.launch_cooldown": int64(c.LaunchCooldown),
		"client.breaker.timeout": int64(c.Breaker.Timeout),
	}
	for _, key := range slices.Sorted(maps.Keys(positive)) {
		if positive[key] <= 0 {
			ve.Add("%s must be positive", key)
		}
	}
	if c.ProgressGrace < 0 {
		ve.Add("client.progress_grace must not be negative")
	}
	if c.RetryDelay > c.AcquireTimeout && c.AcquireTimeout > 0 {
		ve.Add("client.retry_delay (%s) exceeds client.acquire_timeout (%s)", c.RetryDelay, c.AcquireTimeout)
	}
	if c.Breaker.MaxFailures == 0 {
		ve.Add("client.breaker.max_failures must be at least 1")
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (debug, info, warn, error)", cfg.Logger.Level)
	}
	if f := cfg.Logger.Format; f != "text" && f != "json" {
		ve.Add("logger.format %q is invalid (text, json)", f)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is invalid (noop, stdout)", cfg.Tracer.Exporter)
	}
}
