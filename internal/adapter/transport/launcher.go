package transport

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
)

// Launcher asks the operating system to start the daemon.
type Launcher interface {
	Launch(ctx context.Context) error
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func(ctx context.Context) error

func (f LauncherFunc) Launch(ctx context.Context) error { return f(ctx) }

// URILauncher opens the daemon's protocol-handler URI with the platform
// opener. The child is reaped in the background and its output is never
// read.
type URILauncher struct {
	uri    string
	goos   string
	start  func(name string, args ...string) error
	logger *slog.Logger
}

// NewURILauncher creates a launcher for uri (e.g. "cernvm-webapi:launch").
func NewURILauncher(uri string, logger *slog.Logger) *URILauncher {
	return &URILauncher{
		uri:    uri,
		goos:   runtime.GOOS,
		start:  startDetached,
		logger: logger,
	}
}

// Launch implements Launcher.
func (l *URILauncher) Launch(_ context.Context) error {
	if strings.TrimSpace(l.uri) == "" {
		return fmt.Errorf("launch daemon: launch uri is empty")
	}
	name, args := openerCommand(l.goos, l.uri)
	l.logger.Info("launching daemon", "uri", l.uri, "opener", name)
	if err := l.start(name, args...); err != nil {
		return fmt.Errorf("launch daemon: %w", err)
	}
	return nil
}

// Opener returns the platform command Launch runs.
func (l *URILauncher) Opener() string {
	name, _ := openerCommand(l.goos, l.uri)
	return name
}

// openerCommand returns the command that hands uri to the desktop's
// protocol handler on goos.
func openerCommand(goos, uri string) (string, []string) {
	switch goos {
	case "darwin":
		return "open", []string{uri}
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", uri}
	default:
		return "xdg-open", []string{uri}
	}
}

func startDetached(name string, args ...string) error {
	return spawn(name, args, nil)
}

// spawn starts name without blocking on it. A goroutine waits for the child
// so it never lingers as a zombie; onExit, when set, receives its exit error.
func spawn(name string, args []string, onExit func(error)) error {
	proc := exec.Command(name, args...) //nolint:gosec
	if err := proc.Start(); err != nil {
		return err
	}
	go func() {
		err := proc.Wait()
		if onExit != nil {
			onExit(err)
		}
	}()
	return nil
}

var (
	_ Launcher = (*URILauncher)(nil)
	_ Launcher = LauncherFunc(nil)
)
