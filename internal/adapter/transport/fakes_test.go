package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn is an in-memory Conn. Frames pushed to in are read by the
// transport; frames the transport writes land in out.
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("closed")
	default:
	}
	c.out <- data
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(t *testing.T, f Frame) {
	t.Helper()
	raw, err := json.Marshal(f)
	require.NoError(t, err)
	c.in <- raw
}

// reply pushes a response frame with positional args.
func (c *fakeConn) reply(t *testing.T, id, name string, args ...any) {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	c.push(t, Frame{Type: FrameTypeResponse, Name: name, ID: id, Data: raw})
}

func (c *fakeConn) event(t *testing.T, id, name string, args ...any) {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	c.push(t, Frame{Type: FrameTypeEvent, Name: name, ID: id, Data: raw})
}

// next returns the next frame written by the transport.
func (c *fakeConn) next(t *testing.T) Frame {
	t.Helper()
	select {
	case raw := <-c.out:
		f, err := DecodeFrame(raw)
		require.NoError(t, err)
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return Frame{}
	}
}

func (c *fakeConn) expectSilence(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case raw := <-c.out:
		t.Fatalf("unexpected outbound frame: %s", raw)
	case <-time.After(d):
	}
}

type acquireFunc func(ctx context.Context, endpoint string, total time.Duration) (Conn, error)

func (f acquireFunc) Acquire(ctx context.Context, endpoint string, total time.Duration) (Conn, error) {
	return f(ctx, endpoint, total)
}

func connAcquirer(c Conn) acquireFunc {
	return func(context.Context, string, time.Duration) (Conn, error) { return c, nil }
}

// fakeProber answers probes from a script; the nth call (1-based) succeeds
// when n == succeedOn.
type fakeProber struct {
	mu        sync.Mutex
	calls     int
	succeedOn int
	delay     time.Duration
}

func (p *fakeProber) Probe(ctx context.Context, _ string, _ time.Duration) (Conn, bool) {
	p.mu.Lock()
	p.calls++
	n := p.calls
	p.mu.Unlock()
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if p.succeedOn > 0 && n == p.succeedOn {
		return newFakeConn(), true
	}
	return nil, false
}

func (p *fakeProber) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type countingLauncher struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (l *countingLauncher) Launch(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return l.err
}

func (l *countingLauncher) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

// recorder collects events published on a dispatcher.
type recorder struct {
	mu     sync.Mutex
	events []recorded
	ch     chan recorded
}

type recorded struct {
	name string
	args []any
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan recorded, 64)}
}

func (r *recorder) listener(name string) func(args ...any) {
	return func(args ...any) {
		ev := recorded{name: name, args: args}
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
		r.ch <- ev
	}
}

func (r *recorder) wait(t *testing.T, name string) recorded {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-r.ch:
			if ev.name == name {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %q", name)
			return recorded{}
		}
	}
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.name == name {
			n++
		}
	}
	return n
}
