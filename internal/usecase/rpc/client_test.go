package rpc_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cvmlink/internal/adapter/transport"
	"cvmlink/internal/domain"
	"cvmlink/internal/testsupport/fakedaemon"
	"cvmlink/internal/usecase/progress"
	"cvmlink/internal/usecase/rpc"
	"cvmlink/internal/usecase/session"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startDaemon(t *testing.T) *fakedaemon.Server {
	t.Helper()
	d := fakedaemon.New()
	require.NoError(t, d.Start())
	t.Cleanup(d.Stop)
	return d
}

type fixture struct {
	tr     *transport.Transport
	client *rpc.Client
}

func newFixture(t *testing.T, d *fakedaemon.Server, requestTimeout time.Duration) *fixture {
	t.Helper()
	acq := transport.NewAcquirer(
		transport.NewWSProber(discardLogger()),
		transport.LauncherFunc(func(context.Context) error { return nil }),
		transport.AcquirerConfig{ProbeTimeout: 200 * time.Millisecond, RetryDelay: 20 * time.Millisecond},
		discardLogger(),
	)
	tr := transport.New(acq, transport.Options{
		Endpoint:       d.URL(),
		Version:        "2.0.0",
		AcquireTimeout: time.Second,
		RequestTimeout: requestTimeout,
	}, discardLogger())
	client := rpc.New(tr, rpc.Options{
		Session: session.Options{
			PollInterval: -1,
			Registry:     progress.NewRegistry(10*time.Millisecond, discardLogger()),
		},
	}, discardLogger())
	t.Cleanup(func() { _ = client.Close() })
	return &fixture{tr: tr, client: client}
}

func connect(t *testing.T, f *fixture) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := f.client.Connect(ctx)
	require.NoError(t, err)
}

func TestConnect_Handshake(t *testing.T) {
	d := startDaemon(t)
	f := newFixture(t, d, 0)

	connected := make(chan string, 1)
	f.client.Events().Subscribe(domain.EventConnected, func(args ...any) {
		connected <- domain.Args(args).String(0)
	})

	assert.False(t, f.client.Ready())
	version, err := f.client.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.0", version)
	assert.True(t, f.client.Ready())
	assert.Equal(t, "1.0", f.client.Version())
	assert.Equal(t, "1.0", <-connected)

	hs, ok := d.WaitAction(domain.ActionHandshake, time.Second)
	require.True(t, ok)
	var body map[string]any
	require.NoError(t, fakedaemon.Decode(hs, &body))
	assert.Equal(t, "2.0.0", body["version"])

	again, err := f.client.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.0", again)
	assert.Equal(t, 1, d.Accepted())
}

func TestConnect_HandshakeRefused(t *testing.T) {
	d := startDaemon(t)
	d.Handle(domain.ActionHandshake, func(_ context.Context, c *fakedaemon.Client, req fakedaemon.Frame) {
		c.Reply(req.ID, "failed", "Bad credentials", int(domain.CodePasswordDenied))
	})
	f := newFixture(t, d, 0)

	_, err := f.client.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrHandshakeFailed)
	assert.Equal(t, domain.CodePasswordDenied, domain.CodeOf(err))
	assert.False(t, f.client.Ready())
	assert.Eventually(t, func() bool { return f.tr.State() == transport.StateDisconnected },
		time.Second, 10*time.Millisecond)
}

func TestConnect_HandshakeTimeout(t *testing.T) {
	d := startDaemon(t)
	d.Silence(domain.ActionHandshake)
	f := newFixture(t, d, 100*time.Millisecond)

	_, err := f.client.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrHandshakeFailed)
	var re *domain.RemoteError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "Response timeout", re.Message)
	assert.False(t, f.client.Ready())
}

func TestConnect_Unreachable(t *testing.T) {
	d := startDaemon(t)
	url := d.URL()
	d.Stop()

	acq := transport.NewAcquirer(
		transport.NewWSProber(discardLogger()),
		transport.LauncherFunc(func(context.Context) error { return nil }),
		transport.AcquirerConfig{ProbeTimeout: 50 * time.Millisecond, RetryDelay: 20 * time.Millisecond},
		discardLogger(),
	)
	tr := transport.New(acq, transport.Options{Endpoint: url, AcquireTimeout: 200 * time.Millisecond}, discardLogger())
	client := rpc.New(tr, rpc.Options{}, discardLogger())

	_, err := client.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrServiceUnreachable)
}

func TestConnect_ConcurrentJoinFailedAcquisition(t *testing.T) {
	d := startDaemon(t)
	url := d.URL()
	d.Stop()

	launched := make(chan struct{})
	release := make(chan struct{})
	var launchOnce sync.Once
	acq := transport.NewAcquirer(
		transport.NewWSProber(discardLogger()),
		transport.LauncherFunc(func(context.Context) error {
			launchOnce.Do(func() { close(launched) })
			<-release
			return nil
		}),
		transport.AcquirerConfig{ProbeTimeout: 50 * time.Millisecond, RetryDelay: 20 * time.Millisecond},
		discardLogger(),
	)
	tr := transport.New(acq, transport.Options{Endpoint: url, AcquireTimeout: 200 * time.Millisecond}, discardLogger())
	client := rpc.New(tr, rpc.Options{}, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	errs := make(chan error, 2)
	go func() {
		_, err := client.Connect(ctx)
		errs <- err
	}()
	<-launched
	go func() {
		_, err := client.Connect(ctx)
		errs <- err
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrServiceUnreachable)
			assert.NotErrorIs(t, err, context.DeadlineExceeded)
		case <-time.After(3 * time.Second):
			t.Fatal("joined Connect never settled")
		}
	}
	assert.Equal(t, transport.StateDisconnected, tr.State())
}

func TestConnect_Concurrent(t *testing.T) {
	d := startDaemon(t)
	f := newFixture(t, d, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	const callers = 5
	var wg sync.WaitGroup
	versions := make(chan string, callers)
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := f.client.Connect(ctx)
			if err != nil {
				errs <- err
				return
			}
			versions <- v
		}()
	}
	wg.Wait()
	close(versions)
	close(errs)

	for err := range errs {
		t.Errorf("connect: %v", err)
	}
	n := 0
	for v := range versions {
		assert.Equal(t, "1.0", v)
		n++
	}
	assert.Equal(t, callers, n)
	assert.Equal(t, 1, d.Accepted())
	assert.True(t, f.client.Ready())
}

func TestCall_NotReady(t *testing.T) {
	d := startDaemon(t)
	f := newFixture(t, d, 0)

	err := f.client.Call("anything", nil, domain.Callbacks{}, 0)
	assert.ErrorIs(t, err, domain.ErrNotReady)
	assert.ErrorIs(t, f.client.Shutdown(), domain.ErrNotReady)

	_, err = f.client.Invoke(context.Background(), "anything", nil, 0)
	assert.ErrorIs(t, err, domain.ErrNotReady)
}

func TestCall_CallbackNaming(t *testing.T) {
	d := startDaemon(t)
	d.Handle("work", func(_ context.Context, c *fakedaemon.Client, req fakedaemon.Frame) {
		c.Reply(req.ID, "started")
		c.Reply(req.ID, "progress", 1, 2, "half")
		c.Reply(req.ID, "paused", "waiting")
		c.Reply(req.ID, "completed")
		c.Reply(req.ID, "succeed", "done")
	})
	f := newFixture(t, d, 0)
	connect(t, f)

	var order []string
	done := make(chan struct{})
	err := f.client.Call("work", nil, domain.Callbacks{
		OnStarted:   func(domain.Args) { order = append(order, "started") },
		OnProgress:  func(a domain.Args) { order = append(order, "progress:"+a.String(2)) },
		OnCompleted: func(domain.Args) { order = append(order, "completed") },
		Extra: map[string]func(domain.Args){
			"onPaused": func(a domain.Args) { order = append(order, "paused:"+a.String(0)) },
		},
		OnSucceed: func(a domain.Args) {
			order = append(order, "succeed:"+a.String(0))
			close(done)
		},
		OnFailed: func(*domain.RemoteError) { t.Error("unexpected failure") },
	}, domain.DefaultTimeout)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("call did not complete")
	}
	assert.Equal(t, []string{"started", "progress:half", "paused:waiting", "completed", "succeed:done"}, order)
}

func TestCall_Failed(t *testing.T) {
	d := startDaemon(t)
	f := newFixture(t, d, 0)
	connect(t, f)

	_, err := f.client.Invoke(context.Background(), "bogus", nil, domain.DefaultTimeout)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRemoteRejected)
	assert.Equal(t, domain.CodeNotImplemented, domain.CodeOf(err))
}

func TestCall_ResponseTimeout(t *testing.T) {
	d := startDaemon(t)
	d.Silence(domain.ActionRequestSession)
	f := newFixture(t, d, 0)
	connect(t, f)

	var calls atomic.Int32
	failed := make(chan *domain.RemoteError, 2)
	err := f.client.Call(domain.ActionRequestSession, map[string]any{"vmcp": "http://x"}, domain.Callbacks{
		OnSucceed: func(domain.Args) { t.Error("unexpected success") },
		OnFailed: func(re *domain.RemoteError) {
			calls.Add(1)
			failed <- re
		},
	}, 100*time.Millisecond)
	require.NoError(t, err)

	select {
	case re := <-failed:
		assert.Equal(t, "Response timeout", re.Message)
		assert.Equal(t, domain.CodeOK, re.Code)
		assert.ErrorIs(t, re, domain.ErrResponseTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout not reported")
	}
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, f.tr.Pending())
}

func TestCall_DefaultTimeoutUsesOption(t *testing.T) {
	d := startDaemon(t)
	d.Silence("slow")
	d.Silence("forever")
	f := newFixture(t, d, 50*time.Millisecond)
	connect(t, f)

	timedOut := make(chan *domain.RemoteError, 1)
	require.NoError(t, f.client.Call("slow", nil, domain.Callbacks{
		OnFailed: func(re *domain.RemoteError) { timedOut <- re },
	}, domain.DefaultTimeout))

	untimed := make(chan *domain.RemoteError, 1)
	require.NoError(t, f.client.Call("forever", nil, domain.Callbacks{
		OnFailed: func(re *domain.RemoteError) { untimed <- re },
	}, 0))

	select {
	case re := <-timedOut:
		assert.ErrorIs(t, re, domain.ErrResponseTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("default timeout not applied")
	}
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, untimed, 0, "timeout 0 must wait forever")
	assert.Equal(t, 1, f.tr.Pending())
}

func TestCall_ConnectionDropped(t *testing.T) {
	d := startDaemon(t)
	d.Silence("slow")
	f := newFixture(t, d, 0)
	connect(t, f)

	disconnected := make(chan struct{}, 1)
	f.client.Events().Subscribe(domain.EventDisconnected, func(...any) { disconnected <- struct{}{} })

	failed := make(chan *domain.RemoteError, 1)
	require.NoError(t, f.client.Call("slow", nil, domain.Callbacks{
		OnFailed: func(re *domain.RemoteError) { failed <- re },
	}, 0))

	_, ok := d.WaitAction("slow", time.Second)
	require.True(t, ok)
	d.DropClients()

	select {
	case re := <-failed:
		assert.ErrorIs(t, re, domain.ErrTransportClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not failed")
	}
	<-disconnected
	assert.False(t, f.client.Ready())
}

func TestDaemonStatus(t *testing.T) {
	d := startDaemon(t)
	sc := &fakedaemon.SessionScript{}
	d.ServeSessions(sc)
	f := newFixture(t, d, 0)
	connect(t, f)

	st, err := f.client.DaemonStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.DaemonStatus{Running: true, Idle: false}, st)

	sc.SetStatus(false, true)
	st, err = f.client.DaemonStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.DaemonStatus{Running: false, Idle: true}, st)
}

func TestDaemonStatus_Positional(t *testing.T) {
	d := startDaemon(t)
	d.Handle(domain.ActionDaemonStatus, func(_ context.Context, c *fakedaemon.Client, req fakedaemon.Frame) {
		c.Reply(req.ID, "succeed", true, true)
	})
	f := newFixture(t, d, 0)
	connect(t, f)

	st, err := f.client.DaemonStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.DaemonStatus{Running: true, Idle: true}, st)
}

func TestShutdown(t *testing.T) {
	d := startDaemon(t)
	d.Silence(domain.ActionExit)
	f := newFixture(t, d, 0)
	connect(t, f)

	require.NoError(t, f.client.Shutdown())
	_, ok := d.WaitAction(domain.ActionExit, time.Second)
	assert.True(t, ok)
	assert.Equal(t, 0, f.tr.Pending())
}

func TestUncorrelatedEventsAreRepublished(t *testing.T) {
	d := startDaemon(t)
	f := newFixture(t, d, 0)
	connect(t, f)

	got := make(chan domain.Args, 1)
	f.client.Events().Subscribe("log", func(args ...any) { got <- domain.Args(args) })
	d.Broadcast("log", "hello")

	select {
	case a := <-got:
		assert.Equal(t, "hello", a.String(0))
	case <-time.After(time.Second):
		t.Fatal("event not republished")
	}
}
