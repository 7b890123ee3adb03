package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cvmlink/internal/domain"
)

func newTestTransport(acq ConnAcquirer, opts Options) *Transport {
	if opts.Version == "" {
		opts.Version = "2.0.0"
	}
	return New(acq, opts, testLogger())
}

// connectTransport connects over a fakeConn and completes the handshake.
func connectTransport(t *testing.T, opts Options) (*Transport, *fakeConn, *recorder) {
	t.Helper()
	fc := newFakeConn()
	tr := newTestTransport(connAcquirer(fc), opts)
	rec := newRecorder()
	for _, name := range []string{domain.EventConnected, domain.EventDisconnected, domain.EventHandshakeFailed} {
		tr.Events().Subscribe(name, rec.listener(name))
	}

	require.NoError(t, tr.Connect(context.Background()))
	hs := fc.next(t)
	require.Equal(t, domain.ActionHandshake, hs.Name)
	fc.reply(t, hs.ID, domain.ResponseSucceed, map[string]any{"version": "1.0"})
	rec.wait(t, domain.EventConnected)
	t.Cleanup(func() { _ = tr.Close() })
	return tr, fc, rec
}

func TestConnect_Handshake(t *testing.T) {
	fc := newFakeConn()
	tr := newTestTransport(connAcquirer(fc), Options{PageURL: "https://example.org/app#s3cr3t"})
	rec := newRecorder()
	tr.Events().Subscribe(domain.EventConnected, rec.listener(domain.EventConnected))

	require.NoError(t, tr.Connect(context.Background()))
	assert.Equal(t, StateConnected, tr.State())
	assert.Len(t, tr.ConnID(), 26)

	hs := fc.next(t)
	assert.Equal(t, FrameTypeAction, hs.Type)
	assert.Equal(t, "a-1", hs.ID)
	var body map[string]string
	require.NoError(t, json.Unmarshal(hs.Data, &body))
	assert.Equal(t, map[string]string{"version": "2.0.0", "auth": "s3cr3t"}, body)

	fc.reply(t, hs.ID, domain.ResponseSucceed, map[string]any{"version": "1.0"})
	ev := rec.wait(t, domain.EventConnected)
	assert.Equal(t, []any{"1.0"}, ev.args)
	assert.Zero(t, tr.Pending())
}

func TestConnect_HandshakePositionalVersion(t *testing.T) {
	fc := newFakeConn()
	tr := newTestTransport(connAcquirer(fc), Options{})
	rec := newRecorder()
	tr.Events().Subscribe(domain.EventConnected, rec.listener(domain.EventConnected))

	require.NoError(t, tr.Connect(context.Background()))
	hs := fc.next(t)
	var body map[string]any
	require.NoError(t, json.Unmarshal(hs.Data, &body))
	assert.NotContains(t, body, "auth", "no token, no auth field")

	fc.reply(t, hs.ID, domain.ResponseSucceed, "1.0")
	assert.Equal(t, []any{"1.0"}, rec.wait(t, domain.EventConnected).args)
}

func TestConnect_HandshakeFailed(t *testing.T) {
	fc := newFakeConn()
	tr := newTestTransport(connAcquirer(fc), Options{})
	rec := newRecorder()
	tr.Events().Subscribe(domain.EventHandshakeFailed, rec.listener(domain.EventHandshakeFailed))

	require.NoError(t, tr.Connect(context.Background()))
	hs := fc.next(t)
	fc.reply(t, hs.ID, domain.ResponseFailed, "Unsupported version", -12)

	ev := rec.wait(t, domain.EventHandshakeFailed)
	assert.Equal(t, []any{"Unsupported version", domain.CodeNotValidated}, ev.args)
}

func TestConnect_HandshakeTimeout(t *testing.T) {
	fc := newFakeConn()
	tr := newTestTransport(connAcquirer(fc), Options{RequestTimeout: 30 * time.Millisecond})
	rec := newRecorder()
	tr.Events().Subscribe(domain.EventHandshakeFailed, rec.listener(domain.EventHandshakeFailed))

	require.NoError(t, tr.Connect(context.Background()))
	ev := rec.wait(t, domain.EventHandshakeFailed)
	assert.Equal(t, []any{"Response timeout", domain.CodeOK}, ev.args)
}

func TestConnect_AlreadyConnected(t *testing.T) {
	var calls atomic.Int32
	fc := newFakeConn()
	tr := newTestTransport(acquireFunc(func(context.Context, string, time.Duration) (Conn, error) {
		calls.Add(1)
		return fc, nil
	}), Options{})

	require.NoError(t, tr.Connect(context.Background()))
	require.NoError(t, tr.Connect(context.Background()))
	assert.Equal(t, int32(1), calls.Load())
}

func TestConnect_InProgress(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	fc := newFakeConn()
	tr := newTestTransport(acquireFunc(func(context.Context, string, time.Duration) (Conn, error) {
		close(entered)
		<-release
		return fc, nil
	}), Options{})

	errCh := make(chan error, 1)
	go func() { errCh <- tr.Connect(context.Background()) }()
	<-entered

	assert.Equal(t, StateConnecting, tr.State())
	assert.ErrorIs(t, tr.Connect(context.Background()), domain.ErrConnectInProgress)

	close(release)
	require.NoError(t, <-errCh)
	assert.Equal(t, StateConnected, tr.State())
}

func TestConnect_AcquireFailure(t *testing.T) {
	var calls atomic.Int32
	tr := newTestTransport(acquireFunc(func(context.Context, string, time.Duration) (Conn, error) {
		calls.Add(1)
		return nil, domain.ErrServiceUnreachable
	}), Options{})
	rec := newRecorder()
	tr.Events().Subscribe(domain.EventConnectFailed, rec.listener(domain.EventConnectFailed))

	err := tr.Connect(context.Background())
	assert.ErrorIs(t, err, domain.ErrServiceUnreachable)
	assert.Equal(t, StateDisconnected, tr.State())

	ev := rec.wait(t, domain.EventConnectFailed)
	require.Len(t, ev.args, 1)
	published, ok := ev.args[0].(error)
	require.True(t, ok)
	assert.ErrorIs(t, published, domain.ErrServiceUnreachable)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "no automatic retry")
}

func TestConnect_PassesEndpointAndBudget(t *testing.T) {
	var gotEndpoint string
	var gotTotal time.Duration
	tr := newTestTransport(acquireFunc(func(_ context.Context, endpoint string, total time.Duration) (Conn, error) {
		gotEndpoint, gotTotal = endpoint, total
		return nil, domain.ErrServiceUnreachable
	}), Options{Endpoint: "ws://127.0.0.1:1793"})

	_ = tr.Connect(context.Background())
	assert.Equal(t, "ws://127.0.0.1:1793", gotEndpoint)
	assert.Equal(t, DefaultAcquireTimeout, gotTotal)
}

func TestSend_NotConnected(t *testing.T) {
	tr := newTestTransport(connAcquirer(newFakeConn()), Options{})
	_, err := tr.Send("start", nil, nil, 0)
	assert.ErrorIs(t, err, domain.ErrNotConnected)
}

func TestSend_IDsIncreaseInCallOrder(t *testing.T) {
	tr, fc, _ := connectTransport(t, Options{})

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := tr.Send("ping", map[string]int{"n": i}, nil, 0)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Equal(t, []string{"a-2", "a-3", "a-4", "a-5", "a-6"}, ids)

	for i := 0; i < 5; i++ {
		f := fc.next(t)
		assert.Equal(t, ids[i], f.ID)
		var body map[string]int
		require.NoError(t, json.Unmarshal(f.Data, &body))
		assert.Equal(t, i, body["n"])
	}
}

func TestSend_ConcurrentIDsUnique(t *testing.T) {
	tr, _, _ := connectTransport(t, Options{})

	var mu sync.Mutex
	seen := map[string]bool{}
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := tr.Send("ping", nil, nil, 0)
			if err != nil {
				return
			}
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 40)
}

func TestSend_TerminalResponse(t *testing.T) {
	tr, fc, _ := connectTransport(t, Options{})

	got := make(chan domain.Args, 1)
	var errs atomic.Int32
	_, err := tr.Send("daemonStatus", nil, &Handlers{
		On:      map[string]func(domain.Args){domain.ResponseSucceed: func(a domain.Args) { got <- a }},
		OnError: func(error) { errs.Add(1) },
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.Pending())

	f := fc.next(t)
	fc.reply(t, f.ID, domain.ResponseSucceed, "ok", 7)

	select {
	case args := <-got:
		assert.Equal(t, "ok", args.String(0))
	case <-time.After(time.Second):
		t.Fatal("succeed not delivered")
	}
	assert.Zero(t, tr.Pending())

	// A duplicate terminal frame is a late result and is ignored.
	fc.reply(t, f.ID, domain.ResponseSucceed, "again")
	fc.reply(t, f.ID, domain.ResponseFailed, "late", -1)
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, got, 0)
	assert.Zero(t, errs.Load())
}

func TestSend_IntermediateResponsesKeepPending(t *testing.T) {
	tr, fc, _ := connectTransport(t, Options{})

	var mu sync.Mutex
	var names []string
	done := make(chan struct{})
	_, err := tr.Send("requestSession", nil, &Handlers{
		On: map[string]func(domain.Args){
			domain.ResponseSucceed: func(domain.Args) { close(done) },
		},
		Any: func(name string, _ domain.Args) {
			mu.Lock()
			names = append(names, name)
			mu.Unlock()
		},
	}, 0)
	require.NoError(t, err)

	f := fc.next(t)
	fc.reply(t, f.ID, domain.ResponseStarted)
	fc.reply(t, f.ID, domain.ResponseProgress, 1, 2, "half")
	fc.reply(t, f.ID, domain.ResponseProgress, 2, 2, "all")
	fc.reply(t, f.ID, domain.ResponseCompleted)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(names) == 4
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, tr.Pending())

	fc.reply(t, f.ID, domain.ResponseSucceed)
	<-done
	assert.Zero(t, tr.Pending())
	assert.Equal(t, []string{"started", "progress", "progress", "completed"}, names)
}

func TestSend_Timeout(t *testing.T) {
	tr, fc, _ := connectTransport(t, Options{})

	errCh := make(chan error, 2)
	var delivered atomic.Int32
	_, err := tr.Send("start", nil, &Handlers{
		Any:     func(string, domain.Args) { delivered.Add(1) },
		OnError: func(err error) { errCh <- err },
	}, 30*time.Millisecond)
	require.NoError(t, err)
	f := fc.next(t)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, domain.ErrResponseTimeout)
	case <-time.After(time.Second):
		t.Fatal("timeout not reported")
	}
	assert.Zero(t, tr.Pending())

	// The late response loses the race and has no effect.
	fc.reply(t, f.ID, domain.ResponseSucceed)
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, delivered.Load())
	assert.Len(t, errCh, 0)
}

func TestSend_ProgressRestartsTimer(t *testing.T) {
	tr, fc, _ := connectTransport(t, Options{})

	errCh := make(chan error, 1)
	succeed := make(chan struct{})
	_, err := tr.Send("requestSession", nil, &Handlers{
		On:      map[string]func(domain.Args){domain.ResponseSucceed: func(domain.Args) { close(succeed) }},
		OnError: func(err error) { errCh <- err },
	}, 80*time.Millisecond)
	require.NoError(t, err)
	f := fc.next(t)

	for i := 0; i < 4; i++ {
		time.Sleep(40 * time.Millisecond)
		fc.reply(t, f.ID, domain.ResponseProgress, i, 4, "working")
	}
	fc.reply(t, f.ID, domain.ResponseSucceed)

	select {
	case <-succeed:
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("succeed not delivered")
	}
}

func TestSend_ZeroTimeoutWaitsForever(t *testing.T) {
	tr, fc, _ := connectTransport(t, Options{RequestTimeout: 20 * time.Millisecond})

	errCh := make(chan error, 1)
	_, err := tr.Send("start", nil, &Handlers{OnError: func(err error) { errCh <- err }}, 0)
	require.NoError(t, err)
	fc.next(t)

	time.Sleep(60 * time.Millisecond)
	assert.Len(t, errCh, 0)
	assert.Equal(t, 1, tr.Pending())
}

func TestEventsArePublishedPositionally(t *testing.T) {
	tr, fc, _ := connectTransport(t, Options{})

	got := make(chan []any, 1)
	tr.Events().Subscribe("apiAvailable", func(args ...any) { got <- args })
	fc.event(t, "", "apiAvailable", "10.0.2.15", "http://10.0.2.15:5000")

	select {
	case args := <-got:
		assert.Equal(t, []any{"10.0.2.15", "http://10.0.2.15:5000"}, args)
	case <-time.After(time.Second):
		t.Fatal("event not published")
	}
}

func TestMalformedFrameIsDropped(t *testing.T) {
	tr, fc, _ := connectTransport(t, Options{})

	got := make(chan struct{}, 1)
	tr.Events().Subscribe("ping", func(...any) { got <- struct{}{} })
	fc.in <- []byte("{garbage")
	fc.event(t, "", "ping")

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("transport stopped reading after a bad frame")
	}
	assert.Equal(t, StateConnected, tr.State())
}

func TestRoute(t *testing.T) {
	tr, fc, _ := connectTransport(t, Options{})

	type routed struct {
		name string
		args domain.Args
	}
	got := make(chan routed, 4)
	cancel := tr.Route("sess-1", func(name string, args domain.Args) { got <- routed{name, args} })

	published := make(chan struct{}, 1)
	tr.Events().Subscribe("stateChanged", func(...any) { published <- struct{}{} })

	fc.event(t, "sess-1", "stateChanged", 4)
	r := <-got
	assert.Equal(t, "stateChanged", r.name)
	n, _ := r.args.Int(0)
	assert.Equal(t, 4, n)
	assert.Len(t, published, 0, "routed frames are not published")

	cancel()
	fc.event(t, "sess-1", "stateChanged", 2)
	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("unrouted event frame should be published")
	}
}

func TestInteract_NoHandlerDeclines(t *testing.T) {
	_, fc, _ := connectTransport(t, Options{})

	fc.event(t, "", domain.EventInteract, "confirm", "Allow?", "The page wants to start a VM")
	f := fc.next(t)
	assert.Equal(t, domain.ActionInteractionCallback, f.Name)
	assert.JSONEq(t, `{"result":2}`, string(f.Data))
}

func TestInteract_AlertNeedsNoReply(t *testing.T) {
	_, fc, _ := connectTransport(t, Options{})

	fc.event(t, "", domain.EventInteract, "alert", "Heads up", "Hypervisor outdated")
	fc.expectSilence(t, 50*time.Millisecond)
}

type stubInteraction struct {
	mu        sync.Mutex
	got       []Interaction
	result    domain.InteractionResult
	err       error
	dismissed atomic.Int32
}

func (s *stubInteraction) Interact(_ context.Context, in Interaction) (domain.InteractionResult, error) {
	s.mu.Lock()
	s.got = append(s.got, in)
	s.mu.Unlock()
	return s.result, s.err
}

func (s *stubInteraction) Dismiss() { s.dismissed.Add(1) }

func TestInteract_Handler(t *testing.T) {
	ui := &stubInteraction{result: domain.Accepted(true)}
	tr, fc, _ := connectTransport(t, Options{Interaction: ui})

	fc.event(t, "", domain.EventInteract, "confirmLicenseURL", "License", "https://example.org/license")
	f := fc.next(t)
	assert.Equal(t, domain.ActionInteractionCallback, f.Name)
	assert.JSONEq(t, `{"result":257}`, string(f.Data))

	ui.mu.Lock()
	assert.Equal(t, []Interaction{{Kind: InteractionConfirmLicenseURL, Title: "License", Body: "https://example.org/license"}}, ui.got)
	ui.mu.Unlock()

	require.NoError(t, tr.Close())
	assert.Equal(t, int32(1), ui.dismissed.Load())
}

func TestInteract_HandlerErrorDeclines(t *testing.T) {
	ui := &stubInteraction{err: errors.New("no tty")}
	_, fc, _ := connectTransport(t, Options{Interaction: ui})

	fc.event(t, "", domain.EventInteract, "confirm", "Allow?", "")
	f := fc.next(t)
	assert.JSONEq(t, `{"result":2}`, string(f.Data))
}

func TestClose_FailsPendingCalls(t *testing.T) {
	tr, fc, rec := connectTransport(t, Options{})

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		_, err := tr.Send(fmt.Sprintf("op%d", i), nil, &Handlers{OnError: func(err error) { errs <- err }}, 0)
		require.NoError(t, err)
	}
	routed := tr.Route("sess-1", func(string, domain.Args) {})
	defer routed()

	require.NoError(t, tr.Close())
	assert.Equal(t, StateDisconnected, tr.State())
	assert.Zero(t, tr.Pending())
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, <-errs, domain.ErrTransportClosed)
	}
	assert.Equal(t, 1, rec.count(domain.EventDisconnected))

	require.NoError(t, tr.Close())
	assert.Equal(t, 1, rec.count(domain.EventDisconnected), "second close is a no-op")

	_, err := tr.Send("late", nil, nil, 0)
	assert.ErrorIs(t, err, domain.ErrNotConnected)
	_ = fc
}

func TestRemoteClose(t *testing.T) {
	tr, fc, rec := connectTransport(t, Options{})

	errCh := make(chan error, 1)
	_, err := tr.Send("start", nil, &Handlers{OnError: func(err error) { errCh <- err }}, 0)
	require.NoError(t, err)

	_ = fc.Close()
	rec.wait(t, domain.EventDisconnected)
	assert.ErrorIs(t, <-errCh, domain.ErrTransportClosed)
	assert.Equal(t, StateDisconnected, tr.State())

	require.NoError(t, tr.Close())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, rec.count(domain.EventDisconnected))
}

func TestReconnectAfterClose(t *testing.T) {
	conns := []*fakeConn{newFakeConn(), newFakeConn()}
	var n atomic.Int32
	tr := newTestTransport(acquireFunc(func(context.Context, string, time.Duration) (Conn, error) {
		return conns[n.Add(1)-1], nil
	}), Options{})

	require.NoError(t, tr.Connect(context.Background()))
	first := tr.ConnID()
	require.NoError(t, tr.Close())

	require.NoError(t, tr.Connect(context.Background()))
	assert.NotEqual(t, first, tr.ConnID())
	hs := conns[1].next(t)
	assert.Equal(t, domain.ActionHandshake, hs.Name)
	require.NoError(t, tr.Close())
}

func TestTokenFromPageURL(t *testing.T) {
	assert.Equal(t, "abc", TokenFromPageURL("http://localhost/page.html#abc"))
	assert.Empty(t, TokenFromPageURL("http://localhost/page.html"))
	assert.Empty(t, TokenFromPageURL(""))
	assert.Empty(t, TokenFromPageURL("://bad"))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
}
