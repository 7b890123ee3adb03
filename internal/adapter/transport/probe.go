package transport

import (
	"context"
	"log/slog"
	"time"

	"nhooyr.io/websocket"
)

// Prober makes a single connection attempt with a short deadline.
type Prober interface {
	// Probe returns a live connection, or false when the dial fails or
	// timeout elapses first.
	Probe(ctx context.Context, endpoint string, timeout time.Duration) (Conn, bool)
}

// WSProber probes a WebSocket endpoint.
type WSProber struct {
	logger *slog.Logger
}

// NewWSProber creates a WebSocket prober.
func NewWSProber(logger *slog.Logger) *WSProber {
	return &WSProber{logger: logger}
}

type dialResult struct {
	ws  *websocket.Conn
	err error
}

// Probe dials endpoint in the background and races it against timeout.
// Exactly one outcome is reported; a dial that completes after the timeout
// won is closed.
func (p *WSProber) Probe(ctx context.Context, endpoint string, timeout time.Duration) (Conn, bool) {
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan dialResult, 1)
	go func() {
		ws, _, err := websocket.Dial(dialCtx, endpoint, nil)
		ch <- dialResult{ws: ws, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			p.logger.Debug("probe failed", "endpoint", endpoint, "error", r.err)
			return nil, false
		}
		return newWSConn(r.ws), true
	case <-timer.C:
		p.logger.Debug("probe timed out", "endpoint", endpoint, "timeout", timeout)
	case <-ctx.Done():
	}

	// The dial may still succeed after losing the race.
	go func() {
		if r := <-ch; r.err == nil {
			r.ws.Close(websocket.StatusNormalClosure, "probe abandoned")
		}
	}()
	return nil, false
}

var _ Prober = (*WSProber)(nil)
