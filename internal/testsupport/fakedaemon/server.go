// Package fakedaemon is an in-process stand-in for the WebAPI daemon. It
// speaks the JSON frame protocol over a real WebSocket listener so tests can
// drive the client end to end.
package fakedaemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Frame mirrors the wire envelope.
type Frame struct {
	Type string          `json:"type"`
	Name string          `json:"name"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Handler answers one action. It runs on its own goroutine.
type Handler func(ctx context.Context, c *Client, req Frame)

// Client is one connected WebSocket peer.
type Client struct {
	ws        *websocket.Conn
	sendCh    chan Frame // buffered outbound queue
	done      chan struct{}
	closeOnce sync.Once
}

// Reply sends a response frame correlated with id.
func (c *Client) Reply(id, name string, args ...any) {
	c.send(Frame{Type: "response", Name: name, ID: id, Data: encodeArgs(args)})
}

// Event sends an uncorrelated event frame.
func (c *Client) Event(name string, args ...any) {
	c.send(Frame{Type: "event", Name: name, Data: encodeArgs(args)})
}

// EventFor sends an event frame addressed to id, e.g. a session id.
func (c *Client) EventFor(id, name string, args ...any) {
	c.send(Frame{Type: "event", Name: name, ID: id, Data: encodeArgs(args)})
}

// Send queues a raw frame.
func (c *Client) Send(f Frame) { c.send(f) }

// Close drops the connection from the daemon side.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
	c.ws.Close(websocket.StatusGoingAway, "daemon exiting")
}

func (c *Client) send(f Frame) {
	select {
	case c.sendCh <- f:
	case <-c.done:
	}
}

func encodeArgs(args []any) json.RawMessage {
	if len(args) == 0 {
		return nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		panic(fmt.Sprintf("fakedaemon: encode args: %v", err))
	}
	return raw
}

// Server is the fake daemon.
type Server struct {
	// Version is returned by the default handshake handler.
	Version string

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	recvMu   sync.Mutex
	received []Frame
	recvCond *sync.Cond

	clients   sync.Map // connID (uint64) -> *Client
	nextID    atomic.Uint64
	accepted  atomic.Int32
	httpSrv   *http.Server
	boundAddr string
	logger    *slog.Logger
}

// New creates a fake daemon with a handshake handler that accepts every
// client and answers with Version "1.0".
func New() *Server {
	s := &Server{
		Version:  "1.0",
		handlers: make(map[string]Handler),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	s.recvCond = sync.NewCond(&s.recvMu)
	s.Handle("handshake", func(_ context.Context, c *Client, req Frame) {
		c.Reply(req.ID, "succeed", map[string]any{"version": s.Version})
	})
	return s
}

// Handle registers the handler for action. Safe to call while serving.
func (s *Server) Handle(action string, h Handler) {
	s.handlersMu.Lock()
	s.handlers[action] = h
	s.handlersMu.Unlock()
}

// Silence makes the daemon swallow action without answering.
func (s *Server) Silence(action string) {
	s.Handle(action, func(context.Context, *Client, Frame) {})
}

// Start listens on a random loopback port and serves in the background.
func (s *Server) Start() error {
	return s.StartAt("127.0.0.1:0")
}

// StartAt listens on addr and serves in the background.
func (s *Server) StartAt(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("fakedaemon listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	s.httpSrv = &http.Server{Handler: mux}

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("fakedaemon serve", "error", err)
		}
	}()
	return nil
}

// URL returns the WebSocket endpoint. Only valid after Start.
func (s *Server) URL() string { return "ws://" + s.boundAddr + "/" }

// Addr returns the bound host:port. Only valid after Start.
func (s *Server) Addr() string { return s.boundAddr }

// Stop closes every client and shuts the listener down.
func (s *Server) Stop() {
	s.clients.Range(func(key, value any) bool {
		value.(*Client).Close()
		s.clients.Delete(key)
		return true
	})
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(ctx)
	}
}

// Accepted returns how many WebSocket connections were accepted.
func (s *Server) Accepted() int { return int(s.accepted.Load()) }

// Broadcast sends an event to every connected client.
func (s *Server) Broadcast(name string, args ...any) {
	s.clients.Range(func(_, value any) bool {
		value.(*Client).Event(name, args...)
		return true
	})
}

// DropClients closes every client connection from the daemon side.
func (s *Server) DropClients() {
	s.clients.Range(func(key, value any) bool {
		value.(*Client).Close()
		s.clients.Delete(key)
		return true
	})
}

// Received returns a copy of the action frames received so far.
func (s *Server) Received() []Frame {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()
	out := make([]Frame, len(s.received))
	copy(out, s.received)
	return out
}

// WaitAction blocks until an action named name has been received or
// timeout elapses.
func (s *Server) WaitAction(name string, timeout time.Duration) (Frame, bool) {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		s.recvMu.Lock()
		s.recvCond.Broadcast()
		s.recvMu.Unlock()
	})
	defer timer.Stop()

	s.recvMu.Lock()
	defer s.recvMu.Unlock()
	for {
		for _, f := range s.received {
			if f.Name == name {
				return f, true
			}
		}
		if !time.Now().Before(deadline) {
			return Frame{}, false
		}
		s.recvCond.Wait()
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost", "localhost:*", "127.0.0.1", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	s.accepted.Add(1)

	connID := s.nextID.Add(1)
	c := &Client{
		ws:     ws,
		sendCh: make(chan Frame, 64),
		done:   make(chan struct{}),
	}
	s.clients.Store(connID, c)

	go s.writeLoop(c)
	s.readLoop(r.Context(), c)

	c.closeOnce.Do(func() { close(c.done) })
	s.clients.Delete(connID)
	ws.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) readLoop(ctx context.Context, c *Client) {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		var frame Frame
		if err := wsjson.Read(ctx, c.ws, &frame); err != nil {
			return
		}
		if frame.Type != "action" {
			continue
		}

		s.recvMu.Lock()
		s.received = append(s.received, frame)
		s.recvCond.Broadcast()
		s.recvMu.Unlock()

		s.handlersMu.RLock()
		h, ok := s.handlers[frame.Name]
		s.handlersMu.RUnlock()
		if !ok {
			if frame.ID != "" {
				c.Reply(frame.ID, "failed", "Unknown action "+frame.Name, -100)
			}
			continue
		}
		go h(ctx, c, frame)
	}
}

func (s *Server) writeLoop(c *Client) {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, c.ws, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// Decode unmarshals the keyed payload of an action frame into v.
func Decode(f Frame, v any) error {
	return json.Unmarshal(f.Data, v)
}
