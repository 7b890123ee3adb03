package fakedaemon

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Daemon error codes used by the scripted session behaviour.
const (
	codeScheduled = 1
	codeNotFound  = -9
)

// SessionScript scripts the session-related actions of the daemon.
type SessionScript struct {
	// SessionID is handed out by requestSession.
	SessionID string
	// Progress lists (done, total) ticks sent before the session succeeds.
	Progress [][2]int
	// Reject makes requestSession fail with this code when non-zero.
	Reject int
	// FailOps maps a lifecycle op to the code of its "<op>Error" event.
	FailOps map[string]int
	// RefuseOps maps a lifecycle op to a non-scheduled acknowledgement code.
	RefuseOps map[string]int
	// SilentOps lists ops that are acknowledged but never complete.
	SilentOps map[string]bool
	// CompleteDelay delays the completion event after the acknowledgement.
	CompleteDelay time.Duration

	mu      sync.Mutex
	running bool
	idle    bool
}

// SetStatus sets what daemonStatus reports.
func (sc *SessionScript) SetStatus(running, idle bool) {
	sc.mu.Lock()
	sc.running, sc.idle = running, idle
	sc.mu.Unlock()
}

var lifecycleOps = []string{"open", "start", "stop", "pause", "resume", "hibernate", "reset", "close"}

// ServeSessions installs handlers for requestSession, the lifecycle actions
// and daemonStatus according to sc.
func (s *Server) ServeSessions(sc *SessionScript) {
	if sc.SessionID == "" {
		sc.SessionID = "sess-1"
	}
	sc.SetStatus(true, false)

	s.Handle("requestSession", func(_ context.Context, c *Client, req Frame) {
		var body struct {
			VMCP string `json:"vmcp"`
		}
		if err := Decode(req, &body); err != nil || body.VMCP == "" {
			c.Reply(req.ID, "failed", "Missing vmcp", -99)
			return
		}
		for _, p := range sc.Progress {
			c.Reply(req.ID, "progress", p[0], p[1], fmt.Sprintf("step %d of %d", p[0], p[1]))
		}
		if sc.Reject != 0 {
			c.Reply(req.ID, "failed", "Session request rejected", sc.Reject)
			return
		}
		c.Reply(req.ID, "succeed", "Session open", sc.SessionID)
	})

	for _, op := range lifecycleOps {
		s.Handle(op, func(_ context.Context, c *Client, req Frame) {
			var body struct {
				SessionID string `json:"session_id"`
			}
			_ = Decode(req, &body)
			if body.SessionID != sc.SessionID {
				c.Reply(req.ID, "failed", "No such session", codeNotFound)
				return
			}
			if code, ok := sc.RefuseOps[op]; ok {
				c.Reply(req.ID, "succeed", "Not scheduled", code)
				return
			}
			c.Reply(req.ID, "succeed", "Scheduled", codeScheduled)
			if sc.SilentOps[op] {
				return
			}
			if sc.CompleteDelay > 0 {
				time.Sleep(sc.CompleteDelay)
			}
			if code, ok := sc.FailOps[op]; ok {
				c.EventFor(sc.SessionID, op+"Error", "Operation failed", code, op)
				return
			}
			c.EventFor(sc.SessionID, op)
		})
	}

	s.Handle("daemonStatus", func(_ context.Context, c *Client, req Frame) {
		sc.mu.Lock()
		running, idle := sc.running, sc.idle
		sc.mu.Unlock()
		c.Reply(req.ID, "succeed", map[string]any{"running": running, "idle": idle})
	})
}
