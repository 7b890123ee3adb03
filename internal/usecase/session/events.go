package session

import (
	"slices"
	"strings"

	"cvmlink/internal/domain"
)

// handleFrame receives every frame the daemon addresses to this session.
func (s *Session) handleFrame(name string, args domain.Args) {
	// Operation waiters listen on the raw stream. They are woken last so the
	// cache is current by the time an operation returns.
	defer s.raw.Publish(name, args...)

	if op := domain.SessionOp(name); isOp(op) {
		if st, ok := op.ResultState(); ok {
			s.setState(st)
		}
		s.events.Publish(name)
		return
	}
	if base, ok := strings.CutSuffix(name, "Error"); ok && isOp(domain.SessionOp(base)) {
		msg, code := args.Message()
		s.events.Publish(domain.EventError, msg, code, base)
		return
	}

	switch name {
	case domain.EventStateChanged:
		if n, ok := args.Int(0); ok {
			s.setState(domain.SessionState(n))
		}
	case domain.EventProgress:
		s.progress(args)
	case domain.EventAPIAvailable:
		s.mu.Lock()
		s.ip, s.apiURL = args.String(0), args.String(1)
		s.mu.Unlock()
		s.events.Publish(domain.EventAPIAvailable, args.String(0), args.String(1))
	case domain.EventAPIUnavailable:
		s.mu.Lock()
		s.ip, s.apiURL = "", ""
		s.mu.Unlock()
		s.events.Publish(domain.EventAPIUnavailable)
	case eventPropertyChanged:
		s.mu.Lock()
		s.properties[args.String(0)] = args.String(1)
		s.mu.Unlock()
		s.events.Publish(name, args...)
	case domain.EventDebug:
		s.logger.Debug("daemon debug", "line", args.String(0))
		s.events.Publish(name, args...)
	default:
		s.events.Publish(name, args...)
	}
}

const eventPropertyChanged = "propertyChanged"

func isOp(op domain.SessionOp) bool {
	return slices.Contains(domain.SessionOps, op)
}

// progress feeds the smart progress tracker. The daemon sends
// (done, total, message); older daemons send (message, percent).
func (s *Session) progress(args domain.Args) {
	done, okDone := args.Float(0)
	total, okTotal := args.Float(1)
	if okDone && okTotal {
		s.tracker.Tick(done, total, args.String(2))
		return
	}
	if pct, ok := args.Float(1); ok {
		s.tracker.Tick(pct, 100, args.String(0))
	}
}
