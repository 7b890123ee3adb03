package session

import (
	"context"
	"time"

	"cvmlink/internal/domain"
)

func (s *Session) poll(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopPoll:
			return
		case <-ticker.C:
			s.pollStatus(interval)
		}
	}
}

// pollStatus queries the daemon and publishes daemonStateChange and
// systemStateChange on change edges only.
func (s *Session) pollStatus(budget time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	st, err := s.caller.DaemonStatus(ctx)
	if err != nil {
		s.logger.Debug("status poll failed", "error", err)
		return
	}

	s.mu.Lock()
	if !s.valid {
		s.mu.Unlock()
		return
	}
	runningChanged := st.Running != s.running
	idleChanged := st.Idle != s.idle
	s.running, s.idle = st.Running, st.Idle
	s.mu.Unlock()

	if runningChanged {
		s.events.Publish(domain.EventDaemonStateChange, st.Running)
	}
	if idleChanged {
		s.events.Publish(domain.EventSystemStateChange, st.Idle)
	}
}
