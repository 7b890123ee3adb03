package progress

import (
	"sync"

	"cvmlink/internal/domain"
	"cvmlink/internal/usecase/eventbus"
)

// Tracker turns raw (done, total, message) ticks of one operation into
// progressBegin / progress / progressEnd events and mirrors them into a
// Registry group.
type Tracker struct {
	events   *eventbus.Dispatcher
	registry *Registry

	mu     sync.Mutex
	active bool
	group  uint64
}

// NewTracker publishes on events and aggregates into registry. A nil
// registry disables aggregation.
func NewTracker(events *eventbus.Dispatcher, registry *Registry) *Tracker {
	return &Tracker{events: events, registry: registry}
}

// Tick reports done out of total. The first tick of a run publishes
// progressBegin; a tick with done >= total publishes progressEnd.
func (t *Tracker) Tick(done, total float64, msg string) {
	t.mu.Lock()
	begin := !t.active
	if begin {
		t.active = true
		if t.registry != nil {
			t.group = t.registry.Begin(total)
		}
	}
	group := t.group
	end := total > 0 && done >= total
	if end {
		t.active = false
	}
	t.mu.Unlock()

	if begin {
		t.events.Publish(domain.EventProgressBegin)
	}
	t.events.Publish(domain.EventProgress, Percent(done, total), msg)
	if t.registry != nil {
		t.registry.Update(group, done, total, msg)
	}
	if end {
		t.events.Publish(domain.EventProgressEnd)
		if t.registry != nil {
			t.registry.End(group)
		}
	}
}

// Abort closes a run that will not complete, e.g. after a failure.
func (t *Tracker) Abort() {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return
	}
	t.active = false
	group := t.group
	t.mu.Unlock()

	t.events.Publish(domain.EventProgressEnd)
	if t.registry != nil {
		t.registry.End(group)
	}
}

// Active reports whether a run is in progress.
func (t *Tracker) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}
