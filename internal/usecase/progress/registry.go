// Package progress aggregates the progress of concurrent long-running
// operations into a single global percentage.
package progress

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"cvmlink/internal/domain"
	"cvmlink/internal/usecase/eventbus"
)

// DefaultGrace is how long a finished group keeps contributing to the total
// before it is dropped.
const DefaultGrace = 500 * time.Millisecond

type group struct {
	done     float64
	total    float64
	finished bool
}

// Registry tracks progress groups. Group ids are never reused within a
// process.
type Registry struct {
	mu     sync.Mutex
	nextID uint64
	groups map[uint64]*group
	grace  time.Duration
	events *eventbus.Dispatcher
	logger *slog.Logger
}

// NewRegistry creates a registry. A non-positive grace uses DefaultGrace.
func NewRegistry(grace time.Duration, logger *slog.Logger) *Registry {
	if grace <= 0 {
		grace = DefaultGrace
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		groups: make(map[uint64]*group),
		grace:  grace,
		events: eventbus.New(logger),
		logger: logger,
	}
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide registry.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry(DefaultGrace, nil)
	})
	return defaultRegistry
}

// Events returns the dispatcher carrying the global progressBegin,
// progress (percent, message) and progressEnd events.
func (r *Registry) Events() *eventbus.Dispatcher { return r.events }

// Begin opens a group expecting total units of work and returns its id.
// The first group of an idle registry publishes progressBegin.
func (r *Registry) Begin(total float64) uint64 {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	first := len(r.groups) == 0
	r.groups[id] = &group{total: total}
	r.mu.Unlock()

	if first {
		r.events.Publish(domain.EventProgressBegin)
	}
	return id
}

// Update records done out of total for group id and publishes the new
// aggregate. Unknown or finished groups are ignored.
func (r *Registry) Update(id uint64, done, total float64, msg string) {
	r.mu.Lock()
	g, ok := r.groups[id]
	if !ok || g.finished {
		r.mu.Unlock()
		return
	}
	g.done, g.total = done, total
	pct := r.percentLocked()
	r.mu.Unlock()

	r.events.Publish(domain.EventProgress, pct, msg)
}

// End marks group id complete. It keeps counting as done for the grace
// period; progressEnd is published once the last group is dropped.
func (r *Registry) End(id uint64) {
	r.mu.Lock()
	g, ok := r.groups[id]
	if !ok || g.finished {
		r.mu.Unlock()
		return
	}
	g.finished = true
	g.done = g.total
	r.mu.Unlock()

	time.AfterFunc(r.grace, func() { r.remove(id) })
}

func (r *Registry) remove(id uint64) {
	r.mu.Lock()
	delete(r.groups, id)
	last := len(r.groups) == 0
	r.mu.Unlock()

	if last {
		r.events.Publish(domain.EventProgressEnd)
	}
}

// Percent returns round(100 * sum(done) / sum(total)) over live groups.
func (r *Registry) Percent() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.percentLocked()
}

// Active returns the number of live groups, finished ones in their grace
// period included.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.groups)
}

func (r *Registry) percentLocked() int {
	var done, total float64
	for _, g := range r.groups {
		done += g.done
		total += g.total
	}
	return Percent(done, total)
}

// Percent returns round(100*done/total), or 0 when total is not positive.
func Percent(done, total float64) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(100 * done / total))
}
