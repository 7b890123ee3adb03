package eventbus

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Listener receives the positional arguments of a published event.
type Listener func(args ...any)

// Subscription is the handle returned by Subscribe. Its identity, not the
// listener function, is what Unsubscribe matches on.
type Subscription struct {
	d    *Dispatcher
	name string
	id   uint64
	fn   Listener
}

// Cancel removes the subscription from its dispatcher.
func (s *Subscription) Cancel() {
	if s == nil || s.d == nil {
		return
	}
	s.d.Unsubscribe(s.name, s)
}

// Dispatcher is a named-event publish/subscribe hub. Delivery is synchronous
// and follows registration order. Listeners run outside the internal lock,
// so they may subscribe or unsubscribe while being called.
type Dispatcher struct {
	mu     sync.RWMutex
	subs   map[string][]*Subscription
	all    []allSub
	nextID atomic.Uint64
	logger *slog.Logger
}

type allSub struct {
	id uint64
	fn func(name string, args ...any)
}

// New creates a dispatcher. A nil logger discards debug output.
func New(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{
		subs:   make(map[string][]*Subscription),
		logger: logger,
	}
}

// Subscribe appends listener to the list for name. Registering the same
// function twice delivers twice.
func (d *Dispatcher) Subscribe(name string, listener Listener) *Subscription {
	sub := &Subscription{d: d, name: name, id: d.nextID.Add(1), fn: listener}

	d.mu.Lock()
	d.subs[name] = append(d.subs[name], sub)
	d.mu.Unlock()
	return sub
}

// Once registers a listener that is removed before its first delivery.
func (d *Dispatcher) Once(name string, listener Listener) *Subscription {
	var (
		sub  *Subscription
		once sync.Once
	)
	sub = d.Subscribe(name, func(args ...any) {
		fired := false
		once.Do(func() {
			d.Unsubscribe(name, sub)
			fired = true
		})
		if fired {
			listener(args...)
		}
	})
	return sub
}

// Unsubscribe removes sub from the list for name. Unknown subscriptions are
// ignored.
func (d *Dispatcher) Unsubscribe(name string, sub *Subscription) {
	if sub == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	subs := d.subs[name]
	for i, s := range subs {
		if s == sub {
			// Copy so snapshots taken by in-flight publishes stay intact.
			next := make([]*Subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(d.subs, name)
			} else {
				d.subs[name] = next
			}
			return
		}
	}
}

// SubscribeAll registers fn for every event name, called after the named
// listeners. Returns an unsubscribe function.
func (d *Dispatcher) SubscribeAll(fn func(name string, args ...any)) func() {
	id := d.nextID.Add(1)

	d.mu.Lock()
	d.all = append(d.all, allSub{id: id, fn: fn})
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, s := range d.all {
			if s.id == id {
				d.all = append(d.all[:i:i], d.all[i+1:]...)
				return
			}
		}
	}
}

// Publish calls every listener registered for name at call time, in
// registration order. A panicking listener is not recovered: the panic
// reaches the publisher and the remaining listeners are skipped.
func (d *Dispatcher) Publish(name string, args ...any) {
	d.mu.RLock()
	subs := d.subs[name]
	all := d.all
	d.mu.RUnlock()

	if len(subs) == 0 && len(all) == 0 {
		return
	}
	d.logger.Debug("publish event", "event", name, "listeners", len(subs))

	for _, sub := range subs {
		sub.fn(args...)
	}
	for _, s := range all {
		s.fn(name, args...)
	}
}

// Listeners returns the number of listeners registered for name.
func (d *Dispatcher) Listeners(name string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs[name])
}
