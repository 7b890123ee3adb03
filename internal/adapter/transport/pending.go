package transport

import (
	"sync"
	"time"

	"cvmlink/internal/domain"
)

// Handlers receives the correlated frames of one request.
type Handlers = domain.ResponseHandlers

func deliver(h *Handlers, name string, args domain.Args) {
	if fn, ok := h.On[name]; ok && fn != nil {
		fn(args)
		return
	}
	if h.Any != nil {
		h.Any(name, args)
	}
}

func fail(h *Handlers, err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

// pendingCall tracks one outstanding request. finish and expire are the
// idempotency guard: whichever of timer, terminal frame or teardown gets
// there first owns the outcome. Each timer carries the generation it was
// armed with so a timer superseded by rearm cannot expire the call.
type pendingCall struct {
	id       string
	seq      uint64
	created  time.Time
	timeout  time.Duration
	handlers *Handlers

	mu       sync.Mutex
	done     bool
	gen      uint64
	timer    *time.Timer
	onExpire func(gen uint64)
}

func newPendingCall(id string, seq uint64, timeout time.Duration, h *Handlers) *pendingCall {
	return &pendingCall{
		id:       id,
		seq:      seq,
		created:  time.Now(),
		timeout:  timeout,
		handlers: h,
	}
}

// arm starts the response timer. A non-positive timeout waits forever.
func (p *pendingCall) arm(onExpire func(gen uint64)) {
	if p.timeout <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return
	}
	p.onExpire = onExpire
	p.startTimer()
}

// startTimer must be called with p.mu held.
func (p *pendingCall) startTimer() {
	p.gen++
	gen, fn := p.gen, p.onExpire
	p.timer = time.AfterFunc(p.timeout, func() { fn(gen) })
}

// rearm restarts the timer after an intermediate response. It reports false
// if the call has already finished.
func (p *pendingCall) rearm() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
		p.startTimer()
	}
	return true
}

// expire finishes the call on behalf of the timer armed as gen. It is false
// when the call is already done or a later rearm replaced that timer.
func (p *pendingCall) expire(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done || gen != p.gen {
		return false
	}
	p.done = true
	return true
}

// finish marks the call done and stops its timer. Only the first caller
// gets true.
func (p *pendingCall) finish() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return false
	}
	p.done = true
	if p.timer != nil {
		p.timer.Stop()
	}
	return true
}
