// Package coalesce provides the "single mutable pending-intent slot plus
// sequential worker" primitive shared by the render scheduler and the
// row-range fetch queue, and a re-armable debouncer for burst collapsing.
package coalesce

import (
	"sync"
	"time"
)

// Slot holds at most one pending intent. Set overwrites the slot and wakes
// a sequential worker; while the worker runs, further Sets replace the
// pending value rather than queueing behind it, so a burst collapses to at
// most one additional run with the newest value. A second Set while the
// worker is active never starts a second concurrent worker.
type Slot[T any] struct {
	mu      sync.Mutex
	pending *T
	running bool
	work    func(T)
}

// NewSlot creates a slot draining into work. The work function runs on a
// dedicated goroutine, one invocation at a time.
func NewSlot[T any](work func(T)) *Slot[T] {
	return &Slot[T]{work: work}
}

// Set stores v as the pending intent, replacing any value not yet taken,
// and starts the worker if it is not already draining.
func (s *Slot[T]) Set(v T) {
	s.mu.Lock()
	s.pending = &v
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.drain()
}

// drain runs work on the newest pending value until the slot is empty.
func (s *Slot[T]) drain() {
	for {
		s.mu.Lock()
		if s.pending == nil {
			s.running = false
			s.mu.Unlock()
			return
		}
		v := *s.pending
		s.pending = nil
		s.mu.Unlock()

		s.work(v)
	}
}

// Active reports whether the worker is currently draining.
func (s *Slot[T]) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Debouncer delays an action until a burst of triggering events has
// quieted for a fixed interval. Each Trigger re-arms the timer, so only
// the last value within a quiet window is ever acted on. Now bypasses the
// quiet period for user-initiated events.
type Debouncer[T any] struct {
	mu      sync.Mutex
	delay   time.Duration
	timer   *time.Timer
	gen     uint64
	latest  T
	fire    func(T)
	stopped bool
}

// NewDebouncer creates a debouncer with the given quiet period.
func NewDebouncer[T any](delay time.Duration, fire func(T)) *Debouncer[T] {
	return &Debouncer[T]{delay: delay, fire: fire}
}

// Trigger records v as the latest value and re-arms the quiet period. The
// generation bump invalidates any timer that fired concurrently with the
// re-arm, so a stale expiry can never cut the new quiet period short.
func (d *Debouncer[T]) Trigger(v T) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.latest = v
	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, func() { d.expire(gen) })
}

// Now fires immediately with v, cancelling any armed quiet period.
func (d *Debouncer[T]) Now(v T) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.latest = v
	fire := d.fire
	d.mu.Unlock()

	fire(v)
}

// expire delivers the latest value after a full quiet period. Expiries from
// superseded generations are no-ops.
func (d *Debouncer[T]) expire(gen uint64) {
	d.mu.Lock()
	if d.stopped || gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	v := d.latest
	fire := d.fire
	d.mu.Unlock()

	fire(v)
}

// Stop cancels any armed timer and prevents further firing.
func (d *Debouncer[T]) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
