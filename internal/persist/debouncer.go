// Package persist provides the write coalescing used for streamed
// conversation updates.
package persist

import (
	"sync"
	"time"

	"github.com/pheuter/claude-agent-desktop/internal/clock"
)

// Debouncer coalesces bursts of Trigger calls into one deferred run of fn.
//
// The first Trigger arms a timer; each further Trigger while armed pushes
// the deadline out again, so fn runs once the mutations have been quiet for
// a full delay. Flush runs a pending fn immediately; Stop discards it.
type Debouncer struct {
	clk   clock.Clock
	delay time.Duration
	fn    func()

	mu      sync.Mutex
	armed   bool
	stopped bool
	gen     uint64
	timer   clock.Timer
	cancel  chan struct{}
}

// New creates a debouncer. fn runs on the debouncer's own goroutine for
// timer-driven fires and on the caller's goroutine for Flush.
func New(clk clock.Clock, delay time.Duration, fn func()) *Debouncer {
	return &Debouncer{clk: clk, delay: delay, fn: fn}
}

// Trigger schedules fn after the delay. A pending run has its deadline
// restarted rather than firing on the original schedule.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	if d.armed {
		d.timer.Reset(d.delay)
		d.mu.Unlock()
		return
	}
	d.armed = true
	d.gen++
	gen := d.gen
	timer := d.clk.NewTimer(d.delay)
	cancel := make(chan struct{})
	d.timer = timer
	d.cancel = cancel
	d.mu.Unlock()

	go func() {
		select {
		case <-timer.C():
		case <-cancel:
			return
		}
		d.mu.Lock()
		if !d.armed || d.gen != gen {
			d.mu.Unlock()
			return
		}
		d.armed = false
		d.mu.Unlock()
		d.fn()
	}()
}

// Flush runs a pending fn now, synchronously. Without a pending run it is a
// no-op.
func (d *Debouncer) Flush() {
	if !d.disarm() {
		return
	}
	d.fn()
}

// Stop discards any pending run and rejects future Triggers.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.disarm()
}

func (d *Debouncer) disarm() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.armed {
		return false
	}
	d.armed = false
	close(d.cancel)
	d.timer.Stop()
	return true
}
