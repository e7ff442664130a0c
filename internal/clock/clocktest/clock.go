// Package clocktest provides a deterministic Clock for tests.
package clocktest

import (
	"sync"
	"time"

	"github.com/pheuter/claude-agent-desktop/internal/clock"
)

// FakeClock is a deterministic Clock for tests.
//
// Timers created from it never fire on their own; tests advance time with
// Advance, which fires any timers whose deadline has passed.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

var _ clock.Clock = (*FakeClock)(nil)

// NewFakeClock returns a FakeClock starting at the given time.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now implements clock.Clock.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// NewTimer implements clock.Clock.
func (c *FakeClock) NewTimer(d time.Duration) clock.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{
		clk:      c,
		ch:       make(chan time.Time, 1),
		deadline: c.now.Add(d),
		pending:  true,
	}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward by d and fires any timers that elapse.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	fired := make([]*fakeTimer, 0, len(c.timers))
	for _, t := range c.timers {
		if t.pending && !t.deadline.After(now) {
			t.pending = false
			fired = append(fired, t)
		}
	}
	c.mu.Unlock()

	for _, t := range fired {
		select {
		case t.ch <- now:
		default:
		}
	}
}

type fakeTimer struct {
	clk      *FakeClock
	ch       chan time.Time
	deadline time.Time
	pending  bool
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }

func (t *fakeTimer) Stop() bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	was := t.pending
	t.pending = false
	return was
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	was := t.pending
	t.deadline = t.clk.now.Add(d)
	t.pending = true
	return was
}
