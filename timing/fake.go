package timing

import (
	"slices"
	"sync"
	"time"
)

// FakeClock is a manually advanced [Clock].
// Scheduled callbacks run synchronously inside [FakeClock.Advance] in deadline order.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*fakeTimer
}

// NewFakeClock creates a new [FakeClock] set to start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, fn func()) Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	t := &fakeTimer{clock: c, at: c.now.Add(max(d, 0)), seq: c.seq, fn: fn}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward by d running every callback that becomes due.
// Callbacks scheduled by other callbacks run too when they fall into the window.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		idx := c.nextDue(target)
		if idx < 0 {
			c.now = target
			c.mu.Unlock()
			return
		}
		t := c.timers[idx]
		c.timers = slices.Delete(c.timers, idx, idx+1)
		c.now = t.at
		c.mu.Unlock()

		t.fn()
	}
}

func (c *FakeClock) nextDue(target time.Time) int {
	idx := -1
	for i, t := range c.timers {
		if t.at.After(target) {
			continue
		}
		if idx < 0 || t.at.Before(c.timers[idx].at) || (t.at.Equal(c.timers[idx].at) && t.seq < c.timers[idx].seq) {
			idx = i
		}
	}
	return idx
}

// Pending returns number of scheduled callbacks that have not run or been stopped yet.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// NextIn returns duration until the earliest scheduled callback.
// The ok result is false when nothing is scheduled.
func (c *FakeClock) NextIn() (d time.Duration, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, t := range c.timers {
		if !ok || t.at.Sub(c.now) < d {
			d, ok = t.at.Sub(c.now), true
		}
	}
	return d, ok
}

type fakeTimer struct {
	clock *FakeClock
	at    time.Time
	seq   uint64
	fn    func()
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	i := slices.Index(t.clock.timers, t)
	if i < 0 {
		return false
	}
	t.clock.timers = slices.Delete(t.clock.timers, i, i+1)
	return true
}
