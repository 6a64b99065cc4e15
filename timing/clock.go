// Package timing provides clocks and timer configuration for the transaction and flow layers.
package timing

import (
	"time"
)

// Handle is a scheduled callback.
// Stop is idempotent and safe to call after the callback already ran,
// it reports whether the call prevented the callback from running.
type Handle interface {
	Stop() bool
}

// Clock is the time source and scheduler of the stack.
type Clock interface {
	Now() time.Time
	// AfterFunc runs fn in its own goroutine once d elapsed.
	AfterFunc(d time.Duration, fn func()) Handle
}

// SystemClock is a [Clock] backed by the time package.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) AfterFunc(d time.Duration, fn func()) Handle { return time.AfterFunc(d, fn) }

// Backoff returns retransmit interval number n (starting from 0) of the doubling
// law used by Timers A, E and G: min(t1*2^n, limit).
func Backoff(n int, t1, limit time.Duration) time.Duration {
	if n < 0 {
		n = 0
	}
	d := t1
	for range n {
		if d >= limit {
			break
		}
		d *= 2
	}
	return min(d, limit)
}
