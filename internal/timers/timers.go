// Package timers implements the generation-counted cancelable timer the
// mobility strand uses for retransmission backoff and lifetime refresh.
// A timer armed, then cancelled, then refired by a racing goroutine must
// not run its callback a second time; the generation counter is the
// cheap way to get that without a mutex around every timer.
package timers

import (
	"math/rand"
	"sync/atomic"
	"time"
)

// Timer is a cancelable, re-armable, generation-counted timer. The zero
// value is ready to use.
type Timer struct {
	gen atomic.Uint64
	t   *time.Timer
}

// Arm schedules fn to run after d, unless Cancel or a later Arm call
// invalidates it first. A pending *time.Timer from a prior Arm is stopped.
func (t *Timer) Arm(d time.Duration, fn func()) {
	if t.t != nil {
		t.t.Stop()
	}
	gen := t.gen.Add(1)
	t.t = time.AfterFunc(d, func() {
		if t.gen.Load() == gen {
			fn()
		}
	})
}

// Cancel stops the timer and bumps the generation so any already-fired,
// in-flight callback is dropped on delivery.
func (t *Timer) Cancel() {
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
	t.gen.Add(1)
}

// Fuzz returns d jittered by +/- fuzz/2, never negative. It mirrors the
// sleep jitter ipref-gw's timer_tick/arp_tick apply so periodic emitters
// (router advertisements) don't all phase-lock.
func Fuzz(d, fuzz time.Duration) time.Duration {
	if fuzz <= 0 {
		return d
	}
	half := fuzz / 2
	r := d - half + time.Duration(rand.Int63n(int64(fuzz)))
	if r < 0 {
		return 0
	}
	return r
}

// Uniform returns a random duration uniformly distributed in [lo, hi],
// used for the RouterAdvertiser's unsolicited RA period (spec 4.5).
func Uniform(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)+1))
}
