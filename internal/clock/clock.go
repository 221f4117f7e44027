// Package clock provides injectable time and randomness sources so backoff
// and budget-window logic can be tested without real timers.
package clock

import (
	"math/rand"
	"sync"
	"time"
)

// Clock abstracts wall-clock access for components that sleep or schedule.
type Clock interface {
	Now() time.Time
	// After behaves like time.After. Fake implementations deliver on Advance.
	After(d time.Duration) <-chan time.Time
}

// JitterSource draws backoff jitter. Implementations must be safe for
// concurrent use.
type JitterSource interface {
	// Jitter returns a duration in [-spread, +spread].
	Jitter(spread time.Duration) time.Duration
}

// Real is the production Clock backed by package time.
type Real struct{}

func (Real) Now() time.Time                         { return time.Now() }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RandJitter is the production JitterSource backed by math/rand.
type RandJitter struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandJitter creates a jitter source with the given seed. A fixed seed
// gives a reproducible jitter sequence.
func NewRandJitter(seed int64) *RandJitter {
	return &RandJitter{rng: rand.New(rand.NewSource(seed))}
}

func (j *RandJitter) Jitter(spread time.Duration) time.Duration {
	if spread <= 0 {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return time.Duration(j.rng.Int63n(int64(2*spread)+1)) - spread
}

// Fake is a manually advanced Clock for tests.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewFake creates a fake clock starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.waiters = append(f.waiters, fakeWaiter{deadline: f.now.Add(d), ch: ch})
	return ch
}

// Advance moves the fake clock forward and fires any timers that come due.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.now = f.now.Add(d)
	remaining := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.deadline.After(f.now) {
			w.ch <- f.now
		} else {
			remaining = append(remaining, w)
		}
	}
	f.waiters = remaining
}

// Set jumps the fake clock to an absolute time without firing timers early.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.now = t
	remaining := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.deadline.After(f.now) {
			w.ch <- f.now
		} else {
			remaining = append(remaining, w)
		}
	}
	f.waiters = remaining
}

// Pending returns the number of unfired timers, for test assertions.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}

// FixedJitter always returns the same offset; tests use it to pin backoff.
type FixedJitter struct {
	Offset time.Duration
}

func (j FixedJitter) Jitter(spread time.Duration) time.Duration {
	if j.Offset > spread {
		return spread
	}
	if j.Offset < -spread {
		return -spread
	}
	return j.Offset
}
