// Package resilience provides the per-provider admission guards of the
// extraction layer: rate limiting, circuit breaking, and their registry.
package resilience

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/evermind-ai/evermind/internal/clock"
	"github.com/evermind-ai/evermind/pkg/errors"
)

// RateLimiterConfig combines a token bucket with a sliding-window ceiling.
type RateLimiterConfig struct {
	// Rate is the bucket refill rate in tokens per second.
	Rate float64
	// Burst is the bucket capacity.
	Burst int
	// WindowLimit is the maximum number of admissions per trailing Window.
	WindowLimit int
	// Window is the trailing window length.
	Window time.Duration
}

// DefaultRateLimiterConfig returns conservative per-provider defaults.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		Rate:        2,
		Burst:       4,
		WindowLimit: 60,
		Window:      time.Minute,
	}
}

// RateLimiter admits at most Burst-bursty, Rate-sustained traffic while also
// capping admissions in any trailing Window. Admission blocks until both
// constraints are satisfiable or the caller's timeout elapses. Capacity
// regenerates over time; there is no release.
//
// Safe for concurrent acquisition.
type RateLimiter struct {
	cfg     RateLimiterConfig
	bucket  *rate.Limiter
	clk     clock.Clock
	mu      sync.Mutex
	admits  []time.Time
	shared  SharedWindow
	keyName string
}

// SharedWindow optionally backs the sliding window with shared storage so
// several processes can enforce one ceiling. See RedisWindow.
type SharedWindow interface {
	// Allow reports whether one more admission fits the shared window.
	Allow(ctx context.Context, key string) (bool, error)
}

// NewRateLimiter creates a limiter for one provider.
func NewRateLimiter(name string, cfg RateLimiterConfig, clk clock.Clock) *RateLimiter {
	if clk == nil {
		clk = clock.Real{}
	}
	return &RateLimiter{
		cfg:     cfg,
		bucket:  rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		clk:     clk,
		keyName: name,
	}
}

// SetSharedWindow attaches a shared sliding-window backend. The local window
// still applies; the shared one adds a cross-process ceiling.
func (l *RateLimiter) SetSharedWindow(w SharedWindow) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.shared = w
}

// Acquire blocks until one admission is granted or the timeout elapses.
// A timeout of zero means the context deadline alone bounds the wait.
// Admission timeout is classified rate_limit, same as a provider-side 429;
// the caller's own context firing mid-wait is classified timeout instead.
func (l *RateLimiter) Acquire(ctx context.Context, timeout time.Duration) error {
	parent := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for {
		wait, err := l.tryAcquire(ctx)
		if err != nil {
			return err
		}
		if wait == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			if perr := parent.Err(); perr != nil {
				return l.classifyContextError(perr)
			}
			return errors.NewRateLimitError(l.keyName, "",
				"rate limiter admission timed out")
		case <-l.clk.After(wait):
		}
	}
}

// classifyContextError maps a caller-context failure into the taxonomy.
func (l *RateLimiter) classifyContextError(err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.NewTimeoutError(l.keyName, "",
			"context deadline exceeded while awaiting admission")
	}
	return errors.NewTimeoutError(l.keyName, "",
		"context canceled while awaiting admission")
}

// tryAcquire attempts one admission. It returns (0, nil) on success, or the
// suggested wait before the next try. The window check, bucket reservation,
// and admission append are one critical section so concurrent callers never
// over-admit. The shared window is consulted at most once per admission, and
// only after the local constraints have granted it: a delayed try must not
// spend a shared-window slot.
func (l *RateLimiter) tryAcquire(ctx context.Context) (time.Duration, error) {
	l.mu.Lock()

	now := l.clk.Now()
	l.pruneLocked(now)

	if l.cfg.WindowLimit > 0 && len(l.admits) >= l.cfg.WindowLimit {
		// Wait until the oldest admission leaves the window.
		wait := l.admits[0].Add(l.cfg.Window).Sub(now)
		l.mu.Unlock()
		if wait <= 0 {
			wait = time.Millisecond
		}
		return wait, nil
	}

	res := l.bucket.ReserveN(now, 1)
	if !res.OK() {
		l.mu.Unlock()
		return 0, errors.NewRateLimitError(l.keyName, "",
			"request exceeds bucket capacity")
	}
	if delay := res.DelayFrom(now); delay > 0 {
		// Do not hold a token while sleeping; re-contend after the delay.
		res.CancelAt(now)
		l.mu.Unlock()
		return delay, nil
	}

	shared := l.shared
	if shared == nil {
		l.admits = append(l.admits, now)
		l.mu.Unlock()
		return 0, nil
	}

	// Local constraints are satisfied: hold the admission while the shared
	// window is consulted (it does I/O, so outside the lock), and roll it
	// back if the shared ceiling declines.
	l.admits = append(l.admits, now)
	l.mu.Unlock()

	ok, err := shared.Allow(ctx, l.keyName)
	if err == nil && ok {
		return 0, nil
	}
	l.rollbackAdmit(now)
	res.CancelAt(now)
	if err != nil {
		return 0, err
	}
	return l.cfg.Window / time.Duration(maxInt(l.cfg.WindowLimit, 1)), nil
}

// rollbackAdmit removes one admission stamped at t.
func (l *RateLimiter) rollbackAdmit(t time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.admits) - 1; i >= 0; i-- {
		if l.admits[i].Equal(t) {
			l.admits = append(l.admits[:i], l.admits[i+1:]...)
			return
		}
	}
}

// pruneLocked drops admissions older than the trailing window.
func (l *RateLimiter) pruneLocked(now time.Time) {
	if l.cfg.Window <= 0 {
		return
	}
	cutoff := now.Add(-l.cfg.Window)
	i := 0
	for i < len(l.admits) && !l.admits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.admits = append(l.admits[:0], l.admits[i:]...)
	}
}

// WindowCount returns the number of admissions currently inside the window.
func (l *RateLimiter) WindowCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.clk.Now())
	return len(l.admits)
}

// Tokens returns the bucket's current token count.
func (l *RateLimiter) Tokens() float64 {
	return l.bucket.TokensAt(l.clk.Now())
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
