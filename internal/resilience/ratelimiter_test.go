package resilience

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/evermind-ai/evermind/internal/clock"
	"github.com/evermind-ai/evermind/pkg/errors"
)

func TestRateLimiter_BurstThenBlock(t *testing.T) {
	rl := NewRateLimiter("openai", RateLimiterConfig{
		Rate:        1,
		Burst:       3,
		WindowLimit: 100,
		Window:      time.Minute,
	}, clock.Real{})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, rl.Acquire(ctx, time.Second))
	}

	// Bucket drained: the fourth acquire must miss a 10ms timeout.
	err := rl.Acquire(ctx, 10*time.Millisecond)
	require.Error(t, err)
	require.Equal(t, errors.KindRateLimit, errors.KindOf(err))
}

func TestRateLimiter_RefillAdmits(t *testing.T) {
	rl := NewRateLimiter("openai", RateLimiterConfig{
		Rate:        50, // 1 token per 20ms
		Burst:       1,
		WindowLimit: 100,
		Window:      time.Minute,
	}, clock.Real{})

	ctx := context.Background()
	require.NoError(t, rl.Acquire(ctx, time.Second))
	// Blocks briefly, then the refill admits it.
	require.NoError(t, rl.Acquire(ctx, time.Second))
}

func TestRateLimiter_WindowCeiling(t *testing.T) {
	rl := NewRateLimiter("openai", RateLimiterConfig{
		Rate:        1000,
		Burst:       1000,
		WindowLimit: 5,
		Window:      time.Minute,
	}, clock.Real{})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, rl.Acquire(ctx, time.Second))
	}
	require.Equal(t, 5, rl.WindowCount())

	// Bucket has plenty of tokens but the window is full.
	err := rl.Acquire(ctx, 20*time.Millisecond)
	require.Error(t, err)
	require.Equal(t, errors.KindRateLimit, errors.KindOf(err))
	require.Equal(t, 5, rl.WindowCount())
}

func TestRateLimiter_ContextCancellation(t *testing.T) {
	rl := NewRateLimiter("openai", RateLimiterConfig{
		Rate:        0.001,
		Burst:       1,
		WindowLimit: 10,
		Window:      time.Minute,
	}, clock.Real{})

	require.NoError(t, rl.Acquire(context.Background(), time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := rl.Acquire(ctx, time.Minute)
	require.Error(t, err)
	require.Less(t, time.Since(start), time.Second, "cancellation must unblock the wait")
}

func TestRateLimiter_ConcurrentNeverOverAdmits(t *testing.T) {
	const limit = 8
	rl := NewRateLimiter("openai", RateLimiterConfig{
		Rate:        1000,
		Burst:       1000,
		WindowLimit: limit,
		Window:      time.Minute,
	}, clock.Real{})

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rl.Acquire(context.Background(), 20*time.Millisecond); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, limit, admitted, "window ceiling must hold under contention")
}

// countingWindow is a SharedWindow fake recording every Allow call.
type countingWindow struct {
	calls int
	allow bool
}

func (w *countingWindow) Allow(context.Context, string) (bool, error) {
	w.calls++
	return w.allow, nil
}

func TestRateLimiter_SharedWindowConsultedOncePerAdmission(t *testing.T) {
	shared := &countingWindow{allow: true}
	rl := NewRateLimiter("openai", RateLimiterConfig{
		Rate:        0.001,
		Burst:       1,
		WindowLimit: 10,
		Window:      time.Minute,
	}, clock.Real{})
	rl.SetSharedWindow(shared)

	ctx := context.Background()
	wait, err := rl.tryAcquire(ctx)
	require.NoError(t, err)
	require.Equal(t, time.Duration(0), wait)
	require.Equal(t, 1, shared.calls)

	// Bucket drained: a delayed try must not spend a shared slot.
	wait, err = rl.tryAcquire(ctx)
	require.NoError(t, err)
	require.Greater(t, wait, time.Duration(0))
	require.Equal(t, 1, shared.calls)
}

func TestRateLimiter_SharedDeclineRollsBackLocalAdmission(t *testing.T) {
	shared := &countingWindow{allow: false}
	rl := NewRateLimiter("openai", RateLimiterConfig{
		Rate:        1000,
		Burst:       1000,
		WindowLimit: 10,
		Window:      time.Minute,
	}, clock.Real{})
	rl.SetSharedWindow(shared)

	wait, err := rl.tryAcquire(context.Background())
	require.NoError(t, err)
	require.Greater(t, wait, time.Duration(0))
	require.Equal(t, 0, rl.WindowCount(),
		"a declined admission must not occupy the local window")
}

func TestRateLimiter_ParentCancellationIsNotRateLimit(t *testing.T) {
	rl := NewRateLimiter("openai", RateLimiterConfig{
		Rate:        0.001,
		Burst:       1,
		WindowLimit: 10,
		Window:      time.Minute,
	}, clock.Real{})
	require.NoError(t, rl.Acquire(context.Background(), time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := rl.Acquire(ctx, time.Minute)
	require.Error(t, err)
	require.Equal(t, errors.KindTimeout, errors.KindOf(err),
		"a caller cancel is not an admission failure")
}

func TestRateLimiter_ParentDeadlineIsTimeout(t *testing.T) {
	rl := NewRateLimiter("openai", RateLimiterConfig{
		Rate:        0.001,
		Burst:       1,
		WindowLimit: 10,
		Window:      time.Minute,
	}, clock.Real{})
	require.NoError(t, rl.Acquire(context.Background(), time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := rl.Acquire(ctx, time.Minute)
	require.Error(t, err)
	require.Equal(t, errors.KindTimeout, errors.KindOf(err))
}

func TestRateLimiter_TokensNeverNegative(t *testing.T) {
	rl := NewRateLimiter("openai", RateLimiterConfig{
		Rate:        1,
		Burst:       2,
		WindowLimit: 100,
		Window:      time.Minute,
	}, clock.Real{})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		require.NoError(t, rl.Acquire(ctx, time.Second))
	}
	_ = rl.Acquire(ctx, 5*time.Millisecond)

	require.GreaterOrEqual(t, rl.Tokens(), 0.0)
}
