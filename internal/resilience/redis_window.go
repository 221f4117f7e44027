package resilience

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisWindow backs the sliding-window ceiling with Redis so several
// processes share one admission budget. The local token bucket still applies
// per process; this only enforces the cross-process window count.
type RedisWindow struct {
	client   *redis.Client
	script   *redis.Script
	limit    int64
	window   time.Duration
	failOpen bool
}

// windowScript resets the window on expiry and increments the counter inside
// an active window, atomically.
const windowScript = `
local window_key = KEYS[1]
local counter_key = KEYS[2]
local now = tonumber(ARGV[1])
local window_size = tonumber(ARGV[2])

local window_start = redis.call('GET', window_key)
if not window_start or (now - tonumber(window_start)) >= window_size then
    redis.call('SET', window_key, tostring(now))
    redis.call('SET', counter_key, 1)
    redis.call('EXPIRE', window_key, window_size)
    redis.call('EXPIRE', counter_key, window_size)
    return 1
end

local counter = redis.call('INCR', counter_key)
if redis.call('TTL', counter_key) == -1 then
    redis.call('EXPIRE', counter_key, window_size)
end
return counter
`

// NewRedisWindow creates a shared window allowing limit admissions per window.
// With failOpen set, Redis outages admit instead of reject.
func NewRedisWindow(client *redis.Client, limit int, window time.Duration, failOpen bool) *RedisWindow {
	return &RedisWindow{
		client:   client,
		script:   redis.NewScript(windowScript),
		limit:    int64(limit),
		window:   window,
		failOpen: failOpen,
	}
}

// Allow implements SharedWindow.
func (w *RedisWindow) Allow(ctx context.Context, key string) (bool, error) {
	// Hash tag keeps both keys on the same cluster node.
	tag := fmt.Sprintf("{evermind:%s}", key)
	windowKey := tag + ":window"
	counterKey := tag + ":count"

	val, err := w.script.Run(ctx, w.client,
		[]string{windowKey, counterKey},
		time.Now().Unix(), int64(w.window.Seconds()),
	).Result()
	if err != nil {
		if w.failOpen {
			return true, nil
		}
		return false, fmt.Errorf("redis window check: %w", err)
	}

	var current int64
	switch v := val.(type) {
	case int64:
		current = v
	case string:
		current, _ = strconv.ParseInt(v, 10, 64)
	default:
		current, _ = strconv.ParseInt(fmt.Sprintf("%v", v), 10, 64)
	}

	return current <= w.limit, nil
}
