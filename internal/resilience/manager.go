package resilience

import (
	"sync"

	"github.com/evermind-ai/evermind/internal/clock"
)

// Manager owns the per-provider breakers and limiters behind a provider-keyed
// registry. Components are created lazily on first use and live for the
// process; callers only ever see their atomic operations.
type Manager struct {
	mu              sync.RWMutex
	circuitBreakers map[string]*CircuitBreaker
	rateLimiters    map[string]*RateLimiter
	cbConfig        CircuitBreakerConfig
	rlConfig        RateLimiterConfig
	clk             clock.Clock
	sharedWindow    SharedWindow
	onStateChange   func(name string, from, to CircuitState)
}

// ManagerConfig contains configuration for the resilience manager.
type ManagerConfig struct {
	CircuitBreaker CircuitBreakerConfig
	RateLimiter    RateLimiterConfig
	// SharedWindow optionally backs every limiter's sliding window with
	// shared storage.
	SharedWindow SharedWindow
	// OnCircuitStateChange is attached to every breaker the manager creates.
	OnCircuitStateChange func(name string, from, to CircuitState)
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		CircuitBreaker: DefaultCircuitBreakerConfig(),
		RateLimiter:    DefaultRateLimiterConfig(),
	}
}

// NewManager creates a new resilience manager.
func NewManager(cfg ManagerConfig, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Manager{
		circuitBreakers: make(map[string]*CircuitBreaker),
		rateLimiters:    make(map[string]*RateLimiter),
		cbConfig:        cfg.CircuitBreaker,
		rlConfig:        cfg.RateLimiter,
		clk:             clk,
		sharedWindow:    cfg.SharedWindow,
		onStateChange:   cfg.OnCircuitStateChange,
	}
}

// CircuitBreaker returns or creates the breaker for the given provider.
func (m *Manager) CircuitBreaker(provider string) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.circuitBreakers[provider]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock.
	if cb, ok = m.circuitBreakers[provider]; ok {
		return cb
	}

	cb = NewCircuitBreaker(provider, m.cbConfig, m.clk)
	if m.onStateChange != nil {
		cb.OnStateChange(m.onStateChange)
	}
	m.circuitBreakers[provider] = cb
	return cb
}

// RateLimiter returns or creates the limiter for the given provider.
func (m *Manager) RateLimiter(provider string) *RateLimiter {
	m.mu.RLock()
	rl, ok := m.rateLimiters[provider]
	m.mu.RUnlock()
	if ok {
		return rl
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if rl, ok = m.rateLimiters[provider]; ok {
		return rl
	}

	rl = NewRateLimiter(provider, m.rlConfig, m.clk)
	if m.sharedWindow != nil {
		rl.SetSharedWindow(m.sharedWindow)
	}
	m.rateLimiters[provider] = rl
	return rl
}

// SetRateLimiter installs a custom-tuned limiter for one provider.
func (m *Manager) SetRateLimiter(provider string, cfg RateLimiterConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rl := NewRateLimiter(provider, cfg, m.clk)
	if m.sharedWindow != nil {
		rl.SetSharedWindow(m.sharedWindow)
	}
	m.rateLimiters[provider] = rl
}

// RecordOutcome feeds one attempt outcome to the provider's breaker.
func (m *Manager) RecordOutcome(provider string, success bool) {
	m.CircuitBreaker(provider).RecordOutcome(success)
}

// Stats returns current resilience statistics for a provider.
func (m *Manager) Stats(provider string) Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{Provider: provider}
	if cb, ok := m.circuitBreakers[provider]; ok {
		stats.CircuitState = cb.State().String()
		stats.FailureRatio = cb.FailureRatio()
	}
	if rl, ok := m.rateLimiters[provider]; ok {
		stats.BucketTokens = rl.Tokens()
		stats.WindowCount = rl.WindowCount()
	}
	return stats
}

// Stats contains current resilience statistics for one provider.
type Stats struct {
	Provider     string
	CircuitState string
	FailureRatio float64
	BucketTokens float64
	WindowCount  int
}
