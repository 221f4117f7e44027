package resilience

import (
	"sync"
	"time"

	"github.com/evermind-ai/evermind/internal/clock"
)

// CircuitState represents the current state of a circuit breaker.
type CircuitState int

const (
	// StateClosed allows requests to pass through normally.
	StateClosed CircuitState = iota
	// StateOpen rejects requests immediately.
	StateOpen
	// StateHalfOpen allows exactly one trial request.
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes the rolling-window breaker.
type CircuitBreakerConfig struct {
	// WindowSize is the number of most recent outcomes considered.
	WindowSize int
	// FailureRatio opens the circuit when the window's failure share
	// exceeds it.
	FailureRatio float64
	// MinSamples is the minimum window fill before the ratio is evaluated.
	MinSamples int
	// Cooldown is how long the circuit stays open before a half-open trial.
	Cooldown time.Duration
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		WindowSize:   20,
		FailureRatio: 0.5,
		MinSamples:   5,
		Cooldown:     30 * time.Second,
	}
}

// CircuitBreaker guards one provider with a rolling window of the last
// WindowSize attempt outcomes. Transitions depend only on that window plus
// the half-open trial outcome.
type CircuitBreaker struct {
	mu            sync.Mutex
	name          string
	cfg           CircuitBreakerConfig
	clk           clock.Clock
	state         CircuitState
	window        []bool // true = failure
	head          int
	filled        int
	openedAt      time.Time
	trialInFlight bool
	onStateChange func(name string, from, to CircuitState)
}

// NewCircuitBreaker creates a breaker for one provider.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig, clk clock.Clock) *CircuitBreaker {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 20
	}
	return &CircuitBreaker{
		name:   name,
		cfg:    cfg,
		clk:    clk,
		state:  StateClosed,
		window: make([]bool, cfg.WindowSize),
	}
}

// OnStateChange sets a callback invoked on every transition.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, from, to CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Allow reports whether a request may proceed. While open it returns false
// until the cooldown elapses, at which point it transitions to half-open and
// admits exactly one trial.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		if cb.clk.Now().Sub(cb.openedAt) >= cb.cfg.Cooldown {
			cb.transitionTo(StateHalfOpen)
			cb.trialInFlight = true
			return true
		}
		return false

	case StateHalfOpen:
		if cb.trialInFlight {
			return false
		}
		cb.trialInFlight = true
		return true

	default:
		return false
	}
}

// RecordOutcome appends one attempt outcome to the rolling window and applies
// the transition rules.
func (cb *CircuitBreaker) RecordOutcome(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.trialInFlight = false
		if success {
			cb.transitionTo(StateClosed)
			cb.resetWindow()
			return
		}
		cb.openedAt = cb.clk.Now()
		cb.transitionTo(StateOpen)
		return

	case StateClosed:
		cb.push(!success)
		if cb.filled >= cb.cfg.MinSamples && cb.failureRatio() > cb.cfg.FailureRatio {
			cb.openedAt = cb.clk.Now()
			cb.transitionTo(StateOpen)
		}

	case StateOpen:
		// Late results from in-flight calls do not alter the open state.
		cb.push(!success)
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name returns the breaker's provider name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// FailureRatio returns the current window failure share.
func (cb *CircuitBreaker) FailureRatio() float64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureRatio()
}

func (cb *CircuitBreaker) push(failure bool) {
	cb.window[cb.head] = failure
	cb.head = (cb.head + 1) % len(cb.window)
	if cb.filled < len(cb.window) {
		cb.filled++
	}
}

func (cb *CircuitBreaker) failureRatio() float64 {
	if cb.filled == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < cb.filled; i++ {
		if cb.window[i] {
			failures++
		}
	}
	return float64(failures) / float64(cb.filled)
}

func (cb *CircuitBreaker) resetWindow() {
	for i := range cb.window {
		cb.window[i] = false
	}
	cb.head = 0
	cb.filled = 0
}

func (cb *CircuitBreaker) transitionTo(newState CircuitState) {
	if cb.state == newState {
		return
	}
	oldState := cb.state
	cb.state = newState
	if cb.onStateChange != nil {
		go cb.onStateChange(cb.name, oldState, newState)
	}
}
