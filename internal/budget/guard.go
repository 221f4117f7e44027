// Package budget enforces the daily USD spend cap over a fixed UTC-day
// window. The window rollover is a hard boundary crossing checked lazily on
// access, never a sliding average.
package budget

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/evermind-ai/evermind/internal/clock"
	"github.com/evermind-ai/evermind/pkg/errors"
)

// warnThresholds are the once-per-window utilization warning levels, percent.
var warnThresholds = []int{70, 90, 100}

// Guard is the per-process budget gate. Safe for concurrent use; the
// check-then-reserve around a spend decision is one critical section.
type Guard struct {
	mu             sync.Mutex
	dailyLimitUSD  float64
	spentUSD       float64
	windowStartUTC time.Time
	warned         map[int]bool
	clk            clock.Clock
	logger         *slog.Logger
}

// State is a snapshot of the guard's window.
type State struct {
	WindowStartUTC time.Time
	SpentUSD       float64
	DailyLimitUSD  float64
	// UtilizationPct is 0 when the limit is disabled.
	UtilizationPct float64
}

// NewGuard creates a budget guard. A limit of 0 (or negative) disables the
// gate entirely: calls are never blocked, but spend is still accumulated.
func NewGuard(dailyLimitUSD float64, clk clock.Clock, logger *slog.Logger) *Guard {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guard{
		dailyLimitUSD: dailyLimitUSD,
		warned:        make(map[int]bool),
		clk:           clk,
		logger:        logger,
	}
	g.windowStartUTC = midnightUTC(clk.Now())
	return g
}

// CheckAndReserve blocks the call if the projected spend would exceed the
// daily limit. The rollover check, the projection, and the decision happen
// under one lock so concurrent extractions cannot race past the cap.
func (g *Guard) CheckAndReserve(estimatedCostUSD float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rolloverLocked()

	if g.dailyLimitUSD <= 0 {
		return nil
	}

	projected := g.spentUSD + estimatedCostUSD
	if projected > g.dailyLimitUSD {
		return errors.NewBudgetBlockedError(fmt.Sprintf(
			"projected spend %.4f USD exceeds daily limit %.2f USD (spent %.4f)",
			projected, g.dailyLimitUSD, g.spentUSD))
	}
	return nil
}

// Commit adds a call's reconciled actual cost to the window's spend and emits
// the one-time utilization warnings. spentUSD only increases within a window.
func (g *Guard) Commit(actualCostUSD float64) {
	if actualCostUSD < 0 {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.rolloverLocked()
	g.spentUSD += actualCostUSD

	if g.dailyLimitUSD <= 0 {
		return
	}
	pct := g.spentUSD / g.dailyLimitUSD * 100
	for _, threshold := range warnThresholds {
		if pct >= float64(threshold) && !g.warned[threshold] {
			g.warned[threshold] = true
			g.logger.Warn("daily budget threshold reached",
				"threshold_pct", threshold,
				"spent_usd", g.spentUSD,
				"limit_usd", g.dailyLimitUSD,
			)
		}
	}
}

// Snapshot returns the current window state, applying any pending rollover.
func (g *Guard) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rolloverLocked()

	s := State{
		WindowStartUTC: g.windowStartUTC,
		SpentUSD:       g.spentUSD,
		DailyLimitUSD:  g.dailyLimitUSD,
	}
	if g.dailyLimitUSD > 0 {
		s.UtilizationPct = g.spentUSD / g.dailyLimitUSD * 100
	}
	return s
}

// Enabled reports whether the gate is active.
func (g *Guard) Enabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dailyLimitUSD > 0
}

// rolloverLocked resets the window exactly once when UTC midnight has been
// crossed since the last access. Never retroactively adjusts spend.
func (g *Guard) rolloverLocked() {
	now := g.clk.Now().UTC()
	boundary := g.windowStartUTC.Add(24 * time.Hour)
	if now.Before(boundary) {
		return
	}
	g.windowStartUTC = midnightUTC(now)
	g.spentUSD = 0
	g.warned = make(map[int]bool)
	g.logger.Info("budget window rolled over",
		"window_start_utc", g.windowStartUTC.Format(time.RFC3339))
}

func midnightUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
