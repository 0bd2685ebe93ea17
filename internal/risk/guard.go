package risk

import (
	"fmt"
	"sync"
	"time"

	"polyMonitorBot/internal/domain"
)

// Config holds the trade-limit parameters enforced by the Guard.
// A zero value disables the corresponding limit, except MaxOpenTrades which
// must be positive.
type Config struct {
	MaxOpenTrades        int // Cap on concurrently open trades across all slots
	MaxDailyTrades       int // Cap on entries per UTC day, 0 = unlimited
	MaxConsecutiveLosses int // Entries pause after this many losses in a row, 0 = unlimited
}

// Guard enforces trade limits for the engine: how many trades may be open at
// once, how many may be entered per day, and whether a loss streak should
// pause new entries. It is the engine's single source of truth for the open
// trade count.
type Guard struct {
	mu  sync.Mutex
	cfg Config

	open              int
	dailyTrades       int
	day               time.Time // UTC midnight of the day dailyTrades counts
	consecutiveLosses int
}

// NewGuard creates a guard with the given limits.
func NewGuard(cfg Config) (*Guard, error) {
	if cfg.MaxOpenTrades <= 0 {
		return nil, fmt.Errorf("MaxOpenTrades must be positive, got %d", cfg.MaxOpenTrades)
	}
	if cfg.MaxDailyTrades < 0 {
		return nil, fmt.Errorf("MaxDailyTrades cannot be negative, got %d", cfg.MaxDailyTrades)
	}
	if cfg.MaxConsecutiveLosses < 0 {
		return nil, fmt.Errorf("MaxConsecutiveLosses cannot be negative, got %d", cfg.MaxConsecutiveLosses)
	}
	return &Guard{cfg: cfg}, nil
}

// CanEnter reports whether a new trade may be opened now. When it cannot, the
// returned reason names the limit that blocked it.
func (g *Guard) CanEnter(now time.Time) (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked(now)

	if g.open >= g.cfg.MaxOpenTrades {
		return false, fmt.Sprintf("open trade limit reached (%d/%d)", g.open, g.cfg.MaxOpenTrades)
	}
	if g.cfg.MaxDailyTrades > 0 && g.dailyTrades >= g.cfg.MaxDailyTrades {
		return false, fmt.Sprintf("daily trade limit reached (%d/%d)", g.dailyTrades, g.cfg.MaxDailyTrades)
	}
	if g.cfg.MaxConsecutiveLosses > 0 && g.consecutiveLosses >= g.cfg.MaxConsecutiveLosses {
		return false, fmt.Sprintf("paused after %d consecutive losses", g.consecutiveLosses)
	}
	return true, ""
}

// RecordOpen registers a newly opened (or recovered) trade.
func (g *Guard) RecordOpen(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked(now)
	g.open++
	g.dailyTrades++
}

// RecordClose registers a closed trade and adjusts the loss streak: a loss
// extends it, a win resets it, void and unresolved closes leave it untouched.
func (g *Guard) RecordClose(outcome domain.Outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open > 0 {
		g.open--
	}
	switch outcome {
	case domain.OutcomeLoss:
		g.consecutiveLosses++
	case domain.OutcomeWin:
		g.consecutiveLosses = 0
	}
}

// OpenCount returns the number of trades currently recorded as open.
func (g *Guard) OpenCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

// rolloverLocked resets the daily counter when the UTC day changes.
// NOTE: assumes the mutex `g.mu` is already locked by the caller.
func (g *Guard) rolloverLocked(now time.Time) {
	day := now.UTC().Truncate(24 * time.Hour)
	if !day.Equal(g.day) {
		g.day = day
		g.dailyTrades = 0
	}
}
