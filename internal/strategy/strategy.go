package strategy

import (
	"context"
	"fmt"
	"time"

	"polyMonitorBot/internal/domain"
	"polyMonitorBot/internal/ports"
)

// Config holds parameters for the momentum threshold policy.
type Config struct {
	EntryThreshold float64       // enter when the up-probability crosses this from below (e.g., 0.55)
	TakeProfit     float64       // exit a winning position at this probability (e.g., 0.70)
	StopLoss       float64       // exit a losing position at this probability (e.g., 0.40)
	ExitBuffer     time.Duration // flatten this long before the window ends (e.g., 30s)
}

// Strategy implements ports.DecisionPolicy with a simple momentum rule:
// enter the side the probability is breaking towards, take profit or cut the
// loss at fixed levels, and always flatten shortly before the window ends so
// the position exits on a live price rather than a forced close.
//
// All thresholds are on the up-probability scale; down entries mirror them.
type Strategy struct {
	cfg    Config
	logger ports.Logger
}

// New creates a Strategy instance.
func New(cfg Config, logger ports.Logger) (*Strategy, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for strategy")
	}
	if cfg.EntryThreshold <= 0.5 || cfg.EntryThreshold >= 1 {
		return nil, fmt.Errorf("entry threshold must be between 0.5 and 1, got %v", cfg.EntryThreshold)
	}
	if cfg.TakeProfit <= cfg.EntryThreshold || cfg.TakeProfit > 1 {
		return nil, fmt.Errorf("take profit must be between entry threshold and 1, got %v", cfg.TakeProfit)
	}
	if cfg.StopLoss <= 0 || cfg.StopLoss >= 0.5 {
		return nil, fmt.Errorf("stop loss must be between 0 and 0.5, got %v", cfg.StopLoss)
	}
	if cfg.ExitBuffer < 0 {
		return nil, fmt.Errorf("exit buffer cannot be negative, got %v", cfg.ExitBuffer)
	}
	return &Strategy{cfg: cfg, logger: logger}, nil
}

// Evaluate decides entry or exit for the observed slot state.
func (s *Strategy) Evaluate(ctx context.Context, state domain.SlotState) domain.Action {
	if state.Open != nil {
		return s.evaluateExit(ctx, state)
	}
	return s.evaluateEntry(ctx, state)
}

func (s *Strategy) evaluateEntry(ctx context.Context, state domain.SlotState) domain.Action {
	// A single observation is not momentum; wait for a second tick.
	if !state.HasPrev {
		return domain.NoAction
	}
	// Do not open into a window that is about to close.
	if state.Now.After(state.Slot.WindowEnd.Add(-s.cfg.ExitBuffer)) {
		return domain.NoAction
	}

	downThreshold := 1 - s.cfg.EntryThreshold
	switch {
	case state.PrevPrice < s.cfg.EntryThreshold && state.LastPrice >= s.cfg.EntryThreshold:
		s.logger.Debug(ctx, "Entry signal", map[string]interface{}{
			"slotID": state.Slot.SlotID, "side": domain.SideUp, "price": state.LastPrice,
		})
		return domain.Enter(domain.SideUp)
	case state.PrevPrice > downThreshold && state.LastPrice <= downThreshold:
		s.logger.Debug(ctx, "Entry signal", map[string]interface{}{
			"slotID": state.Slot.SlotID, "side": domain.SideDown, "price": state.LastPrice,
		})
		return domain.Enter(domain.SideDown)
	}
	return domain.NoAction
}

func (s *Strategy) evaluateExit(ctx context.Context, state domain.SlotState) domain.Action {
	// Flatten ahead of the window end.
	if state.Now.After(state.Slot.WindowEnd.Add(-s.cfg.ExitBuffer)) {
		return domain.Exit()
	}

	var takeProfit, stopLoss bool
	if state.Open.Side == domain.SideUp {
		takeProfit = state.LastPrice >= s.cfg.TakeProfit
		stopLoss = state.LastPrice <= s.cfg.StopLoss
	} else {
		takeProfit = state.LastPrice <= 1-s.cfg.TakeProfit
		stopLoss = state.LastPrice >= 1-s.cfg.StopLoss
	}
	if takeProfit || stopLoss {
		s.logger.Debug(ctx, "Exit signal", map[string]interface{}{
			"slotID": state.Slot.SlotID, "price": state.LastPrice, "takeProfit": takeProfit,
		})
		return domain.Exit()
	}
	return domain.NoAction
}
