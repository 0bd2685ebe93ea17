package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"polyMonitorBot/internal/domain"
	"polyMonitorBot/internal/ports"
)

// handleTick advances the state machine for one slot. Store writes happen
// before any in-memory transition, so a failed write leaves the tracker
// unchanged and the same decision is simply re-evaluated on the next tick.
func (s *MonitorService) handleTick(ctx context.Context, tick domain.Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tracker, ok := s.trackers[tick.SlotID]
	if !ok {
		// Subscription changes race the feed: a tick for a slot we just
		// dropped is expected shortly after a refresh.
		s.logger.Debug(ctx, "Tick for untracked slot, ignoring", map[string]interface{}{"slotID": tick.SlotID})
		return
	}

	// Update price history
	if tracker.lastPrice > 0 || tracker.hasPrev {
		tracker.prevPrice = tracker.lastPrice
		tracker.hasPrev = true
	}
	tracker.lastPrice = tick.Price

	now := s.now().UTC()
	s.logger.Debug(ctx, "Received tick", map[string]interface{}{
		"slotID": tick.SlotID,
		"asset":  tick.Asset,
		"price":  tick.Price,
	})

	// Expired windows are the sweep's responsibility. Acting here would race
	// the forced close.
	if tracker.slot.Expired(now) {
		return
	}

	state := domain.SlotState{
		Slot:      tracker.slot,
		LastPrice: tracker.lastPrice,
		PrevPrice: tracker.prevPrice,
		HasPrev:   tracker.hasPrev,
		Open:      tracker.open,
		Now:       now,
	}

	action := s.policy.Evaluate(ctx, state)
	switch action.Type {
	case domain.ActionEnter:
		if tracker.open != nil {
			// Policy contract violation: it proposed an entry while a trade is
			// open. Drop the transition, never double-enter.
			s.logger.Warn(ctx, "Policy proposed entry on slot with open trade, dropping", map[string]interface{}{
				"slotID":  tick.SlotID,
				"tradeID": tracker.open.ID,
			})
			return
		}
		if ok, reason := s.guard.CanEnter(now); !ok {
			s.logger.Debug(ctx, "Trade limits block entry", map[string]interface{}{
				"slotID": tick.SlotID,
				"reason": reason,
			})
			return
		}
		if err := s.enterTrade(ctx, tracker, action.Side, now); err != nil {
			s.logger.Error(ctx, err, "Failed to enter trade", map[string]interface{}{"slotID": tick.SlotID})
		}

	case domain.ActionExit:
		if tracker.open == nil {
			s.logger.Warn(ctx, "Policy proposed exit on slot with no open trade, dropping", map[string]interface{}{"slotID": tick.SlotID})
			return
		}
		outcome := domain.ResolveOutcome(tracker.open.Side, tracker.open.EntryPrice, tracker.lastPrice)
		if err := s.exitTrade(ctx, tracker, tracker.lastPrice, now, outcome); err != nil {
			s.logger.Error(ctx, err, "Failed to close trade", map[string]interface{}{
				"slotID":  tick.SlotID,
				"tradeID": tracker.open.ID,
			})
		}
	}
}

// enterTrade records a new open trade. The store write is the commit point:
// the tracker only changes after Create succeeds, so an engine crash or store
// failure can never leave memory ahead of disk.
// NOTE: assumes the mutex `s.mu` is already locked by the caller.
func (s *MonitorService) enterTrade(ctx context.Context, tracker *slotTracker, side domain.Side, now time.Time) error {
	op := "enterTrade"
	trade := &domain.Trade{
		Asset:      tracker.slot.Asset,
		SlotID:     tracker.slot.SlotID,
		Side:       side,
		EntryPrice: tracker.lastPrice,
		EntryTime:  now,
	}

	id, err := s.repo.Create(ctx, trade)
	if err != nil {
		if errors.Is(err, ports.ErrDuplicateSlot) {
			// The store already holds an open trade for this slot that the
			// tracker lost sight of. Re-attach to it instead of failing.
			s.logger.Warn(ctx, op+": Store reports open trade for slot, re-attaching", map[string]interface{}{"slotID": tracker.slot.SlotID})
			existing, findErr := s.repo.FindOpenBySlot(ctx, tracker.slot.SlotID)
			if findErr != nil {
				return fmt.Errorf("failed to reconcile duplicate open trade: %w", findErr)
			}
			if existing != nil {
				tracker.open = existing
				s.guard.RecordOpen(now)
			}
			return nil
		}
		return fmt.Errorf("failed to persist new trade: %w", err)
	}
	trade.ID = id

	tracker.open = trade
	s.guard.RecordOpen(now)
	s.logger.Info(ctx, op+": Trade opened", map[string]interface{}{
		"tradeID":    trade.ID,
		"slotID":     trade.SlotID,
		"side":       string(trade.Side),
		"entryPrice": trade.EntryPrice,
	})

	if nerr := s.notifier.TradeOpened(ctx, trade); nerr != nil {
		// Best-effort: a failing notifier never affects engine state.
		s.logger.Warn(ctx, op+": Notifier failed for trade open", map[string]interface{}{"tradeID": trade.ID, "error": nerr.Error()})
	}
	return nil
}

// exitTrade closes the tracker's open trade at the given price. As with entry,
// the store write commits first; the tracker is released only on success so a
// transient failure is retried on the next tick or sweep.
// NOTE: assumes the mutex `s.mu` is already locked by the caller.
func (s *MonitorService) exitTrade(ctx context.Context, tracker *slotTracker, exitPrice float64, now time.Time, outcome domain.Outcome) error {
	op := "exitTrade"
	trade := tracker.open

	err := s.repo.CloseTrade(ctx, trade.ID, exitPrice, now, outcome)
	if err != nil {
		switch {
		case errors.Is(err, ports.ErrAlreadyClosed):
			// Someone (a previous run, most likely) already closed this
			// record. The store wins: drop our stale open state.
			s.logger.Warn(ctx, op+": Trade already closed in store, releasing tracker", map[string]interface{}{"tradeID": trade.ID})
			s.releaseOpenLocked(tracker, domain.OutcomeNone)
			return nil
		case errors.Is(err, ports.ErrNotFound):
			// An open tracker pointing at a missing record means the store and
			// memory diverged. Drop the tracker side, keep the alarm in logs.
			s.logger.Error(ctx, err, op+": Open trade missing from store, releasing tracker", map[string]interface{}{"tradeID": trade.ID})
			s.releaseOpenLocked(tracker, domain.OutcomeNone)
			return nil
		default:
			return fmt.Errorf("failed to persist trade close: %w", err)
		}
	}

	trade.ExitPrice = &exitPrice
	exitTime := now
	trade.ExitTime = &exitTime
	trade.Outcome = outcome
	s.releaseOpenLocked(tracker, outcome)

	s.logger.Info(ctx, op+": Trade closed", map[string]interface{}{
		"tradeID":   trade.ID,
		"slotID":    trade.SlotID,
		"exitPrice": exitPrice,
		"outcome":   string(outcome),
	})

	if nerr := s.notifier.TradeClosed(ctx, trade); nerr != nil {
		s.logger.Warn(ctx, op+": Notifier failed for trade close", map[string]interface{}{"tradeID": trade.ID, "error": nerr.Error()})
	}
	return nil
}

// releaseOpenLocked clears a tracker's open trade and records the close with
// the trade-limit guard.
// NOTE: assumes the mutex `s.mu` is already locked by the caller.
func (s *MonitorService) releaseOpenLocked(tracker *slotTracker, outcome domain.Outcome) {
	tracker.open = nil
	s.guard.RecordClose(outcome)
}

// sweepExpired force-closes every open trade whose window has elapsed and
// retires trackers that are expired and flat. Runs on a fixed interval and
// once more during shutdown.
func (s *MonitorService) sweepExpired(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	for slotID, tracker := range s.trackers {
		if !tracker.slot.Expired(now) {
			continue
		}

		if tracker.open != nil {
			exitPrice := tracker.lastPrice
			var outcome domain.Outcome
			if tracker.lastPrice > 0 {
				outcome = domain.ResolveExpiry(tracker.open.Side, tracker.lastPrice)
			} else {
				// No price was ever observed for this window (typical for
				// trades recovered after a long outage). Close at entry, void.
				exitPrice = tracker.open.EntryPrice
				outcome = domain.OutcomeVoid
			}
			s.logger.Info(ctx, "Window elapsed, force-closing trade", map[string]interface{}{
				"tradeID": tracker.open.ID,
				"slotID":  slotID,
				"outcome": string(outcome),
			})
			if err := s.exitTrade(ctx, tracker, exitPrice, now, outcome); err != nil {
				// Keep the tracker so the next sweep retries the close.
				s.logger.Error(ctx, err, "Failed to force-close expired trade, will retry", map[string]interface{}{"tradeID": tracker.open.ID})
				continue
			}
		}

		delete(s.trackers, slotID)
		s.logger.Debug(ctx, "Retired expired slot tracker", map[string]interface{}{"slotID": slotID})
	}
}
