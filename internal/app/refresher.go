package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"polyMonitorBot/internal/domain"
	"polyMonitorBot/internal/ports"
)

const refreshMaxAttempts = 5 // Attempts per refresh cycle before keeping the stale set

// refreshLoop re-discovers the slot set on a fixed interval. A cycle that
// fails after retries keeps the last-known-good set; trades on slots that
// expire in the meantime are still resolved by the sweep.
func (s *MonitorService) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "Slot refresher stopping")
			return
		case <-ticker.C:
		}

		if err := s.refreshWithRetry(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error(ctx, err, "Slot refresh cycle failed, keeping previous slot set")
			continue
		}

		if serr := s.subscribeTracked(ctx); serr != nil {
			// The feed defers the frame to its next reconnect; nothing to do
			// here beyond recording it.
			s.logger.Warn(ctx, "Subscription update not applied", map[string]interface{}{"error": serr.Error()})
		}
	}
}

// refreshWithRetry runs one refresh cycle, retrying transient discovery
// failures with capped backoff. Returns the last error once the attempt
// budget is spent or the context ends.
func (s *MonitorService) refreshWithRetry(ctx context.Context) error {
	retry := &backoff.Backoff{
		Min:    s.cfg.BackoffMin,
		Max:    s.cfg.BackoffMax,
		Jitter: true,
	}

	var err error
	for attempt := 1; attempt <= refreshMaxAttempts; attempt++ {
		if err = s.refreshSlots(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if attempt == refreshMaxAttempts {
			break
		}
		wait := retry.Duration()
		s.logger.Warn(ctx, "Slot refresh failed, retrying", map[string]interface{}{
			"attempt": attempt,
			"error":   err.Error(),
			"wait":    wait.String(),
		})
		select {
		case <-ctx.Done():
			return err
		case <-time.After(wait):
		}
	}
	return err
}

// refreshSlots fetches the upcoming slot set, swaps the cache, and reconciles
// the trackers: new slots are added, retained slots keep their price history,
// and dropped slots survive only while they hold an open trade.
func (s *MonitorService) refreshSlots(ctx context.Context) error {
	slots, err := s.provider.FetchUpcomingSlots(ctx)
	if err != nil {
		if errors.Is(err, ports.ErrNoSlotsIndexed) {
			return fmt.Errorf("exchange has no watchable windows: %w", err)
		}
		return fmt.Errorf("slot discovery failed: %w", err)
	}

	if err := s.cache.Replace(slots); err != nil {
		// The in-memory set is still authoritative; a stale cache only costs
		// a slower cold start after a crash.
		s.logger.Warn(ctx, "Failed to persist slot cache", map[string]interface{}{"error": err.Error()})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := make(map[string]domain.MarketSlot, len(slots))
	for _, slot := range slots {
		fresh[slot.SlotID] = slot
	}

	added, dropped := 0, 0
	for slotID, slot := range fresh {
		if tracker, ok := s.trackers[slotID]; ok {
			// Keep price history and any open trade; refresh the slot
			// definition (recovered trades start without token IDs).
			tracker.slot = slot
			continue
		}
		s.trackers[slotID] = &slotTracker{slot: slot}
		added++
	}
	for slotID, tracker := range s.trackers {
		if _, ok := fresh[slotID]; ok {
			continue
		}
		if tracker.open != nil {
			// The slot fell out of the discovery horizon but we still hold a
			// position. The sweep retires it once the window elapses.
			continue
		}
		delete(s.trackers, slotID)
		dropped++
	}

	s.logger.Info(ctx, "Slot set refreshed", map[string]interface{}{
		"discovered": len(slots),
		"added":      added,
		"dropped":    dropped,
		"tracked":    len(s.trackers),
	})
	return nil
}

// subscribeTracked replaces the feed subscription with every tracked slot that
// has token IDs. Recovered slots without tokens cannot be subscribed; the
// sweep resolves them at window end instead.
func (s *MonitorService) subscribeTracked(ctx context.Context) error {
	s.mu.Lock()
	slots := make([]domain.MarketSlot, 0, len(s.trackers))
	for _, tracker := range s.trackers {
		if tracker.slot.UpTokenID == "" && tracker.slot.DownTokenID == "" {
			continue
		}
		slots = append(slots, tracker.slot)
	}
	s.mu.Unlock()

	return s.feed.Subscribe(ctx, slots)
}
