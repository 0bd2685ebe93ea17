package ports

import (
	"context"

	"polyMonitorBot/internal/domain"
)

// MarketProvider queries the exchange's slot-discovery endpoint for the next
// batch of tradable market windows. Polled by the slot refresher, not streamed.
type MarketProvider interface {
	// FetchUpcomingSlots returns the next tradable slots for the configured
	// assets. Fails with ErrNoSlotsIndexed when the exchange has not indexed
	// any of the requested windows yet.
	FetchUpcomingSlots(ctx context.Context) ([]domain.MarketSlot, error)
}

// SlotCache is the process-restart-safe cache of the last-known slot set.
// Cleared unconditionally at engine startup, owned exclusively by the slot
// refresher afterwards, read-only for everyone else.
type SlotCache interface {
	// Clear removes any cached slot set, including one left by a crashed run.
	Clear() error
	// Replace atomically swaps the cached slot set. No partial merge: a reader
	// observes either the old set or the new one, never a mix.
	Replace(slots []domain.MarketSlot) error
	// Load returns the cached slot set, or an empty slice when none is cached.
	Load() ([]domain.MarketSlot, error)
}
