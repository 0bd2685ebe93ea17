package ports

import (
	"context"
	"time"

	"polyMonitorBot/internal/domain"
)

// TradeFilter narrows a List query. Zero values mean "no constraint".
type TradeFilter struct {
	Status domain.TradeStatus // open, closed, or "" for all
	Asset  string
	SlotID string
	Limit  int
}

// TradeRepository is the persistence contract for trade records. The engine is
// the only writer; the dashboard reads the same store concurrently, so every
// mutation must be atomic at record granularity and acknowledged writes must
// survive a crash.
type TradeRepository interface {
	// Create inserts a new open trade and returns its assigned ID.
	// Fails with ErrDuplicateSlot if an open trade already exists for the slot.
	Create(ctx context.Context, trade *domain.Trade) (int64, error)
	// CloseTrade sets the exit fields on an open trade in a single atomic write.
	// Fails with ErrNotFound if the ID does not exist, ErrAlreadyClosed if the
	// trade was closed before.
	CloseTrade(ctx context.Context, id int64, exitPrice float64, exitTime time.Time, outcome domain.Outcome) error
	// FindOpenBySlot retrieves the open trade for a slot, if any.
	// Returns nil, nil when no open trade exists.
	FindOpenBySlot(ctx context.Context, slotID string) (*domain.Trade, error)
	// FindByID retrieves a trade by its unique ID. Returns nil, nil if not found.
	FindByID(ctx context.Context, id int64) (*domain.Trade, error)
	// List retrieves trades matching the filter, newest entries first.
	// Safe to call concurrently with writes.
	List(ctx context.Context, filter TradeFilter) ([]*domain.Trade, error)
	// Counts returns the number of open and closed trades.
	Counts(ctx context.Context) (open int, closed int, err error)
}
