package domain

import "time"

// MarketSlot represents one exchange-defined 15-minute tradable window for an asset.
// Slots are discovered in batches and replaced wholesale on every refresh cycle;
// individual slots are never mutated.
type MarketSlot struct {
	Asset       string    // Underlying asset symbol (e.g., "BTC")
	SlotID      string    // Exchange slug, e.g. "btc-updown-15m-1735689600"
	UpTokenID   string    // CLOB token ID for the "up" outcome
	DownTokenID string    // CLOB token ID for the "down" outcome
	WindowStart time.Time // Start of the tradable window
	WindowEnd   time.Time // End of the tradable window (market resolves after this)
}

// Active reports whether the slot window contains the given instant.
func (s MarketSlot) Active(now time.Time) bool {
	return !now.Before(s.WindowStart) && now.Before(s.WindowEnd)
}

// Expired reports whether the slot window has fully elapsed.
func (s MarketSlot) Expired(now time.Time) bool {
	return !now.Before(s.WindowEnd)
}
