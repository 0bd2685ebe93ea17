package domain

import "time"

// Trade is the unit of record: one entry-to-close lifecycle on a slot market.
// Exit fields are nil while the trade is open. Once the exit fields are set the
// record is immutable.
type Trade struct {
	ID         int64 // Store-assigned, monotonic
	Asset      string
	SlotID     string
	Side       Side    // Direction chosen at entry
	EntryPrice float64 // Up-probability at entry
	EntryTime  time.Time
	ExitPrice  *float64
	ExitTime   *time.Time
	Outcome    Outcome // Set on close; empty while open
}

// IsOpen reports whether the trade has not been closed yet.
func (t *Trade) IsOpen() bool {
	return t.ExitPrice == nil
}

// Status derives the lifecycle status from the exit fields.
func (t *Trade) Status() TradeStatus {
	if t.IsOpen() {
		return StatusOpen
	}
	return StatusClosed
}

// ResolveOutcome determines how a trade resolves for the chosen side at the
// given exit price. An up entry wins when the price moved up, a down entry
// when it moved down; an unchanged price resolves void.
func ResolveOutcome(side Side, entryPrice, exitPrice float64) Outcome {
	switch {
	case exitPrice == entryPrice:
		return OutcomeVoid
	case (side == SideUp) == (exitPrice > entryPrice):
		return OutcomeWin
	default:
		return OutcomeLoss
	}
}

// ResolveExpiry determines the outcome for a trade force-closed at window end.
// The market settles to the side the final price favours; with no price signal
// the trade is void.
func ResolveExpiry(side Side, lastPrice float64) Outcome {
	switch {
	case lastPrice == 0.5 || lastPrice < 0:
		return OutcomeVoid
	case (side == SideUp) == (lastPrice > 0.5):
		return OutcomeWin
	default:
		return OutcomeLoss
	}
}

// SlotState is the narrow input handed to a DecisionPolicy: the slot under
// observation, the latest and previous prices, any open trade, and the clock.
type SlotState struct {
	Slot      MarketSlot
	LastPrice float64
	PrevPrice float64 // 0 when no prior tick has been seen
	HasPrev   bool
	Open      *Trade // nil when no position is open on this slot
	Now       time.Time
}
