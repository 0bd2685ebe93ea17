package domain

import "time"

// Tick is a single price observation from the market feed.
// Price is the probability of the "up" outcome (0..1). Ticks are ephemeral:
// produced by the feed client, consumed by the engine, never persisted.
type Tick struct {
	SlotID     string
	Asset      string
	Price      float64
	ReceivedAt time.Time
}
