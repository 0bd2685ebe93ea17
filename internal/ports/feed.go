package ports

import (
	"context"

	"polyMonitorBot/internal/domain"
)

// FeedClient maintains one persistent streaming connection to the exchange's
// market-data channel and turns price events into domain.Tick values.
//
// Transient transport failures (socket resets, server closes, timeouts) are
// recovered inside the client with backoff; they never surface past this
// boundary. Fatal failures (ErrConnectionFailed) close the tick channel and are
// reported by Err.
type FeedClient interface {
	// Connect establishes the streaming connection and starts the read loop.
	// Fails with ErrConnectionFailed if the initial handshake does not complete
	// within a bounded timeout.
	Connect(ctx context.Context) error
	// Subscribe replaces the active subscription set with the given slots.
	// Idempotent: resubscribing an unchanged set is a no-op. May be called
	// repeatedly as the slot cache changes.
	Subscribe(ctx context.Context, slots []domain.MarketSlot) error
	// Ticks returns the channel the read loop emits on. The channel is bounded;
	// a full channel blocks the producer (backpressure), ticks are never
	// silently dropped. Closed when the client shuts down or hits a fatal error.
	Ticks() <-chan domain.Tick
	// Err returns the fatal error that terminated the stream, if any.
	// Only meaningful after Ticks() is closed.
	Err() error
	// Close tears down the connection and stops the read loop.
	Close() error
}
