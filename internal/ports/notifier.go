package ports

import (
	"context"

	"polyMonitorBot/internal/domain"
)

// Notifier receives trade lifecycle events. Delivery is best-effort: a failing
// notifier must never affect engine state, so errors are logged by the caller
// and otherwise ignored.
type Notifier interface {
	// TradeOpened is emitted after a trade is durably recorded as open.
	TradeOpened(ctx context.Context, trade *domain.Trade) error
	// TradeClosed is emitted after a trade is durably recorded as closed.
	TradeClosed(ctx context.Context, trade *domain.Trade) error
}
