package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"polyMonitorBot/internal/domain"
)

// Console implements ports.Notifier by printing lifecycle events to stdout.
// Best-effort by contract: the engine logs and ignores any error from here.
type Console struct {
	out io.Writer
}

// NewConsole creates a notifier that writes to stdout.
func NewConsole() *Console {
	return &Console{out: os.Stdout}
}

// NewConsoleWriter creates a notifier for tests.
func NewConsoleWriter(w io.Writer) *Console {
	return &Console{out: w}
}

// TradeOpened prints an entry event.
func (c *Console) TradeOpened(_ context.Context, trade *domain.Trade) error {
	_, err := fmt.Fprintf(c.out, "[%s] OPEN  #%d %s %s %s @ %.3f\n",
		trade.EntryTime.Format(time.TimeOnly),
		trade.ID, trade.Asset, trade.SlotID, trade.Side, trade.EntryPrice)
	return err
}

// TradeClosed prints a close event.
func (c *Console) TradeClosed(_ context.Context, trade *domain.Trade) error {
	exitPrice := 0.0
	exitTime := time.Now()
	if trade.ExitPrice != nil {
		exitPrice = *trade.ExitPrice
	}
	if trade.ExitTime != nil {
		exitTime = *trade.ExitTime
	}
	_, err := fmt.Fprintf(c.out, "[%s] CLOSE #%d %s %s %s %.3f -> %.3f (%s)\n",
		exitTime.Format(time.TimeOnly),
		trade.ID, trade.Asset, trade.SlotID, trade.Side, trade.EntryPrice, exitPrice, trade.Outcome)
	return err
}
