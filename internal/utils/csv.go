package utils

import (
	"encoding/csv"
	"os"
	"strconv"
	"time"

	"polyMonitorBot/internal/domain"
)

// WriteTradesToCSV exports trade records for offline analysis. Open trades
// have empty exit columns.
func WriteTradesToCSV(trades []*domain.Trade, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	writer.Write([]string{"id", "asset", "slot_id", "side", "entry_price", "entry_time", "exit_price", "exit_time", "outcome"})

	for _, t := range trades {
		exitPrice, exitTime := "", ""
		if t.ExitPrice != nil {
			exitPrice = strconv.FormatFloat(*t.ExitPrice, 'f', -1, 64)
		}
		if t.ExitTime != nil {
			exitTime = t.ExitTime.Format(time.RFC3339)
		}
		writer.Write([]string{
			strconv.FormatInt(t.ID, 10),
			t.Asset,
			t.SlotID,
			string(t.Side),
			strconv.FormatFloat(t.EntryPrice, 'f', -1, 64),
			t.EntryTime.Format(time.RFC3339),
			exitPrice,
			exitTime,
			string(t.Outcome),
		})
	}
	return writer.Error()
}
