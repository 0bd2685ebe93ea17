package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"

	"polyMonitorBot/config"
	"polyMonitorBot/internal/adapters/logger"
	"polyMonitorBot/internal/adapters/polymarket"
)

// slots queries the exchange once and prints the upcoming watchable windows.
// Useful for checking connectivity and indexing before starting the monitor.
func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.NewStdLogger(cfg.LogLevel)

	// 3. Initialize Exchange Adapter (Gamma discovery)
	gammaClient, err := polymarket.NewClient(cfg.GammaBaseURL, appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Gamma client")
		log.Fatalf("FATAL: Failed to initialize Gamma client: %v", err)
	}
	provider, err := polymarket.NewProvider(polymarket.ProviderConfig{
		Client:       gammaClient,
		Logger:       appLogger,
		Assets:       cfg.Assets,
		SlotInterval: cfg.SlotInterval,
		SlotCount:    cfg.SlotCount,
		MinIndexed:   cfg.MinIndexed,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize slot discovery provider")
		log.Fatalf("FATAL: Failed to initialize slot discovery provider: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Printf("Discovering the next %d windows for %v...\n", cfg.SlotCount, cfg.Assets)
	slots, err := provider.FetchUpcomingSlots(ctx)
	if err != nil {
		appLogger.Error(ctx, err, "Slot discovery failed")
		log.Fatalf("FATAL: Slot discovery failed: %v", err)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Slot", "Asset", "Window Start", "Window End"})
	table.SetBorder(false)
	for _, slot := range slots {
		table.Append([]string{
			slot.SlotID,
			slot.Asset,
			slot.WindowStart.UTC().Format(time.RFC3339),
			slot.WindowEnd.UTC().Format(time.RFC3339),
		})
	}
	table.Render()
	fmt.Printf("%d watchable slots indexed.\n", len(slots))
}
