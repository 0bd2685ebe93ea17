package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"

	"polyMonitorBot/config"
	"polyMonitorBot/internal/adapters/logger"
	"polyMonitorBot/internal/adapters/sqlite"
	"polyMonitorBot/internal/domain"
	"polyMonitorBot/internal/ports"
	"polyMonitorBot/internal/utils"
)

func main() {
	var (
		dbPath  = flag.String("db", "", "path to the trade database (default: DB_PATH from the environment)")
		status  = flag.String("status", "", "filter by status: open or closed")
		asset   = flag.String("asset", "", "filter by asset symbol")
		limit   = flag.Int("limit", 25, "maximum trades to show, 0 = all")
		watch   = flag.Duration("watch", 0, "refresh interval, e.g. 5s; 0 renders once and exits")
		csvPath = flag.String("csv", "", "export the selected trades to this CSV file and exit")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}
	if *dbPath == "" {
		*dbPath = cfg.DBPath
	}

	if _, err := os.Stat(*dbPath); os.IsNotExist(err) {
		fmt.Printf("No trade database at %s. Start the monitor first.\n", *dbPath)
		return
	}

	// Read-only: the dashboard shares the store with a running engine and
	// must never contend for the write lock.
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath:   *dbPath,
		Logger:   logger.NewStdLogger(logger.LevelWarn),
		ReadOnly: true,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to open trade database: %v", err)
	}
	defer repo.Close()

	filter := ports.TradeFilter{
		Status: domain.TradeStatus(*status),
		Asset:  *asset,
		Limit:  *limit,
	}

	if *csvPath != "" {
		trades, err := repo.List(context.Background(), filter)
		if err != nil {
			log.Fatalf("FATAL: Failed to list trades: %v", err)
		}
		if err := utils.WriteTradesToCSV(trades, *csvPath); err != nil {
			log.Fatalf("FATAL: Failed to write CSV: %v", err)
		}
		fmt.Printf("Wrote %d trades to %s\n", len(trades), *csvPath)
		return
	}

	for {
		if err := render(repo, filter); err != nil {
			log.Fatalf("FATAL: %v", err)
		}
		if *watch <= 0 {
			return
		}
		time.Sleep(*watch)
		fmt.Println()
	}
}

func render(repo *sqlite.Repository, filter ports.TradeFilter) error {
	ctx := context.Background()

	open, closed, err := repo.Counts(ctx)
	if err != nil {
		return fmt.Errorf("failed to count trades: %w", err)
	}
	trades, err := repo.List(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to list trades: %w", err)
	}

	wins, losses, voids := 0, 0, 0
	for _, t := range trades {
		switch t.Outcome {
		case domain.OutcomeWin:
			wins++
		case domain.OutcomeLoss:
			losses++
		case domain.OutcomeVoid:
			voids++
		}
	}

	fmt.Printf("%s  open: %d  closed: %d  (shown: %d, W/L/V %d/%d/%d)\n",
		time.Now().UTC().Format("2006-01-02 15:04:05"), open, closed, len(trades), wins, losses, voids)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Asset", "Slot", "Side", "Entry", "Entered", "Exit", "Outcome"})
	table.SetBorder(false)
	for _, t := range trades {
		exit := "-"
		if t.ExitPrice != nil {
			exit = fmt.Sprintf("%.3f", *t.ExitPrice)
		}
		outcome := string(t.Outcome)
		if outcome == "" {
			outcome = "open"
		}
		table.Append([]string{
			fmt.Sprintf("%d", t.ID),
			t.Asset,
			t.SlotID,
			string(t.Side),
			fmt.Sprintf("%.3f", t.EntryPrice),
			t.EntryTime.UTC().Format("15:04:05"),
			exit,
			outcome,
		})
	}
	table.Render()
	return nil
}
