package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"polyMonitorBot/config"
	"polyMonitorBot/internal/domain"
	"polyMonitorBot/internal/ports"
	"polyMonitorBot/internal/risk"
)

// slotTracker is the in-memory view of one watched slot: the slot definition,
// the last two observed prices, and the open trade if any. Trackers live from
// the refresh that discovers the slot until the sweep that retires it.
type slotTracker struct {
	slot      domain.MarketSlot
	lastPrice float64
	prevPrice float64
	hasPrev   bool
	open      *domain.Trade
}

// MonitorService orchestrates the monitoring engine: it owns the slot
// trackers, consumes the tick stream, runs the decision policy, and is the
// single writer to the trade store.
type MonitorService struct {
	cfg      *config.Config
	logger   ports.Logger
	feed     ports.FeedClient
	provider ports.MarketProvider
	cache    ports.SlotCache
	repo     ports.TradeRepository
	policy   ports.DecisionPolicy
	notifier ports.Notifier

	now   func() time.Time // Injectable clock for tests
	guard *risk.Guard      // Trade limits, owns the open trade count

	// State fields
	mu       sync.Mutex // Protects access to state fields below
	trackers map[string]*slotTracker
}

// NewMonitorService creates a new application service instance.
func NewMonitorService(
	cfg *config.Config,
	logger ports.Logger,
	feed ports.FeedClient,
	provider ports.MarketProvider,
	cache ports.SlotCache,
	repo ports.TradeRepository,
	policy ports.DecisionPolicy,
	notifier ports.Notifier,
) (*MonitorService, error) {

	// Validate dependencies
	if cfg == nil || logger == nil || feed == nil || provider == nil || cache == nil || repo == nil || policy == nil || notifier == nil {
		return nil, fmt.Errorf("missing required dependencies for MonitorService")
	}

	// Validate config values needed by the service
	if cfg.SweepInterval <= 0 {
		return nil, fmt.Errorf("configuration SweepInterval must be positive")
	}
	if cfg.RefreshInterval <= 0 {
		return nil, fmt.Errorf("configuration RefreshInterval must be positive")
	}
	if cfg.SlotInterval <= 0 {
		return nil, fmt.Errorf("configuration SlotInterval must be positive")
	}

	guard, err := risk.NewGuard(risk.Config{
		MaxOpenTrades:        cfg.MaxOpenTrades,
		MaxDailyTrades:       cfg.MaxDailyTrades,
		MaxConsecutiveLosses: cfg.MaxConsecutiveLosses,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid trade limits: %w", err)
	}

	return &MonitorService{
		cfg:      cfg,
		logger:   logger,
		feed:     feed,
		provider: provider,
		cache:    cache,
		repo:     repo,
		policy:   policy,
		notifier: notifier,
		now:      time.Now,
		guard:    guard,
		trackers: make(map[string]*slotTracker),
	}, nil
}

// Start begins the monitoring engine's main loop. It blocks until the context
// is cancelled, a shutdown signal arrives, or the feed fails fatally.
func (s *MonitorService) Start(ctx context.Context) error {
	s.logger.Info(ctx, "Starting Monitor Service...")

	// Create a context that can be canceled by signals
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
			cancel() // Cancel the main context
		case <-ctx.Done():
		}
	}()

	// --- Initialization Steps ---
	// 1. Discard any slot cache left by a previous run. Cached slots may have
	//    expired while the process was down, so the first refresh always hits
	//    the exchange.
	if err := s.cache.Clear(); err != nil {
		s.logger.Error(ctx, err, "Failed to clear slot cache")
		return fmt.Errorf("failed to clear slot cache: %w", err)
	}
	s.logger.Info(ctx, "Slot cache cleared")

	// 2. Re-attach to trades left open by a previous run so the sweep can
	//    resolve the ones whose windows elapsed while we were down.
	if err := s.recoverOpenTrades(ctx); err != nil {
		s.logger.Error(ctx, err, "Failed to recover open trades")
		return fmt.Errorf("failed to recover open trades: %w", err)
	}

	// 3. First slot refresh. The engine cannot watch anything before this
	//    completes, so a persistent failure here is fatal.
	if err := s.refreshWithRetry(ctx); err != nil {
		s.logger.Error(ctx, err, "Initial slot refresh failed")
		return fmt.Errorf("initial slot refresh failed: %w", err)
	}

	// 4. Connect the feed and subscribe to the discovered slots.
	if err := s.feed.Connect(ctx); err != nil {
		s.logger.Error(ctx, err, "Failed to connect market data feed")
		return fmt.Errorf("failed to connect feed: %w", err)
	}
	if err := s.subscribeTracked(ctx); err != nil {
		s.logger.Error(ctx, err, "Failed to subscribe to slot markets")
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	s.logger.Info(ctx, "Feed connected and subscribed", map[string]interface{}{"slots": s.trackedCount()})

	// --- Background refresher ---
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.refreshLoop(ctx)
	}()

	// --- Main Loop ---
	sweepTicker := time.NewTicker(s.cfg.SweepInterval)
	defer sweepTicker.Stop()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "Main context cancelled, initiating shutdown...")
			break loop

		case tick, ok := <-s.feed.Ticks():
			if !ok {
				// The tick channel only closes on shutdown or a fatal feed
				// error. Transient failures are recovered inside the client.
				if err := s.feed.Err(); err != nil {
					s.logger.Error(ctx, err, "Feed terminated with fatal error")
					runErr = fmt.Errorf("feed terminated: %w", err)
				} else {
					s.logger.Info(ctx, "Feed tick channel closed")
				}
				break loop
			}
			s.handleTick(ctx, tick)

		case <-sweepTicker.C:
			s.sweepExpired(ctx)
		}
	}

	// --- Shutdown ---
	cancel()
	if err := s.feed.Close(); err != nil {
		s.logger.Warn(ctx, "Error closing feed", map[string]interface{}{"error": err.Error()})
	}
	wg.Wait()

	// A final sweep resolves any window that elapsed during shutdown. Open
	// trades inside live windows stay open; recovery picks them up next run.
	s.sweepExpired(context.Background())

	s.logger.Info(ctx, "Monitor Service stopped.")
	return runErr
}

// recoverOpenTrades reloads open trades from the store and rebuilds trackers
// for them. The slot window is reconstructed from the slug's unix-timestamp
// suffix; token IDs are filled in when the slot reappears in a refresh.
func (s *MonitorService) recoverOpenTrades(ctx context.Context) error {
	open, err := s.repo.List(ctx, ports.TradeFilter{Status: domain.StatusOpen})
	if err != nil {
		return fmt.Errorf("failed to list open trades: %w", err)
	}
	if len(open) == 0 {
		s.logger.Info(ctx, "No open trades to recover")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range open {
		slot, err := s.slotFromSlug(t.Asset, t.SlotID)
		if err != nil {
			// The record is still swept on its own terms: an unparseable slug
			// gets a window that is already expired, so the next sweep voids it.
			s.logger.Warn(ctx, "Recovered trade has unparseable slot ID, will be resolved as expired", map[string]interface{}{
				"tradeID": t.ID,
				"slotID":  t.SlotID,
				"error":   err.Error(),
			})
			slot = domain.MarketSlot{Asset: t.Asset, SlotID: t.SlotID}
		}
		s.trackers[t.SlotID] = &slotTracker{slot: slot, open: t}
		s.guard.RecordOpen(s.now().UTC())
		s.logger.Info(ctx, "Recovered open trade", map[string]interface{}{
			"tradeID": t.ID,
			"slotID":  t.SlotID,
			"side":    string(t.Side),
		})
	}
	return nil
}

// slotFromSlug rebuilds a slot's window from its slug, e.g.
// "btc-updown-15m-1735689600". Only the window boundaries can be recovered;
// token IDs come from the next refresh.
func (s *MonitorService) slotFromSlug(asset, slug string) (domain.MarketSlot, error) {
	idx := strings.LastIndex(slug, "-")
	if idx < 0 || idx == len(slug)-1 {
		return domain.MarketSlot{}, fmt.Errorf("slug %q has no timestamp suffix", slug)
	}
	ts, err := strconv.ParseInt(slug[idx+1:], 10, 64)
	if err != nil {
		return domain.MarketSlot{}, fmt.Errorf("slug %q has non-numeric timestamp suffix: %w", slug, err)
	}
	start := time.Unix(ts, 0).UTC()
	return domain.MarketSlot{
		Asset:       asset,
		SlotID:      slug,
		WindowStart: start,
		WindowEnd:   start.Add(s.cfg.SlotInterval),
	}, nil
}

// trackedCount returns the number of tracked slots.
func (s *MonitorService) trackedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.trackers)
}
