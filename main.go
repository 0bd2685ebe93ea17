package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up

	"polyMonitorBot/config"
	"polyMonitorBot/internal/adapters/logger"
	"polyMonitorBot/internal/adapters/notify"
	"polyMonitorBot/internal/adapters/polymarket"
	"polyMonitorBot/internal/adapters/slotcache"
	"polyMonitorBot/internal/adapters/sqlite"
	"polyMonitorBot/internal/app"
	"polyMonitorBot/internal/strategy"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err) // Also log to stderr
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database repository")
		}
	}()
	appLogger.Info(context.Background(), "Database repository initialized")

	// 4. Initialize Slot Cache
	cache, err := slotcache.New(cfg.CachePath, appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize slot cache")
		log.Fatalf("FATAL: Failed to initialize slot cache: %v", err)
	}
	appLogger.Info(context.Background(), "Slot cache initialized", map[string]interface{}{"path": cfg.CachePath})

	// 5. Initialize Exchange Adapters (Gamma discovery + CLOB feed)
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
	feed, err := polymarket.NewFeed(polymarket.FeedConfig{
		URL:              cfg.FeedURL,
		Logger:           appLogger,
		HandshakeTimeout: cfg.HandshakeTimeout,
		BufferSize:       cfg.TickBuffer,
		BackoffMin:       cfg.BackoffMin,
		BackoffMax:       cfg.BackoffMax,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize market data feed")
		log.Fatalf("FATAL: Failed to initialize market data feed: %v", err)
	}
	appLogger.Info(context.Background(), "Exchange adapters initialized")

	// 6. Initialize Decision Policy
	policy, err := strategy.New(strategy.Config{
		EntryThreshold: cfg.EntryThreshold,
		TakeProfit:     cfg.TakeProfit,
		StopLoss:       cfg.StopLoss,
		ExitBuffer:     cfg.ExitBuffer,
	}, appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize decision policy")
		log.Fatalf("FATAL: Failed to initialize decision policy: %v", err)
	}
	appLogger.Info(context.Background(), "Decision policy initialized")

	// 7. Initialize Application Service
	monitorService, err := app.NewMonitorService(
		cfg,
		appLogger,
		feed,     // Pass the concrete implementation, service expects the interface
		provider, // Pass the concrete implementation, service expects the interface
		cache,
		repo,
		policy,
		notify.NewConsole(),
	)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize monitor service")
		log.Fatalf("FATAL: Failed to initialize monitor service: %v", err)
	}
	appLogger.Info(context.Background(), "Monitor service initialized")

	// 8. Start the Service
	// Use context.Background() as the base context for the application run
	if err := monitorService.Start(context.Background()); err != nil {
		appLogger.Error(context.Background(), err, "Monitor service exited with error")
		log.Fatalf("FATAL: Monitor service exited with error: %v", err)
	}

	appLogger.Info(context.Background(), "Application finished gracefully.")
}
