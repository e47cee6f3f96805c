package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"tradeEngine/config"
	"tradeEngine/internal/adapters/logger"
	"tradeEngine/internal/adapters/sqlite"
	"tradeEngine/internal/analytics"
	"tradeEngine/internal/utils"
)

var (
	out     = flag.String("out", "data/trades.csv", "CSV file to write")
	since   = flag.Duration("since", 30*24*time.Hour, "export trades closed within this window")
	balance = flag.Float64("balance", 0, "starting balance used for drawdown and return figures")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		log.Fatalf("FATAL: %v", err)
	}
}

func run() error {
	ctx := context.Background()

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// 2. Initialize Logger
	appLogger, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Sync()

	// 3. Open the trade store
	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: appLogger})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer repo.Close()

	// 4. Export and summarize
	trades, err := repo.ListClosed(ctx, time.Now().Add(-*since))
	if err != nil {
		return fmt.Errorf("error loading trades: %w", err)
	}
	if err := utils.WriteTradesToCSV(trades, *out); err != nil {
		return fmt.Errorf("error writing CSV: %w", err)
	}
	appLogger.Info(ctx, "Saved to", map[string]interface{}{"filename": *out, "trades": len(trades)})

	m := analytics.AnalyzePerformance(trades, *balance)
	appLogger.Info(ctx, "Performance", m.Fields())
	for _, r := range m.MonthlyReturns() {
		appLogger.Info(ctx, "Monthly return", map[string]interface{}{"month": r.Month.Format("2006-01"), "profit": r.Return})
	}
	return nil
}
