package main

import (
	"context"
	"fmt"
	"log" // Use standard log only for the final fatal error

	"tradeEngine/config"
	"tradeEngine/internal/adapters/binanceclient"
	"tradeEngine/internal/adapters/kafkanotify"
	"tradeEngine/internal/adapters/logger"
	"tradeEngine/internal/adapters/paper"
	"tradeEngine/internal/adapters/sqlite"
	"tradeEngine/internal/app"
	"tradeEngine/internal/lifecycle"
	"tradeEngine/internal/pairlock"
	"tradeEngine/internal/ports"
	"tradeEngine/internal/pricing"
	"tradeEngine/internal/reconcile"
	"tradeEngine/internal/risk"
	"tradeEngine/internal/strategy"
	"tradeEngine/internal/supervisor"
	"tradeEngine/internal/wallet"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("FATAL: %v", err)
	}
}

// run wires the engine and blocks until it stops.
func run() error {
	ctx := context.Background()

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	eng, err := config.LoadEngine(cfg.EnginePath)
	if err != nil {
		return fmt.Errorf("failed to load engine configuration: %w", err)
	}

	// 2. Initialize Logger
	appLogger, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Sync()
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger.Named("store"),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database repository: %w", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(ctx, err, "Error closing database repository")
		}
	}()

	// 4. Initialize Exchange Client. Dry run trades on the paper exchange fed
	// by live public market data.
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:            cfg.APIKey,
		SecretKey:         cfg.SecretKey,
		UseTestnet:        cfg.IsTestnet,
		Logger:            appLogger.Named("binance"),
		RequestsPerSecond: cfg.RequestsPerSecond,
		FeeRate:           cfg.FeeRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize Binance client: %w", err)
	}
	var exchange ports.ExchangeClient = binanceClient
	if cfg.DryRun {
		exchange, err = paper.New(paper.Config{
			Logger:          appLogger.Named("paper"),
			FeeRate:         cfg.DryRunFeeRate,
			StartingBalance: map[string]float64{eng.Risk.StakeCurrency: cfg.DryRunWallet},
			Feed:            binanceClient,
			Margin:          eng.Futures(),
		})
		if err != nil {
			return fmt.Errorf("failed to initialize paper exchange: %w", err)
		}
		appLogger.Warn(ctx, "Dry run: orders go to the paper exchange", map[string]interface{}{"wallet": cfg.DryRunWallet})
	}

	// 5. Initialize Notifier
	var notifier ports.Notifier = kafkanotify.LogNotifier{Logger: appLogger.Named("alerts")}
	if len(cfg.KafkaBrokers) > 0 {
		kn, err := kafkanotify.New(kafkanotify.Config{
			Brokers:      cfg.KafkaBrokers,
			Topic:        cfg.KafkaTopic,
			WriteTimeout: cfg.KafkaWriteTimeout,
			Logger:       appLogger.Named("alerts"),
		})
		if err != nil {
			return fmt.Errorf("failed to initialize Kafka notifier: %w", err)
		}
		defer kn.Close()
		notifier = kn
	}

	// 6. Initialize Price Oracle and Wallet
	oracle, err := pricing.NewOracle(exchange, eng.EntryPricing, eng.ExitPricing, eng.Intervals.RateCache, appLogger.Named("pricing"))
	if err != nil {
		return fmt.Errorf("failed to initialize price oracle: %w", err)
	}
	defer oracle.Close()
	funds := wallet.New(exchange, eng.Intervals.Wallet, appLogger.Named("wallet"), nil)

	// 7. Initialize Strategy and risk settings
	settings, err := buildSettings(eng, appLogger)
	if err != nil {
		return fmt.Errorf("failed to initialize trading strategy: %w", err)
	}

	// 8. Initialize Order Lifecycle
	lc, err := lifecycle.NewManager(eng.LifecycleConfig(), repo, exchange, oracle, funds, notifier, appLogger.Named("lifecycle"))
	if err != nil {
		return fmt.Errorf("failed to initialize order lifecycle: %w", err)
	}

	// 9. Initialize Reconciliation
	locks := pairlock.New()
	reconciler, err := reconcile.NewService(reconcile.Config{
		Policy:           eng.ReconcilePolicy(),
		AuditBalances:    !eng.Futures(),
		BalanceTolerance: eng.Reconcile.BalanceTolerance,
	}, repo, lc, exchange, funds, locks, notifier, appLogger.Named("reconcile"))
	if err != nil {
		return fmt.Errorf("failed to initialize reconciliation: %w", err)
	}

	// 10. Initialize Supervisor
	sup, err := supervisor.New(supervisor.Config{
		Workers:       eng.Workers,
		StakeCurrency: eng.Risk.StakeCurrency,
	}, settings, lc, repo, exchange, oracle, funds, locks, reconciler, notifier, appLogger.Named("supervisor"))
	if err != nil {
		return fmt.Errorf("failed to initialize supervisor: %w", err)
	}

	// 11. Initialize Application Service
	reload := func(ctx context.Context) (app.Reloadable, error) {
		next, err := config.LoadEngine(cfg.EnginePath)
		if err != nil {
			return app.Reloadable{}, err
		}
		s, err := buildSettings(next, appLogger)
		if err != nil {
			return app.Reloadable{}, err
		}
		return app.Reloadable{Settings: s, StoplossRatio: next.Risk.StopLoss}, nil
	}
	tradingService, err := app.NewTradingService(app.Config{
		Pairs:             eng.Pairs,
		StakeCurrency:     eng.Risk.StakeCurrency,
		OrderTypes:        eng.OrderTypes,
		Futures:           eng.Futures(),
		Leverage:          eng.Leverage,
		TickInterval:      eng.Intervals.Tick,
		ReconcileInterval: eng.Intervals.Reconcile,
	}, appLogger.Named("engine"), exchange, sup, reconciler, lc, reload, repo, funds)
	if err != nil {
		return fmt.Errorf("failed to initialize trading service: %w", err)
	}

	// 12. Start the Service
	if err := tradingService.Start(ctx); err != nil {
		appLogger.Error(ctx, err, "Trading service exited with error")
		return fmt.Errorf("trading service exited with error: %w", err)
	}

	appLogger.Info(ctx, "Application finished gracefully.")
	return nil
}

// buildSettings loads the strategy and risk rules named by eng.
func buildSettings(eng *config.Engine, appLogger *logger.ZapLogger) (supervisor.Settings, error) {
	rm, err := risk.NewRiskManager(eng.Risk)
	if err != nil {
		return supervisor.Settings{}, err
	}
	stratLogger := appLogger.Named("strategy")
	strat, err := strategy.Load(eng.Strategy.Name, &eng.Strategy.Params, eng.Requirements(), stratLogger)
	if err != nil {
		return supervisor.Settings{}, fmt.Errorf("strategy %s: %w", eng.Strategy.Name, err)
	}
	return supervisor.Settings{
		Pairs:    eng.Pairs,
		Risk:     rm,
		Strategy: strategy.NewGuard(strat, eng.Strategy.CallbackTimeout, stratLogger),
		CanShort: eng.CanShort,
	}, nil
}
