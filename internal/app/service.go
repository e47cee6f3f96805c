package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradeEngine/internal/analytics"
	"tradeEngine/internal/domain"
	"tradeEngine/internal/lifecycle"
	"tradeEngine/internal/ports"
	"tradeEngine/internal/reconcile"
	"tradeEngine/internal/supervisor"
)

// Supervisor is the decision loop driven by the service.
type Supervisor interface {
	RunOnce(ctx context.Context) error
	Reload(ctx context.Context, settings supervisor.Settings) error
	StopEntries()
	ResumeEntries()
	EntriesStopped() bool
	ForceExitAll()
}

// Reconciler brings persisted trades in line with the exchange.
type Reconciler interface {
	Reconcile(ctx context.Context) (reconcile.Report, error)
}

// StoplossSetter receives the initial stop ratio after a reload.
type StoplossSetter interface {
	SetStoplossRatio(ratio float64)
}

// Venue is the part of the exchange checked at startup.
type Venue interface {
	SupportedOrderTypes() []domain.OrderType
	SetLeverage(ctx context.Context, pair string, leverage int) error
}

// History lists closed trades for the session performance summary.
type History interface {
	ListClosed(ctx context.Context, since time.Time) ([]*domain.Trade, error)
}

// Balances reads the wallet the session starts with.
type Balances interface {
	Fresh(ctx context.Context) (*domain.WalletSnapshot, error)
}

// Reloadable is what a reload produces from freshly read configuration.
type Reloadable struct {
	Settings      supervisor.Settings
	StoplossRatio float64
}

// Loader re-reads configuration and rebuilds the reloadable settings.
type Loader func(ctx context.Context) (Reloadable, error)

// Config holds the fixed service parameters.
type Config struct {
	Pairs             []string
	StakeCurrency     string
	OrderTypes        lifecycle.OrderTypes
	Futures           bool
	Leverage          int
	TickInterval      time.Duration
	ReconcileInterval time.Duration
}

// TradingService runs the engine: startup checks, reconciliation, the tick
// loop and operator signals.
type TradingService struct {
	cfg        Config
	logger     ports.Logger
	venue      Venue
	supervisor Supervisor
	reconciler Reconciler
	stoploss   StoplossSetter
	load       Loader
	history    History
	balances   Balances

	signals      chan os.Signal
	startedAt    time.Time
	startBalance float64
}

// NewTradingService creates a new application service instance.
func NewTradingService(
	cfg Config,
	logger ports.Logger,
	venue Venue,
	sup Supervisor,
	rec Reconciler,
	stoploss StoplossSetter,
	load Loader,
	history History,
	balances Balances,
) (*TradingService, error) {

	// Validate dependencies
	if logger == nil || venue == nil || sup == nil || rec == nil || stoploss == nil || load == nil || history == nil || balances == nil {
		return nil, fmt.Errorf("missing required dependencies for TradingService")
	}
	if cfg.TickInterval <= 0 || cfg.ReconcileInterval <= 0 {
		return nil, fmt.Errorf("%w: tick and reconcile intervals must be positive", ports.ErrConfigurationError)
	}

	return &TradingService{
		cfg:        cfg,
		logger:     logger,
		venue:      venue,
		supervisor: sup,
		reconciler: rec,
		stoploss:   stoploss,
		load:       load,
		history:    history,
		balances:   balances,
		signals:    make(chan os.Signal, 4),
	}, nil
}

// Start runs until ctx is canceled, a stop signal arrives, or persistence
// fails. Only the last case returns an error.
func (s *TradingService) Start(ctx context.Context) error {
	s.logger.Info(ctx, "Starting Trading Service...")

	// Create a context that can be canceled by signals
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	signal.Notify(s.signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(s.signals)

	if err := s.initialize(ctx); err != nil {
		return err
	}
	return s.loop(ctx, cancel)
}

// initialize performs the startup checks and the first reconciliation.
func (s *TradingService) initialize(ctx context.Context) error {
	// 1. Order types must be executable by the venue
	if err := s.cfg.OrderTypes.Validate(s.venue.SupportedOrderTypes()); err != nil {
		s.logger.Error(ctx, err, "Order type configuration rejected")
		return err
	}

	// 2. Leverage for margin venues
	if s.cfg.Futures {
		for _, pair := range s.cfg.Pairs {
			if err := s.venue.SetLeverage(ctx, pair, s.cfg.Leverage); err != nil {
				s.logger.Error(ctx, err, "Failed to set leverage", map[string]interface{}{
					"pair": pair, "leverage": s.cfg.Leverage,
				})
				return fmt.Errorf("failed to set leverage for %s: %w", pair, err)
			}
			s.logger.Info(ctx, "Leverage set", map[string]interface{}{"pair": pair, "leverage": s.cfg.Leverage})
		}
	}

	// 3. Session baseline for the performance summary
	s.startedAt = time.Now().UTC()
	if snap, err := s.balances.Fresh(ctx); err != nil {
		s.logger.Warn(ctx, "Could not read starting balance", map[string]interface{}{"error": err.Error()})
	} else {
		s.startBalance = snap.Total(s.cfg.StakeCurrency)
	}

	// 4. Sync persisted trades with the exchange before any decision
	s.logger.Info(ctx, "Synchronizing initial state...")
	if err := s.reconcile(ctx); err != nil {
		return fmt.Errorf("startup reconciliation failed: %w", err)
	}
	return nil
}

func (s *TradingService) loop(ctx context.Context, cancel context.CancelFunc) error {
	tick := time.NewTicker(s.cfg.TickInterval)
	defer tick.Stop()
	rec := time.NewTicker(s.cfg.ReconcileInterval)
	defer rec.Stop()

	s.logger.Info(ctx, "Trading loop started", map[string]interface{}{
		"tick": s.cfg.TickInterval.String(), "reconcile": s.cfg.ReconcileInterval.String(),
	})
	if err := s.tick(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			s.logPerformance(context.Background())
			s.logger.Info(context.Background(), "Trading Service stopped")
			return nil
		case sig := <-s.signals:
			if s.handleSignal(ctx, sig) {
				cancel()
			}
		case <-tick.C:
			if err := s.tick(ctx); err != nil {
				return err
			}
		case <-rec.C:
			if err := s.reconcile(ctx); err != nil {
				return err
			}
		}
	}
}

func (s *TradingService) tick(ctx context.Context) error {
	err := s.supervisor.RunOnce(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return nil
	case ports.IsPersistence(err):
		s.logger.Error(ctx, err, "Persistence failure, stopping")
		return err
	default:
		s.logger.Error(ctx, err, "Tick failed")
		return nil
	}
}

func (s *TradingService) reconcile(ctx context.Context) error {
	rep, err := s.reconciler.Reconcile(ctx)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		return nil
	case ports.IsPersistence(err):
		s.logger.Error(ctx, err, "Persistence failure during reconciliation, stopping")
		return err
	default:
		s.logger.Error(ctx, err, "Reconciliation failed")
		return nil
	}
	if rep.Unmanaged > 0 {
		s.logger.Warn(ctx, "Trades need manual handling", map[string]interface{}{"unmanaged": rep.Unmanaged})
	}
	return nil
}

// handleSignal applies an operator signal. It returns true when the service
// should stop.
func (s *TradingService) handleSignal(ctx context.Context, sig os.Signal) bool {
	s.logger.Info(ctx, "Received signal", map[string]interface{}{"signal": sig.String()})
	switch sig {
	case syscall.SIGHUP:
		if err := s.Reload(ctx); err != nil {
			s.logger.Error(ctx, err, "Reload failed, keeping current configuration")
		}
	case syscall.SIGUSR1:
		s.ToggleEntries(ctx)
	case syscall.SIGUSR2:
		s.supervisor.ForceExitAll()
	default:
		return true
	}
	return false
}

// Reload re-reads configuration and swaps it in after the tick in progress.
func (s *TradingService) Reload(ctx context.Context) error {
	r, err := s.load(ctx)
	if err != nil {
		return err
	}
	if err := s.supervisor.Reload(ctx, r.Settings); err != nil {
		return err
	}
	s.stoploss.SetStoplossRatio(r.StoplossRatio)
	return nil
}

// ToggleEntries flips the stop-entries flag.
func (s *TradingService) ToggleEntries(ctx context.Context) {
	if s.supervisor.EntriesStopped() {
		s.supervisor.ResumeEntries()
		s.logger.Info(ctx, "Entries resumed")
		return
	}
	s.supervisor.StopEntries()
	s.logger.Info(ctx, "Entries stopped")
}

// logPerformance summarizes trades closed during this session.
func (s *TradingService) logPerformance(ctx context.Context) {
	trades, err := s.history.ListClosed(ctx, s.startedAt)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to load closed trades for performance summary")
		return
	}
	m := analytics.AnalyzePerformance(trades, s.startBalance)
	s.logger.Info(ctx, "Session performance", m.Fields())
}
