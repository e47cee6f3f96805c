// Package supervisor runs the per-pair decision tick: entries for idle pairs,
// exits, stop updates and adjustments for open trades.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"tradeEngine/internal/domain"
	"tradeEngine/internal/lifecycle"
	"tradeEngine/internal/pairlock"
	"tradeEngine/internal/ports"
	"tradeEngine/internal/risk"
	"tradeEngine/internal/strategy"

	"golang.org/x/sync/errgroup"
)

// Lifecycle is the order-management surface the supervisor drives.
type Lifecycle interface {
	OpenTrade(ctx context.Context, in lifecycle.EntryIntent) (*domain.Trade, error)
	SubmitExit(ctx context.Context, tradeID int64, reason domain.ExitReason, otype domain.OrderType) (*domain.Trade, error)
	SubmitAdjustment(ctx context.Context, tradeID int64, stakeDelta float64) (*domain.Trade, error)
	SyncStoploss(ctx context.Context, tradeID int64) (*domain.Trade, error)
	Poll(ctx context.Context, tradeID int64) (*domain.Trade, bool, error)
	ResolveUnmanaged(ctx context.Context, tradeID int64, res lifecycle.Resolution, price float64) (*domain.Trade, error)
}

// DesyncResolver handles trades whose orders no longer match the exchange.
// The caller holds the pair lock.
type DesyncResolver interface {
	ResolveDesync(ctx context.Context, t *domain.Trade, derr *ports.DesyncError) error
}

// MarketData feeds strategy snapshots.
type MarketData interface {
	FetchTicker(ctx context.Context, pair string) (*domain.Ticker, error)
	GetKlines(ctx context.Context, pair, interval string, limit int) ([]*domain.Kline, error)
}

// Rates prices the current tick.
type Rates interface {
	EntryRate(ctx context.Context, pair string, dir domain.Direction, refresh bool) (float64, error)
	ExitRate(ctx context.Context, pair string, dir domain.Direction, refresh bool) (float64, error)
}

// Funds is the cached wallet view used for stake sizing.
type Funds interface {
	Available(ctx context.Context, currency string) (float64, error)
}

// Settings are the reloadable parts of the supervisor.
type Settings struct {
	Pairs    []string
	Risk     *risk.RiskManager
	Strategy *strategy.Guard
	CanShort bool
}

// Config holds the fixed supervisor parameters.
type Config struct {
	Workers       int
	StakeCurrency string
	Clock         func() time.Time
}

// Supervisor evaluates every pair once per tick.
type Supervisor struct {
	cfg      Config
	lc       Lifecycle
	repo     ports.TradeRepository
	md       MarketData
	rates    Rates
	funds    Funds
	locks    *pairlock.Locks
	desync   DesyncResolver
	notifier ports.Notifier
	logger   ports.Logger
	clock    func() time.Time

	// held for reading by a tick, for writing by Reload
	mu       sync.RWMutex
	settings Settings

	stopEntries atomic.Bool
	forceAll    atomic.Bool

	slotsMu  sync.Mutex
	inflight int // entries admitted but not yet persisted
}

// New creates a Supervisor. desync may be nil, in which case desynced trades
// are marked unmanaged directly.
func New(
	cfg Config,
	settings Settings,
	lc Lifecycle,
	repo ports.TradeRepository,
	md MarketData,
	rates Rates,
	funds Funds,
	locks *pairlock.Locks,
	desync DesyncResolver,
	notifier ports.Notifier,
	logger ports.Logger,
) (*Supervisor, error) {
	if lc == nil || repo == nil || md == nil || rates == nil || funds == nil || locks == nil || notifier == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for supervisor")
	}
	if err := settings.validate(); err != nil {
		return nil, err
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Supervisor{
		cfg: cfg, lc: lc, repo: repo, md: md, rates: rates, funds: funds, locks: locks,
		desync: desync, notifier: notifier, logger: logger, clock: clock,
		settings: settings,
	}, nil
}

func (s Settings) validate() error {
	if s.Risk == nil || s.Strategy == nil {
		return fmt.Errorf("%w: risk manager and strategy are required", ports.ErrConfigurationError)
	}
	if len(s.Pairs) == 0 {
		return fmt.Errorf("%w: no pairs configured", ports.ErrConfigurationError)
	}
	return nil
}

// RunOnce runs one tick over all configured pairs and all pairs holding an
// open trade. Only persistence failures are returned; per-pair errors are logged.
func (s *Supervisor) RunOnce(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.settings
	now := s.clock()
	forceAll := s.forceAll.Swap(false)

	open, err := s.repo.ListOpen(ctx)
	if err != nil {
		return err
	}
	pairs := pairUnion(set.Pairs, open)
	if forceAll {
		s.logger.Warn(ctx, "Force-exiting all open trades", map[string]interface{}{"count": len(open)})
		for _, t := range open {
			if err := s.requestExit(ctx, t.ID); err != nil && ports.IsPersistence(err) {
				return err
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, pair := range pairs {
		pair := pair
		g.Go(func() error {
			err := s.tickPair(gctx, set, pair, now)
			switch {
			case err == nil:
				return nil
			case ports.IsPersistence(err):
				return err
			case errors.Is(err, context.Canceled):
				return nil
			default:
				s.logger.Error(gctx, err, "Pair tick failed", map[string]interface{}{"pair": pair})
				return nil
			}
		})
	}
	return g.Wait()
}

func pairUnion(configured []string, open []*domain.Trade) []string {
	seen := make(map[string]bool, len(configured)+len(open))
	var out []string
	for _, p := range configured {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, t := range open {
		if !seen[t.Pair] {
			seen[t.Pair] = true
			out = append(out, t.Pair)
		}
	}
	sort.Strings(out)
	return out
}

// tickPair takes exactly one decision for pair under its lock.
func (s *Supervisor) tickPair(ctx context.Context, set Settings, pair string, now time.Time) error {
	unlock, err := s.locks.Lock(ctx, pair)
	if err != nil {
		return err
	}
	defer unlock()

	t, err := s.repo.GetActiveByPair(ctx, pair)
	if err != nil {
		return err
	}
	if t == nil {
		return s.tryEnter(ctx, set, pair, now)
	}
	if !t.IsOpen() {
		s.logger.Debug(ctx, "Skipping unmanaged trade", map[string]interface{}{"tradeID": t.ID, "pair": pair})
		return nil
	}

	refreshed, canceled, err := s.lc.Poll(ctx, t.ID)
	if err != nil {
		return s.handleRefreshError(ctx, t, err)
	}
	t = refreshed
	if !t.IsOpen() {
		return nil
	}
	if canceled {
		s.logger.Info(ctx, "Order canceled on timeout; re-evaluating next tick", map[string]interface{}{"tradeID": t.ID, "pair": pair})
		return nil
	}
	forced := t.ForceExitPending
	if t.HasOrderInFlight() && !forced {
		return s.protect(ctx, set, t, now)
	}
	return s.manage(ctx, set, t, now, forced)
}

// protect runs the stop and emergency checks for a trade whose order is still
// in flight. A breach cancels that order and exits.
func (s *Supervisor) protect(ctx context.Context, set Settings, t *domain.Trade, now time.Time) error {
	rate, err := s.rates.ExitRate(ctx, t.Pair, t.Direction, false)
	if err != nil {
		return err
	}
	d := set.Risk.Protect(risk.Input{Trade: t, Rate: rate, Now: now, Emergency: emergency(set, t)})
	if d.Action != risk.Exit || protecting(t) {
		s.logger.Debug(ctx, "Order in flight; waiting", map[string]interface{}{"tradeID": t.ID, "pair": t.Pair})
		return nil
	}
	s.logger.Warn(ctx, "Stop breached while an order is in flight; exiting", map[string]interface{}{
		"tradeID": t.ID, "pair": t.Pair, "reason": d.Reason, "rate": rate, "stop": t.StopLoss,
	})
	_, err = s.lc.SubmitExit(ctx, t.ID, d.Reason, "")
	return err
}

// protecting reports an in-flight exit already placed by a stop or emergency.
func protecting(t *domain.Trade) bool {
	for _, o := range t.InFlight() {
		if o.Side != domain.SideExit {
			continue
		}
		switch domain.ExitReason(o.Tag) {
		case domain.ExitReasonStoploss, domain.ExitReasonTrailingStop, domain.ExitReasonEmergency:
			return true
		}
	}
	return false
}

func emergency(set Settings, t *domain.Trade) bool {
	return set.Risk.Config().EmergencyExitOnTimeout && t.ExitTimeoutCount > 0
}

func (s *Supervisor) handleRefreshError(ctx context.Context, t *domain.Trade, err error) error {
	var derr *ports.DesyncError
	switch {
	case errors.As(err, &derr):
		s.logger.Warn(ctx, "Trade out of sync with exchange; reconciling", map[string]interface{}{
			"tradeID": t.ID, "pair": t.Pair, "reason": derr.Reason,
		})
		if s.desync != nil {
			return s.desync.ResolveDesync(ctx, t, derr)
		}
		_, uerr := s.repo.Update(ctx, t.ID, func(tr *domain.Trade) error {
			tr.MarkUnmanaged(derr.Reason)
			return nil
		})
		s.alert(ctx, ports.AlertUnmanaged, t, derr.Reason)
		return uerr
	case errors.Is(err, ports.ErrRetryBudgetExhausted):
		// already alerted by the lifecycle manager
		return nil
	default:
		return err
	}
}

// manage applies the exit precedence to an open trade.
func (s *Supervisor) manage(ctx context.Context, set Settings, t *domain.Trade, now time.Time, forced bool) error {
	rate, err := s.rates.ExitRate(ctx, t.Pair, t.Direction, false)
	if err != nil {
		if !forced {
			return err
		}
		rate = 0
	}
	snap, serr := s.snapshot(ctx, set, t.Pair, now, rate)
	if serr != nil {
		s.logger.Warn(ctx, "Market snapshot incomplete", map[string]interface{}{"pair": t.Pair, "error": serr.Error()})
	}

	g := set.Strategy
	view := t.Clone()
	in := risk.Input{
		Trade:     view,
		Rate:      rate,
		Now:       now,
		ForceExit: forced,
		Emergency: emergency(set, t),
	}
	if g.HasCustomStoploss() {
		in.CustomStoploss = func() (float64, bool, error) { return g.CustomStoploss(ctx, view, snap) }
	}
	if g.HasExitSignal() {
		in.ExitSignal = func() (bool, string, error) { return g.ShouldExit(ctx, view, snap) }
	}
	if g.HasAdjustment() {
		in.Adjust = func() (float64, error) { return g.AdjustPosition(ctx, view, snap) }
	}
	d := set.Risk.Evaluate(in)
	for _, e := range d.Errors {
		s.logger.Warn(ctx, "Strategy callback skipped", map[string]interface{}{"tradeID": t.ID, "error": e.Error()})
	}

	if d.StopLoss > 0 || movesExtremes(t, rate) {
		t, err = s.repo.Update(ctx, t.ID, func(tr *domain.Trade) error {
			tr.UpdateExtremes(rate)
			if d.StopLoss > 0 && tr.RatchetStoploss(d.StopLoss, d.StopLossRatio) {
				s.logger.Info(ctx, "Stoploss tightened", map[string]interface{}{
					"tradeID": tr.ID, "pair": tr.Pair, "stop": d.StopLoss, "ratio": d.StopLossRatio,
				})
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	switch d.Action {
	case risk.Exit:
		s.logger.Info(ctx, "Exit decided", map[string]interface{}{
			"tradeID": t.ID, "pair": t.Pair, "reason": d.Reason, "tag": d.Tag, "rate": rate,
			"profitRatio": t.ProfitRatio(rate),
		})
		_, err = s.lc.SubmitExit(ctx, t.ID, d.Reason, "")
		if forced && (err == nil || errors.Is(err, ports.ErrTradeNotManaged)) {
			if cerr := s.clearExitRequest(ctx, t.ID); cerr != nil {
				return cerr
			}
		}
		return err
	case risk.Adjust:
		s.logger.Info(ctx, "Position adjustment decided", map[string]interface{}{
			"tradeID": t.ID, "pair": t.Pair, "stakeDelta": d.StakeDelta,
		})
		_, err = s.lc.SubmitAdjustment(ctx, t.ID, d.StakeDelta)
		return err
	}
	_, err = s.lc.SyncStoploss(ctx, t.ID)
	return err
}

func movesExtremes(t *domain.Trade, rate float64) bool {
	return rate > 0 && (rate > t.MaxRate || t.MinRate == 0 || rate < t.MinRate)
}

// tryEnter consults the strategy for an idle pair and opens a sized trade.
func (s *Supervisor) tryEnter(ctx context.Context, set Settings, pair string, now time.Time) error {
	if !contains(set.Pairs, pair) {
		return nil
	}
	last, err := s.repo.LastClosedByPair(ctx, pair)
	if err != nil {
		return err
	}
	release, openTrades, err := s.claimSlot(ctx, set, pair, last, now)
	if err != nil {
		if errors.Is(err, ports.ErrAdmissionRejected) {
			s.logger.Debug(ctx, "Entry not admitted", map[string]interface{}{"pair": pair, "reason": err.Error()})
			return nil
		}
		return err
	}
	defer release()

	rate, err := s.rates.EntryRate(ctx, pair, domain.Long, false)
	if err != nil {
		return err
	}
	snap, err := s.snapshot(ctx, set, pair, now, rate)
	if err != nil {
		return err
	}
	sig, err := set.Strategy.ShouldEnter(ctx, snap)
	if err != nil {
		s.logger.Warn(ctx, "Entry signal unavailable", map[string]interface{}{"pair": pair, "error": err.Error()})
		return nil
	}
	if sig == nil {
		return nil
	}
	if sig.Direction == domain.Short && !set.CanShort {
		s.logger.Warn(ctx, "Ignoring short signal in spot mode", map[string]interface{}{"pair": pair, "tag": sig.Tag})
		return nil
	}

	avail, err := s.available(ctx)
	if err != nil {
		return err
	}
	stake, err := set.Risk.StakeAmount(avail, openTrades)
	if err != nil {
		s.logger.Info(ctx, "Entry skipped", map[string]interface{}{"pair": pair, "reason": err.Error()})
		return nil
	}

	s.logger.Info(ctx, "Entry signal", map[string]interface{}{
		"pair": pair, "direction": sig.Direction, "tag": sig.Tag, "stake": stake, "rate": rate,
	})
	_, err = s.lc.OpenTrade(ctx, lifecycle.EntryIntent{Pair: pair, Direction: sig.Direction, Stake: stake, Tag: sig.Tag})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ports.ErrConflict):
		s.logger.Warn(ctx, "Entry lost to a concurrent trade on pair", map[string]interface{}{"pair": pair})
		return nil
	case ports.IsValidation(err):
		// surfaced by the lifecycle manager
		return nil
	default:
		return err
	}
}

// claimSlot admits an entry and holds a trade slot until release, so that
// concurrent pairs cannot overshoot max_open_trades.
func (s *Supervisor) claimSlot(ctx context.Context, set Settings, pair string, last *domain.Trade, now time.Time) (func(), int, error) {
	s.slotsMu.Lock()
	defer s.slotsMu.Unlock()
	active, err := s.repo.CountActive(ctx)
	if err != nil {
		return nil, 0, err
	}
	openTrades := active + s.inflight
	err = set.Risk.Admit(risk.AdmissionInput{
		Pair:        pair,
		OpenTrades:  openTrades,
		LastClosed:  last,
		Now:         now,
		StopEntries: s.stopEntries.Load(),
	})
	if err != nil {
		return nil, 0, err
	}
	s.inflight++
	var once sync.Once
	return func() {
		once.Do(func() {
			s.slotsMu.Lock()
			s.inflight--
			s.slotsMu.Unlock()
		})
	}, openTrades, nil
}

func (s *Supervisor) available(ctx context.Context) (float64, error) {
	return s.funds.Available(ctx, s.cfg.StakeCurrency)
}

func (s *Supervisor) snapshot(ctx context.Context, set Settings, pair string, now time.Time, rate float64) (domain.MarketSnapshot, error) {
	snap := domain.MarketSnapshot{Pair: pair, Time: now, Rate: rate}
	if tk, err := s.md.FetchTicker(ctx, pair); err == nil {
		snap.Ticker = tk
	}
	tf, n, ok := set.Strategy.Candles()
	if !ok {
		return snap, nil
	}
	klines, err := s.md.GetKlines(ctx, pair, tf, n)
	if err != nil {
		return snap, fmt.Errorf("failed to fetch %s klines for %s: %w", tf, pair, err)
	}
	snap.Candles = klines
	return snap, nil
}

func (s *Supervisor) alert(ctx context.Context, kind ports.AlertKind, t *domain.Trade, msg string) {
	a := ports.Alert{Kind: kind, TradeID: t.ID, Pair: t.Pair, Message: msg, Time: s.clock()}
	if err := s.notifier.Notify(ctx, a); err != nil {
		s.logger.Error(ctx, err, "Failed to deliver alert", map[string]interface{}{"kind": kind})
	}
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
