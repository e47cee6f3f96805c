// Package reconcile brings persisted trades back in line with the exchange at
// startup, periodically, and whenever an order goes missing.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tradeEngine/internal/domain"
	"tradeEngine/internal/pairlock"
	"tradeEngine/internal/ports"
)

// Refresher re-fetches the true status of a trade's orders.
type Refresher interface {
	Refresh(ctx context.Context, tradeID int64) (*domain.Trade, error)
}

// Venue is the part of the exchange reconciliation reads.
type Venue interface {
	FetchRecentOrders(ctx context.Context, pair string, since time.Time) ([]*domain.ExchangeOrder, error)
}

// Balances provides a fresh wallet read for the spot balance audit.
type Balances interface {
	Fresh(ctx context.Context) (*domain.WalletSnapshot, error)
}

// Config holds configuration for the reconciliation service.
type Config struct {
	Policy           Policy
	AuditBalances    bool    // spot only; futures positions do not show in balances
	BalanceTolerance float64 // relative shortfall of base holdings tolerated
}

// Report summarizes a reconciliation pass.
type Report struct {
	Checked   int
	Recovered int
	Unmanaged int
	Closed    int
	Errors    []error
}

// Service reconciles open trades against the exchange.
type Service struct {
	cfg      Config
	repo     ports.TradeRepository
	lc       Refresher
	venue    Venue
	balances Balances
	locks    *pairlock.Locks
	notifier ports.Notifier
	logger   ports.Logger
	clock    func() time.Time
}

// NewService creates a reconciliation service. balances may be nil when the
// audit is disabled.
func NewService(cfg Config, repo ports.TradeRepository, lc Refresher, venue Venue, balances Balances,
	locks *pairlock.Locks, notifier ports.Notifier, logger ports.Logger) (*Service, error) {
	if repo == nil || lc == nil || venue == nil || locks == nil || notifier == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for reconciliation service")
	}
	if cfg.AuditBalances && balances == nil {
		return nil, fmt.Errorf("%w: balance audit requires a wallet", ports.ErrConfigurationError)
	}
	if cfg.Policy.Threshold <= 0 {
		cfg.Policy = DefaultPolicy()
	}
	if cfg.BalanceTolerance <= 0 {
		cfg.BalanceTolerance = 0.01
	}
	return &Service{
		cfg: cfg, repo: repo, lc: lc, venue: venue, balances: balances,
		locks: locks, notifier: notifier, logger: logger, clock: time.Now,
	}, nil
}

// Reconcile refreshes every open trade under its pair lock, resolves missing
// orders and audits spot balances.
func (s *Service) Reconcile(ctx context.Context) (Report, error) {
	var rep Report
	trades, err := s.repo.ListOpen(ctx)
	if err != nil {
		return rep, err
	}
	s.logger.Info(ctx, "Reconciling open trades", map[string]interface{}{"count": len(trades)})

	for _, t := range trades {
		rep.Checked++
		err := s.locks.With(ctx, t.Pair, func() error {
			return s.reconcileTrade(ctx, t.ID, &rep)
		})
		if err != nil {
			if ports.IsPersistence(err) || errors.Is(err, context.Canceled) {
				return rep, err
			}
			rep.Errors = append(rep.Errors, fmt.Errorf("trade %d: %w", t.ID, err))
			s.logger.Error(ctx, err, "Reconciliation failed for trade", map[string]interface{}{"tradeID": t.ID, "pair": t.Pair})
		}
	}

	if s.cfg.AuditBalances {
		if err := s.auditBalances(ctx, &rep); err != nil {
			if ports.IsPersistence(err) {
				return rep, err
			}
			rep.Errors = append(rep.Errors, err)
		}
	}

	s.logger.Info(ctx, "Reconciliation finished", map[string]interface{}{
		"checked": rep.Checked, "recovered": rep.Recovered, "unmanaged": rep.Unmanaged,
		"closed": rep.Closed, "errors": len(rep.Errors),
	})
	return rep, nil
}

func (s *Service) reconcileTrade(ctx context.Context, id int64, rep *Report) error {
	t, err := s.lc.Refresh(ctx, id)
	var derr *ports.DesyncError
	switch {
	case err == nil:
	case errors.As(err, &derr):
		before := t.Status
		if err := s.ResolveDesync(ctx, t, derr); err != nil {
			return err
		}
		cur, err := s.repo.FindByID(ctx, id)
		if err != nil {
			return err
		}
		switch {
		case cur.Status == domain.StatusUnmanaged && before != domain.StatusUnmanaged:
			rep.Unmanaged++
		case cur.Status != domain.StatusUnmanaged:
			rep.Recovered++
		}
		t = cur
	case errors.Is(err, ports.ErrRetryBudgetExhausted):
		rep.Unmanaged++
		return nil
	default:
		return err
	}
	if t != nil && t.Status == domain.StatusClosed {
		rep.Closed++
	}
	return nil
}

// ResolveDesync tries to recover the order named by derr from the venue's
// recent orders. A trade without a confident, unique match is marked
// unmanaged. The caller holds the pair lock.
func (s *Service) ResolveDesync(ctx context.Context, t *domain.Trade, derr *ports.DesyncError) error {
	local := t.OrderByClientID(derr.OrderID)
	if local == nil || local.IsTerminal() {
		return s.markUnmanaged(ctx, t, derr.Reason)
	}

	cands, err := s.venue.FetchRecentOrders(ctx, t.Pair, local.CreatedAt)
	if err != nil {
		if ports.IsTransient(err) {
			s.logger.Warn(ctx, "Recent orders unavailable; retrying reconciliation later", map[string]interface{}{
				"tradeID": t.ID, "error": err.Error(),
			})
			return nil
		}
		return err
	}
	cands = unclaimed(t, local, cands)

	m, ok := MatchOrder(local, domain.ActionFor(t.Direction, local.Side), cands, s.cfg.Policy)
	if !ok {
		reason := fmt.Sprintf("%s; no confident match among %d recent orders (best %.2f)", derr.Reason, len(cands), m.Confidence)
		return s.markUnmanaged(ctx, t, reason)
	}

	now := s.clock()
	updated, err := s.repo.Update(ctx, t.ID, func(tr *domain.Trade) error {
		o := tr.OrderByClientID(local.ClientOrderID)
		o.ExchangeOrderID = m.Order.ExchangeOrderID
		return o.ApplyExchange(m.Order, now)
	})
	if err != nil {
		if ports.IsDesync(err) || errors.Is(err, domain.ErrInvariant) {
			return s.markUnmanaged(ctx, t, fmt.Sprintf("%s; matched order inconsistent: %v", derr.Reason, err))
		}
		return err
	}
	s.logger.Info(ctx, "Recovered missing order", map[string]interface{}{
		"tradeID": updated.ID, "clientOrderID": local.ClientOrderID, "exchangeOrderID": m.Order.ExchangeOrderID,
		"confidence": m.Confidence, "exact": m.Exact,
	})

	// settle with the recovered state
	if _, err := s.lc.Refresh(ctx, t.ID); err != nil {
		var again *ports.DesyncError
		if errors.As(err, &again) {
			return s.markUnmanaged(ctx, updated, again.Reason)
		}
		return err
	}
	return nil
}

// unclaimed drops candidates already bound to other orders of the trade.
func unclaimed(t *domain.Trade, local *domain.Order, cands []*domain.ExchangeOrder) []*domain.ExchangeOrder {
	claimed := make(map[string]bool)
	for _, o := range t.Orders {
		if o != local && o.ExchangeOrderID != "" {
			claimed[o.ExchangeOrderID] = true
		}
	}
	out := cands[:0:0]
	for _, c := range cands {
		if !claimed[c.ExchangeOrderID] {
			out = append(out, c)
		}
	}
	return out
}

func (s *Service) markUnmanaged(ctx context.Context, t *domain.Trade, reason string) error {
	updated, err := s.repo.Update(ctx, t.ID, func(tr *domain.Trade) error {
		if tr.Status == domain.StatusOpen {
			tr.MarkUnmanaged(reason)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Warn(ctx, "Trade marked unmanaged", map[string]interface{}{"tradeID": t.ID, "pair": t.Pair, "reason": reason})
	a := ports.Alert{Kind: ports.AlertUnmanaged, TradeID: updated.ID, Pair: updated.Pair, Message: reason, Time: s.clock(),
		Fields: map[string]interface{}{"amount": updated.Amount}}
	if err := s.notifier.Notify(ctx, a); err != nil {
		s.logger.Error(ctx, err, "Failed to deliver alert", map[string]interface{}{"kind": a.Kind})
	}
	return nil
}

// auditBalances checks that spot holdings cover the open amount of every base
// currency. Short trades are skipped.
func (s *Service) auditBalances(ctx context.Context, rep *Report) error {
	trades, err := s.repo.ListOpen(ctx)
	if err != nil {
		return err
	}
	need := make(map[string]float64)
	byBase := make(map[string][]*domain.Trade)
	for _, t := range trades {
		if t.Direction != domain.Long || t.Amount <= domain.AmountEpsilon {
			continue
		}
		base, _ := domain.SplitPair(t.Pair)
		need[base] += t.Amount
		byBase[base] = append(byBase[base], t)
	}
	if len(need) == 0 {
		return nil
	}

	snap, err := s.balances.Fresh(ctx)
	if err != nil {
		return err
	}
	for base, amount := range need {
		held := snap.Total(base)
		if held >= amount*(1-s.cfg.BalanceTolerance)-domain.AmountEpsilon {
			continue
		}
		reason := fmt.Sprintf("balance mismatch: hold %.8f %s, open trades need %.8f", held, base, amount)
		s.alertDesync(ctx, base, reason)
		for _, t := range byBase[base] {
			err := s.locks.With(ctx, t.Pair, func() error { return s.markUnmanaged(ctx, t, reason) })
			if err != nil {
				return err
			}
			rep.Unmanaged++
		}
	}
	return nil
}

func (s *Service) alertDesync(ctx context.Context, currency, reason string) {
	a := ports.Alert{Kind: ports.AlertDesync, Message: reason, Time: s.clock(), Fields: map[string]interface{}{"currency": currency}}
	if err := s.notifier.Notify(ctx, a); err != nil {
		s.logger.Error(ctx, err, "Failed to deliver alert", map[string]interface{}{"kind": a.Kind})
	}
}
