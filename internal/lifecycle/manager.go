// Package lifecycle drives orders and trades through their state machines
// against the exchange, persisting every transition before acting on it.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"tradeEngine/internal/domain"
	"tradeEngine/internal/ports"
	"tradeEngine/internal/risk"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
)

// RateSource prices entries and exits.
type RateSource interface {
	EntryRate(ctx context.Context, pair string, dir domain.Direction, refresh bool) (float64, error)
	ExitRate(ctx context.Context, pair string, dir domain.Direction, refresh bool) (float64, error)
}

// FundsReserver guards against overdraft between concurrent submissions.
type FundsReserver interface {
	Reserve(ctx context.Context, currency string, amount float64) (func(), error)
}

// Manager submits, polls and cancels orders for trades.
type Manager struct {
	repo     ports.TradeRepository
	ex       ports.ExchangeClient
	rates    RateSource
	funds    FundsReserver
	notifier ports.Notifier
	logger   ports.Logger
	cfg      Config
	clock    func() time.Time
	newID    func() string

	mu       sync.RWMutex
	stoploss float64
}

// NewManager creates a lifecycle manager.
func NewManager(
	cfg Config,
	repo ports.TradeRepository,
	ex ports.ExchangeClient,
	rates RateSource,
	funds FundsReserver,
	notifier ports.Notifier,
	logger ports.Logger,
) (*Manager, error) {
	if repo == nil || ex == nil || rates == nil || funds == nil || notifier == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for lifecycle manager")
	}
	cfg.OrderTypes = cfg.OrderTypes.WithDefaults()
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryMin <= 0 {
		cfg.RetryMin = 200 * time.Millisecond
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 5 * time.Second
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 2 * time.Second
	}
	if cfg.Leverage <= 0 {
		cfg.Leverage = 1
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Manager{
		repo: repo, ex: ex, rates: rates, funds: funds, notifier: notifier, logger: logger,
		cfg: cfg, clock: clock, newID: uuid.NewString, stoploss: cfg.StoplossRatio,
	}, nil
}

// SetStoplossRatio changes the initial stop applied to new entry fills.
func (m *Manager) SetStoplossRatio(ratio float64) {
	m.mu.Lock()
	m.stoploss = ratio
	m.mu.Unlock()
}

func (m *Manager) stoplossRatio() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stoploss
}

// EntryIntent describes a new trade to open.
type EntryIntent struct {
	Pair      string
	Direction domain.Direction
	Stake     float64 // quote currency
	Tag       string
	OrderType domain.OrderType // empty = configured entry type
	Leverage  float64          // 0 = configured leverage
}

// OpenTrade creates the trade with a pending entry order and submits it. It
// fails with ports.ErrConflict when the pair already has an active trade.
func (m *Manager) OpenTrade(ctx context.Context, in EntryIntent) (*domain.Trade, error) {
	lev := in.Leverage
	if lev <= 0 {
		lev = m.cfg.Leverage
	}
	otype := in.OrderType
	if otype == "" {
		otype = m.cfg.OrderTypes.Entry
	}
	order, release, err := m.prepareEntry(ctx, in.Pair, in.Direction, in.Stake, lev, otype, in.Tag)
	if err != nil {
		return nil, err
	}
	defer release()

	now := m.clock()
	t := &domain.Trade{
		Pair:        in.Pair,
		Direction:   in.Direction,
		Status:      domain.StatusOpen,
		StakeAmount: in.Stake,
		Leverage:    lev,
		OpenedAt:    now,
		EntryTag:    in.Tag,
		Orders:      []*domain.Order{order},
	}
	id, err := m.repo.Create(ctx, t)
	if err != nil {
		if errors.Is(err, ports.ErrConflict) {
			m.logger.Warn(ctx, "Entry rejected: pair already has an active trade", map[string]interface{}{"pair": in.Pair})
		}
		return nil, err
	}
	t.ID = id
	m.logger.Info(ctx, "Trade created", map[string]interface{}{
		"tradeID": id, "pair": in.Pair, "direction": in.Direction, "stake": in.Stake,
		"amount": order.Amount, "price": order.Price, "clientOrderID": order.ClientOrderID,
	})

	t, err = m.submit(ctx, t, order.ClientOrderID, false)
	if err != nil {
		return t, err
	}
	m.notify(ctx, ports.AlertTradeOpened, t, "trade opened", map[string]interface{}{"amount": t.Amount, "openRate": t.OpenRate})
	return t, nil
}

// prepareEntry prices and sizes an entry order and reserves its stake.
func (m *Manager) prepareEntry(ctx context.Context, pair string, dir domain.Direction, stake, lev float64, otype domain.OrderType, tag string) (*domain.Order, func(), error) {
	rate, err := m.rates.EntryRate(ctx, pair, dir, true)
	if err != nil {
		return nil, nil, err
	}
	rules, err := m.ex.MarketRules(ctx, pair)
	if err != nil {
		return nil, nil, err
	}
	amount, err := risk.EntryAmount(stake, rate, lev, rules)
	if err != nil {
		return nil, nil, err
	}
	release, err := m.funds.Reserve(ctx, m.quote(pair), stake)
	if err != nil {
		return nil, nil, err
	}
	now := m.clock()
	return &domain.Order{
		ClientOrderID: m.newID(),
		Side:          domain.SideEntry,
		Type:          otype,
		Price:         rules.RoundPrice(rate),
		Amount:        amount,
		Status:        domain.OrderPending,
		Tag:           tag,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, release, nil
}

// SubmitExit closes the whole remaining position. Open orders on the trade,
// the venue stop included, are canceled (with confirmation) first.
func (m *Manager) SubmitExit(ctx context.Context, tradeID int64, reason domain.ExitReason, otype domain.OrderType) (*domain.Trade, error) {
	if otype == "" {
		otype = m.cfg.OrderTypes.ForExit(reason)
	}
	if otype != domain.OrderTypeLimit && otype != domain.OrderTypeMarket {
		return nil, fmt.Errorf("%w: exit order type %s", ports.ErrInvalidRequest, otype)
	}
	t, err := m.managed(ctx, tradeID)
	if err != nil {
		return t, err
	}
	now := m.clock()
	for _, o := range t.OpenOrders() {
		if t, err = m.cancelConfirmed(ctx, t, o.ClientOrderID, now, false); err != nil {
			return t, err
		}
	}
	if t.HasOpenOrder() {
		return t, fmt.Errorf("%w: trade %d still has an order in flight", ports.ErrInvalidRequest, t.ID)
	}
	if t.Amount <= domain.AmountEpsilon {
		return m.settle(ctx, t)
	}

	rate, err := m.rates.ExitRate(ctx, t.Pair, t.Direction, true)
	if err != nil {
		return t, err
	}
	rules, err := m.ex.MarketRules(ctx, t.Pair)
	if err != nil {
		return t, err
	}
	amount := rules.RoundAmount(t.Amount)
	if amount <= 0 {
		return t, fmt.Errorf("%w: trade %d amount %.8f below lot step", ports.ErrInvalidRequest, t.ID, t.Amount)
	}
	price := rules.RoundPrice(rate)

	m.logger.Info(ctx, "Submitting exit", map[string]interface{}{
		"tradeID": t.ID, "pair": t.Pair, "reason": reason, "type": otype, "amount": amount, "price": price,
	})
	return m.appendAndSubmit(ctx, t, m.newOrder(domain.SideExit, otype, price, amount, string(reason)), m.cfg.ReduceOnlyExits)
}

// SubmitAdjustment grows (stakeDelta > 0) or partially exits (stakeDelta < 0)
// an open trade.
func (m *Manager) SubmitAdjustment(ctx context.Context, tradeID int64, stakeDelta float64) (*domain.Trade, error) {
	t, err := m.managed(ctx, tradeID)
	if err != nil {
		return t, err
	}
	if t.HasOrderInFlight() {
		return t, fmt.Errorf("%w: trade %d has an order in flight", ports.ErrInvalidRequest, t.ID)
	}

	if stakeDelta > 0 {
		order, release, err := m.prepareEntry(ctx, t.Pair, t.Direction, stakeDelta, t.Leverage, m.cfg.OrderTypes.Entry, "adjust")
		if err != nil {
			return t, err
		}
		defer release()
		m.logger.Info(ctx, "Increasing position", map[string]interface{}{"tradeID": t.ID, "stake": stakeDelta, "amount": order.Amount})
		return m.appendAndSubmit(ctx, t, order, false)
	}

	rate, err := m.rates.ExitRate(ctx, t.Pair, t.Direction, true)
	if err != nil {
		return t, err
	}
	rules, err := m.ex.MarketRules(ctx, t.Pair)
	if err != nil {
		return t, err
	}
	amount := rules.RoundAmount(-stakeDelta * t.Leverage / rate)
	if amount <= 0 || !rules.CheckAmount(amount, rate) {
		return t, fmt.Errorf("%w: partial exit of %.8f too small", ports.ErrInvalidRequest, -stakeDelta)
	}
	if amount >= t.Amount-domain.AmountEpsilon {
		return t, fmt.Errorf("%w: partial exit %.8f would close trade %d (amount %.8f)", ports.ErrInvalidRequest, amount, t.ID, t.Amount)
	}
	// the stop is sized for the whole position; it is placed again once the exit settles
	if stop := t.StopOrder(); stop != nil {
		if t, err = m.cancelConfirmed(ctx, t, stop.ClientOrderID, m.clock(), false); err != nil {
			return t, err
		}
		if !t.IsOpen() || t.HasOpenOrder() || amount >= t.Amount-domain.AmountEpsilon {
			return m.settle(ctx, t)
		}
	}
	m.logger.Info(ctx, "Reducing position", map[string]interface{}{"tradeID": t.ID, "stake": stakeDelta, "amount": amount})
	return m.appendAndSubmit(ctx, t, m.newOrder(domain.SideExit, m.cfg.OrderTypes.Exit, rules.RoundPrice(rate), amount, "partial_exit"), m.cfg.ReduceOnlyExits)
}

// SyncStoploss keeps the venue stop in line with the trade's stop price and
// amount when stoploss_on_exchange is set. A stale stop is canceled and
// replaced; nothing happens while another order is in flight.
func (m *Manager) SyncStoploss(ctx context.Context, tradeID int64) (*domain.Trade, error) {
	t, err := m.managed(ctx, tradeID)
	if err != nil || !m.cfg.OrderTypes.StoplossOnExchange {
		return t, err
	}
	if t.HasOrderInFlight() || t.StopLoss <= 0 || t.Amount <= domain.AmountEpsilon {
		return t, nil
	}
	rules, err := m.ex.MarketRules(ctx, t.Pair)
	if err != nil {
		return t, err
	}
	price := rules.RoundStoploss(t.StopLoss, t.Direction)
	amount := rules.RoundAmount(t.Amount)
	if amount <= 0 {
		return t, nil
	}

	if cur := t.StopOrder(); cur != nil {
		if math.Abs(cur.Price-price) <= math.Max(rules.PriceTick/2, 1e-9) && math.Abs(cur.Amount-amount) <= domain.AmountEpsilon {
			return t, nil
		}
		m.logger.Info(ctx, "Replacing stop order", map[string]interface{}{
			"tradeID": t.ID, "pair": t.Pair, "from": cur.Price, "to": price, "amount": amount,
		})
		if t, err = m.cancelConfirmed(ctx, t, cur.ClientOrderID, m.clock(), false); err != nil {
			return t, err
		}
		if !t.IsOpen() || t.HasOpenOrder() {
			return m.settle(ctx, t)
		}
	}

	tag := domain.ExitReasonStoploss
	if t.TrailingActive {
		tag = domain.ExitReasonTrailingStop
	}
	m.logger.Info(ctx, "Placing stop order", map[string]interface{}{
		"tradeID": t.ID, "pair": t.Pair, "stop": price, "amount": amount, "tag": tag,
	})
	return m.appendAndSubmit(ctx, t, m.newOrder(domain.SideExit, domain.OrderTypeStoploss, price, amount, string(tag)), true)
}

func (m *Manager) newOrder(side domain.OrderSide, otype domain.OrderType, price, amount float64, tag string) *domain.Order {
	now := m.clock()
	return &domain.Order{
		ClientOrderID: m.newID(),
		Side:          side,
		Type:          otype,
		Price:         price,
		Amount:        amount,
		Status:        domain.OrderPending,
		Tag:           tag,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// appendAndSubmit persists the pending order before it is sent.
func (m *Manager) appendAndSubmit(ctx context.Context, t *domain.Trade, o *domain.Order, reduceOnly bool) (*domain.Trade, error) {
	t, err := m.repo.Update(ctx, t.ID, func(tr *domain.Trade) error {
		if tr.HasOrderInFlight() {
			return fmt.Errorf("%w: trade %d has an order in flight", ports.ErrInvalidRequest, tr.ID)
		}
		if o.IsVenueStop() && tr.StopOrder() != nil {
			return fmt.Errorf("%w: trade %d already has a stop order", ports.ErrInvalidRequest, tr.ID)
		}
		cp := *o
		tr.Orders = append(tr.Orders, &cp)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m.submit(ctx, t, o.ClientOrderID, reduceOnly)
}

// submit sends a persisted pending order and records the venue's answer. If the
// outcome stays unknown the order is left pending for Refresh or reconciliation.
func (m *Manager) submit(ctx context.Context, t *domain.Trade, clientID string, reduceOnly bool) (*domain.Trade, error) {
	o := t.OrderByClientID(clientID)
	req := ports.OrderRequest{
		Pair:          t.Pair,
		Action:        domain.ActionFor(t.Direction, o.Side),
		Type:          o.Type,
		Amount:        o.Amount,
		Price:         o.Price,
		ClientOrderID: o.ClientOrderID,
		ReduceOnly:    reduceOnly && o.Side == domain.SideExit,
	}
	eo, err := m.place(ctx, req)
	now := m.clock()
	if err != nil {
		if ports.IsValidation(err) {
			m.logger.Error(ctx, err, "Order rejected", map[string]interface{}{"tradeID": t.ID, "clientOrderID": clientID})
			m.notify(ctx, ports.AlertValidationFailed, t, err.Error(), map[string]interface{}{"clientOrderID": clientID})
			updated, uerr := m.repo.Update(ctx, t.ID, func(tr *domain.Trade) error {
				return tr.OrderByClientID(clientID).Reject(now)
			})
			if uerr != nil {
				return t, uerr
			}
			updated, uerr = m.settle(ctx, updated)
			if uerr != nil {
				return updated, uerr
			}
			return updated, err
		}
		m.logger.Warn(ctx, "Order submission outcome unknown; left pending", map[string]interface{}{
			"tradeID": t.ID, "clientOrderID": clientID, "error": err.Error(),
		})
		return t, err
	}

	updated, err := m.repo.Update(ctx, t.ID, func(tr *domain.Trade) error {
		return m.apply(tr, clientID, eo, now)
	})
	if err != nil {
		return t, m.desync(t, clientID, err)
	}
	m.logger.Info(ctx, "Order placed", map[string]interface{}{
		"tradeID": t.ID, "clientOrderID": clientID, "exchangeOrderID": eo.ExchangeOrderID,
		"status": eo.Status, "filled": eo.Filled,
	})
	return m.settle(ctx, updated)
}

// place submits req. After a transient failure the order is looked up by its
// client id; it is resubmitted only once the venue confirms it does not exist.
// Lookups and resubmissions share one retry budget, which bounds how long the
// caller's pair lock is held.
func (m *Manager) place(ctx context.Context, req ports.OrderRequest) (*domain.ExchangeOrder, error) {
	r := m.retrier()
	for {
		eo, err := m.ex.PlaceOrder(ctx, req)
		if err == nil {
			return eo, nil
		}
		if !ports.IsTransient(err) {
			return nil, err
		}
		m.logger.Warn(ctx, "Order submission failed; looking up by client id", map[string]interface{}{
			"pair": req.Pair, "clientOrderID": req.ClientOrderID, "error": err.Error(),
		})
		found, lerr := retry(ctx, r, func() (*domain.ExchangeOrder, error) {
			return m.ex.FetchOrderByClientID(ctx, req.Pair, req.ClientOrderID)
		})
		if lerr == nil {
			m.logger.Info(ctx, "Adopted order found by client id", map[string]interface{}{
				"clientOrderID": req.ClientOrderID, "exchangeOrderID": found.ExchangeOrderID,
			})
			return found, nil
		}
		if !errors.Is(lerr, ports.ErrOrderNotFound) {
			return nil, fmt.Errorf("submission of %s unconfirmed: %w", req.ClientOrderID, err)
		}
		if !r.next(ctx) {
			return nil, err
		}
	}
}

// retrier paces the attempts of one call: at most attempts tries and at most
// budget spent waiting between them.
type retrier struct {
	b        *backoff.Backoff
	attempts int
	budget   time.Duration
	tries    int
	spent    time.Duration
}

func (m *Manager) retrier() *retrier {
	return &retrier{
		b:        &backoff.Backoff{Min: m.cfg.RetryMin, Max: m.cfg.RetryMax, Factor: 2, Jitter: true},
		attempts: m.cfg.RetryAttempts,
		budget:   m.cfg.RetryBudget,
		tries:    1,
	}
}

// next waits for the following attempt. It reports false once the attempts
// or the wait budget are used up, or ctx is done.
func (r *retrier) next(ctx context.Context) bool {
	if r.tries >= r.attempts {
		return false
	}
	d := r.b.Duration()
	if r.spent+d > r.budget {
		return false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		r.spent += d
		r.tries++
		return true
	case <-ctx.Done():
		return false
	}
}

// retry runs an idempotent call, retrying transient failures while r allows.
func retry[T any](ctx context.Context, r *retrier, fn func() (T, error)) (T, error) {
	for {
		v, err := fn()
		if err == nil || !ports.IsTransient(err) || !r.next(ctx) {
			return v, err
		}
	}
}

// managed loads a trade that is under automated management.
func (m *Manager) managed(ctx context.Context, id int64) (*domain.Trade, error) {
	t, err := m.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%w: trade %d", ports.ErrNotFound, id)
	}
	if !t.IsOpen() {
		return t, fmt.Errorf("%w: trade %d is %s", ports.ErrTradeNotManaged, id, t.Status)
	}
	return t, nil
}

func (m *Manager) quote(pair string) string {
	if _, q := domain.SplitPair(pair); q != "" {
		return q
	}
	return m.cfg.StakeCurrency
}

func (m *Manager) notify(ctx context.Context, kind ports.AlertKind, t *domain.Trade, msg string, fields map[string]interface{}) {
	a := ports.Alert{Kind: kind, Message: msg, Fields: fields, Time: m.clock()}
	if t != nil {
		a.TradeID, a.Pair = t.ID, t.Pair
	}
	if err := m.notifier.Notify(ctx, a); err != nil {
		m.logger.Error(ctx, err, "Failed to deliver alert", map[string]interface{}{"kind": kind})
	}
}

// desync turns domain state-machine violations into a DesyncError.
func (m *Manager) desync(t *domain.Trade, clientID string, err error) error {
	if ports.IsDesync(err) && !errors.Is(err, ports.ErrDesync) {
		return fmt.Errorf("%w: %w", &ports.DesyncError{TradeID: t.ID, OrderID: clientID, Reason: err.Error()}, err)
	}
	return err
}
