package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tradeEngine/internal/domain"
	"tradeEngine/internal/ports"
)

// Refresh polls every non-terminal order of an open trade, enforces unfilled
// timeouts and closes the trade once it is flat. Vanished orders yield a
// *ports.DesyncError for reconciliation.
func (m *Manager) Refresh(ctx context.Context, tradeID int64) (*domain.Trade, error) {
	t, _, err := m.Poll(ctx, tradeID)
	return t, err
}

// Poll is Refresh that also reports whether an order was canceled on timeout
// during this call. Each order is fetched once; a failed fetch or cancel is
// left for the next call.
func (m *Manager) Poll(ctx context.Context, tradeID int64) (*domain.Trade, bool, error) {
	t, err := m.repo.FindByID(ctx, tradeID)
	if err != nil {
		return nil, false, err
	}
	if t == nil {
		return nil, false, fmt.Errorf("%w: trade %d", ports.ErrNotFound, tradeID)
	}
	if !t.IsOpen() {
		return t, false, nil
	}

	now := m.clock()
	canceled := false
	for _, o := range t.OpenOrders() {
		clientID, exchangeID := o.ClientOrderID, o.ExchangeOrderID
		eo, err := m.fetch(ctx, t.Pair, clientID, exchangeID)
		switch {
		case err == nil:
		case errors.Is(err, ports.ErrOrderNotFound) && exchangeID == "":
			// never reached the venue
			m.logger.Warn(ctx, "Pending order not found on exchange; marking canceled", map[string]interface{}{
				"tradeID": t.ID, "clientOrderID": clientID,
			})
			if t, err = m.repo.Update(ctx, t.ID, func(tr *domain.Trade) error {
				return tr.OrderByClientID(clientID).Reject(now)
			}); err != nil {
				return nil, canceled, err
			}
			continue
		case errors.Is(err, ports.ErrOrderNotFound):
			return t, canceled, &ports.DesyncError{TradeID: t.ID, OrderID: clientID, Reason: "order no longer known to exchange"}
		case ports.IsTransient(err):
			m.logger.Warn(ctx, "Order status unavailable; retrying next tick", map[string]interface{}{
				"tradeID": t.ID, "clientOrderID": clientID, "error": err.Error(),
			})
			continue
		default:
			return t, canceled, err
		}

		updated, err := m.repo.Update(ctx, t.ID, func(tr *domain.Trade) error {
			return m.apply(tr, clientID, eo, now)
		})
		if err != nil {
			return t, canceled, m.desync(t, clientID, err)
		}
		t = updated

		if cur := t.OrderByClientID(clientID); !cur.IsTerminal() && m.timedOut(cur, now) {
			m.logger.Info(ctx, "Order unfilled past timeout; canceling", map[string]interface{}{
				"tradeID": t.ID, "clientOrderID": clientID, "side": cur.Side, "age": now.Sub(cur.CreatedAt).String(),
			})
			canceled = true
			if t, err = m.cancelConfirmed(ctx, t, clientID, now, true); err != nil {
				return t, canceled, err
			}
			if !t.IsOpen() {
				return t, canceled, nil
			}
		}
	}
	t, err = m.settle(ctx, t)
	return t, canceled, err
}

func (m *Manager) fetch(ctx context.Context, pair, clientID, exchangeID string) (*domain.ExchangeOrder, error) {
	if exchangeID == "" {
		return m.ex.FetchOrderByClientID(ctx, pair, clientID)
	}
	return m.ex.FetchOrder(ctx, pair, exchangeID)
}

// timedOut reports an entry or exit left unfilled too long. The venue stop
// rests until it triggers or is replaced.
func (m *Manager) timedOut(o *domain.Order, now time.Time) bool {
	if o.IsVenueStop() {
		return false
	}
	limit := m.cfg.Timeouts.Entry
	if o.Side == domain.SideExit {
		limit = m.cfg.Timeouts.Exit
	}
	return limit > 0 && now.Sub(o.CreatedAt) >= limit
}

// cancelConfirmed cancels an order and re-fetches it; the confirmed venue
// state is applied, so a fill that raced the cancel is kept. If the order is
// still live the cancel is re-issued on a later tick. onTimeout counts
// canceled exit orders against the exit retry budget.
func (m *Manager) cancelConfirmed(ctx context.Context, t *domain.Trade, clientID string, now time.Time, onTimeout bool) (*domain.Trade, error) {
	o := t.OrderByClientID(clientID)
	if o.ExchangeOrderID == "" {
		eo, err := m.fetch(ctx, t.Pair, clientID, "")
		if err != nil {
			if errors.Is(err, ports.ErrOrderNotFound) {
				return m.repo.Update(ctx, t.ID, func(tr *domain.Trade) error {
					return tr.OrderByClientID(clientID).Reject(now)
				})
			}
			return t, err
		}
		o = &domain.Order{ExchangeOrderID: eo.ExchangeOrderID}
	}

	reported, err := m.ex.CancelOrder(ctx, t.Pair, o.ExchangeOrderID)
	switch {
	case err == nil, errors.Is(err, ports.ErrOrderAlreadyFilled):
	case errors.Is(err, ports.ErrOrderNotFound):
		return t, &ports.DesyncError{TradeID: t.ID, OrderID: clientID, Reason: "order vanished while canceling"}
	default:
		m.logger.Warn(ctx, "Cancel failed; retrying next tick", map[string]interface{}{
			"tradeID": t.ID, "clientOrderID": clientID, "error": err.Error(),
		})
		return m.repo.Update(ctx, t.ID, func(tr *domain.Trade) error {
			tr.OrderByClientID(clientID).CancelRequested = true
			return nil
		})
	}

	confirmed, err := m.fetch(ctx, t.Pair, clientID, o.ExchangeOrderID)
	if err != nil {
		if reported == nil || !reported.Status.IsTerminal() {
			m.logger.Warn(ctx, "Cancel not confirmed; retrying next tick", map[string]interface{}{
				"tradeID": t.ID, "clientOrderID": clientID, "error": err.Error(),
			})
			return m.repo.Update(ctx, t.ID, func(tr *domain.Trade) error {
				tr.OrderByClientID(clientID).CancelRequested = true
				return nil
			})
		}
		confirmed = reported
	}

	updated, err := m.repo.Update(ctx, t.ID, func(tr *domain.Trade) error {
		ord := tr.OrderByClientID(clientID)
		ord.CancelRequested = true
		if err := m.apply(tr, clientID, confirmed, now); err != nil {
			return err
		}
		if onTimeout && ord.Side == domain.SideExit && ord.IsTerminal() && ord.Status != domain.OrderClosed {
			tr.ExitTimeoutCount++
			if limit := m.cfg.Timeouts.ExitTimeoutCount; limit > 0 && tr.ExitTimeoutCount >= limit {
				tr.MarkUnmanaged(fmt.Sprintf("exit order canceled on timeout %d times", tr.ExitTimeoutCount))
			}
		}
		return nil
	})
	if err != nil {
		return t, m.desync(t, clientID, err)
	}

	if updated.Status == domain.StatusUnmanaged {
		m.logger.Warn(ctx, "Exit retry budget exhausted; trade needs manual action", map[string]interface{}{
			"tradeID": updated.ID, "pair": updated.Pair, "count": updated.ExitTimeoutCount,
		})
		m.notify(ctx, ports.AlertRetryExhausted, updated, updated.UnmanagedReason, map[string]interface{}{"amount": updated.Amount})
		return updated, fmt.Errorf("%w: trade %d", ports.ErrRetryBudgetExhausted, updated.ID)
	}
	return updated, nil
}

// apply merges a venue report into the trade. It performs no I/O.
func (m *Manager) apply(t *domain.Trade, clientID string, eo *domain.ExchangeOrder, now time.Time) error {
	o := t.OrderByClientID(clientID)
	if o == nil {
		return fmt.Errorf("%w: order %s not in trade %d", domain.ErrInvariant, clientID, t.ID)
	}
	before := o.Filled
	if err := o.ApplyExchange(eo, now); err != nil {
		return err
	}
	if o.Filled <= before+domain.AmountEpsilon {
		return nil
	}

	t.Recalculate()
	if o.Side == domain.SideEntry {
		var cost float64
		for _, e := range t.Orders {
			if e.Side == domain.SideEntry && e.Filled > 0 {
				cost += e.Filled * e.FillPrice()
			}
		}
		lev := t.Leverage
		if lev <= 0 {
			lev = 1
		}
		t.StakeAmount = cost / lev
		if ratio := m.stoplossRatio(); ratio < 0 {
			t.InitStoploss(ratio)
		}
		t.UpdateExtremes(o.FillPrice())
	} else if o.Status == domain.OrderClosed {
		t.ExitTimeoutCount = 0
	}
	return nil
}

// settle closes a flat trade with no orders in flight.
func (m *Manager) settle(ctx context.Context, t *domain.Trade) (*domain.Trade, error) {
	if !t.IsOpen() || !t.CanClose() {
		return t, nil
	}
	reason := exitReasonOf(t)
	closed, err := m.repo.CloseTrade(ctx, t.ID, reason, m.clock())
	if err != nil {
		return t, err
	}
	m.logger.Info(ctx, "Trade closed", map[string]interface{}{
		"tradeID": closed.ID, "pair": closed.Pair, "reason": reason,
		"profit": closed.RealizedProfit, "closeRate": closed.CloseRate,
	})
	m.notify(ctx, ports.AlertTradeClosed, closed, string(reason), map[string]interface{}{"profit": closed.RealizedProfit})
	return closed, nil
}

func exitReasonOf(t *domain.Trade) domain.ExitReason {
	if !t.EverFilled() {
		return domain.ExitReasonEntryUnfilled
	}
	for i := len(t.Orders) - 1; i >= 0; i-- {
		if o := t.Orders[i]; o.Side == domain.SideExit && o.Filled > domain.AmountEpsilon {
			return domain.ExitReason(o.Tag)
		}
	}
	return domain.ExitReasonForceExit
}

// Resolution is an operator decision about an unmanaged trade.
type Resolution = domain.Resolution

const (
	ResolveReopen = domain.ResolveReopen
	ResolveClosed = domain.ResolveClosed
)

// ResolveUnmanaged applies an operator decision to an unmanaged trade.
func (m *Manager) ResolveUnmanaged(ctx context.Context, tradeID int64, res Resolution, price float64) (*domain.Trade, error) {
	now := m.clock()
	t, err := m.repo.Update(ctx, tradeID, func(tr *domain.Trade) error {
		return tr.Resolve(res, price, "manual-"+m.newID(), now)
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidResolution) {
			return nil, fmt.Errorf("%w: %w", ports.ErrInvalidRequest, err)
		}
		return nil, err
	}
	m.logger.Info(ctx, "Unmanaged trade resolved", map[string]interface{}{"tradeID": t.ID, "resolution": res, "status": t.Status})
	return t, nil
}
