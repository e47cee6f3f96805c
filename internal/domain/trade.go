package domain

import (
	"fmt"
	"math"
	"time"
)

// Trade is a position on one pair and the ordered history of its orders.
type Trade struct {
	ID          int64
	Pair        string // e.g. "BTC/USDT"
	Direction   Direction
	Status      TradeStatus
	StakeAmount float64 // quote currency committed
	Leverage    float64
	Amount      float64 // remaining open amount in base currency
	OpenRate    float64 // fill-weighted average entry price
	CloseRate   float64 // fill-weighted average exit price
	OpenedAt    time.Time
	ClosedAt    time.Time

	StopLoss        float64 // current stop price
	InitialStopLoss float64
	StopLossRatio   float64 // ratio the current stop was derived from, negative
	TrailingActive  bool    // stop has been ratcheted at least once
	MaxRate         float64
	MinRate         float64

	RealizedProfit   float64
	FeesPaid         float64
	ExitReason       ExitReason
	EntryTag         string
	ExitTimeoutCount int    // consecutive exit orders canceled on timeout
	UnmanagedReason  string // set while Status is unmanaged
	ForceExitPending bool   // operator exit request not yet submitted

	Orders    []*Order // append-only
	UpdatedAt time.Time
}

// IsOpen reports whether the trade is under automated management.
func (t *Trade) IsOpen() bool { return t.Status == StatusOpen }

// IsActive reports whether the trade still holds (or may hold) a position.
func (t *Trade) IsActive() bool { return t.Status == StatusOpen || t.Status == StatusUnmanaged }

// OpenOrders returns the orders that are not yet terminal.
func (t *Trade) OpenOrders() []*Order {
	var out []*Order
	for _, o := range t.Orders {
		if !o.IsTerminal() {
			out = append(out, o)
		}
	}
	return out
}

// HasOpenOrder reports whether any order, including a resting venue stop, is live.
func (t *Trade) HasOpenOrder() bool { return len(t.OpenOrders()) > 0 }

// InFlight returns the live orders other than the resting venue stop.
func (t *Trade) InFlight() []*Order {
	var out []*Order
	for _, o := range t.OpenOrders() {
		if !o.IsVenueStop() {
			out = append(out, o)
		}
	}
	return out
}

// HasOrderInFlight reports whether an entry, exit or adjustment order is live.
func (t *Trade) HasOrderInFlight() bool { return len(t.InFlight()) > 0 }

// StopOrder returns the live venue stop, or nil.
func (t *Trade) StopOrder() *Order {
	for _, o := range t.OpenOrders() {
		if o.IsVenueStop() {
			return o
		}
	}
	return nil
}

// OrderByClientID finds an order by its idempotency key.
func (t *Trade) OrderByClientID(clientID string) *Order {
	for _, o := range t.Orders {
		if o.ClientOrderID == clientID {
			return o
		}
	}
	return nil
}

// FilledEntries counts entry orders that filled anything.
func (t *Trade) FilledEntries() int {
	n := 0
	for _, o := range t.Orders {
		if o.Side == SideEntry && o.Filled > AmountEpsilon {
			n++
		}
	}
	return n
}

// EverFilled reports whether any entry fill was ever received.
func (t *Trade) EverFilled() bool { return t.FilledEntries() > 0 }

// Fills returns total entry and exit filled amounts.
func (t *Trade) Fills() (entry, exit float64) {
	for _, o := range t.Orders {
		if o.Side == SideEntry {
			entry += o.Filled
		} else {
			exit += o.Filled
		}
	}
	return entry, exit
}

// Recalculate derives amount, average rates, fees and realized profit from orders.
func (t *Trade) Recalculate() {
	var entryQty, entryCost, exitQty, exitCost, fees float64
	for _, o := range t.Orders {
		fees += o.Fee
		if o.Filled <= 0 {
			continue
		}
		if o.Side == SideEntry {
			entryQty += o.Filled
			entryCost += o.Filled * o.FillPrice()
		} else {
			exitQty += o.Filled
			exitCost += o.Filled * o.FillPrice()
		}
	}

	t.Amount = entryQty - exitQty
	if math.Abs(t.Amount) < AmountEpsilon {
		t.Amount = 0
	}
	if entryQty > 0 {
		t.OpenRate = entryCost / entryQty
	}
	if exitQty > 0 {
		t.CloseRate = exitCost / exitQty
	}
	t.FeesPaid = fees
	t.RealizedProfit = t.Direction.Sign()*(exitCost-exitQty*t.OpenRate) - fees
}

// Validate checks the structural invariants of the aggregate.
func (t *Trade) Validate() error {
	if t.Amount < -AmountEpsilon {
		return fmt.Errorf("%w: trade %d amount %.8f < 0", ErrInvariant, t.ID, t.Amount)
	}
	entry, exit := t.Fills()
	if math.Abs(entry-exit-t.Amount) > AmountEpsilon {
		return fmt.Errorf("%w: trade %d fills %.8f-%.8f != amount %.8f", ErrInvariant, t.ID, entry, exit, t.Amount)
	}
	for _, o := range t.Orders {
		if o.Filled > o.Amount+AmountEpsilon {
			return fmt.Errorf("%w: order %s filled %.8f > %.8f", ErrInvariant, o.ClientOrderID, o.Filled, o.Amount)
		}
	}
	if t.Status == StatusClosed {
		if t.Amount > AmountEpsilon {
			return fmt.Errorf("%w: closed trade %d has amount %.8f", ErrInvariant, t.ID, t.Amount)
		}
		if t.HasOpenOrder() {
			return fmt.Errorf("%w: closed trade %d has open orders", ErrInvariant, t.ID)
		}
	}
	return nil
}

// CanClose reports whether the trade is flat with no orders in flight.
func (t *Trade) CanClose() bool {
	return t.Amount <= AmountEpsilon && !t.HasOpenOrder()
}

// Close finalizes a flat trade.
func (t *Trade) Close(reason ExitReason, now time.Time) error {
	if !t.CanClose() {
		return fmt.Errorf("%w: trade %d not flat (amount %.8f, open orders %d)", ErrInvariant, t.ID, t.Amount, len(t.OpenOrders()))
	}
	t.Status = StatusClosed
	t.ExitReason = reason
	t.ClosedAt = now
	return nil
}

// MarkUnmanaged removes the trade from automated decisions.
func (t *Trade) MarkUnmanaged(reason string) {
	t.Status = StatusUnmanaged
	t.UnmanagedReason = reason
}

// Resolution is an operator decision about an unmanaged trade.
type Resolution string

const (
	// ResolveReopen returns the trade to automated management. Orders still
	// marked live are treated as gone.
	ResolveReopen Resolution = "reopen"
	// ResolveClosed records that the operator flattened the position.
	ResolveClosed Resolution = "closed"
)

// Resolve applies res to an unmanaged trade. For ResolveClosed the remaining
// amount is booked as a manual exit at price under clientID.
func (t *Trade) Resolve(res Resolution, price float64, clientID string, now time.Time) error {
	if res != ResolveReopen && res != ResolveClosed {
		return fmt.Errorf("%w: unknown resolution %q", ErrInvalidResolution, res)
	}
	if res == ResolveClosed && price <= 0 {
		return fmt.Errorf("%w: closing price required", ErrInvalidResolution)
	}
	if t.Status != StatusUnmanaged {
		return fmt.Errorf("%w: trade %d is %s", ErrInvalidResolution, t.ID, t.Status)
	}
	for _, o := range t.OpenOrders() {
		if err := o.Reject(now); err != nil {
			return err
		}
	}
	if res == ResolveReopen {
		t.Status = StatusOpen
		t.UnmanagedReason = ""
		t.ExitTimeoutCount = 0
		return nil
	}
	if t.Amount > AmountEpsilon {
		t.Orders = append(t.Orders, &Order{
			ClientOrderID: clientID,
			Side:          SideExit,
			Type:          OrderTypeMarket,
			Price:         price,
			Amount:        t.Amount,
			Filled:        t.Amount,
			AvgPrice:      price,
			Status:        OrderClosed,
			Tag:           string(ExitReasonForceExit),
			CreatedAt:     now,
			UpdatedAt:     now,
			ClosedAt:      now,
		})
		t.Recalculate()
	}
	reason := ExitReasonForceExit
	if !t.EverFilled() {
		reason = ExitReasonEntryUnfilled
	}
	return t.Close(reason, now)
}

// ProfitRatio returns the leveraged profit ratio at rate.
func (t *Trade) ProfitRatio(rate float64) float64 {
	if t.OpenRate <= 0 {
		return 0
	}
	lev := t.Leverage
	if lev <= 0 {
		lev = 1
	}
	return t.Direction.Sign() * (rate/t.OpenRate - 1) * lev
}

// UnrealizedProfit returns the quote-currency profit of the open amount at rate.
func (t *Trade) UnrealizedProfit(rate float64) float64 {
	return t.Direction.Sign() * (rate - t.OpenRate) * t.Amount
}

// UpdateExtremes records the highest and lowest rate seen while open.
func (t *Trade) UpdateExtremes(rate float64) {
	if rate <= 0 {
		return
	}
	if t.MaxRate == 0 || rate > t.MaxRate {
		t.MaxRate = rate
	}
	if t.MinRate == 0 || rate < t.MinRate {
		t.MinRate = rate
	}
}

// StoplossFromRatio converts a (negative) ratio relative to ref into a stop price.
func (t *Trade) StoplossFromRatio(ref, ratio float64) float64 {
	lev := t.Leverage
	if lev <= 0 {
		lev = 1
	}
	d := math.Abs(ratio) / lev
	if t.Direction == Short {
		return ref * (1 + d)
	}
	return ref * (1 - d)
}

// IsTighter reports whether stop a is tighter (closer to price in the profitable
// direction) than stop b.
func (t *Trade) IsTighter(a, b float64) bool {
	if b == 0 {
		return true
	}
	if t.Direction == Short {
		return a < b
	}
	return a > b
}

// InitStoploss sets the initial stop from the open rate. An existing tighter stop
// is kept.
func (t *Trade) InitStoploss(ratio float64) {
	stop := t.StoplossFromRatio(t.OpenRate, ratio)
	if t.InitialStopLoss == 0 {
		t.InitialStopLoss = stop
	}
	if t.IsTighter(stop, t.StopLoss) {
		t.StopLoss = stop
		t.StopLossRatio = ratio
	}
}

// RatchetStoploss moves the stop to stop only if that tightens it.
func (t *Trade) RatchetStoploss(stop, ratio float64) bool {
	if t.StopLoss == 0 || !t.IsTighter(stop, t.StopLoss) {
		return false
	}
	t.StopLoss = stop
	t.StopLossRatio = ratio
	t.TrailingActive = true
	return true
}

// StoplossHit reports whether rate breaches the stop.
func (t *Trade) StoplossHit(rate float64) bool {
	if t.StopLoss <= 0 || rate <= 0 {
		return false
	}
	if t.Direction == Short {
		return rate >= t.StopLoss
	}
	return rate <= t.StopLoss
}

// Duration returns how long the trade has been open at now.
func (t *Trade) Duration(now time.Time) time.Duration {
	return now.Sub(t.OpenedAt)
}

// Clone returns a deep copy of the trade and its orders.
func (t *Trade) Clone() *Trade {
	cp := *t
	cp.Orders = make([]*Order, len(t.Orders))
	for i, o := range t.Orders {
		oc := *o
		cp.Orders[i] = &oc
	}
	return &cp
}
