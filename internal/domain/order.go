package domain

import (
	"errors"
	"fmt"
	"time"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderPending         OrderStatus = "pending"
	OrderOpen            OrderStatus = "open"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderClosed          OrderStatus = "closed"
	OrderCanceled        OrderStatus = "canceled"
	OrderExpired         OrderStatus = "expired"
)

// AmountEpsilon is the tolerance used when comparing order and trade amounts.
const AmountEpsilon = 1e-9

var (
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrFillDecreased     = errors.New("reported filled amount decreased")
	ErrOverfill          = errors.New("filled amount exceeds requested amount")
	ErrInvariant         = errors.New("trade invariant violated")
	ErrInvalidResolution = errors.New("invalid resolution")
)

// IsTerminal reports whether the status is final.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderClosed || s == OrderCanceled || s == OrderExpired
}

func (s OrderStatus) rank() int {
	switch s {
	case OrderPending:
		return 0
	case OrderOpen:
		return 1
	case OrderPartiallyFilled:
		return 2
	default:
		return 3
	}
}

// Order is a single exchange order belonging to a Trade.
type Order struct {
	ID              int64 // local row id
	TradeID         int64
	ClientOrderID   string // idempotency key sent with the submission
	ExchangeOrderID string // empty until acknowledged
	Side            OrderSide
	Type            OrderType
	Price           float64 // requested price, fixed at submission
	Amount          float64 // requested amount
	Filled          float64
	AvgPrice        float64
	Fee             float64 // in quote currency
	Status          OrderStatus
	Tag             string // exit reason for exit orders, entry tag for entries
	CancelRequested bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ClosedAt        time.Time
}

// ExchangeOrder is an order as reported by the venue.
type ExchangeOrder struct {
	ExchangeOrderID string
	ClientOrderID   string
	Pair            string
	Action          Action
	Type            OrderType
	Price           float64
	Amount          float64
	Filled          float64
	AvgPrice        float64
	Fee             float64
	Status          OrderStatus
	Timestamp       time.Time
}

// IsTerminal reports whether the order reached a final state.
func (o *Order) IsTerminal() bool { return o.Status.IsTerminal() }

// IsVenueStop reports a stop order resting on the exchange to protect a position.
func (o *Order) IsVenueStop() bool { return o.Type == OrderTypeStoploss && o.Side == SideExit }

// Remaining returns the unfilled amount.
func (o *Order) Remaining() float64 {
	r := o.Amount - o.Filled
	if r < AmountEpsilon {
		return 0
	}
	return r
}

// FillPrice returns the average fill price, falling back to the requested price.
func (o *Order) FillPrice() float64 {
	if o.AvgPrice > 0 {
		return o.AvgPrice
	}
	return o.Price
}

// CanceledEmpty reports a terminal order that never filled.
func (o *Order) CanceledEmpty() bool {
	return (o.Status == OrderCanceled || o.Status == OrderExpired) && o.Filled <= AmountEpsilon
}

// ApplyExchange merges a venue report into the order. Fills only accumulate and
// status only moves toward a terminal state; a stale report never rolls state back.
func (o *Order) ApplyExchange(eo *ExchangeOrder, now time.Time) error {
	if eo.Filled < o.Filled-AmountEpsilon {
		return fmt.Errorf("%w: order %s had %.8f, exchange reports %.8f", ErrFillDecreased, o.ClientOrderID, o.Filled, eo.Filled)
	}
	if eo.Filled > o.Amount+AmountEpsilon {
		return fmt.Errorf("%w: order %s requested %.8f, exchange reports %.8f", ErrOverfill, o.ClientOrderID, o.Amount, eo.Filled)
	}
	if o.IsTerminal() {
		if eo.Filled > o.Filled+AmountEpsilon {
			return fmt.Errorf("%w: terminal order %s gained fills", ErrInvalidTransition, o.ClientOrderID)
		}
		return nil
	}

	next := eo.Status
	if next == OrderOpen && eo.Filled > AmountEpsilon {
		next = OrderPartiallyFilled
	}
	if next == OrderPending {
		next = OrderOpen
	}
	if next.rank() >= o.Status.rank() {
		o.Status = next
	}

	if o.ExchangeOrderID == "" {
		o.ExchangeOrderID = eo.ExchangeOrderID
	}
	if eo.Filled > o.Filled {
		o.Filled = eo.Filled
	}
	if eo.AvgPrice > 0 {
		o.AvgPrice = eo.AvgPrice
	}
	if eo.Fee > o.Fee {
		o.Fee = eo.Fee
	}
	o.UpdatedAt = now
	if o.IsTerminal() {
		o.ClosedAt = now
	}
	return nil
}

// Reject finalizes an order the venue refused or that was confirmed absent.
func (o *Order) Reject(now time.Time) error {
	if o.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, OrderCanceled)
	}
	o.Status = OrderCanceled
	o.UpdatedAt = now
	o.ClosedAt = now
	return nil
}
