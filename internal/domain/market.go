package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PriceLevel is a single order-book level.
type PriceLevel struct {
	Price  float64
	Amount float64
}

// OrderBook is a depth snapshot; Bids descending, Asks ascending.
type OrderBook struct {
	Pair      string
	Bids      []PriceLevel
	Asks      []PriceLevel
	Timestamp time.Time
}

// Ticker is a top-of-book plus last trade snapshot.
type Ticker struct {
	Pair      string
	Bid       float64
	Ask       float64
	Last      float64
	Timestamp time.Time
}

// MarketRules holds the venue's lot and tick restrictions for a pair.
type MarketRules struct {
	Pair        string
	AmountStep  float64 // lot step size, 0 = unrestricted
	PriceTick   float64 // tick size, 0 = unrestricted
	MinAmount   float64
	MinNotional float64
}

// RoundAmount truncates amount down to the lot step.
func (m *MarketRules) RoundAmount(amount float64) float64 {
	return floorToStep(amount, m.AmountStep)
}

// RoundPrice rounds price to the nearest tick.
func (m *MarketRules) RoundPrice(price float64) float64 {
	if m.PriceTick <= 0 {
		return price
	}
	step := decimal.NewFromFloat(m.PriceTick)
	f, _ := decimal.NewFromFloat(price).Div(step).Round(0).Mul(step).Float64()
	return f
}

// RoundStoploss rounds a stop price so it never crosses the intended level:
// up for longs, down for shorts.
func (m *MarketRules) RoundStoploss(price float64, dir Direction) float64 {
	if m.PriceTick <= 0 {
		return price
	}
	step := decimal.NewFromFloat(m.PriceTick)
	q := decimal.NewFromFloat(price).Div(step)
	if dir == Long {
		q = q.Ceil()
	} else {
		q = q.Floor()
	}
	f, _ := q.Mul(step).Float64()
	return f
}

// CheckAmount reports whether amount at price satisfies venue minimums.
func (m *MarketRules) CheckAmount(amount, price float64) bool {
	if amount <= 0 || amount < m.MinAmount {
		return false
	}
	return m.MinNotional <= 0 || amount*price >= m.MinNotional
}

func floorToStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	s := decimal.NewFromFloat(step)
	f, _ := decimal.NewFromFloat(v).Div(s).Floor().Mul(s).Float64()
	return f
}

// SplitPair splits "BASE/QUOTE" into its currencies.
func SplitPair(pair string) (base, quote string) {
	parts := strings.SplitN(pair, "/", 2)
	if len(parts) != 2 {
		return pair, ""
	}
	// futures pairs may carry a settle suffix, e.g. "BTC/USDT:USDT"
	quote, _, _ = strings.Cut(parts[1], ":")
	return parts[0], quote
}
