package reconcile

import (
	"math"
	"time"

	"tradeEngine/internal/domain"
)

// Policy bounds how a lost order may be matched to a venue order.
type Policy struct {
	AmountTolerance float64       // relative; score reaches 0 at this deviation
	TimeWindow      time.Duration // score reaches 0 at this distance from creation
	PriceTolerance  float64       // relative
	Threshold       float64       // minimum confidence to accept a signature match
}

// DefaultPolicy accepts only close signature matches.
func DefaultPolicy() Policy {
	return Policy{
		AmountTolerance: 0.01,
		TimeWindow:      10 * time.Minute,
		PriceTolerance:  0.02,
		Threshold:       0.8,
	}
}

const (
	weightAmount = 0.5
	weightTime   = 0.3
	weightPrice  = 0.2
)

// Match is the outcome of MatchOrder.
type Match struct {
	Order      *domain.ExchangeOrder
	Confidence float64
	Exact      bool // matched on exchange or client order id
}

// MatchOrder picks the venue order that corresponds to local among candidates.
// An id match wins outright with confidence 1. Otherwise candidates on the same
// action are scored on amount, time and price; the best is accepted only if it
// reaches the threshold and no other candidate does.
func MatchOrder(local *domain.Order, action domain.Action, candidates []*domain.ExchangeOrder, p Policy) (Match, bool) {
	for _, c := range candidates {
		if (local.ExchangeOrderID != "" && c.ExchangeOrderID == local.ExchangeOrderID) ||
			(local.ClientOrderID != "" && c.ClientOrderID == local.ClientOrderID) {
			return Match{Order: c, Confidence: 1, Exact: true}, true
		}
	}

	var best Match
	qualified := 0
	for _, c := range candidates {
		if c.Action != action {
			continue
		}
		score := Score(local, c, p)
		if score >= p.Threshold {
			qualified++
		}
		if score > best.Confidence {
			best = Match{Order: c, Confidence: score}
		}
	}
	if best.Order == nil || best.Confidence < p.Threshold || qualified > 1 {
		return best, false
	}
	return best, true
}

// Score rates how well c resembles local, in [0, 1].
func Score(local *domain.Order, c *domain.ExchangeOrder, p Policy) float64 {
	amount := closeness(relDiff(local.Amount, c.Amount), p.AmountTolerance)

	var dt float64
	if p.TimeWindow > 0 {
		dt = math.Abs(float64(c.Timestamp.Sub(local.CreatedAt))) / float64(p.TimeWindow)
	}
	timeScore := closeness(dt, 1)

	cp := c.Price
	if cp <= 0 {
		cp = c.AvgPrice
	}
	price := 0.0
	if local.Price > 0 && cp > 0 {
		price = closeness(relDiff(local.Price, cp), p.PriceTolerance)
	}
	return weightAmount*amount + weightTime*timeScore + weightPrice*price
}

func relDiff(a, b float64) float64 {
	if a == 0 {
		return math.Inf(1)
	}
	return math.Abs(a-b) / math.Abs(a)
}

// closeness maps a deviation to 1 at zero and 0 at or beyond tol.
func closeness(dev, tol float64) float64 {
	if tol <= 0 {
		if dev == 0 {
			return 1
		}
		return 0
	}
	return math.Max(0, 1-dev/tol)
}
