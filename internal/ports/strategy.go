package ports

import (
	"context"

	"tradeEngine/internal/domain"
)

// EntrySignal is a strategy's request to open a trade.
type EntrySignal struct {
	Direction domain.Direction
	Tag       string
}

// Strategy is the required capability of every strategy.
type Strategy interface {
	Name() string
	// ShouldEnter returns nil when no entry is wanted.
	ShouldEnter(ctx context.Context, snap domain.MarketSnapshot) (*EntrySignal, error)
}

// ExitSignaler is an optional capability providing custom exit signals.
type ExitSignaler interface {
	ShouldExit(ctx context.Context, trade *domain.Trade, snap domain.MarketSnapshot) (bool, string, error)
}

// PositionAdjuster is an optional capability for growing or shrinking a trade.
// A positive stake buys more, a negative stake exits part of the position, zero does nothing.
type PositionAdjuster interface {
	AdjustPosition(ctx context.Context, trade *domain.Trade, snap domain.MarketSnapshot) (float64, error)
}

// StoplossCustomizer is an optional capability returning a stop ratio (negative,
// relative to the current rate). Returning ok=false keeps the configured stop.
type StoplossCustomizer interface {
	CustomStoploss(ctx context.Context, trade *domain.Trade, snap domain.MarketSnapshot) (ratio float64, ok bool, err error)
}

// CandleConsumer is an optional capability for strategies that need klines.
type CandleConsumer interface {
	Timeframe() string
	RequiredDataPoints() int
}
