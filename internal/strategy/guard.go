package strategy

import (
	"context"
	"fmt"
	"time"

	"tradeEngine/internal/domain"
	"tradeEngine/internal/ports"
)

// Guard runs strategy callbacks with a time budget. Capabilities are resolved
// once, when the guard is built.
type Guard struct {
	s       ports.Strategy
	exit    ports.ExitSignaler
	adjust  ports.PositionAdjuster
	stop    ports.StoplossCustomizer
	candles ports.CandleConsumer
	timeout time.Duration
	logger  ports.Logger
}

// NewGuard wraps s. A zero timeout means callbacks are not bounded.
func NewGuard(s ports.Strategy, timeout time.Duration, logger ports.Logger) *Guard {
	g := &Guard{s: s, timeout: timeout, logger: logger}
	g.exit, _ = s.(ports.ExitSignaler)
	g.adjust, _ = s.(ports.PositionAdjuster)
	g.stop, _ = s.(ports.StoplossCustomizer)
	g.candles, _ = s.(ports.CandleConsumer)
	return g
}

func (g *Guard) Name() string { return g.s.Name() }

// Candles reports the timeframe and depth a candle-consuming strategy needs.
func (g *Guard) Candles() (timeframe string, n int, ok bool) {
	if g.candles == nil {
		return "", 0, false
	}
	return g.candles.Timeframe(), g.candles.RequiredDataPoints(), true
}

func (g *Guard) HasExitSignal() bool     { return g.exit != nil }
func (g *Guard) HasAdjustment() bool     { return g.adjust != nil }
func (g *Guard) HasCustomStoploss() bool { return g.stop != nil }

func (g *Guard) ShouldEnter(ctx context.Context, snap domain.MarketSnapshot) (*ports.EntrySignal, error) {
	return call(ctx, g, "ShouldEnter", func(ctx context.Context) (*ports.EntrySignal, error) {
		return g.s.ShouldEnter(ctx, snap)
	})
}

// ShouldExit is only valid when HasExitSignal is true. The trade passed to the
// strategy is a copy.
func (g *Guard) ShouldExit(ctx context.Context, t *domain.Trade, snap domain.MarketSnapshot) (bool, string, error) {
	type res struct {
		exit bool
		tag  string
	}
	cp := t.Clone()
	r, err := call(ctx, g, "ShouldExit", func(ctx context.Context) (res, error) {
		exit, tag, err := g.exit.ShouldExit(ctx, cp, snap)
		return res{exit, tag}, err
	})
	return r.exit, r.tag, err
}

// AdjustPosition is only valid when HasAdjustment is true.
func (g *Guard) AdjustPosition(ctx context.Context, t *domain.Trade, snap domain.MarketSnapshot) (float64, error) {
	cp := t.Clone()
	return call(ctx, g, "AdjustPosition", func(ctx context.Context) (float64, error) {
		return g.adjust.AdjustPosition(ctx, cp, snap)
	})
}

// CustomStoploss is only valid when HasCustomStoploss is true.
func (g *Guard) CustomStoploss(ctx context.Context, t *domain.Trade, snap domain.MarketSnapshot) (float64, bool, error) {
	type res struct {
		ratio float64
		ok    bool
	}
	cp := t.Clone()
	r, err := call(ctx, g, "CustomStoploss", func(ctx context.Context) (res, error) {
		ratio, ok, err := g.stop.CustomStoploss(ctx, cp, snap)
		return res{ratio, ok}, err
	})
	return r.ratio, r.ok, err
}

type outcome[T any] struct {
	v   T
	err error
}

func call[T any](ctx context.Context, g *Guard, name string, fn func(context.Context) (T, error)) (T, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	done := make(chan outcome[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				done <- outcome[T]{zero, fmt.Errorf("strategy %s.%s panicked: %v", g.s.Name(), name, r)}
			}
		}()
		v, err := fn(ctx)
		done <- outcome[T]{v, err}
	}()

	select {
	case o := <-done:
		return o.v, o.err
	case <-ctx.Done():
		var zero T
		g.logger.Warn(ctx, "Strategy callback exceeded its budget", map[string]interface{}{
			"strategy": g.s.Name(), "callback": name, "timeout": g.timeout.String(),
		})
		return zero, fmt.Errorf("%w: %s.%s: %w", ports.ErrCallbackTimeout, g.s.Name(), name, ctx.Err())
	}
}
