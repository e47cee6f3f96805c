package pricing

import (
	"context"
	"fmt"
	"time"

	"tradeEngine/internal/domain"
	"tradeEngine/internal/ports"

	"github.com/dgraph-io/ristretto"
)

// MarketData is the subset of the exchange the oracle reads.
type MarketData interface {
	FetchOrderBook(ctx context.Context, pair string, depth int) (*domain.OrderBook, error)
	FetchTicker(ctx context.Context, pair string) (*domain.Ticker, error)
}

// Oracle fetches market snapshots and caches the derived rates for a short TTL.
type Oracle struct {
	md     MarketData
	entry  Config
	exit   Config
	cache  *ristretto.Cache
	ttl    time.Duration
	logger ports.Logger
}

// NewOracle creates an Oracle. A zero ttl disables caching.
func NewOracle(md MarketData, entry, exit Config, ttl time.Duration, logger ports.Logger) (*Oracle, error) {
	if md == nil || logger == nil {
		return nil, fmt.Errorf("market data and logger are required for price oracle")
	}
	if err := entry.Validate(); err != nil {
		return nil, fmt.Errorf("entry pricing: %w", err)
	}
	if err := exit.Validate(); err != nil {
		return nil, fmt.Errorf("exit pricing: %w", err)
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 16,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rate cache: %w", err)
	}
	return &Oracle{md: md, entry: entry, exit: exit, cache: c, ttl: ttl, logger: logger}, nil
}

// EntryRate returns the entry rate for pair. refresh bypasses the cache.
func (o *Oracle) EntryRate(ctx context.Context, pair string, dir domain.Direction, refresh bool) (float64, error) {
	return o.get(ctx, pair, domain.SideEntry, dir, refresh)
}

// ExitRate returns the exit rate for pair. refresh bypasses the cache.
func (o *Oracle) ExitRate(ctx context.Context, pair string, dir domain.Direction, refresh bool) (float64, error) {
	return o.get(ctx, pair, domain.SideExit, dir, refresh)
}

// Close releases the cache.
func (o *Oracle) Close() { o.cache.Close() }

func (o *Oracle) get(ctx context.Context, pair string, side domain.OrderSide, dir domain.Direction, refresh bool) (float64, error) {
	key := fmt.Sprintf("%s|%s|%s", side, dir, pair)
	if !refresh && o.ttl > 0 {
		if v, ok := o.cache.Get(key); ok {
			o.logger.Debug(ctx, "Using cached rate", map[string]interface{}{"pair": pair, "side": side})
			return v.(float64), nil
		}
	}

	cfg := o.entry
	if side == domain.SideExit {
		cfg = o.exit
	}

	var (
		book   *domain.OrderBook
		ticker *domain.Ticker
		err    error
	)
	if cfg.UseOrderBook {
		book, err = o.md.FetchOrderBook(ctx, pair, cfg.top())
	} else {
		ticker, err = o.md.FetchTicker(ctx, pair)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %s market data for %s: %w", ports.ErrPricing, side, pair, err)
	}

	r, err := rate(cfg, side, dir, book, ticker)
	if err != nil {
		o.logger.Warn(ctx, "Rate could not be determined", map[string]interface{}{"pair": pair, "side": side, "error": err.Error()})
		return 0, err
	}
	if o.ttl > 0 {
		o.cache.SetWithTTL(key, r, 1, o.ttl)
	}
	return r, nil
}
