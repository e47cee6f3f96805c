// Package pricing derives entry and exit rates from order-book or ticker
// snapshots according to a configured pricing policy.
package pricing

import (
	"fmt"

	"tradeEngine/internal/domain"
	"tradeEngine/internal/ports"
)

// Price sides accepted in Config.PriceSide.
const (
	SideBid   = "bid"
	SideAsk   = "ask"
	SideSame  = "same"
	SideOther = "other"
)

// Config is the pricing policy for one order side.
type Config struct {
	PriceSide        string  `yaml:"price_side"`
	UseOrderBook     bool    `yaml:"use_order_book"`
	OrderBookTop     int     `yaml:"order_book_top"`
	PriceLastBalance float64 `yaml:"price_last_balance"`
}

// Validate checks the policy values.
func (c Config) Validate() error {
	switch c.PriceSide {
	case SideBid, SideAsk, SideSame, SideOther:
	default:
		return fmt.Errorf("%w: price_side must be one of bid, ask, same, other (got %q)", ports.ErrConfigurationError, c.PriceSide)
	}
	if c.UseOrderBook && c.OrderBookTop < 1 {
		return fmt.Errorf("%w: order_book_top must be >= 1", ports.ErrConfigurationError)
	}
	if c.PriceLastBalance < 0 || c.PriceLastBalance > 1 {
		return fmt.Errorf("%w: price_last_balance must be within [0, 1]", ports.ErrConfigurationError)
	}
	return nil
}

func (c Config) top() int {
	if c.OrderBookTop < 1 {
		return 1
	}
	return c.OrderBookTop
}

// BookSide resolves same/other into bid or ask for the given order side and direction.
func BookSide(cfg Config, side domain.OrderSide, dir domain.Direction) string {
	if cfg.PriceSide != SideSame && cfg.PriceSide != SideOther {
		return cfg.PriceSide
	}
	// "same" is the side of the book the order would rest on.
	restsOnBid := (side == domain.SideEntry) == (dir == domain.Long)
	same := cfg.PriceSide == SideSame
	if restsOnBid == same {
		return SideBid
	}
	return SideAsk
}

// EntryRate returns the entry rate for dir. book is consulted when the policy
// uses the order book, ticker otherwise.
func EntryRate(cfg Config, dir domain.Direction, book *domain.OrderBook, ticker *domain.Ticker) (float64, error) {
	return rate(cfg, domain.SideEntry, dir, book, ticker)
}

// ExitRate returns the exit rate for dir.
func ExitRate(cfg Config, dir domain.Direction, book *domain.OrderBook, ticker *domain.Ticker) (float64, error) {
	return rate(cfg, domain.SideExit, dir, book, ticker)
}

func rate(cfg Config, side domain.OrderSide, dir domain.Direction, book *domain.OrderBook, ticker *domain.Ticker) (float64, error) {
	bookSide := BookSide(cfg, side, dir)

	var r float64
	if cfg.UseOrderBook {
		if book == nil {
			return 0, fmt.Errorf("%w: no order book", ports.ErrPricing)
		}
		levels := book.Asks
		if bookSide == SideBid {
			levels = book.Bids
		}
		idx := cfg.top() - 1
		if idx >= len(levels) {
			return 0, fmt.Errorf("%w: %s %s price at depth %d not available (book has %d levels)",
				ports.ErrPricing, book.Pair, side, cfg.top(), len(levels))
		}
		r = levels[idx].Price
	} else {
		if ticker == nil {
			return 0, fmt.Errorf("%w: no ticker", ports.ErrPricing)
		}
		r = ticker.Ask
		if bookSide == SideBid {
			r = ticker.Bid
		}
		last := ticker.Last
		if last > 0 && r > 0 {
			switch {
			case side == domain.SideEntry && r > last:
				r += cfg.PriceLastBalance * (last - r)
			case side == domain.SideExit && r < last:
				r -= cfg.PriceLastBalance * (r - last)
			}
		}
	}
	if r <= 0 {
		return 0, fmt.Errorf("%w: %s rate could not be determined", ports.ErrPricing, side)
	}
	return r, nil
}
