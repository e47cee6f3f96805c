package ports

import (
	"context"
	"time"

	"tradeEngine/internal/domain"
)

// OrderRequest is a normalized order submission.
type OrderRequest struct {
	Pair          string
	Action        domain.Action
	Type          domain.OrderType
	Amount        float64
	Price         float64 // limit price; trigger price for stoploss orders
	ClientOrderID string  // idempotency key
	ReduceOnly    bool
}

// ExchangeClient defines the interface for interacting with one trading venue.
type ExchangeClient interface {
	// PlaceOrder submits a new order. NOT safe to retry blindly: after an ambiguous
	// failure callers must look the order up by ClientOrderID first.
	PlaceOrder(ctx context.Context, req OrderRequest) (*domain.ExchangeOrder, error)

	// CancelOrder requests cancellation. Idempotent; fails with ErrOrderNotFound or
	// ErrOrderAlreadyFilled. A successful return does not mean the order is canceled.
	CancelOrder(ctx context.Context, pair, exchangeOrderID string) (*domain.ExchangeOrder, error)

	// FetchOrder returns the current venue state of an order. Idempotent.
	FetchOrder(ctx context.Context, pair, exchangeOrderID string) (*domain.ExchangeOrder, error)

	// FetchOrderByClientID looks an order up by its idempotency key. Idempotent.
	FetchOrderByClientID(ctx context.Context, pair, clientOrderID string) (*domain.ExchangeOrder, error)

	// FetchRecentOrders lists orders on pair created since the given time. Idempotent.
	FetchRecentOrders(ctx context.Context, pair string, since time.Time) ([]*domain.ExchangeOrder, error)

	// FetchBalance returns balances per currency. Idempotent.
	FetchBalance(ctx context.Context) (map[string]domain.Balance, error)

	// FetchOrderBook returns a depth snapshot. Idempotent.
	FetchOrderBook(ctx context.Context, pair string, depth int) (*domain.OrderBook, error)

	// FetchTicker returns best bid/ask and last price. Idempotent.
	FetchTicker(ctx context.Context, pair string) (*domain.Ticker, error)

	// GetKlines retrieves historical klines. Idempotent.
	GetKlines(ctx context.Context, pair, interval string, limit int) ([]*domain.Kline, error)

	// MarketRules returns lot/tick restrictions for pair. Idempotent.
	MarketRules(ctx context.Context, pair string) (*domain.MarketRules, error)

	// SupportedOrderTypes lists the venue-executable order types.
	SupportedOrderTypes() []domain.OrderType

	// SetLeverage sets leverage for a pair on margin venues. Idempotent.
	SetLeverage(ctx context.Context, pair string, leverage int) error
}
