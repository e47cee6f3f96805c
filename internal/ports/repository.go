package ports

import (
	"context"
	"time"

	"tradeEngine/internal/domain"
)

// TradeRepository is the authoritative store for Trade/Order aggregates.
// All mutation goes through it; Update is transactional.
type TradeRepository interface {
	// Create persists a new trade with its initial orders and returns its ID.
	// Fails with ErrConflict if an active trade already exists for the pair.
	Create(ctx context.Context, trade *domain.Trade) (int64, error)
	// GetActiveByPair returns the open or unmanaged trade on pair.
	// Returns nil, nil if none exists.
	GetActiveByPair(ctx context.Context, pair string) (*domain.Trade, error)
	// FindByID returns nil, nil if not found.
	FindByID(ctx context.Context, id int64) (*domain.Trade, error)
	// Update loads the trade, applies mutate and persists the result atomically.
	// If mutate or validation fails, the stored record is left untouched.
	Update(ctx context.Context, id int64, mutate func(*domain.Trade) error) (*domain.Trade, error)
	// CloseTrade finalizes a flat trade with the given reason.
	CloseTrade(ctx context.Context, id int64, reason domain.ExitReason, at time.Time) (*domain.Trade, error)
	// ListOpen returns trades with status open.
	ListOpen(ctx context.Context) ([]*domain.Trade, error)
	// ListUnmanaged returns trades requiring manual action.
	ListUnmanaged(ctx context.Context) ([]*domain.Trade, error)
	// CountActive counts open and unmanaged trades.
	CountActive(ctx context.Context) (int, error)
	// LastClosedByPair returns the most recently closed trade on pair, or nil, nil.
	LastClosedByPair(ctx context.Context, pair string) (*domain.Trade, error)
	// ListClosed returns trades closed at or after since, oldest first.
	ListClosed(ctx context.Context, since time.Time) ([]*domain.Trade, error)
	// GetTotalProfit sums realized profit of closed trades.
	GetTotalProfit(ctx context.Context) (float64, error)
}
