// Package wallet keeps the process-wide balance snapshot.
//
// Reads through Snapshot are served from cache and refreshed at most once per
// interval. Fresh always reads the exchange and is used immediately before
// order submission. Reserve adds an overdraft guard for concurrent submissions.
package wallet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradeEngine/internal/domain"
	"tradeEngine/internal/ports"

	"golang.org/x/sync/singleflight"
)

const freshTimeout = 30 * time.Second

// BalanceSource is the exchange call the wallet reads from.
type BalanceSource interface {
	FetchBalance(ctx context.Context) (map[string]domain.Balance, error)
}

// Wallet caches balances and tracks reservations of in-flight submissions.
type Wallet struct {
	src      BalanceSource
	interval time.Duration
	clock    func() time.Time
	logger   ports.Logger

	group singleflight.Group

	mu       sync.Mutex
	snap     *domain.WalletSnapshot
	reserved map[string]float64
}

// New creates a Wallet. clock may be nil.
func New(src BalanceSource, interval time.Duration, logger ports.Logger, clock func() time.Time) *Wallet {
	if clock == nil {
		clock = time.Now
	}
	return &Wallet{
		src:      src,
		interval: interval,
		clock:    clock,
		logger:   logger,
		reserved: make(map[string]float64),
	}
}

// Snapshot returns the cached snapshot, refreshing it once the interval elapsed.
func (w *Wallet) Snapshot(ctx context.Context) (*domain.WalletSnapshot, error) {
	w.mu.Lock()
	snap := w.snap
	w.mu.Unlock()
	if snap != nil && w.clock().Sub(snap.UpdatedAt) < w.interval {
		return snap, nil
	}
	return w.Fresh(ctx)
}

// Fresh reads balances from the exchange, bypassing the interval gate.
// Concurrent callers share one request; each stops waiting when its own ctx
// is done.
func (w *Wallet) Fresh(ctx context.Context) (*domain.WalletSnapshot, error) {
	ch := w.group.DoChan("balance", func() (interface{}, error) {
		// shared by all callers, so it outlives any one of them
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), freshTimeout)
		defer cancel()
		bal, err := w.src.FetchBalance(fctx)
		if err != nil {
			return nil, err
		}
		snap := &domain.WalletSnapshot{Balances: bal, UpdatedAt: w.clock()}
		w.mu.Lock()
		w.snap = snap
		w.mu.Unlock()
		return snap, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			w.logger.Warn(ctx, "Wallet refresh failed", map[string]interface{}{"error": res.Err.Error()})
			return nil, fmt.Errorf("wallet refresh failed: %w", res.Err)
		}
		return res.Val.(*domain.WalletSnapshot), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Available returns free balance minus outstanding reservations, from the
// cached snapshot.
func (w *Wallet) Available(ctx context.Context, currency string) (float64, error) {
	snap, err := w.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return snap.Free(currency) - w.reserved[currency], nil
}

// Reserve sets amount of currency aside for a submission after a fresh read.
// The returned release func must be called once the submission has completed.
func (w *Wallet) Reserve(ctx context.Context, currency string, amount float64) (func(), error) {
	snap, err := w.Fresh(ctx)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	avail := snap.Free(currency) - w.reserved[currency]
	if amount > avail {
		return nil, fmt.Errorf("%w: need %.8f %s, available %.8f", ports.ErrInsufficientFunds, amount, currency, avail)
	}
	w.reserved[currency] += amount

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			w.reserved[currency] -= amount
			if w.reserved[currency] <= domain.AmountEpsilon {
				delete(w.reserved, currency)
			}
			w.mu.Unlock()
		})
	}, nil
}

// Reserved returns the outstanding reservation for currency.
func (w *Wallet) Reserved(currency string) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reserved[currency]
}
