package paper

import (
	"context"
	"sync"
	"time"

	"tradeEngine/internal/domain"
	"tradeEngine/internal/ports"
)

// Operation names accepted by Faulty.
const (
	OpPlace        = "PlaceOrder"
	OpCancel       = "CancelOrder"
	OpFetch        = "FetchOrder"
	OpFetchClient  = "FetchOrderByClientID"
	OpFetchRecent  = "FetchRecentOrders"
	OpFetchBalance = "FetchBalance"
)

type fault struct {
	err       error
	afterCall bool // the call reaches the venue, only the reply is lost
}

// Faulty wraps an ExchangeClient and injects failures per operation. It is used
// for chaos drills in dry-run and for exercising recovery paths.
type Faulty struct {
	ports.ExchangeClient

	mu     sync.Mutex
	faults map[string][]fault
	calls  map[string]int
}

// NewFaulty wraps inner.
func NewFaulty(inner ports.ExchangeClient) *Faulty {
	return &Faulty{
		ExchangeClient: inner,
		faults:         make(map[string][]fault),
		calls:          make(map[string]int),
	}
}

// FailNext makes the next call of op fail with err before reaching the venue.
func (f *Faulty) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[op] = append(f.faults[op], fault{err: err})
}

// LoseNextReply lets the next call of op reach the venue, then returns err.
func (f *Faulty) LoseNextReply(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[op] = append(f.faults[op], fault{err: err, afterCall: true})
}

// Calls returns how many times op was invoked.
func (f *Faulty) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Faulty) next(op string) (fault, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	q := f.faults[op]
	if len(q) == 0 {
		return fault{}, false
	}
	f.faults[op] = q[1:]
	return q[0], true
}

func (f *Faulty) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*domain.ExchangeOrder, error) {
	ft, ok := f.next(OpPlace)
	if ok && !ft.afterCall {
		return nil, ft.err
	}
	eo, err := f.ExchangeClient.PlaceOrder(ctx, req)
	if ok {
		return nil, ft.err
	}
	return eo, err
}

func (f *Faulty) CancelOrder(ctx context.Context, pair, id string) (*domain.ExchangeOrder, error) {
	ft, ok := f.next(OpCancel)
	if ok && !ft.afterCall {
		return nil, ft.err
	}
	eo, err := f.ExchangeClient.CancelOrder(ctx, pair, id)
	if ok {
		return nil, ft.err
	}
	return eo, err
}

func (f *Faulty) FetchOrder(ctx context.Context, pair, id string) (*domain.ExchangeOrder, error) {
	if ft, ok := f.next(OpFetch); ok {
		return nil, ft.err
	}
	return f.ExchangeClient.FetchOrder(ctx, pair, id)
}

func (f *Faulty) FetchOrderByClientID(ctx context.Context, pair, clientID string) (*domain.ExchangeOrder, error) {
	if ft, ok := f.next(OpFetchClient); ok {
		return nil, ft.err
	}
	return f.ExchangeClient.FetchOrderByClientID(ctx, pair, clientID)
}

func (f *Faulty) FetchRecentOrders(ctx context.Context, pair string, since time.Time) ([]*domain.ExchangeOrder, error) {
	if ft, ok := f.next(OpFetchRecent); ok {
		return nil, ft.err
	}
	return f.ExchangeClient.FetchRecentOrders(ctx, pair, since)
}

func (f *Faulty) FetchBalance(ctx context.Context) (map[string]domain.Balance, error) {
	if ft, ok := f.next(OpFetchBalance); ok {
		return nil, ft.err
	}
	return f.ExchangeClient.FetchBalance(ctx)
}
