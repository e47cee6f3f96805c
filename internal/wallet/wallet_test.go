package wallet

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tradeEngine/internal/domain"
	"tradeEngine/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type countingSource struct {
	calls atomic.Int32
	free  float64
	err   error
}

func (c *countingSource) FetchBalance(ctx context.Context) (map[string]domain.Balance, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return map[string]domain.Balance{"USDT": {Free: c.free, Total: c.free}}, nil
}

func TestSnapshot_IntervalGate(t *testing.T) {
	src := &countingSource{free: 100}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w := New(src, time.Minute, &mockLogger{}, func() time.Time { return now })
	ctx := context.Background()

	_, err := w.Snapshot(ctx)
	require.NoError(t, err)
	_, err = w.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.calls.Load())

	_, err = w.Fresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.calls.Load(), "fresh bypasses the gate")

	now = now.Add(2 * time.Minute)
	_, err = w.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(3), src.calls.Load())
}

func TestReserve(t *testing.T) {
	src := &countingSource{free: 100}
	w := New(src, time.Minute, &mockLogger{}, nil)
	ctx := context.Background()

	release, err := w.Reserve(ctx, "USDT", 60)
	require.NoError(t, err)
	_, err = w.Reserve(ctx, "USDT", 60)
	assert.ErrorIs(t, err, ports.ErrInsufficientFunds)

	avail, err := w.Available(ctx, "USDT")
	require.NoError(t, err)
	assert.InDelta(t, 40, avail, 1e-9)

	release()
	release()
	assert.Zero(t, w.Reserved("USDT"))
	_, err = w.Reserve(ctx, "USDT", 60)
	assert.NoError(t, err)
}

func TestReserve_Concurrent(t *testing.T) {
	src := &countingSource{free: 100}
	w := New(src, time.Minute, &mockLogger{}, nil)

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := w.Reserve(context.Background(), "USDT", 30); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(3), ok.Load())
}

func TestFresh_Error(t *testing.T) {
	boom := errors.New("boom")
	w := New(&countingSource{err: boom}, time.Minute, &mockLogger{}, nil)
	_, err := w.Fresh(context.Background())
	assert.ErrorIs(t, err, boom)
}

type gatedSource struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
	aborted atomic.Bool
}

func (g *gatedSource) FetchBalance(ctx context.Context) (map[string]domain.Balance, error) {
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
		return map[string]domain.Balance{"USDT": {Free: 50, Total: 50}}, nil
	case <-ctx.Done():
		g.aborted.Store(true)
		return nil, ctx.Err()
	}
}

func TestFresh_CanceledCallerDoesNotAbortSharedRead(t *testing.T) {
	src := &gatedSource{started: make(chan struct{}), release: make(chan struct{})}
	w := New(src, time.Minute, &mockLogger{}, nil)

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := w.Fresh(leaderCtx)
		leaderErr <- err
	}()
	<-src.started
	cancel()
	assert.ErrorIs(t, <-leaderErr, context.Canceled)

	type result struct {
		snap *domain.WalletSnapshot
		err  error
	}
	joined := make(chan result, 1)
	go func() {
		snap, err := w.Fresh(context.Background())
		joined <- result{snap, err}
	}()
	close(src.release)

	res := <-joined
	require.NoError(t, res.err)
	assert.InDelta(t, 50, res.snap.Free("USDT"), 1e-9)
	assert.False(t, src.aborted.Load())
}
