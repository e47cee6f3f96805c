package strategy

import (
	"context"
	"testing"
	"time"

	"tradeEngine/internal/domain"
	"tradeEngine/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockStrategy struct {
	mock.Mock
}

func (m *mockStrategy) Name() string { return "mock" }

func (m *mockStrategy) ShouldEnter(ctx context.Context, snap domain.MarketSnapshot) (*ports.EntrySignal, error) {
	args := m.Called(ctx, snap)
	sig, _ := args.Get(0).(*ports.EntrySignal)
	return sig, args.Error(1)
}

type mockFullStrategy struct {
	mockStrategy
}

func (m *mockFullStrategy) ShouldExit(ctx context.Context, t *domain.Trade, snap domain.MarketSnapshot) (bool, string, error) {
	args := m.Called(ctx, t, snap)
	return args.Bool(0), args.String(1), args.Error(2)
}

func (m *mockFullStrategy) AdjustPosition(ctx context.Context, t *domain.Trade, snap domain.MarketSnapshot) (float64, error) {
	args := m.Called(ctx, t, snap)
	return args.Get(0).(float64), args.Error(1)
}

func (m *mockFullStrategy) CustomStoploss(ctx context.Context, t *domain.Trade, snap domain.MarketSnapshot) (float64, bool, error) {
	args := m.Called(ctx, t, snap)
	return args.Get(0).(float64), args.Bool(1), args.Error(2)
}

func TestGuard_Capabilities(t *testing.T) {
	g := NewGuard(&mockStrategy{}, time.Second, &mockLogger{})
	assert.False(t, g.HasExitSignal())
	assert.False(t, g.HasAdjustment())
	assert.False(t, g.HasCustomStoploss())
	_, _, ok := g.Candles()
	assert.False(t, ok)

	full := NewGuard(&mockFullStrategy{}, time.Second, &mockLogger{})
	assert.True(t, full.HasExitSignal())
	assert.True(t, full.HasAdjustment())
	assert.True(t, full.HasCustomStoploss())

	ma, err := NewMACross(smallConfig(), &mockLogger{})
	require.NoError(t, err)
	tf, n, ok := NewGuard(ma, 0, &mockLogger{}).Candles()
	assert.True(t, ok)
	assert.Equal(t, "1m", tf)
	assert.Equal(t, 6, n)
}

func TestGuard_PassesThrough(t *testing.T) {
	m := &mockFullStrategy{}
	sig := &ports.EntrySignal{Direction: domain.Long}
	m.On("ShouldEnter", mock.Anything, mock.Anything).Return(sig, nil)
	m.On("ShouldExit", mock.Anything, mock.Anything, mock.Anything).Return(true, "tp", nil)
	m.On("AdjustPosition", mock.Anything, mock.Anything, mock.Anything).Return(12.5, nil)
	m.On("CustomStoploss", mock.Anything, mock.Anything, mock.Anything).Return(-0.02, true, nil)

	g := NewGuard(m, time.Second, &mockLogger{})
	ctx := context.Background()
	tr := &domain.Trade{ID: 1}

	got, err := g.ShouldEnter(ctx, domain.MarketSnapshot{})
	require.NoError(t, err)
	assert.Same(t, sig, got)

	exit, tag, err := g.ShouldExit(ctx, tr, domain.MarketSnapshot{})
	require.NoError(t, err)
	assert.True(t, exit)
	assert.Equal(t, "tp", tag)

	delta, err := g.AdjustPosition(ctx, tr, domain.MarketSnapshot{})
	require.NoError(t, err)
	assert.Equal(t, 12.5, delta)

	ratio, ok, err := g.CustomStoploss(ctx, tr, domain.MarketSnapshot{})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, -0.02, ratio)
	m.AssertExpectations(t)
}

func TestGuard_Timeout(t *testing.T) {
	m := &mockStrategy{}
	m.On("ShouldEnter", mock.Anything, mock.Anything).
		After(200*time.Millisecond).
		Return(&ports.EntrySignal{}, nil)

	logger := &mockLogger{}
	g := NewGuard(m, 20*time.Millisecond, logger)
	start := time.Now()
	_, err := g.ShouldEnter(context.Background(), domain.MarketSnapshot{})
	assert.ErrorIs(t, err, ports.ErrCallbackTimeout)
	assert.Less(t, time.Since(start), 150*time.Millisecond)
	assert.Contains(t, logger.warnMsgs, "Strategy callback exceeded its budget")
}

func TestGuard_Panic(t *testing.T) {
	m := &mockStrategy{}
	m.On("ShouldEnter", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		panic("bad strategy")
	})
	g := NewGuard(m, time.Second, &mockLogger{})
	_, err := g.ShouldEnter(context.Background(), domain.MarketSnapshot{})
	assert.ErrorContains(t, err, "panicked")
}

func TestGuard_TradeIsCopied(t *testing.T) {
	m := &mockFullStrategy{}
	m.On("ShouldExit", mock.Anything, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		tr := args.Get(1).(*domain.Trade)
		tr.StopLoss = 1
		tr.Orders[0].Filled = 99
	}).Return(false, "", nil)

	tr := &domain.Trade{StopLoss: 95, Orders: []*domain.Order{{Filled: 1}}}
	g := NewGuard(m, time.Second, &mockLogger{})
	_, _, err := g.ShouldExit(context.Background(), tr, domain.MarketSnapshot{})
	require.NoError(t, err)
	assert.Equal(t, 95.0, tr.StopLoss)
	assert.Equal(t, 1.0, tr.Orders[0].Filled)
}
