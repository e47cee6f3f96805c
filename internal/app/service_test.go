package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"tradeEngine/internal/domain"
	"tradeEngine/internal/lifecycle"
	"tradeEngine/internal/ports"
	"tradeEngine/internal/reconcile"
	"tradeEngine/internal/supervisor"
)

// Mock implementations
type mockLogger struct {
	mu        sync.Mutex
	infoMsgs  []string
	warnMsgs  []string
	errorMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}

func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infoMsgs = append(m.infoMsgs, msg)
}

func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnMsgs = append(m.warnMsgs, msg)
}

func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorMsgs = append(m.errorMsgs, msg)
}

type mockSupervisor struct{ mock.Mock }

func (m *mockSupervisor) RunOnce(ctx context.Context) error { return m.Called(ctx).Error(0) }
func (m *mockSupervisor) Reload(ctx context.Context, s supervisor.Settings) error {
	return m.Called(ctx, s).Error(0)
}
func (m *mockSupervisor) StopEntries()         { m.Called() }
func (m *mockSupervisor) ResumeEntries()       { m.Called() }
func (m *mockSupervisor) EntriesStopped() bool { return m.Called().Bool(0) }
func (m *mockSupervisor) ForceExitAll()        { m.Called() }

type mockReconciler struct{ mock.Mock }

func (m *mockReconciler) Reconcile(ctx context.Context) (reconcile.Report, error) {
	args := m.Called(ctx)
	return args.Get(0).(reconcile.Report), args.Error(1)
}

type mockStoploss struct {
	ratio float64
	calls int
}

func (m *mockStoploss) SetStoplossRatio(r float64) {
	m.ratio = r
	m.calls++
}

type mockVenue struct {
	types       []domain.OrderType
	leverageErr error
	leverage    map[string]int
}

func (m *mockVenue) SupportedOrderTypes() []domain.OrderType { return m.types }
func (m *mockVenue) SetLeverage(ctx context.Context, pair string, leverage int) error {
	if m.leverageErr != nil {
		return m.leverageErr
	}
	if m.leverage == nil {
		m.leverage = make(map[string]int)
	}
	m.leverage[pair] = leverage
	return nil
}

type stubHistory struct {
	trades []*domain.Trade
	err    error
	since  time.Time
}

func (h *stubHistory) ListClosed(ctx context.Context, since time.Time) ([]*domain.Trade, error) {
	h.since = since
	return h.trades, h.err
}

type stubBalances struct {
	snap *domain.WalletSnapshot
	err  error
}

func (b *stubBalances) Fresh(ctx context.Context) (*domain.WalletSnapshot, error) {
	return b.snap, b.err
}

type harness struct {
	svc      *TradingService
	sup      *mockSupervisor
	rec      *mockReconciler
	stop     *mockStoploss
	venue    *mockVenue
	logger   *mockLogger
	history  *stubHistory
	balances *stubBalances
	loadErr  error
	loadedSL float64
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		sup:      &mockSupervisor{},
		rec:      &mockReconciler{},
		stop:     &mockStoploss{},
		venue:    &mockVenue{types: []domain.OrderType{domain.OrderTypeLimit, domain.OrderTypeMarket}},
		logger:   &mockLogger{},
		history:  &stubHistory{},
		balances: &stubBalances{snap: &domain.WalletSnapshot{Balances: map[string]domain.Balance{"USDT": {Free: 900, Total: 1000}}}},
		loadedSL: -0.07,
	}
	cfg := Config{
		Pairs:             []string{"BTC/USDT", "ETH/USDT"},
		StakeCurrency:     "USDT",
		OrderTypes:        lifecycle.OrderTypes{}.WithDefaults(),
		Leverage:          1,
		TickInterval:      time.Hour,
		ReconcileInterval: time.Hour,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	load := func(ctx context.Context) (Reloadable, error) {
		if h.loadErr != nil {
			return Reloadable{}, h.loadErr
		}
		return Reloadable{Settings: supervisor.Settings{Pairs: []string{"BTC/USDT"}}, StoplossRatio: h.loadedSL}, nil
	}
	svc, err := NewTradingService(cfg, h.logger, h.venue, h.sup, h.rec, h.stop, load, h.history, h.balances)
	require.NoError(t, err)
	h.svc = svc
	return h
}

func TestNewTradingService_Validation(t *testing.T) {
	_, err := NewTradingService(Config{TickInterval: time.Second, ReconcileInterval: time.Second}, &mockLogger{}, nil, nil, nil, nil, nil, nil, nil)
	assert.Error(t, err)

	load := func(ctx context.Context) (Reloadable, error) { return Reloadable{}, nil }
	_, err = NewTradingService(Config{}, &mockLogger{}, &mockVenue{}, &mockSupervisor{}, &mockReconciler{}, &mockStoploss{}, load, &stubHistory{}, &stubBalances{})
	assert.ErrorIs(t, err, ports.ErrConfigurationError)
}

func TestStart_UnsupportedOrderTypeAbortsStartup(t *testing.T) {
	h := newHarness(t, nil)
	h.venue.types = []domain.OrderType{domain.OrderTypeMarket}

	err := h.svc.Start(context.Background())
	require.Error(t, err)
	assert.True(t, ports.IsFatalConfig(err))
	h.rec.AssertNotCalled(t, "Reconcile", mock.Anything)
	h.sup.AssertNotCalled(t, "RunOnce", mock.Anything)
}

func TestStart_FuturesLeverage(t *testing.T) {
	tests := []struct {
		name        string
		leverageErr error
		wantErr     bool
	}{
		{name: "set for every pair"},
		{name: "failure aborts startup", leverageErr: fmt.Errorf("%w: leverage", ports.ErrInvalidRequest), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(c *Config) {
				c.Futures = true
				c.Leverage = 3
			})
			h.venue.leverageErr = tt.leverageErr
			h.rec.On("Reconcile", mock.Anything).Return(reconcile.Report{}, nil)

			err := h.svc.initialize(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				h.rec.AssertNotCalled(t, "Reconcile", mock.Anything)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, map[string]int{"BTC/USDT": 3, "ETH/USDT": 3}, h.venue.leverage)
			h.rec.AssertNumberOfCalls(t, "Reconcile", 1)
		})
	}
}

func TestStart_PersistenceFailureStops(t *testing.T) {
	tests := []struct {
		name      string
		recErr    error
		tickErr   error
		wantTicks int
	}{
		{name: "startup reconciliation", recErr: fmt.Errorf("%w: list open", ports.ErrQueryFailed)},
		{name: "tick", tickErr: fmt.Errorf("%w: update", ports.ErrUpdateFailed), wantTicks: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.rec.On("Reconcile", mock.Anything).Return(reconcile.Report{}, tt.recErr)
			h.sup.On("RunOnce", mock.Anything).Return(tt.tickErr)

			err := h.svc.Start(context.Background())
			require.Error(t, err)
			assert.True(t, ports.IsPersistence(err))
			h.sup.AssertNumberOfCalls(t, "RunOnce", tt.wantTicks)
		})
	}
}

func TestStart_NonFatalErrorsKeepRunning(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.TickInterval = 5 * time.Millisecond
		c.ReconcileInterval = 5 * time.Millisecond
	})
	h.rec.On("Reconcile", mock.Anything).Return(reconcile.Report{Unmanaged: 1}, errors.New("exchange down")).Maybe()
	h.sup.On("RunOnce", mock.Anything).Return(fmt.Errorf("%w: ticker", ports.ErrExchangeUnavailable))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, h.svc.Start(ctx))

	assert.Greater(t, len(h.sup.Calls), 1)
	assert.Contains(t, h.logger.errorMsgs, "Tick failed")
}

func TestHandleSignal(t *testing.T) {
	t.Run("reload swaps settings and stoploss", func(t *testing.T) {
		h := newHarness(t, nil)
		h.sup.On("Reload", mock.Anything, mock.MatchedBy(func(s supervisor.Settings) bool {
			return len(s.Pairs) == 1 && s.Pairs[0] == "BTC/USDT"
		})).Return(nil)

		assert.False(t, h.svc.handleSignal(context.Background(), syscall.SIGHUP))
		h.sup.AssertExpectations(t)
		assert.Equal(t, -0.07, h.stop.ratio)
	})

	t.Run("failed reload keeps configuration", func(t *testing.T) {
		h := newHarness(t, nil)
		h.loadErr = fmt.Errorf("%w: bad yaml", ports.ErrConfigurationError)

		assert.False(t, h.svc.handleSignal(context.Background(), syscall.SIGHUP))
		h.sup.AssertNotCalled(t, "Reload", mock.Anything, mock.Anything)
		assert.Zero(t, h.stop.calls)
		assert.Contains(t, h.logger.errorMsgs, "Reload failed, keeping current configuration")
	})

	t.Run("rejected settings leave stoploss alone", func(t *testing.T) {
		h := newHarness(t, nil)
		h.sup.On("Reload", mock.Anything, mock.Anything).Return(ports.ErrConfigurationError)

		assert.False(t, h.svc.handleSignal(context.Background(), syscall.SIGHUP))
		assert.Zero(t, h.stop.calls)
	})

	t.Run("toggle entries", func(t *testing.T) {
		h := newHarness(t, nil)
		h.sup.On("EntriesStopped").Return(false).Once()
		h.sup.On("StopEntries").Once()
		h.sup.On("EntriesStopped").Return(true).Once()
		h.sup.On("ResumeEntries").Once()

		assert.False(t, h.svc.handleSignal(context.Background(), syscall.SIGUSR1))
		assert.False(t, h.svc.handleSignal(context.Background(), syscall.SIGUSR1))
		h.sup.AssertExpectations(t)
	})

	t.Run("force exit all", func(t *testing.T) {
		h := newHarness(t, nil)
		h.sup.On("ForceExitAll").Once()

		assert.False(t, h.svc.handleSignal(context.Background(), syscall.SIGUSR2))
		h.sup.AssertExpectations(t)
	})

	t.Run("terminate", func(t *testing.T) {
		h := newHarness(t, nil)
		assert.True(t, h.svc.handleSignal(context.Background(), syscall.SIGTERM))
		assert.True(t, h.svc.handleSignal(context.Background(), syscall.SIGINT))
	})
}

func TestLoop_SignalStopsService(t *testing.T) {
	h := newHarness(t, nil)
	h.rec.On("Reconcile", mock.Anything).Return(reconcile.Report{}, nil)
	h.sup.On("RunOnce", mock.Anything).Return(nil)

	h.svc.signals <- syscall.SIGTERM
	done := make(chan error, 1)
	go func() { done <- h.svc.Start(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop on SIGTERM")
	}
}

func TestStop_LogsSessionPerformance(t *testing.T) {
	h := newHarness(t, nil)
	h.rec.On("Reconcile", mock.Anything).Return(reconcile.Report{}, nil)
	h.sup.On("RunOnce", mock.Anything).Return(nil)
	now := time.Now().UTC()
	h.history.trades = []*domain.Trade{{
		Pair: "BTC/USDT", Status: domain.StatusClosed, RealizedProfit: 12,
		OpenedAt: now, ClosedAt: now.Add(time.Minute), ExitReason: domain.ExitReasonROI,
	}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.svc.Start(ctx))

	assert.Equal(t, 1000.0, h.svc.startBalance)
	assert.False(t, h.history.since.IsZero())
	assert.Contains(t, h.logger.infoMsgs, "Session performance")
}

func TestStart_BalanceReadFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.balances.err = fmt.Errorf("%w: balance", ports.ErrExchangeUnavailable)
	h.rec.On("Reconcile", mock.Anything).Return(reconcile.Report{}, nil)

	require.NoError(t, h.svc.initialize(context.Background()))
	assert.Zero(t, h.svc.startBalance)
	assert.Contains(t, h.logger.warnMsgs, "Could not read starting balance")
}
