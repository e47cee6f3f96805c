package supervisor

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tradeEngine/internal/adapters/paper"
	"tradeEngine/internal/adapters/sqlite"
	"tradeEngine/internal/domain"
	"tradeEngine/internal/lifecycle"
	"tradeEngine/internal/pairlock"
	"tradeEngine/internal/ports"
	"tradeEngine/internal/pricing"
	"tradeEngine/internal/risk"
	"tradeEngine/internal/strategy"
	"tradeEngine/internal/wallet"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []ports.Alert
}

func (n *recordingNotifier) Notify(ctx context.Context, a ports.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return nil
}

func (n *recordingNotifier) count(kind ports.AlertKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, a := range n.alerts {
		if a.Kind == kind {
			c++
		}
	}
	return c
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// stubStrategy always wants to enter long.
type stubStrategy struct{}

func (s *stubStrategy) Name() string { return "stub" }
func (s *stubStrategy) ShouldEnter(ctx context.Context, snap domain.MarketSnapshot) (*ports.EntrySignal, error) {
	return &ports.EntrySignal{Direction: domain.Long, Tag: "stub_entry"}, nil
}

// exitingStrategy also always wants to exit.
type exitingStrategy struct{ stubStrategy }

func (s *exitingStrategy) ShouldExit(ctx context.Context, t *domain.Trade, snap domain.MarketSnapshot) (bool, string, error) {
	return true, "stub_exit", nil
}

const pair = "BTC/USDT"

type fixture struct {
	ctx      context.Context
	clock    *fakeClock
	repo     *sqlite.Repository
	venue    *paper.Exchange
	notifier *recordingNotifier
	sup      *Supervisor
}

type options struct {
	strategy  ports.Strategy
	risk      func(*risk.RiskConfig)
	entrySide string
	timeouts  lifecycle.Timeouts
	lifecycle func(*lifecycle.Config)
}

// newFixture wires a supervisor over a paper venue holding 100 USDT with
// bid 99 / ask 100. Exits price at the ask.
func newFixture(t *testing.T, opts options) *fixture {
	t.Helper()
	logger := &mockLogger{}
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}

	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: filepath.Join(t.TempDir(), "trades.db"), Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	venue, err := paper.New(paper.Config{
		Logger:          logger,
		FeeRate:         0.001,
		StartingBalance: map[string]float64{"USDT": 100},
		Clock:           clock.Now,
	})
	require.NoError(t, err)
	venue.SetPrice(pair, 99, 100)

	if opts.entrySide == "" {
		opts.entrySide = pricing.SideOther
	}
	oracle, err := pricing.NewOracle(venue,
		pricing.Config{PriceSide: opts.entrySide},
		pricing.Config{PriceSide: pricing.SideSame},
		0, logger)
	require.NoError(t, err)
	t.Cleanup(oracle.Close)

	rc := risk.RiskConfig{
		StakeAmount:   30,
		StakeCurrency: "USDT",
		MaxOpenTrades: 3,
		MinimalROI:    map[string]float64{"0": 10},
		StopLoss:      -0.05,
	}
	if opts.risk != nil {
		opts.risk(&rc)
	}
	rm, err := risk.NewRiskManager(rc)
	require.NoError(t, err)

	w := wallet.New(venue, time.Minute, logger, clock.Now)
	n := &recordingNotifier{}
	timeouts := opts.timeouts
	if timeouts.Entry == 0 {
		timeouts.Entry, timeouts.Exit = 10*time.Minute, 10*time.Minute
	}
	lcfg := lifecycle.Config{
		Timeouts:      timeouts,
		StoplossRatio: rc.StopLoss,
		StakeCurrency: "USDT",
		RetryMin:      time.Millisecond,
		RetryMax:      2 * time.Millisecond,
		Clock:         clock.Now,
	}
	if opts.lifecycle != nil {
		opts.lifecycle(&lcfg)
	}
	lc, err := lifecycle.NewManager(lcfg, repo, venue, oracle, w, n, logger)
	require.NoError(t, err)

	strat := opts.strategy
	if strat == nil {
		strat = &stubStrategy{}
	}
	sup, err := New(
		Config{Workers: 2, StakeCurrency: "USDT", Clock: clock.Now},
		Settings{Pairs: []string{pair}, Risk: rm, Strategy: strategy.NewGuard(strat, time.Second, logger)},
		lc, repo, venue, oracle, w, pairlock.New(), nil, n, logger,
	)
	require.NoError(t, err)

	return &fixture{ctx: context.Background(), clock: clock, repo: repo, venue: venue, notifier: n, sup: sup}
}

func (f *fixture) active(t *testing.T) *domain.Trade {
	t.Helper()
	tr, err := f.repo.GetActiveByPair(f.ctx, pair)
	require.NoError(t, err)
	return tr
}

func TestRunOnce_SingleEntryPerPair(t *testing.T) {
	f := newFixture(t, options{})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.sup.RunOnce(f.ctx))
		}()
	}
	wg.Wait()

	tr := f.active(t)
	require.NotNil(t, tr)
	require.Len(t, tr.Orders, 1)
	entry := tr.Orders[0]
	assert.LessOrEqual(t, entry.Amount*entry.Price, 30+1e-9)
	assert.Equal(t, 1, f.venue.OrderCount())
	assert.Equal(t, "stub_entry", tr.EntryTag)

	n, err := f.repo.CountActive(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRunOnce_StoplossBeforeROI(t *testing.T) {
	f := newFixture(t, options{risk: func(c *risk.RiskConfig) {
		c.MinimalROI = map[string]float64{"0": -0.5}
	}})
	require.NoError(t, f.sup.RunOnce(f.ctx))
	tr := f.active(t)
	require.NotNil(t, tr)
	assert.InDelta(t, 95.0, tr.StopLoss, 1e-9)

	f.venue.SetPrice(pair, 93.5, 94)
	require.NoError(t, f.sup.RunOnce(f.ctx))

	closed, err := f.repo.FindByID(f.ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, closed.Status)
	assert.Equal(t, domain.ExitReasonStoploss, closed.ExitReason)
	exit := closed.Orders[len(closed.Orders)-1]
	assert.Equal(t, domain.OrderTypeMarket, exit.Type)
}

func TestRunOnce_TrailingStopNeverLoosens(t *testing.T) {
	f := newFixture(t, options{risk: func(c *risk.RiskConfig) { c.TrailingStop = true }})
	require.NoError(t, f.sup.RunOnce(f.ctx))
	tr := f.active(t)
	require.NotNil(t, tr)

	prices := []float64{102, 110, 106, 108, 112, 107}
	prev := tr.StopLoss
	for _, p := range prices {
		f.venue.SetPrice(pair, p-0.1, p)
		require.NoError(t, f.sup.RunOnce(f.ctx))
		cur, err := f.repo.FindByID(f.ctx, tr.ID)
		require.NoError(t, err)
		require.Equal(t, domain.StatusOpen, cur.Status, "price %v", p)
		assert.GreaterOrEqual(t, cur.StopLoss, prev, "price %v", p)
		prev = cur.StopLoss
	}
	assert.InDelta(t, 112*0.95, prev, 1e-9)

	cur, err := f.repo.FindByID(f.ctx, tr.ID)
	require.NoError(t, err)
	assert.True(t, cur.TrailingActive)
	assert.InDelta(t, 112.0, cur.MaxRate, 1e-9)
}

func TestRunOnce_ExitTimeoutReevaluates(t *testing.T) {
	f := newFixture(t, options{strategy: &exitingStrategy{}})
	require.NoError(t, f.sup.RunOnce(f.ctx)) // entry fills
	require.NoError(t, f.sup.RunOnce(f.ctx)) // exit rests at the ask
	tr := f.active(t)
	require.Len(t, tr.Orders, 2)
	assert.Equal(t, domain.OrderOpen, tr.Orders[1].Status)

	// the tick that cancels the exit ends there for the pair
	f.clock.Advance(11 * time.Minute)
	require.NoError(t, f.sup.RunOnce(f.ctx))

	tr = f.active(t)
	require.NotNil(t, tr)
	assert.Equal(t, domain.StatusOpen, tr.Status)
	assert.Equal(t, 1, tr.ExitTimeoutCount)
	require.Len(t, tr.Orders, 2)
	assert.Equal(t, domain.OrderCanceled, tr.Orders[1].Status)
	assert.False(t, tr.HasOpenOrder())

	require.NoError(t, f.sup.RunOnce(f.ctx))
	tr = f.active(t)
	require.Len(t, tr.Orders, 3)
	assert.Equal(t, domain.SideExit, tr.Orders[2].Side)
	assert.False(t, tr.Orders[2].IsTerminal())
	assert.Zero(t, f.notifier.count(ports.AlertRetryExhausted))
}

func TestRunOnce_StoplossWhileExitRests(t *testing.T) {
	f := newFixture(t, options{strategy: &exitingStrategy{}})
	require.NoError(t, f.sup.RunOnce(f.ctx)) // entry fills at 100, stop 95
	require.NoError(t, f.sup.RunOnce(f.ctx)) // sell_signal exit rests at the ask
	tr := f.active(t)
	require.NotNil(t, tr)
	require.True(t, tr.HasOrderInFlight())
	assert.Equal(t, string(domain.ExitReasonSellSignal), tr.Orders[1].Tag)

	f.venue.SetPrice(pair, 80, 80.5)
	require.NoError(t, f.sup.RunOnce(f.ctx))

	closed, err := f.repo.FindByID(f.ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, closed.Status)
	assert.Equal(t, domain.ExitReasonStoploss, closed.ExitReason)
	assert.Equal(t, domain.OrderCanceled, closed.Orders[1].Status)
	exit := closed.Orders[len(closed.Orders)-1]
	assert.Equal(t, domain.OrderTypeMarket, exit.Type)
	assert.InDelta(t, 80.0, exit.AvgPrice, 1e-9)
}

func TestRunOnce_StoplossOnExchange(t *testing.T) {
	f := newFixture(t, options{lifecycle: func(c *lifecycle.Config) {
		c.OrderTypes.StoplossOnExchange = true
	}})
	require.NoError(t, f.sup.RunOnce(f.ctx)) // entry fills
	require.NoError(t, f.sup.RunOnce(f.ctx)) // hold places the stop
	tr := f.active(t)
	require.NotNil(t, tr)
	stop := tr.StopOrder()
	require.NotNil(t, stop)
	assert.InDelta(t, 95.0, stop.Price, 1e-9)
	assert.False(t, tr.HasOrderInFlight())

	require.NoError(t, f.sup.RunOnce(f.ctx))
	assert.Equal(t, 2, f.venue.OrderCount(), "unchanged stop is not replaced")

	f.venue.SetPrice(pair, 94, 94.5)
	require.NoError(t, f.sup.RunOnce(f.ctx))
	closed, err := f.repo.FindByID(f.ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, closed.Status)
	assert.Equal(t, domain.ExitReasonStoploss, closed.ExitReason)
	assert.InDelta(t, 94.0, closed.CloseRate, 1e-9)
}

func TestRunOnce_UnknownOrderMarksUnmanaged(t *testing.T) {
	f := newFixture(t, options{entrySide: pricing.SideSame})
	require.NoError(t, f.sup.RunOnce(f.ctx))
	tr := f.active(t)
	require.NotNil(t, tr)
	require.Equal(t, domain.OrderOpen, tr.Orders[0].Status)

	f.venue.Forget(tr.Orders[0].ExchangeOrderID)
	require.NoError(t, f.sup.RunOnce(f.ctx))

	tr = f.active(t)
	require.NotNil(t, tr)
	assert.Equal(t, domain.StatusUnmanaged, tr.Status)
	assert.NotEmpty(t, tr.UnmanagedReason)
	assert.Equal(t, 1, f.notifier.count(ports.AlertUnmanaged))

	// unmanaged trades are left alone and still block the pair
	require.NoError(t, f.sup.RunOnce(f.ctx))
	assert.Zero(t, f.venue.OrderCount())
	n, err := f.repo.CountActive(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOperatorControls(t *testing.T) {
	t.Run("stop entries", func(t *testing.T) {
		f := newFixture(t, options{})
		f.sup.StopEntries()
		require.NoError(t, f.sup.RunOnce(f.ctx))
		assert.Nil(t, f.active(t))

		f.sup.ResumeEntries()
		require.NoError(t, f.sup.RunOnce(f.ctx))
		assert.NotNil(t, f.active(t))
	})

	t.Run("force exit", func(t *testing.T) {
		f := newFixture(t, options{})
		require.NoError(t, f.sup.RunOnce(f.ctx))
		tr := f.active(t)
		require.NotNil(t, tr)

		require.NoError(t, f.sup.ForceExit(f.ctx, tr.ID))
		f.sup.StopEntries()
		require.NoError(t, f.sup.RunOnce(f.ctx))

		cur, err := f.repo.FindByID(f.ctx, tr.ID)
		require.NoError(t, err)
		// force exits use the configured exit type: a limit at the ask, which rests
		assert.Equal(t, domain.StatusOpen, cur.Status)
		require.True(t, cur.HasOpenOrder())
		assert.Equal(t, string(domain.ExitReasonForceExit), cur.Orders[len(cur.Orders)-1].Tag)
		assert.False(t, cur.ForceExitPending)
	})

	t.Run("force exit requested through the store", func(t *testing.T) {
		f := newFixture(t, options{})
		require.NoError(t, f.sup.RunOnce(f.ctx))
		tr := f.active(t)
		require.NotNil(t, tr)

		_, err := f.repo.Update(f.ctx, tr.ID, RequestExit)
		require.NoError(t, err)
		f.sup.StopEntries()
		require.NoError(t, f.sup.RunOnce(f.ctx))

		cur, err := f.repo.FindByID(f.ctx, tr.ID)
		require.NoError(t, err)
		assert.Equal(t, string(domain.ExitReasonForceExit), cur.Orders[len(cur.Orders)-1].Tag)
		assert.False(t, cur.ForceExitPending)
	})

	t.Run("force exit unknown trade", func(t *testing.T) {
		f := newFixture(t, options{})
		assert.ErrorIs(t, f.sup.ForceExit(f.ctx, 42), ports.ErrNotFound)
	})

	t.Run("force exit all", func(t *testing.T) {
		f := newFixture(t, options{})
		require.NoError(t, f.sup.RunOnce(f.ctx))
		tr := f.active(t)
		require.NotNil(t, tr)

		f.sup.StopEntries()
		f.sup.ForceExitAll()
		require.NoError(t, f.sup.RunOnce(f.ctx))
		cur, err := f.repo.FindByID(f.ctx, tr.ID)
		require.NoError(t, err)
		assert.True(t, cur.HasOpenOrder())
		assert.Equal(t, string(domain.ExitReasonForceExit), cur.Orders[len(cur.Orders)-1].Tag)
	})
}

func TestReload(t *testing.T) {
	f := newFixture(t, options{})
	rm, err := risk.NewRiskManager(risk.RiskConfig{StakeAmount: 30, MaxOpenTrades: 1, StopLoss: -0.1})
	require.NoError(t, err)

	err = f.sup.Reload(f.ctx, Settings{Risk: rm, Strategy: strategy.NewGuard(&stubStrategy{}, 0, &mockLogger{})})
	assert.ErrorIs(t, err, ports.ErrConfigurationError)

	require.NoError(t, f.sup.Reload(f.ctx, Settings{
		Pairs: []string{"ETH/USDT"}, Risk: rm, Strategy: strategy.NewGuard(&stubStrategy{}, 0, &mockLogger{}),
	}))
	f.venue.SetPrice("ETH/USDT", 9, 10)
	require.NoError(t, f.sup.RunOnce(f.ctx))

	assert.Nil(t, f.active(t))
	eth, err := f.repo.GetActiveByPair(f.ctx, "ETH/USDT")
	require.NoError(t, err)
	assert.NotNil(t, eth)
}

func TestPairUnion(t *testing.T) {
	got := pairUnion([]string{"ETH/USDT", "BTC/USDT"}, []*domain.Trade{{Pair: "XRP/USDT"}, {Pair: "BTC/USDT"}})
	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT", "XRP/USDT"}, got)
}
