package risk

import (
	"errors"
	"testing"
	"time"

	"tradeEngine/internal/domain"
	"tradeEngine/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func baseConfig() RiskConfig {
	return RiskConfig{
		StakeAmount:   30,
		StakeCurrency: "USDT",
		MaxOpenTrades: 3,
		MinimalROI:    map[string]float64{"0": 0.10, "30": 0.05, "60": 0.01},
		StopLoss:      -0.05,
	}
}

func newManager(t *testing.T, mut func(*RiskConfig)) *RiskManager {
	t.Helper()
	cfg := baseConfig()
	if mut != nil {
		mut(&cfg)
	}
	m, err := NewRiskManager(cfg)
	require.NoError(t, err)
	return m
}

func openTrade(rate float64) *domain.Trade {
	tr := &domain.Trade{
		ID: 1, Pair: "BTC/USDT", Direction: domain.Long, Status: domain.StatusOpen,
		Leverage: 1, Amount: 0.3, OpenRate: rate, OpenedAt: t0, MaxRate: rate, MinRate: rate,
		Orders: []*domain.Order{{Side: domain.SideEntry, Amount: 0.3, Filled: 0.3, AvgPrice: rate, Status: domain.OrderClosed}},
	}
	tr.InitStoploss(-0.05)
	return tr
}

func TestNewRiskManager_Validation(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*RiskConfig)
	}{
		{"positive stoploss", func(c *RiskConfig) { c.StopLoss = 0.1 }},
		{"zero max open trades", func(c *RiskConfig) { c.MaxOpenTrades = 0 }},
		{"unlimited stake and trades", func(c *RiskConfig) { c.StakeAmount = 0; c.MaxOpenTrades = -1 }},
		{"bad roi key", func(c *RiskConfig) { c.MinimalROI = map[string]float64{"abc": 0.1} }},
		{"offset below positive", func(c *RiskConfig) { c.TrailingStopPositive = 0.02; c.TrailingStopPositiveOffset = 0.01 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			tt.mut(&cfg)
			_, err := NewRiskManager(cfg)
			assert.ErrorIs(t, err, ports.ErrConfigurationError)
		})
	}
}

func TestMinROI(t *testing.T) {
	m := newManager(t, nil)
	tests := []struct {
		d    time.Duration
		want float64
	}{
		{0, 0.10},
		{29 * time.Minute, 0.10},
		{30 * time.Minute, 0.05},
		{59 * time.Minute, 0.05},
		{10 * time.Hour, 0.01},
	}
	for _, tt := range tests {
		got, ok := m.MinROI(tt.d)
		require.True(t, ok)
		assert.Equal(t, tt.want, got, tt.d.String())
	}

	empty := newManager(t, func(c *RiskConfig) { c.MinimalROI = nil })
	_, ok := empty.MinROI(time.Hour)
	assert.False(t, ok)
}

func TestAdmit(t *testing.T) {
	m := newManager(t, func(c *RiskConfig) {
		c.Blacklist = []string{"DOGE/USDT"}
		c.Cooldown = 10 * time.Minute
	})
	recent := &domain.Trade{ClosedAt: t0.Add(-5 * time.Minute)}
	old := &domain.Trade{ClosedAt: t0.Add(-time.Hour)}

	tests := []struct {
		name    string
		in      AdmissionInput
		wantErr bool
	}{
		{"ok", AdmissionInput{Pair: "BTC/USDT", OpenTrades: 0, Now: t0}, false},
		{"stop entries", AdmissionInput{Pair: "BTC/USDT", Now: t0, StopEntries: true}, true},
		{"blacklisted", AdmissionInput{Pair: "DOGE/USDT", Now: t0}, true},
		{"max open trades", AdmissionInput{Pair: "BTC/USDT", OpenTrades: 3, Now: t0}, true},
		{"cooldown", AdmissionInput{Pair: "BTC/USDT", LastClosed: recent, Now: t0}, true},
		{"cooldown over", AdmissionInput{Pair: "BTC/USDT", LastClosed: old, Now: t0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.Admit(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ports.ErrAdmissionRejected)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStakeAmount(t *testing.T) {
	m := newManager(t, nil)
	stake, err := m.StakeAmount(100, 0)
	require.NoError(t, err)
	assert.Equal(t, 30.0, stake)

	_, err = m.StakeAmount(20, 0)
	assert.ErrorIs(t, err, ports.ErrInsufficientFunds)

	unlimited := newManager(t, func(c *RiskConfig) { c.StakeAmount = 0; c.TradableBalanceRatio = 0.9 })
	stake, err = unlimited.StakeAmount(100, 1)
	require.NoError(t, err)
	assert.InDelta(t, 45, stake, 1e-9)
}

func TestEntryAmount(t *testing.T) {
	rules := &domain.MarketRules{AmountStep: 0.001, MinNotional: 10}
	amount, err := EntryAmount(30, 100, 1, rules)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, amount, 1e-12)
	assert.LessOrEqual(t, amount*100, 30.0+1e-9)

	_, err = EntryAmount(5, 100, 1, rules)
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)

	amount, err = EntryAmount(30, 100, 3, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, amount, 1e-12)
}

func TestEvaluate_Precedence(t *testing.T) {
	m := newManager(t, func(c *RiskConfig) {
		c.MaxTradeDuration = 2 * time.Hour
		c.PositionAdjustmentEnable = true
		c.MaxEntryPositionAdjustment = -1
	})
	yes := func() (bool, string, error) { return true, "cross", nil }
	add := func() (float64, error) { return 10, nil }

	tests := []struct {
		name   string
		in     func(tr *domain.Trade) Input
		action Action
		reason domain.ExitReason
	}{
		{"force exit beats stoploss", func(tr *domain.Trade) Input {
			return Input{Trade: tr, Rate: 90, Now: t0.Add(time.Minute), ForceExit: true}
		}, Exit, domain.ExitReasonForceExit},
		{"emergency first", func(tr *domain.Trade) Input {
			return Input{Trade: tr, Rate: 90, Now: t0, ForceExit: true, Emergency: true}
		}, Exit, domain.ExitReasonEmergency},
		{"stoploss before roi", func(tr *domain.Trade) Input {
			return Input{Trade: tr, Rate: 94, Now: t0.Add(10 * time.Hour), ExitSignal: yes}
		}, Exit, domain.ExitReasonStoploss},
		{"roi before exit signal", func(tr *domain.Trade) Input {
			return Input{Trade: tr, Rate: 106, Now: t0.Add(31 * time.Minute), ExitSignal: yes}
		}, Exit, domain.ExitReasonROI},
		{"exit signal before adjust", func(tr *domain.Trade) Input {
			return Input{Trade: tr, Rate: 101, Now: t0.Add(time.Minute), ExitSignal: yes, Adjust: add}
		}, Exit, domain.ExitReasonSellSignal},
		{"adjust before max duration", func(tr *domain.Trade) Input {
			return Input{Trade: tr, Rate: 100, Now: t0.Add(3 * time.Hour), Adjust: add}
		}, Adjust, domain.ExitReasonNone},
		{"max duration", func(tr *domain.Trade) Input {
			return Input{Trade: tr, Rate: 100, Now: t0.Add(3 * time.Hour)}
		}, Exit, domain.ExitReasonTimeout},
		{"hold", func(tr *domain.Trade) Input {
			return Input{Trade: tr, Rate: 100.5, Now: t0.Add(time.Minute)}
		}, Hold, domain.ExitReasonNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := openTrade(100)
			d := m.Evaluate(tt.in(tr))
			assert.Equal(t, tt.action, d.Action)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestProtect(t *testing.T) {
	m := newManager(t, nil)
	yes := func() (bool, string, error) { return true, "cross", nil }

	tests := []struct {
		name     string
		rate     float64
		trailing bool
		in       Input
		action   Action
		reason   domain.ExitReason
	}{
		{name: "stop breached", rate: 94, action: Exit, reason: domain.ExitReasonStoploss},
		{name: "trailing stop breached", rate: 94, trailing: true, action: Exit, reason: domain.ExitReasonTrailingStop},
		{name: "emergency", rate: 100, in: Input{Emergency: true}, action: Exit, reason: domain.ExitReasonEmergency},
		{name: "roi and signals ignored", rate: 120, in: Input{ExitSignal: yes}, action: Hold},
		{name: "force exit ignored", rate: 100, in: Input{ForceExit: true}, action: Hold},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := openTrade(100)
			tr.TrailingActive = tt.trailing
			in := tt.in
			in.Trade, in.Rate, in.Now = tr, tt.rate, t0.Add(time.Minute)
			d := m.Protect(in)
			assert.Equal(t, tt.action, d.Action)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestEvaluate_CallbackErrorSkipsStep(t *testing.T) {
	m := newManager(t, nil)
	boom := errors.New("boom")
	d := m.Evaluate(Input{
		Trade: openTrade(100), Rate: 100, Now: t0,
		ExitSignal: func() (bool, string, error) { return true, "", boom },
	})
	assert.Equal(t, Hold, d.Action)
	require.Len(t, d.Errors, 1)
	assert.ErrorIs(t, d.Errors[0], boom)
}

func TestEvaluate_AdjustmentLimit(t *testing.T) {
	m := newManager(t, func(c *RiskConfig) {
		c.PositionAdjustmentEnable = true
		c.MaxEntryPositionAdjustment = 0
	})
	called := false
	d := m.Evaluate(Input{
		Trade: openTrade(100), Rate: 100, Now: t0,
		Adjust: func() (float64, error) { called = true; return 10, nil },
	})
	assert.Equal(t, Hold, d.Action)
	assert.False(t, called)
}

func TestEvaluate_TrailingMonotonic(t *testing.T) {
	m := newManager(t, func(c *RiskConfig) {
		c.TrailingStop = true
		c.MinimalROI = nil
	})
	tr := openTrade(100)
	prev := tr.StopLoss
	prices := []float64{101, 103, 102, 106, 104, 101, 108, 99}
	for _, p := range prices {
		d := m.Evaluate(Input{Trade: tr, Rate: p, Now: t0.Add(time.Minute)})
		if d.Action == Exit {
			break
		}
		if d.StopLoss != 0 {
			require.True(t, tr.RatchetStoploss(d.StopLoss, d.StopLossRatio))
		}
		tr.UpdateExtremes(p)
		assert.GreaterOrEqual(t, tr.StopLoss, prev, "stop fell at price %v", p)
		prev = tr.StopLoss
	}
	assert.InDelta(t, 108*0.95, tr.StopLoss, 1e-9)
	assert.True(t, tr.TrailingActive)

	d := m.Evaluate(Input{Trade: tr, Rate: 102, Now: t0.Add(time.Minute)})
	assert.Equal(t, Exit, d.Action)
	assert.Equal(t, domain.ExitReasonTrailingStop, d.Reason)
}

func TestEvaluate_TrailingPositiveOffset(t *testing.T) {
	m := newManager(t, func(c *RiskConfig) {
		c.MinimalROI = nil
		c.TrailingStop = true
		c.TrailingStopPositive = 0.01
		c.TrailingStopPositiveOffset = 0.03
		c.TrailingOnlyOffsetIsReached = true
	})
	tr := openTrade(100)

	d := m.Evaluate(Input{Trade: tr, Rate: 102, Now: t0})
	assert.Zero(t, d.StopLoss, "offset not reached")

	d = m.Evaluate(Input{Trade: tr, Rate: 104, Now: t0})
	assert.InDelta(t, 104*0.99, d.StopLoss, 1e-9)
	assert.Equal(t, -0.01, d.StopLossRatio)
}

func TestEvaluate_ShortStoploss(t *testing.T) {
	m := newManager(t, func(c *RiskConfig) { c.MinimalROI = nil })
	tr := &domain.Trade{Direction: domain.Short, Status: domain.StatusOpen, Leverage: 1, OpenRate: 100, OpenedAt: t0}
	tr.InitStoploss(-0.05)
	assert.InDelta(t, 105, tr.StopLoss, 1e-9)

	d := m.Evaluate(Input{Trade: tr, Rate: 104, Now: t0})
	assert.Equal(t, Hold, d.Action)
	d = m.Evaluate(Input{Trade: tr, Rate: 105.5, Now: t0})
	assert.Equal(t, domain.ExitReasonStoploss, d.Reason)
}

func TestEvaluate_CustomStoploss(t *testing.T) {
	m := newManager(t, func(c *RiskConfig) { c.MinimalROI = nil })
	tr := openTrade(100)
	d := m.Evaluate(Input{
		Trade: tr, Rate: 110, Now: t0,
		CustomStoploss: func() (float64, bool, error) { return -0.02, true, nil },
	})
	assert.InDelta(t, 110*0.98, d.StopLoss, 1e-9)

	d = m.Evaluate(Input{
		Trade: tr, Rate: 96, Now: t0,
		CustomStoploss: func() (float64, bool, error) { return -0.5, true, nil },
	})
	assert.Zero(t, d.StopLoss, "looser custom stop is ignored")
}
