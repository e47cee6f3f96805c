package analytics

import (
	"testing"
	"time"

	"tradeEngine/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 30, 12, 0, 0, 0, time.UTC)

func closedTrade(profit float64, opened, closed time.Time, reason domain.ExitReason) *domain.Trade {
	return &domain.Trade{
		Pair:           "BTC/USDT",
		Status:         domain.StatusClosed,
		RealizedProfit: profit,
		FeesPaid:       0.1,
		OpenedAt:       opened,
		ClosedAt:       closed,
		ExitReason:     reason,
	}
}

func TestAnalyzePerformance(t *testing.T) {
	trades := []*domain.Trade{
		// out of order on purpose
		closedTrade(-50, t0.Add(2*time.Hour), t0.Add(3*time.Hour), domain.ExitReasonStoploss),
		closedTrade(100, t0, t0.Add(time.Hour), domain.ExitReasonROI),
		closedTrade(-25, t0.Add(4*time.Hour), t0.Add(5*time.Hour), domain.ExitReasonStoploss),
		closedTrade(200, t0.Add(48*time.Hour), t0.Add(49*time.Hour), domain.ExitReasonROI),
		closedTrade(0, t0, t0.Add(10*time.Minute), domain.ExitReasonEntryUnfilled),
		{Pair: "ETH/USDT", Status: domain.StatusOpen},
	}

	m := AnalyzePerformance(trades, 1000)

	assert.Equal(t, 4, m.TotalTrades)
	assert.Equal(t, 2, m.WinningTrades)
	assert.Equal(t, 2, m.LosingTrades)
	assert.Equal(t, 0.5, m.WinRate)
	assert.InDelta(t, 225, m.TotalProfit, 1e-9)
	assert.InDelta(t, 0.4, m.TotalFees, 1e-9)
	assert.InDelta(t, 300.0/75.0, m.ProfitFactor, 1e-9)
	assert.InDelta(t, 150, m.AverageWin, 1e-9)
	assert.InDelta(t, -37.5, m.AverageLoss, 1e-9)
	assert.InDelta(t, 56.25, m.Expectancy, 1e-9)
	assert.InDelta(t, 1225, m.FinalBalance, 1e-9)
	assert.InDelta(t, 0.225, m.ReturnOnStart, 1e-9)
	assert.Equal(t, 2, m.MaxConsecutiveLosses)
	assert.Equal(t, 1, m.MaxConsecutiveWins)
	assert.Equal(t, time.Hour, m.AverageTradeDuration)
	assert.Equal(t, map[domain.ExitReason]int{domain.ExitReasonROI: 2, domain.ExitReasonStoploss: 2}, m.ExitReasons)

	// peak 1100, trough 1025
	assert.InDelta(t, 75.0/1100.0, m.MaxDrawdown, 1e-9)
	require.Len(t, m.Drawdowns, 1)
	assert.Equal(t, t0.Add(3*time.Hour), m.Drawdowns[0].StartTime)
	assert.Equal(t, t0.Add(49*time.Hour), m.Drawdowns[0].EndTime)

	require.Len(t, m.EquityCurve, 4)
	assert.InDelta(t, 1100, m.EquityCurve[0].Value, 1e-9)
	assert.InDelta(t, 1225, m.EquityCurve[3].Value, 1e-9)

	// input order is preserved
	assert.Equal(t, -50.0, trades[0].RealizedProfit)
}

func TestAnalyzePerformance_Empty(t *testing.T) {
	tests := []struct {
		name   string
		trades []*domain.Trade
	}{
		{name: "nil"},
		{name: "only open", trades: []*domain.Trade{{Status: domain.StatusOpen}}},
		{name: "only unfilled", trades: []*domain.Trade{closedTrade(0, t0, t0, domain.ExitReasonEntryUnfilled)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := AnalyzePerformance(tt.trades, 500)
			assert.Zero(t, m.TotalTrades)
			assert.Equal(t, 500.0, m.FinalBalance)
			assert.Empty(t, m.MonthlyReturns())
		})
	}
}

func TestAnalyzePerformance_OpenDrawdown(t *testing.T) {
	m := AnalyzePerformance([]*domain.Trade{
		closedTrade(10, t0, t0.Add(time.Hour), domain.ExitReasonROI),
		closedTrade(-30, t0.Add(time.Hour), t0.Add(2*time.Hour), domain.ExitReasonForceExit),
	}, 100)

	require.Len(t, m.Drawdowns, 1)
	assert.True(t, m.Drawdowns[0].EndTime.IsZero())
	assert.InDelta(t, 30.0/110.0, m.Drawdowns[0].Depth, 1e-9)
	assert.InDelta(t, 10.0/30.0, m.ProfitFactor, 1e-9)
}

func TestMonthlyReturns(t *testing.T) {
	m := AnalyzePerformance([]*domain.Trade{
		closedTrade(100, t0, t0.Add(time.Hour), domain.ExitReasonROI),
		closedTrade(-50, t0, t0.Add(2*time.Hour), domain.ExitReasonStoploss),
		closedTrade(200, t0.Add(48*time.Hour), t0.Add(49*time.Hour), domain.ExitReasonROI),
	}, 1000)

	returns := m.MonthlyReturns()
	require.Len(t, returns, 2)
	assert.Equal(t, time.January, returns[0].Month.Month())
	assert.InDelta(t, 50, returns[0].Return, 1e-9)
	assert.Equal(t, time.February, returns[1].Month.Month())
	assert.InDelta(t, 200, returns[1].Return, 1e-9)
}

func TestFields(t *testing.T) {
	m := AnalyzePerformance([]*domain.Trade{closedTrade(5, t0, t0.Add(time.Minute), domain.ExitReasonROI)}, 100)
	f := m.Fields()
	assert.Equal(t, 1, f["trades"])
	assert.Equal(t, "1m0s", f["avgDuration"])
}
