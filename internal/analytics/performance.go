// Package analytics summarizes realized performance from closed trades.
package analytics

import (
	"math"
	"sort"
	"time"

	"tradeEngine/internal/domain"
)

// PerformanceMetrics holds performance metrics over a set of closed trades.
type PerformanceMetrics struct {
	// Basic Metrics
	TotalTrades     int
	WinningTrades   int
	LosingTrades    int
	WinRate         float64
	TotalProfit     float64
	TotalFees       float64
	ProfitFactor    float64 // gross profit / gross loss, 0 without losses
	AverageWin      float64
	AverageLoss     float64 // negative
	Expectancy      float64 // mean profit per trade
	StartingBalance float64
	FinalBalance    float64
	ReturnOnStart   float64

	// Streaks and drawdown
	MaxConsecutiveWins   int
	MaxConsecutiveLosses int
	MaxDrawdown          float64 // relative to the running peak balance
	AverageTradeDuration time.Duration
	ExitReasons          map[domain.ExitReason]int
	Drawdowns            []Drawdown
	EquityCurve          []EquityPoint
}

// Drawdown represents a drawdown period
type Drawdown struct {
	StartTime  time.Time
	EndTime    time.Time // zero while not recovered
	StartValue float64
	Depth      float64
}

// EquityPoint represents a point on the equity curve
type EquityPoint struct {
	Time     time.Time
	Value    float64
	Drawdown float64
}

// AnalyzePerformance computes metrics from closed trades in close order.
// Trades that are not closed, or never held a position, are ignored. The input slice is not modified.
func AnalyzePerformance(trades []*domain.Trade, startingBalance float64) *PerformanceMetrics {
	m := &PerformanceMetrics{
		StartingBalance: startingBalance,
		FinalBalance:    startingBalance,
		ExitReasons:     make(map[domain.ExitReason]int),
	}

	closed := make([]*domain.Trade, 0, len(trades))
	for _, t := range trades {
		if t.Status == domain.StatusClosed && t.ExitReason != domain.ExitReasonEntryUnfilled {
			closed = append(closed, t)
		}
	}
	if len(closed) == 0 {
		return m
	}
	sort.SliceStable(closed, func(i, j int) bool { return closed[i].ClosedAt.Before(closed[j].ClosedAt) })

	balance, peak := startingBalance, startingBalance
	var grossWin, grossLoss float64
	var wins, losses int
	var totalDuration time.Duration
	var dd *Drawdown

	for _, t := range closed {
		p := t.RealizedProfit
		m.TotalTrades++
		m.TotalProfit += p
		m.TotalFees += t.FeesPaid
		m.ExitReasons[t.ExitReason]++
		totalDuration += t.ClosedAt.Sub(t.OpenedAt)

		if p > 0 {
			m.WinningTrades++
			grossWin += p
			wins++
			losses = 0
		} else {
			m.LosingTrades++
			grossLoss += p
			losses++
			wins = 0
		}
		m.MaxConsecutiveWins = max(m.MaxConsecutiveWins, wins)
		m.MaxConsecutiveLosses = max(m.MaxConsecutiveLosses, losses)

		balance += p
		var depth float64
		if balance >= peak {
			peak = balance
			if dd != nil {
				dd.EndTime = t.ClosedAt
				m.Drawdowns = append(m.Drawdowns, *dd)
				dd = nil
			}
		} else if peak > 0 {
			depth = (peak - balance) / peak
			if dd == nil {
				dd = &Drawdown{StartTime: t.ClosedAt, StartValue: peak}
			}
			dd.Depth = math.Max(dd.Depth, depth)
			m.MaxDrawdown = math.Max(m.MaxDrawdown, depth)
		}
		m.EquityCurve = append(m.EquityCurve, EquityPoint{Time: t.ClosedAt, Value: balance, Drawdown: depth})
	}
	if dd != nil {
		m.Drawdowns = append(m.Drawdowns, *dd)
	}

	m.FinalBalance = balance
	m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades)
	m.Expectancy = m.TotalProfit / float64(m.TotalTrades)
	m.AverageTradeDuration = totalDuration / time.Duration(m.TotalTrades)
	if m.WinningTrades > 0 {
		m.AverageWin = grossWin / float64(m.WinningTrades)
	}
	if m.LosingTrades > 0 {
		m.AverageLoss = grossLoss / float64(m.LosingTrades)
	}
	if grossLoss < 0 {
		m.ProfitFactor = grossWin / -grossLoss
	}
	if startingBalance > 0 {
		m.ReturnOnStart = (balance - startingBalance) / startingBalance
	}
	return m
}

// MonthlyReturns returns realized profit per calendar month (UTC), oldest first.
func (m *PerformanceMetrics) MonthlyReturns() []MonthlyReturn {
	byMonth := make(map[time.Time]float64)
	prev := m.StartingBalance
	for _, p := range m.EquityCurve {
		t := p.Time.UTC()
		month := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		byMonth[month] += p.Value - prev
		prev = p.Value
	}
	returns := make([]MonthlyReturn, 0, len(byMonth))
	for month, profit := range byMonth {
		returns = append(returns, MonthlyReturn{Month: month, Return: profit})
	}
	sort.Slice(returns, func(i, j int) bool {
		return returns[i].Month.Before(returns[j].Month)
	})
	return returns
}

// MonthlyReturn represents a monthly return value
type MonthlyReturn struct {
	Month  time.Time
	Return float64
}

// Fields flattens the headline numbers for structured logging.
func (m *PerformanceMetrics) Fields() map[string]interface{} {
	return map[string]interface{}{
		"trades":       m.TotalTrades,
		"winRate":      m.WinRate,
		"totalProfit":  m.TotalProfit,
		"fees":         m.TotalFees,
		"profitFactor": m.ProfitFactor,
		"expectancy":   m.Expectancy,
		"maxDrawdown":  m.MaxDrawdown,
		"avgDuration":  m.AverageTradeDuration.String(),
		"exitReasons":  m.ExitReasons,
	}
}
