// Package indicators computes the technical indicators strategies read from
// candle history. Every function returns the value at the last candle.
package indicators

import (
	"errors"
	"fmt"
	"math"

	"tradeEngine/internal/domain"
)

// ErrNotEnoughData is returned when the series is shorter than the lookback.
var ErrNotEnoughData = errors.New("not enough data")

// Closes extracts close prices in candle order.
func Closes(klines []*domain.Kline) []float64 {
	out := make([]float64, len(klines))
	for i, k := range klines {
		out[i] = k.Close
	}
	return out
}

func checkPeriod(name string, period, have, need int) error {
	if period <= 0 {
		return fmt.Errorf("%s period must be positive, got %d", name, period)
	}
	if have < need {
		return fmt.Errorf("%w: %s(%d) needs %d values, got %d", ErrNotEnoughData, name, period, need, have)
	}
	return nil
}

// SMA is the mean of the last period values.
func SMA(values []float64, period int) (float64, error) {
	if err := checkPeriod("SMA", period, len(values), period); err != nil {
		return 0, err
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period), nil
}

// EMA seeds with the SMA of the first period values and smooths the rest
// with 2/(period+1).
func EMA(values []float64, period int) (float64, error) {
	if err := checkPeriod("EMA", period, len(values), period); err != nil {
		return 0, err
	}
	ema, _ := SMA(values[:period], period)
	k := 2.0 / float64(period+1)
	for _, v := range values[period:] {
		ema += (v - ema) * k
	}
	return ema, nil
}

// RSI uses Wilder's smoothing. It needs period+1 values since it works on
// differences. A flat series reads 50.
func RSI(values []float64, period int) (float64, error) {
	if err := checkPeriod("RSI", period, len(values), period+1); err != nil {
		return 0, err
	}
	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := values[i] - values[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	p := float64(period)
	gain /= p
	loss /= p
	for i := period + 1; i < len(values); i++ {
		d := values[i] - values[i-1]
		up, down := math.Max(d, 0), math.Max(-d, 0)
		gain = (gain*(p-1) + up) / p
		loss = (loss*(p-1) + down) / p
	}

	switch {
	case loss == 0 && gain == 0:
		return 50, nil
	case loss == 0:
		return 100, nil
	}
	return 100 - 100/(1+gain/loss), nil
}

// TrueRange of candle i. The first candle has no previous close and uses
// its own range.
func TrueRange(klines []*domain.Kline, i int) float64 {
	k := klines[i]
	tr := k.High - k.Low
	if i == 0 {
		return tr
	}
	prev := klines[i-1].Close
	return math.Max(tr, math.Max(math.Abs(k.High-prev), math.Abs(k.Low-prev)))
}

// ATR is the Wilder-smoothed average true range. It needs period+1 candles.
func ATR(klines []*domain.Kline, period int) (float64, error) {
	if err := checkPeriod("ATR", period, len(klines), period+1); err != nil {
		return 0, err
	}
	p := float64(period)
	atr := 0.0
	for i := 0; i < period; i++ {
		atr += TrueRange(klines, i)
	}
	atr /= p
	for i := period; i < len(klines); i++ {
		atr = (atr*(p-1) + TrueRange(klines, i)) / p
	}
	return atr, nil
}
