package indicators

import (
	"testing"

	"tradeEngine/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSMA(t *testing.T) {
	tests := []struct {
		name    string
		values  []float64
		period  int
		want    float64
		wantErr error
	}{
		{"last window", []float64{1, 2, 3, 4, 5}, 3, 4, nil},
		{"whole series", []float64{2, 4}, 2, 3, nil},
		{"short series", []float64{1, 2}, 3, 0, ErrNotEnoughData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SMA(tt.values, tt.period)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}

	_, err := SMA([]float64{1}, 0)
	assert.Error(t, err)
}

func TestEMA(t *testing.T) {
	// seed 2 (mean of 1,2,3), then 4 -> 3, then 5 -> 4
	got, err := EMA([]float64{1, 2, 3, 4, 5}, 3)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, got, 1e-9)

	got, err = EMA([]float64{1, 2, 3}, 3)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, got, 1e-9, "equals the SMA seed")

	_, err = EMA([]float64{1, 2}, 3)
	assert.ErrorIs(t, err, ErrNotEnoughData)
}

func TestRSI(t *testing.T) {
	tests := []struct {
		name    string
		values  []float64
		period  int
		want    float64
		wantErr bool
	}{
		{"wilder smoothing", []float64{100, 102, 101, 103, 102, 104}, 3, 77.272727, false},
		{"all gains", []float64{100, 102, 104, 106}, 3, 100, false},
		{"all losses", []float64{106, 104, 102, 100}, 3, 0, false},
		{"flat", []float64{100, 100, 100, 100}, 3, 50, false},
		{"needs period plus one", []float64{100, 102, 104}, 3, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RSI(tt.values, tt.period)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNotEnoughData)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-4)
		})
	}
}

func TestATR(t *testing.T) {
	klines := []*domain.Kline{
		{High: 10, Low: 8, Close: 9},
		{High: 11, Low: 9, Close: 10},
		{High: 12, Low: 10, Close: 11},
		{High: 13, Low: 11, Close: 12},
	}
	got, err := ATR(klines, 2)
	require.NoError(t, err)
	// every true range is 2
	assert.InDelta(t, 2.0, got, 1e-9)

	_, err = ATR(klines[:2], 2)
	assert.ErrorIs(t, err, ErrNotEnoughData)
}

func TestTrueRangeUsesPreviousClose(t *testing.T) {
	klines := []*domain.Kline{
		{High: 10, Low: 9, Close: 9.5},
		{High: 15, Low: 14, Close: 14.5},
	}
	assert.InDelta(t, 1.0, TrueRange(klines, 0), 1e-9)
	assert.InDelta(t, 5.5, TrueRange(klines, 1), 1e-9, "gap up from the previous close")
}

func TestCloses(t *testing.T) {
	assert.Equal(t, []float64{1, 2}, Closes([]*domain.Kline{{Close: 1}, {Close: 2}}))
	assert.Empty(t, Closes(nil))
}
