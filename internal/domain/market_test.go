package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMarketRules_Rounding(t *testing.T) {
	m := &MarketRules{AmountStep: 0.001, PriceTick: 0.01, MinAmount: 0.001, MinNotional: 5}

	assert.InDelta(t, 0.123, m.RoundAmount(0.123987), 1e-12)
	assert.InDelta(t, 94.12, m.RoundPrice(94.1234), 1e-12)
	assert.InDelta(t, 94.13, m.RoundStoploss(94.1234, Long), 1e-12)
	assert.InDelta(t, 94.12, m.RoundStoploss(94.1284, Short), 1e-12)

	assert.True(t, m.CheckAmount(0.1, 100))
	assert.False(t, m.CheckAmount(0.01, 100), "below min notional")
	assert.False(t, m.CheckAmount(0, 100))

	free := &MarketRules{}
	assert.Equal(t, 0.123987, free.RoundAmount(0.123987))
}

func TestSplitPair(t *testing.T) {
	tests := []struct{ pair, base, quote string }{
		{"BTC/USDT", "BTC", "USDT"},
		{"ETH/USDT:USDT", "ETH", "USDT"},
		{"BTCUSDT", "BTCUSDT", ""},
	}
	for _, tt := range tests {
		b, q := SplitPair(tt.pair)
		assert.Equal(t, tt.base, b)
		assert.Equal(t, tt.quote, q)
	}
}
