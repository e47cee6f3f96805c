package domain

import "time"

// Kline represents a single candlestick data point.
type Kline struct {
	OpenTime  time.Time // Start time of the interval
	CloseTime time.Time // End time of the interval
	Pair      string    // Trading pair (e.g., "BTC/USDT")
	Interval  string    // Kline interval (e.g., "1m", "1h")
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// MarketSnapshot is the read-only view handed to strategy callbacks.
type MarketSnapshot struct {
	Pair    string
	Time    time.Time
	Rate    float64  // current exit-side rate
	Ticker  *Ticker  // may be nil
	Candles []*Kline // populated only for candle-consuming strategies
}
