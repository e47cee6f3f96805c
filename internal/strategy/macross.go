package strategy

import (
	"context"
	"fmt"

	"tradeEngine/internal/domain"
	"tradeEngine/internal/ports"
	"tradeEngine/internal/strategy/indicators"
)

// Config holds parameters for the MA crossover strategy.
type Config struct {
	Timeframe         string  `yaml:"timeframe"`           // e.g., "5m"
	ShortTermMAPeriod int     `yaml:"short_ma_period"`     // e.g., 20
	LongTermMAPeriod  int     `yaml:"long_ma_period"`      // e.g., 50
	EMAPeriod         int     `yaml:"ema_period"`          // e.g., 20
	RSIPeriod         int     `yaml:"rsi_period"`          // e.g., 14
	RSIOverbought     float64 `yaml:"rsi_overbought"`      // e.g., 70.0
	RSIOversold       float64 `yaml:"rsi_oversold"`        // e.g., 30.0
	CanShort          bool    `yaml:"can_short"`           // enter shorts on a down trend
	ATRPeriod         int     `yaml:"atr_period"`          // 0 disables the ATR stop
	ATRStopMultiplier float64 `yaml:"atr_stop_multiplier"` // stop distance in ATRs
}

// MACross enters with the trend when price is above both moving averages and
// the EMA, and RSI is not stretched. It exits when the trend reverses.
type MACross struct {
	cfg    Config
	logger ports.Logger
}

// NewMACross creates a new MACross instance.
func NewMACross(cfg Config, logger ports.Logger) (*MACross, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for strategy")
	}
	// Basic validation
	if cfg.ShortTermMAPeriod <= 0 || cfg.LongTermMAPeriod <= 0 || cfg.EMAPeriod <= 0 || cfg.RSIPeriod <= 0 {
		return nil, fmt.Errorf("%w: strategy periods must be positive", ports.ErrConfigurationError)
	}
	if cfg.ShortTermMAPeriod >= cfg.LongTermMAPeriod {
		return nil, fmt.Errorf("%w: short term MA period must be less than long term MA period", ports.ErrConfigurationError)
	}
	if cfg.RSIOverbought <= cfg.RSIOversold || cfg.RSIOverbought > 100 || cfg.RSIOversold < 0 {
		return nil, fmt.Errorf("%w: invalid RSI thresholds", ports.ErrConfigurationError)
	}
	if cfg.Timeframe == "" {
		cfg.Timeframe = "5m"
	}
	return &MACross{cfg: cfg, logger: logger}, nil
}

// Name returns the registry name of the strategy.
func (s *MACross) Name() string { return "ma_cross" }

// Timeframe returns the candle interval the strategy reads.
func (s *MACross) Timeframe() string { return s.cfg.Timeframe }

// RequiredDataPoints returns the longest lookback of the indicators read.
func (s *MACross) RequiredDataPoints() int {
	n := max(s.cfg.LongTermMAPeriod, s.cfg.EMAPeriod, s.cfg.RSIPeriod+1)
	if s.atrEnabled() {
		n = max(n, s.cfg.ATRPeriod+1)
	}
	return n
}

func (s *MACross) atrEnabled() bool {
	return s.cfg.ATRPeriod > 0 && s.cfg.ATRStopMultiplier > 0
}

func (s *MACross) overbought(rsi float64) bool { return rsi >= s.cfg.RSIOverbought }

func (s *MACross) oversold(rsi float64) bool { return rsi <= s.cfg.RSIOversold }

type readings struct {
	price, shortMA, longMA, ema, rsi float64
}

func (s *MACross) read(ctx context.Context, snap domain.MarketSnapshot) (*readings, error) {
	if len(snap.Candles) < s.RequiredDataPoints() {
		s.logger.Debug(ctx, "Not enough kline data for strategy evaluation",
			map[string]interface{}{"pair": snap.Pair, "available": len(snap.Candles), "required": s.RequiredDataPoints()})
		return nil, nil
	}
	closes := indicators.Closes(snap.Candles)
	r := &readings{price: snap.Rate}
	if r.price <= 0 {
		r.price = closes[len(closes)-1]
	}
	var err error
	if r.shortMA, err = indicators.SMA(closes, s.cfg.ShortTermMAPeriod); err != nil {
		return nil, fmt.Errorf("short term MA: %w", err)
	}
	if r.longMA, err = indicators.SMA(closes, s.cfg.LongTermMAPeriod); err != nil {
		return nil, fmt.Errorf("long term MA: %w", err)
	}
	if r.ema, err = indicators.EMA(closes, s.cfg.EMAPeriod); err != nil {
		return nil, fmt.Errorf("EMA: %w", err)
	}
	if r.rsi, err = indicators.RSI(closes, s.cfg.RSIPeriod); err != nil {
		return nil, fmt.Errorf("RSI: %w", err)
	}
	return r, nil
}

// ShouldEnter returns a long signal on an up trend and, if enabled, a short
// signal on a down trend.
func (s *MACross) ShouldEnter(ctx context.Context, snap domain.MarketSnapshot) (*ports.EntrySignal, error) {
	r, err := s.read(ctx, snap)
	if err != nil || r == nil {
		return nil, err
	}

	isTrendingUp := r.price > r.shortMA && r.price > r.longMA && r.shortMA > r.longMA
	isTrendingDown := r.price < r.shortMA && r.price < r.longMA && r.shortMA < r.longMA

	fields := map[string]interface{}{
		"pair": snap.Pair, "currentPrice": r.price, "shortMA": r.shortMA,
		"longMA": r.longMA, "ema": r.ema, "rsi": r.rsi,
	}
	switch {
	case isTrendingUp && !s.overbought(r.rsi) && r.price > r.ema:
		s.logger.Info(ctx, "Long entry conditions met", fields)
		return &ports.EntrySignal{Direction: domain.Long, Tag: "ma_cross_up"}, nil
	case s.cfg.CanShort && isTrendingDown && !s.oversold(r.rsi) && r.price < r.ema:
		s.logger.Info(ctx, "Short entry conditions met", fields)
		return &ports.EntrySignal{Direction: domain.Short, Tag: "ma_cross_down"}, nil
	}
	s.logger.Debug(ctx, "Entry conditions not met", fields)
	return nil, nil
}

// ShouldExit signals when price crosses back through the long MA or RSI
// reaches the opposite extreme.
func (s *MACross) ShouldExit(ctx context.Context, trade *domain.Trade, snap domain.MarketSnapshot) (bool, string, error) {
	r, err := s.read(ctx, snap)
	if err != nil || r == nil {
		return false, "", err
	}
	if trade.Direction == domain.Short {
		if r.price > r.longMA {
			return true, "trend_reversal", nil
		}
		if s.oversold(r.rsi) {
			return true, "rsi_oversold", nil
		}
		return false, "", nil
	}
	if r.price < r.longMA {
		return true, "trend_reversal", nil
	}
	if s.overbought(r.rsi) {
		return true, "rsi_overbought", nil
	}
	return false, "", nil
}

// CustomStoploss places the stop a multiple of ATR away from the current rate.
func (s *MACross) CustomStoploss(ctx context.Context, trade *domain.Trade, snap domain.MarketSnapshot) (float64, bool, error) {
	if !s.atrEnabled() || snap.Rate <= 0 || len(snap.Candles) <= s.cfg.ATRPeriod {
		return 0, false, nil
	}
	atr, err := indicators.ATR(snap.Candles, s.cfg.ATRPeriod)
	if err != nil {
		return 0, false, err
	}
	ratio := -(atr * s.cfg.ATRStopMultiplier) / snap.Rate
	if ratio <= -1 || ratio >= 0 {
		return 0, false, nil
	}
	return ratio, true, nil
}
