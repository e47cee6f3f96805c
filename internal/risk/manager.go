package risk

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"tradeEngine/internal/domain"
	"tradeEngine/internal/ports"
)

// RiskConfig holds configuration for risk management
type RiskConfig struct {
	StakeAmount          float64 `yaml:"stake_amount"` // 0 = split available balance across free slots
	StakeCurrency        string  `yaml:"stake_currency"`
	TradableBalanceRatio float64 `yaml:"tradable_balance_ratio"`
	MaxOpenTrades        int     `yaml:"max_open_trades"` // -1 = unlimited

	MinimalROI map[string]float64 `yaml:"minimal_roi"` // minutes -> min profit ratio
	StopLoss   float64            `yaml:"stoploss"`    // negative ratio, e.g. -0.10

	TrailingStop                bool    `yaml:"trailing_stop"`
	TrailingStopPositive        float64 `yaml:"trailing_stop_positive"`
	TrailingStopPositiveOffset  float64 `yaml:"trailing_stop_positive_offset"`
	TrailingOnlyOffsetIsReached bool    `yaml:"trailing_only_offset_is_reached"`

	MaxTradeDuration time.Duration `yaml:"max_trade_duration"` // 0 = none
	Cooldown         time.Duration `yaml:"cooldown"`           // per pair, after a close
	Blacklist        []string      `yaml:"blacklist"`

	PositionAdjustmentEnable   bool `yaml:"position_adjustment_enable"`
	MaxEntryPositionAdjustment int  `yaml:"max_entry_position_adjustment"` // -1 = unlimited

	EmergencyExitOnTimeout bool `yaml:"emergency_exit_on_timeout"`
}

// ROIStep is one row of the ROI table.
type ROIStep struct {
	After  time.Duration
	Profit float64
}

// RiskManager implements admission, sizing and the per-tick exit precedence.
type RiskManager struct {
	config    RiskConfig
	roi       []ROIStep
	blacklist map[string]struct{}
}

// NewRiskManager validates config and creates a risk manager instance
func NewRiskManager(config RiskConfig) (*RiskManager, error) {
	if config.StopLoss >= 0 || config.StopLoss <= -1 {
		return nil, fmt.Errorf("%w: stoploss must be within (-1, 0), got %f", ports.ErrConfigurationError, config.StopLoss)
	}
	if config.StakeAmount < 0 {
		return nil, fmt.Errorf("%w: stake_amount cannot be negative", ports.ErrConfigurationError)
	}
	if config.TradableBalanceRatio <= 0 || config.TradableBalanceRatio > 1 {
		config.TradableBalanceRatio = 1
	}
	if config.MaxOpenTrades == 0 {
		return nil, fmt.Errorf("%w: max_open_trades must be positive or -1", ports.ErrConfigurationError)
	}
	if config.StakeAmount == 0 && config.MaxOpenTrades < 0 {
		return nil, fmt.Errorf("%w: unlimited stake requires a bounded max_open_trades", ports.ErrConfigurationError)
	}
	if config.TrailingStopPositive < 0 || config.TrailingStopPositiveOffset < 0 {
		return nil, fmt.Errorf("%w: trailing stop values must not be negative", ports.ErrConfigurationError)
	}
	if config.TrailingStopPositiveOffset > 0 && config.TrailingStopPositiveOffset <= config.TrailingStopPositive {
		return nil, fmt.Errorf("%w: trailing_stop_positive_offset must be greater than trailing_stop_positive", ports.ErrConfigurationError)
	}
	roi, err := ParseROI(config.MinimalROI)
	if err != nil {
		return nil, err
	}
	bl := make(map[string]struct{}, len(config.Blacklist))
	for _, p := range config.Blacklist {
		bl[p] = struct{}{}
	}
	return &RiskManager{config: config, roi: roi, blacklist: bl}, nil
}

// ParseROI converts a minutes-keyed ROI table into steps sorted by time.
func ParseROI(table map[string]float64) ([]ROIStep, error) {
	steps := make([]ROIStep, 0, len(table))
	for k, v := range table {
		mins, err := strconv.Atoi(k)
		if err != nil || mins < 0 {
			return nil, fmt.Errorf("%w: invalid minimal_roi key %q", ports.ErrConfigurationError, k)
		}
		steps = append(steps, ROIStep{After: time.Duration(mins) * time.Minute, Profit: v})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].After < steps[j].After })
	return steps, nil
}

// Config returns the active configuration.
func (r *RiskManager) Config() RiskConfig { return r.config }

// MinROI returns the ROI requirement for a trade open for d: the entry with the
// largest key not exceeding d.
func (r *RiskManager) MinROI(d time.Duration) (float64, bool) {
	idx := sort.Search(len(r.roi), func(i int) bool { return r.roi[i].After > d }) - 1
	if idx < 0 {
		return 0, false
	}
	return r.roi[idx].Profit, true
}

// AdmissionInput describes the state an entry is admitted against.
type AdmissionInput struct {
	Pair        string
	OpenTrades  int
	LastClosed  *domain.Trade // most recent closed trade on Pair, may be nil
	Now         time.Time
	StopEntries bool
}

// Admit checks whether a new trade may be opened.
func (r *RiskManager) Admit(in AdmissionInput) error {
	switch {
	case in.StopEntries:
		return fmt.Errorf("%w: entries stopped by operator", ports.ErrAdmissionRejected)
	case r.IsBlacklisted(in.Pair):
		return fmt.Errorf("%w: %s is blacklisted", ports.ErrAdmissionRejected, in.Pair)
	case r.config.MaxOpenTrades > 0 && in.OpenTrades >= r.config.MaxOpenTrades:
		return fmt.Errorf("%w: max open trades %d reached", ports.ErrAdmissionRejected, r.config.MaxOpenTrades)
	}
	if r.config.Cooldown > 0 && in.LastClosed != nil {
		until := in.LastClosed.ClosedAt.Add(r.config.Cooldown)
		if in.Now.Before(until) {
			return fmt.Errorf("%w: %s cooling down until %s", ports.ErrAdmissionRejected, in.Pair, until.Format(time.RFC3339))
		}
	}
	return nil
}

// IsBlacklisted reports whether pair is excluded from new entries.
func (r *RiskManager) IsBlacklisted(pair string) bool {
	_, ok := r.blacklist[pair]
	return ok
}

// StakeAmount returns the stake for a new trade given available balance.
func (r *RiskManager) StakeAmount(available float64, openTrades int) (float64, error) {
	tradable := available * r.config.TradableBalanceRatio
	stake := r.config.StakeAmount
	if stake == 0 {
		slots := r.config.MaxOpenTrades - openTrades
		if slots <= 0 {
			return 0, fmt.Errorf("%w: no free trade slots", ports.ErrAdmissionRejected)
		}
		stake = tradable / float64(slots)
	}
	if stake > tradable {
		return 0, fmt.Errorf("%w: stake %.8f exceeds tradable balance %.8f", ports.ErrInsufficientFunds, stake, tradable)
	}
	if stake <= 0 {
		return 0, fmt.Errorf("%w: no balance to stake", ports.ErrInsufficientFunds)
	}
	return stake, nil
}

// EntryAmount converts a stake into a base amount rounded to venue rules.
func EntryAmount(stake, rate, leverage float64, rules *domain.MarketRules) (float64, error) {
	if rate <= 0 {
		return 0, fmt.Errorf("%w: rate must be positive", ports.ErrInvalidRequest)
	}
	if leverage <= 0 {
		leverage = 1
	}
	amount := stake * leverage / rate
	if rules != nil {
		amount = rules.RoundAmount(amount)
		if !rules.CheckAmount(amount, rate) {
			return 0, fmt.Errorf("%w: amount %.8f at %.8f below venue minimums for %s", ports.ErrInvalidRequest, amount, rate, rules.Pair)
		}
	}
	if amount <= 0 {
		return 0, fmt.Errorf("%w: stake %.8f too small at rate %.8f", ports.ErrInvalidRequest, stake, rate)
	}
	return amount, nil
}

func bound(t *domain.Trade, rate float64) float64 {
	if t.Direction == domain.Short {
		if t.MinRate > 0 {
			return math.Min(t.MinRate, rate)
		}
		return rate
	}
	return math.Max(t.MaxRate, rate)
}
