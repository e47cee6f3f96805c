package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"tradeEngine/internal/domain"
	"tradeEngine/internal/lifecycle"
	"tradeEngine/internal/pricing"
	"tradeEngine/internal/reconcile"
	"tradeEngine/internal/risk"
	"tradeEngine/internal/strategy"

	"gopkg.in/yaml.v3"
)

const (
	TradingModeSpot    = "spot"
	TradingModeFutures = "futures"
)

// Engine is the trading configuration read from the engine YAML file. It is
// re-read on reload.
type Engine struct {
	Pairs       []string `yaml:"pairs"`
	TradingMode string   `yaml:"trading_mode"` // spot | futures
	Leverage    int      `yaml:"leverage"`
	CanShort    bool     `yaml:"can_short"`
	Workers     int      `yaml:"workers"`

	Risk risk.RiskConfig `yaml:",inline"`

	Unfilled     lifecycle.Timeouts   `yaml:"unfilledtimeout"`
	OrderTypes   lifecycle.OrderTypes `yaml:"order_types"`
	EntryPricing pricing.Config       `yaml:"entry_pricing"`
	ExitPricing  pricing.Config       `yaml:"exit_pricing"`

	Intervals Intervals       `yaml:"intervals"`
	Retry     Retry           `yaml:"retry"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Strategy  StrategyConfig  `yaml:"strategy"`
}

// Intervals are the engine's periodic schedules.
type Intervals struct {
	Tick      time.Duration `yaml:"tick"`
	Reconcile time.Duration `yaml:"reconcile"`
	Wallet    time.Duration `yaml:"wallet"`     // max age of the cached balance snapshot
	RateCache time.Duration `yaml:"rate_cache"` // 0 = same as tick
}

// Retry bounds retries of transient exchange errors.
type Retry struct {
	Attempts int           `yaml:"attempts"`
	Min      time.Duration `yaml:"min"`
	Max      time.Duration `yaml:"max"`
	Budget   time.Duration `yaml:"budget"` // total wait per call; bounds how long a pair stays locked
}

// ReconcileConfig tunes recovery of lost orders.
type ReconcileConfig struct {
	AmountTolerance  float64       `yaml:"amount_tolerance"`
	TimeWindow       time.Duration `yaml:"time_window"`
	PriceTolerance   float64       `yaml:"price_tolerance"`
	Threshold        float64       `yaml:"threshold"`
	BalanceTolerance float64       `yaml:"balance_tolerance"`
}

// StrategyConfig names the strategy and carries its raw parameters.
type StrategyConfig struct {
	Name              string        `yaml:"name"`
	Params            yaml.Node     `yaml:"params"`
	CallbackTimeout   time.Duration `yaml:"callback_timeout"`
	UseExitSignal     bool          `yaml:"use_exit_signal"`
	UseCustomStoploss bool          `yaml:"use_custom_stoploss"`
}

// LoadEngine reads and validates the engine file at path.
func LoadEngine(path string) (*Engine, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read engine config %s: %w", path, err)
	}
	e, err := ParseEngine(b)
	if err != nil {
		return nil, fmt.Errorf("engine config %s: %w", path, err)
	}
	return e, nil
}

// ParseEngine decodes an engine document, applies defaults and validates it.
// Unknown keys are rejected.
func ParseEngine(b []byte) (*Engine, error) {
	e := &Engine{}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(e); err != nil {
		return nil, fmt.Errorf("failed to decode: %w", err)
	}
	e.applyDefaults()
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) applyDefaults() {
	if e.TradingMode == "" {
		e.TradingMode = TradingModeSpot
	}
	if e.Leverage == 0 {
		e.Leverage = 1
	}
	if e.Workers == 0 {
		e.Workers = 4
	}
	if e.Risk.StakeCurrency == "" && len(e.Pairs) > 0 {
		_, e.Risk.StakeCurrency = domain.SplitPair(e.Pairs[0])
	}
	if e.Unfilled.Entry == 0 {
		e.Unfilled.Entry = 10 * time.Minute
	}
	if e.Unfilled.Exit == 0 {
		e.Unfilled.Exit = 10 * time.Minute
	}
	e.OrderTypes = e.OrderTypes.WithDefaults()
	if e.EntryPricing.PriceSide == "" {
		e.EntryPricing.PriceSide = pricing.SideSame
	}
	if e.ExitPricing.PriceSide == "" {
		e.ExitPricing.PriceSide = pricing.SideSame
	}
	if e.Intervals.Tick == 0 {
		e.Intervals.Tick = 5 * time.Second
	}
	if e.Intervals.Reconcile == 0 {
		e.Intervals.Reconcile = time.Minute
	}
	if e.Intervals.Wallet == 0 {
		e.Intervals.Wallet = time.Minute
	}
	if e.Intervals.RateCache == 0 {
		e.Intervals.RateCache = e.Intervals.Tick
	}
	if e.Retry.Attempts == 0 {
		e.Retry.Attempts = 3
	}
	if e.Retry.Min == 0 {
		e.Retry.Min = 200 * time.Millisecond
	}
	if e.Retry.Max == 0 {
		e.Retry.Max = 5 * time.Second
	}
	if e.Retry.Budget == 0 {
		e.Retry.Budget = 2 * time.Second
	}
	if e.Strategy.CallbackTimeout == 0 {
		e.Strategy.CallbackTimeout = 2 * time.Second
	}
}

// Validate collects every problem instead of stopping at the first.
func (e *Engine) Validate() error {
	var errs []string

	if len(e.Pairs) == 0 {
		errs = append(errs, "pairs must not be empty")
	}
	seen := make(map[string]bool, len(e.Pairs))
	for _, p := range e.Pairs {
		base, quote := domain.SplitPair(p)
		switch {
		case base == "" || quote == "":
			errs = append(errs, fmt.Sprintf("pair %q must look like BASE/QUOTE", p))
		case quote != e.Risk.StakeCurrency:
			errs = append(errs, fmt.Sprintf("pair %s is not quoted in stake currency %s", p, e.Risk.StakeCurrency))
		case seen[p]:
			errs = append(errs, fmt.Sprintf("pair %s listed twice", p))
		}
		seen[p] = true
	}

	switch e.TradingMode {
	case TradingModeSpot:
		if e.Leverage != 1 {
			errs = append(errs, "leverage must be 1 in spot mode")
		}
		if e.CanShort {
			errs = append(errs, "can_short requires trading_mode futures")
		}
	case TradingModeFutures:
		if e.Leverage < 1 || e.Leverage > 125 {
			errs = append(errs, "leverage must be within [1, 125]")
		}
	default:
		errs = append(errs, fmt.Sprintf("trading_mode must be spot or futures, got %q", e.TradingMode))
	}
	if e.Workers < 1 {
		errs = append(errs, "workers must be positive")
	}

	if _, err := risk.NewRiskManager(e.Risk); err != nil {
		errs = append(errs, err.Error())
	}
	if e.Unfilled.Entry < 0 || e.Unfilled.Exit < 0 || e.Unfilled.ExitTimeoutCount < 0 {
		errs = append(errs, "unfilledtimeout values cannot be negative")
	}
	if err := e.EntryPricing.Validate(); err != nil {
		errs = append(errs, "entry_pricing: "+err.Error())
	}
	if err := e.ExitPricing.Validate(); err != nil {
		errs = append(errs, "exit_pricing: "+err.Error())
	}
	if e.Intervals.Tick <= 0 || e.Intervals.Reconcile <= 0 || e.Intervals.Wallet <= 0 {
		errs = append(errs, "intervals must be positive")
	}
	if e.Retry.Attempts < 1 || e.Retry.Min <= 0 || e.Retry.Max < e.Retry.Min || e.Retry.Budget < 0 {
		errs = append(errs, "retry requires attempts >= 1, 0 < min <= max and a non-negative budget")
	}
	if r := e.Reconcile; r.AmountTolerance < 0 || r.PriceTolerance < 0 || r.Threshold < 0 || r.Threshold > 1 || r.BalanceTolerance < 0 {
		errs = append(errs, "reconcile tolerances must be non-negative and threshold within [0, 1]")
	}
	if e.Strategy.Name == "" {
		errs = append(errs, "strategy.name must be set")
	}

	if len(errs) > 0 {
		return errors.New("configuration validation failed: " + strings.Join(errs, "; "))
	}
	return nil
}

// Futures reports whether the engine trades derivatives.
func (e *Engine) Futures() bool { return e.TradingMode == TradingModeFutures }

// Requirements lists the strategy capabilities the configuration relies on.
func (e *Engine) Requirements() strategy.Requirements {
	return strategy.Requirements{
		UseExitSignal:      e.Strategy.UseExitSignal,
		PositionAdjustment: e.Risk.PositionAdjustmentEnable,
		CustomStoploss:     e.Strategy.UseCustomStoploss,
	}
}

// ReconcilePolicy returns the match policy, defaulting unset fields.
func (e *Engine) ReconcilePolicy() reconcile.Policy {
	p := reconcile.DefaultPolicy()
	if e.Reconcile.AmountTolerance > 0 {
		p.AmountTolerance = e.Reconcile.AmountTolerance
	}
	if e.Reconcile.TimeWindow > 0 {
		p.TimeWindow = e.Reconcile.TimeWindow
	}
	if e.Reconcile.PriceTolerance > 0 {
		p.PriceTolerance = e.Reconcile.PriceTolerance
	}
	if e.Reconcile.Threshold > 0 {
		p.Threshold = e.Reconcile.Threshold
	}
	return p
}

// LifecycleConfig derives the order lifecycle settings.
func (e *Engine) LifecycleConfig() lifecycle.Config {
	return lifecycle.Config{
		Timeouts:        e.Unfilled,
		OrderTypes:      e.OrderTypes,
		StoplossRatio:   e.Risk.StopLoss,
		Leverage:        float64(e.Leverage),
		StakeCurrency:   e.Risk.StakeCurrency,
		ReduceOnlyExits: e.Futures(),
		RetryAttempts:   e.Retry.Attempts,
		RetryMin:        e.Retry.Min,
		RetryMax:        e.Retry.Max,
		RetryBudget:     e.Retry.Budget,
	}
}
