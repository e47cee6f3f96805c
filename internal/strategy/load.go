// Package strategy loads decision strategies, checks their capabilities against
// the engine configuration and isolates their callbacks behind a time budget.
package strategy

import (
	"fmt"
	"sort"
	"sync"

	"tradeEngine/internal/ports"

	"gopkg.in/yaml.v3"
)

// Factory builds a strategy from its YAML parameters. params may be nil.
type Factory func(params *yaml.Node, logger ports.Logger) (ports.Strategy, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{
		"ma_cross": newMACrossFromYAML,
	}
)

// Register adds a strategy factory under name, replacing any previous one.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Names lists registered strategies.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Requirements are the capabilities the engine configuration relies on.
type Requirements struct {
	UseExitSignal      bool
	PositionAdjustment bool
	CustomStoploss     bool
}

// Load builds the named strategy and validates it against req.
func Load(name string, params *yaml.Node, req Requirements, logger ports.Logger) (ports.Strategy, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown strategy %q (known: %v)", ports.ErrConfigurationError, name, Names())
	}
	s, err := f(params, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build strategy %s: %w", name, err)
	}
	if err := Validate(s, req); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks that s implements every capability req relies on.
func Validate(s ports.Strategy, req Requirements) error {
	if req.UseExitSignal {
		if _, ok := s.(ports.ExitSignaler); !ok {
			return fmt.Errorf("%w: %s has no exit signal but use_exit_signal is set", ports.ErrUnsupportedCapability, s.Name())
		}
	}
	if req.PositionAdjustment {
		if _, ok := s.(ports.PositionAdjuster); !ok {
			return fmt.Errorf("%w: %s cannot adjust positions but position_adjustment_enable is set", ports.ErrUnsupportedCapability, s.Name())
		}
	}
	if req.CustomStoploss {
		if _, ok := s.(ports.StoplossCustomizer); !ok {
			return fmt.Errorf("%w: %s has no custom stoploss but use_custom_stoploss is set", ports.ErrUnsupportedCapability, s.Name())
		}
	}
	if cc, ok := s.(ports.CandleConsumer); ok {
		if cc.Timeframe() == "" || cc.RequiredDataPoints() <= 0 {
			return fmt.Errorf("%w: %s declares candles without a timeframe or size", ports.ErrUnsupportedCapability, s.Name())
		}
	}
	return nil
}

func newMACrossFromYAML(params *yaml.Node, logger ports.Logger) (ports.Strategy, error) {
	cfg := Config{
		Timeframe:         "5m",
		ShortTermMAPeriod: 20,
		LongTermMAPeriod:  50,
		EMAPeriod:         20,
		RSIPeriod:         14,
		RSIOverbought:     70,
		RSIOversold:       30,
	}
	if params != nil && !params.IsZero() {
		if err := params.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("%w: ma_cross params: %w", ports.ErrConfigurationError, err)
		}
	}
	return NewMACross(cfg, logger)
}
