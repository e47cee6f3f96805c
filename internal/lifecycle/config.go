package lifecycle

import (
	"fmt"
	"time"

	"tradeEngine/internal/domain"
	"tradeEngine/internal/ports"
)

// Timeouts bounds how long orders may stay unfilled.
type Timeouts struct {
	Entry            time.Duration `yaml:"entry"`
	Exit             time.Duration `yaml:"exit"`
	ExitTimeoutCount int           `yaml:"exit_timeout_count"` // 0 = unlimited
}

// OrderTypes maps engine intents to order types. Intents execute as limit or
// market orders; StoplossOnExchange additionally keeps a stop order resting
// at the venue for every open position.
type OrderTypes struct {
	Entry              domain.OrderType `yaml:"entry"`
	Exit               domain.OrderType `yaml:"exit"`
	Stoploss           domain.OrderType `yaml:"stoploss"`
	EmergencyExit      domain.OrderType `yaml:"emergency_exit"`
	ForceExit          domain.OrderType `yaml:"force_exit"`
	ForceEntry         domain.OrderType `yaml:"force_entry"`
	StoplossOnExchange bool             `yaml:"stoploss_on_exchange"`
}

// WithDefaults fills unset types the way a limit-order setup expects.
func (o OrderTypes) WithDefaults() OrderTypes {
	def := func(v *domain.OrderType, d domain.OrderType) {
		if *v == "" {
			*v = d
		}
	}
	def(&o.Entry, domain.OrderTypeLimit)
	def(&o.Exit, domain.OrderTypeLimit)
	def(&o.Stoploss, domain.OrderTypeMarket)
	def(&o.EmergencyExit, domain.OrderTypeMarket)
	def(&o.ForceExit, o.Exit)
	def(&o.ForceEntry, o.Entry)
	return o
}

// ForExit picks the order type for an exit with reason.
func (o OrderTypes) ForExit(reason domain.ExitReason) domain.OrderType {
	switch reason {
	case domain.ExitReasonStoploss, domain.ExitReasonTrailingStop:
		return o.Stoploss
	case domain.ExitReasonEmergency:
		return o.EmergencyExit
	case domain.ExitReasonForceExit:
		return o.ForceExit
	default:
		return o.Exit
	}
}

// Validate checks every configured type can be executed by the venue.
func (o OrderTypes) Validate(supported []domain.OrderType) error {
	ok := make(map[domain.OrderType]bool, len(supported))
	for _, t := range supported {
		ok[t] = true
	}
	check := map[string]domain.OrderType{
		"entry": o.Entry, "exit": o.Exit, "stoploss": o.Stoploss,
		"emergency_exit": o.EmergencyExit, "force_exit": o.ForceExit, "force_entry": o.ForceEntry,
	}
	for name, t := range check {
		if t != domain.OrderTypeLimit && t != domain.OrderTypeMarket {
			return fmt.Errorf("%w: order type %s=%s must be limit or market", ports.ErrConfigurationError, name, t)
		}
		if !ok[t] {
			return fmt.Errorf("%w: order type %s=%s not supported by exchange", ports.ErrConfigurationError, name, t)
		}
	}
	if o.StoplossOnExchange && !ok[domain.OrderTypeStoploss] {
		return fmt.Errorf("%w: stoploss_on_exchange set but exchange has no stop orders", ports.ErrConfigurationError)
	}
	return nil
}

// Config holds configuration for the lifecycle manager.
type Config struct {
	Timeouts        Timeouts
	OrderTypes      OrderTypes
	StoplossRatio   float64 // initial stop relative to the open rate, negative; see SetStoplossRatio
	Leverage        float64
	StakeCurrency   string
	ReduceOnlyExits bool // futures

	RetryAttempts int // submissions and idempotent calls on transient errors
	RetryMin      time.Duration
	RetryMax      time.Duration
	RetryBudget   time.Duration // total backoff one call may spend waiting

	Clock func() time.Time
}
