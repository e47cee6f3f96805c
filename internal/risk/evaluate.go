package risk

import (
	"fmt"
	"time"

	"tradeEngine/internal/domain"
)

// Action is what the supervisor should do for a trade this tick.
type Action int

const (
	Hold Action = iota
	Exit
	Adjust
)

func (a Action) String() string {
	switch a {
	case Exit:
		return "exit"
	case Adjust:
		return "adjust"
	default:
		return "hold"
	}
}

// Input is the state a decision is taken on. Callbacks may be nil and are only
// invoked when their precedence step is reached.
type Input struct {
	Trade     *domain.Trade
	Rate      float64 // current exit rate
	Now       time.Time
	ForceExit bool
	Emergency bool

	CustomStoploss func() (ratio float64, ok bool, err error)
	ExitSignal     func() (exit bool, tag string, err error)
	Adjust         func() (stakeDelta float64, err error)
}

// Decision is the single action for this tick plus an optional stop update.
type Decision struct {
	Action     Action
	Reason     domain.ExitReason
	Tag        string
	StakeDelta float64 // Adjust: >0 adds to the position, <0 partially exits

	StopLoss      float64 // non-zero when the stop should move to this price
	StopLossRatio float64

	Errors []error // callback failures; the step was skipped
}

// Evaluate applies the exit precedence to one open trade: forced exit,
// stoploss, trailing ratchet, ROI, custom exit, adjustment, max duration. It
// never mutates in.Trade.
func (r *RiskManager) Evaluate(in Input) Decision {
	t := in.Trade
	var d Decision

	if in.ForceExit && !in.Emergency {
		return Decision{Action: Exit, Reason: domain.ExitReasonForceExit}
	}
	if p := r.Protect(in); p.Action == Exit {
		return p
	}

	d.StopLoss, d.StopLossRatio = r.ratchet(in, &d)

	profit := t.ProfitRatio(in.Rate)
	if roi, ok := r.MinROI(t.Duration(in.Now)); ok && profit > roi {
		d.Action, d.Reason = Exit, domain.ExitReasonROI
		return d
	}

	if in.ExitSignal != nil {
		exit, tag, err := in.ExitSignal()
		if err != nil {
			d.Errors = append(d.Errors, fmt.Errorf("exit signal: %w", err))
		} else if exit {
			d.Action, d.Reason, d.Tag = Exit, domain.ExitReasonSellSignal, tag
			return d
		}
	}

	if in.Adjust != nil && r.canAdjust(t) {
		delta, err := in.Adjust()
		if err != nil {
			d.Errors = append(d.Errors, fmt.Errorf("adjust position: %w", err))
		} else if delta != 0 {
			d.Action, d.StakeDelta = Adjust, delta
			return d
		}
	}

	if r.config.MaxTradeDuration > 0 && t.Duration(in.Now) >= r.config.MaxTradeDuration {
		d.Action, d.Reason = Exit, domain.ExitReasonTimeout
	}
	return d
}

// Protect runs only the protective steps: the emergency exit and the stop
// check. It is used while another order is still in flight.
func (r *RiskManager) Protect(in Input) Decision {
	if in.Emergency {
		return Decision{Action: Exit, Reason: domain.ExitReasonEmergency}
	}
	if in.Trade.StoplossHit(in.Rate) {
		reason := domain.ExitReasonStoploss
		if in.Trade.TrailingActive {
			reason = domain.ExitReasonTrailingStop
		}
		return Decision{Action: Exit, Reason: reason}
	}
	return Decision{}
}

func (r *RiskManager) canAdjust(t *domain.Trade) bool {
	if !r.config.PositionAdjustmentEnable {
		return false
	}
	max := r.config.MaxEntryPositionAdjustment
	return max < 0 || t.FilledEntries() <= max
}

// ratchet computes a tighter stop from the custom stoploss callback and the
// trailing configuration. It returns zero when the stop should not move.
func (r *RiskManager) ratchet(in Input, d *Decision) (float64, float64) {
	t := in.Trade
	best, bestRatio := t.StopLoss, t.StopLossRatio
	moved := false
	consider := func(stop, ratio float64) {
		if stop > 0 && t.IsTighter(stop, best) {
			best, bestRatio, moved = stop, ratio, true
		}
	}

	if in.CustomStoploss != nil {
		ratio, ok, err := in.CustomStoploss()
		switch {
		case err != nil:
			d.Errors = append(d.Errors, fmt.Errorf("custom stoploss: %w", err))
		case ok && ratio < 0:
			consider(t.StoplossFromRatio(in.Rate, ratio), ratio)
		}
	}

	if r.config.TrailingStop {
		ref := bound(t, in.Rate)
		ratio := r.config.StopLoss
		apply := true
		if r.config.TrailingStopPositive > 0 && t.ProfitRatio(ref) > r.config.TrailingStopPositiveOffset {
			ratio = -r.config.TrailingStopPositive
		} else if r.config.TrailingOnlyOffsetIsReached {
			apply = false
		}
		if apply {
			consider(t.StoplossFromRatio(ref, ratio), ratio)
		}
	}

	if !moved {
		return 0, 0
	}
	return best, bestRatio
}
