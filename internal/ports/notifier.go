package ports

import (
	"context"
	"time"
)

// AlertKind classifies operator-facing events.
type AlertKind string

const (
	AlertUnmanaged        AlertKind = "unmanaged_trade"
	AlertRetryExhausted   AlertKind = "retry_budget_exhausted"
	AlertValidationFailed AlertKind = "validation_failed"
	AlertDesync           AlertKind = "desync"
	AlertTradeOpened      AlertKind = "trade_opened"
	AlertTradeClosed      AlertKind = "trade_closed"
)

// Alert is an event surfaced to the operator.
type Alert struct {
	Kind    AlertKind              `json:"kind"`
	TradeID int64                  `json:"trade_id,omitempty"`
	Pair    string                 `json:"pair,omitempty"`
	Message string                 `json:"message"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
	Time    time.Time              `json:"time"`
}

// Notifier delivers alerts to the operator. Implementations must not block for long.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}
