package ports

import (
	"errors"
	"fmt"

	"tradeEngine/internal/domain"
)

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard errors.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Exchange Specific Errors
	ErrExchangeUnavailable  = errors.New("exchange API is unavailable")
	ErrConnectionFailed     = errors.New("failed to connect to the exchange")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrAuthenticationFailed = errors.New("exchange authentication failed (check API keys)")
	ErrInsufficientFunds    = errors.New("insufficient funds for operation")
	ErrOrderNotFound        = errors.New("order not found on the exchange")
	ErrOrderPlacementFailed = errors.New("failed to place order")
	ErrOrderAlreadyFilled   = errors.New("order already filled")
	ErrPricing              = errors.New("could not determine rate")

	// Database Specific Errors
	ErrDBConnection = errors.New("database connection error")
	ErrQueryFailed  = errors.New("database query failed")
	ErrUpdateFailed = errors.New("database update failed")

	// Engine Errors
	ErrConflict              = errors.New("an active trade already exists for this pair")
	ErrDesync                = errors.New("local state does not match the exchange")
	ErrRetryBudgetExhausted  = errors.New("exit retry budget exhausted")
	ErrCallbackTimeout       = errors.New("strategy callback exceeded its time budget")
	ErrTradeNotManaged       = errors.New("trade is not under automated management")
	ErrAdmissionRejected     = errors.New("entry rejected by admission checks")
	ErrUnsupportedCapability = errors.New("strategy lacks a required capability")
)

// DesyncError describes a mismatch between a trade's record and the exchange.
type DesyncError struct {
	TradeID int64
	OrderID string // client order id of the order involved, if any
	Reason  string
}

func (e *DesyncError) Error() string {
	return fmt.Sprintf("desync on trade %d order %s: %s", e.TradeID, e.OrderID, e.Reason)
}

func (e *DesyncError) Unwrap() error { return ErrDesync }

// IsTransient reports errors worth retrying with backoff.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrExchangeUnavailable) ||
		errors.Is(err, ErrConnectionFailed)
}

// IsValidation reports request errors that must not be retried automatically.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrOrderPlacementFailed)
}

// IsDesync reports errors that must be routed to reconciliation.
func IsDesync(err error) bool {
	return errors.Is(err, ErrDesync) ||
		errors.Is(err, domain.ErrFillDecreased) ||
		errors.Is(err, domain.ErrOverfill) ||
		errors.Is(err, domain.ErrInvalidTransition)
}

// IsFatalConfig reports configuration errors that abort startup.
func IsFatalConfig(err error) bool {
	return errors.Is(err, ErrConfigurationError) || errors.Is(err, ErrUnsupportedCapability)
}

// IsPersistence reports store failures; these are fatal to the process.
func IsPersistence(err error) bool {
	return errors.Is(err, ErrDBConnection) ||
		errors.Is(err, ErrQueryFailed) ||
		errors.Is(err, ErrUpdateFailed)
}
