package apperrors

import "errors"

// Standardized broker and pipeline errors
var (
	// Broker-terminal rejections: recorded as terminal order state, never retried
	ErrInsufficientFunds = errors.New("insufficient buying power")
	ErrInvalidSymbol     = errors.New("invalid symbol")
	ErrOrderRejected     = errors.New("order rejected")

	// Transient broker errors: retried with backoff, bounded attempts
	ErrNetwork           = errors.New("network error")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// Lookup / dedup
	ErrOrderNotFound    = errors.New("order not found")
	ErrSignalNotFound   = errors.New("signal not found")
	ErrPositionNotFound = errors.New("position not found")
	ErrDuplicateOrder   = errors.New("duplicate order")
	ErrDuplicateEvent   = errors.New("duplicate broker event")
	ErrDuplicateSignal  = errors.New("duplicate signal")

	// Concurrency
	ErrVersionConflict = errors.New("state machine version conflict")

	// Reconciliation anomalies
	ErrUnknownBrokerStatus = errors.New("unrecognized broker status")
	ErrInvalidTransition   = errors.New("invalid state transition")

	// Validation: rejected before any persistence, never retried
	ErrInvalidSignal = errors.New("invalid signal")

	// Ledger
	ErrLedgerInconsistent = errors.New("ledger reconciliation mismatch")
)

// Terminal reports whether err is a broker-terminal rejection that must
// not be retried.
func Terminal(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInvalidSymbol) ||
		errors.Is(err, ErrOrderRejected)
}

// Transient reports whether err is worth retrying with backoff.
func Transient(err error) bool {
	return errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrRateLimitExceeded) ||
		errors.Is(err, ErrBrokerUnavailable)
}
