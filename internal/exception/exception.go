package exception

import "errors"

// Trading errors
var (
	// ErrPriceUnavailable is returned when no fresh tick exists for the required channel. Retryable.
	ErrPriceUnavailable = errors.New("price unavailable")
	// ErrInsufficientFunds is returned when the wallet cannot cover a reservation or debit.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvalidPosition is returned for updates referencing a missing or closed position.
	ErrInvalidPosition = errors.New("invalid position")
	ErrInvalidOrder    = errors.New("invalid order")
	ErrInvalidAmount   = errors.New("invalid amount")
	// ErrInvalidRiskParams is returned when target/stop-loss sit on the wrong side of the entry.
	ErrInvalidRiskParams = errors.New("invalid risk parameters")
)

// Market data errors
var (
	// ErrUpstreamFeedDown is logged by the feed adapter; dependents only observe staleness.
	ErrUpstreamFeedDown = errors.New("upstream feed down")
	ErrUnknownSymbol    = errors.New("unknown symbol")
	ErrInvalidChannel   = errors.New("invalid channel")
)

// General errors
var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
)
