package core

import "errors"

// Sentinel errors shared across the engine, feed, and orchestration layers.
// Callers classify failures with errors.Is; wrapping adds context.
var (
	// ErrInvalidOrder covers malformed order requests: unknown type or side,
	// non-positive size, missing price on a priced order.
	ErrInvalidOrder = errors.New("invalid order")

	// ErrInsufficientFunds is returned when the wallet cannot reserve the
	// full cost of an order at placement time.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrUnknownSymbol flags a symbol outside the configured universe.
	ErrUnknownSymbol = errors.New("unknown symbol")

	// ErrAlreadyTerminal is returned when cancelling or modifying an order
	// that already reached a terminal status.
	ErrAlreadyTerminal = errors.New("order already terminal")

	// ErrClockRegression is returned when the virtual clock is asked to move
	// to a time at or before its current value.
	ErrClockRegression = errors.New("clock regression")

	// ErrMalformedCandle flags an internally inconsistent OHLCV bar.
	ErrMalformedCandle = errors.New("malformed candle")

	// ErrDataGap is returned when the candle feed cannot cover a requested
	// window. A gap aborts the run rather than silently filling.
	ErrDataGap = errors.New("candle data gap")

	// ErrStrategyUnavailable is returned when the strategy service cannot be
	// reached after retries.
	ErrStrategyUnavailable = errors.New("strategy service unavailable")

	// ErrStrategyTimeout is returned when a strategy call exceeds its
	// per-call deadline.
	ErrStrategyTimeout = errors.New("strategy call timed out")

	// ErrEngineInvariant signals internal accounting corruption, e.g. the
	// equity identity failing to hold. Always fatal.
	ErrEngineInvariant = errors.New("engine invariant violated")
)
