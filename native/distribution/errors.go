package distribution

import "errors"

var (
	// ErrNilSupply is returned when the vault token supply is missing or
	// not positive.
	ErrNilSupply = errors.New("distribution: token supply must be positive")
	// ErrInvalidShares is returned when the acquirer share is outside
	// (0, 1] or the liquidity share is outside [0, 1) in basis points.
	ErrInvalidShares = errors.New("distribution: share percentages out of range")
	// ErrNegativeTotal is returned when an aggregate currency total is
	// negative.
	ErrNegativeTotal = errors.New("distribution: totals cannot be negative")
	// ErrNegativeAmount is returned when a per-transaction amount is
	// negative.
	ErrNegativeAmount = errors.New("distribution: transaction amount cannot be negative")
)
