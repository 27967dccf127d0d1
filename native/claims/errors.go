package claims

import "errors"

var (
	// ErrValidation rejects malformed input before any state change.
	ErrValidation = errors.New("claims: invalid input")
	// ErrClaimNotFound is returned for unknown claim ids.
	ErrClaimNotFound = errors.New("claims: claim not found")
	// ErrVaultNotFound is returned for unknown vault ids.
	ErrVaultNotFound = errors.New("claims: vault not found")
	// ErrDuplicateClaim guards the one-claim-per-pair invariant.
	ErrDuplicateClaim = errors.New("claims: claim already exists for participant and transaction")
	// ErrInvalidTransition is returned for a move outside the state machine.
	ErrInvalidTransition = errors.New("claims: invalid status transition")
	// ErrNilState is returned when the engine has no state backend.
	ErrNilState = errors.New("claims: state not configured")
)
