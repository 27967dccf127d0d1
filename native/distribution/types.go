package distribution

import "math/big"

// DefaultUnitScale converts the currency's display unit into its smallest
// unit (one million smallest units per display unit).
const DefaultUnitScale = 1_000_000

// Params carries calculator tuning that is constant per deployment.
type Params struct {
	// UnitScale converts display currency units to smallest units.
	// Zero falls back to DefaultUnitScale.
	UnitScale uint64
}

func (p Params) unitScale() uint64 {
	if p.UnitScale == 0 {
		return DefaultUnitScale
	}
	return p.UnitScale
}

// Totals aggregates the vault-level inputs once the contribution and
// acquisition windows have closed. Currency values are smallest units.
type Totals struct {
	Supply       *big.Int // token supply S, smallest token units
	AcquirerBps  uint64   // share of S offered to acquirers
	LiquidityBps uint64   // share of S reserved for the liquidity pool
	Acquired     *big.Int // total currency received from acquisitions
	Contributed  *big.Int // total assessed value received from contributions
}

// Acquisition is one confirmed acquire transaction.
type Acquisition struct {
	TxID        string
	Participant string
	Amount      *big.Int // currency sent, smallest units
}

// Contribution is one confirmed contribute transaction.
type Contribution struct {
	TxID        string
	Participant string
	Assessed    *big.Int // assessed value, smallest currency units
}

// LPAllocation is the liquidity-pool half of the split.
type LPAllocation struct {
	Tokens   *big.Int // smallest token units
	Currency *big.Int // smallest currency units
	// PairMultiplier and AdjustedTokens describe the exact-integer-multiple
	// normalization required by the settlement contract. AdjustedTokens is
	// reported alongside the raw allocation; the residual between them has
	// no mandated disposition.
	PairMultiplier *big.Int
	AdjustedTokens *big.Int
	// ReferencePrice is currency per token in display units. Nil when the
	// vault has no liquidity pool.
	ReferencePrice *big.Rat
}

// AcquirerAllocation is the computed entitlement for one acquisition.
type AcquirerAllocation struct {
	TxID        string
	Participant string
	Tokens      *big.Int
	// Multiplier is the vault-wide minimum multiplier every acquirer
	// settles at. Tokens = Multiplier * Amount.
	Multiplier *big.Int
}

// ContributorAllocation is the computed entitlement for one contribution.
type ContributorAllocation struct {
	TxID        string
	Participant string
	Tokens      *big.Int
	Currency    *big.Int
}

// Result is the full allocation for a vault. The calculator is pure:
// identical inputs yield bit-identical results.
type Result struct {
	FDV          *big.Rat
	LP           LPAllocation
	Acquirers    []AcquirerAllocation
	Contributors []ContributorAllocation
	// ResidualTokens is the supply left unallocated by flooring and the
	// minimum-multiplier normalization. Always non-negative.
	ResidualTokens *big.Int
}
