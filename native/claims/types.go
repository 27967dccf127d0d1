package claims

import (
	"math/big"
)

// Type classifies what a claim entitles its owner to.
type Type string

const (
	TypeContributor     Type = "contributor"
	TypeAcquirer        Type = "acquirer"
	TypeLiquidityPool   Type = "liquidity-pool"
	TypeCancellation    Type = "cancellation"
	TypeTermination     Type = "termination"
	TypeSecondaryReward Type = "secondary-reward"
)

// Status is the lifecycle state of a claim.
type Status string

const (
	StatusAvailable Status = "available"
	StatusPending   Status = "pending"
	StatusClaimed   Status = "claimed"
	StatusFailed    Status = "failed"
)

// allowedTransitions lists the forward edges of the claim state machine.
// available -> claimed is the idempotent-recovery jump taken when the
// backing transaction turns out to be settled already.
var allowedTransitions = map[Status]map[Status]bool{
	StatusAvailable: {
		StatusPending: true,
		StatusClaimed: true,
	},
	StatusPending: {
		StatusClaimed: true,
		StatusFailed:  true,
	},
}

// CanTransition reports whether moving from one status to the next is a
// legal edge.
func CanTransition(from, to Status) bool {
	return allowedTransitions[from][to]
}

// Terminal reports whether a status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusClaimed || s == StatusFailed
}

// Resolved reports whether the claim has left the settlement pipeline.
// Unresolved claims block creation of a second claim for the same
// (participant, source transaction) pair.
func (s Status) Resolved() bool {
	return s == StatusFailed
}

// settleableTypes are the claim types the batch settlement processor pays
// out. Cancellation and termination claims ride the same pipeline;
// secondary rewards settle through the incentive program instead.
var settleableTypes = map[Type]bool{
	TypeContributor:   true,
	TypeAcquirer:      true,
	TypeLiquidityPool: true,
	TypeCancellation:  true,
	TypeTermination:   true,
}

// Settleable reports whether the sweep should pick up claims of this type.
func (t Type) Settleable() bool {
	return settleableTypes[t]
}

// Valid reports whether t is a known claim type.
func (t Type) Valid() bool {
	switch t {
	case TypeContributor, TypeAcquirer, TypeLiquidityPool,
		TypeCancellation, TypeTermination, TypeSecondaryReward:
		return true
	}
	return false
}

// Claim is a persisted entitlement a participant can settle. Token and
// currency amounts are non-negative integers in smallest units; fractional
// allocation is resolved by the rounding kernel before a claim exists.
type Claim struct {
	ID          string
	Participant string
	VaultID     string
	Type        Type
	Status      Status
	Tokens      *big.Int
	Currency    *big.Int
	// Multiplier is set for acquirer claims only: the vault-wide minimum
	// multiplier the allocation settled at.
	Multiplier *big.Int
	Metadata   Metadata
	// SourceTxID references the contribution/acquisition that backs the
	// claim. SettlementRef is filled once the claim is paid out.
	SourceTxID    string
	SettlementRef string
	CreatedAt     int64
	UpdatedAt     int64
}

// Clone returns a deep copy, protecting internal big.Int references.
func (c *Claim) Clone() *Claim {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Tokens = copyBigInt(c.Tokens)
	clone.Currency = copyBigInt(c.Currency)
	if c.Multiplier != nil {
		clone.Multiplier = new(big.Int).Set(c.Multiplier)
	}
	clone.Metadata = c.Metadata.Clone()
	return &clone
}

func copyBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
