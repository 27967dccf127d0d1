package vault

import "math/big"

// Status enumerates the lifecycle phases a vault moves through. Phase
// transitions are driven by an external scheduler; the distribution core only
// reads the status to decide whether a vault is eligible for claim creation.
type Status string

const (
	StatusPending      Status = "pending"
	StatusContribution Status = "contribution"
	StatusAcquisition  Status = "acquisition"
	StatusDistributing Status = "distributing"
	StatusDistributed  Status = "distributed"
	StatusCancelled    Status = "cancelled"
	StatusTerminated   Status = "terminated"
)

// TxKind distinguishes the two source transaction flavours.
type TxKind string

const (
	TxKindContribute TxKind = "contribute"
	TxKindAcquire    TxKind = "acquire"
)

// TxStatus mirrors the submission lifecycle of a source transaction on the
// external ledger. Only confirmed transactions participate in distribution.
type TxStatus string

const (
	TxStatusCreated   TxStatus = "created"
	TxStatusPending   TxStatus = "pending"
	TxStatusSubmitted TxStatus = "submitted"
	TxStatusConfirmed TxStatus = "confirmed"
	TxStatusFailed    TxStatus = "failed"
	TxStatusStuck     TxStatus = "stuck"
)

// BpsDenominator is the fixed denominator for the vault share percentages.
const BpsDenominator = 10000

// Vault is the pooled entity whose token supply and collected currency are
// being distributed. The core treats it as read-only.
type Vault struct {
	ID            string
	TokenSupply   *big.Int // smallest token units
	TokenDecimals uint8
	AcquirerBps   uint64 // share of supply offered to acquirers
	LiquidityBps  uint64 // share of supply reserved for the liquidity pool
	Status        Status
	// Acquired and Contributed are running totals in smallest currency
	// units: currency received from acquisitions and assessed value received
	// from contributions respectively.
	Acquired    *big.Int
	Contributed *big.Int
	// LPWallet receives the liquidity-pool claim.
	LPWallet string
}

// Asset is a contributed asset record carrying its independently assessed
// unit value in smallest currency units.
type Asset struct {
	ID          string
	PolicyID    string
	AssetName   string
	Quantity    uint64
	UnitValue   *big.Int
	Distributed bool
}

// SourceTransaction is a contribution or acquisition feeding a vault.
type SourceTransaction struct {
	ID          string
	VaultID     string
	Kind        TxKind
	Status      TxStatus
	Participant string
	// Amount is the currency sent, in smallest units. Set for acquisitions.
	Amount *big.Int
	// Assets are the contributed records, ordered as submitted. Set for
	// contributions.
	Assets []Asset
}

// AssessedValue sums the assessed value of a contribution's assets in
// smallest currency units. Returns zero for acquisitions.
func (tx *SourceTransaction) AssessedValue() *big.Int {
	total := big.NewInt(0)
	if tx == nil {
		return total
	}
	for _, asset := range tx.Assets {
		if asset.UnitValue == nil {
			continue
		}
		value := new(big.Int).Mul(asset.UnitValue, new(big.Int).SetUint64(asset.Quantity))
		total.Add(total, value)
	}
	return total
}

// Confirmed reports whether the transaction participates in distribution.
func (tx *SourceTransaction) Confirmed() bool {
	return tx != nil && tx.Status == TxStatusConfirmed
}
