package storage

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"gorm.io/gorm"

	"vaultdist/native/claims"
	"vaultdist/native/vault"
)

// VaultRecord persists a vault. Big integers are stored as decimal strings
// so amounts survive round-trips without precision loss.
type VaultRecord struct {
	ID            string `gorm:"primaryKey;size:64"`
	TokenSupply   string `gorm:"size:96;not null"`
	TokenDecimals uint8
	AcquirerBps   uint64
	LiquidityBps  uint64
	Status        string `gorm:"size:24;index"`
	Acquired      string `gorm:"size:96"`
	Contributed   string `gorm:"size:96"`
	LPWallet      string `gorm:"size:128"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TableName pins the table so the schema survives struct renames.
func (VaultRecord) TableName() string { return "vaults" }

// TransactionRecord persists a contribution or acquisition.
type TransactionRecord struct {
	ID          string        `gorm:"primaryKey;size:128"`
	VaultID     string        `gorm:"size:64;index"`
	Kind        string        `gorm:"size:16;index"`
	Status      string        `gorm:"size:16;index"`
	Participant string        `gorm:"size:128;index"`
	Amount      string        `gorm:"size:96"`
	Assets      []AssetRecord `gorm:"foreignKey:TransactionID"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (TransactionRecord) TableName() string { return "transactions" }

// AssetRecord persists one contributed asset of a transaction.
type AssetRecord struct {
	ID            string `gorm:"primaryKey;size:128"`
	TransactionID string `gorm:"size:128;index"`
	PolicyID      string `gorm:"size:128"`
	AssetName     string `gorm:"size:128"`
	Quantity      uint64
	UnitValue     string `gorm:"size:96"`
	Distributed   bool   `gorm:"index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (AssetRecord) TableName() string { return "assets" }

// ClaimRecord persists a ledger claim. Metadata is serialized JSON.
type ClaimRecord struct {
	ID            string `gorm:"primaryKey;size:64"`
	Participant   string `gorm:"size:128;index;index:idx_claims_source,priority:1"`
	VaultID       string `gorm:"size:64;index"`
	Type          string `gorm:"size:32;index"`
	Status        string `gorm:"size:16;index"`
	Tokens        string `gorm:"size:96;not null"`
	Currency      string `gorm:"size:96;not null"`
	Multiplier    string `gorm:"size:96"`
	Metadata      string `gorm:"type:text"`
	SourceTxID    string `gorm:"size:128;index:idx_claims_source,priority:2"`
	SettlementRef string `gorm:"size:128;index"`
	CreatedAt     int64
	UpdatedAt     int64
}

func (ClaimRecord) TableName() string { return "claims" }

// SettlementRecord persists a submitted settlement batch for recovery and
// audit. BatchRef is the deterministic batch identifier claims reference.
type SettlementRecord struct {
	ID        string `gorm:"primaryKey;size:64"`
	BatchRef  string `gorm:"uniqueIndex;size:128"`
	VaultID   string `gorm:"size:64;index"`
	TxRef     string `gorm:"size:128"`
	Claims    int
	CreatedAt time.Time
}

func (SettlementRecord) TableName() string { return "settlements" }

// LeaseRecord backs the per-vault settlement lease.
type LeaseRecord struct {
	VaultID   string `gorm:"primaryKey;size:64"`
	Holder    string `gorm:"size:128"`
	Token     string `gorm:"size:64"`
	ExpiresAt time.Time
	UpdatedAt time.Time
}

func (LeaseRecord) TableName() string { return "leases" }

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&VaultRecord{},
		&TransactionRecord{},
		&AssetRecord{},
		&ClaimRecord{},
		&SettlementRecord{},
		&LeaseRecord{},
	)
}

func formatBig(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseBig(raw string) (*big.Int, error) {
	if raw == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("%w: malformed integer %q", ErrCorruptRecord, raw)
	}
	return value, nil
}

func vaultToRecord(v *vault.Vault) *VaultRecord {
	return &VaultRecord{
		ID:            v.ID,
		TokenSupply:   formatBig(v.TokenSupply),
		TokenDecimals: v.TokenDecimals,
		AcquirerBps:   v.AcquirerBps,
		LiquidityBps:  v.LiquidityBps,
		Status:        string(v.Status),
		Acquired:      formatBig(v.Acquired),
		Contributed:   formatBig(v.Contributed),
		LPWallet:      v.LPWallet,
	}
}

func recordToVault(rec *VaultRecord) (*vault.Vault, error) {
	supply, err := parseBig(rec.TokenSupply)
	if err != nil {
		return nil, err
	}
	acquired, err := parseBig(rec.Acquired)
	if err != nil {
		return nil, err
	}
	contributed, err := parseBig(rec.Contributed)
	if err != nil {
		return nil, err
	}
	return &vault.Vault{
		ID:            rec.ID,
		TokenSupply:   supply,
		TokenDecimals: rec.TokenDecimals,
		AcquirerBps:   rec.AcquirerBps,
		LiquidityBps:  rec.LiquidityBps,
		Status:        vault.Status(rec.Status),
		Acquired:      acquired,
		Contributed:   contributed,
		LPWallet:      rec.LPWallet,
	}, nil
}

func transactionToRecord(tx *vault.SourceTransaction) *TransactionRecord {
	rec := &TransactionRecord{
		ID:          tx.ID,
		VaultID:     tx.VaultID,
		Kind:        string(tx.Kind),
		Status:      string(tx.Status),
		Participant: tx.Participant,
		Amount:      formatBig(tx.Amount),
	}
	for _, asset := range tx.Assets {
		rec.Assets = append(rec.Assets, AssetRecord{
			ID:            asset.ID,
			TransactionID: tx.ID,
			PolicyID:      asset.PolicyID,
			AssetName:     asset.AssetName,
			Quantity:      asset.Quantity,
			UnitValue:     formatBig(asset.UnitValue),
			Distributed:   asset.Distributed,
		})
	}
	return rec
}

func recordToTransaction(rec *TransactionRecord) (*vault.SourceTransaction, error) {
	amount, err := parseBig(rec.Amount)
	if err != nil {
		return nil, err
	}
	tx := &vault.SourceTransaction{
		ID:          rec.ID,
		VaultID:     rec.VaultID,
		Kind:        vault.TxKind(rec.Kind),
		Status:      vault.TxStatus(rec.Status),
		Participant: rec.Participant,
		Amount:      amount,
	}
	for _, asset := range rec.Assets {
		unitValue, err := parseBig(asset.UnitValue)
		if err != nil {
			return nil, err
		}
		tx.Assets = append(tx.Assets, vault.Asset{
			ID:          asset.ID,
			PolicyID:    asset.PolicyID,
			AssetName:   asset.AssetName,
			Quantity:    asset.Quantity,
			UnitValue:   unitValue,
			Distributed: asset.Distributed,
		})
	}
	return tx, nil
}

func claimToRecord(c *claims.Claim) (*ClaimRecord, error) {
	meta, err := json.Marshal(c.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode claim metadata: %w", err)
	}
	rec := &ClaimRecord{
		ID:            c.ID,
		Participant:   c.Participant,
		VaultID:       c.VaultID,
		Type:          string(c.Type),
		Status:        string(c.Status),
		Tokens:        formatBig(c.Tokens),
		Currency:      formatBig(c.Currency),
		Metadata:      string(meta),
		SourceTxID:    c.SourceTxID,
		SettlementRef: c.SettlementRef,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
	if c.Multiplier != nil {
		rec.Multiplier = c.Multiplier.String()
	}
	return rec, nil
}

func recordToClaim(rec *ClaimRecord) (*claims.Claim, error) {
	tokens, err := parseBig(rec.Tokens)
	if err != nil {
		return nil, err
	}
	currency, err := parseBig(rec.Currency)
	if err != nil {
		return nil, err
	}
	claim := &claims.Claim{
		ID:            rec.ID,
		Participant:   rec.Participant,
		VaultID:       rec.VaultID,
		Type:          claims.Type(rec.Type),
		Status:        claims.Status(rec.Status),
		Tokens:        tokens,
		Currency:      currency,
		SourceTxID:    rec.SourceTxID,
		SettlementRef: rec.SettlementRef,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
	if rec.Multiplier != "" {
		multiplier, err := parseBig(rec.Multiplier)
		if err != nil {
			return nil, err
		}
		claim.Multiplier = multiplier
	}
	if rec.Metadata != "" {
		if err := json.Unmarshal([]byte(rec.Metadata), &claim.Metadata); err != nil {
			return nil, fmt.Errorf("%w: claim metadata: %v", ErrCorruptRecord, err)
		}
	}
	return claim, nil
}
