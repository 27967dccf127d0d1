package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"vaultdist/native/claims"
	"vaultdist/native/vault"
)

var (
	// ErrCorruptRecord flags a persisted row that no longer parses.
	ErrCorruptRecord = errors.New("storage: corrupt record")
	// ErrLeaseHeld is returned when another holder owns the vault lease.
	ErrLeaseHeld = errors.New("storage: lease held")
	// ErrPathRequired is returned for empty sqlite storage paths.
	ErrPathRequired = errors.New("storage: path required")
)

// Store is the gorm-backed persistence layer. It satisfies the claim
// engine's state interface, the reconciler's source, and the asset updater.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// New wraps an open gorm handle and runs migrations.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("storage: nil db")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// SetNowFunc overrides the clock. Primarily for deterministic tests.
func (s *Store) SetNowFunc(now func() time.Time) {
	if now == nil {
		s.now = time.Now
		return
	}
	s.now = now
}

// VaultPut upserts a vault.
func (s *Store) VaultPut(v *vault.Vault) error {
	if v == nil || strings.TrimSpace(v.ID) == "" {
		return fmt.Errorf("storage: vault id required")
	}
	return s.db.Save(vaultToRecord(v)).Error
}

// VaultGet loads a vault by id.
func (s *Store) VaultGet(id string) (*vault.Vault, bool, error) {
	var rec VaultRecord
	err := s.db.First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	v, err := recordToVault(&rec)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// TransactionPut upserts a source transaction together with its assets.
func (s *Store) TransactionPut(tx *vault.SourceTransaction) error {
	if tx == nil || strings.TrimSpace(tx.ID) == "" {
		return fmt.Errorf("storage: transaction id required")
	}
	rec := transactionToRecord(tx)
	return s.db.Transaction(func(db *gorm.DB) error {
		assets := rec.Assets
		rec.Assets = nil
		if err := db.Save(rec).Error; err != nil {
			return err
		}
		for i := range assets {
			if err := db.Save(&assets[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// TransactionGet loads a transaction with its assets.
func (s *Store) TransactionGet(id string) (*vault.SourceTransaction, bool, error) {
	var rec TransactionRecord
	err := s.db.Preload("Assets").First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	tx, err := recordToTransaction(&rec)
	if err != nil {
		return nil, false, err
	}
	return tx, true, nil
}

// TransactionsByVault lists all transactions feeding a vault.
func (s *Store) TransactionsByVault(vaultID string) ([]*vault.SourceTransaction, error) {
	var recs []TransactionRecord
	if err := s.db.Preload("Assets").Where("vault_id = ?", vaultID).Order("id").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*vault.SourceTransaction, 0, len(recs))
	for i := range recs {
		tx, err := recordToTransaction(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}

// MarkDistributed flags the supplied assets as taken out of circulation.
func (s *Store) MarkDistributed(ctx context.Context, assetIDs []string) error {
	if len(assetIDs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&AssetRecord{}).
		Where("id IN ?", assetIDs).
		Update("distributed", true).Error
}

// ClaimPut upserts a claim.
func (s *Store) ClaimPut(c *claims.Claim) error {
	if c == nil || strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("storage: claim id required")
	}
	rec, err := claimToRecord(c)
	if err != nil {
		return err
	}
	return s.db.Save(rec).Error
}

// ClaimGet loads a claim by id.
func (s *Store) ClaimGet(id string) (*claims.Claim, bool, error) {
	var rec ClaimRecord
	err := s.db.First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	claim, err := recordToClaim(&rec)
	if err != nil {
		return nil, false, err
	}
	return claim, true, nil
}

// ClaimDelete removes a claim. Deleting a missing claim is a no-op.
func (s *Store) ClaimDelete(id string) error {
	return s.db.Delete(&ClaimRecord{}, "id = ?", id).Error
}

// ClaimsByVault lists every claim of a vault.
func (s *Store) ClaimsByVault(vaultID string) ([]*claims.Claim, error) {
	var recs []ClaimRecord
	if err := s.db.Where("vault_id = ?", vaultID).Order("created_at, id").Find(&recs).Error; err != nil {
		return nil, err
	}
	return claimsFromRecords(recs)
}

// ClaimBySource returns the claim backing a (participant, source
// transaction) pair, preferring an unresolved one when several exist.
func (s *Store) ClaimBySource(participant, sourceTxID string) (*claims.Claim, bool, error) {
	if sourceTxID == "" {
		return nil, false, nil
	}
	var recs []ClaimRecord
	err := s.db.Where("participant = ? AND source_tx_id = ?", participant, sourceTxID).
		Order("created_at, id").Find(&recs).Error
	if err != nil {
		return nil, false, err
	}
	if len(recs) == 0 {
		return nil, false, nil
	}
	var fallback *claims.Claim
	for i := range recs {
		claim, err := recordToClaim(&recs[i])
		if err != nil {
			return nil, false, err
		}
		if !claim.Status.Resolved() {
			return claim, true, nil
		}
		fallback = claim
	}
	return fallback, true, nil
}

// ClaimFilter narrows ListClaims. Zero values mean "any".
type ClaimFilter struct {
	VaultID     string
	Participant string
	Status      claims.Status
	Type        claims.Type
	Limit       int
	Offset      int
}

// DefaultListLimit caps unpaged claim listings.
const DefaultListLimit = 100

// ListClaims pages through claims for the query API, newest first.
func (s *Store) ListClaims(filter ClaimFilter) ([]*claims.Claim, error) {
	query := s.db.Model(&ClaimRecord{})
	if filter.VaultID != "" {
		query = query.Where("vault_id = ?", filter.VaultID)
	}
	if filter.Participant != "" {
		query = query.Where("participant = ?", filter.Participant)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	if filter.Type != "" {
		query = query.Where("type = ?", string(filter.Type))
	}
	limit := filter.Limit
	if limit <= 0 || limit > DefaultListLimit {
		limit = DefaultListLimit
	}
	var recs []ClaimRecord
	err := query.Order("created_at DESC, id DESC").Limit(limit).Offset(filter.Offset).Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return claimsFromRecords(recs)
}

// AvailableClaims returns the settleable claims of a vault still in
// available status, oldest first so batches drain the backlog in order.
func (s *Store) AvailableClaims(vaultID string) ([]*claims.Claim, error) {
	var recs []ClaimRecord
	err := s.db.Where("vault_id = ? AND status = ? AND type <> ?",
		vaultID, string(claims.StatusAvailable), string(claims.TypeSecondaryReward)).
		Order("created_at, id").Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return claimsFromRecords(recs)
}

// VaultsWithAvailableClaims lists the vault ids the sweep should visit.
func (s *Store) VaultsWithAvailableClaims() ([]string, error) {
	var ids []string
	err := s.db.Model(&ClaimRecord{}).
		Where("status = ? AND type <> ?", string(claims.StatusAvailable), string(claims.TypeSecondaryReward)).
		Distinct("vault_id").Order("vault_id").Pluck("vault_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func claimsFromRecords(recs []ClaimRecord) ([]*claims.Claim, error) {
	out := make([]*claims.Claim, 0, len(recs))
	for i := range recs {
		claim, err := recordToClaim(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, claim)
	}
	return out, nil
}

// RecordSettlement stores a submitted batch for audit and recovery.
func (s *Store) RecordSettlement(vaultID, batchRef, txRef string, claimCount int) error {
	if strings.TrimSpace(batchRef) == "" {
		return fmt.Errorf("storage: batch ref required")
	}
	return s.db.Save(&SettlementRecord{
		ID:        uuid.NewString(),
		BatchRef:  batchRef,
		VaultID:   vaultID,
		TxRef:     txRef,
		Claims:    claimCount,
		CreatedAt: s.now().UTC(),
	}).Error
}

// SettlementByRef looks up a recorded batch by either identifier: the local
// batch reference or the transaction reference the external ledger returned.
// Backing checks report spends by the latter.
func (s *Store) SettlementByRef(ref string) (*SettlementRecord, bool, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, false, nil
	}
	var rec SettlementRecord
	err := s.db.First(&rec, "batch_ref = ? OR tx_ref = ?", ref, ref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

// AcquireLease takes the settlement lease for a vault. It returns the fencing
// token on success and ErrLeaseHeld while any unexpired lease exists, the
// holder's own included: a manual settle and a sweep inside one process must
// still exclude each other. Expired leases are taken over.
func (s *Store) AcquireLease(vaultID, holder string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(vaultID) == "" {
		return "", fmt.Errorf("storage: vault id required")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("storage: lease ttl must be positive")
	}
	token := uuid.NewString()
	now := s.now().UTC()
	err := s.db.Transaction(func(db *gorm.DB) error {
		var rec LeaseRecord
		err := db.First(&rec, "vault_id = ?", vaultID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return err
		default:
			if rec.ExpiresAt.After(now) {
				return fmt.Errorf("%w: %s held by %s", ErrLeaseHeld, vaultID, rec.Holder)
			}
		}
		return db.Save(&LeaseRecord{
			VaultID:   vaultID,
			Holder:    holder,
			Token:     token,
			ExpiresAt: now.Add(ttl),
			UpdatedAt: now,
		}).Error
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// ReleaseLease drops a lease if the fencing token still matches. Releasing
// an expired or stolen lease is a no-op, which makes release idempotent.
func (s *Store) ReleaseLease(vaultID, token string) error {
	return s.db.Delete(&LeaseRecord{}, "vault_id = ? AND token = ?", vaultID, token).Error
}
