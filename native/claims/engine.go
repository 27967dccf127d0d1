package claims

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"vaultdist/native/distribution"
	"vaultdist/native/vault"
)

// State is the persistence surface the engine drives. Implementations must
// apply each call transactionally; the engine performs no locking of its
// own beyond what the calls imply.
type State interface {
	ClaimPut(*Claim) error
	ClaimGet(id string) (*Claim, bool, error)
	ClaimDelete(id string) error
	ClaimsByVault(vaultID string) ([]*Claim, error)
	// ClaimBySource returns the unresolved-or-settled claim for a
	// (participant, source transaction) pair, if one exists.
	ClaimBySource(participant, sourceTxID string) (*Claim, bool, error)
	VaultGet(id string) (*vault.Vault, bool, error)
	TransactionGet(id string) (*vault.SourceTransaction, bool, error)
	TransactionsByVault(vaultID string) ([]*vault.SourceTransaction, error)
}

// AssetUpdater marks contributed assets as distributed on the external
// asset registry once an acquirer claim settles.
type AssetUpdater interface {
	MarkDistributed(ctx context.Context, assetIDs []string) error
}

// VaultTotals carries the window-close aggregates supplied by the phase
// scheduler. Nil fields are recomputed from confirmed transactions.
type VaultTotals struct {
	Acquired    *big.Int
	Contributed *big.Int
}

// Engine wires the claims ledger business logic with external state, asset
// registry, and event emitters.
type Engine struct {
	state   State
	assets  AssetUpdater
	emitter Emitter
	params  distribution.Params
	nowFn   func() int64
	idFn    func() string
}

// NewEngine creates a claims engine with a no-op emitter. Callers override
// collaborators via the setters.
func NewEngine(params distribution.Params) *Engine {
	return &Engine{
		emitter: NoopEmitter{},
		params:  params,
		nowFn:   func() int64 { return time.Now().Unix() },
		idFn:    uuid.NewString,
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state State) { e.state = state }

// SetAssetUpdater configures the asset registry collaborator.
func (e *Engine) SetAssetUpdater(updater AssetUpdater) { e.assets = updater }

// SetEmitter configures the event emitter. Nil resets to a no-op.
func (e *Engine) SetEmitter(emitter Emitter) {
	if emitter == nil {
		e.emitter = NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source. Primarily for deterministic tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetIDFunc overrides claim id generation. Primarily for deterministic
// tests.
func (e *Engine) SetIDFunc(id func() string) {
	if id == nil {
		e.idFn = uuid.NewString
		return
	}
	e.idFn = id
}

func (e *Engine) emit(event Event) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(event)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// CreateClaim persists a new claim in available status. It fails with
// ErrDuplicateClaim when an unresolved claim already exists for the
// (participant, source transaction) pair.
func (e *Engine) CreateClaim(participant, vaultID string, typ Type, tokens, currency *big.Int, sourceTxID string, meta Metadata) (*Claim, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	participant = strings.TrimSpace(participant)
	if participant == "" {
		return nil, fmt.Errorf("%w: participant required", ErrValidation)
	}
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: unknown claim type %q", ErrValidation, typ)
	}
	if (tokens != nil && tokens.Sign() < 0) || (currency != nil && currency.Sign() < 0) {
		return nil, fmt.Errorf("%w: amounts must be non-negative", ErrValidation)
	}
	if !meta.MatchesType(typ) {
		return nil, fmt.Errorf("%w: metadata payload does not match claim type %q", ErrValidation, typ)
	}
	if _, ok, err := e.state.VaultGet(vaultID); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("%w: %s", ErrVaultNotFound, vaultID)
	}
	if sourceTxID != "" {
		existing, ok, err := e.state.ClaimBySource(participant, sourceTxID)
		if err != nil {
			return nil, err
		}
		if ok && !existing.Status.Resolved() {
			return nil, fmt.Errorf("%w: %s/%s", ErrDuplicateClaim, participant, sourceTxID)
		}
	}

	now := e.now()
	claim := &Claim{
		ID:          e.idFn(),
		Participant: participant,
		VaultID:     vaultID,
		Type:        typ,
		Status:      StatusAvailable,
		Tokens:      copyBigInt(tokens),
		Currency:    copyBigInt(currency),
		Metadata:    meta.Clone(),
		SourceTxID:  sourceTxID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.state.ClaimPut(claim); err != nil {
		return nil, err
	}
	e.emit(newClaimCreatedEvent(claim))
	return claim.Clone(), nil
}

// Transition moves a claim along the state machine. Settlement references
// are attached through MarkClaimed instead.
func (e *Engine) Transition(ctx context.Context, id string, next Status) (*Claim, error) {
	return e.transition(ctx, id, next, "")
}

// MarkClaimed transitions a claim to claimed, recording the settlement
// transaction that paid it. available -> claimed is the idempotent recovery
// path for claims whose backing was already spent by a prior settlement.
func (e *Engine) MarkClaimed(ctx context.Context, id, settlementRef string) (*Claim, error) {
	return e.transition(ctx, id, StatusClaimed, settlementRef)
}

func (e *Engine) transition(ctx context.Context, id string, next Status, settlementRef string) (*Claim, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	claim, ok, err := e.state.ClaimGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClaimNotFound, id)
	}
	from := claim.Status
	if !CanTransition(from, next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, next)
	}
	claim.Status = next
	claim.UpdatedAt = e.now()
	if settlementRef != "" {
		claim.SettlementRef = settlementRef
	}
	if err := e.state.ClaimPut(claim); err != nil {
		return nil, err
	}
	e.emit(newClaimTransitionedEvent(claim, from))

	// A settled acquirer claim takes the vault's contributed assets out of
	// circulation so they are not re-offered.
	if next == StatusClaimed && claim.Type == TypeAcquirer && e.assets != nil {
		assetIDs, err := e.vaultAssetIDs(claim.VaultID)
		if err != nil {
			return nil, err
		}
		if len(assetIDs) > 0 {
			if err := e.assets.MarkDistributed(ctx, assetIDs); err != nil {
				return nil, fmt.Errorf("mark assets distributed: %w", err)
			}
		}
	}
	return claim.Clone(), nil
}

func (e *Engine) vaultAssetIDs(vaultID string) ([]string, error) {
	txs, err := e.state.TransactionsByVault(vaultID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, tx := range txs {
		if tx.Kind != vault.TxKindContribute || !tx.Confirmed() {
			continue
		}
		for _, asset := range tx.Assets {
			if !asset.Distributed {
				ids = append(ids, asset.ID)
			}
		}
	}
	return ids, nil
}

// MergeMetadata overlays a metadata patch onto a claim. Amounts are never
// touched through this path.
func (e *Engine) MergeMetadata(id string, patch Metadata) (*Claim, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	claim, ok, err := e.state.ClaimGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClaimNotFound, id)
	}
	merged := claim.Metadata.Merge(patch)
	if !merged.MatchesType(claim.Type) {
		return nil, fmt.Errorf("%w: metadata payload does not match claim type %q", ErrValidation, claim.Type)
	}
	claim.Metadata = merged
	claim.UpdatedAt = e.now()
	if err := e.state.ClaimPut(claim); err != nil {
		return nil, err
	}
	return claim.Clone(), nil
}

// GetClaim loads a single claim.
func (e *Engine) GetClaim(id string) (*Claim, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	claim, ok, err := e.state.ClaimGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClaimNotFound, id)
	}
	return claim.Clone(), nil
}

// CreateClaimsForVault materializes the vault's entitlements once the
// contribution/acquisition windows are closed. Called by the external phase
// scheduler. The operation is idempotent: resolved or settled claims are
// left alone; still-available claims whose recomputed entitlement changed
// are replaced.
func (e *Engine) CreateClaimsForVault(vaultID string, totals VaultTotals) ([]*Claim, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	v, ok, err := e.state.VaultGet(vaultID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrVaultNotFound, vaultID)
	}
	txs, err := e.state.TransactionsByVault(vaultID)
	if err != nil {
		return nil, err
	}

	var (
		acquisitions  []distribution.Acquisition
		contributions []distribution.Contribution
		acquiredSum   = big.NewInt(0)
		contribSum    = big.NewInt(0)
		assetsByTx    = make(map[string][]string)
	)
	for _, tx := range txs {
		if !tx.Confirmed() {
			continue
		}
		switch tx.Kind {
		case vault.TxKindAcquire:
			amount := copyBigInt(tx.Amount)
			acquisitions = append(acquisitions, distribution.Acquisition{
				TxID:        tx.ID,
				Participant: tx.Participant,
				Amount:      amount,
			})
			acquiredSum.Add(acquiredSum, amount)
		case vault.TxKindContribute:
			assessed := tx.AssessedValue()
			contributions = append(contributions, distribution.Contribution{
				TxID:        tx.ID,
				Participant: tx.Participant,
				Assessed:    assessed,
			})
			contribSum.Add(contribSum, assessed)
			for _, asset := range tx.Assets {
				assetsByTx[tx.ID] = append(assetsByTx[tx.ID], asset.ID)
			}
		}
	}

	acquired := totals.Acquired
	if acquired == nil {
		acquired = acquiredSum
	}
	contributed := totals.Contributed
	if contributed == nil {
		contributed = contribSum
	}

	result, err := distribution.Compute(e.params, distribution.Totals{
		Supply:       v.TokenSupply,
		AcquirerBps:  v.AcquirerBps,
		LiquidityBps: v.LiquidityBps,
		Acquired:     acquired,
		Contributed:  contributed,
	}, acquisitions, contributions)
	if err != nil {
		return nil, err
	}

	participantTotals := make(map[string]*big.Int)
	for _, con := range contributions {
		total, ok := participantTotals[con.Participant]
		if !ok {
			total = big.NewInt(0)
			participantTotals[con.Participant] = total
		}
		total.Add(total, con.Assessed)
	}

	created := make([]*Claim, 0, len(result.Acquirers)+len(result.Contributors)+1)

	for _, alloc := range result.Acquirers {
		meta := Metadata{Acquirer: &AcquirerMetadata{
			SentAmount: amountForTx(acquisitions, alloc.TxID).String(),
			Multiplier: alloc.Multiplier.String(),
		}}
		claim, err := e.ensureClaim(alloc.Participant, vaultID, TypeAcquirer, alloc.Tokens, big.NewInt(0), alloc.TxID, meta, alloc.Multiplier)
		if err != nil {
			return nil, err
		}
		if claim != nil {
			created = append(created, claim)
		}
	}

	for _, alloc := range result.Contributors {
		meta := Metadata{Contributor: &ContributorMetadata{
			AssessedValue:    assessedForTx(contributions, alloc.TxID).String(),
			ParticipantTotal: participantTotals[alloc.Participant].String(),
			AssetIDs:         assetsByTx[alloc.TxID],
		}}
		claim, err := e.ensureClaim(alloc.Participant, vaultID, TypeContributor, alloc.Tokens, alloc.Currency, alloc.TxID, meta, nil)
		if err != nil {
			return nil, err
		}
		if claim != nil {
			created = append(created, claim)
		}
	}

	if result.LP.Tokens.Sign() > 0 || result.LP.Currency.Sign() > 0 {
		claim, err := e.ensureLPClaim(v, result)
		if err != nil {
			return nil, err
		}
		if claim != nil {
			created = append(created, claim)
		}
	}
	return created, nil
}

// ensureClaim creates a claim unless an equivalent unresolved claim exists.
// A still-available claim with stale amounts is the one deletion the ledger
// permits: it is replaced by the recomputed entitlement.
func (e *Engine) ensureClaim(participant, vaultID string, typ Type, tokens, currency *big.Int, sourceTxID string, meta Metadata, multiplier *big.Int) (*Claim, error) {
	existing, ok, err := e.state.ClaimBySource(participant, sourceTxID)
	if err != nil {
		return nil, err
	}
	if ok && !existing.Status.Resolved() {
		sameAmounts := existing.Tokens.Cmp(copyBigInt(tokens)) == 0 && existing.Currency.Cmp(copyBigInt(currency)) == 0
		if sameAmounts || existing.Status != StatusAvailable {
			return nil, nil
		}
		if err := e.state.ClaimDelete(existing.ID); err != nil {
			return nil, err
		}
		replacement, err := e.newClaim(participant, vaultID, typ, tokens, currency, sourceTxID, meta, multiplier)
		if err != nil {
			return nil, err
		}
		e.emit(newClaimReplacedEvent(existing, replacement))
		return replacement, nil
	}
	return e.newClaim(participant, vaultID, typ, tokens, currency, sourceTxID, meta, multiplier)
}

func (e *Engine) newClaim(participant, vaultID string, typ Type, tokens, currency *big.Int, sourceTxID string, meta Metadata, multiplier *big.Int) (*Claim, error) {
	claim, err := e.CreateClaim(participant, vaultID, typ, tokens, currency, sourceTxID, meta)
	if err != nil {
		return nil, err
	}
	if multiplier != nil {
		stored, ok, err := e.state.ClaimGet(claim.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			stored.Multiplier = new(big.Int).Set(multiplier)
			if err := e.state.ClaimPut(stored); err != nil {
				return nil, err
			}
			claim = stored.Clone()
		}
	}
	return claim, nil
}

func (e *Engine) ensureLPClaim(v *vault.Vault, result *distribution.Result) (*Claim, error) {
	existing, err := e.state.ClaimsByVault(v.ID)
	if err != nil {
		return nil, err
	}
	var stale *Claim
	for _, claim := range existing {
		if claim.Type != TypeLiquidityPool || claim.Status.Resolved() {
			continue
		}
		sameAmounts := claim.Tokens.Cmp(result.LP.Tokens) == 0 && claim.Currency.Cmp(result.LP.Currency) == 0
		if sameAmounts || claim.Status != StatusAvailable {
			return nil, nil
		}
		stale = claim
	}
	if stale != nil {
		if err := e.state.ClaimDelete(stale.ID); err != nil {
			return nil, err
		}
	}
	meta := Metadata{LiquidityPool: &LiquidityPoolMetadata{
		PairMultiplier: result.LP.PairMultiplier.String(),
		AdjustedTokens: result.LP.AdjustedTokens.String(),
	}}
	if result.LP.ReferencePrice != nil {
		meta.LiquidityPool.ReferencePrice = result.LP.ReferencePrice.RatString()
	}
	replacement, err := e.CreateClaim(v.LPWallet, v.ID, TypeLiquidityPool, result.LP.Tokens, result.LP.Currency, "", meta)
	if err != nil {
		return nil, err
	}
	if stale != nil {
		e.emit(newClaimReplacedEvent(stale, replacement))
	}
	return replacement, nil
}

func amountForTx(acqs []distribution.Acquisition, txID string) *big.Int {
	for _, acq := range acqs {
		if acq.TxID == txID {
			return copyBigInt(acq.Amount)
		}
	}
	return big.NewInt(0)
}

func assessedForTx(cons []distribution.Contribution, txID string) *big.Int {
	for _, con := range cons {
		if con.TxID == txID {
			return copyBigInt(con.Assessed)
		}
	}
	return big.NewInt(0)
}
