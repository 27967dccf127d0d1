// Package reconcile recomputes vault allocations from source transactions
// and diffs them against the claims ledger. It is a read-only audit tool:
// amounts are never mutated here, and a correct ledger produces an empty
// discrepancy list.
package reconcile

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"vaultdist/native/claims"
	"vaultdist/native/distribution"
	"vaultdist/native/vault"
)

// ErrVaultNotFound is returned for unknown vault ids.
var ErrVaultNotFound = errors.New("reconcile: vault not found")

// DefaultToleranceUnits absorbs harmless cross-implementation rounding
// jitter. One smallest unit, per the settlement contract.
const DefaultToleranceUnits = 1

// Source is the read-only view the engine audits.
type Source interface {
	VaultGet(id string) (*vault.Vault, bool, error)
	TransactionsByVault(vaultID string) ([]*vault.SourceTransaction, error)
	ClaimsByVault(vaultID string) ([]*claims.Claim, error)
}

// Options narrow a verification run.
type Options struct {
	// Tolerance overrides the per-field discrepancy tolerance in smallest
	// units. Nil selects DefaultToleranceUnits.
	Tolerance *big.Int
	// Participant restricts the report to a single participant when set.
	Participant string
}

// Field names the compared amount.
type Field string

const (
	FieldTokens   Field = "tokens"
	FieldCurrency Field = "currency"
)

// Discrepancy is one stored-vs-expected mismatch beyond tolerance.
type Discrepancy struct {
	ClaimID     string
	Participant string
	SourceTxID  string
	Type        claims.Type
	Field       Field
	Stored      *big.Int
	Expected    *big.Int
	// Delta is stored minus expected.
	Delta *big.Int
}

// MissingClaim is an entitlement the calculator produces but the ledger
// does not hold.
type MissingClaim struct {
	Participant string
	SourceTxID  string
	Type        claims.Type
	Tokens      *big.Int
	Currency    *big.Int
}

// ParticipantSummary localizes which participants are affected.
type ParticipantSummary struct {
	Participant      string
	StoredTokens     *big.Int
	ExpectedTokens   *big.Int
	StoredCurrency   *big.Int
	ExpectedCurrency *big.Int
	// WorstDelta is the largest absolute per-claim discrepancy observed
	// for the participant, across both fields.
	WorstDelta    *big.Int
	Discrepancies int
}

// Report is the output of one verification run.
type Report struct {
	VaultID     string
	GeneratedAt int64

	Supply          *big.Int
	AllocatedTokens *big.Int
	SupplySlack     *big.Int
	SupplyExceeded  bool

	Discrepancies []Discrepancy
	Missing       []MissingClaim

	TotalStoredTokens     *big.Int
	TotalExpectedTokens   *big.Int
	TokenDelta            *big.Int
	TotalStoredCurrency   *big.Int
	TotalExpectedCurrency *big.Int
	CurrencyDelta         *big.Int

	Participants []ParticipantSummary
}

// Clean reports whether the ledger matched the recomputation everywhere.
func (r *Report) Clean() bool {
	return r != nil && len(r.Discrepancies) == 0 && len(r.Missing) == 0 && !r.SupplyExceeded
}

// Engine recomputes allocations and diffs them against recorded claims.
type Engine struct {
	source Source
	params distribution.Params
	nowFn  func() int64
}

// NewEngine constructs a reconciliation engine over the given source.
func NewEngine(source Source, params distribution.Params) *Engine {
	return &Engine{
		source: source,
		params: params,
		nowFn:  func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the report timestamp source for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

type expectedEntry struct {
	participant string
	sourceTxID  string
	claimType   claims.Type
	tokens      *big.Int
	currency    *big.Int
}

// Verify recomputes the distribution for a vault end-to-end and produces
// the discrepancy report.
func (e *Engine) Verify(vaultID string, opts Options) (*Report, error) {
	v, ok, err := e.source.VaultGet(vaultID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrVaultNotFound, vaultID)
	}
	txs, err := e.source.TransactionsByVault(vaultID)
	if err != nil {
		return nil, err
	}
	stored, err := e.source.ClaimsByVault(vaultID)
	if err != nil {
		return nil, err
	}

	tolerance := big.NewInt(DefaultToleranceUnits)
	if opts.Tolerance != nil && opts.Tolerance.Sign() >= 0 {
		tolerance = opts.Tolerance
	}

	expected, err := e.recompute(v, txs)
	if err != nil {
		return nil, err
	}

	report := &Report{
		VaultID:               vaultID,
		GeneratedAt:           e.nowFn(),
		Supply:                new(big.Int).Set(v.TokenSupply),
		AllocatedTokens:       big.NewInt(0),
		TotalStoredTokens:     big.NewInt(0),
		TotalExpectedTokens:   big.NewInt(0),
		TotalStoredCurrency:   big.NewInt(0),
		TotalExpectedCurrency: big.NewInt(0),
	}

	summaries := make(map[string]*ParticipantSummary)
	summary := func(participant string) *ParticipantSummary {
		s, ok := summaries[participant]
		if !ok {
			s = &ParticipantSummary{
				Participant:      participant,
				StoredTokens:     big.NewInt(0),
				ExpectedTokens:   big.NewInt(0),
				StoredCurrency:   big.NewInt(0),
				ExpectedCurrency: big.NewInt(0),
				WorstDelta:       big.NewInt(0),
			}
			summaries[participant] = s
		}
		return s
	}

	matched := make(map[string]bool, len(expected))
	for _, claim := range stored {
		if !comparableType(claim.Type) {
			continue
		}
		// The supply invariant covers the whole ledger even when the
		// comparison is scoped to one participant.
		if claim.Tokens != nil {
			report.AllocatedTokens.Add(report.AllocatedTokens, claim.Tokens)
		}
		if opts.Participant != "" && claim.Participant != opts.Participant {
			continue
		}
		key := entryKey(claim.Participant, claim.SourceTxID, claim.Type)
		entry, ok := expected[key]
		s := summary(claim.Participant)
		s.StoredTokens.Add(s.StoredTokens, claim.Tokens)
		s.StoredCurrency.Add(s.StoredCurrency, claim.Currency)
		report.TotalStoredTokens.Add(report.TotalStoredTokens, claim.Tokens)
		report.TotalStoredCurrency.Add(report.TotalStoredCurrency, claim.Currency)
		if !ok {
			// A claim with no recomputed counterpart is a full
			// discrepancy: nothing backs its amounts.
			record(report, s, e.diff(claim, FieldTokens, claim.Tokens, big.NewInt(0)))
			record(report, s, e.diff(claim, FieldCurrency, claim.Currency, big.NewInt(0)))
			continue
		}
		matched[key] = true
		s.ExpectedTokens.Add(s.ExpectedTokens, entry.tokens)
		s.ExpectedCurrency.Add(s.ExpectedCurrency, entry.currency)
		report.TotalExpectedTokens.Add(report.TotalExpectedTokens, entry.tokens)
		report.TotalExpectedCurrency.Add(report.TotalExpectedCurrency, entry.currency)

		if exceedsTolerance(claim.Tokens, entry.tokens, tolerance) {
			record(report, s, e.diff(claim, FieldTokens, claim.Tokens, entry.tokens))
		}
		if exceedsTolerance(claim.Currency, entry.currency, tolerance) {
			record(report, s, e.diff(claim, FieldCurrency, claim.Currency, entry.currency))
		}
	}

	missingKeys := make([]string, 0)
	for key := range expected {
		if !matched[key] {
			missingKeys = append(missingKeys, key)
		}
	}
	sort.Strings(missingKeys)
	for _, key := range missingKeys {
		entry := expected[key]
		if opts.Participant != "" && entry.participant != opts.Participant {
			continue
		}
		report.Missing = append(report.Missing, MissingClaim{
			Participant: entry.participant,
			SourceTxID:  entry.sourceTxID,
			Type:        entry.claimType,
			Tokens:      new(big.Int).Set(entry.tokens),
			Currency:    new(big.Int).Set(entry.currency),
		})
		s := summary(entry.participant)
		s.ExpectedTokens.Add(s.ExpectedTokens, entry.tokens)
		s.ExpectedCurrency.Add(s.ExpectedCurrency, entry.currency)
		report.TotalExpectedTokens.Add(report.TotalExpectedTokens, entry.tokens)
		report.TotalExpectedCurrency.Add(report.TotalExpectedCurrency, entry.currency)
	}

	report.TokenDelta = new(big.Int).Sub(report.TotalStoredTokens, report.TotalExpectedTokens)
	report.CurrencyDelta = new(big.Int).Sub(report.TotalStoredCurrency, report.TotalExpectedCurrency)
	report.SupplySlack = new(big.Int).Sub(report.Supply, report.AllocatedTokens)
	report.SupplyExceeded = report.SupplySlack.Sign() < 0

	for _, s := range summaries {
		report.Participants = append(report.Participants, *s)
	}
	sort.Slice(report.Participants, func(i, j int) bool {
		return report.Participants[i].Participant < report.Participants[j].Participant
	})
	sort.Slice(report.Discrepancies, func(i, j int) bool {
		if report.Discrepancies[i].ClaimID != report.Discrepancies[j].ClaimID {
			return report.Discrepancies[i].ClaimID < report.Discrepancies[j].ClaimID
		}
		return report.Discrepancies[i].Field < report.Discrepancies[j].Field
	})
	return report, nil
}

func (e *Engine) recompute(v *vault.Vault, txs []*vault.SourceTransaction) (map[string]expectedEntry, error) {
	var (
		acquisitions  []distribution.Acquisition
		contributions []distribution.Contribution
		acquired      = big.NewInt(0)
		contributed   = big.NewInt(0)
	)
	for _, tx := range txs {
		if !tx.Confirmed() {
			continue
		}
		switch tx.Kind {
		case vault.TxKindAcquire:
			amount := big.NewInt(0)
			if tx.Amount != nil {
				amount = tx.Amount
			}
			acquisitions = append(acquisitions, distribution.Acquisition{TxID: tx.ID, Participant: tx.Participant, Amount: amount})
			acquired.Add(acquired, amount)
		case vault.TxKindContribute:
			assessed := tx.AssessedValue()
			contributions = append(contributions, distribution.Contribution{TxID: tx.ID, Participant: tx.Participant, Assessed: assessed})
			contributed.Add(contributed, assessed)
		}
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

	expected := make(map[string]expectedEntry)
	for _, alloc := range result.Acquirers {
		expected[entryKey(alloc.Participant, alloc.TxID, claims.TypeAcquirer)] = expectedEntry{
			participant: alloc.Participant,
			sourceTxID:  alloc.TxID,
			claimType:   claims.TypeAcquirer,
			tokens:      alloc.Tokens,
			currency:    big.NewInt(0),
		}
	}
	for _, alloc := range result.Contributors {
		expected[entryKey(alloc.Participant, alloc.TxID, claims.TypeContributor)] = expectedEntry{
			participant: alloc.Participant,
			sourceTxID:  alloc.TxID,
			claimType:   claims.TypeContributor,
			tokens:      alloc.Tokens,
			currency:    alloc.Currency,
		}
	}
	if result.LP.Tokens.Sign() > 0 || result.LP.Currency.Sign() > 0 {
		expected[entryKey(v.LPWallet, "", claims.TypeLiquidityPool)] = expectedEntry{
			participant: v.LPWallet,
			claimType:   claims.TypeLiquidityPool,
			tokens:      result.LP.Tokens,
			currency:    result.LP.Currency,
		}
	}
	return expected, nil
}

func record(report *Report, s *ParticipantSummary, d Discrepancy) {
	report.Discrepancies = append(report.Discrepancies, d)
	s.Discrepancies++
	abs := new(big.Int).Abs(d.Delta)
	if abs.Cmp(s.WorstDelta) > 0 {
		s.WorstDelta = abs
	}
}

func (e *Engine) diff(claim *claims.Claim, field Field, stored, expected *big.Int) Discrepancy {
	if stored == nil {
		stored = big.NewInt(0)
	}
	return Discrepancy{
		ClaimID:     claim.ID,
		Participant: claim.Participant,
		SourceTxID:  claim.SourceTxID,
		Type:        claim.Type,
		Field:       field,
		Stored:      new(big.Int).Set(stored),
		Expected:    new(big.Int).Set(expected),
		Delta:       new(big.Int).Sub(stored, expected),
	}
}

// comparableType reports whether the calculator produces a reference value for
// the claim type. Cancellation, termination, and secondary-reward claims
// are materialized from vault lifecycle actions, not from the allocation
// pipeline.
func comparableType(t claims.Type) bool {
	switch t {
	case claims.TypeAcquirer, claims.TypeContributor, claims.TypeLiquidityPool:
		return true
	}
	return false
}

func entryKey(participant, sourceTxID string, t claims.Type) string {
	return participant + "|" + sourceTxID + "|" + string(t)
}

func exceedsTolerance(stored, expected, tolerance *big.Int) bool {
	if stored == nil {
		stored = big.NewInt(0)
	}
	delta := new(big.Int).Sub(stored, expected)
	return delta.Abs(delta).Cmp(tolerance) > 0
}
