package settlementd

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vaultdist/native/claims"
	"vaultdist/native/distribution"
	"vaultdist/native/vault"
	"vaultdist/services/settlementd/storage"
)

// memState is an in-memory double for both the claim engine's state and
// the processor's store.
type memState struct {
	mu          sync.Mutex
	claims      map[string]*claims.Claim
	vaults      map[string]*vault.Vault
	txs         map[string]*vault.SourceTransaction
	settlements map[string]*storage.SettlementRecord
	leases      map[string]memLease

	acquired []string
	released []string
}

type memLease struct {
	holder  string
	token   string
	expires time.Time
}

func newMemState() *memState {
	return &memState{
		claims:      make(map[string]*claims.Claim),
		vaults:      make(map[string]*vault.Vault),
		txs:         make(map[string]*vault.SourceTransaction),
		settlements: make(map[string]*storage.SettlementRecord),
		leases:      make(map[string]memLease),
	}
}

func (m *memState) ClaimPut(c *claims.Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claims[c.ID] = c.Clone()
	return nil
}

func (m *memState) ClaimGet(id string) (*claims.Claim, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[id]
	if !ok {
		return nil, false, nil
	}
	return c.Clone(), true, nil
}

func (m *memState) ClaimDelete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claims, id)
	return nil
}

func (m *memState) ClaimsByVault(vaultID string) ([]*claims.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*claims.Claim
	for _, c := range m.claims {
		if c.VaultID == vaultID {
			out = append(out, c.Clone())
		}
	}
	return out, nil
}

func (m *memState) ClaimBySource(participant, sourceTxID string) (*claims.Claim, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.claims {
		if c.Participant == participant && c.SourceTxID == sourceTxID && sourceTxID != "" {
			return c.Clone(), true, nil
		}
	}
	return nil, false, nil
}

func (m *memState) VaultGet(id string) (*vault.Vault, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vaults[id]
	return v, ok, nil
}

func (m *memState) TransactionGet(id string) (*vault.SourceTransaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	return tx, ok, nil
}

func (m *memState) TransactionsByVault(vaultID string) ([]*vault.SourceTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*vault.SourceTransaction
	for _, tx := range m.txs {
		if tx.VaultID == vaultID {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (m *memState) AvailableClaims(vaultID string) ([]*claims.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*claims.Claim
	for _, c := range m.claims {
		if c.VaultID == vaultID && c.Status == claims.StatusAvailable && c.Type.Settleable() {
			out = append(out, c.Clone())
		}
	}
	sortClaimsByID(out)
	return out, nil
}

func (m *memState) VaultsWithAvailableClaims() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, c := range m.claims {
		if c.Status == claims.StatusAvailable && c.Type.Settleable() && !seen[c.VaultID] {
			seen[c.VaultID] = true
			out = append(out, c.VaultID)
		}
	}
	return out, nil
}

func (m *memState) SettlementByRef(ref string) (*storage.SettlementRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ref == "" {
		return nil, false, nil
	}
	if rec, ok := m.settlements[ref]; ok {
		return rec, true, nil
	}
	for _, rec := range m.settlements {
		if rec.TxRef == ref {
			return rec, true, nil
		}
	}
	return nil, false, nil
}

func (m *memState) RecordSettlement(vaultID, batchRef, txRef string, claimCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settlements[batchRef] = &storage.SettlementRecord{
		BatchRef: batchRef, VaultID: vaultID, TxRef: txRef, Claims: claimCount,
	}
	return nil
}

func (m *memState) AcquireLease(vaultID, holder string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lease, ok := m.leases[vaultID]; ok && lease.expires.After(time.Now()) {
		return "", fmt.Errorf("%w: %s held by %s", storage.ErrLeaseHeld, vaultID, lease.holder)
	}
	token := fmt.Sprintf("token-%s-%d", vaultID, len(m.acquired))
	m.leases[vaultID] = memLease{holder: holder, token: token, expires: time.Now().Add(ttl)}
	m.acquired = append(m.acquired, vaultID)
	return token, nil
}

func (m *memState) ReleaseLease(vaultID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lease, ok := m.leases[vaultID]; ok && lease.token == token {
		delete(m.leases, vaultID)
	}
	m.released = append(m.released, vaultID)
	return nil
}

func sortClaimsByID(list []*claims.Claim) {
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
}

type stubBuilder struct {
	mu    sync.Mutex
	calls []BatchSpec
	fn    func(BatchSpec) (RawTransaction, error)
}

func (b *stubBuilder) Build(ctx context.Context, spec BatchSpec) (RawTransaction, error) {
	b.mu.Lock()
	b.calls = append(b.calls, spec)
	b.mu.Unlock()
	if b.fn != nil {
		return b.fn(spec)
	}
	return RawTransaction{Payload: []byte("tx")}, nil
}

type stubSubmitter struct {
	mu    sync.Mutex
	calls int
	fn    func(attempt int) (string, error)
}

func (s *stubSubmitter) Submit(ctx context.Context, tx RawTransaction) (string, error) {
	s.mu.Lock()
	s.calls++
	attempt := s.calls
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(attempt)
	}
	return fmt.Sprintf("tx-ref-%d", attempt), nil
}

type stubChecker struct {
	fn func(sourceTxID string) (Backing, error)
}

func (c *stubChecker) Check(ctx context.Context, sourceTxID string) (Backing, error) {
	if c.fn != nil {
		return c.fn(sourceTxID)
	}
	return Backing{State: BackingUnspent}, nil
}

func seedAvailableClaim(t *testing.T, state *memState, id, vaultID string, tokens int64) {
	t.Helper()
	require.NoError(t, state.ClaimPut(&claims.Claim{
		ID:          id,
		Participant: "addr-" + id,
		VaultID:     vaultID,
		Type:        claims.TypeContributor,
		Status:      claims.StatusAvailable,
		Tokens:      big.NewInt(tokens),
		Currency:    big.NewInt(0),
		SourceTxID:  "tx-" + id,
		CreatedAt:   1700000000,
		UpdatedAt:   1700000000,
	}))
}

func newTestEngine(state *memState) *claims.Engine {
	engine := claims.NewEngine(distribution.Params{UnitScale: 1})
	engine.SetState(state)
	engine.SetNowFunc(func() int64 { return 1700000100 })
	return engine
}

func newTestProcessor(state *memState, opts ...ProcessorOption) *Processor {
	base := []ProcessorOption{
		WithJitter(func(d time.Duration) time.Duration { return d }),
		WithSleep(func(ctx context.Context, d time.Duration) error { return nil }),
		WithClock(func() time.Time { return time.Unix(1700000100, 0) }),
	}
	return NewProcessor(state, newTestEngine(state), append(base, opts...)...)
}

func TestSettleVaultSettlesWholeBatch(t *testing.T) {
	state := newMemState()
	seedAvailableClaim(t, state, "claim-a", "vault-1", 100)
	seedAvailableClaim(t, state, "claim-b", "vault-1", 200)
	seedAvailableClaim(t, state, "claim-c", "vault-1", 300)

	builder := &stubBuilder{}
	submitter := &stubSubmitter{}
	proc := newTestProcessor(state, WithBuilder(builder), WithSubmitter(submitter))

	outcome, err := proc.SettleVault(context.Background(), "vault-1")
	require.NoError(t, err)
	require.Equal(t, 1, outcome.Batches)
	require.Equal(t, 3, outcome.Claimed)
	require.Zero(t, outcome.Failed)

	var refs []string
	for _, id := range []string{"claim-a", "claim-b", "claim-c"} {
		claim, ok, err := state.ClaimGet(id)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, claims.StatusClaimed, claim.Status)
		require.NotEmpty(t, claim.SettlementRef)
		refs = append(refs, claim.SettlementRef)
	}
	require.Equal(t, refs[0], refs[1])
	require.Equal(t, refs[0], refs[2])

	rec, ok, err := state.SettlementByRef(refs[0])
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, rec.Claims)
	require.Equal(t, "tx-ref-1", rec.TxRef)

	// Lease was taken and returned.
	require.Equal(t, []string{"vault-1"}, state.acquired)
	require.Equal(t, []string{"vault-1"}, state.released)
}

func TestSubmitRetriesTransportFailures(t *testing.T) {
	state := newMemState()
	seedAvailableClaim(t, state, "claim-a", "vault-1", 100)

	submitter := &stubSubmitter{fn: func(attempt int) (string, error) {
		if attempt < 3 {
			return "", fmt.Errorf("%w: connection reset", ErrTransport)
		}
		return "tx-ref-final", nil
	}}
	var delays []time.Duration
	proc := newTestProcessor(state,
		WithBuilder(&stubBuilder{}),
		WithSubmitter(submitter),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		}),
		WithSettleConfig(SettleConfig{
			MaxBatchBytes:  16 * 1024,
			MaxAttempts:    5,
			RetryBaseDelay: Duration{time.Second},
			RetryMaxDelay:  Duration{time.Minute},
			AttemptTimeout: Duration{time.Second},
		}),
	)

	outcome, err := proc.SettleVault(context.Background(), "vault-1")
	require.NoError(t, err)
	require.Equal(t, 1, outcome.Claimed)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)

	claim, _, err := state.ClaimGet("claim-a")
	require.NoError(t, err)
	require.Equal(t, claims.StatusClaimed, claim.Status)
}

func TestBatchFailsAfterAttemptCeiling(t *testing.T) {
	state := newMemState()
	seedAvailableClaim(t, state, "claim-a", "vault-1", 100)
	seedAvailableClaim(t, state, "claim-b", "vault-1", 200)

	submitter := &stubSubmitter{fn: func(int) (string, error) {
		return "", fmt.Errorf("%w: gateway unreachable", ErrTransport)
	}}
	proc := newTestProcessor(state,
		WithBuilder(&stubBuilder{}),
		WithSubmitter(submitter),
		WithSettleConfig(SettleConfig{
			MaxBatchBytes:  16 * 1024,
			MaxAttempts:    3,
			RetryBaseDelay: Duration{time.Millisecond},
			RetryMaxDelay:  Duration{time.Second},
			AttemptTimeout: Duration{time.Second},
		}),
	)

	outcome, err := proc.SettleVault(context.Background(), "vault-1")
	require.NoError(t, err)
	require.Zero(t, outcome.Claimed)
	require.Equal(t, 2, outcome.Failed)
	require.Equal(t, 3, submitter.calls)

	// No partial outcomes: every claim failed, none settled, and each
	// carries the failure annotation.
	for _, id := range []string{"claim-a", "claim-b"} {
		claim, _, err := state.ClaimGet(id)
		require.NoError(t, err)
		require.Equal(t, claims.StatusFailed, claim.Status)
		require.NotNil(t, claim.Metadata.Failure)
		require.Equal(t, 3, claim.Metadata.Failure.Attempts)
		require.Contains(t, claim.Metadata.Failure.Reason, "gateway unreachable")
	}
	require.Empty(t, state.settlements)
}

func TestSizeLimitSplitsBatch(t *testing.T) {
	state := newMemState()
	for _, id := range []string{"claim-a", "claim-b", "claim-c", "claim-d"} {
		seedAvailableClaim(t, state, id, "vault-1", 100)
	}

	builder := &stubBuilder{fn: func(spec BatchSpec) (RawTransaction, error) {
		if len(spec.Claims) > 1 {
			return RawTransaction{}, ErrSizeLimitExceeded
		}
		return RawTransaction{Payload: []byte("tx")}, nil
	}}
	proc := newTestProcessor(state, WithBuilder(builder), WithSubmitter(&stubSubmitter{}))

	outcome, err := proc.SettleVault(context.Background(), "vault-1")
	require.NoError(t, err)
	require.Equal(t, 4, outcome.Batches)
	require.Equal(t, 4, outcome.Claimed)
	require.Zero(t, outcome.Failed)

	for _, id := range []string{"claim-a", "claim-b", "claim-c", "claim-d"} {
		claim, _, err := state.ClaimGet(id)
		require.NoError(t, err)
		require.Equal(t, claims.StatusClaimed, claim.Status)
	}
}

func TestSingleOversizedClaimStaysAvailable(t *testing.T) {
	state := newMemState()
	seedAvailableClaim(t, state, "claim-a", "vault-1", 100)

	builder := &stubBuilder{fn: func(BatchSpec) (RawTransaction, error) {
		return RawTransaction{}, ErrSizeLimitExceeded
	}}
	proc := newTestProcessor(state, WithBuilder(builder), WithSubmitter(&stubSubmitter{}))

	outcome, err := proc.SettleVault(context.Background(), "vault-1")
	require.NoError(t, err)
	require.Equal(t, 1, outcome.Skipped)
	require.Zero(t, outcome.Failed)

	// Size is a budget property, not a claim defect: the claim survives
	// for an operator or a raised budget.
	claim, _, err := state.ClaimGet("claim-a")
	require.NoError(t, err)
	require.Equal(t, claims.StatusAvailable, claim.Status)
	require.Nil(t, claim.Metadata.Failure)
}

func TestBuildRetriesTransportFailures(t *testing.T) {
	state := newMemState()
	seedAvailableClaim(t, state, "claim-a", "vault-1", 100)

	var buildCalls int
	builder := &stubBuilder{fn: func(BatchSpec) (RawTransaction, error) {
		buildCalls++
		if buildCalls < 3 {
			return RawTransaction{}, fmt.Errorf("%w: connection reset", ErrTransport)
		}
		return RawTransaction{Payload: []byte("tx")}, nil
	}}
	var delays []time.Duration
	proc := newTestProcessor(state,
		WithBuilder(builder),
		WithSubmitter(&stubSubmitter{}),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		}),
		WithSettleConfig(SettleConfig{
			MaxBatchBytes:  16 * 1024,
			MaxAttempts:    5,
			RetryBaseDelay: Duration{time.Second},
			RetryMaxDelay:  Duration{time.Minute},
			AttemptTimeout: Duration{time.Second},
		}),
	)

	outcome, err := proc.SettleVault(context.Background(), "vault-1")
	require.NoError(t, err)
	require.Equal(t, 1, outcome.Claimed)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)

	claim, _, err := state.ClaimGet("claim-a")
	require.NoError(t, err)
	require.Equal(t, claims.StatusClaimed, claim.Status)
}

func TestBuildFailsAfterAttemptCeiling(t *testing.T) {
	state := newMemState()
	seedAvailableClaim(t, state, "claim-a", "vault-1", 100)
	seedAvailableClaim(t, state, "claim-b", "vault-1", 200)

	builder := &stubBuilder{fn: func(BatchSpec) (RawTransaction, error) {
		return RawTransaction{}, fmt.Errorf("%w: gateway unreachable", ErrTransport)
	}}
	submitter := &stubSubmitter{}
	proc := newTestProcessor(state,
		WithBuilder(builder),
		WithSubmitter(submitter),
		WithSettleConfig(SettleConfig{
			MaxBatchBytes:  16 * 1024,
			MaxAttempts:    3,
			RetryBaseDelay: Duration{time.Millisecond},
			RetryMaxDelay:  Duration{time.Second},
			AttemptTimeout: Duration{time.Second},
		}),
	)

	outcome, err := proc.SettleVault(context.Background(), "vault-1")
	require.NoError(t, err)
	require.Zero(t, outcome.Claimed)
	require.Equal(t, 2, outcome.Failed)
	require.Len(t, builder.calls, 3)
	require.Zero(t, submitter.calls)

	for _, id := range []string{"claim-a", "claim-b"} {
		claim, _, err := state.ClaimGet(id)
		require.NoError(t, err)
		require.Equal(t, claims.StatusFailed, claim.Status)
		require.NotNil(t, claim.Metadata.Failure)
		require.Equal(t, 3, claim.Metadata.Failure.Attempts)
	}
	require.Empty(t, state.settlements)
}

func TestChunkingRespectsByteBudget(t *testing.T) {
	state := newMemState()
	for _, id := range []string{"claim-a", "claim-b", "claim-c"} {
		seedAvailableClaim(t, state, id, "vault-1", 100)
	}

	builder := &stubBuilder{}
	// Each claim estimates to roughly 150 bytes; a 200-byte budget
	// forces one claim per batch.
	proc := newTestProcessor(state,
		WithBuilder(builder),
		WithSubmitter(&stubSubmitter{}),
		WithSettleConfig(SettleConfig{
			MaxBatchBytes:  200,
			MaxAttempts:    3,
			RetryBaseDelay: Duration{time.Millisecond},
			RetryMaxDelay:  Duration{time.Second},
			AttemptTimeout: Duration{time.Second},
		}),
	)

	outcome, err := proc.SettleVault(context.Background(), "vault-1")
	require.NoError(t, err)
	require.Equal(t, 3, outcome.Batches)
	require.Len(t, builder.calls, 3)
}

func TestBackingRecoveryMarksClaimed(t *testing.T) {
	state := newMemState()
	seedAvailableClaim(t, state, "claim-a", "vault-1", 100)
	require.NoError(t, state.RecordSettlement("vault-1", "batch-known", "tx-old", 1))

	checker := &stubChecker{fn: func(string) (Backing, error) {
		return Backing{State: BackingSpent, SpentBy: "batch-known"}, nil
	}}
	submitter := &stubSubmitter{}
	proc := newTestProcessor(state,
		WithBuilder(&stubBuilder{}),
		WithSubmitter(submitter),
		WithBackingChecker(checker),
	)

	outcome, err := proc.SettleVault(context.Background(), "vault-1")
	require.NoError(t, err)
	require.Equal(t, 1, outcome.Recovered)
	require.Zero(t, outcome.Claimed)
	require.Zero(t, submitter.calls)

	claim, _, err := state.ClaimGet("claim-a")
	require.NoError(t, err)
	require.Equal(t, claims.StatusClaimed, claim.Status)
	require.Equal(t, "batch-known", claim.SettlementRef)
}

// A crash between submit and the claimed transitions leaves the backing
// spent by the ledger-assigned transaction reference, not the local batch
// ref. Recovery has to match either identifier.
func TestBackingRecoveryMatchesTxReference(t *testing.T) {
	state := newMemState()
	seedAvailableClaim(t, state, "claim-a", "vault-1", 100)

	proc := newTestProcessor(state, WithBuilder(&stubBuilder{}), WithSubmitter(&stubSubmitter{}))
	outcome, err := proc.SettleVault(context.Background(), "vault-1")
	require.NoError(t, err)
	require.Equal(t, 1, outcome.Claimed)

	settled, _, err := state.ClaimGet("claim-a")
	require.NoError(t, err)
	rec, ok, err := state.SettlementByRef(settled.SettlementRef)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "tx-ref-1", rec.TxRef)

	seedAvailableClaim(t, state, "claim-b", "vault-1", 200)
	checker := &stubChecker{fn: func(string) (Backing, error) {
		return Backing{State: BackingSpent, SpentBy: rec.TxRef}, nil
	}}
	submitter := &stubSubmitter{}
	recoverer := newTestProcessor(state,
		WithBuilder(&stubBuilder{}),
		WithSubmitter(submitter),
		WithBackingChecker(checker),
	)

	outcome, err = recoverer.SettleVault(context.Background(), "vault-1")
	require.NoError(t, err)
	require.Equal(t, 1, outcome.Recovered)
	require.Zero(t, outcome.Skipped)
	require.Zero(t, submitter.calls)

	recovered, _, err := state.ClaimGet("claim-b")
	require.NoError(t, err)
	require.Equal(t, claims.StatusClaimed, recovered.Status)
	require.Equal(t, rec.BatchRef, recovered.SettlementRef)
}

func TestInsufficientBackingLeavesClaimUntouched(t *testing.T) {
	state := newMemState()
	seedAvailableClaim(t, state, "claim-a", "vault-1", 100)

	checker := &stubChecker{fn: func(string) (Backing, error) {
		return Backing{State: BackingSpent, SpentBy: "unknown-tx"}, nil
	}}
	submitter := &stubSubmitter{}
	proc := newTestProcessor(state,
		WithBuilder(&stubBuilder{}),
		WithSubmitter(submitter),
		WithBackingChecker(checker),
	)

	outcome, err := proc.SettleVault(context.Background(), "vault-1")
	require.NoError(t, err)
	require.Equal(t, 1, outcome.Skipped)
	require.Zero(t, submitter.calls)

	claim, _, err := state.ClaimGet("claim-a")
	require.NoError(t, err)
	require.Equal(t, claims.StatusAvailable, claim.Status)
	require.Empty(t, claim.SettlementRef)
}

func TestManualSettleValidatesClaims(t *testing.T) {
	state := newMemState()
	seedAvailableClaim(t, state, "claim-a", "vault-1", 100)
	require.NoError(t, state.ClaimPut(&claims.Claim{
		ID: "claim-pending", Participant: "addr-x", VaultID: "vault-1",
		Type: claims.TypeContributor, Status: claims.StatusPending,
		Tokens: big.NewInt(1), Currency: big.NewInt(0),
	}))

	proc := newTestProcessor(state, WithBuilder(&stubBuilder{}), WithSubmitter(&stubSubmitter{}))

	_, err := proc.Settle(context.Background(), []string{"claim-pending"})
	require.ErrorIs(t, err, ErrNotSettleable)

	_, err = proc.Settle(context.Background(), []string{"claim-missing"})
	require.ErrorIs(t, err, claims.ErrClaimNotFound)

	outcomes, err := proc.Settle(context.Background(), []string{"claim-a"})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.Equal(t, 1, outcomes[0].Claimed)
}

func TestManualSettleGroupsByVault(t *testing.T) {
	state := newMemState()
	seedAvailableClaim(t, state, "claim-a", "vault-1", 100)
	seedAvailableClaim(t, state, "claim-b", "vault-2", 200)

	proc := newTestProcessor(state, WithBuilder(&stubBuilder{}), WithSubmitter(&stubSubmitter{}))

	outcomes, err := proc.Settle(context.Background(), []string{"claim-a", "claim-b"})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	require.Equal(t, "vault-1", outcomes[0].VaultID)
	require.Equal(t, "vault-2", outcomes[1].VaultID)
	require.ElementsMatch(t, []string{"vault-1", "vault-2"}, state.acquired)
	require.ElementsMatch(t, []string{"vault-1", "vault-2"}, state.released)
}

func TestSweepSettlesEveryVault(t *testing.T) {
	state := newMemState()
	seedAvailableClaim(t, state, "claim-a", "vault-1", 100)
	seedAvailableClaim(t, state, "claim-b", "vault-2", 200)

	proc := newTestProcessor(state, WithBuilder(&stubBuilder{}), WithSubmitter(&stubSubmitter{}))
	require.NoError(t, proc.Sweep(context.Background()))

	for _, id := range []string{"claim-a", "claim-b"} {
		claim, _, err := state.ClaimGet(id)
		require.NoError(t, err)
		require.Equal(t, claims.StatusClaimed, claim.Status)
	}
	// Sweep lease plus one lease per vault, all returned.
	require.Contains(t, state.acquired, sweepLeaseKey)
	require.Len(t, state.released, 3)
}

func TestSweepSkipsWhenLeaseHeldElsewhere(t *testing.T) {
	state := newMemState()
	seedAvailableClaim(t, state, "claim-a", "vault-1", 100)
	_, err := state.AcquireLease(sweepLeaseKey, "other-instance", time.Minute)
	require.NoError(t, err)
	state.acquired = nil

	submitter := &stubSubmitter{}
	proc := newTestProcessor(state, WithBuilder(&stubBuilder{}), WithSubmitter(submitter))
	require.NoError(t, proc.Sweep(context.Background()))

	require.Zero(t, submitter.calls)
	claim, _, err := state.ClaimGet("claim-a")
	require.NoError(t, err)
	require.Equal(t, claims.StatusAvailable, claim.Status)
}

// A live lease excludes every caller, the holder's own process included:
// a manual settle cannot overlap an in-flight sweep pass on the same vault.
func TestSettleVaultConflictsWithOwnLease(t *testing.T) {
	state := newMemState()
	seedAvailableClaim(t, state, "claim-a", "vault-1", 100)
	_, err := state.AcquireLease("vault-1", "settlementd", time.Minute)
	require.NoError(t, err)

	proc := newTestProcessor(state, WithBuilder(&stubBuilder{}), WithSubmitter(&stubSubmitter{}))
	_, err = proc.SettleVault(context.Background(), "vault-1")
	require.ErrorIs(t, err, storage.ErrLeaseHeld)

	claim, _, err := state.ClaimGet("claim-a")
	require.NoError(t, err)
	require.Equal(t, claims.StatusAvailable, claim.Status)
}

func TestNonRetryableSubmitErrorFailsImmediately(t *testing.T) {
	state := newMemState()
	seedAvailableClaim(t, state, "claim-a", "vault-1", 100)

	submitter := &stubSubmitter{fn: func(int) (string, error) {
		return "", errors.New("signature rejected")
	}}
	proc := newTestProcessor(state, WithBuilder(&stubBuilder{}), WithSubmitter(submitter))

	outcome, err := proc.SettleVault(context.Background(), "vault-1")
	require.NoError(t, err)
	require.Equal(t, 1, outcome.Failed)
	require.Equal(t, 1, submitter.calls)

	claim, _, err := state.ClaimGet("claim-a")
	require.NoError(t, err)
	require.Equal(t, claims.StatusFailed, claim.Status)
	require.Equal(t, 1, claim.Metadata.Failure.Attempts)
}
