package settlementd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"vaultdist/native/claims"
	"vaultdist/observability"
	"vaultdist/services/settlementd/storage"
)

// ErrTransport flags a retryable submission failure. Builders and
// submitters wrap transient network errors with it.
var ErrTransport = errors.New("settlementd: transport failure")

// ErrSizeLimitExceeded is returned by builders when a batch does not fit
// the settlement transaction size budget. The processor splits and
// rebuilds; it never fails a claim for size alone. A claim that does not
// fit by itself is skipped and stays available.
var ErrSizeLimitExceeded = errors.New("settlementd: batch size limit exceeded")

// ErrInsufficientBacking indicates a claim's backing output was consumed
// by a transaction the ledger does not know. The claim is left untouched
// for operator intervention.
var ErrInsufficientBacking = errors.New("settlementd: insufficient backing")

// ErrNotSettleable is returned by the manual path for claims that are not
// in available status or whose type the processor does not pay out.
var ErrNotSettleable = errors.New("settlementd: claim not settleable")

// BackingState classifies the backing output of a claim.
type BackingState string

const (
	BackingUnspent BackingState = "unspent"
	BackingSpent   BackingState = "spent"
	BackingMissing BackingState = "missing"
)

// Backing is the result of a backing check. SpentBy carries the reference
// of the transaction that consumed the output when State is BackingSpent.
type Backing struct {
	State   BackingState
	SpentBy string
}

// BackingChecker inspects the external ledger for the outputs backing a
// claim's source transaction.
type BackingChecker interface {
	Check(ctx context.Context, sourceTxID string) (Backing, error)
}

// BatchSpec is the unit of work handed to the transaction builder.
type BatchSpec struct {
	VaultID  string
	BatchRef string
	Claims   []*claims.Claim
}

// RawTransaction is an opaque signed settlement transaction.
type RawTransaction struct {
	Payload []byte
}

// TxBuilder assembles a settlement transaction paying out a batch.
type TxBuilder interface {
	Build(ctx context.Context, spec BatchSpec) (RawTransaction, error)
}

// TxSubmitter broadcasts a settlement transaction and returns its
// reference on the external ledger.
type TxSubmitter interface {
	Submit(ctx context.Context, tx RawTransaction) (string, error)
}

// Store is the persistence surface the processor needs. *storage.Store
// satisfies it.
type Store interface {
	AvailableClaims(vaultID string) ([]*claims.Claim, error)
	VaultsWithAvailableClaims() ([]string, error)
	ClaimGet(id string) (*claims.Claim, bool, error)
	SettlementByRef(ref string) (*storage.SettlementRecord, bool, error)
	RecordSettlement(vaultID, batchRef, txRef string, claimCount int) error
	AcquireLease(vaultID, holder string, ttl time.Duration) (string, error)
	ReleaseLease(vaultID, token string) error
}

// VaultOutcome summarises one vault's settlement pass.
type VaultOutcome struct {
	VaultID   string
	Batches   int
	Claimed   int
	Recovered int
	Failed    int
	Skipped   int
}

// Processor drives batch settlement: backing checks, batching under the
// byte budget, submission with retries, and the claim state transitions.
type Processor struct {
	store     Store
	engine    *claims.Engine
	builder   TxBuilder
	submitter TxSubmitter
	checker   BackingChecker
	metrics   *observability.SettlementdMetrics
	logger    *slog.Logger
	settings  SettleConfig
	holder    string
	leaseTTL  time.Duration
	now       func() time.Time
	sleep     func(context.Context, time.Duration) error
	jitter    func(time.Duration) time.Duration
}

// ProcessorOption customises the processor instance.
type ProcessorOption func(*Processor)

// WithBuilder supplies the transaction builder.
func WithBuilder(b TxBuilder) ProcessorOption {
	return func(p *Processor) { p.builder = b }
}

// WithSubmitter supplies the transaction submitter.
func WithSubmitter(s TxSubmitter) ProcessorOption {
	return func(p *Processor) { p.submitter = s }
}

// WithBackingChecker supplies the backing checker.
func WithBackingChecker(c BackingChecker) ProcessorOption {
	return func(p *Processor) { p.checker = c }
}

// WithSettleConfig overrides batching and retry bounds.
func WithSettleConfig(cfg SettleConfig) ProcessorOption {
	return func(p *Processor) { p.settings = cfg }
}

// WithHolder names this instance for lease ownership.
func WithHolder(holder string) ProcessorOption {
	return func(p *Processor) { p.holder = holder }
}

// WithLeaseTTL overrides the settlement lease TTL.
func WithLeaseTTL(ttl time.Duration) ProcessorOption {
	return func(p *Processor) { p.leaseTTL = ttl }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = logger }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *observability.SettlementdMetrics) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) ProcessorOption {
	return func(p *Processor) { p.now = clock }
}

// WithSleep overrides the retry delay primitive. Tests use this to make
// backoff instantaneous while still asserting the requested delays.
func WithSleep(sleep func(context.Context, time.Duration) error) ProcessorOption {
	return func(p *Processor) { p.sleep = sleep }
}

// WithJitter overrides the retry jitter. Tests pass the identity function
// for deterministic delays.
func WithJitter(jitter func(time.Duration) time.Duration) ProcessorOption {
	return func(p *Processor) { p.jitter = jitter }
}

// NewProcessor constructs a settlement processor over the supplied store
// and claim engine.
func NewProcessor(store Store, engine *claims.Engine, opts ...ProcessorOption) *Processor {
	proc := &Processor{
		store:  store,
		engine: engine,
		logger: slog.Default(),
		settings: SettleConfig{
			MaxBatchBytes:  16 * 1024,
			MaxAttempts:    5,
			RetryBaseDelay: Duration{time.Second},
			RetryMaxDelay:  Duration{time.Minute},
			AttemptTimeout: Duration{15 * time.Second},
		},
		holder:   "settlementd",
		leaseTTL: 2 * time.Minute,
		now:      time.Now,
	}
	proc.sleep = func(ctx context.Context, d time.Duration) error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
	proc.jitter = func(d time.Duration) time.Duration {
		if d <= 0 {
			return d
		}
		return d + time.Duration(rand.Int63n(int64(d)/2+1))
	}
	for _, opt := range opts {
		opt(proc)
	}
	if proc.metrics == nil {
		proc.metrics = observability.Settlementd()
	}
	return proc
}

// SettleVault settles every eligible available claim of one vault. It
// takes the vault's settlement lease for the duration of the pass.
func (p *Processor) SettleVault(ctx context.Context, vaultID string) (*VaultOutcome, error) {
	vaultID = strings.TrimSpace(vaultID)
	if vaultID == "" {
		return nil, fmt.Errorf("settlementd: vault id required")
	}
	token, err := p.store.AcquireLease(vaultID, p.holder, p.leaseTTL)
	if err != nil {
		return nil, err
	}
	p.metrics.SetLease(vaultID, true)
	defer func() {
		if err := p.store.ReleaseLease(vaultID, token); err != nil {
			p.logger.Warn("release lease", "vault", vaultID, "error", err)
		}
		p.metrics.SetLease(vaultID, false)
	}()

	available, err := p.store.AvailableClaims(vaultID)
	if err != nil {
		return nil, err
	}
	return p.processClaims(ctx, vaultID, available)
}

// Settle is the manual settlement path. It drives the same pipeline as the
// sweep but restricted to the requested claims, grouped per vault.
func (p *Processor) Settle(ctx context.Context, claimIDs []string) ([]*VaultOutcome, error) {
	byVault := make(map[string][]*claims.Claim)
	for _, id := range claimIDs {
		claim, ok, err := p.store.ClaimGet(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", claims.ErrClaimNotFound, id)
		}
		if claim.Status != claims.StatusAvailable || !claim.Type.Settleable() {
			return nil, fmt.Errorf("%w: %s is %s %s", ErrNotSettleable, id, claim.Status, claim.Type)
		}
		byVault[claim.VaultID] = append(byVault[claim.VaultID], claim)
	}

	vaultIDs := make([]string, 0, len(byVault))
	for vaultID := range byVault {
		vaultIDs = append(vaultIDs, vaultID)
	}
	sort.Strings(vaultIDs)

	outcomes := make([]*VaultOutcome, 0, len(vaultIDs))
	for _, vaultID := range vaultIDs {
		token, err := p.store.AcquireLease(vaultID, p.holder, p.leaseTTL)
		if err != nil {
			return outcomes, err
		}
		outcome, err := p.processClaims(ctx, vaultID, byVault[vaultID])
		if releaseErr := p.store.ReleaseLease(vaultID, token); releaseErr != nil {
			p.logger.Warn("release lease", "vault", vaultID, "error", releaseErr)
		}
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

func (p *Processor) processClaims(ctx context.Context, vaultID string, candidates []*claims.Claim) (*VaultOutcome, error) {
	outcome := &VaultOutcome{VaultID: vaultID}

	eligible, err := p.screenBacking(ctx, vaultID, candidates, outcome)
	if err != nil {
		return outcome, err
	}
	for _, batch := range chunkClaims(eligible, p.settings.MaxBatchBytes) {
		if err := p.submitBatch(ctx, vaultID, batch, outcome); err != nil {
			return outcome, err
		}
	}
	return outcome, nil
}

// screenBacking splits candidates into settleable claims and recoveries.
// A claim whose backing was spent by a settlement the ledger recorded is
// the crash-recovery case: the payout happened, only the transition was
// lost, so the claim jumps straight to claimed.
func (p *Processor) screenBacking(ctx context.Context, vaultID string, candidates []*claims.Claim, outcome *VaultOutcome) ([]*claims.Claim, error) {
	if p.checker == nil {
		return candidates, nil
	}
	eligible := make([]*claims.Claim, 0, len(candidates))
	for _, claim := range candidates {
		if claim.SourceTxID == "" {
			eligible = append(eligible, claim)
			continue
		}
		backing, err := p.checker.Check(ctx, claim.SourceTxID)
		if err != nil {
			return nil, fmt.Errorf("check backing %s: %w", claim.SourceTxID, err)
		}
		switch backing.State {
		case BackingUnspent:
			eligible = append(eligible, claim)
		case BackingSpent:
			// SpentBy may be either identifier of an own settlement: the
			// local batch ref or the tx ref the ledger assigned on submit.
			if rec, known, err := p.store.SettlementByRef(backing.SpentBy); err != nil {
				return nil, err
			} else if known {
				if _, err := p.engine.MarkClaimed(ctx, claim.ID, rec.BatchRef); err != nil {
					return nil, err
				}
				outcome.Recovered++
				p.metrics.RecordClaims(vaultID, "recovered", 1)
				p.logger.Info("recovered settled claim",
					"vault", vaultID, "claim", claim.ID, "settlement", rec.BatchRef, "tx", rec.TxRef)
				continue
			}
			outcome.Skipped++
			p.metrics.RecordError(vaultID, "insufficient_backing")
			p.logger.Warn("claim backing spent outside settlement",
				"vault", vaultID, "claim", claim.ID, "spent_by", backing.SpentBy, "error", ErrInsufficientBacking)
		case BackingMissing:
			outcome.Skipped++
			p.metrics.RecordError(vaultID, "backing_missing")
			p.logger.Warn("claim backing missing", "vault", vaultID, "claim", claim.ID, "error", ErrInsufficientBacking)
		default:
			return nil, fmt.Errorf("settlementd: unknown backing state %q", backing.State)
		}
	}
	return eligible, nil
}

// submitBatch builds, submits, and transitions one batch. A builder size
// rejection splits the batch and retries both halves.
func (p *Processor) submitBatch(ctx context.Context, vaultID string, batch []*claims.Claim, outcome *VaultOutcome) error {
	if len(batch) == 0 {
		return nil
	}
	ref := batchRef(batch)
	raw, buildAttempts, err := p.buildWithRetry(ctx, vaultID, BatchSpec{VaultID: vaultID, BatchRef: ref, Claims: batch})
	if errors.Is(err, ErrSizeLimitExceeded) {
		if len(batch) == 1 {
			// Size is a property of the budget, not the claim. It stays
			// available for an operator or a raised budget.
			outcome.Skipped++
			p.metrics.RecordError(vaultID, "oversized_claim")
			p.logger.Warn("claim alone exceeds size budget, left available",
				"vault", vaultID, "claim", batch[0].ID, "error", err)
			return nil
		}
		half := len(batch) / 2
		if err := p.submitBatch(ctx, vaultID, batch[:half], outcome); err != nil {
			return err
		}
		return p.submitBatch(ctx, vaultID, batch[half:], outcome)
	}
	if errors.Is(err, ErrTransport) {
		return p.failClaims(ctx, vaultID, batch, outcome, buildAttempts, err)
	}
	if err != nil {
		return err
	}

	// The batch enters the pipeline only once a transaction exists for it.
	for _, claim := range batch {
		if _, err := p.engine.Transition(ctx, claim.ID, claims.StatusPending); err != nil {
			return err
		}
	}

	started := p.now()
	txRef, attempts, err := p.submitWithRetry(ctx, vaultID, raw)
	if err != nil {
		return p.failClaims(ctx, vaultID, batch, outcome, attempts, err)
	}

	if err := p.store.RecordSettlement(vaultID, ref, txRef, len(batch)); err != nil {
		return err
	}
	for _, claim := range batch {
		if _, err := p.engine.MarkClaimed(ctx, claim.ID, ref); err != nil {
			return err
		}
	}
	outcome.Batches++
	outcome.Claimed += len(batch)
	p.metrics.ObserveBatch(vaultID, len(batch), p.now().Sub(started))
	p.metrics.RecordClaims(vaultID, "claimed", len(batch))
	p.logger.Info("settled batch", "vault", vaultID, "batch", ref, "tx", txRef, "claims", len(batch), "attempts", attempts)
	return nil
}

// buildWithRetry drives the builder through the same backoff discipline as
// submission: transport failures retry up to the attempt ceiling. Size
// rejections are not retried; they signal a split.
func (p *Processor) buildWithRetry(ctx context.Context, vaultID string, spec BatchSpec) (RawTransaction, int, error) {
	var lastErr error
	for attempt := 1; attempt <= p.settings.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, p.settings.AttemptTimeout.Duration)
		raw, err := p.builder.Build(attemptCtx, spec)
		cancel()
		if err == nil {
			return raw, attempt, nil
		}
		lastErr = err
		if !errors.Is(err, ErrTransport) {
			return RawTransaction{}, attempt, err
		}
		if attempt == p.settings.MaxAttempts {
			break
		}
		p.metrics.RecordRetry(vaultID)
		delay := p.jitter(backoffDelay(attempt, p.settings.RetryBaseDelay.Duration, p.settings.RetryMaxDelay.Duration))
		p.logger.Warn("settlement build failed, retrying",
			"vault", vaultID, "attempt", attempt, "delay", delay, "error", err)
		if err := p.sleep(ctx, delay); err != nil {
			return RawTransaction{}, attempt, err
		}
	}
	return RawTransaction{}, p.settings.MaxAttempts, lastErr
}

// submitWithRetry drives the retry loop: exponential backoff with jitter
// up to the attempt ceiling, transport failures only. Every attempt runs
// under its own timeout so a hung submitter cannot wedge the sweep.
func (p *Processor) submitWithRetry(ctx context.Context, vaultID string, raw RawTransaction) (string, int, error) {
	var lastErr error
	for attempt := 1; attempt <= p.settings.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, p.settings.AttemptTimeout.Duration)
		txRef, err := p.submitter.Submit(attemptCtx, raw)
		cancel()
		if err == nil {
			return txRef, attempt, nil
		}
		lastErr = err
		if !errors.Is(err, ErrTransport) {
			return "", attempt, err
		}
		if attempt == p.settings.MaxAttempts {
			break
		}
		p.metrics.RecordRetry(vaultID)
		delay := p.jitter(backoffDelay(attempt, p.settings.RetryBaseDelay.Duration, p.settings.RetryMaxDelay.Duration))
		p.logger.Warn("settlement submit failed, retrying",
			"vault", vaultID, "attempt", attempt, "delay", delay, "error", err)
		if err := p.sleep(ctx, delay); err != nil {
			return "", attempt, err
		}
	}
	return "", p.settings.MaxAttempts, lastErr
}

// failClaims moves a whole batch to failed, annotating each claim with
// the reason and attempt count. No claim in the batch settles.
func (p *Processor) failClaims(ctx context.Context, vaultID string, batch []*claims.Claim, outcome *VaultOutcome, attempts int, cause error) error {
	at := p.now().Unix()
	for _, claim := range batch {
		current, ok, err := p.store.ClaimGet(claim.ID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if current.Status == claims.StatusAvailable {
			if _, err := p.engine.Transition(ctx, claim.ID, claims.StatusPending); err != nil {
				return err
			}
		}
		if _, err := p.engine.Transition(ctx, claim.ID, claims.StatusFailed); err != nil {
			return err
		}
		if _, err := p.engine.MergeMetadata(claim.ID, claims.Metadata{Failure: &claims.FailureAnnotation{
			Reason:   cause.Error(),
			Attempts: attempts,
			At:       at,
		}}); err != nil {
			return err
		}
	}
	outcome.Failed += len(batch)
	p.metrics.RecordClaims(vaultID, "failed", len(batch))
	p.metrics.RecordError(vaultID, "settlement_failed")
	p.logger.Error("settlement batch failed", "vault", vaultID, "claims", len(batch), "attempts", attempts, "error", cause)
	return nil
}

func backoffDelay(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := base * time.Duration(1<<uint(attempt-1))
	if d > ceiling || d <= 0 {
		return ceiling
	}
	return d
}

// batchRef derives the deterministic batch identifier: Keccak-256 over the
// sorted member claim ids. Re-running a crashed sweep reproduces the same
// reference for the same membership.
func batchRef(batch []*claims.Claim) string {
	ids := make([]string, 0, len(batch))
	for _, claim := range batch {
		ids = append(ids, claim.ID)
	}
	sort.Strings(ids)
	return crypto.Keccak256Hash([]byte(strings.Join(ids, "\n"))).Hex()
}

// chunkClaims splits claims into batches under the byte budget, keeping
// arrival order inside each batch. A single claim always forms a batch
// even when its estimate exceeds the budget; the builder has the final
// word on size.
func chunkClaims(list []*claims.Claim, maxBytes int) [][]*claims.Claim {
	if len(list) == 0 {
		return nil
	}
	var (
		batches [][]*claims.Claim
		current []*claims.Claim
		used    int
	)
	for _, claim := range list {
		size := estimateClaimBytes(claim)
		if len(current) > 0 && used+size > maxBytes {
			batches = append(batches, current)
			current = nil
			used = 0
		}
		current = append(current, claim)
		used += size
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

// estimateClaimBytes approximates a claim's footprint in the settlement
// transaction. Token-only payouts are one output; currency adds a second;
// contributor claims reference their asset inputs.
func estimateClaimBytes(c *claims.Claim) int {
	const outputBytes = 128
	size := outputBytes + len(c.Participant) + len(c.SourceTxID)
	if c.Currency != nil && c.Currency.Sign() > 0 {
		size += outputBytes
	}
	if c.Metadata.Contributor != nil {
		size += 40 * len(c.Metadata.Contributor.AssetIDs)
	}
	return size
}
