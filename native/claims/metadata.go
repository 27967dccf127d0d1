package claims

// Metadata is the typed payload attached to a claim. The wire shape varies
// by claim type, so the payloads form a tagged union: exactly one
// type-specific payload may be set, matching the claim's type. Failure and
// audit annotations are orthogonal and may accompany any payload.
type Metadata struct {
	Acquirer        *AcquirerMetadata        `json:"acquirer,omitempty"`
	Contributor     *ContributorMetadata     `json:"contributor,omitempty"`
	LiquidityPool   *LiquidityPoolMetadata   `json:"liquidityPool,omitempty"`
	Cancellation    *CancellationMetadata    `json:"cancellation,omitempty"`
	Termination     *TerminationMetadata     `json:"termination,omitempty"`
	SecondaryReward *SecondaryRewardMetadata `json:"secondaryReward,omitempty"`

	Failure *FailureAnnotation `json:"failure,omitempty"`
	Audit   *AuditAnnotation   `json:"audit,omitempty"`
}

// AcquirerMetadata records how the acquirer entitlement was derived.
type AcquirerMetadata struct {
	SentAmount string `json:"sentAmount"`
	Multiplier string `json:"multiplier"`
}

// ContributorMetadata records the contribution inputs behind the claim.
type ContributorMetadata struct {
	AssessedValue    string   `json:"assessedValue"`
	ParticipantTotal string   `json:"participantTotal"`
	AssetIDs         []string `json:"assetIds,omitempty"`
}

// LiquidityPoolMetadata carries the pool seeding parameters.
type LiquidityPoolMetadata struct {
	PairMultiplier string `json:"pairMultiplier"`
	AdjustedTokens string `json:"adjustedTokens"`
	ReferencePrice string `json:"referencePrice,omitempty"`
}

// CancellationMetadata lists the assets to refund when a vault is
// cancelled, plus the output index the refund spends from.
type CancellationMetadata struct {
	AssetIDs    []string `json:"assetIds"`
	OutputIndex uint32   `json:"outputIndex"`
}

// TerminationMetadata carries the wallet and the amounts to burn and
// receive when a vault is terminated.
type TerminationMetadata struct {
	WalletAddress string `json:"walletAddress"`
	BurnTokens    string `json:"burnTokens"`
	ReceiveAmount string `json:"receiveAmount"`
}

// SecondaryRewardMetadata references the incentive program entry the claim
// belongs to.
type SecondaryRewardMetadata struct {
	ProgramID string `json:"programId"`
	Epoch     uint64 `json:"epoch"`
}

// FailureAnnotation stores the human-readable reason a settlement attempt
// gave up on the claim.
type FailureAnnotation struct {
	Reason   string `json:"reason"`
	Attempts int    `json:"attempts"`
	At       int64  `json:"at"`
}

// AuditAnnotation is written by the reconciliation service. Diagnostic
// only: amounts are never changed through metadata.
type AuditAnnotation struct {
	VerifiedAt      int64  `json:"verifiedAt"`
	TokenDelta      string `json:"tokenDelta,omitempty"`
	CurrencyDelta   string `json:"currencyDelta,omitempty"`
	WithinTolerance bool   `json:"withinTolerance"`
}

// payloadType reports which claim type the set payload belongs to, if any.
func (m Metadata) payloadType() (Type, bool) {
	switch {
	case m.Acquirer != nil:
		return TypeAcquirer, true
	case m.Contributor != nil:
		return TypeContributor, true
	case m.LiquidityPool != nil:
		return TypeLiquidityPool, true
	case m.Cancellation != nil:
		return TypeCancellation, true
	case m.Termination != nil:
		return TypeTermination, true
	case m.SecondaryReward != nil:
		return TypeSecondaryReward, true
	}
	return "", false
}

func (m Metadata) payloadCount() int {
	count := 0
	for _, set := range []bool{
		m.Acquirer != nil, m.Contributor != nil, m.LiquidityPool != nil,
		m.Cancellation != nil, m.Termination != nil, m.SecondaryReward != nil,
	} {
		if set {
			count++
		}
	}
	return count
}

// MatchesType reports whether the metadata payload is consistent with the
// claim type. An empty payload is always consistent.
func (m Metadata) MatchesType(t Type) bool {
	if m.payloadCount() > 1 {
		return false
	}
	payload, ok := m.payloadType()
	if !ok {
		return true
	}
	return payload == t
}

// Merge overlays the set fields of patch onto m and returns the result.
// Per-payload granularity: a patch payload replaces the corresponding
// payload wholesale.
func (m Metadata) Merge(patch Metadata) Metadata {
	merged := m
	if patch.Acquirer != nil {
		merged.Acquirer = patch.Acquirer
	}
	if patch.Contributor != nil {
		merged.Contributor = patch.Contributor
	}
	if patch.LiquidityPool != nil {
		merged.LiquidityPool = patch.LiquidityPool
	}
	if patch.Cancellation != nil {
		merged.Cancellation = patch.Cancellation
	}
	if patch.Termination != nil {
		merged.Termination = patch.Termination
	}
	if patch.SecondaryReward != nil {
		merged.SecondaryReward = patch.SecondaryReward
	}
	if patch.Failure != nil {
		merged.Failure = patch.Failure
	}
	if patch.Audit != nil {
		merged.Audit = patch.Audit
	}
	return merged
}

// Clone deep-copies the metadata.
func (m Metadata) Clone() Metadata {
	clone := m
	if m.Acquirer != nil {
		v := *m.Acquirer
		clone.Acquirer = &v
	}
	if m.Contributor != nil {
		v := *m.Contributor
		v.AssetIDs = append([]string(nil), m.Contributor.AssetIDs...)
		clone.Contributor = &v
	}
	if m.LiquidityPool != nil {
		v := *m.LiquidityPool
		clone.LiquidityPool = &v
	}
	if m.Cancellation != nil {
		v := *m.Cancellation
		v.AssetIDs = append([]string(nil), m.Cancellation.AssetIDs...)
		clone.Cancellation = &v
	}
	if m.Termination != nil {
		v := *m.Termination
		clone.Termination = &v
	}
	if m.SecondaryReward != nil {
		v := *m.SecondaryReward
		clone.SecondaryReward = &v
	}
	if m.Failure != nil {
		v := *m.Failure
		clone.Failure = &v
	}
	if m.Audit != nil {
		v := *m.Audit
		clone.Audit = &v
	}
	return clone
}
