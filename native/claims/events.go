package claims

// Event describes a ledger mutation for downstream consumers (webhooks,
// audit trail). Attributes are flat strings so emitters can serialize them
// without knowing claim internals.
type Event struct {
	Type       string
	Attributes map[string]string
}

// Emitter receives ledger events. Implementations must not block.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter drops every event.
type NoopEmitter struct{}

// Emit implements Emitter.
func (NoopEmitter) Emit(Event) {}

// Event type identifiers.
const (
	EventClaimCreated      = "claims.claim.created"
	EventClaimTransitioned = "claims.claim.transitioned"
	EventClaimReplaced     = "claims.claim.replaced"
)

func newClaimCreatedEvent(c *Claim) Event {
	return Event{
		Type: EventClaimCreated,
		Attributes: map[string]string{
			"id":          c.ID,
			"vault":       c.VaultID,
			"participant": c.Participant,
			"type":        string(c.Type),
			"tokens":      c.Tokens.String(),
			"currency":    c.Currency.String(),
		},
	}
}

func newClaimTransitionedEvent(c *Claim, from Status) Event {
	attrs := map[string]string{
		"id":    c.ID,
		"vault": c.VaultID,
		"from":  string(from),
		"to":    string(c.Status),
	}
	if c.SettlementRef != "" {
		attrs["settlement"] = c.SettlementRef
	}
	return Event{Type: EventClaimTransitioned, Attributes: attrs}
}

func newClaimReplacedEvent(old, replacement *Claim) Event {
	return Event{
		Type: EventClaimReplaced,
		Attributes: map[string]string{
			"id":          old.ID,
			"replacement": replacement.ID,
			"vault":       old.VaultID,
			"participant": old.Participant,
		},
	}
}
