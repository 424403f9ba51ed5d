package negotiation

import "time"

// Status is the negotiation protocol state. initiated and the two offer states
// are open; the remaining four are terminal and absorbing.
type Status string

const (
	StatusInitiated      Status = "initiated"
	StatusProposed       Status = "proposed"
	StatusCounterOffered Status = "counter_offered"
	StatusAccepted       Status = "accepted"
	StatusRejected       Status = "rejected"
	StatusExpired        Status = "expired"
	StatusCancelled      Status = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusAccepted, StatusRejected, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// Priced reports whether the status requires a non-null current price.
func (s Status) Priced() bool {
	switch s {
	case StatusProposed, StatusCounterOffered, StatusAccepted:
		return true
	default:
		return false
	}
}

// Negotiation is the price-bargaining session between one shipper and one
// carrier for one shipment. It mirrors the negotiations table; the version
// counter increases by exactly one on every state mutation and is the
// compare-and-swap guard for concurrent writers.
type Negotiation struct {
	ID           string
	ShipmentID   string
	CompanyID    string
	TruckerID    string
	Status       Status
	CurrentPrice *float64
	ProposedBy   *string
	ExpiresAt    *time.Time
	AcceptedAt   *time.Time
	RejectedAt   *time.Time
	Version      int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Participant reports whether the actor is one of the two parties.
func (n Negotiation) Participant(actorID string) bool {
	return actorID == n.CompanyID || actorID == n.TruckerID
}

// IsProposer reports whether the actor made the currently pending offer.
func (n Negotiation) IsProposer(actorID string) bool {
	return n.ProposedBy != nil && *n.ProposedBy == actorID
}

// Lapsed reports whether the expiry deadline has passed at the given instant.
// A lapsed negotiation is treated as closed even before the sweep has
// materialized the expired status.
func (n Negotiation) Lapsed(now time.Time) bool {
	return n.ExpiresAt != nil && now.After(*n.ExpiresAt)
}

// EventKind names a transition in the append-only log.
type EventKind string

const (
	EventCreated   EventKind = "NEGOTIATION_CREATED"
	EventProposed  EventKind = "PRICE_PROPOSED"
	EventAccepted  EventKind = "OFFER_ACCEPTED"
	EventRejected  EventKind = "OFFER_REJECTED"
	EventExpired   EventKind = "NEGOTIATION_EXPIRED"
	EventCancelled EventKind = "NEGOTIATION_CANCELLED"
)

// Event captures one immutable transition of a negotiation. Events for a
// negotiation form a total order by creation time consistent with the version
// sequence on the live record.
type Event struct {
	ID            string
	NegotiationID string
	Kind          EventKind
	FromStatus    Status
	ToStatus      Status
	Price         *float64
	ActorID       *string
	Metadata      map[string]any
	CreatedAt     time.Time
}
