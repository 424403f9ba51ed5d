package negotiation

import "fmt"

// Seed returns the negotiation as it looked at creation: initiated, version 1,
// no price, no proposer. Identity fields and the expiry deadline carry over.
func Seed(n Negotiation) Negotiation {
	return Negotiation{
		ID:         n.ID,
		ShipmentID: n.ShipmentID,
		CompanyID:  n.CompanyID,
		TruckerID:  n.TruckerID,
		Status:     StatusInitiated,
		ExpiresAt:  n.ExpiresAt,
		Version:    1,
		CreatedAt:  n.CreatedAt,
		UpdatedAt:  n.CreatedAt,
	}
}

// Replay folds an event sequence onto an initiated seed and reconstructs the
// live record. The fold is a pure function of the events, which is what makes
// the log authoritative: replaying a negotiation's full log must reproduce its
// current row exactly (status, price, proposer, version).
func Replay(seed Negotiation, events []Event) (Negotiation, error) {
	cur := seed
	for i, e := range events {
		if e.NegotiationID != cur.ID {
			return Negotiation{}, fmt.Errorf("negotiation: replay: event %d belongs to %s, not %s", i, e.NegotiationID, cur.ID)
		}

		if e.Kind == EventCreated {
			if i != 0 {
				return Negotiation{}, fmt.Errorf("negotiation: replay: creation event at position %d", i)
			}
			cur.UpdatedAt = e.CreatedAt
			continue
		}

		if cur.Status.Terminal() {
			return Negotiation{}, fmt.Errorf("negotiation: replay: event %d (%s) after terminal status %s", i, e.Kind, cur.Status)
		}
		if e.FromStatus != cur.Status {
			return Negotiation{}, fmt.Errorf("negotiation: replay: event %d expects status %s, log is at %s", i, e.FromStatus, cur.Status)
		}

		switch e.Kind {
		case EventProposed:
			if e.Price == nil {
				return Negotiation{}, fmt.Errorf("negotiation: replay: proposal event %d without price", i)
			}
			price := *e.Price
			cur.CurrentPrice = &price
			cur.ProposedBy = e.ActorID
		case EventAccepted:
			at := e.CreatedAt
			cur.AcceptedAt = &at
		case EventRejected:
			at := e.CreatedAt
			cur.RejectedAt = &at
		case EventExpired, EventCancelled:
			// status change only
		default:
			return Negotiation{}, fmt.Errorf("negotiation: replay: unknown event kind %q", e.Kind)
		}

		cur.Status = e.ToStatus
		cur.Version++
		cur.UpdatedAt = e.CreatedAt
	}
	return cur, nil
}
