package shipment

import "time"

// Status mirrors the shipment_status enum. The core only distinguishes
// negotiable statuses; shipment lifecycle is owned elsewhere.
type Status string

const (
	StatusDraft       Status = "draft"
	StatusPosted      Status = "posted"
	StatusNegotiating Status = "negotiating"
	StatusBooked      Status = "booked"
)

// Negotiable reports whether new negotiations may be opened on the shipment.
func (s Status) Negotiable() bool {
	return s == StatusPosted || s == StatusNegotiating
}

// Shipment is the read-side summary the core needs: identity and company
// linkage to validate a negotiation's parties.
type Shipment struct {
	ID             string
	CompanyID      string
	Title          string
	PalletCount    int
	PickupAddress  string
	DropoffAddress string
	BudgetMin      *float64
	BudgetMax      *float64
	Status         Status
	CreatedAt      time.Time
}
