package matching

import (
	"context"
	"errors"
	"fmt"
	"time"

	"freightmatch/negotiation"
	"freightmatch/shipment"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrShipmentNotOpen signals the shipment is not accepting negotiations.
	ErrShipmentNotOpen = errors.New("matching: shipment not open for negotiation")
	// ErrNotAllowed signals the actor is neither the shipment's company nor
	// the selected carrier.
	ErrNotAllowed = errors.New("matching: actor may not open this negotiation")
)

// ShipmentReader is the registry boundary: identity and company linkage only.
type ShipmentReader interface {
	Get(ctx context.Context, id string) (shipment.Shipment, error)
}

// NegotiationCreator opens a negotiation inside the caller's transaction,
// idempotently per (shipment, trucker) pair.
type NegotiationCreator interface {
	CreateIfAbsent(ctx context.Context, tx pgx.Tx, params negotiation.CreateParams) (negotiation.Negotiation, bool, error)
}

// Service bridges candidate selection into negotiation creation: a shipper
// picks a carrier off the live map (or a carrier expresses interest in a
// posted shipment) and gets the pair's single negotiation back.
type Service struct {
	pool      negotiation.TxBeginner
	shipments ShipmentReader
	creator   NegotiationCreator
	ttl       time.Duration
	now       func() time.Time
}

func NewService(pool negotiation.TxBeginner, shipments ShipmentReader, creator NegotiationCreator) *Service {
	return &Service{
		pool:      pool,
		shipments: shipments,
		creator:   creator,
		now:       time.Now,
	}
}

// WithTTL sets the expiry window stamped on newly created negotiations. Zero
// means negotiations never lapse on their own.
func (s *Service) WithTTL(ttl time.Duration) *Service {
	s.ttl = ttl
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateOrGet returns the negotiation for (shipment, trucker), creating it in
// initiated status when absent. Retries are safe: an existing negotiation is
// returned rather than duplicated.
func (s *Service) CreateOrGet(ctx context.Context, actorID, shipmentID, truckerID string) (negotiation.Negotiation, error) {
	if shipmentID == "" || truckerID == "" {
		return negotiation.Negotiation{}, fmt.Errorf("matching: shipment and trucker ids required")
	}

	ship, err := s.shipments.Get(ctx, shipmentID)
	if err != nil {
		return negotiation.Negotiation{}, err
	}
	if actorID != ship.CompanyID && actorID != truckerID {
		return negotiation.Negotiation{}, ErrNotAllowed
	}
	if !ship.Status.Negotiable() {
		return negotiation.Negotiation{}, ErrShipmentNotOpen
	}

	var expiresAt *time.Time
	if s.ttl > 0 {
		t := s.now().Add(s.ttl)
		expiresAt = &t
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return negotiation.Negotiation{}, fmt.Errorf("matching: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, _, err := s.creator.CreateIfAbsent(ctx, tx, negotiation.CreateParams{
		ShipmentID: ship.ID,
		CompanyID:  ship.CompanyID,
		TruckerID:  truckerID,
		ExpiresAt:  expiresAt,
	})
	if err != nil {
		return negotiation.Negotiation{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return negotiation.Negotiation{}, fmt.Errorf("matching: commit: %w", err)
	}

	return rec, nil
}
