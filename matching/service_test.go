package matching

import (
	"context"
	"errors"
	"testing"
	"time"

	"freightmatch/negotiation"
	"freightmatch/shipment"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeShipments struct {
	record shipment.Shipment
	err    error
}

func (f *fakeShipments) Get(ctx context.Context, id string) (shipment.Shipment, error) {
	return f.record, f.err
}

type fakeCreator struct {
	record  negotiation.Negotiation
	wasNew  bool
	err     error
	params  negotiation.CreateParams
	created bool
}

func (f *fakeCreator) CreateIfAbsent(ctx context.Context, tx pgx.Tx, params negotiation.CreateParams) (negotiation.Negotiation, bool, error) {
	f.created = true
	f.params = params
	return f.record, f.wasNew, f.err
}

func postedShipment() shipment.Shipment {
	return shipment.Shipment{
		ID:        "s1",
		CompanyID: "company-1",
		Title:     "Izmir to Bursa, 8 pallets",
		Status:    shipment.StatusPosted,
	}
}

func TestCreateOrGet_ByCompany(t *testing.T) {
	pool := &fakePool{}
	creator := &fakeCreator{
		record: negotiation.Negotiation{ID: "n1", Status: negotiation.StatusInitiated, Version: 1},
		wasNew: true,
	}
	svc := NewService(pool, &fakeShipments{record: postedShipment()}, creator)

	rec, err := svc.CreateOrGet(context.Background(), "company-1", "s1", "trucker-1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if rec.ID != "n1" {
		t.Errorf("unexpected negotiation: %+v", rec)
	}
	if !pool.tx.committed {
		t.Errorf("expected commit")
	}
	if creator.params.CompanyID != "company-1" || creator.params.TruckerID != "trucker-1" {
		t.Errorf("unexpected create params: %+v", creator.params)
	}
}

func TestCreateOrGet_ByTrucker(t *testing.T) {
	pool := &fakePool{}
	creator := &fakeCreator{record: negotiation.Negotiation{ID: "n1"}}
	svc := NewService(pool, &fakeShipments{record: postedShipment()}, creator)

	// The selected carrier may open the negotiation as well.
	if _, err := svc.CreateOrGet(context.Background(), "trucker-1", "s1", "trucker-1"); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestCreateOrGet_StrangerForbidden(t *testing.T) {
	pool := &fakePool{}
	creator := &fakeCreator{}
	svc := NewService(pool, &fakeShipments{record: postedShipment()}, creator)

	_, err := svc.CreateOrGet(context.Background(), "someone-else", "s1", "trucker-1")
	if !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("expected ErrNotAllowed, got %v", err)
	}
	if creator.created {
		t.Errorf("expected no creation attempt")
	}
}

func TestCreateOrGet_ShipmentNotOpen(t *testing.T) {
	booked := postedShipment()
	booked.Status = shipment.StatusBooked

	pool := &fakePool{}
	svc := NewService(pool, &fakeShipments{record: booked}, &fakeCreator{})

	if _, err := svc.CreateOrGet(context.Background(), "company-1", "s1", "trucker-1"); !errors.Is(err, ErrShipmentNotOpen) {
		t.Fatalf("expected ErrShipmentNotOpen, got %v", err)
	}
}

func TestCreateOrGet_ShipmentMissing(t *testing.T) {
	pool := &fakePool{}
	svc := NewService(pool, &fakeShipments{err: shipment.ErrNotFound}, &fakeCreator{})

	if _, err := svc.CreateOrGet(context.Background(), "company-1", "s1", "trucker-1"); !errors.Is(err, shipment.ErrNotFound) {
		t.Fatalf("expected shipment.ErrNotFound, got %v", err)
	}
}

func TestCreateOrGet_StampsExpiry(t *testing.T) {
	now := time.Date(2025, 6, 12, 9, 0, 0, 0, time.UTC)
	pool := &fakePool{}
	creator := &fakeCreator{}
	svc := NewService(pool, &fakeShipments{record: postedShipment()}, creator).
		WithTTL(48 * time.Hour).
		WithClock(func() time.Time { return now })

	if _, err := svc.CreateOrGet(context.Background(), "company-1", "s1", "trucker-1"); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if creator.params.ExpiresAt == nil || !creator.params.ExpiresAt.Equal(now.Add(48*time.Hour)) {
		t.Fatalf("expected expiry 48h out, got %v", creator.params.ExpiresAt)
	}
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
