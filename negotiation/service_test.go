package negotiation

import (
	"context"
	"errors"
	"testing"
	"time"

	"freightmatch/chat"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func openProposed(proposer string) Negotiation {
	price := 1450.0
	return Negotiation{
		ID:           "n1",
		ShipmentID:   "s1",
		CompanyID:    "company-1",
		TruckerID:    "trucker-1",
		Status:       StatusProposed,
		CurrentPrice: &price,
		ProposedBy:   &proposer,
		Version:      2,
	}
}

func TestPropose_FromInitiated(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{current: Negotiation{
		ID:        "n1",
		CompanyID: "company-1",
		TruckerID: "trucker-1",
		Status:    StatusInitiated,
		Version:   1,
	}}
	notifier := &fakeNotifier{}
	svc := NewService(pool, store).WithNotifier(notifier)

	updated, err := svc.Propose(context.Background(), "n1", "company-1", 1450)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if updated.Status != StatusProposed {
		t.Errorf("expected proposed, got %s", updated.Status)
	}
	if !pool.tx.committed {
		t.Errorf("expected commit to be called")
	}
	if store.updateParams.ExpectedVersion != 1 {
		t.Errorf("expected CAS against version 1, got %d", store.updateParams.ExpectedVersion)
	}
	if store.eventParams.Kind != EventProposed {
		t.Errorf("expected PRICE_PROPOSED event, got %s", store.eventParams.Kind)
	}
	if store.messageParams.Kind != chat.KindNegotiationAction {
		t.Errorf("expected negotiation_action message, got %s", store.messageParams.Kind)
	}
	if store.messageParams.EventID == nil {
		t.Errorf("expected message to back-reference the event")
	}
	if notifier.changed != 1 || notifier.messages != 1 {
		t.Errorf("expected one change and one message push, got %d/%d", notifier.changed, notifier.messages)
	}
}

func TestPropose_CounterByCounterpart(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{current: openProposed("company-1")}
	svc := NewService(pool, store)

	updated, err := svc.Propose(context.Background(), "n1", "trucker-1", 1300)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if updated.Status != StatusCounterOffered {
		t.Errorf("expected counter_offered, got %s", updated.Status)
	}
	if store.eventParams.Metadata["previous_price"] != 1450.0 {
		t.Errorf("expected previous price in metadata, got %+v", store.eventParams.Metadata)
	}
}

func TestPropose_ConsecutiveOfferRejected(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{current: openProposed("company-1")}
	svc := NewService(pool, store)

	_, err := svc.Propose(context.Background(), "n1", "company-1", 1500)
	if !errors.Is(err, ErrNotYourTurn) {
		t.Fatalf("expected ErrNotYourTurn, got %v", err)
	}

	if pool.tx.committed {
		t.Errorf("expected no commit on guard failure")
	}
	if !pool.tx.rolled {
		t.Errorf("expected rollback")
	}
	if store.updateCalled {
		t.Errorf("expected no state update on guard failure")
	}
}

func TestPropose_InvalidPrice(t *testing.T) {
	pool := &fakePool{}
	svc := NewService(pool, &fakeStore{})

	if _, err := svc.Propose(context.Background(), "n1", "company-1", 0); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice, got %v", err)
	}
	if _, err := svc.Propose(context.Background(), "n1", "company-1", -10); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice, got %v", err)
	}

	if pool.tx != nil {
		t.Errorf("expected no transaction for an invalid price")
	}
}

func TestPropose_NotParticipant(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{current: openProposed("company-1")}
	svc := NewService(pool, store)

	if _, err := svc.Propose(context.Background(), "n1", "stranger", 1200); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
}

func TestPropose_TerminalClosed(t *testing.T) {
	record := openProposed("company-1")
	record.Status = StatusAccepted
	pool := &fakePool{}
	store := &fakeStore{current: record}
	svc := NewService(pool, store)

	if _, err := svc.Propose(context.Background(), "n1", "trucker-1", 1200); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestPropose_LapsedTreatedAsClosed(t *testing.T) {
	deadline := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	record := openProposed("company-1")
	record.ExpiresAt = &deadline

	pool := &fakePool{}
	store := &fakeStore{current: record}
	svc := NewService(pool, store).WithClock(func() time.Time {
		return deadline.Add(time.Minute)
	})

	// The sweep has not materialized expired yet, but the deadline has passed.
	if _, err := svc.Propose(context.Background(), "n1", "trucker-1", 1200); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestAccept_Success(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{current: openProposed("company-1")}
	notifier := &fakeNotifier{}
	svc := NewService(pool, store).WithNotifier(notifier)

	updated, err := svc.Accept(context.Background(), "n1", "trucker-1", 1450)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if updated.Status != StatusAccepted {
		t.Errorf("expected accepted, got %s", updated.Status)
	}
	if !store.updateParams.SetAcceptedAt {
		t.Errorf("expected accepted_at to be stamped")
	}
	if store.eventParams.Kind != EventAccepted {
		t.Errorf("expected OFFER_ACCEPTED event, got %s", store.eventParams.Kind)
	}
	if !pool.tx.committed {
		t.Errorf("expected commit")
	}
}

func TestAccept_StalePrice(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{current: openProposed("company-1")}
	svc := NewService(pool, store)

	_, err := svc.Accept(context.Background(), "n1", "trucker-1", 1300)
	if !errors.Is(err, ErrStalePrice) {
		t.Fatalf("expected ErrStalePrice, got %v", err)
	}
	if store.updateCalled {
		t.Errorf("expected no state update on stale price")
	}
}

func TestAccept_ByProposer(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{current: openProposed("company-1")}
	svc := NewService(pool, store)

	if _, err := svc.Accept(context.Background(), "n1", "company-1", 1450); !errors.Is(err, ErrNotYourTurn) {
		t.Fatalf("expected ErrNotYourTurn, got %v", err)
	}
}

func TestAccept_NoPendingOffer(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{current: Negotiation{
		ID:        "n1",
		CompanyID: "company-1",
		TruckerID: "trucker-1",
		Status:    StatusInitiated,
		Version:   1,
	}}
	svc := NewService(pool, store)

	if _, err := svc.Accept(context.Background(), "n1", "trucker-1", 1450); !errors.Is(err, ErrNoPendingOffer) {
		t.Fatalf("expected ErrNoPendingOffer, got %v", err)
	}
}

func TestAccept_VersionConflictPropagated(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{current: openProposed("company-1"), updateErr: ErrVersionConflict}
	svc := NewService(pool, store)

	_, err := svc.Accept(context.Background(), "n1", "trucker-1", 1450)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if pool.tx.committed {
		t.Errorf("expected no commit on version conflict")
	}
}

func TestReject_ByProposer(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{current: openProposed("company-1")}
	svc := NewService(pool, store)

	// Unlike accept, reject is open to either party, including the proposer.
	updated, err := svc.Reject(context.Background(), "n1", "company-1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if updated.Status != StatusRejected {
		t.Errorf("expected rejected, got %s", updated.Status)
	}
	if !store.updateParams.SetRejectedAt {
		t.Errorf("expected rejected_at to be stamped")
	}
}

func TestReject_Terminal(t *testing.T) {
	record := openProposed("company-1")
	record.Status = StatusRejected
	pool := &fakePool{}
	store := &fakeStore{current: record}
	svc := NewService(pool, store)

	if _, err := svc.Reject(context.Background(), "n1", "trucker-1"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestCancel_Success(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{current: openProposed("company-1")}
	svc := NewService(pool, store)

	updated, err := svc.Cancel(context.Background(), "n1", "trucker-1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if updated.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", updated.Status)
	}
	if store.eventParams.Kind != EventCancelled {
		t.Errorf("expected NEGOTIATION_CANCELLED event, got %s", store.eventParams.Kind)
	}
}

func TestTransition_NotFound(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{getErr: ErrNotFound}
	svc := NewService(pool, store)

	if _, err := svc.Reject(context.Background(), "missing", "company-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

type fakeStore struct {
	current       Negotiation
	getErr        error
	updateErr     error
	updateCalled  bool
	updateParams  UpdateStateParams
	eventParams   AppendEventParams
	messageParams AppendMessageParams
}

func (f *fakeStore) GetTx(ctx context.Context, tx pgx.Tx, id string) (Negotiation, error) {
	if f.getErr != nil {
		return Negotiation{}, f.getErr
	}
	return f.current, nil
}

func (f *fakeStore) UpdateState(ctx context.Context, tx pgx.Tx, params UpdateStateParams) (Negotiation, error) {
	f.updateCalled = true
	f.updateParams = params
	if f.updateErr != nil {
		return Negotiation{}, f.updateErr
	}
	updated := f.current
	updated.Status = params.ToStatus
	updated.Version = f.current.Version + 1
	if params.Price != nil {
		updated.CurrentPrice = params.Price
	}
	if params.ProposedBy != nil {
		updated.ProposedBy = params.ProposedBy
	}
	return updated, nil
}

func (f *fakeStore) AppendEvent(ctx context.Context, tx pgx.Tx, params AppendEventParams) (Event, error) {
	f.eventParams = params
	return Event{
		ID:            "evt-1",
		NegotiationID: params.NegotiationID,
		Kind:          params.Kind,
		FromStatus:    params.FromStatus,
		ToStatus:      params.ToStatus,
		Price:         params.Price,
		ActorID:       params.ActorID,
	}, nil
}

func (f *fakeStore) AppendMessage(ctx context.Context, tx pgx.Tx, params AppendMessageParams) (chat.Message, error) {
	f.messageParams = params
	return chat.Message{
		ID:                 "msg-1",
		NegotiationID:      params.NegotiationID,
		SenderID:           params.SenderID,
		Content:            params.Content,
		Kind:               params.Kind,
		NegotiationEventID: params.EventID,
	}, nil
}

type fakeNotifier struct {
	changed  int
	messages int
}

func (f *fakeNotifier) NegotiationChanged(ctx context.Context, n Negotiation) {
	f.changed++
}

func (f *fakeNotifier) MessageAppended(ctx context.Context, m chat.Message) {
	f.messages++
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
