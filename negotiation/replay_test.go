package negotiation

import (
	"strings"
	"testing"
	"time"
)

func replayEvent(kind EventKind, from, to Status, price *float64, actor string, at time.Time) Event {
	var actorID *string
	if actor != "" {
		actorID = &actor
	}
	return Event{
		ID:            "evt-" + string(kind),
		NegotiationID: "n1",
		Kind:          kind,
		FromStatus:    from,
		ToStatus:      to,
		Price:         price,
		ActorID:       actorID,
		CreatedAt:     at,
	}
}

func TestReplay_ReproducesLiveRecord(t *testing.T) {
	created := time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC)
	first := 1500.0
	counter := 1300.0

	live := Negotiation{
		ID:         "n1",
		ShipmentID: "s1",
		CompanyID:  "company-1",
		TruckerID:  "trucker-1",
		CreatedAt:  created,
	}

	events := []Event{
		replayEvent(EventCreated, StatusInitiated, StatusInitiated, nil, "company-1", created),
		replayEvent(EventProposed, StatusInitiated, StatusProposed, &first, "company-1", created.Add(time.Minute)),
		replayEvent(EventProposed, StatusProposed, StatusCounterOffered, &counter, "trucker-1", created.Add(2*time.Minute)),
		replayEvent(EventAccepted, StatusCounterOffered, StatusAccepted, &counter, "company-1", created.Add(3*time.Minute)),
	}

	got, err := Replay(Seed(live), events)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if got.Status != StatusAccepted {
		t.Errorf("expected accepted, got %s", got.Status)
	}
	// Version 1 at creation plus three transitions.
	if got.Version != 4 {
		t.Errorf("expected version 4, got %d", got.Version)
	}
	if got.CurrentPrice == nil || *got.CurrentPrice != counter {
		t.Errorf("expected price %v, got %v", counter, got.CurrentPrice)
	}
	if got.ProposedBy == nil || *got.ProposedBy != "trucker-1" {
		t.Errorf("expected proposer trucker-1, got %v", got.ProposedBy)
	}
	if got.AcceptedAt == nil || !got.AcceptedAt.Equal(created.Add(3*time.Minute)) {
		t.Errorf("expected accepted_at from the accept event, got %v", got.AcceptedAt)
	}
}

func TestReplay_RejectsBrokenChain(t *testing.T) {
	created := time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC)
	price := 1500.0
	live := Negotiation{ID: "n1", CreatedAt: created}

	events := []Event{
		replayEvent(EventCreated, StatusInitiated, StatusInitiated, nil, "", created),
		// Claims to start from counter_offered while the log is at initiated.
		replayEvent(EventProposed, StatusCounterOffered, StatusProposed, &price, "company-1", created.Add(time.Minute)),
	}

	if _, err := Replay(Seed(live), events); err == nil {
		t.Fatal("expected error for broken from-status chain")
	}
}

func TestReplay_RejectsEventAfterTerminal(t *testing.T) {
	created := time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC)
	price := 1500.0
	live := Negotiation{ID: "n1", CreatedAt: created}

	events := []Event{
		replayEvent(EventProposed, StatusInitiated, StatusProposed, &price, "company-1", created),
		replayEvent(EventRejected, StatusProposed, StatusRejected, nil, "trucker-1", created.Add(time.Minute)),
		replayEvent(EventProposed, StatusRejected, StatusProposed, &price, "company-1", created.Add(2*time.Minute)),
	}

	_, err := Replay(Seed(live), events)
	if err == nil {
		t.Fatal("expected error for event after terminal status")
	}
	if !strings.Contains(err.Error(), "terminal") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestReplay_RejectsMisplacedCreation(t *testing.T) {
	created := time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC)
	price := 1500.0
	live := Negotiation{ID: "n1", CreatedAt: created}

	events := []Event{
		replayEvent(EventProposed, StatusInitiated, StatusProposed, &price, "company-1", created),
		replayEvent(EventCreated, StatusInitiated, StatusInitiated, nil, "", created.Add(time.Minute)),
	}

	if _, err := Replay(Seed(live), events); err == nil {
		t.Fatal("expected error for creation event past position zero")
	}
}

func TestReplay_RejectsForeignEvent(t *testing.T) {
	created := time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC)
	live := Negotiation{ID: "n1", CreatedAt: created}

	foreign := replayEvent(EventCreated, StatusInitiated, StatusInitiated, nil, "", created)
	foreign.NegotiationID = "n2"

	if _, err := Replay(Seed(live), []Event{foreign}); err == nil {
		t.Fatal("expected error for event from another negotiation")
	}
}

func TestReplay_ExpiryFold(t *testing.T) {
	created := time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC)
	price := 1500.0
	live := Negotiation{ID: "n1", CreatedAt: created}

	events := []Event{
		replayEvent(EventProposed, StatusInitiated, StatusProposed, &price, "company-1", created),
		replayEvent(EventExpired, StatusProposed, StatusExpired, nil, "", created.Add(48*time.Hour)),
	}

	got, err := Replay(Seed(live), events)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if got.Status != StatusExpired || got.Version != 3 {
		t.Fatalf("unexpected fold result: status=%s version=%d", got.Status, got.Version)
	}
	// Expiry keeps the last offered price on the record.
	if got.CurrentPrice == nil || *got.CurrentPrice != price {
		t.Fatalf("expected price to survive expiry, got %v", got.CurrentPrice)
	}
}
