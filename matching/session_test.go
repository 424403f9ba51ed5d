package matching

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"freightmatch/geo"
)

type fakeQuerier struct {
	queries   atomic.Int64
	snapshots []geo.Snapshot
}

func (f *fakeQuerier) QueryBounds(ctx context.Context, b geo.Bounds) ([]geo.Snapshot, error) {
	f.queries.Add(1)
	return f.snapshots, nil
}

type fakeBroadcaster struct {
	deltas chan geo.Broadcast
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{deltas: make(chan geo.Broadcast, 16)}
}

func (f *fakeBroadcaster) Publish(ctx context.Context, b geo.Broadcast) error {
	f.deltas <- b
	return nil
}

func (f *fakeBroadcaster) Subscribe(ctx context.Context) (<-chan geo.Broadcast, func(), error) {
	return f.deltas, func() {}, nil
}

func availableTrucker(id string, lat, lng float64) geo.Snapshot {
	return geo.Snapshot{
		Availability: geo.Availability{
			TruckerID:   id,
			IsAvailable: true,
			Current:     &geo.LatLng{Lat: lat, Lng: lng},
		},
	}
}

func waitForUpdate(t *testing.T, session *Session) []geo.Snapshot {
	t.Helper()
	select {
	case set := <-session.Updates():
		return set
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session update")
		return nil
	}
}

func TestSession_DebounceCoalescesBursts(t *testing.T) {
	querier := &fakeQuerier{snapshots: []geo.Snapshot{
		availableTrucker("trucker-1", 39.9, 32.8),
	}}
	session := NewSession(querier, newFakeBroadcaster()).WithDebounce(30 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go session.Run(ctx)

	// A burst of viewport changes within the quiet period collapses into one
	// authoritative query for the final bounds.
	for i := 0; i < 5; i++ {
		session.SetBounds(geo.Bounds{South: 39, West: 32, North: 41 + float64(i), East: 34})
	}

	set := waitForUpdate(t, session)
	if len(set) != 1 || set[0].TruckerID != "trucker-1" {
		t.Fatalf("unexpected candidate set: %+v", set)
	}
	if n := querier.queries.Load(); n != 1 {
		t.Fatalf("expected 1 bounds query for the burst, got %d", n)
	}
}

func TestSession_ReseedsWithoutBroadcaster(t *testing.T) {
	querier := &fakeQuerier{snapshots: []geo.Snapshot{
		availableTrucker("trucker-1", 39.9, 32.8),
	}}
	// No broadcast backend: bounds queries still drive the candidate set.
	session := NewSession(querier, nil).WithDebounce(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go session.Run(ctx)

	session.SetBounds(geo.Bounds{South: 39, West: 32, North: 41, East: 34})

	set := waitForUpdate(t, session)
	if len(set) != 1 || set[0].TruckerID != "trucker-1" {
		t.Fatalf("unexpected candidate set: %+v", set)
	}
}

func TestSession_DeltaOverlaysCarrierInView(t *testing.T) {
	querier := &fakeQuerier{snapshots: []geo.Snapshot{
		availableTrucker("trucker-1", 39.9, 32.8),
	}}
	broadcaster := newFakeBroadcaster()
	session := NewSession(querier, broadcaster).WithDebounce(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go session.Run(ctx)

	session.SetBounds(geo.Bounds{South: 39, West: 32, North: 41, East: 34})
	waitForUpdate(t, session)

	broadcaster.deltas <- geo.Broadcast{TruckerID: "trucker-1", Lat: 40.1, Lng: 33.0}

	set := waitForUpdate(t, session)
	if len(set) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(set))
	}
	if set[0].Current == nil || set[0].Current.Lat != 40.1 {
		t.Fatalf("expected overlaid position, got %+v", set[0].Current)
	}
	if n := querier.queries.Load(); n != 1 {
		t.Fatalf("expected no extra query for a delta, got %d", n)
	}
}

func TestSession_DeltaIgnoresCarrierOutOfView(t *testing.T) {
	querier := &fakeQuerier{snapshots: []geo.Snapshot{
		availableTrucker("trucker-1", 39.9, 32.8),
	}}
	broadcaster := newFakeBroadcaster()
	session := NewSession(querier, broadcaster).WithDebounce(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go session.Run(ctx)

	session.SetBounds(geo.Bounds{South: 39, West: 32, North: 41, East: 34})
	waitForUpdate(t, session)

	// Only a fresh bounds query admits new carriers; a broadcast from an
	// unknown one must not grow the set.
	broadcaster.deltas <- geo.Broadcast{TruckerID: "trucker-99", Lat: 40.0, Lng: 33.0}
	broadcaster.deltas <- geo.Broadcast{TruckerID: "trucker-1", Lat: 40.2, Lng: 33.1}

	set := waitForUpdate(t, session)
	if len(set) != 1 || set[0].TruckerID != "trucker-1" {
		t.Fatalf("expected the unknown carrier to be ignored, got %+v", set)
	}
}

func TestSession_ReseedReplacesWholesale(t *testing.T) {
	querier := &fakeQuerier{snapshots: []geo.Snapshot{
		availableTrucker("trucker-1", 39.9, 32.8),
		availableTrucker("trucker-2", 40.0, 32.9),
	}}
	session := NewSession(querier, newFakeBroadcaster()).WithDebounce(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go session.Run(ctx)

	session.SetBounds(geo.Bounds{South: 39, West: 32, North: 41, East: 34})
	if set := waitForUpdate(t, session); len(set) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(set))
	}

	// The next authoritative answer drops a carrier; the set must shrink with
	// it rather than accrete.
	querier.snapshots = querier.snapshots[:1]
	session.SetBounds(geo.Bounds{South: 39.5, West: 32.5, North: 40.5, East: 33.5})

	set := waitForUpdate(t, session)
	if len(set) != 1 || set[0].TruckerID != "trucker-1" {
		t.Fatalf("expected wholesale replacement, got %+v", set)
	}
}
