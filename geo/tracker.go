package geo

import (
	"context"
	"sync"
	"time"
)

// PositionStore persists a tracked coordinate as durable state.
type PositionStore interface {
	UpdatePosition(ctx context.Context, truckerID string, pos LatLng) error
}

// Tracker runs the dual-cadence position pipeline for one tracking carrier:
// a fast tick broadcasts the latest coordinate to map viewers, a slower tick
// persists it into the availability record. Only the persisted record is
// authoritative; broadcasts are cosmetic movement.
type Tracker struct {
	truckerID   string
	broadcaster Broadcaster
	store       PositionStore

	broadcastEvery time.Duration
	persistEvery   time.Duration

	mu     sync.Mutex
	latest *Broadcast
}

func NewTracker(truckerID string, broadcaster Broadcaster, store PositionStore) *Tracker {
	return &Tracker{
		truckerID:      truckerID,
		broadcaster:    broadcaster,
		store:          store,
		broadcastEvery: 3 * time.Second,
		persistEvery:   25 * time.Second,
	}
}

func (t *Tracker) WithCadence(broadcastEvery, persistEvery time.Duration) *Tracker {
	if broadcastEvery > 0 {
		t.broadcastEvery = broadcastEvery
	}
	if persistEvery > 0 {
		t.persistEvery = persistEvery
	}
	return t
}

// Update records the device's newest position fix. Ticks read whatever is
// latest at fire time; intermediate fixes between ticks are simply superseded.
func (t *Tracker) Update(lat, lng float64, heading, speed *float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latest = &Broadcast{
		TruckerID: t.truckerID,
		Lat:       lat,
		Lng:       lng,
		Heading:   heading,
		Speed:     speed,
	}
}

func (t *Tracker) snapshot() *Broadcast {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.latest == nil {
		return nil
	}
	b := *t.latest
	return &b
}

// Run drives both cadences until the context is cancelled. Broadcast failures
// are swallowed (the next tick supersedes); persistence failures are returned
// since durable state is falling behind.
func (t *Tracker) Run(ctx context.Context) error {
	broadcastTick := time.NewTicker(t.broadcastEvery)
	defer broadcastTick.Stop()
	persistTick := time.NewTicker(t.persistEvery)
	defer persistTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-broadcastTick.C:
			if b := t.snapshot(); b != nil {
				_ = t.broadcaster.Publish(ctx, *b)
			}
		case <-persistTick.C:
			if b := t.snapshot(); b != nil {
				if err := t.store.UpdatePosition(ctx, t.truckerID, b.Position()); err != nil {
					return err
				}
			}
		}
	}
}
