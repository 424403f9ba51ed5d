package matching

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"freightmatch/geo"
)

// Querier answers authoritative bounds queries.
type Querier interface {
	QueryBounds(ctx context.Context, b geo.Bounds) ([]geo.Snapshot, error)
}

// Session presents live carrier candidates for one shipper's map viewport. It
// coalesces bursts of viewport changes into a single debounced bounds query,
// re-seeds its candidate set wholesale from each query result, and overlays
// live broadcast deltas for carriers already in view. There is no incremental
// reconciliation that can drift from the authoritative store.
type Session struct {
	id          string
	querier     Querier
	broadcaster geo.Broadcaster
	debounce    time.Duration
	now         func() time.Time

	boundsCh chan geo.Bounds
	updates  chan []geo.Snapshot

	mu      sync.Mutex
	bounds  *geo.Bounds
	current map[string]geo.Snapshot
}

func NewSession(querier Querier, broadcaster geo.Broadcaster) *Session {
	return &Session{
		id:          uuid.NewString(),
		querier:     querier,
		broadcaster: broadcaster,
		debounce:    300 * time.Millisecond,
		now:         time.Now,
		boundsCh:    make(chan geo.Bounds, 1),
		updates:     make(chan []geo.Snapshot, 1),
		current:     make(map[string]geo.Snapshot),
	}
}

// ID identifies the session in logs.
func (s *Session) ID() string {
	return s.id
}

func (s *Session) WithDebounce(d time.Duration) *Session {
	if d > 0 {
		s.debounce = d
	}
	return s
}

func (s *Session) WithClock(now func() time.Time) *Session {
	s.now = now
	return s
}

// SetBounds records a viewport change. Calls during the debounce window
// replace each other; only the last bounds are queried.
func (s *Session) SetBounds(b geo.Bounds) {
	for {
		select {
		case s.boundsCh <- b:
			return
		default:
			select {
			case <-s.boundsCh:
			default:
			}
		}
	}
}

// Updates emits the candidate set after every re-seed or live delta. The
// channel holds only the newest set; a slow consumer sees the latest state.
func (s *Session) Updates() <-chan []geo.Snapshot {
	return s.updates
}

// Snapshots returns the current candidate set ordered by distance.
func (s *Session) Snapshots() []geo.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked()
}

// Run processes viewport changes and broadcast deltas until the context is
// cancelled. Bounds queries are issued after the debounce quiet period. With
// no broadcaster the session still re-seeds from authoritative queries; it
// just never sees live deltas.
func (s *Session) Run(ctx context.Context) error {
	var deltas <-chan geo.Broadcast
	if s.broadcaster != nil {
		ch, cancel, err := s.broadcaster.Subscribe(ctx)
		if err != nil {
			return err
		}
		defer cancel()
		deltas = ch
	}

	timer := time.NewTimer(s.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	var pending *geo.Bounds

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case b := <-s.boundsCh:
			pending = &b
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.debounce)

		case <-timer.C:
			if pending == nil {
				continue
			}
			if err := s.reseed(ctx, *pending); err != nil {
				return err
			}
			pending = nil

		case d, ok := <-deltas:
			if !ok {
				return nil
			}
			s.applyDelta(d)
		}
	}
}

// reseed replaces the whole candidate map with a fresh authoritative query.
func (s *Session) reseed(ctx context.Context, b geo.Bounds) error {
	snapshots, err := s.querier.QueryBounds(ctx, b)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.bounds = &b
	s.current = make(map[string]geo.Snapshot, len(snapshots))
	for _, snap := range snapshots {
		s.current[snap.TruckerID] = snap
	}
	set := s.sortedLocked()
	s.mu.Unlock()

	s.emit(set)
	return nil
}

// applyDelta overwrites the entry of a carrier already in view. Carriers not
// in the current set are ignored: only a fresh bounds query admits new ones,
// and only a fresh query removes stale ones.
func (s *Session) applyDelta(d geo.Broadcast) {
	s.mu.Lock()
	snap, ok := s.current[d.TruckerID]
	if !ok || s.bounds == nil {
		s.mu.Unlock()
		return
	}

	pos := d.Position()
	snap.Current = &pos
	snap.DistanceKM = geo.HaversineKM(s.bounds.Center(), pos)
	snap.ObservedAt = s.now()
	s.current[d.TruckerID] = snap
	set := s.sortedLocked()
	s.mu.Unlock()

	s.emit(set)
}

func (s *Session) sortedLocked() []geo.Snapshot {
	out := make([]geo.Snapshot, 0, len(s.current))
	for _, snap := range s.current {
		out = append(out, snap)
	}
	geo.SortByDistance(out)
	return out
}

func (s *Session) emit(set []geo.Snapshot) {
	for {
		select {
		case s.updates <- set:
			return
		default:
			select {
			case <-s.updates:
			default:
			}
		}
	}
}
