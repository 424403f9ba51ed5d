package negotiation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"freightmatch/chat"
)

// ExpiryLister finds open negotiations whose deadline has passed.
type ExpiryLister interface {
	ListExpired(ctx context.Context, now time.Time, limit int) ([]Negotiation, error)
}

// Sweeper drives the only transition not triggered by a party action: any
// negotiation past its expiry deadline moves to expired on the next sweep,
// server-side, regardless of whether a client is connected.
type Sweeper struct {
	pool     TxBeginner
	store    Store
	lister   ExpiryLister
	notifier Notifier
	now      func() time.Time
	batch    int
}

func NewSweeper(pool TxBeginner, store Store, lister ExpiryLister) *Sweeper {
	return &Sweeper{
		pool:   pool,
		store:  store,
		lister: lister,
		now:    time.Now,
		batch:  100,
	}
}

func (s *Sweeper) WithNotifier(n Notifier) *Sweeper {
	s.notifier = n
	return s
}

func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Sweep expires every due negotiation it can claim and returns how many it
// transitioned. Each expiry is its own transaction; a version conflict means
// a party action won the race, and the record is simply skipped.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	due, err := s.lister.ListExpired(ctx, s.now(), s.batch)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, rec := range due {
		ok, err := s.expireOne(ctx, rec.ID)
		if err != nil {
			return expired, err
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

func (s *Sweeper) expireOne(ctx context.Context, negotiationID string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("negotiation: begin expiry tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.store.GetTx(ctx, tx, negotiationID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if current.Status.Terminal() || !current.Lapsed(s.now()) {
		return false, nil
	}

	updated, err := s.store.UpdateState(ctx, tx, UpdateStateParams{
		NegotiationID:   current.ID,
		ExpectedVersion: current.Version,
		ToStatus:        StatusExpired,
	})
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return false, nil
		}
		return false, err
	}

	evt, err := s.store.AppendEvent(ctx, tx, AppendEventParams{
		NegotiationID: updated.ID,
		Kind:          EventExpired,
		FromStatus:    current.Status,
		ToStatus:      StatusExpired,
		Metadata:      map[string]any{"expired_at": s.now().UTC()},
	})
	if err != nil {
		return false, err
	}

	// Projected like any party transition; there is no acting party, so the
	// sender stays null.
	msg, err := s.store.AppendMessage(ctx, tx, AppendMessageParams{
		NegotiationID: updated.ID,
		Content:       "Negotiation expired",
		Kind:          chat.KindNegotiationAction,
		EventID:       &evt.ID,
	})
	if err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("negotiation: commit expiry: %w", err)
	}

	if s.notifier != nil {
		s.notifier.NegotiationChanged(ctx, updated)
		s.notifier.MessageAppended(ctx, msg)
	}
	return true, nil
}
