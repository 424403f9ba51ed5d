package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"freightmatch/chat"
	"freightmatch/matching"
	"freightmatch/negotiation"
)

// expected is the set of domain errors contention is supposed to produce.
// Anything else aborts the run.
func expected(err error) bool {
	return errors.Is(err, negotiation.ErrNotYourTurn) ||
		errors.Is(err, negotiation.ErrNoPendingOffer) ||
		errors.Is(err, negotiation.ErrStalePrice) ||
		errors.Is(err, negotiation.ErrVersionConflict) ||
		errors.Is(err, negotiation.ErrClosed)
}

func pause(low, jitter int) {
	time.Sleep(time.Duration(low+rand.Intn(jitter)) * time.Millisecond)
}

// Opener hammers CreateOrGet for the same (shipment, trucker) pair from both
// sides, checking that creation stays idempotent under contention.
func Opener(ctx context.Context, svc *matching.Service, companyID, truckerID, shipmentID string, stop <-chan struct{}) error {
	actorIDs := []string{companyID, truckerID}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		actor := actorIDs[rand.Intn(len(actorIDs))]
		if _, err := svc.CreateOrGet(ctx, actor, shipmentID, truckerID); err != nil {
			if errors.Is(err, negotiation.ErrVersionConflict) || errors.Is(err, matching.ErrShipmentNotOpen) {
				// losers of the insert race land here
			} else {
				return fmt.Errorf("opener: %w", err)
			}
		}
		pause(15, 30)
	}
}

// Proposer keeps throwing offers at the negotiation from one party. The turn
// rule rejects most of them once the other side stops answering; only the
// alternating subset may land.
func Proposer(ctx context.Context, svc *negotiation.Service, negotiationID, actorID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		price := float64(10000 + rand.Intn(9000))
		if _, err := svc.Propose(ctx, negotiationID, actorID, price); err != nil && !expected(err) {
			return fmt.Errorf("proposer %s: %w", actorID, err)
		}
		pause(10, 25)
	}
}

// Accepter reads the pending price and tries to accept it, racing proposers
// and the sweeper. Stale reads surface as ErrStalePrice or ErrVersionConflict.
func Accepter(ctx context.Context, pool *pgxpool.Pool, svc *negotiation.Service, negotiationID, actorID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var price *float64
		if err := pool.QueryRow(ctx, `SELECT current_price FROM negotiations WHERE id=$1`, negotiationID).Scan(&price); err == nil && price != nil {
			// only accept rarely so the negotiation keeps moving
			if rand.Intn(20) == 0 {
				if _, err := svc.Accept(ctx, negotiationID, actorID, *price); err != nil && !expected(err) {
					return fmt.Errorf("accepter %s: %w", actorID, err)
				}
			}
		}
		pause(25, 50)
	}
}

// Rejecter occasionally walks away, by reject or cancel, racing everyone
// else for the terminal slot.
func Rejecter(ctx context.Context, svc *negotiation.Service, negotiationID, actorID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if rand.Intn(40) == 0 {
			var err error
			if rand.Intn(2) == 0 {
				_, err = svc.Reject(ctx, negotiationID, actorID)
			} else {
				_, err = svc.Cancel(ctx, negotiationID, actorID)
			}
			if err != nil && !expected(err) {
				return fmt.Errorf("rejecter %s: %w", actorID, err)
			}
		}
		pause(30, 60)
	}
}

// Sweeper runs expiry passes the way the worker process does, competing with
// in-flight party actions for the same version slots.
func Sweeper(ctx context.Context, sweeper *negotiation.Sweeper, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := sweeper.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("sweeper: %w", err)
		}
		pause(100, 200)
	}
}

// Chatter appends plain text messages while the state machine churns, so the
// shared message timeline mixes chat with action projections.
func Chatter(ctx context.Context, svc *chat.Service, negotiationID, senderID string, stop <-chan struct{}) error {
	n := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		n++
		if _, err := svc.SendText(ctx, negotiationID, senderID, fmt.Sprintf("stress message %d", n)); err != nil {
			if !errors.Is(err, chat.ErrNegotiationNotFound) {
				return fmt.Errorf("chatter %s: %w", senderID, err)
			}
		}
		pause(40, 80)
	}
}
