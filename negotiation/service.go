package negotiation

import (
	"context"
	"fmt"
	"time"

	"freightmatch/chat"

	"github.com/jackc/pgx/v5"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the data access required by the state machine. Every method
// runs inside the transaction the service opened so the state mutation, the
// event append, and the message projection commit or roll back as one unit.
type Store interface {
	GetTx(ctx context.Context, tx pgx.Tx, id string) (Negotiation, error)
	UpdateState(ctx context.Context, tx pgx.Tx, params UpdateStateParams) (Negotiation, error)
	AppendEvent(ctx context.Context, tx pgx.Tx, params AppendEventParams) (Event, error)
	AppendMessage(ctx context.Context, tx pgx.Tx, params AppendMessageParams) (chat.Message, error)
}

// Notifier pushes committed transitions to live viewers. Both calls are best
// effort; subscribers re-synchronize by refetching after any gap.
type Notifier interface {
	NegotiationChanged(ctx context.Context, n Negotiation)
	MessageAppended(ctx context.Context, m chat.Message)
}

// Service enforces the negotiation protocol: valid transitions, actor
// permissions, the strict-alternation turn rule, and optimistic concurrency on
// the version counter.
type Service struct {
	pool     TxBeginner
	store    Store
	notifier Notifier
	now      func() time.Time
}

func NewService(pool TxBeginner, store Store) *Service {
	return &Service{
		pool:  pool,
		store: store,
		now:   time.Now,
	}
}

func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Propose places a new price on the table. Allowed from initiated by either
// party, and from the two offer states only by the party that did not make the
// pending offer: a party can never make two consecutive proposals.
func (s *Service) Propose(ctx context.Context, negotiationID, actorID string, price float64) (Negotiation, error) {
	if price <= 0 {
		return Negotiation{}, ErrInvalidPrice
	}

	return s.transition(ctx, negotiationID, func(n Negotiation) (transitionPlan, error) {
		if !n.Participant(actorID) {
			return transitionPlan{}, ErrNotParticipant
		}
		if n.Status.Terminal() || n.Lapsed(s.now()) {
			return transitionPlan{}, ErrClosed
		}
		if n.Status != StatusInitiated && n.IsProposer(actorID) {
			return transitionPlan{}, ErrNotYourTurn
		}

		toStatus := StatusCounterOffered
		kind := EventProposed
		content := fmt.Sprintf("Countered with an offer of %.2f", price)
		if n.Status == StatusInitiated {
			toStatus = StatusProposed
			content = fmt.Sprintf("Proposed a price of %.2f", price)
		}

		metadata := map[string]any{}
		if n.CurrentPrice != nil {
			metadata["previous_price"] = *n.CurrentPrice
		}

		return transitionPlan{
			update: UpdateStateParams{
				NegotiationID:   n.ID,
				ExpectedVersion: n.Version,
				ToStatus:        toStatus,
				Price:           &price,
				ProposedBy:      &actorID,
			},
			kind:     kind,
			actorID:  &actorID,
			price:    &price,
			metadata: metadata,
			content:  content,
			msgKind:  chat.KindNegotiationAction,
			sender:   &actorID,
		}, nil
	})
}

// Accept closes the negotiation at the pending price. Only the counterpart of
// the pending offer may accept, and only while the expected price still
// matches the live one; a mismatch means the caller acted on stale state.
func (s *Service) Accept(ctx context.Context, negotiationID, actorID string, expectedPrice float64) (Negotiation, error) {
	return s.transition(ctx, negotiationID, func(n Negotiation) (transitionPlan, error) {
		if !n.Participant(actorID) {
			return transitionPlan{}, ErrNotParticipant
		}
		if n.Status.Terminal() || n.Lapsed(s.now()) {
			return transitionPlan{}, ErrClosed
		}
		if n.Status != StatusProposed && n.Status != StatusCounterOffered {
			return transitionPlan{}, ErrNoPendingOffer
		}
		if n.IsProposer(actorID) {
			return transitionPlan{}, ErrNotYourTurn
		}
		if n.CurrentPrice == nil || *n.CurrentPrice != expectedPrice {
			return transitionPlan{}, ErrStalePrice
		}

		price := *n.CurrentPrice
		return transitionPlan{
			update: UpdateStateParams{
				NegotiationID:   n.ID,
				ExpectedVersion: n.Version,
				ToStatus:        StatusAccepted,
				SetAcceptedAt:   true,
			},
			kind:    EventAccepted,
			actorID: &actorID,
			price:   &price,
			content: fmt.Sprintf("Accepted the offer at %.2f", price),
			msgKind: chat.KindNegotiationAction,
			sender:  &actorID,
		}, nil
	})
}

// Reject closes the negotiation. Either party may reject from any open state;
// the transition is irreversible.
func (s *Service) Reject(ctx context.Context, negotiationID, actorID string) (Negotiation, error) {
	return s.transition(ctx, negotiationID, func(n Negotiation) (transitionPlan, error) {
		if !n.Participant(actorID) {
			return transitionPlan{}, ErrNotParticipant
		}
		if n.Status.Terminal() {
			return transitionPlan{}, ErrClosed
		}

		return transitionPlan{
			update: UpdateStateParams{
				NegotiationID:   n.ID,
				ExpectedVersion: n.Version,
				ToStatus:        StatusRejected,
				SetRejectedAt:   true,
			},
			kind:    EventRejected,
			actorID: &actorID,
			content: "Rejected the offer",
			msgKind: chat.KindNegotiationAction,
			sender:  &actorID,
		}, nil
	})
}

// Cancel withdraws an open negotiation. Like Reject it is open to either
// party from any open state, but it records the lapse as a cancellation
// rather than a refusal of the pending offer.
func (s *Service) Cancel(ctx context.Context, negotiationID, actorID string) (Negotiation, error) {
	return s.transition(ctx, negotiationID, func(n Negotiation) (transitionPlan, error) {
		if !n.Participant(actorID) {
			return transitionPlan{}, ErrNotParticipant
		}
		if n.Status.Terminal() {
			return transitionPlan{}, ErrClosed
		}

		return transitionPlan{
			update: UpdateStateParams{
				NegotiationID:   n.ID,
				ExpectedVersion: n.Version,
				ToStatus:        StatusCancelled,
			},
			kind:    EventCancelled,
			actorID: &actorID,
			content: "Cancelled the negotiation",
			msgKind: chat.KindNegotiationAction,
			sender:  &actorID,
		}, nil
	})
}

// transitionPlan is the outcome of a guard check: the CAS update to apply plus
// the event and message rows that accompany it.
type transitionPlan struct {
	update   UpdateStateParams
	kind     EventKind
	actorID  *string
	price    *float64
	metadata map[string]any
	content  string
	msgKind  chat.Kind
	sender   *string
}

func (s *Service) transition(ctx context.Context, negotiationID string, plan func(Negotiation) (transitionPlan, error)) (Negotiation, error) {
	if negotiationID == "" {
		return Negotiation{}, ErrNotFound
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Negotiation{}, fmt.Errorf("negotiation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.store.GetTx(ctx, tx, negotiationID)
	if err != nil {
		return Negotiation{}, err
	}

	p, err := plan(current)
	if err != nil {
		return Negotiation{}, err
	}

	updated, err := s.store.UpdateState(ctx, tx, p.update)
	if err != nil {
		return Negotiation{}, err
	}

	evt, err := s.store.AppendEvent(ctx, tx, AppendEventParams{
		NegotiationID: updated.ID,
		Kind:          p.kind,
		FromStatus:    current.Status,
		ToStatus:      updated.Status,
		Price:         p.price,
		ActorID:       p.actorID,
		Metadata:      p.metadata,
	})
	if err != nil {
		return Negotiation{}, err
	}

	msg, err := s.store.AppendMessage(ctx, tx, AppendMessageParams{
		NegotiationID: updated.ID,
		SenderID:      p.sender,
		Content:       p.content,
		Kind:          p.msgKind,
		EventID:       &evt.ID,
	})
	if err != nil {
		return Negotiation{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Negotiation{}, fmt.Errorf("negotiation: commit transition: %w", err)
	}

	if s.notifier != nil {
		s.notifier.NegotiationChanged(ctx, updated)
		s.notifier.MessageAppended(ctx, msg)
	}

	return updated, nil
}
