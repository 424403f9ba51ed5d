package chat

import (
	"context"
	"errors"
)

// ErrNoBus signals that push subscriptions were requested without a configured bus.
var ErrNoBus = errors.New("chat: no bus configured")

// Repository defines the persistence the service depends on.
type Repository interface {
	AppendText(ctx context.Context, negotiationID, senderID, content string) (Message, error)
	ListForNegotiation(ctx context.Context, negotiationID string) ([]Message, error)
	MarkRead(ctx context.Context, negotiationID, readerID string) (int64, error)
}

// Service merges user-authored messages and system projections into one
// per-negotiation timeline and pushes new entries to subscribers.
type Service struct {
	repo Repository
	pub  Publisher
	sub  Subscriber
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) WithBus(pub Publisher, sub Subscriber) *Service {
	s.pub = pub
	s.sub = sub
	return s
}

// SendText appends a text message and pushes it to current viewers. The append
// is the durable part; the push is best effort and a missed push is recovered
// by the next History read.
func (s *Service) SendText(ctx context.Context, negotiationID, senderID, content string) (Message, error) {
	msg, err := s.repo.AppendText(ctx, negotiationID, senderID, content)
	if err != nil {
		return Message{}, err
	}
	if s.pub != nil {
		_ = s.pub.Publish(ctx, msg)
	}
	return msg, nil
}

// History returns the full timeline in display order.
func (s *Service) History(ctx context.Context, negotiationID string) ([]Message, error) {
	return s.repo.ListForNegotiation(ctx, negotiationID)
}

// MarkRead marks the counterpart's messages as read.
func (s *Service) MarkRead(ctx context.Context, negotiationID, readerID string) (int64, error) {
	return s.repo.MarkRead(ctx, negotiationID, readerID)
}

// Subscribe opens the push stream for a negotiation, when a bus is configured.
func (s *Service) Subscribe(ctx context.Context, negotiationID string) (<-chan Message, func(), error) {
	if s.sub == nil {
		return nil, nil, ErrNoBus
	}
	return s.sub.Subscribe(ctx, negotiationID)
}
