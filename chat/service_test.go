package chat

import (
	"context"
	"errors"
	"testing"
)

type fakeChatRepo struct {
	message  Message
	messages []Message
	marked   int64
	err      error
}

func (f *fakeChatRepo) AppendText(ctx context.Context, negotiationID, senderID, content string) (Message, error) {
	if f.err != nil {
		return Message{}, f.err
	}
	return f.message, nil
}

func (f *fakeChatRepo) ListForNegotiation(ctx context.Context, negotiationID string) ([]Message, error) {
	return f.messages, f.err
}

func (f *fakeChatRepo) MarkRead(ctx context.Context, negotiationID, readerID string) (int64, error) {
	return f.marked, f.err
}

type fakePublisher struct {
	published []Message
	err       error
}

func (f *fakePublisher) Publish(ctx context.Context, msg Message) error {
	f.published = append(f.published, msg)
	return f.err
}

type fakeSubscriber struct {
	ch chan Message
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, negotiationID string) (<-chan Message, func(), error) {
	return f.ch, func() {}, nil
}

func TestSendText_PublishesAfterAppend(t *testing.T) {
	sender := "trucker-1"
	repo := &fakeChatRepo{message: Message{
		ID:            "m1",
		NegotiationID: "n1",
		SenderID:      &sender,
		Content:       "On my way to the pickup",
		Kind:          KindText,
	}}
	pub := &fakePublisher{}
	svc := NewService(repo).WithBus(pub, &fakeSubscriber{})

	msg, err := svc.SendText(context.Background(), "n1", "trucker-1", "On my way to the pickup")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if msg.ID != "m1" {
		t.Errorf("unexpected message: %+v", msg)
	}
	if len(pub.published) != 1 || pub.published[0].ID != "m1" {
		t.Errorf("expected message to be pushed, got %+v", pub.published)
	}
}

func TestSendText_PushFailureIsNotFatal(t *testing.T) {
	repo := &fakeChatRepo{message: Message{ID: "m1", NegotiationID: "n1", Kind: KindText}}
	pub := &fakePublisher{err: errors.New("redis down")}
	svc := NewService(repo).WithBus(pub, &fakeSubscriber{})

	// The append is durable; a missed push is recovered by the next History read.
	if _, err := svc.SendText(context.Background(), "n1", "trucker-1", "hello"); err != nil {
		t.Fatalf("expected push failure to be swallowed, got %v", err)
	}
}

func TestSendText_AppendFailurePropagates(t *testing.T) {
	repo := &fakeChatRepo{err: ErrNotParticipant}
	pub := &fakePublisher{}
	svc := NewService(repo).WithBus(pub, &fakeSubscriber{})

	if _, err := svc.SendText(context.Background(), "n1", "stranger", "hi"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	if len(pub.published) != 0 {
		t.Errorf("expected nothing pushed when append fails")
	}
}

func TestMarkRead_NonParticipantPropagates(t *testing.T) {
	svc := NewService(&fakeChatRepo{err: ErrNotParticipant})

	if _, err := svc.MarkRead(context.Background(), "n1", "stranger"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
}

func TestSendText_NoBusConfigured(t *testing.T) {
	repo := &fakeChatRepo{message: Message{ID: "m1"}}
	svc := NewService(repo)

	if _, err := svc.SendText(context.Background(), "n1", "trucker-1", "hello"); err != nil {
		t.Fatalf("expected send to work without a bus, got %v", err)
	}
}

func TestSubscribe_NoBus(t *testing.T) {
	svc := NewService(&fakeChatRepo{})

	if _, _, err := svc.Subscribe(context.Background(), "n1"); !errors.Is(err, ErrNoBus) {
		t.Fatalf("expected ErrNoBus, got %v", err)
	}
}

func TestSubscribe_DeliversFromBus(t *testing.T) {
	sub := &fakeSubscriber{ch: make(chan Message, 1)}
	svc := NewService(&fakeChatRepo{}).WithBus(&fakePublisher{}, sub)

	ch, cancel, err := svc.Subscribe(context.Background(), "n1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	defer cancel()

	sub.ch <- Message{ID: "m1", NegotiationID: "n1"}
	got := <-ch
	if got.ID != "m1" {
		t.Fatalf("unexpected message: %+v", got)
	}
}
