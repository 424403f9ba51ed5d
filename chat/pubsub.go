package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Publisher pushes a freshly appended message to all current viewers of its
// negotiation. Delivery is at-least-once from the consumer's point of view: a
// locally optimistic append and a server echo may race, so consumers must
// deduplicate by message id.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Subscriber yields new messages for one negotiation as they are appended.
type Subscriber interface {
	Subscribe(ctx context.Context, negotiationID string) (<-chan Message, func(), error)
}

// RedisBus carries the per-negotiation message stream over Redis pub/sub, one
// channel per negotiation.
type RedisBus struct {
	client *redis.Client
}

func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

func channelFor(negotiationID string) string {
	return "chat:" + negotiationID
}

type wireMessage struct {
	ID                 string    `json:"id"`
	NegotiationID      string    `json:"negotiation_id"`
	SenderID           *string   `json:"sender_id"`
	Content            string    `json:"content"`
	Kind               Kind      `json:"message_type"`
	NegotiationEventID *string   `json:"negotiation_event_id"`
	IsRead             bool      `json:"is_read"`
	CreatedAt          time.Time `json:"created_at"`
}

func (b *RedisBus) Publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(wireMessage(msg))
	if err != nil {
		return fmt.Errorf("chat: marshal message: %w", err)
	}
	if err := b.client.Publish(ctx, channelFor(msg.NegotiationID), payload).Err(); err != nil {
		return fmt.Errorf("chat: publish message: %w", err)
	}
	return nil
}

// Subscribe opens a push stream for one negotiation. The returned cancel func
// closes the underlying subscription and the channel. Duplicate deliveries are
// filtered by message id before they reach the consumer.
func (b *RedisBus) Subscribe(ctx context.Context, negotiationID string) (<-chan Message, func(), error) {
	sub := b.client.Subscribe(ctx, channelFor(negotiationID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("chat: subscribe: %w", err)
	}

	out := make(chan Message, 16)
	go func() {
		defer close(out)
		seen := make(map[string]struct{})
		for raw := range sub.Channel() {
			var wire wireMessage
			if err := json.Unmarshal([]byte(raw.Payload), &wire); err != nil {
				continue
			}
			if _, dup := seen[wire.ID]; dup {
				continue
			}
			seen[wire.ID] = struct{}{}
			select {
			case out <- Message(wire):
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() { _ = sub.Close() }
	return out, cancel, nil
}
