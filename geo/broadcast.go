package geo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// locationChannel is the single global topic shared by all map viewers.
const locationChannel = "map:locations"

// Broadcaster is the low-latency fan-out of ephemeral position ticks,
// decoupled from persisted storage. Best effort: no delivery guarantee beyond
// at most once per tick, and none across reconnects. After any gap a viewer
// must re-synchronize with a fresh bounds query.
type Broadcaster interface {
	Publish(ctx context.Context, b Broadcast) error
	Subscribe(ctx context.Context) (<-chan Broadcast, func(), error)
}

// RedisBroadcaster carries position ticks over Redis pub/sub.
type RedisBroadcaster struct {
	client *redis.Client
}

func NewRedisBroadcaster(client *redis.Client) *RedisBroadcaster {
	return &RedisBroadcaster{client: client}
}

func (r *RedisBroadcaster) Publish(ctx context.Context, b Broadcast) error {
	payload, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("geo: marshal broadcast: %w", err)
	}
	if err := r.client.Publish(ctx, locationChannel, payload).Err(); err != nil {
		return fmt.Errorf("geo: publish broadcast: %w", err)
	}
	return nil
}

// Subscribe joins the global location topic. Ticks arrive in publish order per
// carrier; cross-carrier ordering is not guaranteed. The returned cancel func
// closes the subscription and the channel.
func (r *RedisBroadcaster) Subscribe(ctx context.Context) (<-chan Broadcast, func(), error) {
	sub := r.client.Subscribe(ctx, locationChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("geo: subscribe broadcast: %w", err)
	}

	out := make(chan Broadcast, 64)
	go func() {
		defer close(out)
		for raw := range sub.Channel() {
			var b Broadcast
			if err := json.Unmarshal([]byte(raw.Payload), &b); err != nil {
				continue
			}
			select {
			case out <- b:
			case <-ctx.Done():
				return
			default:
				// slow consumer: drop the tick, the next one supersedes it
			}
		}
	}()

	cancel := func() { _ = sub.Close() }
	return out, cancel, nil
}
