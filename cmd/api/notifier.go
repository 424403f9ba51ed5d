package main

import (
	"context"
	"encoding/json"

	"freightmatch/chat"
	"freightmatch/negotiation"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

// pushNotifier fans committed negotiation transitions out to live viewers:
// projected messages go onto the per-negotiation chat channel, state changes
// onto a negotiation channel keyed by id. Everything here is best effort;
// clients re-synchronize by refetching after any gap.
type pushNotifier struct {
	bus   chat.Publisher
	redis *redis.Client
}

func newPushNotifier(bus chat.Publisher, client *redis.Client) *pushNotifier {
	return &pushNotifier{bus: bus, redis: client}
}

type negotiationChange struct {
	ID           string   `json:"id"`
	Status       string   `json:"status"`
	CurrentPrice *float64 `json:"currentPrice"`
	ProposedBy   *string  `json:"proposedBy"`
	Version      int      `json:"version"`
}

func (p *pushNotifier) NegotiationChanged(ctx context.Context, n negotiation.Negotiation) {
	if p.redis == nil {
		return
	}
	payload, err := json.Marshal(negotiationChange{
		ID:           n.ID,
		Status:       string(n.Status),
		CurrentPrice: n.CurrentPrice,
		ProposedBy:   n.ProposedBy,
		Version:      n.Version,
	})
	if err != nil {
		return
	}
	if err := p.redis.Publish(ctx, "negotiation:"+n.ID, payload).Err(); err != nil {
		log.Warn().Err(err).Str("negotiation_id", n.ID).Msg("Failed to push negotiation change")
	}
}

func (p *pushNotifier) MessageAppended(ctx context.Context, m chat.Message) {
	if p.bus == nil {
		return
	}
	if err := p.bus.Publish(ctx, m); err != nil {
		log.Warn().Err(err).Str("negotiation_id", m.NegotiationID).Msg("Failed to push message")
	}
}
