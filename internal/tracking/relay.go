package tracking

import (
	"context"
	"encoding/json"
	"log"
	"strings"

	"taxi-service/pkg/redis"
)

const relayPrefix = "push:"

// relayEnvelope is the wire form a push takes across instances.
type relayEnvelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// RedisPusher publishes pushes to Redis instead of delivering them locally,
// so every instance (including this one) sees them via the relay.
type RedisPusher struct {
	rdb *redis.Client
}

// NewRedisPusher wraps a Redis client as a push sink.
func NewRedisPusher(rdb *redis.Client) *RedisPusher { return &RedisPusher{rdb: rdb} }

// PushToUser serialises the push and publishes it on the channel's relay key.
func (p *RedisPusher) PushToUser(channel, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[relay] marshal push for %s: %v", channel, err)
		return
	}
	env, _ := json.Marshal(relayEnvelope{Event: event, Payload: data})
	if err := p.rdb.Publish(context.Background(), relayPrefix+channel, env); err != nil {
		log.Printf("[relay] publish to %s: %v", channel, err)
	}
}

// RunRelay subscribes the hub to relayed pushes from all instances. Returns
// immediately; delivery stops when ctx is cancelled.
func RunRelay(ctx context.Context, rdb *redis.Client, hub *Hub) {
	rdb.PSubscribe(ctx, relayPrefix+"*", func(channel string, payload []byte) {
		var env relayEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			log.Printf("[relay] bad envelope on %s: %v", channel, err)
			return
		}
		var body any
		if err := json.Unmarshal(env.Payload, &body); err != nil {
			body = string(env.Payload)
		}
		hub.PushToUser(strings.TrimPrefix(channel, relayPrefix), env.Event, body)
	})
}
