package events

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"

	"battle-system/metrics"
)

const DefaultChannel = "battle:events"

// RedisBroadcaster publishes envelopes on a redis channel so every process
// running a Relay can deliver them to its own subscribers.
type RedisBroadcaster struct {
	Client  *redis.Client
	Channel string
	clock   clockwork.Clock
}

func NewRedisBroadcaster(client *redis.Client, clock clockwork.Clock) *RedisBroadcaster {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RedisBroadcaster{
		Client:  client,
		Channel: DefaultChannel,
		clock:   clock,
	}
}

func (b *RedisBroadcaster) Publish(ctx context.Context, name string, payload any, audience ...string) {
	ev, err := NewEvent(name, payload, audience, b.clock.Now())
	if err != nil {
		metrics.Incr(metrics.EventPublishFail)
		log.Error().Err(err).Str("event", name).Msg("failed to build event")
		return
	}
	body, err := json.Marshal(ev)
	if err != nil {
		metrics.Incr(metrics.EventPublishFail)
		log.Error().Err(err).Str("event", name).Msg("failed to encode event")
		return
	}
	if err := b.Client.Publish(ctx, b.Channel, body).Err(); err != nil {
		metrics.Incr(metrics.EventPublishFail)
		log.Warn().Err(err).Str("event", name).Msg("failed to publish event to redis")
	}
}

// Relay forwards events from the redis channel into a local Hub.
type Relay struct {
	pubsub *redis.PubSub
	hub    *Hub
}

// Relay subscribes to the channel and returns once redis has confirmed the
// subscription, so nothing published afterwards is missed.
func (b *RedisBroadcaster) Relay(ctx context.Context, hub *Hub) (*Relay, error) {
	pubsub := b.Client.Subscribe(ctx, b.Channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, eris.Wrapf(err, "failed to subscribe to %s", b.Channel)
	}
	return &Relay{pubsub: pubsub, hub: hub}, nil
}

// Run blocks until ctx is done or the subscription is closed.
func (r *Relay) Run(ctx context.Context) error {
	defer r.pubsub.Close()

	ch := r.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return eris.New("redis event subscription closed")
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Warn().Err(err).Msg("dropping malformed event from redis")
				continue
			}
			r.hub.Deliver(ev)
		}
	}
}
