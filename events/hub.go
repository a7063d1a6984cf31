package events

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"battle-system/metrics"
)

const defaultBuffer = 32

type subscriber struct {
	userID string
	ch     chan Event
}

// Hub delivers events to in-process subscribers such as SSE streams.
// A subscriber that falls behind loses events rather than blocking publishers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	clock  clockwork.Clock
}

func NewHub(clock clockwork.Clock) *Hub {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Hub{
		subs:  map[uint64]*subscriber{},
		clock: clock,
	}
}

// Subscribe registers a channel for userID. The returned func unsubscribes
// and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(userID string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	sub := &subscriber{userID: userID, ch: make(chan Event, defaultBuffer)}
	h.subs[id] = sub

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(sub.ch)
		})
	}
}

// Subscribers returns the number of active subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Deliver hands ev to every matching subscriber without blocking.
func (h *Hub) Deliver(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !ev.For(sub.userID) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			log.Warn().Str("event", ev.Name).Str("user_id", sub.userID).Msg("subscriber is behind, dropping event")
		}
	}
}

func (h *Hub) Publish(_ context.Context, name string, payload any, audience ...string) {
	ev, err := NewEvent(name, payload, audience, h.clock.Now())
	if err != nil {
		metrics.Incr(metrics.EventPublishFail)
		log.Error().Err(err).Str("event", name).Msg("failed to build event")
		return
	}
	h.Deliver(ev)
}
