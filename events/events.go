// Package events fans battle notifications out to connected clients.
//
// Publishing is fire-and-forget: a failed publish is logged and counted, never
// returned, so it cannot fail the operation that produced it.
package events

import (
	"context"
	"slices"
	"time"

	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
)

const (
	QueueStatus        = "matchmaking.queue_status"
	Stats              = "battle.stats"
	Invitation         = "battle.invitation"
	InvitationResponse = "battle.invitation_response"
	Started            = "battle.started"
	Round              = "battle.round"
	Completed          = "battle.completed"
)

// Broadcaster publishes an event to the given users, or to everyone when
// audience is empty.
type Broadcaster interface {
	Publish(ctx context.Context, name string, payload any, audience ...string)
}

// Event is the envelope delivered to subscribers and sent over redis.
type Event struct {
	Name     string          `json:"name"`
	Audience []string        `json:"audience,omitempty"`
	Data     json.RawMessage `json:"data"`
	SentAt   time.Time       `json:"sent_at"`
}

func NewEvent(name string, payload any, audience []string, at time.Time) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, eris.Wrapf(err, "failed to encode %s payload", name)
	}
	return Event{
		Name:     name,
		Audience: audience,
		Data:     data,
		SentAt:   at.UTC(),
	}, nil
}

// For reports whether userID should receive the event. An empty userID is a
// firehose subscriber and receives everything.
func (e Event) For(userID string) bool {
	if userID == "" || len(e.Audience) == 0 {
		return true
	}
	return slices.Contains(e.Audience, userID)
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return eris.Wrap(json.Unmarshal(e.Data, v), "failed to decode event payload")
}
