// Package metrics wraps the statsd client used for battle counters and timings.
// Every helper is safe to call before Init; the default client discards everything.
package metrics

import (
	"time"

	ddstatsd "github.com/DataDog/datadog-go/v5/statsd"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"
)

const (
	RoundProcessed   = "round.processed"
	RoundDuplicate   = "round.duplicate"
	RoundRetry       = "round.retry"
	RoundDuration    = "round.duration"
	BattleFinalized  = "battle.finalized"
	BattleCancelled  = "battle.cancelled"
	MatchFound       = "matchmaking.match_found"
	InviteSent       = "invitation.sent"
	InviteAccepted   = "invitation.accepted"
	InviteRejected   = "invitation.rejected"
	InviteExpired    = "invitation.expired"
	JobDelivered     = "jobs.delivered"
	JobRedelivered   = "jobs.redelivered"
	JobsDelayed      = "jobs.delayed"
	JobsInflight     = "jobs.inflight"
	EventPublishFail = "events.publish_failed"
)

var client ddstatsd.ClientInterface = &ddstatsd.NoOpClient{}

func Client() ddstatsd.ClientInterface {
	return client
}

// Init replaces the no-op client with one that sends to address.
func Init(address string, tags []string) error {
	if address == "" {
		return eris.New("address must not be empty")
	}
	opts := []ddstatsd.Option{
		ddstatsd.WithNamespace("battle."),
	}
	if len(tags) > 0 {
		opts = append(opts, ddstatsd.WithTags(tags))
	}

	newClient, err := ddstatsd.New(address, opts...)
	if err != nil {
		return eris.Wrap(err, "failed to create statsd client")
	}
	client = newClient
	return nil
}

// Close flushes and closes the active client.
func Close() {
	if err := client.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close statsd client")
	}
	client = &ddstatsd.NoOpClient{}
}

func Incr(name string, tags ...string) {
	if err := Client().Incr(name, tags, 1); err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("failed to emit counter")
	}
}

func Count(name string, value int64, tags ...string) {
	if err := Client().Count(name, value, tags, 1); err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("failed to emit counter")
	}
}

// Since emits the time elapsed from start as a timing.
func Since(name string, start time.Time, tags ...string) {
	if err := Client().Timing(name, time.Since(start), tags, 1); err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("failed to emit timing")
	}
}

func Gauge(name string, value float64, tags ...string) {
	if err := Client().Gauge(name, value, tags, 1); err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("failed to emit gauge")
	}
}
