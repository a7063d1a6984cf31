// services/scheduler.go
package services

import (
	"context"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"
)

// Sweeper runs the periodic housekeeping: invitation expiry, queue expiry,
// rejection cleanup, lost-battle timeouts and the stats broadcast.
type Sweeper struct {
	Battles     *BattleService
	Invitations *InvitationService
	Matchmaking *MatchmakingService
}

type SweepReport struct {
	InvitationsExpired  int64 `json:"invitations_expired"`
	RejectionsPurged    int64 `json:"rejections_purged"`
	QueueEntriesExpired int64 `json:"queue_entries_expired"`
	BattlesTimedOut     int   `json:"battles_timed_out"`
}

func NewSweeper(battles *BattleService, invitations *InvitationService, matchmaking *MatchmakingService) *Sweeper {
	return &Sweeper{Battles: battles, Invitations: invitations, Matchmaking: matchmaking}
}

// RunOnce performs one sweep. Each step runs even when an earlier one
// failed; the first error is returned.
func (sw *Sweeper) RunOnce(ctx context.Context) (SweepReport, error) {
	var (
		rep   SweepReport
		first error
		err   error
	)
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	rep.InvitationsExpired, err = sw.Invitations.ExpireStale(ctx)
	keep(err)
	rep.RejectionsPurged, err = sw.Invitations.PurgeRejections(ctx)
	keep(err)
	rep.QueueEntriesExpired, err = sw.Matchmaking.SweepExpired(ctx)
	keep(err)
	rep.BattlesTimedOut, err = sw.Battles.SweepStaleBattles(ctx)
	keep(err)

	sw.Battles.PublishStats(ctx)
	return rep, first
}

// Start schedules RunOnce every SWEEP_INTERVAL on a gocron scheduler driven
// by clock. The returned scheduler is running; the caller shuts it down.
func (sw *Sweeper) Start(ctx context.Context, clock clockwork.Clock) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler(gocron.WithClock(clock))
	if err != nil {
		return nil, eris.Wrap(err, "failed to create sweep scheduler")
	}

	_, err = sched.NewJob(
		gocron.DurationJob(sw.Battles.Config.SweepInterval),
		gocron.NewTask(func() {
			rep, err := sw.RunOnce(ctx)
			if err != nil {
				log.Error().Err(err).Msg("[Sweeper] sweep failed")
				return
			}
			if rep != (SweepReport{}) {
				log.Info().
					Int64("invitations_expired", rep.InvitationsExpired).
					Int64("rejections_purged", rep.RejectionsPurged).
					Int64("queue_expired", rep.QueueEntriesExpired).
					Int("battles_timed_out", rep.BattlesTimedOut).
					Msg("[Sweeper] sweep done")
			}
		}),
		gocron.WithName("battle-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, eris.Wrap(err, "failed to schedule sweep")
	}

	sched.Start()
	return sched, nil
}
