package jobs

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"

	"battle-system/metrics"
)

// LocalDispatcher schedules jobs as gocron one-time jobs inside this process.
// Scheduled jobs are lost on restart.
type LocalDispatcher struct {
	registry

	RedeliveryDelay time.Duration
	MaxDeliveries   int

	scheduler gocron.Scheduler
	clock     clockwork.Clock
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewLocalDispatcher(clock clockwork.Clock) (*LocalDispatcher, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	sched, err := gocron.NewScheduler(gocron.WithClock(clock))
	if err != nil {
		return nil, eris.Wrap(err, "failed to create job scheduler")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalDispatcher{
		RedeliveryDelay: DefaultRedeliveryDelay,
		MaxDeliveries:   DefaultMaxDeliveries,
		scheduler:       sched,
		clock:           clock,
		ctx:             ctx,
		cancel:          cancel,
	}, nil
}

func (d *LocalDispatcher) Start() {
	d.scheduler.Start()
}

// Shutdown stops scheduling and cancels the context handed to running handlers.
func (d *LocalDispatcher) Shutdown() error {
	d.cancel()
	return eris.Wrap(d.scheduler.Shutdown(), "failed to shut down job scheduler")
}

func (d *LocalDispatcher) Dispatch(_ context.Context, jobType string, payload any, delay time.Duration) error {
	job, err := newJob(jobType, payload, d.clock.Now().Add(delay))
	if err != nil {
		return err
	}
	return d.schedule(job, delay)
}

func (d *LocalDispatcher) schedule(job Job, delay time.Duration) error {
	start := gocron.OneTimeJobStartImmediately()
	if delay > 0 {
		start = gocron.OneTimeJobStartDateTime(d.clock.Now().Add(delay))
	}
	_, err := d.scheduler.NewJob(
		gocron.OneTimeJob(start),
		gocron.NewTask(d.deliver, job),
		gocron.WithName(job.Type+":"+job.ID),
	)
	return eris.Wrapf(err, "failed to schedule %s job", job.Type)
}

func (d *LocalDispatcher) deliver(job Job) {
	err := d.run(d.ctx, job)
	if err == nil {
		return
	}
	retry := job.Attempt < d.MaxDeliveries && d.ctx.Err() == nil
	logFailure(job, err, retry)
	if !retry {
		return
	}

	job.Attempt++
	job.DueAt = d.clock.Now().Add(d.RedeliveryDelay).UTC()
	metrics.Incr(metrics.JobRedelivered, "job_type:"+job.Type)
	if err := d.schedule(job, d.RedeliveryDelay); err != nil {
		logFailure(job, err, false)
	}
}
