package workers

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"battle-system/jobs"
	"battle-system/metrics"
)

const (
	DefaultPollInterval = 250 * time.Millisecond
	DefaultBatchSize    = 16
)

// JobWorker polls a RedisDispatcher for due jobs and runs them. Several
// workers, in one process or many, may poll the same queue.
type JobWorker struct {
	Dispatcher   *jobs.RedisDispatcher
	PollInterval time.Duration
	BatchSize    int
}

func NewJobWorker(dispatcher *jobs.RedisDispatcher) *JobWorker {
	return &JobWorker{
		Dispatcher:   dispatcher,
		PollInterval: DefaultPollInterval,
		BatchSize:    DefaultBatchSize,
	}
}

// Run polls until ctx is done. Jobs of one batch run concurrently; the next
// poll waits for the batch to finish.
func (w *JobWorker) Run(ctx context.Context) error {
	log.Info().Dur("interval", w.PollInterval).Int("batch", w.BatchSize).Msg("job worker started")

	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("job worker stopped")
			return nil
		case <-ticker.C:
			w.Poll(ctx)
		}
	}
}

// Poll requeues expired leases, then claims and runs one batch. It returns
// the number of jobs run.
func (w *JobWorker) Poll(ctx context.Context) int {
	if n, err := w.Dispatcher.Reap(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to reap expired job leases")
	} else if n > 0 {
		metrics.Count(metrics.JobRedelivered, int64(n))
		log.Warn().Int("count", n).Msg("requeued jobs with expired leases")
	}

	batch, err := w.Dispatcher.Claim(ctx, w.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("failed to claim jobs")
		}
		return 0
	}

	var g errgroup.Group
	g.SetLimit(max(w.BatchSize, 1))
	for _, job := range batch {
		g.Go(func() error {
			w.Dispatcher.Process(ctx, job)
			return nil
		})
	}
	_ = g.Wait()

	if delayed, inflight, err := w.Dispatcher.Pending(ctx); err == nil {
		metrics.Gauge(metrics.JobsDelayed, float64(delayed))
		metrics.Gauge(metrics.JobsInflight, float64(inflight))
	}
	return len(batch)
}
