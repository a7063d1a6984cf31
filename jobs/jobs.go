// Package jobs delivers delayed work items at least once.
//
// Handlers must be idempotent: a job may run more than once when a handler
// fails, when a worker dies holding a lease, or when a caller dispatches the
// same logical work twice.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"

	"battle-system/metrics"
)

const (
	DefaultRedeliveryDelay = time.Second
	DefaultMaxDeliveries   = 5
)

// ErrNoHandler is returned when a job type has no registered handler.
var ErrNoHandler = eris.New("no handler registered for job type")

type Handler func(ctx context.Context, payload []byte) error

type Dispatcher interface {
	Register(jobType string, h Handler)
	Dispatch(ctx context.Context, jobType string, payload any, delay time.Duration) error
}

// Job is one delivery unit. Attempt starts at 1.
type Job struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Attempt int             `json:"attempt"`
	DueAt   time.Time       `json:"due_at"`
}

func newJob(jobType string, payload any, due time.Time) (Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Job{}, eris.Wrapf(err, "failed to encode %s payload", jobType)
	}
	return Job{
		ID:      uuid.NewString(),
		Type:    jobType,
		Payload: body,
		Attempt: 1,
		DueAt:   due.UTC(),
	}, nil
}

type registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func (r *registry) Register(jobType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers == nil {
		r.handlers = map[string]Handler{}
	}
	r.handlers[jobType] = h
}

func (r *registry) handler(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// run invokes the handler for job, turning a panic into an error.
func (r *registry) run(ctx context.Context, job Job) (err error) {
	h, ok := r.handler(job.Type)
	if !ok {
		return eris.Wrap(ErrNoHandler, job.Type)
	}
	defer func() {
		if p := recover(); p != nil {
			err = eris.New(fmt.Sprintf("handler panic: %v", p))
		}
	}()
	metrics.Incr(metrics.JobDelivered, "job_type:"+job.Type)
	return h(ctx, job.Payload)
}

func logFailure(job Job, err error, willRetry bool) {
	log.Warn().Err(err).
		Str("job_id", job.ID).
		Str("job_type", job.Type).
		Int("attempt", job.Attempt).
		Bool("redeliver", willRetry).
		Msg("job handler failed")
}
