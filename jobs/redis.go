package jobs

import (
	"context"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"

	"battle-system/metrics"
)

const (
	DefaultDelayedKey  = "battle:jobs:delayed"
	DefaultInflightKey = "battle:jobs:inflight"
	DefaultPayloadKey  = "battle:jobs:payload"
	DefaultLease       = 30 * time.Second
)

// claimScript moves due job ids from the delayed set into the inflight set,
// scored by lease deadline, and returns their bodies.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
local out = {}
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	local body = redis.call('HGET', KEYS[3], id)
	if body then
		redis.call('ZADD', KEYS[2], ARGV[2], id)
		table.insert(out, body)
	end
end
return out
`)

// reapScript returns jobs whose lease expired to the delayed set so another
// worker picks them up.
var reapScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[2], id)
	redis.call('ZADD', KEYS[1], ARGV[1], id)
end
return #ids
`)

// RedisDispatcher keeps delayed jobs in redis so any process can deliver them.
// Deliveries are leased: a worker that dies mid-job lets the lease lapse and
// the job is requeued by Reap.
type RedisDispatcher struct {
	registry

	Client          *redis.Client
	DelayedKey      string
	InflightKey     string
	PayloadKey      string
	Lease           time.Duration
	RedeliveryDelay time.Duration
	MaxDeliveries   int

	clock clockwork.Clock
}

func NewRedisDispatcher(client *redis.Client, clock clockwork.Clock) *RedisDispatcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RedisDispatcher{
		Client:          client,
		DelayedKey:      DefaultDelayedKey,
		InflightKey:     DefaultInflightKey,
		PayloadKey:      DefaultPayloadKey,
		Lease:           DefaultLease,
		RedeliveryDelay: DefaultRedeliveryDelay,
		MaxDeliveries:   DefaultMaxDeliveries,
		clock:           clock,
	}
}

func (d *RedisDispatcher) Dispatch(ctx context.Context, jobType string, payload any, delay time.Duration) error {
	job, err := newJob(jobType, payload, d.clock.Now().Add(delay))
	if err != nil {
		return err
	}
	return d.enqueue(ctx, job)
}

func (d *RedisDispatcher) enqueue(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return eris.Wrap(err, "failed to encode job")
	}
	_, err = d.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, d.PayloadKey, job.ID, body)
		pipe.ZRem(ctx, d.InflightKey, job.ID)
		pipe.ZAdd(ctx, d.DelayedKey, redis.Z{Score: score(job.DueAt), Member: job.ID})
		return nil
	})
	return eris.Wrapf(err, "failed to enqueue %s job", job.Type)
}

// Claim leases up to limit due jobs.
func (d *RedisDispatcher) Claim(ctx context.Context, limit int) ([]Job, error) {
	now := d.clock.Now()
	keys := []string{d.DelayedKey, d.InflightKey, d.PayloadKey}
	res, err := claimScript.Run(ctx, d.Client, keys,
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(now.Add(d.Lease).UnixMilli(), 10),
		limit,
	).StringSlice()
	if err != nil {
		return nil, eris.Wrap(err, "failed to claim jobs")
	}

	claimed := make([]Job, 0, len(res))
	for _, body := range res {
		var job Job
		if err := json.Unmarshal([]byte(body), &job); err != nil {
			log.Error().Err(err).Msg("dropping undecodable job")
			continue
		}
		claimed = append(claimed, job)
	}
	return claimed, nil
}

// Reap requeues jobs whose lease has expired and reports how many it moved.
func (d *RedisDispatcher) Reap(ctx context.Context) (int, error) {
	keys := []string{d.DelayedKey, d.InflightKey}
	n, err := reapScript.Run(ctx, d.Client, keys, strconv.FormatInt(d.clock.Now().UnixMilli(), 10)).Int()
	if err != nil {
		return 0, eris.Wrap(err, "failed to reap expired leases")
	}
	return n, nil
}

// Process runs the handler for a claimed job, then acks it or schedules a
// redelivery.
func (d *RedisDispatcher) Process(ctx context.Context, job Job) {
	err := d.run(ctx, job)
	if err == nil {
		d.ack(ctx, job)
		return
	}

	retry := job.Attempt < d.MaxDeliveries
	logFailure(job, err, retry)
	if !retry {
		d.ack(ctx, job)
		return
	}

	job.Attempt++
	job.DueAt = d.clock.Now().Add(d.RedeliveryDelay).UTC()
	metrics.Incr(metrics.JobRedelivered, "job_type:"+job.Type)
	if err := d.enqueue(ctx, job); err != nil {
		// The lease will lapse and Reap will requeue the previous attempt.
		log.Error().Err(err).Str("job_id", job.ID).Msg("failed to requeue job")
	}
}

func (d *RedisDispatcher) ack(ctx context.Context, job Job) {
	_, err := d.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, d.InflightKey, job.ID)
		pipe.HDel(ctx, d.PayloadKey, job.ID)
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("failed to ack job")
	}
}

// Pending returns the number of delayed and inflight jobs.
func (d *RedisDispatcher) Pending(ctx context.Context) (delayed, inflight int64, err error) {
	delayed, err = d.Client.ZCard(ctx, d.DelayedKey).Result()
	if err != nil {
		return 0, 0, eris.Wrap(err, "failed to count delayed jobs")
	}
	inflight, err = d.Client.ZCard(ctx, d.InflightKey).Result()
	if err != nil {
		return 0, 0, eris.Wrap(err, "failed to count inflight jobs")
	}
	return delayed, inflight, nil
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}
