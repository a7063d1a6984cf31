package workers

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"battle-system/jobs"
)

func newWorker(t *testing.T) (*JobWorker, *clockwork.FakeClock) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	return NewJobWorker(jobs.NewRedisDispatcher(client, clock)), clock
}

func TestJobWorker_PollRunsDueJobs(t *testing.T) {
	ctx := context.Background()
	w, clock := newWorker(t)

	var calls atomic.Int32
	w.Dispatcher.Register("battle.round", func(context.Context, []byte) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, w.Dispatcher.Dispatch(ctx, "battle.round", map[string]int{"round": 1}, 0))
	require.NoError(t, w.Dispatcher.Dispatch(ctx, "battle.round", map[string]int{"round": 2}, 3*time.Second))

	assert.Equal(t, 1, w.Poll(ctx))
	assert.Equal(t, int32(1), calls.Load())

	clock.Advance(3 * time.Second)
	assert.Equal(t, 1, w.Poll(ctx))
	assert.Equal(t, int32(2), calls.Load())

	delayed, inflight, err := w.Dispatcher.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, delayed)
	assert.Zero(t, inflight)
}

func TestJobWorker_PollRedeliversFailures(t *testing.T) {
	ctx := context.Background()
	w, clock := newWorker(t)

	var calls atomic.Int32
	w.Dispatcher.Register("flaky", func(context.Context, []byte) error {
		if calls.Add(1) == 1 {
			return eris.New("connection reset")
		}
		return nil
	})
	require.NoError(t, w.Dispatcher.Dispatch(ctx, "flaky", nil, 0))

	assert.Equal(t, 1, w.Poll(ctx))
	assert.Zero(t, w.Poll(ctx), "redelivery waits for its delay")

	clock.Advance(w.Dispatcher.RedeliveryDelay)
	assert.Equal(t, 1, w.Poll(ctx))
	assert.Equal(t, int32(2), calls.Load())
}

func TestJobWorker_RunStopsWithContext(t *testing.T) {
	w, _ := newWorker(t)
	w.PollInterval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
