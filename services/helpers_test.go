package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"battle-system/combat"
	"battle-system/config"
	"battle-system/jobs"
	"battle-system/models"
)

var testEpoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type dispatchedJob struct {
	JobType string
	Payload any
	Delay   time.Duration
}

// recordingDispatcher keeps dispatched jobs instead of running them. The
// first failures calls to Dispatch return failWith.
type recordingDispatcher struct {
	mu         sync.Mutex
	handlers   map[string]jobs.Handler
	dispatched []dispatchedJob
	failures   int
	failWith   error
}

func (d *recordingDispatcher) Register(jobType string, h jobs.Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handlers == nil {
		d.handlers = map[string]jobs.Handler{}
	}
	d.handlers[jobType] = h
}

func (d *recordingDispatcher) Dispatch(_ context.Context, jobType string, payload any, delay time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failures > 0 {
		d.failures--
		return d.failWith
	}
	d.dispatched = append(d.dispatched, dispatchedJob{JobType: jobType, Payload: payload, Delay: delay})
	return nil
}

func (d *recordingDispatcher) failNext(n int, err error) {
	d.mu.Lock()
	d.failures, d.failWith = n, err
	d.mu.Unlock()
}

func (d *recordingDispatcher) rounds() []RoundJob {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []RoundJob
	for _, j := range d.dispatched {
		if rj, ok := j.Payload.(RoundJob); ok {
			out = append(out, rj)
		}
	}
	return out
}

func (d *recordingDispatcher) last() dispatchedJob {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.dispatched) == 0 {
		return dispatchedJob{}
	}
	return d.dispatched[len(d.dispatched)-1]
}

type publishedEvent struct {
	Name     string
	Payload  any
	Audience []string
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (b *recordingBroadcaster) Publish(_ context.Context, name string, payload any, audience ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, publishedEvent{Name: name, Payload: payload, Audience: audience})
}

func (b *recordingBroadcaster) named(name string) []publishedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []publishedEvent
	for _, e := range b.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

type testEnv struct {
	db          *gorm.DB
	clock       *clockwork.FakeClock
	cfg         config.Battle
	dispatcher  *recordingDispatcher
	events      *recordingBroadcaster
	fighters    *FighterService
	battles     *BattleService
	invitations *InvitationService
	matchmaking *MatchmakingService
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// One connection keeps the in-memory database alive and serializes
	// concurrent transactions the way row locks would.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, models.AutoMigrate(db))
	return db
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		db:         newTestDB(t),
		clock:      clockwork.NewFakeClockAt(testEpoch),
		cfg:        config.DefaultBattle(),
		dispatcher: &recordingDispatcher{},
		events:     &recordingBroadcaster{},
	}
	env.fighters = NewFighterService(env.db, env.clock)

	env.battles = NewBattleService(env.db, env.cfg, env.dispatcher, env.events, env.fighters, env.fighters)
	env.battles.Clock = env.clock
	env.battles.Rolls = combat.NewSequence()

	env.invitations = NewInvitationService(env.db, env.cfg, env.battles, env.events)
	env.invitations.Clock = env.clock

	env.matchmaking = NewMatchmakingService(env.db, env.cfg, env.battles, env.invitations, env.events)
	env.matchmaking.Clock = env.clock
	return env
}

// fighter creates a profile with the given combat power.
func (e *testEnv) fighter(t *testing.T, userID string, cp int) {
	t.Helper()
	_, err := e.fighters.EnsureProfile(context.Background(), userID)
	require.NoError(t, err)
	require.NoError(t, e.db.Model(&models.FighterProfile{}).
		Where("external_user_id = ?", userID).
		Update("combat_power", cp).Error)
}

func (e *testEnv) createBattle(t *testing.T, p1, p2 string) string {
	t.Helper()
	res, err := e.battles.CreateBattle(context.Background(), p1, p2)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res.BattleID
}

func (e *testEnv) rolls(rolls ...float64) {
	e.battles.Rolls = combat.NewSequence(rolls...)
}

func (e *testEnv) session(t *testing.T, battleID string) models.BattleSession {
	t.Helper()
	var sess models.BattleSession
	require.NoError(t, e.db.Where("id = ?", battleID).First(&sess).Error)
	return sess
}

func (e *testEnv) state(t *testing.T, battleID string) models.BattleState {
	t.Helper()
	var state models.BattleState
	require.NoError(t, e.db.Where("battle_id = ?", battleID).First(&state).Error)
	return state
}

// setState rewrites the stored state through fn.
func (e *testEnv) setState(t *testing.T, battleID string, fn func(*models.BattleState)) {
	t.Helper()
	state := e.state(t, battleID)
	fn(&state)
	require.NoError(t, e.db.Save(&state).Error)
}

func (e *testEnv) roundCount(t *testing.T, battleID string, round int) int64 {
	t.Helper()
	var count int64
	q := e.db.Model(&models.BattleRound{}).Where("battle_id = ?", battleID)
	if round > 0 {
		q = q.Where("round_number = ?", round)
	}
	require.NoError(t, q.Count(&count).Error)
	return count
}

func (e *testEnv) cp(t *testing.T, userID string) int {
	t.Helper()
	cp, err := e.fighters.CombatPower(context.Background(), userID)
	require.NoError(t, err)
	return cp
}

var errQueueDown = eris.New("job queue unavailable")
