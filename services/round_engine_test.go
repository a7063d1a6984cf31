package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"battle-system/combat"
	"battle-system/events"
	"battle-system/models"
)

func TestCreateBattle_SchedulesFirstRoundAfterCountdown(t *testing.T) {
	env := newTestEnv(t)
	env.fighter(t, "p1", 150)

	res, err := env.battles.CreateBattle(context.Background(), "p1", "p2")
	require.NoError(t, err)

	assert.Equal(t, models.BattleStatusPreparing, res.Status)
	assert.Nil(t, res.WinnerID)
	assert.Equal(t, 150, res.Player1CP)
	assert.Equal(t, DefaultCombatPower, res.Player2CP)
	require.NotNil(t, res.StartsAt)
	assert.True(t, res.StartsAt.Equal(testEpoch.Add(env.cfg.CountdownDelay)))

	job := env.dispatcher.last()
	assert.Equal(t, JobBattleRound, job.JobType)
	assert.Equal(t, RoundJob{BattleID: res.BattleID, RoundNumber: 1}, job.Payload)
	assert.Equal(t, env.cfg.CountdownDelay, job.Delay)

	state := env.state(t, res.BattleID)
	assert.Equal(t, combat.MaxHealth, state.Player1.Health)
	assert.Equal(t, combat.MaxHealth, state.Player2.Health)
	assert.Zero(t, state.CurrentRound)

	started := env.events.named(events.Started)
	require.Len(t, started, 1)
	assert.ElementsMatch(t, []string{"p1", "p2"}, started[0].Audience)
}

func TestCreateBattle_RejectsSelfBattle(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.battles.CreateBattle(context.Background(), "p1", "p1")
	assert.ErrorIs(t, err, ErrInvalidOpponent)
}

func TestCreateBattle_CancelsWhenFirstRoundCannotBeScheduled(t *testing.T) {
	env := newTestEnv(t)
	env.dispatcher.failNext(1, errQueueDown)

	_, err := env.battles.CreateBattle(context.Background(), "p1", "p2")
	require.Error(t, err)

	var sess models.BattleSession
	require.NoError(t, env.db.First(&sess).Error)
	assert.Equal(t, models.BattleStatusCancelled, sess.Status)
	require.NotNil(t, sess.EndReason)
	assert.Equal(t, models.EndReasonError, *sess.EndReason)
}

// P1 (150) attacks, P2 (100) defends without defense energy and cannot dodge.
func TestProcessRound_DefenderWithoutEnergyTakesDamage(t *testing.T) {
	env := newTestEnv(t)
	env.fighter(t, "p1", 150)
	env.fighter(t, "p2", 100)
	id := env.createBattle(t, "p1", "p2")
	env.setState(t, id, func(s *models.BattleState) { s.Player2.DefenseEnergy = 0 })

	// p1 attack, p2 defend, p1 no crit
	env.rolls(0.1, 0.7, 0.99)
	outcome, err := env.battles.ProcessRound(context.Background(), id, 1)
	require.NoError(t, err)
	assert.Equal(t, RoundApplied, outcome)

	state := env.state(t, id)
	assert.Less(t, state.Player2.Health, combat.MaxHealth)
	assert.GreaterOrEqual(t, state.Player2.Health, 0)
	assert.Equal(t, combat.MaxHealth-7, state.Player2.Health)
	assert.Equal(t, combat.MaxHealth, state.Player1.Health)
	assert.Equal(t, 1, state.CurrentRound)
	assert.Equal(t, combat.MaxEnergy-combat.AttackEnergyCost, state.Player1.Energy)
	require.Len(t, state.RoundHistory, 1)
	assert.Len(t, state.BattleLog, 2)

	assert.Equal(t, models.BattleStatusOngoing, env.session(t, id).Status)

	next := env.dispatcher.last()
	assert.Equal(t, RoundJob{BattleID: id, RoundNumber: 2}, next.Payload)
	assert.Equal(t, env.cfg.RoundInterval, next.Delay)

	rounds := env.events.named(events.Round)
	require.Len(t, rounds, 1)
	ev := rounds[0].Payload.(RoundEvent)
	assert.Equal(t, combat.ActionAttack, ev.Player1.Action)
	assert.Equal(t, combat.ActionDefend, ev.Player2.Action)
	assert.Equal(t, 7, ev.Player2.DamageTaken)
}

func TestProcessRound_DuplicateDeliveryAppliesOnce(t *testing.T) {
	env := newTestEnv(t)
	id := env.createBattle(t, "p1", "p2")

	// both attack, no crits
	env.rolls(0.1, 0.1, 0.99, 0.99)
	outcome, err := env.battles.ProcessRound(context.Background(), id, 1)
	require.NoError(t, err)
	require.Equal(t, RoundApplied, outcome)

	env.rolls(0.1, 0.1, 0.0, 0.0)
	outcome, err = env.battles.ProcessRound(context.Background(), id, 1)
	require.NoError(t, err)
	assert.Equal(t, RoundDuplicate, outcome)

	assert.Equal(t, int64(1), env.roundCount(t, id, 1))
	state := env.state(t, id)
	assert.Equal(t, 88, state.Player1.Health)
	assert.Equal(t, 88, state.Player2.Health)
	assert.Len(t, env.events.named(events.Round), 1)
	assert.Len(t, env.dispatcher.rounds(), 2, "round 1 and round 2 only")
}

func TestProcessRound_ConcurrentRedeliveryOfRoundThree(t *testing.T) {
	env := newTestEnv(t)
	id := env.createBattle(t, "p1", "p2")
	ctx := context.Background()

	for round := 1; round <= 2; round++ {
		_, err := env.battles.ProcessRound(ctx, id, round)
		require.NoError(t, err)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes []RoundOutcome
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := env.battles.ProcessRound(ctx, id, 3)
			assert.NoError(t, err)
			mu.Lock()
			outcomes = append(outcomes, outcome)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), env.roundCount(t, id, 3))
	assert.ElementsMatch(t, []RoundOutcome{RoundApplied, RoundDuplicate}, outcomes)
	assert.Equal(t, 3, env.state(t, id).CurrentRound)
}

func TestProcessRound_TimeoutAfterMaxDuration(t *testing.T) {
	env := newTestEnv(t)
	id := env.createBattle(t, "p1", "p2")

	env.clock.Advance(env.cfg.MaxDuration + time.Second)
	outcome, err := env.battles.ProcessRound(context.Background(), id, 1)
	require.NoError(t, err)
	assert.Equal(t, RoundTimedOut, outcome)

	sess := env.session(t, id)
	assert.Equal(t, models.BattleStatusCompleted, sess.Status)
	require.NotNil(t, sess.EndReason)
	assert.Equal(t, models.EndReasonTimeout, *sess.EndReason)
	assert.Nil(t, sess.WinnerID, "equal health at timeout is a draw")
	assert.Zero(t, env.roundCount(t, id, 0))

	for _, p := range []string{"p1", "p2"} {
		prof, err := env.fighters.Profile(context.Background(), p)
		require.NoError(t, err)
		assert.Equal(t, int64(1), prof.Draws)
		assert.Equal(t, DefaultCombatPower, prof.CombatPower)
	}

	completed := env.events.named(events.Completed)
	require.Len(t, completed, 1)
	assert.Nil(t, completed[0].Payload.(*BattleResult).WinnerID)
}

func TestProcessRound_TimeoutWinnerGetsRewardsButNoDiscount(t *testing.T) {
	env := newTestEnv(t)
	id := env.createBattle(t, "p1", "p2")
	env.setState(t, id, func(s *models.BattleState) { s.Player1.Health = 40 })

	env.clock.Advance(env.cfg.MaxDuration + time.Second)
	_, err := env.battles.ProcessRound(context.Background(), id, 5)
	require.NoError(t, err)

	sess := env.session(t, id)
	require.NotNil(t, sess.WinnerID)
	assert.Equal(t, "p2", *sess.WinnerID)
	assert.Zero(t, sess.FeeDiscountPercent)
	assert.Nil(t, sess.DiscountExpiresAt)
	assert.Equal(t, -LossPenalty, sess.Player1CPChange)
	assert.Equal(t, WinBaseGain+DefaultCombatPower/WinOpponentDivisor, sess.Player2CPChange)
	assert.Equal(t, DefaultCombatPower+15, env.cp(t, "p2"))
	assert.Equal(t, DefaultCombatPower-LossPenalty, env.cp(t, "p1"))
}

func TestProcessRound_KnockoutFinalizesWithDiscount(t *testing.T) {
	env := newTestEnv(t)
	id := env.createBattle(t, "p1", "p2")
	env.setState(t, id, func(s *models.BattleState) { s.Player2.Health = 5 })

	// p1 attack, p2 defend, p1 no crit, p2 fails to dodge
	env.rolls(0.1, 0.7, 0.99, 0.99)
	outcome, err := env.battles.ProcessRound(context.Background(), id, 1)
	require.NoError(t, err)
	assert.Equal(t, RoundFinalized, outcome)

	var row models.BattleRound
	require.NoError(t, env.db.Where("battle_id = ?", id).First(&row).Error)
	assert.Zero(t, row.P2Health)

	sess := env.session(t, id)
	assert.Equal(t, models.BattleStatusCompleted, sess.Status)
	require.NotNil(t, sess.WinnerID)
	assert.Equal(t, "p1", *sess.WinnerID)
	require.NotNil(t, sess.EndReason)
	assert.Equal(t, models.EndReasonHP, *sess.EndReason)
	assert.Equal(t, env.cfg.DiscountPercent, sess.FeeDiscountPercent)
	require.NotNil(t, sess.DiscountExpiresAt)
	assert.True(t, sess.DiscountExpiresAt.Equal(testEpoch.Add(env.cfg.DiscountDuration)))
	assert.Equal(t, 15, sess.Player1CPChange)
	assert.Equal(t, -5, sess.Player2CPChange)

	completed := env.events.named(events.Completed)
	require.Len(t, completed, 1)
	res := completed[0].Payload.(*BattleResult)
	require.NotNil(t, res.LoserID)
	assert.Equal(t, "p2", *res.LoserID)

	// only the round-1 job from creation; no round 2 after a knockout
	assert.Len(t, env.dispatcher.rounds(), 1)
}

func TestProcessRound_DoubleKnockoutIsDraw(t *testing.T) {
	env := newTestEnv(t)
	id := env.createBattle(t, "p1", "p2")
	env.setState(t, id, func(s *models.BattleState) {
		s.Player1.Health = 5
		s.Player2.Health = 5
	})

	env.rolls(0.1, 0.1, 0.99, 0.99)
	_, err := env.battles.ProcessRound(context.Background(), id, 1)
	require.NoError(t, err)

	sess := env.session(t, id)
	assert.Equal(t, models.BattleStatusCompleted, sess.Status)
	assert.Nil(t, sess.WinnerID)
	require.NotNil(t, sess.EndReason)
	assert.Equal(t, models.EndReasonHP, *sess.EndReason)
	assert.Zero(t, sess.FeeDiscountPercent)
	assert.Equal(t, DefaultCombatPower, env.cp(t, "p1"))
	assert.Equal(t, DefaultCombatPower, env.cp(t, "p2"))
}

func TestProcessRound_HealthGuardFinalizesWithoutNewRound(t *testing.T) {
	env := newTestEnv(t)
	id := env.createBattle(t, "p1", "p2")
	env.setState(t, id, func(s *models.BattleState) { s.Player1.Health = -10 })

	outcome, err := env.battles.ProcessRound(context.Background(), id, 4)
	require.NoError(t, err)
	assert.Equal(t, RoundFinalized, outcome)
	assert.Zero(t, env.roundCount(t, id, 0))

	sess := env.session(t, id)
	require.NotNil(t, sess.WinnerID)
	assert.Equal(t, "p2", *sess.WinnerID)
}

func TestProcessRound_StaleDeliveriesAreSkipped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	outcome, err := env.battles.ProcessRound(ctx, "00000000-0000-0000-0000-000000000000", 1)
	require.NoError(t, err)
	assert.Equal(t, RoundSkipped, outcome)

	id := env.createBattle(t, "p1", "p2")
	env.clock.Advance(env.cfg.MaxDuration + time.Second)
	_, err = env.battles.ProcessRound(ctx, id, 1)
	require.NoError(t, err)

	outcome, err = env.battles.ProcessRound(ctx, id, 2)
	require.NoError(t, err)
	assert.Equal(t, RoundSkipped, outcome)
	assert.Len(t, env.events.named(events.Completed), 1, "finalization is not repeated")
}

func TestProcessRound_HealthStaysInBounds(t *testing.T) {
	env := newTestEnv(t)
	id := env.createBattle(t, "p1", "p2")
	env.battles.Rolls = combat.DefaultRoller
	ctx := context.Background()

	for round := 1; round <= 60; round++ {
		outcome, err := env.battles.ProcessRound(ctx, id, round)
		require.NoError(t, err)
		state := env.state(t, id)
		for _, p := range []models.PlayerState{state.Player1, state.Player2} {
			require.GreaterOrEqual(t, p.Health, 0)
			require.LessOrEqual(t, p.Health, combat.MaxHealth)
		}
		if outcome == RoundFinalized || outcome == RoundSkipped {
			break
		}
	}
}

func TestRequestRecharge_BanksEnergyForFollowingRound(t *testing.T) {
	env := newTestEnv(t)
	id := env.createBattle(t, "p1", "p2")
	ctx := context.Background()

	ok, err := env.battles.RequestRecharge(ctx, id, "p1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = env.battles.RequestRecharge(ctx, id, "p1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, env.state(t, id).ActionHistory, 1)

	ok, err = env.battles.RequestRecharge(ctx, id, "stranger")
	require.NoError(t, err)
	assert.False(t, ok)

	// p1 draws nothing; p2 attack, p2 no crit, p1 fails to dodge
	env.rolls(0.1, 0.99, 0.99)
	_, err = env.battles.ProcessRound(ctx, id, 1)
	require.NoError(t, err)

	var row models.BattleRound
	require.NoError(t, env.db.Where("battle_id = ? AND round_number = 1", id).First(&row).Error)
	assert.Equal(t, combat.ActionDefend, row.P1Action)
	assert.Zero(t, row.P2Damage)
	assert.Equal(t, 6, row.P1Damage)

	state := env.state(t, id)
	assert.Equal(t, combat.MaxEnergy-combat.DefenseEnergyCost, state.Player1.DefenseEnergy)
	assert.Equal(t, combat.RechargeEnergy, state.Player1.StoredEnergy)
	assert.Equal(t, combat.RechargeEnergy, state.Player1.StoredDefenseEnergy)

	ev := env.events.named(events.Round)[0].Payload.(RoundEvent)
	assert.True(t, ev.Player1.Recharging)

	// both defend in round 2
	_, err = env.battles.ProcessRound(ctx, id, 2)
	require.NoError(t, err)
	state = env.state(t, id)
	assert.Equal(t, combat.MaxEnergy, state.Player1.DefenseEnergy)
	assert.Zero(t, state.Player1.StoredEnergy)
	assert.Zero(t, state.Player1.StoredDefenseEnergy)
}

func TestRequestRecharge_ClosedBattle(t *testing.T) {
	env := newTestEnv(t)
	id := env.createBattle(t, "p1", "p2")
	env.clock.Advance(env.cfg.MaxDuration + time.Second)
	_, err := env.battles.ProcessRound(context.Background(), id, 1)
	require.NoError(t, err)

	ok, err := env.battles.RequestRecharge(context.Background(), id, "p1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunRound_TransientFailureRetriesNextRound(t *testing.T) {
	env := newTestEnv(t)
	id := env.createBattle(t, "p1", "p2")
	env.dispatcher.failNext(1, eris.New("dial tcp: connection refused"))

	err := env.battles.RunRound(context.Background(), RoundJob{BattleID: id, RoundNumber: 1})
	require.NoError(t, err)

	assert.Equal(t, int64(1), env.roundCount(t, id, 1))
	job := env.dispatcher.last()
	assert.Equal(t, RoundJob{BattleID: id, RoundNumber: 2, RetryCount: 1}, job.Payload)
	assert.Equal(t, env.cfg.RetryBaseDelay, job.Delay)
	assert.Equal(t, models.BattleStatusOngoing, env.session(t, id).Status)
}

func TestRunRound_NonTransientFailureCancels(t *testing.T) {
	env := newTestEnv(t)
	id := env.createBattle(t, "p1", "p2")
	env.dispatcher.failNext(1, errQueueDown)

	err := env.battles.RunRound(context.Background(), RoundJob{BattleID: id, RoundNumber: 1})
	require.NoError(t, err)

	sess := env.session(t, id)
	assert.Equal(t, models.BattleStatusCancelled, sess.Status)
	require.NotNil(t, sess.EndReason)
	assert.Equal(t, models.EndReasonError, *sess.EndReason)
	assert.Nil(t, sess.WinnerID)

	completed := env.events.named(events.Completed)
	require.Len(t, completed, 1)
	res := completed[0].Payload.(*BattleResult)
	assert.Equal(t, models.BattleStatusCancelled, res.Status)
	assert.NotEmpty(t, res.Error)
}

func TestRunRound_CorruptStateCancels(t *testing.T) {
	env := newTestEnv(t)
	id := env.createBattle(t, "p1", "p2")
	require.NoError(t, env.db.Exec("UPDATE battle_states SET action_history = ? WHERE battle_id = ?", "{not json", id).Error)
	dispatched := len(env.dispatcher.rounds())

	require.NoError(t, env.battles.RunRound(context.Background(), RoundJob{BattleID: id, RoundNumber: 1}))

	sess := env.session(t, id)
	assert.Equal(t, models.BattleStatusCancelled, sess.Status)
	require.NotNil(t, sess.EndReason)
	assert.Equal(t, models.EndReasonError, *sess.EndReason)
	assert.Len(t, env.dispatcher.rounds(), dispatched, "no retry is scheduled")
	assert.Zero(t, env.roundCount(t, id, 0))
	require.Len(t, env.events.named(events.Completed), 1)
}

func TestRunRound_RetryCeilingCancels(t *testing.T) {
	env := newTestEnv(t)
	id := env.createBattle(t, "p1", "p2")
	env.dispatcher.failNext(1, eris.New("connection reset by peer"))

	job := RoundJob{BattleID: id, RoundNumber: 1, RetryCount: env.cfg.MaxRetries}
	require.NoError(t, env.battles.RunRound(context.Background(), job))

	assert.Equal(t, models.BattleStatusCancelled, env.session(t, id).Status)
}

func TestRunRound_InterruptedContextIsRedelivered(t *testing.T) {
	env := newTestEnv(t)
	id := env.createBattle(t, "p1", "p2")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := env.battles.RunRound(ctx, RoundJob{BattleID: id, RoundNumber: 1})
	require.Error(t, err)
	assert.Equal(t, models.BattleStatusPreparing, env.session(t, id).Status)
}

func TestHandleRoundJob_DropsMalformedPayload(t *testing.T) {
	env := newTestEnv(t)
	assert.NoError(t, env.battles.handleRoundJob(context.Background(), []byte("not json")))

	body, err := json.Marshal(RoundJob{BattleID: "", RoundNumber: 1})
	require.NoError(t, err)
	assert.NoError(t, env.battles.handleRoundJob(context.Background(), body))
}

func TestSweepStaleBattles_TimesOutLostBattles(t *testing.T) {
	env := newTestEnv(t)
	stale := env.createBattle(t, "p1", "p2")
	env.clock.Advance(env.cfg.MaxDuration)
	fresh := env.createBattle(t, "p3", "p4")
	env.clock.Advance(env.cfg.RoundInterval + time.Second)

	n, err := env.battles.SweepStaleBattles(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.BattleStatusCompleted, env.session(t, stale).Status)
	assert.Equal(t, models.BattleStatusPreparing, env.session(t, fresh).Status)
}
