package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"battle-system/combat"
	"battle-system/events"
	"battle-system/metrics"
	"battle-system/models"
)

// RoundOutcome says what a single delivery of a round job did.
type RoundOutcome string

const (
	RoundSkipped   RoundOutcome = "skipped"
	RoundDuplicate RoundOutcome = "duplicate"
	RoundApplied   RoundOutcome = "applied"
	RoundFinalized RoundOutcome = "finalized"
	RoundTimedOut  RoundOutcome = "timed_out"
)

// RoundSide is one player's half of a round broadcast.
type RoundSide struct {
	PlayerID      string        `json:"player_id"`
	Action        combat.Action `json:"action"`
	Recharging    bool          `json:"recharging"`
	DamageTaken   int           `json:"damage_taken"`
	Critical      bool          `json:"critical"`
	Dodged        bool          `json:"dodged"`
	Health        int           `json:"health"`
	Energy        int           `json:"energy"`
	DefenseEnergy int           `json:"defense_energy"`
}

type RoundEvent struct {
	BattleID  string    `json:"battle_id"`
	Round     int       `json:"round"`
	Player1   RoundSide `json:"player1"`
	Player2   RoundSide `json:"player2"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *BattleService) handleRoundJob(ctx context.Context, payload []byte) error {
	var job RoundJob
	if err := json.Unmarshal(payload, &job); err != nil || job.BattleID == "" || job.RoundNumber < 1 {
		log.Error().Err(err).Bytes("payload", payload).Msg("dropping malformed round job")
		return nil
	}
	return s.RunRound(ctx, job)
}

// RunRound processes one delivery and owns its failure handling: transient
// failures are rescheduled with backoff, everything else cancels the battle.
// It only returns an error when ctx ended mid-round, so the dispatcher can
// redeliver the job later.
func (s *BattleService) RunRound(ctx context.Context, job RoundJob) (err error) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			s.handleRoundFailure(ctx, job, eris.Errorf("round panic: %v", p))
			err = nil
		}
	}()

	outcome, perr := s.ProcessRound(ctx, job.BattleID, job.RoundNumber)
	if perr == nil {
		metrics.Since(metrics.RoundDuration, start, "outcome:"+string(outcome))
		return nil
	}
	if ctx.Err() != nil {
		return eris.Wrap(ctx.Err(), "round interrupted")
	}
	s.handleRoundFailure(ctx, job, perr)
	return nil
}

func (s *BattleService) handleRoundFailure(ctx context.Context, job RoundJob, err error) {
	var cont *continuationError
	if errors.As(err, &cont) {
		job.RoundNumber = cont.next
	}
	logger := log.With().Str("battle_id", job.BattleID).Int("round", job.RoundNumber).Int("retry", job.RetryCount).Logger()

	if IsTransient(err) && job.RetryCount < s.Config.MaxRetries {
		delay := combat.RetryDelay(job.RetryCount, IsContention(err), s.Config.RetryBaseDelay, s.Config.RetryMaxDelay, s.Rolls)
		next := job
		next.RetryCount++
		derr := s.Dispatcher.Dispatch(ctx, JobBattleRound, next, delay)
		if derr == nil {
			metrics.Incr(metrics.RoundRetry)
			logger.Warn().Err(err).Dur("delay", delay).Msg("round failed, retrying")
			return
		}
		err = errors.Join(err, derr)
	}
	s.cancel(ctx, job.BattleID, err)
}

// ProcessRound advances battleID by one round. Stale deliveries (missing or
// closed battle, round already stored) are absorbed and return a nil error.
func (s *BattleService) ProcessRound(ctx context.Context, battleID string, round int) (RoundOutcome, error) {
	logger := log.With().Str("battle_id", battleID).Int("round", round).Logger()

	var sess models.BattleSession
	err := s.DB.WithContext(ctx).Where("id = ?", battleID).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		logger.Debug().Msg("battle not found, dropping round")
		return RoundSkipped, nil
	}
	if err != nil {
		return "", eris.Wrap(err, "failed to load battle")
	}
	switch {
	case sess.Status == models.BattleStatusCompleted:
		logger.Debug().Msg("battle already completed, dropping round")
		return RoundSkipped, nil
	case !sess.Status.Active():
		logger.Warn().Str("status", string(sess.Status)).Msg("round delivered for inactive battle")
		return RoundSkipped, nil
	}

	if s.now().Sub(sess.CreatedAt) > s.Config.MaxDuration {
		if _, err := s.finalize(ctx, battleID, models.EndReasonTimeout); err != nil {
			return "", err
		}
		return RoundTimedOut, nil
	}

	if err := s.ensureState(ctx, battleID); err != nil {
		return "", err
	}

	exists, err := roundExists(s.DB.WithContext(ctx), battleID, round)
	if err != nil {
		return "", err
	}
	if exists {
		metrics.Incr(metrics.RoundDuplicate)
		logger.Debug().Msg("round already processed")
		return RoundDuplicate, nil
	}

	var (
		applied  *models.BattleRound
		state    models.BattleState
		knockout bool
	)
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("battle_id = ?", battleID).First(&state).Error; err != nil {
			return eris.Wrap(err, "failed to read battle state for update")
		}
		var current models.BattleSession
		if err := tx.Where("id = ?", battleID).First(&current).Error; err != nil {
			return eris.Wrap(err, "failed to load battle")
		}
		if !current.Status.Active() {
			return errStaleRound
		}
		exists, err := roundExists(tx, battleID, round)
		if err != nil {
			return err
		}
		if exists {
			return errDuplicateRound
		}

		now := s.now()
		if current.Status == models.BattleStatusPreparing {
			err := tx.Model(&models.BattleSession{}).
				Where("id = ? AND status = ?", battleID, models.BattleStatusPreparing).
				Updates(map[string]any{"status": models.BattleStatusOngoing, "started_at": now, "updated_at": now}).Error
			if err != nil {
				return eris.Wrap(err, "failed to start battle")
			}
		}

		state.Player1.Health = combat.ClampHealth(state.Player1.Health)
		state.Player2.Health = combat.ClampHealth(state.Player2.Health)
		if state.Player1.Health <= 0 || state.Player2.Health <= 0 {
			knockout = true
			return nil
		}

		applied = s.resolveRound(&current, &state, round, now)
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(applied)
		if res.Error != nil {
			return eris.Wrap(res.Error, "failed to insert round")
		}
		if res.RowsAffected == 0 {
			return errDuplicateRound
		}
		return eris.Wrap(tx.Save(&state).Error, "failed to save battle state")
	})
	switch {
	case errors.Is(err, errDuplicateRound):
		metrics.Incr(metrics.RoundDuplicate)
		logger.Debug().Msg("round committed by a concurrent delivery")
		return RoundDuplicate, nil
	case errors.Is(err, errStaleRound):
		logger.Debug().Msg("battle closed before round ran")
		return RoundSkipped, nil
	case err != nil:
		return "", err
	}

	if knockout {
		if _, err := s.finalize(ctx, battleID, models.EndReasonHP); err != nil {
			return "", err
		}
		return RoundFinalized, nil
	}

	metrics.Incr(metrics.RoundProcessed)
	logger.Debug().Int("p1_health", applied.P1Health).Int("p2_health", applied.P2Health).Msg("round applied")
	s.Events.Publish(ctx, events.Round, roundEvent(&sess, applied, &state), sess.Players()...)

	if applied.P1Health <= 0 || applied.P2Health <= 0 {
		if _, err := s.finalize(ctx, battleID, models.EndReasonHP); err != nil {
			return RoundApplied, &continuationError{next: round + 1, err: err}
		}
		return RoundFinalized, nil
	}

	next := RoundJob{BattleID: battleID, RoundNumber: round + 1}
	if err := s.Dispatcher.Dispatch(ctx, JobBattleRound, next, s.Config.RoundInterval); err != nil {
		return RoundApplied, &continuationError{next: round + 1, err: eris.Wrap(err, "failed to schedule next round")}
	}
	return RoundApplied, nil
}

// ensureState recreates a missing state row. A concurrent bootstrap wins
// silently through the primary key conflict.
func (s *BattleService) ensureState(ctx context.Context, battleID string) error {
	var count int64
	if err := s.DB.WithContext(ctx).Model(&models.BattleState{}).Where("battle_id = ?", battleID).Count(&count).Error; err != nil {
		return eris.Wrap(err, "failed to check battle state")
	}
	if count > 0 {
		return nil
	}
	log.Warn().Str("battle_id", battleID).Msg("battle state missing, bootstrapping")
	state := models.NewBattleState(battleID, s.now())
	err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&state).Error
	return eris.Wrap(err, "failed to bootstrap battle state")
}

func roundExists(db *gorm.DB, battleID string, round int) (bool, error) {
	var count int64
	err := db.Model(&models.BattleRound{}).
		Where("battle_id = ? AND round_number = ?", battleID, round).
		Count(&count).Error
	if err != nil {
		return false, eris.Wrap(err, "failed to check round fence")
	}
	return count > 0, nil
}

// resolveRound mutates state with the outcome of round and returns the row to
// insert. Both actions are drawn before either is resolved.
func (s *BattleService) resolveRound(sess *models.BattleSession, state *models.BattleState, round int, now time.Time) *models.BattleRound {
	carryForward(&state.Player1)
	carryForward(&state.Player2)

	c1 := s.combatant(sess.Player1CP, state.Player1, state.Recharging(sess.Player1ID, round))
	c2 := s.combatant(sess.Player2CP, state.Player2, state.Recharging(sess.Player2ID, round))
	s1, s2 := combat.Resolve(c1, c2, s.Rolls)

	applyStrike(&state.Player1, c1, s1)
	applyStrike(&state.Player2, c2, s2)

	row := &models.BattleRound{
		ID:          uuid.NewString(),
		BattleID:    sess.ID,
		RoundNumber: round,
		P1Action:    c1.Action,
		P2Action:    c2.Action,
		P1Damage:    s1.DamageTaken,
		P2Damage:    s2.DamageTaken,
		P1Critical:  s1.Critical,
		P2Critical:  s2.Critical,
		P1Dodged:    s1.Dodged,
		P2Dodged:    s2.Dodged,
		P1Health:    state.Player1.Health,
		P2Health:    state.Player2.Health,
		P1Energy:    state.Player1.Energy,
		P2Energy:    state.Player2.Energy,
		P1Attacks:   state.Player1.Attacks,
		P1Defends:   state.Player1.Defends,
		P2Attacks:   state.Player2.Attacks,
		P2Defends:   state.Player2.Defends,
		CreatedAt:   now,
	}

	state.CurrentRound = round
	state.UpdatedAt = now
	state.RoundHistory = append(state.RoundHistory, models.RoundSummary{
		Round:     round,
		P1Action:  c1.Action,
		P2Action:  c2.Action,
		P1Damage:  s1.DamageTaken,
		P2Damage:  s2.DamageTaken,
		P1Health:  state.Player1.Health,
		P2Health:  state.Player2.Health,
		P1Crit:    s1.Critical,
		P2Crit:    s2.Critical,
		P1Dodged:  s1.Dodged,
		P2Dodged:  s2.Dodged,
		Timestamp: now,
	})
	state.BattleLog = append(state.BattleLog,
		models.LogEntry{Round: round, Message: describe(sess.Player1ID, c1, s1, s2, sess.Player2ID), At: now},
		models.LogEntry{Round: round, Message: describe(sess.Player2ID, c2, s2, s1, sess.Player1ID), At: now},
	)
	return row
}

func (s *BattleService) combatant(cp int, p models.PlayerState, recharging bool) combat.Combatant {
	c := combat.Combatant{
		CombatPower:   cp,
		Energy:        p.Energy,
		DefenseEnergy: p.DefenseEnergy,
		Recharging:    recharging,
	}
	if recharging {
		c.Action = combat.ActionDefend
	} else {
		c.Action = combat.ChooseAction(s.Rolls)
	}
	return c
}

// carryForward moves energy banked by last round's recharge into play.
func carryForward(p *models.PlayerState) {
	if p.StoredEnergy == 0 && p.StoredDefenseEnergy == 0 {
		return
	}
	p.Energy = combat.ClampEnergy(p.Energy + p.StoredEnergy)
	p.DefenseEnergy = combat.ClampEnergy(p.DefenseEnergy + p.StoredDefenseEnergy)
	p.StoredEnergy = 0
	p.StoredDefenseEnergy = 0
}

func applyStrike(p *models.PlayerState, c combat.Combatant, st combat.Strike) {
	p.Health = combat.ClampHealth(p.Health - st.DamageTaken)
	p.Energy = combat.ClampEnergy(p.Energy - st.EnergyUsed)
	p.DefenseEnergy = combat.ClampEnergy(p.DefenseEnergy - st.DefenseEnergyUsed)
	if c.Action == combat.ActionAttack {
		p.Attacks++
	} else {
		p.Defends++
	}
	if c.Recharging {
		p.StoredEnergy = combat.RechargeEnergy
		p.StoredDefenseEnergy = combat.RechargeEnergy
	}
}

// describe renders one player's action for the battle log. Critical flags
// sit on the attacker's strike, damage and dodges on the target's.
func describe(playerID string, c combat.Combatant, own, target combat.Strike, opponentID string) string {
	switch {
	case c.Recharging:
		return fmt.Sprintf("%s recharges", playerID)
	case c.Action == combat.ActionDefend:
		return fmt.Sprintf("%s defends", playerID)
	case target.Dodged:
		return fmt.Sprintf("%s attacks, %s dodges", playerID, opponentID)
	case own.Critical:
		return fmt.Sprintf("%s lands a critical hit on %s for %d", playerID, opponentID, target.DamageTaken)
	default:
		return fmt.Sprintf("%s hits %s for %d", playerID, opponentID, target.DamageTaken)
	}
}

func roundEvent(sess *models.BattleSession, row *models.BattleRound, state *models.BattleState) RoundEvent {
	return RoundEvent{
		BattleID: sess.ID,
		Round:    row.RoundNumber,
		Player1: RoundSide{
			PlayerID:      sess.Player1ID,
			Action:        row.P1Action,
			Recharging:    state.Recharging(sess.Player1ID, row.RoundNumber),
			DamageTaken:   row.P1Damage,
			Critical:      row.P1Critical,
			Dodged:        row.P1Dodged,
			Health:        state.Player1.Health,
			Energy:        state.Player1.Energy,
			DefenseEnergy: state.Player1.DefenseEnergy,
		},
		Player2: RoundSide{
			PlayerID:      sess.Player2ID,
			Action:        row.P2Action,
			Recharging:    state.Recharging(sess.Player2ID, row.RoundNumber),
			DamageTaken:   row.P2Damage,
			Critical:      row.P2Critical,
			Dodged:        row.P2Dodged,
			Health:        state.Player2.Health,
			Energy:        state.Player2.Energy,
			DefenseEnergy: state.Player2.DefenseEnergy,
		},
		Timestamp: row.CreatedAt,
	}
}
