package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"battle-system/combat"
	"battle-system/config"
	"battle-system/events"
	"battle-system/jobs"
	"battle-system/metrics"
	"battle-system/models"
)

const JobBattleRound = "battle.round"

var activeStatuses = []models.BattleStatus{models.BattleStatusPreparing, models.BattleStatusOngoing}

// RoundJob is the payload of a battle.round job.
type RoundJob struct {
	BattleID    string `json:"battle_id"`
	RoundNumber int    `json:"round_number"`
	RetryCount  int    `json:"retry_count"`
}

// BattleResult is the public view of a battle sent to clients and callers.
type BattleResult struct {
	BattleID           string              `json:"battle_id"`
	Player1ID          string              `json:"player1_id"`
	Player2ID          string              `json:"player2_id"`
	Player1CP          int                 `json:"player1_cp"`
	Player2CP          int                 `json:"player2_cp"`
	Status             models.BattleStatus `json:"status"`
	WinnerID           *string             `json:"winner_id"`
	LoserID            *string             `json:"loser_id"`
	EndReason          *models.EndReason   `json:"end_reason,omitempty"`
	Player1CPChange    int                 `json:"player1_cp_change"`
	Player2CPChange    int                 `json:"player2_cp_change"`
	FeeDiscountPercent int                 `json:"fee_discount_percent"`
	DiscountExpiresAt  *time.Time          `json:"discount_expires_at,omitempty"`
	StartsAt           *time.Time          `json:"starts_at,omitempty"`
	Error              string              `json:"error,omitempty"`
}

func resultFrom(sess models.BattleSession) *BattleResult {
	res := &BattleResult{
		BattleID:           sess.ID,
		Player1ID:          sess.Player1ID,
		Player2ID:          sess.Player2ID,
		Player1CP:          sess.Player1CP,
		Player2CP:          sess.Player2CP,
		Status:             sess.Status,
		WinnerID:           sess.WinnerID,
		EndReason:          sess.EndReason,
		Player1CPChange:    sess.Player1CPChange,
		Player2CPChange:    sess.Player2CPChange,
		FeeDiscountPercent: sess.FeeDiscountPercent,
		DiscountExpiresAt:  sess.DiscountExpiresAt,
	}
	if sess.WinnerID != nil {
		loser := sess.Player1ID
		if *sess.WinnerID == sess.Player1ID {
			loser = sess.Player2ID
		}
		res.LoserID = &loser
	}
	return res
}

// BattleDetail is a session together with its current state.
type BattleDetail struct {
	Session models.BattleSession `json:"session"`
	State   *models.BattleState  `json:"state,omitempty"`
}

type Stats struct {
	Ongoing          int64 `json:"ongoing"`
	Preparing        int64 `json:"preparing"`
	CompletedLast24h int64 `json:"completed_last_24h"`
	QueueSize        int64 `json:"queue_size"`
}

// BattleService owns battle sessions from creation to finalization and
// handles battle.round jobs.
type BattleService struct {
	DB         *gorm.DB
	Config     config.Battle
	Dispatcher jobs.Dispatcher
	Events     events.Broadcaster
	Rewards    RewardBridge
	Power      PowerSource
	Archiver   Archiver // optional
	Clock      clockwork.Clock
	Rolls      combat.Roller
}

// NewBattleService wires the service and registers its round handler on dispatcher.
func NewBattleService(
	db *gorm.DB,
	cfg config.Battle,
	dispatcher jobs.Dispatcher,
	broadcaster events.Broadcaster,
	rewards RewardBridge,
	power PowerSource,
) *BattleService {
	s := &BattleService{
		DB:         db,
		Config:     cfg,
		Dispatcher: dispatcher,
		Events:     broadcaster,
		Rewards:    rewards,
		Power:      power,
		Clock:      clockwork.NewRealClock(),
		Rolls:      combat.DefaultRoller,
	}
	dispatcher.Register(JobBattleRound, s.handleRoundJob)
	return s
}

func (s *BattleService) now() time.Time {
	return s.Clock.Now().UTC()
}

// CreateBattle snapshots both players' combat power, stores a preparing
// session with a fresh state and schedules round 1 after the countdown.
func (s *BattleService) CreateBattle(ctx context.Context, player1, player2 string) (*BattleResult, error) {
	if player1 == "" || player2 == "" || player1 == player2 {
		return nil, ErrInvalidOpponent
	}
	cp1, cp2, err := s.combatPowers(ctx, player1, player2)
	if err != nil {
		return nil, err
	}

	var sess *models.BattleSession
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		sess, err = s.createBattleTx(tx, player1, player2, cp1, cp2)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.startBattle(ctx, sess)
}

func (s *BattleService) combatPowers(ctx context.Context, player1, player2 string) (int, int, error) {
	cp1, err := s.Power.CombatPower(ctx, player1)
	if err != nil {
		return 0, 0, err
	}
	cp2, err := s.Power.CombatPower(ctx, player2)
	if err != nil {
		return 0, 0, err
	}
	return cp1, cp2, nil
}

func (s *BattleService) createBattleTx(tx *gorm.DB, player1, player2 string, cp1, cp2 int) (*models.BattleSession, error) {
	now := s.now()
	sess := &models.BattleSession{
		ID:            uuid.NewString(),
		Player1ID:     player1,
		Player2ID:     player2,
		Player1CP:     cp1,
		Player2CP:     cp2,
		Status:        models.BattleStatusPreparing,
		WinBaseReward: WinBaseGain,
		LossPenalty:   LossPenalty,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := tx.Create(sess).Error; err != nil {
		return nil, eris.Wrap(err, "failed to create battle session")
	}
	state := models.NewBattleState(sess.ID, now)
	if err := tx.Create(&state).Error; err != nil {
		return nil, eris.Wrap(err, "failed to create battle state")
	}
	return sess, nil
}

// startBattle runs after the session is committed. A battle whose first round
// cannot be scheduled is cancelled so it never sits in preparing forever.
func (s *BattleService) startBattle(ctx context.Context, sess *models.BattleSession) (*BattleResult, error) {
	job := RoundJob{BattleID: sess.ID, RoundNumber: 1}
	if err := s.Dispatcher.Dispatch(ctx, JobBattleRound, job, s.Config.CountdownDelay); err != nil {
		err = eris.Wrapf(err, "failed to schedule first round of battle %s", sess.ID)
		s.cancel(ctx, sess.ID, err)
		return nil, err
	}

	res := resultFrom(*sess)
	startsAt := sess.CreatedAt.Add(s.Config.CountdownDelay)
	res.StartsAt = &startsAt

	log.Info().
		Str("battle_id", sess.ID).
		Str("player1", sess.Player1ID).
		Str("player2", sess.Player2ID).
		Time("starts_at", startsAt).
		Msg("battle created")
	s.Events.Publish(ctx, events.Started, res, sess.Players()...)
	return res, nil
}

// finalize closes an active battle with reason and applies rewards. It is a
// no-op returning nil when the battle was already closed.
func (s *BattleService) finalize(ctx context.Context, battleID string, reason models.EndReason) (*BattleResult, error) {
	now := s.now()
	var (
		sess          models.BattleSession
		winner, loser string
	)
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var state models.BattleState
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("battle_id = ?", battleID).First(&state).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			state = models.NewBattleState(battleID, now)
		} else if err != nil {
			return eris.Wrap(err, "failed to read battle state for update")
		}
		if err := tx.Where("id = ?", battleID).First(&sess).Error; err != nil {
			return eris.Wrap(err, "failed to load battle")
		}
		if !sess.Status.Active() {
			return errAlreadyFinal
		}

		winner, loser = decideWinner(sess, state)
		updates := map[string]any{
			"status":       models.BattleStatusCompleted,
			"end_reason":   reason,
			"completed_at": now,
			"updated_at":   now,
			"winner_id":    nil,
		}
		if winner != "" {
			updates["winner_id"] = winner
		}
		if reason == models.EndReasonHP && winner != "" {
			active, err := s.hasActiveDiscount(tx, winner, now)
			if err != nil {
				return err
			}
			if !active {
				updates["fee_discount_percent"] = s.Config.DiscountPercent
				updates["discount_expires_at"] = now.Add(s.Config.DiscountDuration)
			}
		}

		res := tx.Model(&models.BattleSession{}).
			Where("id = ? AND status IN ?", battleID, activeStatuses).
			Updates(updates)
		if res.Error != nil {
			return eris.Wrap(res.Error, "failed to complete battle")
		}
		if res.RowsAffected == 0 {
			return errAlreadyFinal
		}
		return eris.Wrap(tx.Where("id = ?", battleID).First(&sess).Error, "failed to reload battle")
	})
	if errors.Is(err, errAlreadyFinal) {
		log.Debug().Str("battle_id", battleID).Msg("battle already finalized")
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "failed to finalize battle %s", battleID)
	}

	res := resultFrom(sess)
	s.settle(ctx, &sess, winner, loser, res)

	metrics.Incr(metrics.BattleFinalized, "reason:"+string(reason))
	evt := log.Info().Str("battle_id", battleID).Str("reason", string(reason))
	if winner != "" {
		evt = evt.Str("winner", winner)
	}
	evt.Msg("battle finalized")

	s.Events.Publish(ctx, events.Completed, res, sess.Players()...)
	s.archive(ctx, battleID)
	return res, nil
}

// decideWinner picks the player with strictly greater health. Equal health,
// including a double knockout, is a draw.
func decideWinner(sess models.BattleSession, state models.BattleState) (winner, loser string) {
	h1 := combat.ClampHealth(state.Player1.Health)
	h2 := combat.ClampHealth(state.Player2.Health)
	switch {
	case h1 > h2:
		return sess.Player1ID, sess.Player2ID
	case h2 > h1:
		return sess.Player2ID, sess.Player1ID
	default:
		return "", ""
	}
}

func (s *BattleService) hasActiveDiscount(tx *gorm.DB, userID string, now time.Time) (bool, error) {
	var count int64
	err := tx.Model(&models.BattleSession{}).
		Where("winner_id = ? AND fee_discount_percent > 0 AND discount_expires_at > ?", userID, now).
		Count(&count).Error
	if err != nil {
		return false, eris.Wrap(err, "failed to check active discount")
	}
	return count > 0, nil
}

// settle calls the reward bridge for both players and records the deltas.
// Reward failures are logged; the battle stays completed.
func (s *BattleService) settle(ctx context.Context, sess *models.BattleSession, winner, loser string, res *BattleResult) {
	if winner == "" {
		for _, p := range sess.Players() {
			if err := s.Rewards.RecordDraw(ctx, p); err != nil {
				log.Error().Err(err).Str("battle_id", sess.ID).Str("user_id", p).Msg("failed to record draw")
			}
		}
		return
	}

	loserCP := sess.Player1CP
	if loser == sess.Player2ID {
		loserCP = sess.Player2CP
	}

	var gained, lost int
	if win, err := s.Rewards.HandleBattleWin(ctx, winner, loserCP); err != nil {
		log.Error().Err(err).Str("battle_id", sess.ID).Str("user_id", winner).Msg("failed to apply win")
	} else {
		gained = win.CPGained
	}
	if loss, err := s.Rewards.HandleBattleLoss(ctx, loser); err != nil {
		log.Error().Err(err).Str("battle_id", sess.ID).Str("user_id", loser).Msg("failed to apply loss")
	} else {
		lost = loss.CPLost
	}

	p1Change, p2Change := gained, -lost
	if winner == sess.Player2ID {
		p1Change, p2Change = -lost, gained
	}
	err := s.DB.WithContext(ctx).Model(&models.BattleSession{}).
		Where("id = ?", sess.ID).
		Updates(map[string]any{"player1_cp_change": p1Change, "player2_cp_change": p2Change}).Error
	if err != nil {
		log.Error().Err(err).Str("battle_id", sess.ID).Msg("failed to record combat power changes")
	}
	sess.Player1CPChange, sess.Player2CPChange = p1Change, p2Change
	res.Player1CPChange, res.Player2CPChange = p1Change, p2Change
}

// cancel force-closes an active battle after an unrecoverable failure and
// tells both players.
func (s *BattleService) cancel(ctx context.Context, battleID string, cause error) {
	now := s.now()
	res := s.DB.WithContext(ctx).Model(&models.BattleSession{}).
		Where("id = ? AND status IN ?", battleID, activeStatuses).
		Updates(map[string]any{
			"status":       models.BattleStatusCancelled,
			"end_reason":   models.EndReasonError,
			"completed_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		log.Error().Err(res.Error).AnErr("cause", cause).Str("battle_id", battleID).Msg("failed to cancel battle")
		return
	}
	if res.RowsAffected == 0 {
		return
	}

	metrics.Incr(metrics.BattleCancelled)
	log.Error().Err(cause).Str("battle_id", battleID).Msg("battle cancelled")

	var sess models.BattleSession
	if err := s.DB.WithContext(ctx).Where("id = ?", battleID).First(&sess).Error; err != nil {
		log.Error().Err(err).Str("battle_id", battleID).Msg("failed to reload cancelled battle")
		return
	}
	out := resultFrom(sess)
	out.Error = "battle cancelled after an internal error"
	s.Events.Publish(ctx, events.Completed, out, sess.Players()...)
	s.archive(ctx, battleID)
}

// RequestRecharge banks a recharge for the caller's next unprocessed round.
// It returns false when the battle is not active or the caller is not in it.
func (s *BattleService) RequestRecharge(ctx context.Context, battleID, userID string) (bool, error) {
	ok := false
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var state models.BattleState
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("battle_id = ?", battleID).First(&state).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return eris.Wrap(err, "failed to read battle state for update")
		}
		var sess models.BattleSession
		if err := tx.Where("id = ?", battleID).First(&sess).Error; err != nil {
			return eris.Wrap(err, "failed to load battle")
		}
		if !sess.Status.Active() || !sess.HasPlayer(userID) {
			return nil
		}

		target := state.CurrentRound + 1
		ok = true
		if state.Recharging(userID, target) {
			return nil
		}
		state.ActionHistory = append(state.ActionHistory, models.ActionEntry{
			Round:    target,
			PlayerID: userID,
			Action:   combat.ActionRecharge,
			At:       s.now(),
		})
		state.UpdatedAt = s.now()
		return eris.Wrap(tx.Save(&state).Error, "failed to record recharge")
	})
	if err != nil {
		return false, err
	}
	if ok {
		log.Debug().Str("battle_id", battleID).Str("user_id", userID).Msg("recharge requested")
	}
	return ok, nil
}

// Get returns the session and state, or nil when the battle does not exist.
func (s *BattleService) Get(ctx context.Context, battleID string) (*BattleDetail, error) {
	var sess models.BattleSession
	err := s.DB.WithContext(ctx).Where("id = ?", battleID).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "failed to load battle")
	}

	detail := &BattleDetail{Session: sess}
	var state models.BattleState
	err = s.DB.WithContext(ctx).Where("battle_id = ?", battleID).First(&state).Error
	switch {
	case err == nil:
		detail.State = &state
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, eris.Wrap(err, "failed to load battle state")
	}
	return detail, nil
}

func (s *BattleService) Rounds(ctx context.Context, battleID string) ([]models.BattleRound, error) {
	var rounds []models.BattleRound
	err := s.DB.WithContext(ctx).
		Where("battle_id = ?", battleID).
		Order("round_number ASC").
		Find(&rounds).Error
	return rounds, eris.Wrap(err, "failed to load rounds")
}

func (s *BattleService) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	now := s.now()
	db := s.DB.WithContext(ctx)

	if err := db.Model(&models.BattleSession{}).Where("status = ?", models.BattleStatusOngoing).Count(&st.Ongoing).Error; err != nil {
		return Stats{}, eris.Wrap(err, "failed to count ongoing battles")
	}
	if err := db.Model(&models.BattleSession{}).Where("status = ?", models.BattleStatusPreparing).Count(&st.Preparing).Error; err != nil {
		return Stats{}, eris.Wrap(err, "failed to count preparing battles")
	}
	if err := db.Model(&models.BattleSession{}).
		Where("status = ? AND completed_at >= ?", models.BattleStatusCompleted, now.Add(-24*time.Hour)).
		Count(&st.CompletedLast24h).Error; err != nil {
		return Stats{}, eris.Wrap(err, "failed to count completed battles")
	}
	if err := db.Model(&models.QueueEntry{}).Where("expires_at > ?", now).Count(&st.QueueSize).Error; err != nil {
		return Stats{}, eris.Wrap(err, "failed to count queue")
	}
	return st, nil
}

// PublishStats broadcasts current stats to everyone.
func (s *BattleService) PublishStats(ctx context.Context) {
	st, err := s.Stats(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to collect battle stats")
		return
	}
	s.Events.Publish(ctx, events.Stats, st)
}

// SweepStaleBattles times out active battles that outlived the maximum
// duration by more than one round interval, which only happens when their
// round jobs were lost.
func (s *BattleService) SweepStaleBattles(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-(s.Config.MaxDuration + s.Config.RoundInterval))
	var ids []string
	err := s.DB.WithContext(ctx).Model(&models.BattleSession{}).
		Where("status IN ? AND created_at < ?", activeStatuses, cutoff).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, eris.Wrap(err, "failed to find stale battles")
	}

	closed := 0
	for _, id := range ids {
		res, err := s.finalize(ctx, id, models.EndReasonTimeout)
		if err != nil {
			log.Warn().Err(err).Str("battle_id", id).Msg("failed to time out stale battle")
			continue
		}
		if res != nil {
			closed++
		}
	}
	return closed, nil
}
