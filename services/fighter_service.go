package services

import (
	"context"
	"errors"
	"math"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"battle-system/models"
)

const (
	DefaultCombatPower = 100
	MinCombatPower     = 1

	WinBaseGain        = 10
	WinOpponentDivisor = 20
	LossPenalty        = 5

	WinXP  = 50
	LossXP = 10
)

// BaseXPPerLevel: XP needed for *next* level (e.g., level 1 → 2 needs BaseXPPerLevel * 1^1.2)
const BaseXPPerLevel = 100

// xpForNextLevel returns XP required to reach level+1 from current level
func xpForNextLevel(currentLevel int) int64 {
	if currentLevel < 1 {
		currentLevel = 1
	}
	// L_n = floor(BaseXPPerLevel * n^1.2)
	return int64(float64(BaseXPPerLevel) * math.Pow(float64(currentLevel), 1.2))
}

type WinResult struct {
	CPGained int `json:"cp_gained"`
	NewCP    int `json:"new_cp"`
}

type LossResult struct {
	CPLost int `json:"cp_lost"`
	NewCP  int `json:"new_cp"`
}

// RewardBridge applies battle outcomes to a player's ledger.
type RewardBridge interface {
	HandleBattleWin(ctx context.Context, userID string, opponentCP int) (WinResult, error)
	HandleBattleLoss(ctx context.Context, userID string) (LossResult, error)
	RecordDraw(ctx context.Context, userID string) error
}

// PowerSource reports a player's current combat power.
type PowerSource interface {
	CombatPower(ctx context.Context, userID string) (int, error)
}

// FighterService is the default RewardBridge and PowerSource, backed by
// FighterProfile rows.
type FighterService struct {
	DB    *gorm.DB
	clock clockwork.Clock
}

func NewFighterService(db *gorm.DB, clock clockwork.Clock) *FighterService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &FighterService{DB: db, clock: clock}
}

// EnsureProfile ensures a FighterProfile row exists (idempotent)
func (s *FighterService) EnsureProfile(ctx context.Context, userID string) (*models.FighterProfile, error) {
	if userID == "" {
		return nil, eris.New("user id is required")
	}
	prof := models.FighterProfile{
		ID:             uuid.NewString(),
		ExternalUserID: userID,
		CombatPower:    DefaultCombatPower,
		Level:          1,
	}
	if err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&prof).Error; err != nil {
		return nil, eris.Wrapf(err, "failed to create fighter profile for %s", userID)
	}
	return s.Profile(ctx, userID)
}

func (s *FighterService) Profile(ctx context.Context, userID string) (*models.FighterProfile, error) {
	var prof models.FighterProfile
	err := s.DB.WithContext(ctx).Where("external_user_id = ?", userID).First(&prof).Error
	if err != nil {
		return nil, eris.Wrapf(err, "failed to load fighter profile for %s", userID)
	}
	return &prof, nil
}

func (s *FighterService) CombatPower(ctx context.Context, userID string) (int, error) {
	var prof models.FighterProfile
	err := s.DB.WithContext(ctx).Select("combat_power").Where("external_user_id = ?", userID).First(&prof).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		created, err := s.EnsureProfile(ctx, userID)
		if err != nil {
			return 0, err
		}
		return created.CombatPower, nil
	}
	if err != nil {
		return 0, eris.Wrapf(err, "failed to read combat power for %s", userID)
	}
	return prof.CombatPower, nil
}

func (s *FighterService) HandleBattleWin(ctx context.Context, userID string, opponentCP int) (WinResult, error) {
	var res WinResult
	err := s.update(ctx, userID, func(prof *models.FighterProfile) {
		gain := WinBaseGain + max(opponentCP, 0)/WinOpponentDivisor
		prof.CombatPower += gain
		prof.Wins++
		s.awardXP(prof, WinXP)
		res = WinResult{CPGained: gain, NewCP: prof.CombatPower}
	})
	if err != nil {
		return WinResult{}, err
	}
	log.Info().Str("user_id", userID).Int("cp_gained", res.CPGained).Int("cp", res.NewCP).Msg("battle win applied")
	return res, nil
}

func (s *FighterService) HandleBattleLoss(ctx context.Context, userID string) (LossResult, error) {
	var res LossResult
	err := s.update(ctx, userID, func(prof *models.FighterProfile) {
		next := max(prof.CombatPower-LossPenalty, MinCombatPower)
		lost := prof.CombatPower - next
		prof.CombatPower = next
		prof.Losses++
		s.awardXP(prof, LossXP)
		res = LossResult{CPLost: lost, NewCP: next}
	})
	if err != nil {
		return LossResult{}, err
	}
	log.Info().Str("user_id", userID).Int("cp_lost", res.CPLost).Int("cp", res.NewCP).Msg("battle loss applied")
	return res, nil
}

func (s *FighterService) RecordDraw(ctx context.Context, userID string) error {
	return s.update(ctx, userID, func(prof *models.FighterProfile) {
		prof.Draws++
	})
}

// update locks the profile row, applies fn and saves it in one transaction.
func (s *FighterService) update(ctx context.Context, userID string, fn func(*models.FighterProfile)) error {
	if _, err := s.EnsureProfile(ctx, userID); err != nil {
		return err
	}
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prof models.FighterProfile
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("external_user_id = ?", userID).
			First(&prof).Error; err != nil {
			return eris.Wrapf(err, "progress record not found for %s", userID)
		}
		fn(&prof)
		return eris.Wrap(tx.Save(&prof).Error, "failed to save fighter profile")
	})
}

// awardXP adds xp and levels up until the next threshold is out of reach.
func (s *FighterService) awardXP(prof *models.FighterProfile, xp int64) {
	prof.TotalXP += xp
	for prof.TotalXP >= int64(BaseXPPerLevel)*int64(prof.Level)+xpForNextLevel(prof.Level) {
		prof.Level++
		now := s.clock.Now().UTC()
		prof.LastLevelUpAt = &now
	}
}
