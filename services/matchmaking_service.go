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

	"battle-system/config"
	"battle-system/events"
	"battle-system/metrics"
	"battle-system/models"
)

// MatchResult is returned by FindMatch. Matched is false when the caller was
// queued instead.
type MatchResult struct {
	Matched      bool          `json:"matched"`
	OpponentID   string        `json:"opponent_id,omitempty"`
	InvitationID string        `json:"invitation_id,omitempty"`
	AutoAccepted bool          `json:"auto_accepted,omitempty"`
	Battle       *BattleResult `json:"battle,omitempty"`
	Queue        *QueueStatus  `json:"queue,omitempty"`
}

type QueueStatus struct {
	InQueue       bool          `json:"in_queue"`
	Position      int64         `json:"position"`
	QueueSize     int64         `json:"queue_size"`
	EstimatedWait time.Duration `json:"estimated_wait"`
}

// MatchmakingService keeps the waiting queue and turns compatible pairs into
// invitations.
type MatchmakingService struct {
	DB          *gorm.DB
	Config      config.Battle
	Battles     *BattleService
	Invitations *InvitationService
	Events      events.Broadcaster
	Clock       clockwork.Clock
}

func NewMatchmakingService(db *gorm.DB, cfg config.Battle, battles *BattleService, invitations *InvitationService, broadcaster events.Broadcaster) *MatchmakingService {
	return &MatchmakingService{
		DB:          db,
		Config:      cfg,
		Battles:     battles,
		Invitations: invitations,
		Events:      broadcaster,
		Clock:       clockwork.NewRealClock(),
	}
}

func (s *MatchmakingService) now() time.Time {
	return s.Clock.Now().UTC()
}

// FindMatch pairs userID with the longest-waiting mutually compatible entry
// and invites it, or queues userID when nobody fits. A cp of zero or less is
// looked up from the fighter ledger; a negative matchRange uses the default.
func (s *MatchmakingService) FindMatch(ctx context.Context, userID string, cp, matchRange int, sessionID string) (*MatchResult, error) {
	if userID == "" {
		return nil, ErrInvalidOpponent
	}
	if matchRange < 0 {
		matchRange = s.Config.DefaultMatchRange
	}

	res, err := s.findMatch(ctx, userID, cp, matchRange, sessionID)
	if err != nil {
		if rmErr := s.RemoveFromQueue(ctx, userID); rmErr != nil {
			log.Warn().Err(rmErr).Str("user_id", userID).Msg("failed to drop queue entry after matchmaking error")
		}
		return nil, err
	}

	if res.Queue != nil {
		s.Events.Publish(ctx, events.QueueStatus, res.Queue, userID)
	}
	s.Battles.PublishStats(ctx)
	return res, nil
}

func (s *MatchmakingService) findMatch(ctx context.Context, userID string, cp, matchRange int, sessionID string) (*MatchResult, error) {
	if cp <= 0 {
		var err error
		if cp, err = s.Battles.Power.CombatPower(ctx, userID); err != nil {
			return nil, err
		}
	}
	if _, err := s.SweepExpired(ctx); err != nil {
		return nil, err
	}

	me := models.QueueEntry{UserID: userID, CombatPower: cp, MatchRange: matchRange}
	var candidates []models.QueueEntry
	err := s.DB.WithContext(ctx).
		Where("user_id <> ? AND expires_at > ? AND combat_power BETWEEN ? AND ?",
			userID, s.now(), cp-matchRange, cp+matchRange).
		Order("enqueued_at ASC").
		Find(&candidates).Error
	if err != nil {
		return nil, eris.Wrap(err, "failed to search queue")
	}

	for _, cand := range candidates {
		if !cand.Accepts(cp) || !me.Accepts(cand.CombatPower) {
			continue
		}
		rejected, err := s.Invitations.IsRejected(ctx, userID, cand.UserID)
		if err != nil {
			return nil, err
		}
		if rejected {
			continue
		}

		claimed, err := s.claim(ctx, cand.ID)
		if err != nil {
			return nil, err
		}
		if !claimed {
			continue
		}
		if err := s.RemoveFromQueue(ctx, userID); err != nil {
			return nil, err
		}

		inv, err := s.Invitations.SendInvitation(ctx, userID, cand.UserID, cp, cand.CombatPower)
		if err != nil || inv == nil {
			log.Warn().Err(err).Str("user_id", userID).Str("opponent", cand.UserID).
				Msg("invitation after match failed, queueing instead")
			s.requeue(ctx, cand)
			break
		}

		metrics.Incr(metrics.MatchFound)
		log.Info().Str("user_id", userID).Str("opponent", cand.UserID).Str("invitation_id", inv.InvitationID).Msg("match found")
		return &MatchResult{
			Matched:      true,
			OpponentID:   cand.UserID,
			InvitationID: inv.InvitationID,
			AutoAccepted: inv.AutoAccepted,
			Battle:       inv.Battle,
		}, nil
	}

	if err := s.enqueue(ctx, userID, cp, matchRange, sessionID); err != nil {
		return nil, err
	}
	status, err := s.QueueStatus(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &MatchResult{Queue: status}, nil
}

// claim deletes a candidate entry; only the caller whose delete removed the
// row owns the match.
func (s *MatchmakingService) claim(ctx context.Context, entryID string) (bool, error) {
	res := s.DB.WithContext(ctx).Where("id = ?", entryID).Delete(&models.QueueEntry{})
	if res.Error != nil {
		return false, eris.Wrap(res.Error, "failed to claim queue entry")
	}
	return res.RowsAffected == 1, nil
}

// requeue puts back a claimed entry whose invitation could not be sent, keeping its place.
func (s *MatchmakingService) requeue(ctx context.Context, entry models.QueueEntry) {
	err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&entry).Error
	if err != nil {
		log.Warn().Err(err).Str("user_id", entry.UserID).Msg("failed to requeue claimed entry")
	}
}

func (s *MatchmakingService) enqueue(ctx context.Context, userID string, cp, matchRange int, sessionID string) error {
	now := s.now()
	entry := models.QueueEntry{
		ID:          uuid.NewString(),
		UserID:      userID,
		CombatPower: cp,
		MatchRange:  matchRange,
		SessionID:   sessionID,
		EnqueuedAt:  now,
		ExpiresAt:   now.Add(s.Config.QueueEntryTTL),
	}
	err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"combat_power", "match_range", "session_id", "expires_at"}),
	}).Create(&entry).Error
	if err != nil {
		return eris.Wrap(err, "failed to join queue")
	}
	log.Debug().Str("user_id", userID).Int("combat_power", cp).Int("match_range", matchRange).Msg("queued for matchmaking")
	return nil
}

// RemoveFromQueue is idempotent.
func (s *MatchmakingService) RemoveFromQueue(ctx context.Context, userID string) error {
	err := s.DB.WithContext(ctx).Where("user_id = ?", userID).Delete(&models.QueueEntry{}).Error
	return eris.Wrap(err, "failed to leave queue")
}

// QueueStatus reports the caller's position among live entries, oldest first.
func (s *MatchmakingService) QueueStatus(ctx context.Context, userID string) (*QueueStatus, error) {
	now := s.now()
	db := s.DB.WithContext(ctx)
	status := &QueueStatus{}

	if err := db.Model(&models.QueueEntry{}).Where("expires_at > ?", now).Count(&status.QueueSize).Error; err != nil {
		return nil, eris.Wrap(err, "failed to count queue")
	}

	var entry models.QueueEntry
	err := db.Where("user_id = ? AND expires_at > ?", userID, now).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return status, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "failed to load queue entry")
	}

	var ahead int64
	err = db.Model(&models.QueueEntry{}).
		Where("expires_at > ? AND enqueued_at < ?", now, entry.EnqueuedAt).
		Count(&ahead).Error
	if err != nil {
		return nil, eris.Wrap(err, "failed to compute queue position")
	}
	status.InQueue = true
	status.Position = ahead + 1
	status.EstimatedWait = time.Duration(status.Position*int64(s.Config.AvgMatchSeconds)) * time.Second
	return status, nil
}

// SweepExpired deletes queue entries past their expiry.
func (s *MatchmakingService) SweepExpired(ctx context.Context) (int64, error) {
	res := s.DB.WithContext(ctx).Where("expires_at <= ?", s.now()).Delete(&models.QueueEntry{})
	if res.Error != nil {
		return 0, eris.Wrap(res.Error, "failed to sweep queue")
	}
	if res.RowsAffected > 0 {
		log.Debug().Int64("removed", res.RowsAffected).Msg("expired queue entries removed")
	}
	return res.RowsAffected, nil
}
