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

// InviteResult is the outcome of SendInvitation. When the other side had
// already invited the caller, their invitation is accepted on the spot and
// Battle is set.
type InviteResult struct {
	InvitationID string        `json:"invitation_id"`
	AutoAccepted bool          `json:"auto_accepted"`
	Battle       *BattleResult `json:"battle,omitempty"`
}

type InvitationResponse struct {
	InvitationID string  `json:"invitation_id"`
	FromUserID   string  `json:"from_user_id"`
	ToUserID     string  `json:"to_user_id"`
	Accepted     bool    `json:"accepted"`
	BattleID     *string `json:"battle_id,omitempty"`
}

// InvitationService runs the pending → accepted/rejected/expired handshake
// between two users. At most one pending invitation exists per pair; when
// both sides invite each other the earlier invitation wins and is accepted.
type InvitationService struct {
	DB      *gorm.DB
	Config  config.Battle
	Battles *BattleService
	Events  events.Broadcaster
	Clock   clockwork.Clock
}

func NewInvitationService(db *gorm.DB, cfg config.Battle, battles *BattleService, broadcaster events.Broadcaster) *InvitationService {
	return &InvitationService{
		DB:      db,
		Config:  cfg,
		Battles: battles,
		Events:  broadcaster,
		Clock:   clockwork.NewRealClock(),
	}
}

func (s *InvitationService) now() time.Time {
	return s.Clock.Now().UTC()
}

// SendInvitation invites to on behalf of from. It returns nil when to has
// rejected from during the current session window.
func (s *InvitationService) SendInvitation(ctx context.Context, from, to string, fromCP, toCP int) (*InviteResult, error) {
	if from == "" || to == "" {
		return nil, ErrInvalidOpponent
	}
	if from == to {
		return nil, ErrSelfInvitation
	}
	pair := models.PairKey(from, to)
	db := s.DB.WithContext(ctx)

	err := db.Where("pair_key = ? AND status = ? AND expires_at <= ?", pair, models.InvitationPending, s.now()).
		Delete(&models.BattleInvitation{}).Error
	if err != nil {
		return nil, eris.Wrap(err, "failed to clear expired invitations")
	}

	if live, err := s.livePending(ctx, pair); err != nil {
		return nil, err
	} else if live != nil {
		return s.resolveExisting(ctx, live, from)
	}

	rejected, err := s.IsRejected(ctx, from, to)
	if err != nil {
		return nil, err
	}
	if rejected {
		log.Debug().Str("from", from).Str("to", to).Msg("invitation suppressed by session rejection")
		return nil, nil
	}

	now := s.now()
	inv := models.BattleInvitation{
		ID:         uuid.NewString(),
		FromUserID: from,
		ToUserID:   to,
		PairKey:    pair,
		FromCP:     fromCP,
		ToCP:       toCP,
		Status:     models.InvitationPending,
		ExpiresAt:  now.Add(s.Config.InvitationTTL),
		CreatedAt:  now,
	}
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&inv)
	if res.Error != nil {
		return nil, eris.Wrap(res.Error, "failed to create invitation")
	}
	if res.RowsAffected == 0 {
		// Lost the insert race to a concurrent invitation for the same pair.
		live, err := s.livePending(ctx, pair)
		if err != nil {
			return nil, err
		}
		if live == nil {
			return nil, eris.Errorf("invitation between %s and %s conflicted but none is pending", from, to)
		}
		return s.resolveExisting(ctx, live, from)
	}

	metrics.Incr(metrics.InviteSent)
	log.Info().Str("invitation_id", inv.ID).Str("from", from).Str("to", to).Msg("invitation sent")
	s.Events.Publish(ctx, events.Invitation, inv, to)
	return &InviteResult{InvitationID: inv.ID}, nil
}

// resolveExisting applies the tie-break for a live pending invitation: the
// caller's own invitation is returned as is, the other side's is accepted.
func (s *InvitationService) resolveExisting(ctx context.Context, live *models.BattleInvitation, caller string) (*InviteResult, error) {
	if live.FromUserID == caller {
		return &InviteResult{InvitationID: live.ID}, nil
	}
	battle, err := s.AcceptInvitation(ctx, live.ID, caller)
	if err != nil {
		return nil, err
	}
	if battle == nil {
		return nil, eris.Errorf("invitation %s could not be auto-accepted", live.ID)
	}
	log.Info().Str("invitation_id", live.ID).Str("user_id", caller).Msg("crossing invitations, accepted the earlier one")
	return &InviteResult{InvitationID: live.ID, AutoAccepted: true, Battle: battle}, nil
}

func (s *InvitationService) livePending(ctx context.Context, pair string) (*models.BattleInvitation, error) {
	var inv models.BattleInvitation
	err := s.DB.WithContext(ctx).
		Where("pair_key = ? AND status = ? AND expires_at > ?", pair, models.InvitationPending, s.now()).
		Order("created_at ASC").
		First(&inv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "failed to look up pending invitation")
	}
	return &inv, nil
}

// AcceptInvitation accepts a pending, unexpired invitation addressed to
// responder and creates the battle. It returns nil when the invitation is not
// acceptable by responder any more.
func (s *InvitationService) AcceptInvitation(ctx context.Context, id, responder string) (*BattleResult, error) {
	var inv models.BattleInvitation
	err := s.DB.WithContext(ctx).Where("id = ?", id).First(&inv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "failed to load invitation")
	}
	if inv.Status != models.InvitationPending || inv.ToUserID != responder || !inv.ExpiresAt.After(s.now()) {
		return nil, nil
	}

	cp1, cp2, err := s.Battles.combatPowers(ctx, inv.FromUserID, inv.ToUserID)
	if err != nil {
		return nil, err
	}

	var sess *models.BattleSession
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		err := tx.Where("pair_key = ? AND status = ?", inv.PairKey, models.InvitationAccepted).
			Delete(&models.BattleInvitation{}).Error
		if err != nil {
			return eris.Wrap(err, "failed to clear accepted invitations")
		}

		res := tx.Model(&models.BattleInvitation{}).
			Where("id = ? AND status = ? AND to_user_id = ? AND expires_at > ?", id, models.InvitationPending, responder, now).
			Updates(map[string]any{"status": models.InvitationAccepted, "responded_at": now})
		if res.Error != nil {
			return eris.Wrap(res.Error, "failed to accept invitation")
		}
		if res.RowsAffected == 0 {
			return errInvitationGone
		}

		sess, err = s.Battles.createBattleTx(tx, inv.FromUserID, inv.ToUserID, cp1, cp2)
		if err != nil {
			return err
		}
		return eris.Wrap(tx.Model(&models.BattleInvitation{}).Where("id = ?", id).Update("battle_id", sess.ID).Error,
			"failed to link invitation to battle")
	})
	if errors.Is(err, errInvitationGone) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	metrics.Incr(metrics.InviteAccepted)
	log.Info().Str("invitation_id", id).Str("battle_id", sess.ID).Msg("invitation accepted")
	s.Events.Publish(ctx, events.InvitationResponse, InvitationResponse{
		InvitationID: id,
		FromUserID:   inv.FromUserID,
		ToUserID:     inv.ToUserID,
		Accepted:     true,
		BattleID:     &sess.ID,
	}, inv.FromUserID)

	return s.Battles.startBattle(ctx, sess)
}

// RejectInvitation declines a pending invitation addressed to responder and
// suppresses prompts from the inviter for the rest of sessionID. It returns
// false when the invitation is not pending for responder or has expired.
func (s *InvitationService) RejectInvitation(ctx context.Context, id, responder, sessionID string) (bool, error) {
	var inv models.BattleInvitation
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		if err := tx.Where("id = ?", id).First(&inv).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errInvitationGone
			}
			return eris.Wrap(err, "failed to load invitation")
		}
		res := tx.Model(&models.BattleInvitation{}).
			Where("id = ? AND status = ? AND to_user_id = ? AND expires_at > ?", id, models.InvitationPending, responder, now).
			Updates(map[string]any{"status": models.InvitationRejected, "responded_at": now})
		if res.Error != nil {
			return eris.Wrap(res.Error, "failed to reject invitation")
		}
		if res.RowsAffected == 0 {
			return errInvitationGone
		}
		rejection := models.SessionRejection{
			ID:             uuid.NewString(),
			UserID:         responder,
			RejectedUserID: inv.FromUserID,
			SessionID:      sessionID,
			ExpiresAt:      now.Add(s.Config.RejectionTTL),
			CreatedAt:      now,
		}
		return eris.Wrap(tx.Create(&rejection).Error, "failed to record rejection")
	})
	if errors.Is(err, errInvitationGone) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	metrics.Incr(metrics.InviteRejected)
	log.Info().Str("invitation_id", id).Str("user_id", responder).Msg("invitation rejected")
	s.Events.Publish(ctx, events.InvitationResponse, InvitationResponse{
		InvitationID: id,
		FromUserID:   inv.FromUserID,
		ToUserID:     inv.ToUserID,
	}, inv.FromUserID)
	return true, nil
}

// PendingInvitations lists live invitations addressed to userID, oldest first.
func (s *InvitationService) PendingInvitations(ctx context.Context, userID string) ([]models.BattleInvitation, error) {
	var invs []models.BattleInvitation
	err := s.DB.WithContext(ctx).
		Where("to_user_id = ? AND status = ? AND expires_at > ?", userID, models.InvitationPending, s.now()).
		Order("created_at ASC").
		Find(&invs).Error
	return invs, eris.Wrap(err, "failed to list pending invitations")
}

// IsRejected reports whether either user rejected the other within the
// rejection window.
func (s *InvitationService) IsRejected(ctx context.Context, a, b string) (bool, error) {
	var count int64
	err := s.DB.WithContext(ctx).Model(&models.SessionRejection{}).
		Where("((user_id = ? AND rejected_user_id = ?) OR (user_id = ? AND rejected_user_id = ?)) AND expires_at > ?",
			a, b, b, a, s.now()).
		Count(&count).Error
	if err != nil {
		return false, eris.Wrap(err, "failed to check session rejections")
	}
	return count > 0, nil
}

// ExpireStale marks pending invitations past their TTL as expired.
func (s *InvitationService) ExpireStale(ctx context.Context) (int64, error) {
	res := s.DB.WithContext(ctx).Model(&models.BattleInvitation{}).
		Where("status = ? AND expires_at <= ?", models.InvitationPending, s.now()).
		Update("status", models.InvitationExpired)
	if res.Error != nil {
		return 0, eris.Wrap(res.Error, "failed to expire invitations")
	}
	if res.RowsAffected > 0 {
		metrics.Count(metrics.InviteExpired, res.RowsAffected)
	}
	return res.RowsAffected, nil
}

// PurgeRejections deletes session rejections past their window.
func (s *InvitationService) PurgeRejections(ctx context.Context) (int64, error) {
	res := s.DB.WithContext(ctx).Where("expires_at <= ?", s.now()).Delete(&models.SessionRejection{})
	return res.RowsAffected, eris.Wrap(res.Error, "failed to purge session rejections")
}
