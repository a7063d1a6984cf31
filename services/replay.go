package services

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"

	"battle-system/models"
)

// Replay is the archived record of a finished battle.
type Replay struct {
	Session    models.BattleSession `json:"session"`
	State      *models.BattleState  `json:"state,omitempty"`
	Rounds     []models.BattleRound `json:"rounds"`
	ArchivedAt time.Time            `json:"archived_at"`
}

// Archiver stores replays of completed and cancelled battles.
type Archiver interface {
	ArchiveReplay(ctx context.Context, replay Replay) error
}

// BuildReplay collects everything stored for battleID.
func (s *BattleService) BuildReplay(ctx context.Context, battleID string) (*Replay, error) {
	detail, err := s.Get(ctx, battleID)
	if err != nil {
		return nil, err
	}
	if detail == nil {
		return nil, eris.Errorf("battle %s not found", battleID)
	}
	rounds, err := s.Rounds(ctx, battleID)
	if err != nil {
		return nil, err
	}
	return &Replay{
		Session:    detail.Session,
		State:      detail.State,
		Rounds:     rounds,
		ArchivedAt: s.now(),
	}, nil
}

func (s *BattleService) archive(ctx context.Context, battleID string) {
	if s.Archiver == nil {
		return
	}
	replay, err := s.BuildReplay(ctx, battleID)
	if err == nil {
		err = s.Archiver.ArchiveReplay(ctx, *replay)
	}
	if err != nil {
		log.Warn().Err(err).Str("battle_id", battleID).Msg("failed to archive replay")
	}
}
