package models

import (
	"github.com/rotisserie/eris"
	"gorm.io/gorm"
)

// All lists every table owned by the battle service, in dependency order.
func All() []any {
	return []any{
		&FighterProfile{},
		&BattleSession{},
		&BattleState{},
		&BattleRound{},
		&QueueEntry{},
		&BattleInvitation{},
		&SessionRejection{},
	}
}

func AutoMigrate(db *gorm.DB) error {
	return eris.Wrap(db.AutoMigrate(All()...), "failed to migrate database")
}
