package models

import (
	"time"

	"gorm.io/gorm"
)

// FighterProfile is a user's battle ledger: combat power, XP and record.
type FighterProfile struct {
	ID             string `gorm:"primaryKey;type:uuid" json:"id"`
	ExternalUserID string `gorm:"uniqueIndex;not null" json:"external_user_id"` // links to profile service

	CombatPower int   `json:"combat_power" gorm:"not null;default:100"`
	TotalXP     int64 `json:"total_xp" gorm:"default:0"`
	Level       int   `json:"level" gorm:"default:1"`

	Wins   int64 `json:"wins" gorm:"default:0"`
	Losses int64 `json:"losses" gorm:"default:0"`
	Draws  int64 `json:"draws" gorm:"default:0"`

	LastLevelUpAt *time.Time `json:"last_level_up_at,omitempty"`

	Timestamps
}

// Timestamps adds GORM auto-times
type Timestamps struct {
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}
