package models

import "time"

// QueueEntry is a user waiting for an opponent. One row per user.
type QueueEntry struct {
	ID          string    `gorm:"primaryKey;type:uuid" json:"id"`
	UserID      string    `gorm:"uniqueIndex;not null" json:"user_id"`
	CombatPower int       `gorm:"not null" json:"combat_power"`
	MatchRange  int       `gorm:"not null" json:"match_range"`
	SessionID   string    `json:"session_id,omitempty"`
	EnqueuedAt  time.Time `gorm:"index;not null" json:"enqueued_at"`
	ExpiresAt   time.Time `gorm:"index;not null" json:"expires_at"`
}

// Accepts reports whether cp is inside this entry's range.
func (q QueueEntry) Accepts(cp int) bool {
	d := q.CombatPower - cp
	if d < 0 {
		d = -d
	}
	return d <= q.MatchRange
}
