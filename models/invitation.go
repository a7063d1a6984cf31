package models

import (
	"time"
)

type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationRejected InvitationStatus = "rejected"
	InvitationExpired  InvitationStatus = "expired"
)

// BattleInvitation is one side's offer to fight. PairKey is the unordered pair
// of user ids; partial unique indexes allow at most one pending and one
// accepted row per pair regardless of direction.
type BattleInvitation struct {
	ID         string `gorm:"primaryKey;type:uuid" json:"id"`
	FromUserID string `gorm:"index;not null" json:"from_user_id"`
	ToUserID   string `gorm:"index;not null" json:"to_user_id"`
	PairKey    string `gorm:"not null;uniqueIndex:idx_invitation_pending_pair,where:status = 'pending';uniqueIndex:idx_invitation_accepted_pair,where:status = 'accepted'" json:"-"`
	FromCP     int    `json:"from_cp"`
	ToCP       int    `json:"to_cp"`

	Status      InvitationStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	BattleID    *string          `gorm:"type:uuid" json:"battle_id,omitempty"`
	ExpiresAt   time.Time        `gorm:"index;not null" json:"expires_at"`
	RespondedAt *time.Time       `json:"responded_at,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// PairKey orders two user ids so both directions map to the same key.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// SessionRejection stops UserID from being prompted by RejectedUserID again
// during the same client session.
type SessionRejection struct {
	ID             string    `gorm:"primaryKey;type:uuid" json:"id"`
	UserID         string    `gorm:"index:idx_rejection_pair;not null" json:"user_id"`
	RejectedUserID string    `gorm:"index:idx_rejection_pair;not null" json:"rejected_user_id"`
	SessionID      string    `json:"session_id"`
	ExpiresAt      time.Time `gorm:"index;not null" json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
}
