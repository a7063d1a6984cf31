package models

import (
	"time"

	"battle-system/combat"
)

type BattleStatus string

const (
	BattleStatusPreparing BattleStatus = "preparing"
	BattleStatusOngoing   BattleStatus = "ongoing"
	BattleStatusCompleted BattleStatus = "completed"
	BattleStatusCancelled BattleStatus = "cancelled"
)

// Active reports whether rounds may still run.
func (s BattleStatus) Active() bool {
	return s == BattleStatusPreparing || s == BattleStatusOngoing
}

type EndReason string

const (
	EndReasonHP      EndReason = "hp"
	EndReasonTimeout EndReason = "timeout"
	EndReasonError   EndReason = "error"
)

// BattleSession is one fight between two users. WinnerID stays nil while the
// battle is active and for draws.
type BattleSession struct {
	ID        string `gorm:"primaryKey;type:uuid" json:"id"`
	Player1ID string `gorm:"index;not null" json:"player1_id"`
	Player2ID string `gorm:"index;not null" json:"player2_id"`
	Player1CP int    `json:"player1_cp"`
	Player2CP int    `json:"player2_cp"`

	Status    BattleStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	WinnerID  *string      `gorm:"index" json:"winner_id"`
	EndReason *EndReason   `gorm:"type:varchar(16)" json:"end_reason,omitempty"`

	// Reward constants captured at creation
	WinBaseReward int `json:"win_base_reward"`
	LossPenalty   int `json:"loss_penalty"`

	Player1CPChange int `json:"player1_cp_change"`
	Player2CPChange int `json:"player2_cp_change"`

	FeeDiscountPercent int        `json:"fee_discount_percent"`
	DiscountExpiresAt  *time.Time `gorm:"index" json:"discount_expires_at,omitempty"`

	CreatedAt   time.Time  `gorm:"index" json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// HasPlayer reports whether userID is one of the two fighters.
func (s BattleSession) HasPlayer(userID string) bool {
	return userID != "" && (s.Player1ID == userID || s.Player2ID == userID)
}

func (s BattleSession) Players() []string {
	return []string{s.Player1ID, s.Player2ID}
}

// PlayerState is one fighter's resources inside a BattleState.
type PlayerState struct {
	Health              int `json:"health"`
	Energy              int `json:"energy"`
	DefenseEnergy       int `json:"defense_energy"`
	StoredEnergy        int `json:"stored_energy"`
	StoredDefenseEnergy int `json:"stored_defense_energy"`
	Attacks             int `json:"attacks"`
	Defends             int `json:"defends"`
}

func freshPlayer() PlayerState {
	return PlayerState{
		Health:        combat.MaxHealth,
		Energy:        combat.MaxEnergy,
		DefenseEnergy: combat.MaxEnergy,
	}
}

// ActionEntry is an action requested ahead of a round. Only recharge is
// requested this way; drawn actions live in RoundSummary.
type ActionEntry struct {
	Round    int           `json:"round"`
	PlayerID string        `json:"player_id"`
	Action   combat.Action `json:"action"`
	At       time.Time     `json:"at"`
}

type RoundSummary struct {
	Round     int           `json:"round"`
	P1Action  combat.Action `json:"p1_action"`
	P2Action  combat.Action `json:"p2_action"`
	P1Damage  int           `json:"p1_damage"`
	P2Damage  int           `json:"p2_damage"`
	P1Health  int           `json:"p1_health"`
	P2Health  int           `json:"p2_health"`
	P1Crit    bool          `json:"p1_critical"`
	P2Crit    bool          `json:"p2_critical"`
	P1Dodged  bool          `json:"p1_dodged"`
	P2Dodged  bool          `json:"p2_dodged"`
	Timestamp time.Time     `json:"timestamp"`
}

type LogEntry struct {
	Round   int       `json:"round"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// BattleState is the mutable side of a BattleSession. It is written once per
// round inside the same transaction as the BattleRound row.
type BattleState struct {
	BattleID     string `gorm:"primaryKey;type:uuid" json:"battle_id"`
	CurrentRound int    `gorm:"not null;default:0" json:"current_round"`

	Player1 PlayerState `gorm:"embedded;embeddedPrefix:p1_" json:"player1"`
	Player2 PlayerState `gorm:"embedded;embeddedPrefix:p2_" json:"player2"`

	ActionHistory []ActionEntry  `gorm:"type:text;serializer:json" json:"action_history"`
	RoundHistory  []RoundSummary `gorm:"type:text;serializer:json" json:"round_history"`
	BattleLog     []LogEntry     `gorm:"type:text;serializer:json" json:"battle_log"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewBattleState(battleID string, now time.Time) BattleState {
	return BattleState{
		BattleID:      battleID,
		Player1:       freshPlayer(),
		Player2:       freshPlayer(),
		ActionHistory: []ActionEntry{},
		RoundHistory:  []RoundSummary{},
		BattleLog:     []LogEntry{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Recharging reports whether playerID asked to recharge in round.
func (s *BattleState) Recharging(playerID string, round int) bool {
	for _, a := range s.ActionHistory {
		if a.Round == round && a.PlayerID == playerID && a.Action == combat.ActionRecharge {
			return true
		}
	}
	return false
}

// BattleRound is the idempotency fence: one row per (battle_id, round_number).
type BattleRound struct {
	ID          string `gorm:"primaryKey;type:uuid" json:"id"`
	BattleID    string `gorm:"type:uuid;not null;uniqueIndex:idx_battle_round" json:"battle_id"`
	RoundNumber int    `gorm:"not null;uniqueIndex:idx_battle_round" json:"round_number"`

	P1Action   combat.Action `gorm:"type:varchar(16)" json:"p1_action"`
	P2Action   combat.Action `gorm:"type:varchar(16)" json:"p2_action"`
	P1Damage   int           `json:"p1_damage"`
	P2Damage   int           `json:"p2_damage"`
	P1Critical bool          `json:"p1_critical"`
	P2Critical bool          `json:"p2_critical"`
	P1Dodged   bool          `json:"p1_dodged"`
	P2Dodged   bool          `json:"p2_dodged"`
	P1Health   int           `json:"p1_health"`
	P2Health   int           `json:"p2_health"`
	P1Energy   int           `json:"p1_energy"`
	P2Energy   int           `json:"p2_energy"`
	P1Attacks  int           `json:"p1_attacks"`
	P1Defends  int           `json:"p1_defends"`
	P2Attacks  int           `json:"p2_attacks"`
	P2Defends  int           `json:"p2_defends"`

	CreatedAt time.Time `json:"created_at"`
}
