package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RewardBundle is a tuple of rewards paid together through the dispatcher
type RewardBundle struct {
	XP         int64  `json:"xp,omitempty"`
	Coins      int64  `json:"coins,omitempty"`
	ClanPoints int64  `json:"clan_points,omitempty"`
	Credits    int64  `json:"credits,omitempty"`
	Badge      string `json:"badge,omitempty"`
}

// IsZero reports whether the bundle pays nothing.
func (b RewardBundle) IsZero() bool {
	return b.XP == 0 && b.Coins == 0 && b.ClanPoints == 0 && b.Credits == 0 && b.Badge == ""
}

// RewardSource names the origin of a grant
type RewardSource string

const (
	RewardSourceLevelUp   RewardSource = "level_up"
	RewardSourceStreak    RewardSource = "streak_milestone"
	RewardSourceChallenge RewardSource = "challenge"
	RewardSourceBadge     RewardSource = "badge"
	RewardSourceAdmin     RewardSource = "admin"
)

// RewardGrant is the exactly-once marker for a payout. A row exists iff the bundle was applied.
type RewardGrant struct {
	ID             string       `gorm:"primaryKey;type:uuid" json:"id"`
	IdempotencyKey string       `gorm:"uniqueIndex;not null;size:255" json:"idempotency_key"`
	UserID         string       `gorm:"index;not null" json:"user_id"`
	Source         RewardSource `gorm:"size:32;not null" json:"source"`
	Bundle         RewardBundle `gorm:"serializer:json" json:"bundle"`
	CreatedAt      time.Time    `json:"created_at"`
}

func (g *RewardGrant) BeforeCreate(tx *gorm.DB) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	return nil
}

// ProcessedActivity marks one pipeline step of one activity as done.
type ProcessedActivity struct {
	ID         string    `gorm:"primaryKey;type:uuid" json:"id"`
	ActivityID string    `gorm:"not null;size:128;uniqueIndex:idx_processed_step" json:"activity_id"`
	Step       string    `gorm:"not null;size:32;uniqueIndex:idx_processed_step" json:"step"`
	UserID     string    `gorm:"index" json:"user_id"`
	CreatedAt  time.Time `json:"created_at"`
}

func (p *ProcessedActivity) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

// PeriodJobRun is the "already ran" flag of a boundary job for one period.
type PeriodJobRun struct {
	ID        string    `gorm:"primaryKey;type:uuid" json:"id"`
	Job       string    `gorm:"not null;size:64;uniqueIndex:idx_period_job" json:"job"`
	PeriodKey string    `gorm:"not null;size:64;uniqueIndex:idx_period_job" json:"period_key"`
	CreatedAt time.Time `json:"created_at"`
}

func (r *PeriodJobRun) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}
