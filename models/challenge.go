package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ChallengeType string

const (
	ChallengeDaily  ChallengeType = "daily"
	ChallengeWeekly ChallengeType = "weekly"
)

// Challenge is the template for one period. At most one per (type, period_key).
type Challenge struct {
	ID               string        `gorm:"primaryKey;type:uuid" json:"id"`
	Code             string        `gorm:"size:128;index" json:"code"`
	Type             ChallengeType `gorm:"size:16;not null;uniqueIndex:idx_challenge_period" json:"type"`
	PeriodKey        string        `gorm:"size:16;not null;uniqueIndex:idx_challenge_period" json:"period_key"` // YYYY-MM-DD or YYYY-Www
	Title            string        `json:"title"`
	Description      string        `json:"description"`
	Objective        string        `gorm:"size:64;not null" json:"objective"`
	TargetValue      int64         `gorm:"not null" json:"target_value"`
	TribeTargetValue int64         `gorm:"not null;default:0" json:"tribe_target_value,omitempty"`
	Rewards          RewardBundle  `gorm:"serializer:json" json:"rewards"`
	StartsAt         time.Time     `json:"starts_at"`
	EndsAt           time.Time     `gorm:"index" json:"ends_at"`
	CreatedAt        time.Time     `json:"created_at"`
}

func (c *Challenge) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// UserChallengeProgress is one user's progress on one challenge template.
type UserChallengeProgress struct {
	ID          string     `gorm:"primaryKey;type:uuid" json:"id"`
	UserID      string     `gorm:"not null;uniqueIndex:idx_user_challenge" json:"user_id"`
	ChallengeID string     `gorm:"not null;uniqueIndex:idx_user_challenge" json:"challenge_id"`
	Progress    int64      `gorm:"not null;default:0" json:"progress"`
	IsCompleted bool       `gorm:"not null;default:false" json:"is_completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Challenge  Challenge               `gorm:"foreignKey:ChallengeID" json:"challenge,omitempty"`
	Activities []UserChallengeActivity `gorm:"foreignKey:UserChallengeID" json:"activities,omitempty"`
	Timestamps
}

func (p *UserChallengeProgress) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

// UserChallengeActivity is an append-only log entry of a progress increment.
type UserChallengeActivity struct {
	ID              string         `gorm:"primaryKey;type:uuid" json:"id"`
	UserChallengeID string         `gorm:"not null;index" json:"user_challenge_id"`
	ActivityID      string         `gorm:"size:128" json:"activity_id"`
	ActivityType    string         `gorm:"size:64" json:"activity_type"`
	Value           int64          `json:"value"`
	Metadata        datatypes.JSON `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

func (a *UserChallengeActivity) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}

// UserChallengeStats carries completion counters and the personal completion streak.
type UserChallengeStats struct {
	ID                 string `gorm:"primaryKey;type:uuid" json:"id"`
	UserID             string `gorm:"uniqueIndex;not null" json:"user_id"`
	DailyCompleted     int64  `gorm:"not null;default:0" json:"daily_completed"`
	WeeklyCompleted    int64  `gorm:"not null;default:0" json:"weekly_completed"`
	CompletionStreak   int    `gorm:"not null;default:0" json:"completion_streak"`
	LongestCompletion  int    `gorm:"not null;default:0" json:"longest_completion_streak"`
	LastCompletionDate string `gorm:"size:10" json:"last_completion_date"`
	Timestamps
}

func (s *UserChallengeStats) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}
