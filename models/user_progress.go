package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UserProgress tracks gamified progression for each user (denormalized for reads)
type UserProgress struct {
	ID             string `gorm:"primaryKey;type:uuid" json:"id"`
	ExternalUserID string `gorm:"uniqueIndex;not null" json:"external_user_id"` // links to profile service

	// Core progression; level is always CalculateLevel(total_xp)
	TotalXP int64 `json:"total_xp" gorm:"not null;default:0"`
	Level   int   `json:"level" gorm:"not null;default:1"`
	Credits int64 `json:"credits" gorm:"not null;default:0"` // generation credits from milestones

	LastLevelUpAt *time.Time `json:"last_level_up_at,omitempty"`

	Timestamps
}

func (p *UserProgress) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

// Timestamps adds GORM auto-times
type Timestamps struct {
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// DailyCounter is a shared per-user, per-local-day counter (XP caps).
type DailyCounter struct {
	ID         string `gorm:"primaryKey;type:uuid" json:"id"`
	UserID     string `gorm:"not null;uniqueIndex:idx_daily_counter" json:"user_id"`
	CounterKey string `gorm:"not null;size:64;uniqueIndex:idx_daily_counter" json:"counter_key"` // "xp:vote", "xp:total"
	Day        string `gorm:"not null;size:10;uniqueIndex:idx_daily_counter" json:"day"`         // local YYYY-MM-DD
	Value      int64  `gorm:"not null;default:0" json:"value"`
	Timestamps
}

func (c *DailyCounter) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}
