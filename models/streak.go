package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// StreakState is the daily-login streak of one user.
// Writes are compare-and-set on Version.
type StreakState struct {
	ID                     string `gorm:"primaryKey;type:uuid" json:"id"`
	UserID                 string `gorm:"uniqueIndex;not null" json:"user_id"`
	Current                int    `gorm:"not null;default:0" json:"current"`
	Longest                int    `gorm:"not null;default:0" json:"longest"`
	LastQualifiedLocalDate string `gorm:"size:10" json:"last_qualified_local_date"`
	Timezone               string `gorm:"size:64;not null;default:'UTC'" json:"timezone"`
	FreezesAvailable       int    `gorm:"not null;default:0" json:"freezes_available"`

	// Count and gap of the last break, kept so a freeze can restore it on the day of the break.
	BrokenStreak int `gorm:"not null;default:0" json:"broken_streak"`
	BrokenGap    int `gorm:"not null;default:0" json:"broken_gap"`

	Version int64 `gorm:"not null;default:0" json:"-"`
	Timestamps
}

func (s *StreakState) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}
