package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ParkedJob is a background job that exhausted its retry budget and awaits a manual re-run.
type ParkedJob struct {
	ID        string         `gorm:"primaryKey;type:uuid" json:"id"`
	Job       string         `gorm:"size:64;not null;index" json:"job"`
	PeriodKey string         `gorm:"size:64" json:"period_key"`
	Attempts  int            `json:"attempts"`
	LastError string         `gorm:"type:text" json:"last_error"`
	Payload   datatypes.JSON `json:"payload,omitempty"`
	Resolved  bool           `gorm:"not null;default:false;index" json:"resolved"`
	CreatedAt time.Time      `json:"created_at"`
}

func (j *ParkedJob) BeforeCreate(tx *gorm.DB) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	return nil
}

// All lists every model for AutoMigrate.
func All() []interface{} {
	return []interface{}{
		&UserProgress{},
		&DailyCounter{},
		&BadgeType{},
		&UserBadge{},
		&RewardGrant{},
		&ProcessedActivity{},
		&PeriodJobRun{},
		&Wallet{},
		&WalletTransaction{},
		&StreakState{},
		&Challenge{},
		&UserChallengeProgress{},
		&UserChallengeActivity{},
		&UserChallengeStats{},
		&Event{},
		&UserEventParticipation{},
		&UserEventActivity{},
		&TribeEventStanding{},
		&Tribe{},
		&TribeMember{},
		&TribeWeeklyState{},
		&ParkedJob{},
	}
}
