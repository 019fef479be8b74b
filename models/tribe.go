package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Tribe is a local snapshot of a tribe owned by the social service.
// Populated via sync worker; progression fields are owned here.
type Tribe struct {
	ID                  string     `gorm:"primaryKey;type:uuid" json:"id"`
	ExternalTribeID     string     `gorm:"uniqueIndex;not null" json:"external_tribe_id"`
	Name                string     `gorm:"not null" json:"name"`
	Badges              []string   `gorm:"serializer:json" json:"badges"`
	TotemLevel          int        `gorm:"not null;default:1" json:"totem_level"`
	ClanWarWins         int        `gorm:"not null;default:0" json:"clan_war_wins"`
	RewardMultiplier    float64    `gorm:"not null;default:1" json:"reward_multiplier"`
	MultiplierExpiresAt *time.Time `json:"multiplier_expires_at,omitempty"`
	Timestamps
}

func (t *Tribe) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

// ActiveMultiplier returns the tribe's reward multiplier at now, or 1 once expired.
func (t *Tribe) ActiveMultiplier(now time.Time) float64 {
	if t.MultiplierExpiresAt == nil || !now.Before(*t.MultiplierExpiresAt) || t.RewardMultiplier <= 0 {
		return 1
	}
	return t.RewardMultiplier
}

// TribeMember maps a user to the tribe they currently belong to.
type TribeMember struct {
	ID             string    `gorm:"primaryKey;type:uuid" json:"id"`
	ExternalUserID string    `gorm:"uniqueIndex;not null" json:"external_user_id"`
	TribeID        string    `gorm:"index;not null" json:"tribe_id"` // external tribe id
	JoinedAt       time.Time `json:"joined_at"`
	UpdatedAt      time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

func (m *TribeMember) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

// TribeWeeklyState is a tribe's weekly-challenge score. Closed rows no longer accept points.
type TribeWeeklyState struct {
	ID           string `gorm:"primaryKey;type:uuid" json:"id"`
	TribeID      string `gorm:"not null;uniqueIndex:idx_tribe_week" json:"tribe_id"`
	WeekKey      string `gorm:"size:8;not null;uniqueIndex:idx_tribe_week" json:"week_key"`
	Score        int64  `gorm:"not null;default:0" json:"score"`
	TargetScore  int64  `gorm:"not null;default:0" json:"target_score"`
	IsCompleted  bool   `gorm:"not null;default:false" json:"is_completed"`
	FinalScore   int64  `gorm:"not null;default:0" json:"final_score"`
	Rank         int    `gorm:"not null;default:0" json:"rank"`
	WinningTribe bool   `gorm:"not null;default:false" json:"winning_tribe"`
	Closed       bool   `gorm:"not null;default:false" json:"closed"`
	Timestamps
}

func (s *TribeWeeklyState) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// RemoteTribeMember mirrors one membership row from the social service (read-only).
type RemoteTribeMember struct {
	ExternalUserID string    `json:"user_id"`
	TribeID        string    `json:"tribe_id"`
	TribeName      string    `json:"tribe_name"`
	JoinedAt       time.Time `json:"joined_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Left           bool      `json:"left"`
}
