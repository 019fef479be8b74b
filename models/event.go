package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type EventType string

const (
	EventClanWar   EventType = "clan_war"
	EventPowerHour EventType = "power_hour"
)

type EventStatus string

const (
	EventScheduled EventStatus = "scheduled"
	EventActive    EventStatus = "active"
	EventCompleted EventStatus = "completed"
)

// Event is a time-boxed clan war or power hour. At most one per (type, period_key).
type Event struct {
	ID                   string         `gorm:"primaryKey;type:uuid" json:"id"`
	Type                 EventType      `gorm:"size:16;not null;uniqueIndex:idx_event_period" json:"type"`
	PeriodKey            string         `gorm:"size:16;not null;uniqueIndex:idx_event_period" json:"period_key"`
	Title                string         `json:"title"`
	Objective            string         `gorm:"size:64" json:"objective,omitempty"` // clan_war only
	StartsAt             time.Time      `gorm:"index" json:"starts_at"`
	EndsAt               time.Time      `gorm:"index" json:"ends_at"`
	XPMultiplier         float64        `gorm:"not null;default:1" json:"xp_multiplier"`
	ClanPointsMultiplier float64        `gorm:"not null;default:1" json:"clan_points_multiplier"`
	Rewards              RewardBundle   `gorm:"serializer:json" json:"rewards"`
	Status               EventStatus    `gorm:"size:16;not null;index" json:"status"`
	WinningTribeID       *string        `json:"winning_tribe_id,omitempty"`
	FinalStandings       datatypes.JSON `json:"final_standings,omitempty"`
	Timestamps
}

func (e *Event) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}

// UserEventParticipation aggregates one user's contribution to one event.
type UserEventParticipation struct {
	ID              string `gorm:"primaryKey;type:uuid" json:"id"`
	UserID          string `gorm:"not null;uniqueIndex:idx_user_event" json:"user_id"`
	EventID         string `gorm:"not null;uniqueIndex:idx_user_event" json:"event_id"`
	TribeID         string `gorm:"index" json:"tribe_id,omitempty"`
	TotalActions    int64  `gorm:"not null;default:0" json:"total_actions"`
	TotalXP         int64  `gorm:"not null;default:0" json:"total_xp"`
	TotalClanPoints int64  `gorm:"not null;default:0" json:"total_clan_points"`
	TotalCoins      int64  `gorm:"not null;default:0" json:"total_coins"`
	MultiplierBonus int64  `gorm:"not null;default:0" json:"multiplier_bonus"`

	Activities []UserEventActivity `gorm:"foreignKey:ParticipationID" json:"activities,omitempty"`
	Timestamps
}

func (p *UserEventParticipation) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

// UserEventActivity is an append-only log entry of a participation.
// PayoutXP and Coins are owed to the user on top of the activity's base reward
// and are paid later under the daily caps.
type UserEventActivity struct {
	ID              string    `gorm:"primaryKey;type:uuid" json:"id"`
	ParticipationID string    `gorm:"not null;index" json:"participation_id"`
	ActivityID      string    `gorm:"size:128;index" json:"activity_id"`
	ActivityType    string    `gorm:"size:64" json:"activity_type"`
	Value           int64     `json:"value"`
	XP              int64     `json:"xp"`
	PayoutXP        int64     `gorm:"not null;default:0" json:"payout_xp"`
	ClanPoints      int64     `json:"clan_points"`
	Coins           int64     `json:"coins"`
	XPMultiplier    float64   `json:"xp_multiplier"`
	CreatedAt       time.Time `json:"created_at"`
}

func (a *UserEventActivity) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}

// TribeEventStanding is a tribe's clan-war score for one event.
type TribeEventStanding struct {
	ID           string `gorm:"primaryKey;type:uuid" json:"id"`
	EventID      string `gorm:"not null;uniqueIndex:idx_event_tribe" json:"event_id"`
	TribeID      string `gorm:"not null;uniqueIndex:idx_event_tribe" json:"tribe_id"`
	Score        int64  `gorm:"not null;default:0" json:"score"`
	FinalScore   int64  `gorm:"not null;default:0" json:"final_score"`
	Rank         int    `gorm:"not null;default:0" json:"rank"`
	WinningTribe bool   `gorm:"not null;default:false" json:"winning_tribe"`
	Closed       bool   `gorm:"not null;default:false" json:"closed"`
	Timestamps
}

func (s *TribeEventStanding) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}
