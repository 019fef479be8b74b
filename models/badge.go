package models

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BadgeType: static catalog row (seeded from BadgeTriggers)
type BadgeType struct {
	ID          string `gorm:"primaryKey;type:uuid"`
	Code        string `gorm:"uniqueIndex;not null"` // e.g., "streak-7", "challenge-master"
	Name        string `gorm:"not null"`
	Description string
	Rarity      string           `gorm:"type:varchar(16);default:'common'"` // common, rare, epic, legendary
	Threshold   map[string]int64 `gorm:"serializer:json"`                   // nil = awarded by milestone only
	CreatedAt   time.Time        `gorm:"autoCreateTime"`
}

func (b *BadgeType) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	return nil
}

// UserBadge: awarded instance, at most one per (user, code)
type UserBadge struct {
	ID             string    `gorm:"primaryKey;type:uuid" json:"id"`
	ExternalUserID string    `gorm:"not null;uniqueIndex:idx_user_badge" json:"external_user_id"`
	BadgeCode      string    `gorm:"not null;uniqueIndex:idx_user_badge" json:"badge_code"`
	Source         string    `json:"source"` // idempotency key of the grant that awarded it
	AwardedAt      time.Time `gorm:"autoCreateTime" json:"awarded_at"`
}

func (b *UserBadge) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	return nil
}

// Badge codes paid by milestones
const (
	BadgeStreak3         = "streak-3"
	BadgeStreak7         = "streak-7"
	BadgeStreak30        = "streak-30"
	BadgeStreak100       = "streak-100"
	BadgeStreak365       = "streak-365"
	BadgeWeeklyWarrior   = "weekly-warrior"
	BadgeTribeChampion   = "tribe-week-champion"
	BadgeClanWarChampion = "clan-war-champion"
	BadgeFirstChallenge  = "first-challenge"
	BadgeChallengeMaster = "challenge-master"
	BadgeBigEarner       = "big-earner"
	BadgeDedicated       = "dedicated"
)

// LevelBadgeCode names the badge paid on reaching a milestone level.
func LevelBadgeCode(level int) string {
	switch level {
	case 5, 10, 25, 50, 75, 100:
		return "level-" + strconv.Itoa(level)
	}
	return ""
}

// BadgeTriggers is the badge catalog. Rows with a Threshold are evaluated after each payout.
var BadgeTriggers = []BadgeType{
	{Code: BadgeStreak3, Name: "Warming Up", Description: "Kept a 3 day streak", Rarity: "common"},
	{Code: BadgeStreak7, Name: "On Fire", Description: "Kept a 7 day streak", Rarity: "common"},
	{Code: BadgeStreak30, Name: "Unstoppable", Description: "Kept a 30 day streak", Rarity: "rare"},
	{Code: BadgeStreak100, Name: "Centurion", Description: "Kept a 100 day streak", Rarity: "epic"},
	{Code: BadgeStreak365, Name: "Year Round", Description: "Kept a 365 day streak", Rarity: "legendary"},
	{Code: "level-5", Name: "Rising Star", Description: "Reached level 5", Rarity: "common"},
	{Code: "level-10", Name: "Regular", Description: "Reached level 10", Rarity: "common"},
	{Code: "level-25", Name: "Veteran", Description: "Reached level 25", Rarity: "rare"},
	{Code: "level-50", Name: "Halfway There", Description: "Reached level 50", Rarity: "epic"},
	{Code: "level-75", Name: "Elite", Description: "Reached level 75", Rarity: "epic"},
	{Code: "level-100", Name: "Legend", Description: "Reached level 100", Rarity: "legendary"},
	{Code: BadgeWeeklyWarrior, Name: "Weekly Warrior", Description: "Completed a weekly challenge", Rarity: "rare"},
	{Code: BadgeTribeChampion, Name: "Tribe Champion", Description: "Your tribe topped the weekly challenge", Rarity: "epic"},
	{Code: BadgeClanWarChampion, Name: "Clan War Champion", Description: "Your tribe won a clan war", Rarity: "epic"},
	{
		Code:        BadgeFirstChallenge,
		Name:        "First Steps",
		Description: "Completed your first challenge",
		Rarity:      "common",
		Threshold:   map[string]int64{"challenges_completed": 1},
	},
	{
		Code:        BadgeChallengeMaster,
		Name:        "Challenge Master",
		Description: "Completed 50 challenges",
		Rarity:      "epic",
		Threshold:   map[string]int64{"challenges_completed": 50},
	},
	{
		Code:        BadgeBigEarner,
		Name:        "Big Earner",
		Description: "Earned 1000 coins",
		Rarity:      "rare",
		Threshold:   map[string]int64{"total_earned": 1000},
	},
	{
		Code:        BadgeDedicated,
		Name:        "Dedicated",
		Description: "Completed daily challenges 7 days in a row",
		Rarity:      "rare",
		Threshold:   map[string]int64{"completion_streak": 7},
	},
}
