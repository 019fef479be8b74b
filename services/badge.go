package services

import (
	"context"
	"fmt"

	"progression-engine/models"

	"github.com/gosimple/slug"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type BadgeService struct {
	Deps
}

func NewBadgeService(deps Deps) *BadgeService {
	return &BadgeService{Deps: deps}
}

// SeedCatalog upserts the badge catalog; safe to call on every boot.
func (s *BadgeService) SeedCatalog(ctx context.Context) error {
	for _, trigger := range models.BadgeTriggers {
		row := trigger
		row.Code = slug.Make(row.Code)
		err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "code"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "description", "rarity", "threshold"}),
		}).Create(&row).Error
		if err != nil {
			return fmt.Errorf("seed badge %s: %w", row.Code, err)
		}
	}
	return nil
}

// Catalog returns the badge catalog.
func (s *BadgeService) Catalog(ctx context.Context) ([]models.BadgeType, error) {
	var badges []models.BadgeType
	err := s.DB.WithContext(ctx).Order("code ASC").Find(&badges).Error
	return badges, err
}

// awardTx inserts the user badge; false when the user already had it.
func (s *BadgeService) awardTx(tx *gorm.DB, userID, code, source string) (bool, error) {
	return claimMarker(tx, &models.UserBadge{ExternalUserID: userID, BadgeCode: code, Source: source},
		"external_user_id", "badge_code")
}

// pendingTx returns catalog badges whose thresholds the user meets but does not hold yet.
func (s *BadgeService) pendingTx(tx *gorm.DB, userID string) ([]string, error) {
	stats, err := s.statsTx(tx, userID)
	if err != nil {
		return nil, err
	}

	var held []string
	if err := tx.Model(&models.UserBadge{}).Where("external_user_id = ?", userID).Pluck("badge_code", &held).Error; err != nil {
		return nil, err
	}
	owned := make(map[string]bool, len(held))
	for _, c := range held {
		owned[c] = true
	}

	var pending []string
	for _, trigger := range models.BadgeTriggers {
		if len(trigger.Threshold) == 0 || owned[trigger.Code] {
			continue
		}
		if meetsThreshold(stats, trigger.Threshold) {
			pending = append(pending, trigger.Code)
		}
	}
	return pending, nil
}

func (s *BadgeService) statsTx(tx *gorm.DB, userID string) (map[string]int64, error) {
	stats := map[string]int64{}

	var prog models.UserProgress
	if err := tx.Where("external_user_id = ?", userID).Limit(1).Find(&prog).Error; err != nil {
		return nil, err
	}
	stats["level"] = int64(prog.Level)
	stats["total_xp"] = prog.TotalXP

	var wallet models.Wallet
	if err := tx.Where("user_id = ?", userID).Limit(1).Find(&wallet).Error; err != nil {
		return nil, err
	}
	stats["total_earned"] = wallet.TotalEarned

	var cs models.UserChallengeStats
	if err := tx.Where("user_id = ?", userID).Limit(1).Find(&cs).Error; err != nil {
		return nil, err
	}
	stats["challenges_completed"] = cs.DailyCompleted + cs.WeeklyCompleted
	stats["completion_streak"] = int64(cs.LongestCompletion)

	var streak models.StreakState
	if err := tx.Where("user_id = ?", userID).Limit(1).Find(&streak).Error; err != nil {
		return nil, err
	}
	stats["longest_streak"] = int64(streak.Longest)
	return stats, nil
}

func meetsThreshold(stats map[string]int64, req map[string]int64) bool {
	for key, required := range req {
		if stats[key] < required {
			return false
		}
	}
	return true
}

// BadgeKey is the idempotency key of a catalog badge payout.
func BadgeKey(userID, code string) string {
	return fmt.Sprintf("badge:%s:%s", userID, code)
}
