package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"progression-engine/config"
	"progression-engine/models"
	"progression-engine/utils"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// XPResult is the outcome of an XP grant.
type XPResult struct {
	Success      bool   `json:"success"`
	Reason       string `json:"reason,omitempty"`
	Requested    int64  `json:"requested"`
	Granted      int64  `json:"granted"`
	TotalXP      int64  `json:"total_xp"`
	Level        int    `json:"level"`
	NextLevelXP  int64  `json:"next_level_xp"`
	LeveledUp    bool   `json:"leveled_up"`
	LevelsGained []int  `json:"levels_gained,omitempty"`
}

// ProgressSummary is the read model behind GET /user/progress.
type ProgressSummary struct {
	UserID        string             `json:"user_id"`
	TotalXP       int64              `json:"total_xp"`
	Level         int                `json:"level"`
	NextLevelXP   int64              `json:"next_level_xp"`
	Credits       int64              `json:"credits"`
	Badges        []models.UserBadge `json:"badges"`
	Streak        StreakStatus       `json:"streak"`
	XPToday       int64              `json:"xp_today"`
	DailyXPCap    int64              `json:"daily_xp_cap"`
	LastLevelUpAt *time.Time         `json:"last_level_up_at,omitempty"`
}

type ProgressionService struct {
	Deps
	counters *CounterStore
	rewards  *RewardDispatcher
}

func NewProgressionService(deps Deps, counters *CounterStore) *ProgressionService {
	return &ProgressionService{Deps: deps, counters: counters}
}

// ensureProgressTx get-or-creates the user's progress row (idempotent upsert).
func ensureProgressTx(tx *gorm.DB, externalUserID string) (*models.UserProgress, error) {
	prog := models.UserProgress{ExternalUserID: externalUserID, Level: 1}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_user_id"}},
		DoNothing: true,
	}).Create(&prog).Error; err != nil {
		return nil, fmt.Errorf("ensure progress %s: %w", externalUserID, err)
	}
	var current models.UserProgress
	if err := lockForUpdate(tx).Where("external_user_id = ?", externalUserID).First(&current).Error; err != nil {
		return nil, err
	}
	return &current, nil
}

// EnsureProgressRecord ensures a UserProgress row exists (idempotent)
func (s *ProgressionService) EnsureProgressRecord(ctx context.Context, externalUserID string) (*models.UserProgress, error) {
	var prog *models.UserProgress
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		prog, err = ensureProgressTx(tx, externalUserID)
		return err
	})
	return prog, err
}

// GrantXP applies daily caps, then adds XP and pays every level crossed.
func (s *ProgressionService) GrantXP(ctx context.Context, userID string, amount int64, reason string) (*XPResult, error) {
	if userID == "" {
		return nil, validationError("user_id is required")
	}
	if amount <= 0 {
		return nil, validationError("xp amount must be positive, got %d", amount)
	}
	return withConflictRetry(ctx, s.Logger, func() (*XPResult, error) {
		var res *XPResult
		err := runInTx(ctx, s.Deps, func(sc *txScope) error {
			var err error
			res, err = s.grantXPTx(sc, userID, amount, reason)
			return err
		})
		return res, err
	})
}

func (s *ProgressionService) grantXPTx(sc *txScope, userID string, amount int64, reason string) (*XPResult, error) {
	loc := userLocation(sc.tx, s.Config, userID)
	day := utils.LocalDateString(sc.now, loc)

	class := config.XPClassFor(reason)
	limits := []CounterLimit{{Key: xpTotalKey, Cap: s.Config.DailyXPCap}}
	if sub, ok := config.XPClassCaps[class]; ok {
		limits = append(limits, CounterLimit{Key: xpCounterKey(class), Cap: sub})
	}
	granted, err := s.counters.ReserveTx(sc.tx, userID, day, amount, limits...)
	if err != nil {
		return nil, err
	}
	if granted <= 0 {
		prog, err := ensureProgressTx(sc.tx, userID)
		if err != nil {
			return nil, err
		}
		return &XPResult{
			Success:     false,
			Reason:      ReasonCapReached,
			Requested:   amount,
			TotalXP:     prog.TotalXP,
			Level:       prog.Level,
			NextLevelXP: NextLevelXP(prog.Level),
		}, nil
	}

	res, err := s.addXPTx(sc, userID, granted, reason)
	if err != nil {
		return nil, err
	}
	res.Requested = amount
	return res, nil
}

// addXPTx adds uncapped XP and pays the level rewards of every level crossed.
func (s *ProgressionService) addXPTx(sc *txScope, userID string, amount int64, reason string) (*XPResult, error) {
	prog, err := ensureProgressTx(sc.tx, userID)
	if err != nil {
		return nil, err
	}
	oldLevel := prog.Level
	newXP := prog.TotalXP + amount
	if newXP < prog.TotalXP { // overflow
		newXP = Threshold(MaxLevel)
	}
	newLevel := CalculateLevel(newXP)

	updates := map[string]interface{}{"total_xp": newXP, "level": newLevel}
	if newLevel > oldLevel {
		now := sc.now
		updates["last_level_up_at"] = &now
	}
	upd := sc.tx.Model(&models.UserProgress{}).
		Where("id = ? AND total_xp = ?", prog.ID, prog.TotalXP).
		Updates(updates)
	if upd.Error != nil {
		return nil, upd.Error
	}
	if upd.RowsAffected == 0 {
		return nil, ErrConcurrentUpdate
	}

	res := &XPResult{
		Success:     true,
		Requested:   amount,
		Granted:     amount,
		TotalXP:     newXP,
		Level:       newLevel,
		NextLevelXP: NextLevelXP(newLevel),
		LeveledUp:   newLevel > oldLevel,
	}
	sc.emit(UserChannel(userID), EventXPGain, map[string]any{
		"amount": amount, "reason": reason, "total_xp": newXP, "level": newLevel,
	})

	for lvl := oldLevel + 1; lvl <= newLevel; lvl++ {
		res.LevelsGained = append(res.LevelsGained, lvl)
		if _, err := s.rewards.dispatchTx(sc, userID, LevelKey(userID, lvl), models.RewardSourceLevelUp, config.LevelReward(lvl)); err != nil {
			return nil, fmt.Errorf("pay level %d: %w", lvl, err)
		}
	}
	if res.LeveledUp {
		sc.emit(UserChannel(userID), EventLevelUp, map[string]any{
			"old_level": oldLevel, "new_level": newLevel, "next_level_xp": res.NextLevelXP,
		})
		s.Logger.Info("[LEVEL] level up", "user", userID, "from", oldLevel, "to", newLevel, "reason", reason)
	}
	return res, nil
}

// addCreditsTx adds generation credits.
func addCreditsTx(tx *gorm.DB, userID string, credits int64) error {
	if _, err := ensureProgressTx(tx, userID); err != nil {
		return err
	}
	return tx.Model(&models.UserProgress{}).
		Where("external_user_id = ?", userID).
		Update("credits", gorm.Expr("credits + ?", credits)).Error
}

// Summary returns xp, level, badges and streak status.
func (s *ProgressionService) Summary(ctx context.Context, userID string) (*ProgressSummary, error) {
	db := s.DB.WithContext(ctx)
	var prog models.UserProgress
	err := db.Where("external_user_id = ?", userID).First(&prog).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		prog = models.UserProgress{ExternalUserID: userID, Level: 1}
	}

	var badges []models.UserBadge
	if err := db.Where("external_user_id = ?", userID).Order("awarded_at ASC").Find(&badges).Error; err != nil {
		return nil, err
	}

	var state models.StreakState
	if err := db.Where("user_id = ?", userID).Limit(1).Find(&state).Error; err != nil {
		return nil, err
	}
	now := s.Clock.Now()
	loc := s.Config.Location()
	if state.Timezone != "" {
		loc = utils.LoadLocation(state.Timezone)
	}
	streak := streakStatus(&state, utils.LocalDateString(now, loc))

	counts, err := s.counters.ValuesTx(db, userID, utils.LocalDateString(now, loc), xpTotalKey)
	if err != nil {
		return nil, err
	}

	return &ProgressSummary{
		UserID:        userID,
		TotalXP:       prog.TotalXP,
		Level:         prog.Level,
		NextLevelXP:   NextLevelXP(prog.Level),
		Credits:       prog.Credits,
		Badges:        badges,
		Streak:        streak,
		XPToday:       counts[xpTotalKey],
		DailyXPCap:    s.Config.DailyXPCap,
		LastLevelUpAt: prog.LastLevelUpAt,
	}, nil
}

// LevelKey is the idempotency key of a level milestone payout.
func LevelKey(userID string, level int) string {
	return fmt.Sprintf("level:%s:%d", userID, level)
}
