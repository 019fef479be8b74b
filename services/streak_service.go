package services

import (
	"context"
	"fmt"
	"time"

	"progression-engine/config"
	"progression-engine/models"
	"progression-engine/utils"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StreakResult is the outcome of a qualifying action or freeze.
type StreakResult struct {
	AlreadyQualified bool  `json:"already_qualified"`
	Current          int   `json:"current"`
	Longest          int   `json:"longest"`
	Broken           bool  `json:"broken"`
	CanFreeze        bool  `json:"can_freeze"`
	FreezesLeft      int   `json:"freezes_available"`
	Milestones       []int `json:"milestones,omitempty"`
}

// StreakStatus is the read model of a streak for a given local day.
type StreakStatus struct {
	Current          int    `json:"current"`
	Longest          int    `json:"longest"`
	QualifiedToday   bool   `json:"qualified_today"`
	LastQualified    string `json:"last_qualified_local_date,omitempty"`
	Timezone         string `json:"timezone"`
	FreezesAvailable int    `json:"freezes_available"`
	CanFreeze        bool   `json:"can_freeze"`
	AtRisk           bool   `json:"at_risk"`
}

type StreakService struct {
	Deps
	rewards *RewardDispatcher
	wallet  *WalletService
}

func NewStreakService(deps Deps, rewards *RewardDispatcher, wallet *WalletService) *StreakService {
	return &StreakService{Deps: deps, rewards: rewards, wallet: wallet}
}

func (s *StreakService) ensureTx(tx *gorm.DB, userID string) (*models.StreakState, error) {
	st := models.StreakState{UserID: userID, Timezone: s.Config.AppTimezone}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(&st).Error; err != nil {
		return nil, fmt.Errorf("ensure streak %s: %w", userID, err)
	}
	var current models.StreakState
	if err := tx.Where("user_id = ?", userID).First(&current).Error; err != nil {
		return nil, err
	}
	return &current, nil
}

// casTx writes updates only if nobody changed the row since it was read.
func casTx(tx *gorm.DB, st *models.StreakState, updates map[string]interface{}) error {
	updates["version"] = st.Version + 1
	res := tx.Model(&models.StreakState{}).
		Where("id = ? AND version = ?", st.ID, st.Version).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConcurrentUpdate
	}
	st.Version++
	return nil
}

// MarkQualifyingAction advances the streak at most once per local day.
func (s *StreakService) MarkQualifyingAction(ctx context.Context, userID, actionKind string) (*StreakResult, error) {
	if userID == "" {
		return nil, validationError("user_id is required")
	}
	return withConflictRetry(ctx, s.Logger, func() (*StreakResult, error) {
		var res *StreakResult
		err := runInTx(ctx, s.Deps, func(sc *txScope) error {
			var err error
			res, err = s.markTx(sc, userID, actionKind)
			return err
		})
		return res, err
	})
}

func (s *StreakService) markTx(sc *txScope, userID, actionKind string) (*StreakResult, error) {
	st, err := s.ensureTx(sc.tx, userID)
	if err != nil {
		return nil, err
	}
	today := utils.LocalDateString(sc.now, utils.LoadLocation(st.Timezone))

	gap := 1
	if st.LastQualifiedLocalDate != "" {
		if gap, err = utils.DayDiff(st.LastQualifiedLocalDate, today); err != nil {
			return nil, err
		}
	}
	// A zone change can put "today" behind the stored date; treat it as already qualified.
	if gap <= 0 {
		return &StreakResult{AlreadyQualified: true, Current: st.Current, Longest: st.Longest, FreezesLeft: st.FreezesAvailable}, nil
	}

	if gap > 1 {
		broken := st.Current
		if err := casTx(sc.tx, st, map[string]interface{}{
			"current":                   0,
			"last_qualified_local_date": today,
			"broken_streak":             broken,
			"broken_gap":                gap,
		}); err != nil {
			return nil, err
		}
		res := &StreakResult{
			Current:     0,
			Longest:     st.Longest,
			Broken:      true,
			CanFreeze:   st.FreezesAvailable > 0 && gap == 2 && broken > 0,
			FreezesLeft: st.FreezesAvailable,
		}
		sc.emit(UserChannel(userID), EventStreakUpdate, map[string]any{
			"current": 0, "broken": true, "previous": broken, "can_freeze": res.CanFreeze,
		})
		s.Logger.Info("[STREAK] broken", "user", userID, "previous", broken, "gap", gap, "action", actionKind)
		return res, nil
	}

	return s.advanceTx(sc, userID, st, st.Current+1, today, nil)
}

// advanceTx sets current to next and pays every milestone in (old current, next].
func (s *StreakService) advanceTx(sc *txScope, userID string, st *models.StreakState, next int, today string, extra map[string]interface{}) (*StreakResult, error) {
	prev := st.Current
	longest := st.Longest
	if next > longest {
		longest = next
	}
	updates := map[string]interface{}{
		"current":                   next,
		"longest":                   longest,
		"last_qualified_local_date": today,
		"broken_streak":             0,
		"broken_gap":                0,
	}
	for k, v := range extra {
		updates[k] = v
	}
	if err := casTx(sc.tx, st, updates); err != nil {
		return nil, err
	}
	freezes := st.FreezesAvailable
	if v, ok := extra["freezes_available"].(int); ok {
		freezes = v
	}

	res := &StreakResult{Current: next, Longest: longest, FreezesLeft: freezes}
	for _, m := range config.StreakMilestones {
		if m <= prev || m > next {
			continue
		}
		bundle, _ := config.StreakMilestoneReward(m)
		if _, err := s.rewards.dispatchTx(sc, userID, StreakKey(userID, m), models.RewardSourceStreak, bundle); err != nil {
			return nil, fmt.Errorf("pay streak milestone %d: %w", m, err)
		}
		res.Milestones = append(res.Milestones, m)
	}
	sc.emit(UserChannel(userID), EventStreakUpdate, map[string]any{
		"current": next, "longest": longest, "milestones": res.Milestones,
	})
	return res, nil
}

// UseFreeze spends a freeze to cover exactly one missed local day.
func (s *StreakService) UseFreeze(ctx context.Context, userID string) (*StreakResult, error) {
	if userID == "" {
		return nil, validationError("user_id is required")
	}
	return withConflictRetry(ctx, s.Logger, func() (*StreakResult, error) {
		var res *StreakResult
		err := runInTx(ctx, s.Deps, func(sc *txScope) error {
			var err error
			res, err = s.useFreezeTx(sc, userID)
			return err
		})
		return res, err
	})
}

func (s *StreakService) useFreezeTx(sc *txScope, userID string) (*StreakResult, error) {
	st, err := s.ensureTx(sc.tx, userID)
	if err != nil {
		return nil, err
	}
	if st.FreezesAvailable <= 0 {
		return nil, fmt.Errorf("%w: no freezes left", ErrFreezeUnavailable)
	}
	today := utils.LocalDateString(sc.now, utils.LoadLocation(st.Timezone))

	var preSkip int
	switch {
	case st.LastQualifiedLocalDate == today && st.BrokenGap == 2 && st.BrokenStreak > 0:
		// broken earlier today by a qualifying action
		preSkip = st.BrokenStreak
	case st.LastQualifiedLocalDate != "" && st.LastQualifiedLocalDate != today:
		gap, err := utils.DayDiff(st.LastQualifiedLocalDate, today)
		if err != nil {
			return nil, err
		}
		if gap != 2 || st.Current == 0 {
			return nil, fmt.Errorf("%w: missed %d days", ErrFreezeUnavailable, gap-1)
		}
		preSkip = st.Current
	default:
		return nil, fmt.Errorf("%w: no missed day to cover", ErrFreezeUnavailable)
	}

	st.Current = preSkip
	res, err := s.advanceTx(sc, userID, st, preSkip+1, today, map[string]interface{}{
		"freezes_available": st.FreezesAvailable - 1,
	})
	if err != nil {
		return nil, err
	}
	s.Logger.Info("[STREAK] freeze used", "user", userID, "restored", res.Current)
	return res, nil
}

// PurchaseFreeze spends coins for one streak freeze, atomically.
func (s *StreakService) PurchaseFreeze(ctx context.Context, userID string) (*StreakResult, *WalletResult, error) {
	if userID == "" {
		return nil, nil, validationError("user_id is required")
	}
	type out struct {
		streak *StreakResult
		wallet *WalletResult
	}
	o, err := withConflictRetry(ctx, s.Logger, func() (out, error) {
		var o out
		err := runInTx(ctx, s.Deps, func(sc *txScope) error {
			wr, err := s.wallet.spendTx(sc, userID, config.CoinCosts[config.CostStreakFreeze], "purchase:"+config.CostStreakFreeze)
			if err != nil {
				return err
			}
			st, err := s.ensureTx(sc.tx, userID)
			if err != nil {
				return err
			}
			if err := casTx(sc.tx, st, map[string]interface{}{"freezes_available": st.FreezesAvailable + 1}); err != nil {
				return err
			}
			o = out{
				streak: &StreakResult{Current: st.Current, Longest: st.Longest, FreezesLeft: st.FreezesAvailable + 1},
				wallet: wr,
			}
			return nil
		})
		return o, err
	})
	return o.streak, o.wallet, err
}

// SetTimezone stores the user's IANA zone used for local-day math.
func (s *StreakService) SetTimezone(ctx context.Context, userID, tz string) error {
	if userID == "" {
		return validationError("user_id is required")
	}
	if tz == "" {
		return validationError("timezone is required")
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return validationError("unknown timezone %q", tz)
	}
	_, err := withConflictRetry(ctx, s.Logger, func() (struct{}, error) {
		return struct{}{}, runInTx(ctx, s.Deps, func(sc *txScope) error {
			st, err := s.ensureTx(sc.tx, userID)
			if err != nil {
				return err
			}
			return casTx(sc.tx, st, map[string]interface{}{"timezone": tz})
		})
	})
	return err
}

// GrantFreezes adds freezes without charge (admin and promotions).
func (s *StreakService) GrantFreezes(ctx context.Context, userID string, n int) error {
	if n <= 0 {
		return validationError("freeze count must be positive")
	}
	_, err := withConflictRetry(ctx, s.Logger, func() (struct{}, error) {
		return struct{}{}, runInTx(ctx, s.Deps, func(sc *txScope) error {
			st, err := s.ensureTx(sc.tx, userID)
			if err != nil {
				return err
			}
			return casTx(sc.tx, st, map[string]interface{}{"freezes_available": st.FreezesAvailable + n})
		})
	})
	return err
}

// Status returns the streak read model for today in the user's zone.
func (s *StreakService) Status(ctx context.Context, userID string) (StreakStatus, error) {
	var st models.StreakState
	if err := s.DB.WithContext(ctx).Where("user_id = ?", userID).Limit(1).Find(&st).Error; err != nil {
		return StreakStatus{}, err
	}
	if st.Timezone == "" {
		st.Timezone = s.Config.AppTimezone
	}
	return streakStatus(&st, utils.LocalDateString(s.Clock.Now(), utils.LoadLocation(st.Timezone))), nil
}

func streakStatus(st *models.StreakState, today string) StreakStatus {
	status := StreakStatus{
		Current:          st.Current,
		Longest:          st.Longest,
		LastQualified:    st.LastQualifiedLocalDate,
		Timezone:         st.Timezone,
		FreezesAvailable: st.FreezesAvailable,
		QualifiedToday:   st.LastQualifiedLocalDate != "" && st.LastQualifiedLocalDate == today,
	}
	if st.LastQualifiedLocalDate == "" {
		return status
	}
	gap, err := utils.DayDiff(st.LastQualifiedLocalDate, today)
	if err != nil {
		return status
	}
	status.AtRisk = gap == 1 && st.Current > 0
	if st.FreezesAvailable > 0 {
		status.CanFreeze = (gap == 2 && st.Current > 0) ||
			(gap == 0 && st.BrokenGap == 2 && st.BrokenStreak > 0)
	}
	if gap > 1 {
		status.Current = 0
	}
	return status
}

// RolloverExpiredStreaks zeroes streaks that can no longer be saved by a freeze.
// A streak updated after it was read is skipped and not counted.
func (s *StreakService) RolloverExpiredStreaks(ctx context.Context) (int, error) {
	now := s.Clock.Now()
	reset, skipped := 0, 0
	var batch []models.StreakState
	err := s.DB.WithContext(ctx).Where("current > 0 OR broken_streak > 0").
		FindInBatches(&batch, 200, func(tx *gorm.DB, _ int) error {
			for i := range batch {
				st := batch[i]
				today := utils.LocalDateString(now, utils.LoadLocation(st.Timezone))
				gap, err := utils.DayDiff(st.LastQualifiedLocalDate, today)
				if err != nil {
					continue
				}
				expired := st.Current > 0 && gap > 2
				staleBreak := st.BrokenStreak > 0 && gap >= 1
				if !expired && !staleBreak {
					continue
				}
				upd := s.DB.WithContext(ctx).Model(&models.StreakState{}).
					Where("id = ? AND version = ?", st.ID, st.Version).
					Updates(map[string]interface{}{
						"current":       0,
						"broken_streak": 0,
						"broken_gap":    0,
						"version":       st.Version + 1,
					})
				if upd.Error != nil {
					return upd.Error
				}
				if upd.RowsAffected == 0 {
					// changed since it was read; the next run re-evaluates it
					skipped++
					s.Logger.Warn("[STREAK] rollover skipped concurrently updated streak", "user", st.UserID, "version", st.Version)
					continue
				}
				reset++
			}
			return nil
		}).Error
	if err != nil {
		return reset, err
	}
	s.Logger.Info("[STREAK] rollover complete", "reset", reset, "skipped", skipped)
	return reset, nil
}

// StreakKey is the idempotency key of a streak milestone payout.
func StreakKey(userID string, n int) string {
	return fmt.Sprintf("streak:%s:%d", userID, n)
}
