package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"progression-engine/config"
	"progression-engine/models"
	"progression-engine/utils"

	"github.com/gosimple/slug"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChallengeProgress is one challenge as seen by a user.
type ChallengeProgress struct {
	ID            string           `json:"id,omitempty"` // user challenge id
	Challenge     models.Challenge `json:"challenge"`
	Progress      int64            `json:"progress"`
	IsCompleted   bool             `json:"is_completed"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
	JustCompleted bool             `json:"just_completed,omitempty"`
	Reward        *DispatchResult  `json:"reward,omitempty"`
}

// ActiveChallenges is the read model behind GET /user/challenges.
type ActiveChallenges struct {
	Daily  ChallengeProgress         `json:"daily"`
	Weekly ChallengeProgress         `json:"weekly"`
	Tribe  *TribeChallengeStatus     `json:"tribe,omitempty"`
	Stats  models.UserChallengeStats `json:"stats"`
}

// TribeChallengeStatus is the user's tribe progress on the weekly challenge.
type TribeChallengeStatus struct {
	TribeID     string `json:"tribe_id"`
	Score       int64  `json:"score"`
	Target      int64  `json:"target"`
	IsCompleted bool   `json:"is_completed"`
}

type ChallengeService struct {
	Deps
	rewards *RewardDispatcher
	tribes  *TribeService
	cache   *lru.Cache
	titler  cases.Caser
}

func NewChallengeService(deps Deps, rewards *RewardDispatcher, tribes *TribeService) (*ChallengeService, error) {
	cache, err := lru.New(64)
	if err != nil {
		return nil, fmt.Errorf("challenge cache: %w", err)
	}
	return &ChallengeService{
		Deps:    deps,
		rewards: rewards,
		tribes:  tribes,
		cache:   cache,
		titler:  cases.Title(language.English),
	}, nil
}

func challengeCacheKey(t models.ChallengeType, periodKey string) string {
	return string(t) + ":" + periodKey
}

// templateFor builds the template row of a period.
func (s *ChallengeService) templateFor(t models.ChallengeType, periodKey string) (*models.Challenge, error) {
	loc := s.Config.Location()
	var tpl config.ChallengeTemplate
	var start, end time.Time
	switch t {
	case models.ChallengeDaily:
		day, err := time.ParseInLocation(utils.DateLayout, periodKey, loc)
		if err != nil {
			return nil, validationError("bad daily period %q", periodKey)
		}
		tpl = config.DailyTemplates[int(day.Weekday())]
		start, end = utils.DayWindow(day.Add(12*time.Hour), loc)
	case models.ChallengeWeekly:
		tpl = config.WeeklyTemplateFor(periodKey)
		start, end = s.tribes.weekWindow(periodKey)
	default:
		return nil, validationError("unknown challenge type %q", t)
	}
	title := tpl.Title
	if title == "" {
		title = s.titler.String(strings.ReplaceAll(tpl.Objective, "_", " "))
	}
	return &models.Challenge{
		Code:             slug.Make(fmt.Sprintf("%s %s %s", t, tpl.Objective, periodKey)),
		Type:             t,
		PeriodKey:        periodKey,
		Title:            title,
		Description:      tpl.Description,
		Objective:        tpl.Objective,
		TargetValue:      tpl.TargetValue,
		TribeTargetValue: tpl.TribeTargetValue,
		Rewards:          tpl.Rewards,
		StartsAt:         start,
		EndsAt:           end,
	}, nil
}

// GetOrCreate returns the template of a period, creating it by upsert on first use.
func (s *ChallengeService) GetOrCreate(ctx context.Context, t models.ChallengeType, periodKey string) (*models.Challenge, error) {
	key := challengeCacheKey(t, periodKey)
	if v, ok := s.cache.Get(key); ok {
		c := v.(models.Challenge)
		return &c, nil
	}
	row, err := s.templateFor(t, periodKey)
	if err != nil {
		return nil, err
	}
	db := s.DB.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "type"}, {Name: "period_key"}},
		DoNothing: true,
	}).Create(row).Error; err != nil {
		return nil, fmt.Errorf("create %s challenge %s: %w", t, periodKey, err)
	}
	var current models.Challenge
	if err := db.Where("type = ? AND period_key = ?", t, periodKey).First(&current).Error; err != nil {
		return nil, err
	}
	s.cache.Add(key, current)
	return &current, nil
}

// currentTemplates resolves today's daily and this week's weekly template.
func (s *ChallengeService) currentTemplates(ctx context.Context, now time.Time) ([]*models.Challenge, error) {
	loc := s.Config.Location()
	daily, err := s.GetOrCreate(ctx, models.ChallengeDaily, utils.LocalDateString(now, loc))
	if err != nil {
		return nil, err
	}
	weekly, err := s.GetOrCreate(ctx, models.ChallengeWeekly, utils.ISOWeekKey(now, loc))
	if err != nil {
		return nil, err
	}
	return []*models.Challenge{daily, weekly}, nil
}

// UpdateProgress applies an activity to the current daily, weekly and tribe challenges.
func (s *ChallengeService) UpdateProgress(ctx context.Context, userID, activityType string, value int64) ([]ChallengeProgress, error) {
	return s.updateProgress(ctx, Activity{ID: newActivityID(), UserID: userID, Type: activityType, Value: value})
}

func (s *ChallengeService) updateProgress(ctx context.Context, act Activity) ([]ChallengeProgress, error) {
	if act.UserID == "" {
		return nil, validationError("user_id is required")
	}
	if act.Value <= 0 {
		return nil, validationError("value must be positive")
	}
	templates, err := s.currentTemplates(ctx, s.Clock.Now())
	if err != nil {
		return nil, err
	}
	return withConflictRetry(ctx, s.Logger, func() ([]ChallengeProgress, error) {
		var out []ChallengeProgress
		err := runInTx(ctx, s.Deps, func(sc *txScope) error {
			var err error
			out, err = s.updateProgressTx(sc, templates, act)
			return err
		})
		return out, err
	})
}

func (s *ChallengeService) updateProgressTx(sc *txScope, templates []*models.Challenge, act Activity) ([]ChallengeProgress, error) {
	var out []ChallengeProgress
	for _, ch := range templates {
		if config.ObjectiveActivity[ch.Objective] != act.Type {
			continue
		}
		cp, err := s.advanceTx(sc, ch, act)
		if err != nil {
			return nil, err
		}
		if cp != nil {
			out = append(out, *cp)
		}

		if ch.Type == models.ChallengeWeekly && ch.TribeTargetValue > 0 {
			tribeID, err := tribeOfTx(sc.tx, act.UserID)
			if err != nil {
				return nil, err
			}
			if tribeID != "" {
				if _, err := s.tribes.addWeeklyScoreTx(sc, tribeID, ch.PeriodKey, act.Value, ch.TribeTargetValue); err != nil {
					return nil, err
				}
			}
		}
	}
	return out, nil
}

// advanceTx moves one user's progress on one template; nil when already complete.
func (s *ChallengeService) advanceTx(sc *txScope, ch *models.Challenge, act Activity) (*ChallengeProgress, error) {
	p := models.UserChallengeProgress{UserID: act.UserID, ChallengeID: ch.ID}
	if err := sc.tx.Omit(clause.Associations).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "challenge_id"}},
		DoNothing: true,
	}).Create(&p).Error; err != nil {
		return nil, err
	}
	var cur models.UserChallengeProgress
	if err := lockForUpdate(sc.tx).Where("user_id = ? AND challenge_id = ?", act.UserID, ch.ID).First(&cur).Error; err != nil {
		return nil, err
	}
	if cur.IsCompleted {
		return nil, nil
	}

	next := cur.Progress + act.Value
	if next > ch.TargetValue {
		next = ch.TargetValue
	}
	updates := map[string]interface{}{"progress": next}
	done := next >= ch.TargetValue
	if done {
		updates["is_completed"] = true
		updates["completed_at"] = sc.now
	}
	res := sc.tx.Model(&models.UserChallengeProgress{}).
		Where("id = ? AND progress = ? AND is_completed = ?", cur.ID, cur.Progress, false).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrConcurrentUpdate
	}

	entry := models.UserChallengeActivity{
		UserChallengeID: cur.ID,
		ActivityID:      act.ID,
		ActivityType:    act.Type,
		Value:           act.Value,
		Metadata:        metadataJSON(act.Metadata),
	}
	if err := sc.tx.Create(&entry).Error; err != nil {
		return nil, err
	}

	cp := &ChallengeProgress{ID: cur.ID, Challenge: *ch, Progress: next, IsCompleted: done}
	if done {
		now := sc.now
		cp.CompletedAt = &now
		cp.JustCompleted = true
		cur.Progress, cur.IsCompleted, cur.CompletedAt = next, true, &now
		var err error
		if cp.Reward, err = s.completeTx(sc, &cur, ch); err != nil {
			return nil, err
		}
	}
	return cp, nil
}

// CompleteChallenge pays a completed user challenge. Repeated calls pay once.
func (s *ChallengeService) CompleteChallenge(ctx context.Context, userChallengeID string) (*DispatchResult, error) {
	return withConflictRetry(ctx, s.Logger, func() (*DispatchResult, error) {
		var res *DispatchResult
		err := runInTx(ctx, s.Deps, func(sc *txScope) error {
			var cur models.UserChallengeProgress
			err := lockForUpdate(sc.tx).Where("id = ?", userChallengeID).First(&cur).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			var ch models.Challenge
			if err := sc.tx.Where("id = ?", cur.ChallengeID).First(&ch).Error; err != nil {
				return err
			}
			if !cur.IsCompleted {
				if cur.Progress < ch.TargetValue {
					return validationError("challenge %s not completed (%d/%d)", ch.Code, cur.Progress, ch.TargetValue)
				}
				now := sc.now
				if err := sc.tx.Model(&models.UserChallengeProgress{}).Where("id = ?", cur.ID).
					Updates(map[string]interface{}{"is_completed": true, "completed_at": now}).Error; err != nil {
					return err
				}
				cur.IsCompleted, cur.CompletedAt = true, &now
			}
			res, err = s.completeTx(sc, &cur, &ch)
			return err
		})
		return res, err
	})
}

func (s *ChallengeService) completeTx(sc *txScope, cur *models.UserChallengeProgress, ch *models.Challenge) (*DispatchResult, error) {
	key := ChallengeKey(cur.UserID, ch.Type, ch.PeriodKey)

	// Counters first, so catalog badges evaluated by the dispatcher see this completion.
	stats, err := s.ensureStatsTx(sc.tx, cur.UserID)
	if err != nil {
		return nil, err
	}
	var paid int64
	if err := sc.tx.Model(&models.RewardGrant{}).Where("idempotency_key = ?", key).Count(&paid).Error; err != nil {
		return nil, err
	}
	if paid > 0 {
		return &DispatchResult{Key: key, Duplicate: true, Bundle: ch.Rewards}, nil
	}
	if err := s.bumpStatsTx(sc.tx, stats, ch); err != nil {
		return nil, err
	}

	res, err := s.rewards.dispatchTx(sc, cur.UserID, key, models.RewardSourceChallenge, ch.Rewards)
	if err != nil {
		return nil, err
	}
	sc.emit(UserChannel(cur.UserID), EventChallengeCompleted, map[string]any{
		"challenge_id": ch.ID, "type": ch.Type, "period_key": ch.PeriodKey,
		"title": ch.Title, "rewards": ch.Rewards,
	})
	s.Logger.Info("[CHALLENGE] completed", "user", cur.UserID, "type", ch.Type, "period", ch.PeriodKey)
	return res, nil
}

func (s *ChallengeService) ensureStatsTx(tx *gorm.DB, userID string) (*models.UserChallengeStats, error) {
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(&models.UserChallengeStats{UserID: userID}).Error; err != nil {
		return nil, err
	}
	var st models.UserChallengeStats
	if err := lockForUpdate(tx).Where("user_id = ?", userID).First(&st).Error; err != nil {
		return nil, err
	}
	return &st, nil
}

// bumpStatsTx increments completion counters and the daily completion streak.
func (s *ChallengeService) bumpStatsTx(tx *gorm.DB, st *models.UserChallengeStats, ch *models.Challenge) error {
	updates := map[string]interface{}{}
	if ch.Type == models.ChallengeWeekly {
		updates["weekly_completed"] = st.WeeklyCompleted + 1
	} else {
		updates["daily_completed"] = st.DailyCompleted + 1
		streak := 1
		if st.LastCompletionDate != "" {
			gap, err := utils.DayDiff(st.LastCompletionDate, ch.PeriodKey)
			if err != nil {
				return err
			}
			switch {
			case gap == 0:
				streak = st.CompletionStreak
			case gap == 1:
				streak = st.CompletionStreak + 1
			}
		}
		longest := st.LongestCompletion
		if streak > longest {
			longest = streak
		}
		updates["completion_streak"] = streak
		updates["longest_completion"] = longest
		updates["last_completion_date"] = ch.PeriodKey
	}
	res := tx.Model(&models.UserChallengeStats{}).
		Where("id = ? AND daily_completed = ? AND weekly_completed = ?", st.ID, st.DailyCompleted, st.WeeklyCompleted).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConcurrentUpdate
	}
	return nil
}

// ActiveChallenges returns today's daily, this week's weekly and their progress for a user.
func (s *ChallengeService) ActiveChallenges(ctx context.Context, userID string) (*ActiveChallenges, error) {
	templates, err := s.currentTemplates(ctx, s.Clock.Now())
	if err != nil {
		return nil, err
	}
	db := s.DB.WithContext(ctx)

	view := func(ch *models.Challenge) (ChallengeProgress, error) {
		var p models.UserChallengeProgress
		if err := db.Where("user_id = ? AND challenge_id = ?", userID, ch.ID).Limit(1).Find(&p).Error; err != nil {
			return ChallengeProgress{}, err
		}
		return ChallengeProgress{ID: p.ID, Challenge: *ch, Progress: p.Progress, IsCompleted: p.IsCompleted, CompletedAt: p.CompletedAt}, nil
	}
	out := &ActiveChallenges{}
	if out.Daily, err = view(templates[0]); err != nil {
		return nil, err
	}
	if out.Weekly, err = view(templates[1]); err != nil {
		return nil, err
	}
	if err := db.Where("user_id = ?", userID).Limit(1).Find(&out.Stats).Error; err != nil {
		return nil, err
	}

	tribeID, err := tribeOfTx(db, userID)
	if err != nil {
		return nil, err
	}
	if tribeID != "" {
		var tw models.TribeWeeklyState
		if err := db.Where("tribe_id = ? AND week_key = ?", tribeID, templates[1].PeriodKey).Limit(1).Find(&tw).Error; err != nil {
			return nil, err
		}
		out.Tribe = &TribeChallengeStatus{
			TribeID: tribeID, Score: tw.Score, Target: templates[1].TribeTargetValue, IsCompleted: tw.IsCompleted,
		}
	}
	return out, nil
}

// History returns a user's challenge progress rows with their activity logs, newest first.
func (s *ChallengeService) History(ctx context.Context, userID string, limit int) ([]models.UserChallengeProgress, error) {
	if limit < 1 || limit > 50 {
		limit = 20
	}
	var rows []models.UserChallengeProgress
	err := s.DB.WithContext(ctx).
		Preload("Challenge").
		Preload("Activities", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC") }).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// ChallengeKey is the idempotency key of a challenge payout.
func ChallengeKey(userID string, t models.ChallengeType, periodKey string) string {
	return fmt.Sprintf("challenge:%s:%s:%s", userID, t, periodKey)
}

func metadataJSON(meta map[string]any) datatypes.JSON {
	if len(meta) == 0 {
		return nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}
