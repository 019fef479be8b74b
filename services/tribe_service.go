package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"progression-engine/config"
	"progression-engine/models"
	"progression-engine/utils"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TribeStanding is one ranked row of a tribe leaderboard.
type TribeStanding struct {
	TribeID      string `json:"tribe_id"`
	TribeName    string `json:"tribe_name,omitempty"`
	Score        int64  `json:"score"`
	Rank         int    `json:"rank"`
	WinningTribe bool   `json:"winning_tribe"`
	IsCompleted  bool   `json:"is_completed,omitempty"`
}

// CloseResult is the outcome of a boundary close job.
type CloseResult struct {
	PeriodKey     string          `json:"period_key"`
	AlreadyClosed bool            `json:"already_closed"`
	Standings     []TribeStanding `json:"standings"`
}

const jobTribeWeekClose = "tribe_week_close"

type TribeService struct {
	Deps
}

func NewTribeService(deps Deps) *TribeService {
	return &TribeService{Deps: deps}
}

// tribeOfTx returns the user's tribe id, or "" when the user has none.
func tribeOfTx(tx *gorm.DB, userID string) (string, error) {
	var m models.TribeMember
	err := tx.Where("external_user_id = ?", userID).Limit(1).Find(&m).Error
	if err != nil {
		return "", err
	}
	return m.TribeID, nil
}

// ensureTribeTx creates the tribe mirror; a non-empty name also refreshes it.
func ensureTribeTx(tx *gorm.DB, tribeID, name string) error {
	onConflict := clause.OnConflict{Columns: []clause.Column{{Name: "external_tribe_id"}}, DoNothing: true}
	if name != "" {
		onConflict = clause.OnConflict{
			Columns:   []clause.Column{{Name: "external_tribe_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name"}),
		}
	} else {
		name = tribeID
	}
	return tx.Clauses(onConflict).
		Create(&models.Tribe{ExternalTribeID: tribeID, Name: name, TotemLevel: 1, RewardMultiplier: 1}).Error
}

// SetMembership upserts the user's tribe; an empty tribeID removes the membership.
func (s *TribeService) SetMembership(ctx context.Context, userID, tribeID, tribeName string) error {
	if userID == "" {
		return validationError("user_id is required")
	}
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return setMembershipTx(tx, userID, tribeID, tribeName, s.Clock.Now())
	})
}

func setMembershipTx(tx *gorm.DB, userID, tribeID, tribeName string, joinedAt time.Time) error {
	if tribeID == "" {
		return tx.Where("external_user_id = ?", userID).Delete(&models.TribeMember{}).Error
	}
	if err := ensureTribeTx(tx, tribeID, tribeName); err != nil {
		return err
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"tribe_id", "joined_at", "updated_at"}),
	}).Create(&models.TribeMember{ExternalUserID: userID, TribeID: tribeID, JoinedAt: joinedAt.UTC()}).Error
}

// SyncMembers applies a batch of remote membership rows.
func (s *TribeService) SyncMembers(ctx context.Context, rows []models.RemoteTribeMember) error {
	if len(rows) == 0 {
		return nil
	}
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, r := range rows {
			tribeID := r.TribeID
			if r.Left {
				tribeID = ""
			}
			if err := setMembershipTx(tx, r.ExternalUserID, tribeID, r.TribeName, r.JoinedAt); err != nil {
				return fmt.Errorf("sync member %s: %w", r.ExternalUserID, err)
			}
		}
		return nil
	})
}

// addWeeklyScoreTx adds points to an open weekly row; false when the week is already closed.
func (s *TribeService) addWeeklyScoreTx(sc *txScope, tribeID, weekKey string, points, target int64) (bool, error) {
	row := models.TribeWeeklyState{TribeID: tribeID, WeekKey: weekKey, TargetScore: target}
	if err := sc.tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tribe_id"}, {Name: "week_key"}},
		DoNothing: true,
	}).Create(&row).Error; err != nil {
		return false, err
	}

	res := sc.tx.Model(&models.TribeWeeklyState{}).
		Where("tribe_id = ? AND week_key = ? AND closed = ?", tribeID, weekKey, false).
		Update("score", gorm.Expr("score + ?", points))
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	completed := false
	if target > 0 {
		flip := sc.tx.Model(&models.TribeWeeklyState{}).
			Where("tribe_id = ? AND week_key = ? AND closed = ? AND is_completed = ? AND score >= ?", tribeID, weekKey, false, false, target).
			Updates(map[string]interface{}{"is_completed": true, "target_score": target})
		if flip.Error != nil {
			return false, flip.Error
		}
		completed = flip.RowsAffected > 0
	}

	var current models.TribeWeeklyState
	if err := sc.tx.Where("tribe_id = ? AND week_key = ?", tribeID, weekKey).First(&current).Error; err != nil {
		return false, err
	}
	sc.emit(TribeChannel(tribeID), EventTribeChallengeUpdate, map[string]any{
		"week_key": weekKey, "score": current.Score, "target": target,
		"is_completed": current.IsCompleted, "just_completed": completed,
	})
	return true, nil
}

// addClanPointsTx credits the user's tribe for the current week, scaled by the tribe's multiplier.
func (s *TribeService) addClanPointsTx(sc *txScope, userID string, points int64) (int64, error) {
	tribeID, err := tribeOfTx(sc.tx, userID)
	if err != nil || tribeID == "" {
		return 0, err
	}
	var tribe models.Tribe
	if err := sc.tx.Where("external_tribe_id = ?", tribeID).Limit(1).Find(&tribe).Error; err != nil {
		return 0, err
	}
	scaled := int64(math.Round(float64(points) * tribe.ActiveMultiplier(sc.now)))

	weekKey := utils.ISOWeekKey(sc.now, s.Config.Location())
	target := config.WeeklyTemplateFor(weekKey).TribeTargetValue
	if _, err := s.addWeeklyScoreTx(sc, tribeID, weekKey, scaled, target); err != nil {
		return 0, err
	}
	return scaled, nil
}

// CloseTribeWeek ranks the week, rewards the top tribe and resets scores. Runs once per week key.
func (s *TribeService) CloseTribeWeek(ctx context.Context, weekKey string) (*CloseResult, error) {
	if weekKey == "" {
		return nil, validationError("week key is required")
	}
	result := &CloseResult{PeriodKey: weekKey}
	err := runInTx(ctx, s.Deps, func(sc *txScope) error {
		claimed, err := claimPeriodJob(sc.tx, jobTribeWeekClose, weekKey)
		if err != nil {
			return err
		}
		if !claimed {
			result.AlreadyClosed = true
			return nil
		}

		var rows []models.TribeWeeklyState
		if err := lockForUpdate(sc.tx).
			Where("week_key = ? AND closed = ?", weekKey, false).
			Order("score DESC").Order("tribe_id ASC").
			Find(&rows).Error; err != nil {
			return err
		}

		_, periodEnd := s.weekWindow(weekKey)
		for i, row := range rows {
			rank := i + 1
			winner := rank == 1 && row.Score > 0
			if err := sc.tx.Model(&models.TribeWeeklyState{}).
				Where("id = ?", row.ID).
				Updates(map[string]interface{}{
					"final_score":   row.Score,
					"rank":          rank,
					"winning_tribe": winner,
					"score":         0,
					"closed":        true,
				}).Error; err != nil {
				return err
			}
			if winner {
				if err := rewardWinningTribeTx(sc.tx, row.TribeID, models.BadgeTribeChampion, config.TribeWinnerMultiplier, periodEnd.Add(7*24*time.Hour), false); err != nil {
					return err
				}
			}
			result.Standings = append(result.Standings, TribeStanding{
				TribeID: row.TribeID, Score: row.Score, Rank: rank, WinningTribe: winner, IsCompleted: row.IsCompleted,
			})
			sc.emit(TribeChannel(row.TribeID), EventTribeWeeklyReset, map[string]any{
				"week_key": weekKey, "final_score": row.Score, "rank": rank, "winning_tribe": winner,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.AlreadyClosed {
		standings, err := s.TribeLeaderboard(ctx, weekKey)
		if err != nil {
			return nil, err
		}
		result.Standings = standings
	}
	s.Logger.Info("[TRIBE] week closed", "week", weekKey, "tribes", len(result.Standings), "already_closed", result.AlreadyClosed)
	return result, nil
}

// weekWindow resolves the window of a week key from its Monday in the app timezone.
func (s *TribeService) weekWindow(weekKey string) (time.Time, time.Time) {
	var year, week int
	if _, err := fmt.Sscanf(weekKey, "%d-W%d", &year, &week); err != nil {
		now := s.Clock.Now()
		return utils.WeekWindow(now, s.Config.Location())
	}
	loc := s.Config.Location()
	// Jan 4th is always in week 1.
	jan4 := time.Date(year, 1, 4, 12, 0, 0, 0, loc)
	return utils.WeekWindow(jan4.AddDate(0, 0, (week-1)*7), loc)
}

// rewardWinningTribeTx grants a tribe badge, a totem level and a temporary multiplier.
func rewardWinningTribeTx(tx *gorm.DB, tribeID, badge string, multiplier float64, until time.Time, clanWar bool) error {
	if err := ensureTribeTx(tx, tribeID, ""); err != nil {
		return err
	}
	var tribe models.Tribe
	if err := lockForUpdate(tx).Where("external_tribe_id = ?", tribeID).First(&tribe).Error; err != nil {
		return err
	}
	tribe.Badges = append(tribe.Badges, badge)
	tribe.TotemLevel++
	tribe.RewardMultiplier = multiplier
	expires := until.UTC()
	tribe.MultiplierExpiresAt = &expires
	if clanWar {
		tribe.ClanWarWins++
	}
	return tx.Model(&tribe).
		Select("badges", "totem_level", "reward_multiplier", "multiplier_expires_at", "clan_war_wins").
		Updates(&tribe).Error
}

// TribeLeaderboard ranks tribes for a week: live score while open, final score once closed.
func (s *TribeService) TribeLeaderboard(ctx context.Context, weekKey string) ([]TribeStanding, error) {
	var rows []models.TribeWeeklyState
	if err := s.DB.WithContext(ctx).Where("week_key = ?", weekKey).Find(&rows).Error; err != nil {
		return nil, err
	}
	names, err := s.tribeNames(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]TribeStanding, 0, len(rows))
	for _, r := range rows {
		score := r.Score
		if r.Closed {
			score = r.FinalScore
		}
		out = append(out, TribeStanding{
			TribeID: r.TribeID, TribeName: names[r.TribeID], Score: score,
			Rank: r.Rank, WinningTribe: r.WinningTribe, IsCompleted: r.IsCompleted,
		})
	}
	sortStandings(out)
	return out, nil
}

func (s *TribeService) tribeNames(ctx context.Context) (map[string]string, error) {
	var tribes []models.Tribe
	if err := s.DB.WithContext(ctx).Select("external_tribe_id", "name").Find(&tribes).Error; err != nil {
		return nil, err
	}
	names := make(map[string]string, len(tribes))
	for _, t := range tribes {
		names[t.ExternalTribeID] = t.Name
	}
	return names, nil
}

// sortStandings orders by score (ties by tribe id) and fills ranks of open rows.
func sortStandings(rows []TribeStanding) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Score != rows[j].Score {
			return rows[i].Score > rows[j].Score
		}
		return rows[i].TribeID < rows[j].TribeID
	})
	for i := range rows {
		if rows[i].Rank == 0 {
			rows[i].Rank = i + 1
		}
	}
}

// GetTribe returns the tribe mirror.
func (s *TribeService) GetTribe(ctx context.Context, tribeID string) (*models.Tribe, error) {
	var t models.Tribe
	err := s.DB.WithContext(ctx).Where("external_tribe_id = ?", tribeID).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &t, err
}

// TribeOf returns the user's tribe id ("" when none).
func (s *TribeService) TribeOf(ctx context.Context, userID string) (string, error) {
	return tribeOfTx(s.DB.WithContext(ctx), userID)
}
