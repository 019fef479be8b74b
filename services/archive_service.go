package services

import (
	"context"
	"fmt"
	"time"

	"progression-engine/models"
	"progression-engine/utils"

	"gorm.io/gorm"
)

// ArchiveReport summarizes one archive run.
type ArchiveReport struct {
	Challenges     int   `json:"challenges"`
	Events         int   `json:"events"`
	TribeWeeks     int   `json:"tribe_weeks"`
	CountersPruned int64 `json:"counters_pruned"`
	MarkersPruned  int64 `json:"markers_pruned"`
}

type challengeArchive struct {
	Challenge models.Challenge               `json:"challenge"`
	Progress  []models.UserChallengeProgress `json:"progress"`
}

type eventArchive struct {
	Event          models.Event                    `json:"event"`
	Standings      []models.TribeEventStanding     `json:"standings"`
	Participations []models.UserEventParticipation `json:"participations"`
}

// ArchiveService moves finished periods to object storage once they fall out of retention.
type ArchiveService struct {
	Deps
	store utils.ObjectStore
}

// NewArchiveService returns a service; a nil store disables uploads and only prunes counters and markers.
func NewArchiveService(deps Deps, store utils.ObjectStore) *ArchiveService {
	return &ArchiveService{Deps: deps.withDefaults(), store: store}
}

func (s *ArchiveService) ArchiveExpired(ctx context.Context) (*ArchiveReport, error) {
	cutoff := s.Clock.Now().Add(-s.Config.ArchiveRetention)
	db := s.DB.WithContext(ctx)
	report := &ArchiveReport{}

	if s.store != nil {
		var challenges []models.Challenge
		if err := db.Where("ends_at < ?", cutoff).Find(&challenges).Error; err != nil {
			return nil, err
		}
		for _, ch := range challenges {
			if err := s.archiveChallenge(ctx, ch); err != nil {
				return report, err
			}
			report.Challenges++
		}

		var events []models.Event
		if err := db.Where("ends_at < ? AND status = ?", cutoff, models.EventCompleted).Find(&events).Error; err != nil {
			return nil, err
		}
		for _, ev := range events {
			if err := s.archiveEvent(ctx, ev); err != nil {
				return report, err
			}
			report.Events++
		}

		n, err := s.archiveTribeWeeks(ctx, cutoff)
		if err != nil {
			return report, err
		}
		report.TribeWeeks = n
	}

	oldestDay := utils.LocalDateString(cutoff, s.Config.Location())
	res := db.Where("day < ?", oldestDay).Delete(&models.DailyCounter{})
	if res.Error != nil {
		return report, res.Error
	}
	report.CountersPruned = res.RowsAffected

	res = db.Where("created_at < ?", cutoff).Delete(&models.ProcessedActivity{})
	if res.Error != nil {
		return report, res.Error
	}
	report.MarkersPruned = res.RowsAffected

	s.Logger.InfoContext(ctx, "[ARCHIVE] run complete", "challenges", report.Challenges, "events", report.Events,
		"tribe_weeks", report.TribeWeeks, "counters", report.CountersPruned, "markers", report.MarkersPruned)
	return report, nil
}

// archiveChallenge uploads the period first; rows are deleted only after the upload succeeded.
func (s *ArchiveService) archiveChallenge(ctx context.Context, ch models.Challenge) error {
	db := s.DB.WithContext(ctx)
	doc := challengeArchive{Challenge: ch}
	if err := db.Preload("Activities").Where("challenge_id = ?", ch.ID).Find(&doc.Progress).Error; err != nil {
		return err
	}
	key := fmt.Sprintf("archive/challenges/%s/%s.json", ch.Type, ch.PeriodKey)
	if err := utils.PutJSON(ctx, s.store, key, doc); err != nil {
		return err
	}
	return db.Transaction(func(tx *gorm.DB) error {
		sub := tx.Model(&models.UserChallengeProgress{}).Select("id").Where("challenge_id = ?", ch.ID)
		if err := tx.Where("user_challenge_id IN (?)", sub).Delete(&models.UserChallengeActivity{}).Error; err != nil {
			return err
		}
		if err := tx.Where("challenge_id = ?", ch.ID).Delete(&models.UserChallengeProgress{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Challenge{}, "id = ?", ch.ID).Error
	})
}

func (s *ArchiveService) archiveEvent(ctx context.Context, ev models.Event) error {
	db := s.DB.WithContext(ctx)
	doc := eventArchive{Event: ev}
	if err := db.Where("event_id = ?", ev.ID).Find(&doc.Standings).Error; err != nil {
		return err
	}
	if err := db.Preload("Activities").Where("event_id = ?", ev.ID).Find(&doc.Participations).Error; err != nil {
		return err
	}
	key := fmt.Sprintf("archive/events/%s/%s.json", ev.Type, ev.PeriodKey)
	if err := utils.PutJSON(ctx, s.store, key, doc); err != nil {
		return err
	}
	return db.Transaction(func(tx *gorm.DB) error {
		sub := tx.Model(&models.UserEventParticipation{}).Select("id").Where("event_id = ?", ev.ID)
		if err := tx.Where("participation_id IN (?)", sub).Delete(&models.UserEventActivity{}).Error; err != nil {
			return err
		}
		if err := tx.Where("event_id = ?", ev.ID).Delete(&models.UserEventParticipation{}).Error; err != nil {
			return err
		}
		if err := tx.Where("event_id = ?", ev.ID).Delete(&models.TribeEventStanding{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Event{}, "id = ?", ev.ID).Error
	})
}

// archiveTribeWeeks uploads closed weekly states grouped by week.
func (s *ArchiveService) archiveTribeWeeks(ctx context.Context, cutoff time.Time) (int, error) {
	db := s.DB.WithContext(ctx)
	var weeks []string
	if err := db.Model(&models.TribeWeeklyState{}).
		Where("closed = ? AND updated_at < ?", true, cutoff).
		Distinct().Pluck("week_key", &weeks).Error; err != nil {
		return 0, err
	}
	for _, week := range weeks {
		var rows []models.TribeWeeklyState
		if err := db.Where("week_key = ?", week).Order("rank ASC").Find(&rows).Error; err != nil {
			return 0, err
		}
		if err := utils.PutJSON(ctx, s.store, "archive/tribe-weeks/"+week+".json", rows); err != nil {
			return 0, err
		}
		if err := db.Where("week_key = ? AND closed = ?", week, true).Delete(&models.TribeWeeklyState{}).Error; err != nil {
			return 0, err
		}
	}
	return len(weeks), nil
}
