package services

import (
	"fmt"

	"progression-engine/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CounterLimit caps one daily counter.
type CounterLimit struct {
	Key string
	Cap int64
}

// CounterStore holds the shared per-user daily counters that back rate limits.
type CounterStore struct{}

// ensureTx creates the counter row if missing and returns its current value.
func (s *CounterStore) ensureTx(tx *gorm.DB, userID, key, day string) (*models.DailyCounter, error) {
	row := models.DailyCounter{UserID: userID, CounterKey: key, Day: day}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "counter_key"}, {Name: "day"}},
		DoNothing: true,
	}).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("ensure counter %s: %w", key, err)
	}
	var current models.DailyCounter
	if err := lockForUpdate(tx).
		Where("user_id = ? AND counter_key = ? AND day = ?", userID, key, day).
		First(&current).Error; err != nil {
		return nil, err
	}
	return &current, nil
}

// ReserveTx grants up to amount against every limit and returns what was granted.
// Each increment is guarded so a counter can never pass its cap.
func (s *CounterStore) ReserveTx(tx *gorm.DB, userID, day string, amount int64, limits ...CounterLimit) (int64, error) {
	granted := amount
	rows := make([]*models.DailyCounter, len(limits))
	for i, lim := range limits {
		row, err := s.ensureTx(tx, userID, lim.Key, day)
		if err != nil {
			return 0, err
		}
		rows[i] = row
		if remaining := lim.Cap - row.Value; remaining < granted {
			granted = remaining
		}
	}
	if granted <= 0 {
		return 0, nil
	}
	for i, lim := range limits {
		res := tx.Model(&models.DailyCounter{}).
			Where("id = ? AND value + ? <= ?", rows[i].ID, granted, lim.Cap).
			Update("value", gorm.Expr("value + ?", granted))
		if res.Error != nil {
			return 0, res.Error
		}
		if res.RowsAffected == 0 {
			return 0, ErrConcurrentUpdate
		}
	}
	return granted, nil
}

// ValuesTx reads counters for a day without creating them.
func (s *CounterStore) ValuesTx(tx *gorm.DB, userID, day string, keys ...string) (map[string]int64, error) {
	var rows []models.DailyCounter
	if err := tx.Where("user_id = ? AND day = ? AND counter_key IN ?", userID, day, keys).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(keys))
	for _, k := range keys {
		out[k] = 0
	}
	for _, r := range rows {
		out[r.CounterKey] = r.Value
	}
	return out, nil
}

func xpCounterKey(class string) string { return "xp:" + class }

const xpTotalKey = "xp:total"
