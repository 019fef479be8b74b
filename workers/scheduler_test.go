package workers

import (
	"context"
	"testing"
	"time"

	"progression-engine/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerJobNames(t *testing.T) {
	db := openTestDB(t)
	engine := newTestEngine(t, db, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	s := NewScheduler(engine, nil, fastRunner(db), discardLogger())

	assert.Equal(t, []string{JobArchive, JobClanWarClose, JobEventStatus, JobStreakRollover, JobTribeWeekClose}, s.JobNames())
	assert.ErrorIs(t, s.RunNow(context.Background(), "nope"), ErrUnknownJob)
	// archiving is disabled without a store
	assert.NoError(t, s.RunNow(context.Background(), JobArchive))
}

func TestSchedulerClosesPreviousTribeWeek(t *testing.T) {
	db := openTestDB(t)
	engine := newTestEngine(t, db, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	s := NewScheduler(engine, nil, fastRunner(db), discardLogger())
	ctx := context.Background()

	require.NoError(t, db.Create(&models.TribeWeeklyState{TribeID: "tribe-a", WeekKey: "2026-W10", Score: 42}).Error)
	require.NoError(t, s.RunNow(ctx, JobTribeWeekClose))
	require.NoError(t, s.RunNow(ctx, JobTribeWeekClose))

	var row models.TribeWeeklyState
	require.NoError(t, db.Where("tribe_id = ? AND week_key = ?", "tribe-a", "2026-W10").First(&row).Error)
	assert.True(t, row.Closed)
	assert.True(t, row.WinningTribe)
	assert.Equal(t, int64(42), row.FinalScore)

	var runs int64
	require.NoError(t, db.Model(&models.PeriodJobRun{}).Where("period_key = ?", "2026-W10").Count(&runs).Error)
	assert.Equal(t, int64(1), runs)
}

func TestSchedulerRefreshesEvents(t *testing.T) {
	db := openTestDB(t)
	engine := newTestEngine(t, db, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	s := NewScheduler(engine, nil, fastRunner(db), discardLogger())

	require.NoError(t, s.RunNow(context.Background(), JobEventStatus))
	var events int64
	require.NoError(t, db.Model(&models.Event{}).Count(&events).Error)
	assert.Equal(t, int64(3), events)

	require.NoError(t, s.RunNow(context.Background(), JobClanWarClose))
	require.NoError(t, s.RunNow(context.Background(), JobStreakRollover))
}
