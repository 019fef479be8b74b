package workers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"progression-engine/config"
	"progression-engine/models"
	"progression-engine/services"

	"github.com/cenkalti/backoff/v5"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type stubClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(models.All()...))
	return db
}

func newTestEngine(t *testing.T, db *gorm.DB, now time.Time) *services.Engine {
	t.Helper()
	engine, err := services.NewEngine(services.Deps{
		DB:     db,
		Config: config.Defaults(),
		Logger: discardLogger(),
		Clock:  &stubClock{now: now},
	})
	require.NoError(t, err)
	return engine
}

func fastRunner(db *gorm.DB) *JobRunner {
	r := NewJobRunner(db, discardLogger())
	r.backOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return r
}

func TestJobRunnerRetriesUntilSuccess(t *testing.T) {
	db := openTestDB(t)
	runner := fastRunner(db)

	calls := 0
	err := runner.Run(context.Background(), "flaky", "2026-W11", func(_ context.Context, key string) error {
		calls++
		assert.Equal(t, "2026-W11", key)
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	parked, err := runner.Parked(context.Background())
	require.NoError(t, err)
	assert.Empty(t, parked)
}

func TestJobRunnerParksExhaustedJobs(t *testing.T) {
	db := openTestDB(t)
	runner := fastRunner(db)
	ctx := context.Background()

	calls := 0
	err := runner.Run(ctx, "broken", "2026-03-10", func(context.Context, string) error {
		calls++
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, 5, calls)

	parked, err := runner.Parked(ctx)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, "broken", parked[0].Job)
	assert.Equal(t, "2026-03-10", parked[0].PeriodKey)
	assert.Equal(t, 5, parked[0].Attempts)
	assert.Contains(t, parked[0].LastError, "boom")

	require.NoError(t, runner.Resolve(ctx, parked[0].ID))
	parked, err = runner.Parked(ctx)
	require.NoError(t, err)
	assert.Empty(t, parked)

	assert.ErrorIs(t, runner.Resolve(ctx, "missing"), gorm.ErrRecordNotFound)
}
