package services

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"progression-engine/config"
	"progression-engine/models"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []Notification
}

func (n *recordingNotifier) Publish(_ context.Context, notes ...Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, notes...)
	return nil
}

func (n *recordingNotifier) events(channel string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, note := range n.notes {
		if note.Channel == channel {
			out = append(out, note.Event)
		}
	}
	return out
}

type testEnv struct {
	engine   *Engine
	db       *gorm.DB
	clock    *fakeClock
	notifier *recordingNotifier
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	// every connection to :memory: is a separate database
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(models.All()...))
	return db
}

func newTestEngine(t *testing.T, now time.Time) *testEnv {
	t.Helper()
	db := newTestDB(t)
	clock := &fakeClock{}
	clock.Set(now)
	notifier := &recordingNotifier{}

	engine, err := NewEngine(Deps{
		DB:       db,
		Config:   config.Defaults(),
		Notifier: notifier,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:    clock,
	})
	require.NoError(t, err)
	require.NoError(t, engine.Badges.SeedCatalog(context.Background()))
	return &testEnv{engine: engine, db: db, clock: clock, notifier: notifier}
}

func (env *testEnv) balance(t *testing.T, userID string) int64 {
	t.Helper()
	w, err := env.engine.Wallet.GetWallet(context.Background(), userID)
	require.NoError(t, err)
	return w.Balance
}

func (env *testEnv) progress(t *testing.T, userID string) *ProgressSummary {
	t.Helper()
	s, err := env.engine.Progression.Summary(context.Background(), userID)
	require.NoError(t, err)
	return s
}

func (env *testEnv) grantCount(t *testing.T, key string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, env.db.Model(&models.RewardGrant{}).Where("idempotency_key = ?", key).Count(&n).Error)
	return n
}

func utcTime(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, value)
	require.NoError(t, err)
	return ts.UTC()
}
