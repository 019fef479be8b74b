package services

import (
	"context"
	"testing"
	"time"

	"progression-engine/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func markDays(t *testing.T, env *testEnv, userID string, start time.Time, days int) *StreakResult {
	t.Helper()
	var res *StreakResult
	for i := 0; i < days; i++ {
		env.clock.Set(start.AddDate(0, 0, i))
		var err error
		res, err = env.engine.Streaks.MarkQualifyingAction(context.Background(), userID, "daily_login")
		require.NoError(t, err)
	}
	return res
}

func TestStreakCountsOncePerDay(t *testing.T) {
	start := utcTime(t, "2026-03-01T10:00:00Z")
	env := newTestEngine(t, start)
	ctx := context.Background()

	res := markDays(t, env, "u1", start, 2)
	assert.Equal(t, 2, res.Current)

	env.clock.Advance(5 * time.Hour)
	res, err := env.engine.Streaks.MarkQualifyingAction(ctx, "u1", "vote")
	require.NoError(t, err)
	assert.True(t, res.AlreadyQualified)
	assert.Equal(t, 2, res.Current)

	status, err := env.engine.Streaks.Status(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, status.QualifiedToday)
	assert.Equal(t, 2, status.Longest)
}

func TestStreakBreaksAfterMissedDays(t *testing.T) {
	start := utcTime(t, "2026-03-01T10:00:00Z")
	env := newTestEngine(t, start)
	ctx := context.Background()

	markDays(t, env, "u1", start, 4)
	env.clock.Set(start.AddDate(0, 0, 6)) // two days missed
	res, err := env.engine.Streaks.MarkQualifyingAction(ctx, "u1", "daily_login")
	require.NoError(t, err)
	assert.True(t, res.Broken)
	assert.Equal(t, 0, res.Current)
	assert.Equal(t, 4, res.Longest)
	assert.False(t, res.CanFreeze)

	env.clock.Advance(24 * time.Hour)
	res, err = env.engine.Streaks.MarkQualifyingAction(ctx, "u1", "daily_login")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Current)
}

func TestStreakFreezeCoversOneMissedDay(t *testing.T) {
	start := utcTime(t, "2026-03-01T10:00:00Z")
	env := newTestEngine(t, start)
	ctx := context.Background()
	require.NoError(t, env.engine.Streaks.GrantFreezes(ctx, "u1", 1))

	markDays(t, env, "u1", start, 4)
	env.clock.Set(start.AddDate(0, 0, 5)) // one missed day

	status, err := env.engine.Streaks.Status(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, status.CanFreeze)
	assert.False(t, status.QualifiedToday)

	res, err := env.engine.Streaks.UseFreeze(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 5, res.Current)
	assert.Equal(t, 0, res.FreezesLeft)

	// today already counted by the freeze
	res, err = env.engine.Streaks.MarkQualifyingAction(ctx, "u1", "daily_login")
	require.NoError(t, err)
	assert.True(t, res.AlreadyQualified)
	assert.Equal(t, 5, res.Current)

	_, err = env.engine.Streaks.UseFreeze(ctx, "u1")
	assert.ErrorIs(t, err, ErrFreezeUnavailable)
}

func TestStreakFreezeAfterBreakingAction(t *testing.T) {
	start := utcTime(t, "2026-03-01T10:00:00Z")
	env := newTestEngine(t, start)
	ctx := context.Background()
	require.NoError(t, env.engine.Streaks.GrantFreezes(ctx, "u1", 2))

	markDays(t, env, "u1", start, 2)
	env.clock.Set(start.AddDate(0, 0, 3))
	res, err := env.engine.Streaks.MarkQualifyingAction(ctx, "u1", "daily_login")
	require.NoError(t, err)
	require.True(t, res.Broken)
	assert.True(t, res.CanFreeze)

	res, err = env.engine.Streaks.UseFreeze(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Current)
	assert.Equal(t, 1, res.FreezesLeft)
	assert.Equal(t, []int{3}, res.Milestones)
}

func TestStreakFreezeRefusedForLongGap(t *testing.T) {
	start := utcTime(t, "2026-03-01T10:00:00Z")
	env := newTestEngine(t, start)
	ctx := context.Background()
	require.NoError(t, env.engine.Streaks.GrantFreezes(ctx, "u1", 1))

	markDays(t, env, "u1", start, 3)
	env.clock.Set(start.AddDate(0, 0, 5)) // two missed days
	_, err := env.engine.Streaks.UseFreeze(ctx, "u1")
	assert.ErrorIs(t, err, ErrFreezeUnavailable)
}

func TestStreakUsesLocalDaysAcrossDST(t *testing.T) {
	env := newTestEngine(t, utcTime(t, "2026-03-07T12:00:00Z"))
	ctx := context.Background()
	require.NoError(t, env.engine.Streaks.SetTimezone(ctx, "u1", "America/New_York"))

	// 23:30 EST on March 7th
	env.clock.Set(utcTime(t, "2026-03-08T04:30:00Z"))
	res, err := env.engine.Streaks.MarkQualifyingAction(ctx, "u1", "daily_login")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Current)

	// 23:30 EDT on March 8th, a 23 hour local day later
	env.clock.Set(utcTime(t, "2026-03-09T03:30:00Z"))
	res, err = env.engine.Streaks.MarkQualifyingAction(ctx, "u1", "daily_login")
	require.NoError(t, err)
	assert.False(t, res.Broken)
	assert.Equal(t, 2, res.Current)

	// 00:30 EDT on March 9th is a new local day
	env.clock.Set(utcTime(t, "2026-03-09T04:30:00Z"))
	res, err = env.engine.Streaks.MarkQualifyingAction(ctx, "u1", "daily_login")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Current)

	status, err := env.engine.Streaks.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-09", status.LastQualified)
	assert.Equal(t, "America/New_York", status.Timezone)

	assert.ErrorIs(t, env.engine.Streaks.SetTimezone(ctx, "u1", "Nowhere/Else"), ErrValidation)
}

func TestStreakMilestonePaysOnce(t *testing.T) {
	start := utcTime(t, "2026-03-01T10:00:00Z")
	env := newTestEngine(t, start)
	ctx := context.Background()

	res := markDays(t, env, "u1", start, 3)
	assert.Equal(t, []int{3}, res.Milestones)
	assert.Equal(t, int64(1), env.grantCount(t, StreakKey("u1", 3)))

	summary := env.progress(t, "u1")
	assert.Equal(t, int64(25), summary.TotalXP)
	codes := make([]string, 0, len(summary.Badges))
	for _, b := range summary.Badges {
		codes = append(codes, b.BadgeCode)
	}
	assert.Contains(t, codes, models.BadgeStreak3)
	assert.Equal(t, int64(10), env.balance(t, "u1"))

	// break and rebuild to 3: the milestone key is already paid
	env.clock.Set(start.AddDate(0, 0, 6))
	_, err := env.engine.Streaks.MarkQualifyingAction(ctx, "u1", "daily_login")
	require.NoError(t, err)
	markDays(t, env, "u1", start.AddDate(0, 0, 7), 3)
	assert.Equal(t, int64(1), env.grantCount(t, StreakKey("u1", 3)))
	assert.Equal(t, int64(10), env.balance(t, "u1"))
}

func TestPurchaseFreeze(t *testing.T) {
	env := newTestEngine(t, utcTime(t, "2026-03-01T10:00:00Z"))
	ctx := context.Background()

	_, _, err := env.engine.Streaks.PurchaseFreeze(ctx, "u1")
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	_, err = env.engine.Wallet.PurchaseCoins(ctx, "u1", "starter", "pay_1")
	require.NoError(t, err)
	streak, wallet, err := env.engine.Streaks.PurchaseFreeze(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, streak.FreezesLeft)
	assert.Equal(t, int64(50), wallet.Balance)
}

func TestRolloverExpiredStreaks(t *testing.T) {
	start := utcTime(t, "2026-03-01T10:00:00Z")
	env := newTestEngine(t, start)
	ctx := context.Background()

	markDays(t, env, "u1", start, 2)
	markDays(t, env, "u2", start.AddDate(0, 0, 1), 2)

	env.clock.Set(start.AddDate(0, 0, 4))
	n, err := env.engine.Streaks.RolloverExpiredStreaks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var u1, u2 models.StreakState
	require.NoError(t, env.db.Where("user_id = ?", "u1").First(&u1).Error)
	assert.Equal(t, 0, u1.Current)
	require.NoError(t, env.db.Where("user_id = ?", "u2").First(&u2).Error)
	assert.Equal(t, 2, u2.Current)
}

func TestRolloverSkipsConcurrentlyUpdatedStreak(t *testing.T) {
	start := utcTime(t, "2026-03-01T10:00:00Z")
	env := newTestEngine(t, start)
	ctx := context.Background()
	markDays(t, env, "u1", start, 2)

	// another writer bumps the version between the rollover's read and its update
	bumped := false
	require.NoError(t, env.db.Callback().Update().Before("gorm:begin_transaction").Register("test:bump_streak_version", func(tx *gorm.DB) {
		if bumped || tx.Statement.Table != "streak_states" {
			return
		}
		bumped = true
		require.NoError(t, env.db.Exec("UPDATE streak_states SET version = version + 1 WHERE user_id = ?", "u1").Error)
	}))

	env.clock.Set(start.AddDate(0, 0, 4))
	n, err := env.engine.Streaks.RolloverExpiredStreaks(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	var st models.StreakState
	require.NoError(t, env.db.Where("user_id = ?", "u1").First(&st).Error)
	assert.Equal(t, 2, st.Current)

	n, err = env.engine.Streaks.RolloverExpiredStreaks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
