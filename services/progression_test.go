package services

import (
	"context"
	"testing"

	"progression-engine/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrantXPLevelsUpAndPaysOnce(t *testing.T) {
	env := newTestEngine(t, utcTime(t, "2026-03-10T12:00:00Z"))
	ctx := context.Background()

	res, err := env.engine.Progression.GrantXP(ctx, "u1", 100, "daily_login")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(100), res.Granted)
	assert.Equal(t, 2, res.Level)
	assert.Equal(t, int64(200), res.NextLevelXP)
	assert.True(t, res.LeveledUp)
	assert.Equal(t, []int{2}, res.LevelsGained)

	assert.Equal(t, int64(10), env.balance(t, "u1"))
	assert.Equal(t, int64(1), env.grantCount(t, LevelKey("u1", 2)))

	events := env.notifier.events(UserChannel("u1"))
	assert.Contains(t, events, EventXPGain)
	assert.Contains(t, events, EventLevelUp)

	summary := env.progress(t, "u1")
	assert.Equal(t, int64(100), summary.TotalXP)
	assert.Equal(t, int64(100), summary.XPToday)
	assert.Equal(t, 2, summary.Level)
}

func TestGrantXPRespectsVoteSubCap(t *testing.T) {
	env := newTestEngine(t, utcTime(t, "2026-03-10T12:00:00Z"))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := env.engine.Progression.GrantXP(ctx, "u1", 2, "vote")
		require.NoError(t, err)
		require.True(t, res.Success)
	}
	counts, err := env.engine.Counters.ValuesTx(env.db, "u1", "2026-03-10", xpCounterKey("vote"), xpTotalKey)
	require.NoError(t, err)
	assert.Equal(t, int64(10), counts[xpCounterKey("vote")])

	res, err := env.engine.Progression.GrantXP(ctx, "u1", 40, "vote")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(40), res.Requested)
	assert.Equal(t, int64(30), res.Granted)

	res, err = env.engine.Progression.GrantXP(ctx, "u1", 2, "vote")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonCapReached, res.Reason)
	assert.Equal(t, int64(40), res.TotalXP)

	// other classes still have headroom under the total cap
	res, err = env.engine.Progression.GrantXP(ctx, "u1", 100, "transformation_created")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(60), res.Granted)

	res, err = env.engine.Progression.GrantXP(ctx, "u1", 5, "daily_login")
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestDailyXPCapResetsNextDay(t *testing.T) {
	env := newTestEngine(t, utcTime(t, "2026-03-10T23:00:00Z"))
	ctx := context.Background()

	res, err := env.engine.Progression.GrantXP(ctx, "u1", 150, "battle_won")
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.Granted)

	env.clock.Set(utcTime(t, "2026-03-11T00:30:00Z"))
	res, err = env.engine.Progression.GrantXP(ctx, "u1", 50, "battle_won")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(50), res.Granted)
	assert.Equal(t, int64(150), res.TotalXP)
}

func TestGrantXPValidation(t *testing.T) {
	env := newTestEngine(t, utcTime(t, "2026-03-10T12:00:00Z"))
	ctx := context.Background()

	_, err := env.engine.Progression.GrantXP(ctx, "", 10, "vote")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = env.engine.Progression.GrantXP(ctx, "u1", 0, "vote")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestDispatchIsIdempotent(t *testing.T) {
	env := newTestEngine(t, utcTime(t, "2026-03-10T12:00:00Z"))
	ctx := context.Background()
	bundle := models.RewardBundle{XP: 250, Coins: 40, Credits: 2}

	first, err := env.engine.Rewards.Dispatch(ctx, "u1", "admin:promo-1", models.RewardSourceAdmin, bundle)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	require.NotNil(t, first.XP)
	assert.Equal(t, 3, first.XP.Level)

	second, err := env.engine.Rewards.Dispatch(ctx, "u1", "admin:promo-1", models.RewardSourceAdmin, bundle)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)

	summary := env.progress(t, "u1")
	// dispatcher XP bypasses the daily cap
	assert.Equal(t, int64(250), summary.TotalXP)
	assert.Equal(t, int64(2), summary.Credits)
	// 40 from the bundle, 10 each for levels 2 and 3
	assert.Equal(t, int64(60), env.balance(t, "u1"))
	assert.Equal(t, int64(1), env.grantCount(t, "admin:promo-1"))

	_, err = env.engine.Rewards.Dispatch(ctx, "u1", "admin:bad", models.RewardSourceAdmin, models.RewardBundle{Coins: -1})
	assert.ErrorIs(t, err, ErrValidation)
}
