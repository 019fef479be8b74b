package services

import (
	"context"
	"testing"

	"progression-engine/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloseTribeWeekRanksAndResets(t *testing.T) {
	env := newTestEngine(t, utcTime(t, "2026-03-10T12:00:00Z"))
	ctx := context.Background()
	tribes := env.engine.Tribes

	require.NoError(t, tribes.SetMembership(ctx, "u1", "tribe-a", "Alpha"))
	require.NoError(t, tribes.SetMembership(ctx, "u2", "tribe-b", "Bravo"))
	require.NoError(t, env.db.Create(&[]models.TribeWeeklyState{
		{TribeID: "tribe-a", WeekKey: "2026-W10", Score: 500},
		{TribeID: "tribe-b", WeekKey: "2026-W10", Score: 300},
	}).Error)

	res, err := tribes.CloseTribeWeek(ctx, "2026-W10")
	require.NoError(t, err)
	assert.False(t, res.AlreadyClosed)
	require.Len(t, res.Standings, 2)
	assert.Equal(t, "tribe-a", res.Standings[0].TribeID)
	assert.Equal(t, 1, res.Standings[0].Rank)
	assert.True(t, res.Standings[0].WinningTribe)
	assert.Equal(t, "tribe-b", res.Standings[1].TribeID)
	assert.Equal(t, 2, res.Standings[1].Rank)
	assert.False(t, res.Standings[1].WinningTribe)

	var rows []models.TribeWeeklyState
	require.NoError(t, env.db.Where("week_key = ?", "2026-W10").Order("tribe_id").Find(&rows).Error)
	require.Len(t, rows, 2)
	for _, r := range rows {
		assert.Equal(t, int64(0), r.Score)
		assert.True(t, r.Closed)
	}
	assert.Equal(t, int64(500), rows[0].FinalScore)
	assert.Equal(t, int64(300), rows[1].FinalScore)

	winner, err := tribes.GetTribe(ctx, "tribe-a")
	require.NoError(t, err)
	assert.Contains(t, winner.Badges, models.BadgeTribeChampion)
	assert.Equal(t, 2, winner.TotemLevel)
	assert.InDelta(t, 1.1, winner.ActiveMultiplier(env.clock.Now()), 1e-9)

	again, err := tribes.CloseTribeWeek(ctx, "2026-W10")
	require.NoError(t, err)
	assert.True(t, again.AlreadyClosed)
	require.Len(t, again.Standings, 2)
	assert.Equal(t, int64(500), again.Standings[0].Score)

	winner, err = tribes.GetTribe(ctx, "tribe-a")
	require.NoError(t, err)
	assert.Equal(t, 2, winner.TotemLevel)
}

func TestClosedWeekRejectsPoints(t *testing.T) {
	env := newTestEngine(t, utcTime(t, "2026-03-10T12:00:00Z"))
	ctx := context.Background()

	_, err := env.engine.Tribes.CloseTribeWeek(ctx, "2026-W11")
	require.NoError(t, err)

	var accepted bool
	err = runInTx(ctx, env.engine.Deps, func(sc *txScope) error {
		var err error
		accepted, err = env.engine.Tribes.addWeeklyScoreTx(sc, "tribe-a", "2026-W11", 10, 0)
		return err
	})
	require.NoError(t, err)
	assert.True(t, accepted, "a row created after the close is still open")

	require.NoError(t, env.db.Model(&models.TribeWeeklyState{}).
		Where("tribe_id = ?", "tribe-a").Update("closed", true).Error)
	err = runInTx(ctx, env.engine.Deps, func(sc *txScope) error {
		var err error
		accepted, err = env.engine.Tribes.addWeeklyScoreTx(sc, "tribe-a", "2026-W11", 10, 0)
		return err
	})
	require.NoError(t, err)
	assert.False(t, accepted)
}

func TestWinningMultiplierScalesClanPoints(t *testing.T) {
	env := newTestEngine(t, utcTime(t, "2026-03-10T12:00:00Z"))
	ctx := context.Background()
	tribes := env.engine.Tribes

	require.NoError(t, tribes.SetMembership(ctx, "u1", "tribe-a", "Alpha"))
	require.NoError(t, env.db.Create(&models.TribeWeeklyState{TribeID: "tribe-a", WeekKey: "2026-W10", Score: 50}).Error)
	_, err := tribes.CloseTribeWeek(ctx, "2026-W10")
	require.NoError(t, err)

	_, err = env.engine.Rewards.Dispatch(ctx, "u1", "admin:clan", models.RewardSourceAdmin, models.RewardBundle{ClanPoints: 10})
	require.NoError(t, err)

	board, err := tribes.TribeLeaderboard(ctx, "2026-W11")
	require.NoError(t, err)
	require.Len(t, board, 1)
	assert.Equal(t, int64(11), board[0].Score)
}

func TestSyncMembers(t *testing.T) {
	env := newTestEngine(t, utcTime(t, "2026-03-10T12:00:00Z"))
	ctx := context.Background()
	tribes := env.engine.Tribes

	require.NoError(t, tribes.SyncMembers(ctx, []models.RemoteTribeMember{
		{ExternalUserID: "u1", TribeID: "tribe-a", TribeName: "Alpha"},
		{ExternalUserID: "u2", TribeID: "tribe-b", TribeName: "Bravo"},
	}))
	id, err := tribes.TribeOf(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "tribe-a", id)

	require.NoError(t, tribes.SyncMembers(ctx, []models.RemoteTribeMember{
		{ExternalUserID: "u1", TribeID: "tribe-a", Left: true},
		{ExternalUserID: "u2", TribeID: "tribe-a", TribeName: "Alpha Prime"},
	}))
	id, err = tribes.TribeOf(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, id)
	id, err = tribes.TribeOf(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, "tribe-a", id)

	tribe, err := tribes.GetTribe(ctx, "tribe-a")
	require.NoError(t, err)
	assert.Equal(t, "Alpha Prime", tribe.Name)

	_, err = tribes.GetTribe(ctx, "tribe-z")
	assert.ErrorIs(t, err, ErrNotFound)
}
