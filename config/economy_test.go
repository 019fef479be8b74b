package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWeeklyTemplateIsStablePerWeek(t *testing.T) {
	first := WeeklyTemplateFor("2026-W42")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, WeeklyTemplateFor("2026-W42"))
	}
	assert.Contains(t, WeeklyPool, first)
}

func TestEveryObjectiveHasAnActivity(t *testing.T) {
	for _, tpl := range DailyTemplates {
		_, ok := ObjectiveActivity[tpl.Objective]
		assert.True(t, ok, tpl.Objective)
	}
	for _, tpl := range WeeklyPool {
		_, ok := ObjectiveActivity[tpl.Objective]
		assert.True(t, ok, tpl.Objective)
		assert.Positive(t, tpl.TribeTargetValue)
	}
}

func TestClanWarObjectiveLookup(t *testing.T) {
	obj := ClanWarObjectiveFor("2026-W42")
	found, ok := LookupClanWarObjective(obj.Key)
	assert.True(t, ok)
	assert.Equal(t, obj.Key, found.Key)

	_, ok = LookupClanWarObjective("nope")
	assert.False(t, ok)
}

func TestLevelRewardNeverCarriesXP(t *testing.T) {
	for level := 2; level <= 100; level++ {
		r := LevelReward(level)
		assert.Zero(t, r.XP, "level %d", level)
		assert.Positive(t, r.Coins)
	}
	assert.Equal(t, int64(1), LevelReward(10).Credits)
	assert.Equal(t, "level-10", LevelReward(10).Badge)
	assert.Empty(t, LevelReward(11).Badge)
}

func TestXPClassFor(t *testing.T) {
	assert.Equal(t, "vote", XPClassFor("vote"))
	assert.Equal(t, "battle", XPClassFor("battle_won"))
	assert.Equal(t, "admin_bonus", XPClassFor("admin_bonus"))
}
