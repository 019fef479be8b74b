package services

import (
	"math"
	"sort"
)

// MaxLevel is the highest reachable level.
const MaxLevel = 100

// levelThresholds[L] is the total XP needed to reach level L (index 0 unused).
// threshold(1)=0, threshold(2)=100, then threshold(n+1) = floor(threshold(n)*1.5 + 50),
// saturating at math.MaxInt64.
var levelThresholds = buildThresholds()

func buildThresholds() [MaxLevel + 1]int64 {
	var t [MaxLevel + 1]int64
	t[1] = 0
	t[2] = 100
	for n := 2; n < MaxLevel; n++ {
		if t[n] > (math.MaxInt64-100)/3 {
			t[n+1] = math.MaxInt64
			continue
		}
		t[n+1] = t[n]*3/2 + 50
	}
	return t
}

// Threshold returns the total XP required for level, clamped to [1, MaxLevel].
func Threshold(level int) int64 {
	if level < 1 {
		level = 1
	}
	if level > MaxLevel {
		level = MaxLevel
	}
	return levelThresholds[level]
}

// CalculateLevel returns the highest level whose threshold is <= xp.
func CalculateLevel(xp int64) int {
	if xp <= 0 {
		return 1
	}
	// first level in [2, MaxLevel] whose threshold exceeds xp
	i := sort.Search(MaxLevel-1, func(i int) bool { return levelThresholds[i+2] > xp })
	return i + 1
}

// NextLevelXP is the total XP needed for the level after level; at MaxLevel it is the cap threshold.
func NextLevelXP(level int) int64 {
	if level >= MaxLevel {
		return levelThresholds[MaxLevel]
	}
	return Threshold(level + 1)
}
