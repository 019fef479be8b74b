package services

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestThresholds(t *testing.T) {
	assert.Equal(t, int64(0), Threshold(1))
	assert.Equal(t, int64(100), Threshold(2))
	assert.Equal(t, int64(200), Threshold(3))
	assert.Equal(t, int64(350), Threshold(4))
	assert.Equal(t, int64(575), Threshold(5))
	assert.Equal(t, Threshold(1), Threshold(0))
	assert.Equal(t, Threshold(MaxLevel), Threshold(MaxLevel+5))
}

func TestThresholdsAreMonotonicAndSaturate(t *testing.T) {
	for l := 2; l <= MaxLevel; l++ {
		assert.GreaterOrEqual(t, Threshold(l), Threshold(l-1), "level %d", l)
		assert.Positive(t, Threshold(l), "level %d overflowed", l)
	}
	assert.Equal(t, int64(math.MaxInt64), Threshold(MaxLevel))
}

func TestCalculateLevel(t *testing.T) {
	cases := []struct {
		xp   int64
		want int
	}{
		{-5, 1},
		{0, 1},
		{99, 1},
		{100, 2},
		{199, 2},
		{200, 3},
		{349, 3},
		{350, 4},
		{math.MaxInt64, MaxLevel},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CalculateLevel(tc.xp), "xp=%d", tc.xp)
	}
}

func TestCalculateLevelIsMonotonic(t *testing.T) {
	prev := 1
	for xp := int64(0); xp < 200_000; xp += 37 {
		l := CalculateLevel(xp)
		assert.GreaterOrEqual(t, l, prev)
		assert.LessOrEqual(t, Threshold(l), xp)
		if l < MaxLevel {
			assert.Greater(t, Threshold(l+1), xp)
		}
		prev = l
	}
}

func TestNextLevelXP(t *testing.T) {
	assert.Equal(t, int64(100), NextLevelXP(1))
	assert.Equal(t, int64(200), NextLevelXP(2))
	assert.Equal(t, Threshold(MaxLevel), NextLevelXP(MaxLevel))
}
