package calc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestRewardTable(t *testing.T) {
	want := map[int]struct {
		days   int
		reward int64
	}{
		1:  {1, 50},
		2:  {2, 100},
		3:  {3, 150},
		4:  {5, 250},
		5:  {7, 350},
		6:  {10, 500},
		7:  {14, 700},
		8:  {21, 1050},
		9:  {30, 1500},
		10: {45, 2250},
	}
	for c, w := range want {
		days := DaysForComplexity(c)
		assert.Equal(t, w.days, days, "complexity %d", c)
		assert.Equal(t, w.reward, RewardForDays(days), "complexity %d", c)
	}
}

func TestUnmappedComplexityFallsBack(t *testing.T) {
	for _, c := range []int{0, -3, 11, 99} {
		assert.Equal(t, 7, DaysForComplexity(c))
		assert.Equal(t, int64(350), RewardForDays(DaysForComplexity(c)))
	}
}

func TestDaysNonDecreasing(t *testing.T) {
	require.NoError(t, Default().Validate())
	prev := 0
	for c := 1; c <= 10; c++ {
		d := DaysForComplexity(c)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
}

func TestValidateRejectsDecreasingTable(t *testing.T) {
	c := Default()
	c.Days[4] = 1
	assert.Error(t, c.Validate())
}

func TestClaimTimeoutScales(t *testing.T) {
	assert.Equal(t, 24, ClaimTimeoutHours(1))
	assert.Equal(t, 48, ClaimTimeoutHours(3))
	assert.Equal(t, 552, ClaimTimeoutHours(45))
	assert.Less(t, ClaimTimeoutHours(1), 48, "short tasks stay within hours")
	assert.Greater(t, ClaimTimeoutHours(45), 7*24, "long tasks span days")
}

func TestClaimTimeoutMonotonic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		a := rapid.IntRange(0, 365).Draw(rt, "a")
		b := rapid.IntRange(0, 365).Draw(rt, "b")
		if a < b && ClaimTimeoutHours(a) >= ClaimTimeoutHours(b) {
			rt.Fatalf("timeout(%d)=%d not below timeout(%d)=%d", a, ClaimTimeoutHours(a), b, ClaimTimeoutHours(b))
		}
	})
}

func TestRemainingTimeStrictlyDecreasing(t *testing.T) {
	claimedAt := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	rapid.Check(t, func(rt *rapid.T) {
		days := rapid.IntRange(1, 45).Draw(rt, "days")
		t1 := rapid.Int64Range(0, int64(60*24*time.Hour)).Draw(rt, "t1")
		step := rapid.Int64Range(1, int64(24*time.Hour)).Draw(rt, "step")
		now1 := claimedAt.Add(time.Duration(t1))
		now2 := now1.Add(time.Duration(step))
		r1 := RemainingTime(claimedAt, days, now1)
		r2 := RemainingTime(claimedAt, days, now2)
		if r2 >= r1 {
			rt.Fatalf("remaining did not decrease: %v then %v", r1, r2)
		}
	})
}

func TestRemainingTimeCrossesZeroAtTimeout(t *testing.T) {
	claimedAt := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	for _, days := range []int{1, 3, 7, 45} {
		deadline := claimedAt.Add(time.Duration(ClaimTimeoutHours(days)) * time.Hour)
		assert.Equal(t, time.Duration(0), RemainingTime(claimedAt, days, deadline))
		assert.Positive(t, RemainingTime(claimedAt, days, deadline.Add(-time.Nanosecond)))
		assert.Negative(t, RemainingTime(claimedAt, days, deadline.Add(time.Nanosecond)))
		assert.Equal(t, deadline, Default().ClaimExpiry(claimedAt, days))
	}
}

func TestFormatRemaining(t *testing.T) {
	assert.Equal(t, "2d 5h", FormatRemaining(53*time.Hour+10*time.Minute))
	assert.Equal(t, "5h", FormatRemaining(5*time.Hour+59*time.Minute))
	assert.Equal(t, "12m", FormatRemaining(12*time.Minute+30*time.Second))
	assert.Equal(t, "<1m", FormatRemaining(20*time.Second))
	assert.Equal(t, "expired", FormatRemaining(0))
	assert.Equal(t, "expired", FormatRemaining(-time.Hour))
}
