// Package calc maps task complexity to duration, reward and claim exclusivity.
// Everything here is pure; callers pass the clock in.
package calc

import (
	"fmt"
	"time"
)

const (
	DefaultRatePerDay  int64 = 50
	DefaultFallbackDay       = 7
	// Exclusivity window: TimeoutBaseHours + TimeoutHoursPerDay*days.
	DefaultTimeoutBaseHours   = 12
	DefaultTimeoutHoursPerDay = 12
)

var defaultDays = map[int]int{
	1:  1,
	2:  2,
	3:  3,
	4:  5,
	5:  7,
	6:  10,
	7:  14,
	8:  21,
	9:  30,
	10: 45,
}

// Calculator holds the reward table and timeout curve.
type Calculator struct {
	Days               map[int]int
	FallbackDays       int
	RatePerDay         int64
	TimeoutBaseHours   int
	TimeoutHoursPerDay int
}

// Default returns the reference table: 1 -> 1 day ... 10 -> 45 days, 50 units per day.
func Default() Calculator {
	days := make(map[int]int, len(defaultDays))
	for k, v := range defaultDays {
		days[k] = v
	}
	return Calculator{
		Days:               days,
		FallbackDays:       DefaultFallbackDay,
		RatePerDay:         DefaultRatePerDay,
		TimeoutBaseHours:   DefaultTimeoutBaseHours,
		TimeoutHoursPerDay: DefaultTimeoutHoursPerDay,
	}
}

// Validate checks that the table is non-decreasing over complexity.
func (c Calculator) Validate() error {
	if c.RatePerDay <= 0 {
		return fmt.Errorf("reward rate must be positive")
	}
	if c.FallbackDays <= 0 {
		return fmt.Errorf("fallback days must be positive")
	}
	if c.TimeoutHoursPerDay <= 0 || c.TimeoutBaseHours < 0 {
		return fmt.Errorf("timeout curve must be increasing")
	}
	prev := 0
	for cx := 1; cx <= 10; cx++ {
		d, ok := c.Days[cx]
		if !ok {
			continue
		}
		if d <= 0 {
			return fmt.Errorf("complexity %d maps to non-positive days", cx)
		}
		if d < prev {
			return fmt.Errorf("complexity %d maps to %d days, below complexity %d", cx, d, cx-1)
		}
		prev = d
	}
	return nil
}

// DaysForComplexity looks the complexity up; unmapped values get FallbackDays.
func (c Calculator) DaysForComplexity(complexity int) int {
	if d, ok := c.Days[complexity]; ok {
		return d
	}
	return c.FallbackDays
}

func (c Calculator) RewardForDays(days int) int64 {
	return int64(days) * c.RatePerDay
}

// RewardForComplexity is RewardForDays(DaysForComplexity(complexity)).
func (c Calculator) RewardForComplexity(complexity int) int64 {
	return c.RewardForDays(c.DaysForComplexity(complexity))
}

// ClaimTimeoutHours is strictly increasing in estimatedDays. Non-positive
// estimates get the base window only.
func (c Calculator) ClaimTimeoutHours(estimatedDays int) int {
	if estimatedDays < 0 {
		estimatedDays = 0
	}
	return c.TimeoutBaseHours + c.TimeoutHoursPerDay*estimatedDays
}

func (c Calculator) ClaimTimeout(estimatedDays int) time.Duration {
	return time.Duration(c.ClaimTimeoutHours(estimatedDays)) * time.Hour
}

// ClaimExpiry is the instant the exclusivity window closes.
func (c Calculator) ClaimExpiry(claimedAt time.Time, estimatedDays int) time.Time {
	return claimedAt.Add(c.ClaimTimeout(estimatedDays))
}

// RemainingTime is the exclusivity left at now; negative once expired.
func (c Calculator) RemainingTime(claimedAt time.Time, estimatedDays int, now time.Time) time.Duration {
	return c.ClaimTimeout(estimatedDays) - now.Sub(claimedAt)
}

var std = Default()

func DaysForComplexity(complexity int) int { return std.DaysForComplexity(complexity) }

func RewardForDays(days int) int64 { return std.RewardForDays(days) }

func ClaimTimeoutHours(estimatedDays int) int { return std.ClaimTimeoutHours(estimatedDays) }

func RemainingTime(claimedAt time.Time, estimatedDays int, now time.Time) time.Duration {
	return std.RemainingTime(claimedAt, estimatedDays, now)
}
