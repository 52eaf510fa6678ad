package domain

import "time"

// Timestamps are stored as UTC RFC3339 so they sort lexically.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func TimePtr(t time.Time) *string {
	s := FormatTime(t)
	return &s
}
