package domain

import "fmt"

// Status is the lifecycle state of a task.
type Status string

const (
	StatusAvailable  Status = "available"
	StatusClaimed    Status = "claimed"
	StatusInProgress Status = "in_progress"
	StatusSubmitted  Status = "submitted"
	StatusValidated  Status = "validated"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusExpired    Status = "expired"
)

var statusRank = map[Status]int{
	StatusAvailable:  0,
	StatusClaimed:    1,
	StatusInProgress: 2,
	StatusSubmitted:  3,
	StatusValidated:  4,
	StatusCompleted:  5,
}

// Statuses lists every status in lifecycle order, exits last.
func Statuses() []Status {
	return []Status{
		StatusAvailable, StatusClaimed, StatusInProgress, StatusSubmitted,
		StatusValidated, StatusCompleted, StatusCancelled, StatusExpired,
	}
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("invalid status %q", s)
	}
	return st, nil
}

func (s Status) Valid() bool {
	switch s {
	case StatusCancelled, StatusExpired:
		return true
	}
	_, ok := statusRank[s]
	return ok
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusExpired
}

// Claimed reports whether the status requires claimed_at and an assignee.
func (s Status) Claimed() bool {
	r, ok := statusRank[s]
	return ok && r >= statusRank[StatusClaimed]
}

// Rank is the position on the main path; exits have no rank.
func (s Status) Rank() (int, bool) {
	r, ok := statusRank[s]
	return r, ok
}

// Ahead reports whether s is strictly further along the main path than other.
func (s Status) Ahead(other Status) bool {
	a, okA := statusRank[s]
	b, okB := statusRank[other]
	return okA && okB && a > b
}

// CanTransition enforces forward-only movement. Cancel and expire are
// reachable from every non-terminal state.
func CanTransition(from, to Status) bool {
	if from.Terminal() || !to.Valid() {
		return false
	}
	if to == StatusCancelled || to == StatusExpired {
		return true
	}
	return to.Ahead(from)
}

// EnsureTransition returns an error for a disallowed move.
func EnsureTransition(from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("invalid task status transition %s -> %s", from, to)
}
