package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestCanTransitionMainPath(t *testing.T) {
	path := []Status{StatusAvailable, StatusClaimed, StatusInProgress, StatusSubmitted, StatusValidated, StatusCompleted}
	for i := 0; i < len(path)-1; i++ {
		assert.True(t, CanTransition(path[i], path[i+1]), "%s -> %s", path[i], path[i+1])
		assert.False(t, CanTransition(path[i+1], path[i]), "%s -> %s", path[i+1], path[i])
	}
	assert.True(t, CanTransition(StatusClaimed, StatusSubmitted))
	assert.False(t, CanTransition(StatusClaimed, StatusClaimed))
}

func TestExitsFromNonTerminal(t *testing.T) {
	for _, s := range Statuses() {
		if s.Terminal() {
			assert.False(t, CanTransition(s, StatusCancelled), "terminal %s", s)
			continue
		}
		assert.True(t, CanTransition(s, StatusCancelled), "%s -> cancelled", s)
		assert.True(t, CanTransition(s, StatusExpired), "%s -> expired", s)
	}
	require.Error(t, EnsureTransition(StatusCompleted, StatusAvailable))
}

func TestTransitionsNeverMoveBackward(t *testing.T) {
	all := Statuses()
	rapid.Check(t, func(rt *rapid.T) {
		from := rapid.SampledFrom(all).Draw(rt, "from")
		to := rapid.SampledFrom(all).Draw(rt, "to")
		if !CanTransition(from, to) {
			return
		}
		if from.Terminal() {
			rt.Fatalf("transition out of terminal %s", from)
		}
		if to == StatusCancelled || to == StatusExpired {
			return
		}
		if !to.Ahead(from) {
			rt.Fatalf("backward transition %s -> %s", from, to)
		}
	})
}

func TestClaimedSet(t *testing.T) {
	assert.False(t, StatusAvailable.Claimed())
	assert.True(t, StatusClaimed.Claimed())
	assert.True(t, StatusCompleted.Claimed())
	assert.False(t, StatusCancelled.Claimed())
	assert.False(t, StatusExpired.Claimed())
}

func TestTaskIDFromKeyDeterministic(t *testing.T) {
	a := TaskIDFromKey("Build Landing Page")
	b := TaskIDFromKey("  build-landing  page ")
	assert.Equal(t, a, b)
	assert.True(t, ValidTaskID(a))
	assert.NotEqual(t, a, TaskIDFromKey("build-landing-page-2"))
	// keccak256("") is a well known constant
	assert.Equal(t, "0xc5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470", TaskIDFromKey(""))
}

func TestRankFor(t *testing.T) {
	assert.Equal(t, "newcomer", RankFor(0))
	assert.Equal(t, "contributor", RankFor(1))
	assert.Equal(t, "established", RankFor(5))
	assert.Equal(t, "veteran", RankFor(20))
}

func TestNormalizeActor(t *testing.T) {
	addr := "0xAbCdEf0123456789aBcDeF0123456789AbCdEf01"
	assert.Equal(t, strings.ToLower(addr), NormalizeActor(" "+addr+" "))
	assert.Equal(t, "Ops", NormalizeActor(" Ops "))
	assert.Equal(t, "", NormalizeActor("  "))
}
