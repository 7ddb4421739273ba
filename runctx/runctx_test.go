package runctx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	c := New()

	assert.NotEmpty(t, c.RunID)
	assert.Equal(t, Analyzing, c.State)
	assert.Equal(t, 0, c.Iteration)
	assert.Empty(t, c.ToolHistory)
	assert.Equal(t, Unknown, c.Progress)
}

func TestRecordSuccessResetsConsecutiveErrors(t *testing.T) {
	c := New()

	c.RecordFailure()
	c.RecordFailure()
	require.Equal(t, 2, c.ConsecutiveErrors)

	c.RecordSuccess()
	assert.Equal(t, 0, c.ConsecutiveErrors)
	assert.Equal(t, 1, c.SuccessCount)
	assert.Equal(t, 2, c.FailureCount)
}

func TestFailureRatio(t *testing.T) {
	c := New()
	assert.Equal(t, 0.0, c.FailureRatio())

	c.RecordSuccess()
	c.RecordFailure()
	c.RecordFailure()
	c.RecordFailure()
	assert.InDelta(t, 0.75, c.FailureRatio(), 0.001)
}

func TestRecordPatternBounded(t *testing.T) {
	c := New()
	for i := 0; i < 8; i++ {
		c.RecordPattern(string(rune('a' + i)))
	}

	require.Len(t, c.DetectedPatterns, MaxPatterns)
	assert.Equal(t, "d", c.DetectedPatterns[0]) // oldest three evicted
}

func TestRecordApproachBounded(t *testing.T) {
	c := New()
	for i := 0; i < 15; i++ {
		c.RecordApproach(string(rune('a' + i)))
	}

	require.Len(t, c.AttemptedApproaches, MaxApproaches)
	assert.Equal(t, "f", c.AttemptedApproaches[0])
	assert.Equal(t, "o", c.AttemptedApproaches[len(c.AttemptedApproaches)-1])
}

func TestAppendHistoryStampsTimestamp(t *testing.T) {
	c := New()
	c.AppendHistory(ToolHistoryEntry{ToolName: "file_read", Duration: 5 * time.Millisecond})

	require.Len(t, c.ToolHistory, 1)
	assert.False(t, c.ToolHistory[0].Timestamp.IsZero())
	assert.True(t, c.ToolHistory[0].Succeeded())
	assert.GreaterOrEqual(t, c.ToolHistory[0].Duration, time.Duration(0))
}

func TestHistoryTimestampsMonotonic(t *testing.T) {
	c := New()
	for i := 0; i < 5; i++ {
		c.AppendHistory(ToolHistoryEntry{ToolName: "t"})
	}

	for i := 1; i < len(c.ToolHistory); i++ {
		assert.False(t, c.ToolHistory[i].Timestamp.Before(c.ToolHistory[i-1].Timestamp))
	}
}

func TestSetStateReturnsPrevious(t *testing.T) {
	c := New()
	prev := c.SetState(Thinking)

	assert.Equal(t, Analyzing, prev)
	assert.Equal(t, Thinking, c.State)
}

func TestFail(t *testing.T) {
	c := New()
	c.Fail("trop d'erreurs")

	assert.Equal(t, Failed, c.State)
	assert.Equal(t, "trop d'erreurs", c.FailReason)
	assert.True(t, c.State.Terminal())
}

func TestAddAnchorGoalSurvivesOverflow(t *testing.T) {
	c := New()
	c.AddAnchor("help me refactor", Goal)
	for i := 0; i < 6; i++ {
		c.AddAnchor("ok", Success)
	}

	require.Len(t, c.Anchors, MaxAnchors)
	assert.Equal(t, Goal, c.Anchors[0].Reason)
	assert.Equal(t, "help me refactor", c.Anchors[0].Content)
	for _, a := range c.Anchors[1:] {
		assert.Equal(t, Success, a.Reason)
	}
}

func TestAddAnchorSingleGoal(t *testing.T) {
	c := New()
	c.AddAnchor("first goal", Goal)
	c.AddAnchor("note", Decision)
	c.AddAnchor("second goal", Goal)

	goals := 0
	for _, a := range c.Anchors {
		if a.Reason == Goal {
			goals++
			assert.Equal(t, "second goal", a.Content)
		}
	}
	assert.Equal(t, 1, goals)
}

func TestAddAnchorGoalNeverEvicted(t *testing.T) {
	c := New()

	// Interleave the Goal among many other insertions; it must survive
	// every sequence.
	c.AddAnchor("d1", Decision)
	c.AddAnchor("the goal", Goal)
	for i := 0; i < 20; i++ {
		c.AddAnchor("r", ToolResult)
	}

	_, found := c.GoalAnchor()
	assert.True(t, found)
	assert.LessOrEqual(t, len(c.Anchors), MaxAnchors)
}

func TestAddAnchorEvictsOldestNonGoal(t *testing.T) {
	c := New()
	c.AddAnchor("goal", Goal)
	c.AddAnchor("old", Decision)
	c.AddAnchor("s1", Success)
	c.AddAnchor("s2", Success)
	c.AddAnchor("s3", Success)
	c.AddAnchor("s4", Success) // overflow: "old" is the oldest non-Goal

	require.Len(t, c.Anchors, MaxAnchors)
	for _, a := range c.Anchors {
		assert.NotEqual(t, "old", a.Content)
	}
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
	assert.Equal(t, 25, EstimateTokens(string(make([]byte, 100))))
}
