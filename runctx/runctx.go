// Package runctx holds the Agent Run Context: the per-run state the Loop
// Driver owns exclusively for the lifetime of one user turn. Everything in
// here mutates in strict program order on the driver goroutine; the
// Stuckness Detector and Planner receive references and return updates
// rather than sharing ownership.
package runctx

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	// MaxAnchors is the anchor set size cap. The Goal anchor is never
	// evicted; overflow drops the oldest non-Goal anchor.
	MaxAnchors = 5

	// MaxPatterns bounds the response-fingerprint buffer.
	MaxPatterns = 5

	// MaxApproaches bounds the attempted-approach buffer.
	MaxApproaches = 10
)

// ToolHistoryEntry is one recorded tool outcome. Params and Result are
// kept as raw JSON so history serializes cleanly through the persistence
// callback.
type ToolHistoryEntry struct {
	ToolName  string          `json:"tool_name"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Duration  time.Duration   `json:"duration"`
}

// Succeeded reports whether the entry recorded a success.
func (e ToolHistoryEntry) Succeeded() bool { return e.Error == "" }

// Context is the per-run state. One Context lives exactly as long as one
// driver invocation.
type Context struct {
	RunID             string
	State             State
	FailReason        string
	Iteration         int
	ConsecutiveErrors int
	StartTime         time.Time

	ToolHistory []ToolHistoryEntry
	ThinkingLog []string

	LastResponse        string
	DetectedPatterns    []string
	SuccessCount        int
	FailureCount        int
	AttemptedApproaches []string
	StuckIterations     int
	Progress            ProgressState

	Anchors []AnchorMessage
}

// New creates a fresh Context in the Analyzing state.
func New() *Context {
	return &Context{
		RunID:     uuid.NewString(),
		State:     Analyzing,
		StartTime: time.Now(),
		Progress:  Unknown,
	}
}

// Elapsed is the wallclock time since the run started.
func (c *Context) Elapsed() time.Duration {
	return time.Since(c.StartTime)
}

// SetState transitions to next and returns the previous state, for the
// StateChanged event.
func (c *Context) SetState(next State) State {
	prev := c.State
	c.State = next
	return prev
}

// Fail transitions to Failed with the given reason.
func (c *Context) Fail(reason string) {
	c.State = Failed
	c.FailReason = reason
}

// AppendHistory records one tool outcome.
func (c *Context) AppendHistory(entry ToolHistoryEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	c.ToolHistory = append(c.ToolHistory, entry)
}

// RecordThinking appends reasoning-phase content to the thinking log.
func (c *Context) RecordThinking(content string) {
	c.ThinkingLog = append(c.ThinkingLog, content)
}

// RecordSuccess tallies a successful tool execution and resets the
// consecutive-error counter.
func (c *Context) RecordSuccess() {
	c.SuccessCount++
	c.ConsecutiveErrors = 0
}

// RecordFailure tallies a failed tool execution.
func (c *Context) RecordFailure() {
	c.FailureCount++
	c.ConsecutiveErrors++
}

// RecordPattern appends a response fingerprint, evicting the oldest when
// the buffer is full.
func (c *Context) RecordPattern(pattern string) {
	c.DetectedPatterns = append(c.DetectedPatterns, pattern)
	if len(c.DetectedPatterns) > MaxPatterns {
		c.DetectedPatterns = c.DetectedPatterns[1:]
	}
}

// RecordApproach appends an attempted-approach label, evicting the oldest
// when the buffer is full.
func (c *Context) RecordApproach(approach string) {
	if len(c.AttemptedApproaches) >= MaxApproaches {
		c.AttemptedApproaches = c.AttemptedApproaches[1:]
	}
	c.AttemptedApproaches = append(c.AttemptedApproaches, approach)
}

// FailureRatio is failures over total attempts, or 0 with no attempts.
func (c *Context) FailureRatio() float64 {
	total := c.SuccessCount + c.FailureCount
	if total == 0 {
		return 0
	}
	return float64(c.FailureCount) / float64(total)
}

// TotalAttempts is the sum of success and failure tallies.
func (c *Context) TotalAttempts() int {
	return c.SuccessCount + c.FailureCount
}
