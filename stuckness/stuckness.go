// Package stuckness classifies a run's progress from its recent tool
// calls, response fingerprints, approach labels, and success ratio. It is
// a set of pure functions over a runctx.Context owned by the driver; no
// state lives here.
package stuckness

import (
	"log/slog"

	"github.com/kadirpekel/loopcore/runctx"
)

const (
	// regressionThreshold is the failure ratio above which the run is
	// considered regressing.
	regressionThreshold = 0.6

	// progressThreshold is the failure ratio below which the run is
	// considered to be making progress.
	progressThreshold = 0.4
)

// Config selects the response-fingerprint strategy.
type Config struct {
	Fingerprint Strategy
}

// Observe records a freshly streamed response on the run context: the raw
// text for final-answer heuristics, and a fingerprint for repetition
// detection when the response is long enough to carry one.
func Observe(run *runctx.Context, response string, cfg Config) {
	run.LastResponse = response
	if pattern, ok := Fingerprint(response, cfg.Fingerprint); ok {
		run.RecordPattern(pattern)
	}
}

// IsStuck reports whether any stuckness heuristic fires:
//
//  1. the last three tool-history entries are identical (tool, params);
//  2. a previously recorded fingerprint longer than 30 chars reappears in
//     the current response;
//  3. more than 4 iterations without a single tool call;
//  4. more than 8 iterations with fewer than 2 tool calls;
//  5. the last three attempted approaches are all equal;
//  6. at iteration 5+ with 3+ attempts, the failure ratio exceeds 0.6.
func IsStuck(run *runctx.Context) bool {
	if repeatedToolCalls(run) {
		slog.Warn("stuckness: repeated tool calls detected", "run", run.RunID)
		return true
	}

	if run.LastResponse != "" {
		// Observe records the current response's own fingerprint last; it
		// is not a recurrence, so only earlier entries are compared.
		patterns := run.DetectedPatterns
		if n := len(patterns); n > 0 {
			for _, s := range []Strategy{Simple, Normalized} {
				if own, ok := Fingerprint(run.LastResponse, s); ok && own == patterns[n-1] {
					patterns = patterns[:n-1]
					break
				}
			}
		}
		for _, pattern := range patterns {
			if len(pattern) > 30 && containsPattern(run.LastResponse, pattern) {
				slog.Warn("stuckness: repeated response pattern detected", "run", run.RunID)
				return true
			}
		}
	}

	if run.Iteration > 4 && len(run.ToolHistory) == 0 {
		slog.Warn("stuckness: iterations without tool usage", "run", run.RunID, "iteration", run.Iteration)
		return true
	}

	if run.Iteration > 8 && len(run.ToolHistory) < 2 {
		slog.Warn("stuckness: too few tool calls for iteration count", "run", run.RunID,
			"iteration", run.Iteration, "tool_calls", len(run.ToolHistory))
		return true
	}

	if repeatedApproaches(run) {
		slog.Warn("stuckness: repeated approach strings detected", "run", run.RunID)
		return true
	}

	if run.Iteration >= 5 && run.TotalAttempts() >= 3 && run.FailureRatio() > regressionThreshold {
		slog.Warn("stuckness: progress regression detected", "run", run.RunID,
			"failures", run.FailureCount, "successes", run.SuccessCount)
		return true
	}

	return false
}

// repeatedToolCalls checks heuristic 1: three identical (tool, params)
// tuples at the tail of the history. Params equality is structural: history
// entries carry canonically rendered JSON (object keys sorted by
// encoding/json), so byte comparison suffices.
func repeatedToolCalls(run *runctx.Context) bool {
	h := run.ToolHistory
	if len(h) < 3 {
		return false
	}
	last := h[len(h)-1]
	for _, entry := range h[len(h)-3 : len(h)-1] {
		if entry.ToolName != last.ToolName || string(entry.Params) != string(last.Params) {
			return false
		}
	}
	return true
}

func repeatedApproaches(run *runctx.Context) bool {
	a := run.AttemptedApproaches
	if len(a) < 3 {
		return false
	}
	tail := a[len(a)-3:]
	return tail[0] == tail[1] && tail[1] == tail[2]
}

// UpdateProgress derives the run's ProgressState:
// iteration < 2 or no attempts -> Unknown; failure ratio > 0.6 ->
// Regressing; < 0.4 -> MakingProgress; otherwise Stuck if a heuristic
// fires, else Unknown.
func UpdateProgress(run *runctx.Context) {
	if run.Iteration < 2 || run.TotalAttempts() == 0 {
		run.Progress = runctx.Unknown
		return
	}

	ratio := run.FailureRatio()
	switch {
	case ratio > regressionThreshold:
		run.Progress = runctx.Regressing
	case ratio < progressThreshold:
		run.Progress = runctx.MakingProgress
	case IsStuck(run):
		run.Progress = runctx.Stuck
	default:
		run.Progress = runctx.Unknown
	}
}

// UpdateStuckCounter advances the consecutive-stuck counter once per
// iteration: incremented while stuck, reset once the run is making
// progress again.
func UpdateStuckCounter(run *runctx.Context) {
	if IsStuck(run) {
		run.StuckIterations++
		return
	}
	if run.Progress == runctx.MakingProgress {
		run.StuckIterations = 0
	}
}

// ShouldForceSummarize reports whether the driver should instruct the
// model to produce a final summary instead of another tool call: stuck for
// 2+ consecutive iterations, or severe regression (Regressing at iteration
// 5+ with 3+ failures out of 3+ attempts).
func ShouldForceSummarize(run *runctx.Context) bool {
	if run.StuckIterations >= 2 {
		slog.Warn("stuckness: forcing summary", "run", run.RunID, "stuck_iterations", run.StuckIterations)
		return true
	}

	if run.Progress == runctx.Regressing && run.Iteration >= 5 &&
		run.TotalAttempts() >= 3 && run.FailureCount >= 3 {
		slog.Warn("stuckness: forcing summary due to severe regression", "run", run.RunID)
		return true
	}

	return false
}
