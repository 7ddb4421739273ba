package stuckness

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/loopcore/runctx"
)

func entry(toolName string, params map[string]any) runctx.ToolHistoryEntry {
	raw, _ := json.Marshal(params)
	return runctx.ToolHistoryEntry{ToolName: toolName, Params: raw}
}

func TestIsStuckRepeatedToolCalls(t *testing.T) {
	run := runctx.New()
	for i := 0; i < 3; i++ {
		run.AppendHistory(entry("web_search", map[string]any{"query": "x"}))
	}

	assert.True(t, IsStuck(run))
}

func TestIsStuckRepeatedToolCallsRegardlessOfOtherFields(t *testing.T) {
	run := runctx.New()
	run.SuccessCount = 3 // successes don't mask heuristic 1
	for i := 0; i < 3; i++ {
		run.AppendHistory(entry("web_search", map[string]any{"query": "x"}))
	}

	assert.True(t, IsStuck(run))
}

func TestNotStuckWhenParamsDiffer(t *testing.T) {
	run := runctx.New()
	run.AppendHistory(entry("web_search", map[string]any{"query": "a"}))
	run.AppendHistory(entry("web_search", map[string]any{"query": "b"}))
	run.AppendHistory(entry("web_search", map[string]any{"query": "c"}))

	assert.False(t, IsStuck(run))
}

func TestIsStuckRepeatedResponsePattern(t *testing.T) {
	run := runctx.New()
	response := strings.Repeat("je cherche encore la même information dans les mêmes fichiers ", 4)

	Observe(run, response, Config{})
	require.NotEmpty(t, run.DetectedPatterns)

	// The same long response comes back: its recorded fingerprint matches.
	Observe(run, response, Config{})
	assert.True(t, IsStuck(run))
}

func TestShortResponseLeavesNoPattern(t *testing.T) {
	run := runctx.New()
	Observe(run, "courte réponse", Config{})

	assert.Empty(t, run.DetectedPatterns)
	assert.Equal(t, "courte réponse", run.LastResponse)
}

func TestIsStuckNoToolsAfterFiveIterations(t *testing.T) {
	run := runctx.New()
	run.Iteration = 5

	assert.True(t, IsStuck(run))
}

func TestIsStuckFewToolsAfterNineIterations(t *testing.T) {
	run := runctx.New()
	run.Iteration = 9
	run.AppendHistory(entry("file_read", map[string]any{"path": "a"}))

	assert.True(t, IsStuck(run))
}

func TestIsStuckRepeatedApproaches(t *testing.T) {
	run := runctx.New()
	run.AppendHistory(entry("a", map[string]any{"x": 1}))
	run.AppendHistory(entry("b", map[string]any{"x": 2}))
	for i := 0; i < 3; i++ {
		run.RecordApproach("web_search:même requête")
	}

	assert.True(t, IsStuck(run))
}

func TestIsStuckFailureRegression(t *testing.T) {
	run := runctx.New()
	run.Iteration = 5
	run.AppendHistory(entry("a", map[string]any{"x": 1}))
	run.AppendHistory(entry("b", map[string]any{"x": 2}))
	run.RecordSuccess()
	run.RecordFailure()
	run.RecordFailure()
	run.RecordFailure()

	assert.True(t, IsStuck(run))
}

func TestNotStuckFreshRun(t *testing.T) {
	run := runctx.New()
	assert.False(t, IsStuck(run))
}

func TestUpdateProgress(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(*runctx.Context)
		expected  runctx.ProgressState
	}{
		{
			name:     "early iterations are unknown",
			setup:    func(run *runctx.Context) { run.Iteration = 1; run.SuccessCount = 3 },
			expected: runctx.Unknown,
		},
		{
			name:     "no attempts is unknown",
			setup:    func(run *runctx.Context) { run.Iteration = 4 },
			expected: runctx.Unknown,
		},
		{
			name: "high failure ratio is regressing",
			setup: func(run *runctx.Context) {
				run.Iteration = 4
				run.SuccessCount = 1
				run.FailureCount = 3
			},
			expected: runctx.Regressing,
		},
		{
			name: "low failure ratio is making progress",
			setup: func(run *runctx.Context) {
				run.Iteration = 4
				run.SuccessCount = 3
				run.FailureCount = 1
			},
			expected: runctx.MakingProgress,
		},
		{
			name: "middling ratio without stuckness is unknown",
			setup: func(run *runctx.Context) {
				run.Iteration = 3
				run.SuccessCount = 1
				run.FailureCount = 1
			},
			expected: runctx.Unknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := runctx.New()
			tt.setup(run)
			UpdateProgress(run)
			assert.Equal(t, tt.expected, run.Progress)
		})
	}
}

func TestUpdateProgressMiddlingRatioStuck(t *testing.T) {
	run := runctx.New()
	run.Iteration = 3
	run.SuccessCount = 1
	run.FailureCount = 1
	for i := 0; i < 3; i++ {
		run.AppendHistory(entry("web_search", map[string]any{"query": "x"}))
	}

	UpdateProgress(run)
	assert.Equal(t, runctx.Stuck, run.Progress)
}

func TestUpdateStuckCounter(t *testing.T) {
	run := runctx.New()
	for i := 0; i < 3; i++ {
		run.AppendHistory(entry("web_search", map[string]any{"query": "x"}))
	}

	UpdateStuckCounter(run)
	UpdateStuckCounter(run)
	assert.Equal(t, 2, run.StuckIterations)
}

func TestUpdateStuckCounterResetsOnProgress(t *testing.T) {
	run := runctx.New()
	run.StuckIterations = 2
	run.Progress = runctx.MakingProgress

	UpdateStuckCounter(run)
	assert.Equal(t, 0, run.StuckIterations)
}

func TestShouldForceSummarize(t *testing.T) {
	run := runctx.New()
	assert.False(t, ShouldForceSummarize(run))

	run.StuckIterations = 2
	assert.True(t, ShouldForceSummarize(run))
}

func TestShouldForceSummarizeOnSevereRegression(t *testing.T) {
	run := runctx.New()
	run.Iteration = 5
	run.Progress = runctx.Regressing
	run.FailureCount = 3

	assert.True(t, ShouldForceSummarize(run))
}

func TestFingerprintSimple(t *testing.T) {
	long := strings.Repeat("abcdefghij", 20)
	pattern, ok := Fingerprint(long, Simple)

	require.True(t, ok)
	assert.Len(t, []rune(pattern), 80)
	assert.Equal(t, []rune(long)[50:130], []rune(pattern))
}

func TestFingerprintTooShort(t *testing.T) {
	_, ok := Fingerprint("court", Simple)
	assert.False(t, ok)
}

func TestFingerprintNormalizedIgnoresWhitespaceAndDigits(t *testing.T) {
	base := strings.Repeat("résultat intermédiaire pour la requête ", 6)
	renumbered := strings.ReplaceAll(base, "requête", "requête 42")

	p1, ok1 := Fingerprint(base, Normalized)
	p2, ok2 := Fingerprint(renumbered, Normalized)

	require.True(t, ok1)
	require.True(t, ok2)
	assert.Equal(t, p1, p2)
}

func TestParseStrategy(t *testing.T) {
	assert.Equal(t, Normalized, ParseStrategy("normalized"))
	assert.Equal(t, Simple, ParseStrategy("simple"))
	assert.Equal(t, Simple, ParseStrategy(""))
}
