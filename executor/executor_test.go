package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/loopcore/events"
	"github.com/kadirpekel/loopcore/permission"
	"github.com/kadirpekel/loopcore/runctx"
	"github.com/kadirpekel/loopcore/tool"
)

// fakeTool is a scriptable test tool.
type fakeTool struct {
	name   string
	schema map[string]any

	mu      sync.Mutex
	calls   int
	execute func(call int) (tool.Result, error)
}

func (f *fakeTool) Name() string                       { return f.name }
func (f *fakeTool) Description() string                { return "test tool" }
func (f *fakeTool) Schema() map[string]any             { return f.schema }
func (f *fakeTool) Permission() permission.Class       { return permission.ReadOnly }

func (f *fakeTool) Execute(ctx context.Context, _ map[string]any) (tool.Result, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	return f.execute(call)
}

func (f *fakeTool) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// retryTool additionally advertises a RetryPolicy.
type retryTool struct {
	fakeTool
	retries int
}

func (r *retryTool) MaxRetries() int { return r.retries }

func collectEvents(broker *events.Broker) func() []events.Event {
	ch, unsubscribe := broker.Subscribe()
	var mu sync.Mutex
	var collected []events.Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			mu.Lock()
			collected = append(collected, ev)
			mu.Unlock()
		}
	}()
	return func() []events.Event {
		unsubscribe()
		<-done
		mu.Lock()
		defer mu.Unlock()
		return collected
	}
}

func newExecutor(t *testing.T, tools ...tool.Tool) (*Executor, *tool.Registry) {
	t.Helper()
	registry := tool.NewRegistry()
	for _, tl := range tools {
		require.NoError(t, registry.Register(tl))
	}
	cfg := DefaultConfig()
	cfg.BackoffBase = time.Millisecond
	return New(registry, cfg, nil), registry
}

func TestExecuteSuccess(t *testing.T) {
	ft := &fakeTool{name: "echo", execute: func(int) (tool.Result, error) {
		return tool.Result{Success: true, Message: "ok"}, nil
	}}
	exec, _ := newExecutor(t, ft)
	run := runctx.New()
	broker := events.NewBroker()
	get := collectEvents(broker)
	emitter := events.NewEmitter(broker, run.RunID)

	result, err := exec.Execute(context.Background(), run, emitter, tool.Call{Name: "echo", Params: map[string]any{"a": 1}})

	require.NoError(t, err)
	assert.True(t, result.Success)
	require.Len(t, run.ToolHistory, 1)
	assert.True(t, run.ToolHistory[0].Succeeded())
	assert.Equal(t, 0, run.ConsecutiveErrors)
	assert.Equal(t, 1, run.SuccessCount)

	evs := get()
	require.Len(t, evs, 2)
	assert.Equal(t, events.ToolCallStarted, evs[0].Type)
	assert.Equal(t, events.ToolCallCompleted, evs[1].Type)
}

func TestExecuteRetryThenSucceed(t *testing.T) {
	ft := &fakeTool{name: "flaky", execute: func(call int) (tool.Result, error) {
		if call == 1 {
			return tool.Result{}, errors.New("transient")
		}
		return tool.Result{Success: true, Message: "recovered"}, nil
	}}
	exec, _ := newExecutor(t, ft)
	run := runctx.New()
	broker := events.NewBroker()
	get := collectEvents(broker)
	emitter := events.NewEmitter(broker, run.RunID)

	result, err := exec.Execute(context.Background(), run, emitter, tool.Call{Name: "flaky", Params: nil})

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 2, ft.Calls())

	// History records the final outcome only.
	require.Len(t, run.ToolHistory, 1)
	assert.True(t, run.ToolHistory[0].Succeeded())
	assert.Equal(t, 0, run.ConsecutiveErrors)

	var failed, completed []events.Event
	for _, ev := range get() {
		switch ev.Type {
		case events.ToolCallFailed:
			failed = append(failed, ev)
		case events.ToolCallCompleted:
			completed = append(completed, ev)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].RetryCount)
	require.Len(t, completed, 1)
}

func TestExecuteExhaustsRetries(t *testing.T) {
	ft := &fakeTool{name: "broken", execute: func(int) (tool.Result, error) {
		return tool.Result{}, errors.New("permanent")
	}}
	exec, _ := newExecutor(t, ft)
	run := runctx.New()
	emitter := events.NewEmitter(nil, run.RunID)

	_, err := exec.Execute(context.Background(), run, emitter, tool.Call{Name: "broken", Params: nil})

	require.Error(t, err)
	var terr *tool.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, tool.ExecutionFailed, terr.Kind)

	assert.Equal(t, 3, ft.Calls()) // initial + 2 retries
	require.Len(t, run.ToolHistory, 1)
	assert.False(t, run.ToolHistory[0].Succeeded())
	assert.Equal(t, 1, run.ConsecutiveErrors)
	assert.Equal(t, 1, run.FailureCount)
}

func TestExecuteHonorsRetryPolicyZero(t *testing.T) {
	rt := &retryTool{retries: 0}
	rt.name = "commit"
	rt.execute = func(int) (tool.Result, error) {
		return tool.Result{}, errors.New("boom")
	}
	exec, _ := newExecutor(t, rt)
	run := runctx.New()
	emitter := events.NewEmitter(nil, run.RunID)

	_, err := exec.Execute(context.Background(), run, emitter, tool.Call{Name: "commit", Params: nil})

	require.Error(t, err)
	assert.Equal(t, 1, rt.Calls())
}

func TestExecuteRetriesDisabled(t *testing.T) {
	ft := &fakeTool{name: "flaky", execute: func(int) (tool.Result, error) {
		return tool.Result{}, errors.New("transient")
	}}
	registry := tool.NewRegistry()
	require.NoError(t, registry.Register(ft))
	cfg := DefaultConfig()
	cfg.RetryEnabled = false
	exec := New(registry, cfg, nil)
	run := runctx.New()

	_, err := exec.Execute(context.Background(), run, events.NewEmitter(nil, run.RunID), tool.Call{Name: "flaky"})

	require.Error(t, err)
	assert.Equal(t, 1, ft.Calls())
}

func TestExecuteTimeout(t *testing.T) {
	ft := &fakeTool{name: "slow", execute: func(int) (tool.Result, error) {
		time.Sleep(3 * time.Second)
		return tool.Result{Success: true}, nil
	}}
	registry := tool.NewRegistry()
	require.NoError(t, registry.Register(ft))
	cfg := DefaultConfig()
	cfg.DefaultTimeout = 50 * time.Millisecond
	exec := New(registry, cfg, nil)
	run := runctx.New()

	start := time.Now()
	_, err := exec.Execute(context.Background(), run, events.NewEmitter(nil, run.RunID), tool.Call{Name: "slow"})

	require.Error(t, err)
	var terr *tool.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, tool.Timeout, terr.Kind)
	assert.Less(t, time.Since(start), time.Second)

	// A timeout is terminal, never retried.
	assert.Equal(t, 1, ft.Calls())
	require.Len(t, run.ToolHistory, 1)
	assert.Equal(t, 1, run.FailureCount)
}

func TestExecuteUnknownTool(t *testing.T) {
	exec, _ := newExecutor(t)
	run := runctx.New()

	_, err := exec.Execute(context.Background(), run, events.NewEmitter(nil, run.RunID), tool.Call{Name: "ghost"})

	var terr *tool.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, tool.NotFound, terr.Kind)
	assert.Empty(t, run.ToolHistory)
}

func TestExecuteInvalidParameters(t *testing.T) {
	ft := &fakeTool{
		name: "typed",
		schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"count": map[string]any{"type": "integer"},
			},
			"required": []any{"count"},
		},
		execute: func(int) (tool.Result, error) { return tool.Result{Success: true}, nil },
	}
	exec, _ := newExecutor(t, ft)
	run := runctx.New()

	_, err := exec.Execute(context.Background(), run, events.NewEmitter(nil, run.RunID), tool.Call{
		Name:   "typed",
		Params: map[string]any{"count": "not a number"},
	})

	var terr *tool.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, tool.InvalidParameters, terr.Kind)
	assert.Equal(t, 0, ft.Calls())
	require.Len(t, run.ToolHistory, 1)
	assert.Equal(t, 1, run.FailureCount)
}

func TestTimeoutCeiling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeouts = map[string]time.Duration{"big": time.Hour}
	cfg.TimeoutCeiling = time.Minute
	exec := New(tool.NewRegistry(), cfg, nil)

	assert.Equal(t, time.Minute, exec.timeoutFor("big"))
	assert.Equal(t, cfg.DefaultTimeout, exec.timeoutFor("other"))
}
