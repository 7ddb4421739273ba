// Package executor invokes registered tools on the Loop Driver's behalf:
// per-tool timeout with an enforced ceiling, exponential-backoff retry for
// transient failures, history recording on the run context, and tool
// lifecycle events. Retries are idempotent-optimistic; tools whose failure
// modes are not safely retryable advertise MaxRetries() 0 and the executor
// honors it.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/loopcore/events"
	"github.com/kadirpekel/loopcore/observability"
	"github.com/kadirpekel/loopcore/runctx"
	"github.com/kadirpekel/loopcore/tool"
)

// Config tunes timeouts and the retry policy.
type Config struct {
	// DefaultTimeout applies to tools with no per-tool override.
	DefaultTimeout time.Duration

	// Timeouts overrides the timeout per tool name. Shell tools typically
	// need more headroom than the default.
	Timeouts map[string]time.Duration

	// TimeoutCeiling caps every per-tool timeout.
	TimeoutCeiling time.Duration

	// MaxRetries is the default retry budget per invocation. A tool
	// implementing tool.RetryPolicy replaces it with its own non-negative
	// value, downward or upward; with RetryEnabled false no call is retried.
	MaxRetries int

	// RetryEnabled disables all retries when false.
	RetryEnabled bool

	// BackoffBase is the first retry delay; attempt n sleeps
	// BackoffBase * 2^(n-1).
	BackoffBase time.Duration
}

// DefaultConfig returns the stock policy: 30s timeout, 120s for shell
// tools, 600s ceiling, 2 retries with a 100ms backoff base.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 30 * time.Second,
		Timeouts: map[string]time.Duration{
			"execute_command":        120 * time.Second,
			"execute_command_unsafe": 120 * time.Second,
		},
		TimeoutCeiling: 600 * time.Second,
		MaxRetries:     2,
		RetryEnabled:   true,
		BackoffBase:    100 * time.Millisecond,
	}
}

// Executor dispatches validated tool calls through the registry.
type Executor struct {
	registry *tool.Registry
	cfg      Config
	tracer   trace.Tracer
	metrics  *observability.Metrics
}

// New creates an Executor. metrics may be nil.
func New(registry *tool.Registry, cfg Config, metrics *observability.Metrics) *Executor {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 100 * time.Millisecond
	}
	return &Executor{
		registry: registry,
		cfg:      cfg,
		tracer:   observability.GetTracer("loopcore/executor"),
		metrics:  metrics,
	}
}

func (e *Executor) timeoutFor(name string) time.Duration {
	timeout := e.cfg.DefaultTimeout
	if t, ok := e.cfg.Timeouts[name]; ok && t > 0 {
		timeout = t
	}
	if e.cfg.TimeoutCeiling > 0 && timeout > e.cfg.TimeoutCeiling {
		timeout = e.cfg.TimeoutCeiling
	}
	return timeout
}

func (e *Executor) retryBudgetFor(t tool.Tool) int {
	if !e.cfg.RetryEnabled {
		return 0
	}
	if rp, ok := t.(tool.RetryPolicy); ok {
		if n := rp.MaxRetries(); n >= 0 {
			return n
		}
	}
	return e.cfg.MaxRetries
}

// Execute runs one tool call to a terminal outcome, recording it on run.
// On success it returns the tool result; on terminal failure it returns a
// *tool.Error whose Kind distinguishes invalid parameters, timeout, and
// execution failure. Both paths append exactly one history entry. An
// unregistered tool name returns a NotFound *tool.Error and records nothing.
func (e *Executor) Execute(ctx context.Context, run *runctx.Context, emitter *events.Emitter, call tool.Call) (tool.Result, error) {
	t, ok := e.registry.Lookup(call.Name)
	if !ok {
		return tool.Result{}, tool.NewError(tool.NotFound, call.Name, "tool is not registered", nil)
	}

	rawParams := marshalParams(call.Params)

	if err := e.registry.Validate(t, call.Params); err != nil {
		terr := tool.NewError(tool.InvalidParameters, call.Name, "parameters failed schema validation", err)
		e.recordFailure(run, call.Name, rawParams, terr, 0)
		emitter.ToolCallFailed(call.Name, terr.Error(), 0)
		return tool.Result{}, terr
	}

	maxRetries := e.retryBudgetFor(t)

	ctx, span := e.tracer.Start(ctx, "tool.execute",
		trace.WithAttributes(attribute.String("tool.name", call.Name)))
	defer span.End()

	retryCount := 0
	for {
		emitter.ToolCallStarted(call.Name, call.Params)

		start := time.Now()
		result, err := e.attempt(ctx, t, call.Params)
		duration := time.Since(start)

		if err == nil {
			run.AppendHistory(runctx.ToolHistoryEntry{
				ToolName: call.Name,
				Params:   rawParams,
				Result:   marshalResult(result),
				Duration: duration,
			})
			run.RecordSuccess()
			e.metrics.RecordToolCall(call.Name, "success", duration)
			emitter.ToolCallCompleted(call.Name, result)
			span.SetStatus(codes.Ok, "")
			return result, nil
		}

		retryCount++
		emitter.ToolCallFailed(call.Name, err.Error(), retryCount)

		// A timeout already consumed its full deadline; retrying it would
		// multiply the stall, so it is terminal.
		terr := asToolError(call.Name, err)
		if terr.Kind == tool.Timeout || retryCount > maxRetries {
			e.recordFailure(run, call.Name, rawParams, terr, duration)
			span.SetStatus(codes.Error, terr.Kind.String())
			return tool.Result{}, terr
		}

		e.metrics.RecordToolRetry()
		if !sleepBackoff(ctx, e.cfg.BackoffBase, retryCount) {
			terr = tool.NewError(tool.ExecutionFailed, call.Name, "cancelled while waiting to retry", ctx.Err())
			e.recordFailure(run, call.Name, rawParams, terr, duration)
			span.SetStatus(codes.Error, terr.Kind.String())
			return tool.Result{}, terr
		}
	}
}

// attempt runs a single invocation under the per-tool timeout.
func (e *Executor) attempt(ctx context.Context, t tool.Tool, params map[string]any) (tool.Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeoutFor(t.Name()))
	defer cancel()

	type outcome struct {
		result tool.Result
		err    error
	}
	done := make(chan outcome, 1)

	// The tool runs as a child task. It is never forcefully aborted: on
	// timeout it keeps running until it observes callCtx or finishes, and
	// its late result is dropped via the buffered channel.
	go func() {
		result, err := t.Execute(callCtx, params)
		done <- outcome{result, err}
	}()

	select {
	case out := <-done:
		if out.err == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return tool.Result{}, tool.NewError(tool.Timeout, t.Name(), "execution deadline exceeded", callCtx.Err())
		}
		return out.result, out.err
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return tool.Result{}, tool.NewError(tool.Timeout, t.Name(), "execution deadline exceeded", callCtx.Err())
		}
		return tool.Result{}, tool.NewError(tool.ExecutionFailed, t.Name(), "execution cancelled", callCtx.Err())
	}
}

func (e *Executor) recordFailure(run *runctx.Context, name string, rawParams json.RawMessage, terr *tool.Error, duration time.Duration) {
	run.AppendHistory(runctx.ToolHistoryEntry{
		ToolName: name,
		Params:   rawParams,
		Error:    terr.Error(),
		Duration: duration,
	})
	run.RecordFailure()
	e.metrics.RecordToolCall(name, terr.Kind.String(), duration)
}

func asToolError(name string, err error) *tool.Error {
	var terr *tool.Error
	if errors.As(err, &terr) {
		return terr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return tool.NewError(tool.Timeout, name, "execution deadline exceeded", err)
	}
	return tool.NewError(tool.ExecutionFailed, name, "tool execution failed", err)
}

// sleepBackoff sleeps BackoffBase * 2^(retry-1), cancellable. Returns
// false when ctx ended first.
func sleepBackoff(ctx context.Context, base time.Duration, retry int) bool {
	delay := base << (retry - 1)
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// marshalParams renders params canonically (encoding/json sorts object
// keys), which is what makes history-entry equality structural for the
// Stuckness Detector.
func marshalParams(params map[string]any) json.RawMessage {
	if params == nil {
		return json.RawMessage("{}")
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}

func marshalResult(result tool.Result) json.RawMessage {
	raw, err := json.Marshal(map[string]any{
		"success": result.Success,
		"data":    result.Data,
		"message": result.Message,
	})
	if err != nil {
		return nil
	}
	return raw
}
