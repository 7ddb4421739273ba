// Package loop implements the Loop Driver: the state machine that drives
// the LLM through a bounded Think -> Act -> Observe -> Reflect cycle,
// dispatching tool calls through the Executor, arbitrating them through
// the Permission Arbiter, and terminating on the stop conditions the run
// context accumulates.
package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/loopcore/events"
	"github.com/kadirpekel/loopcore/executor"
	"github.com/kadirpekel/loopcore/llm"
	"github.com/kadirpekel/loopcore/observability"
	"github.com/kadirpekel/loopcore/permission"
	"github.com/kadirpekel/loopcore/planner"
	"github.com/kadirpekel/loopcore/runctx"
	"github.com/kadirpekel/loopcore/stuckness"
	"github.com/kadirpekel/loopcore/tool"
)

// Conversation is what the persistence callback receives after a run.
type Conversation struct {
	ID       string        `json:"id"`
	Messages []llm.Message `json:"messages"`
	Updated  time.Time     `json:"updated"`
}

// SaveFunc is the external persistence boundary.
type SaveFunc func(Conversation) error

// Config tunes one Driver.
type Config struct {
	MaxIterations        int
	MaxConsecutiveErrors int
	MaxRuntime           time.Duration
	HistoryWindow        int
	EnableThinking       bool
	EnablePlanning       bool
	PermissionWait       time.Duration

	// MaxPromptTokens bounds the estimated size of an assembled prompt;
	// history beyond the message window is dropped oldest-first until the
	// prompt fits. Zero derives it from Params.MaxContextSize, and if that
	// is also zero only the message-count window applies.
	MaxPromptTokens int

	// BasePrompt is the system preamble placed before the generated
	// sections.
	BasePrompt string

	// Params are passed through to the engine untouched.
	Params llm.Params

	Stuckness stuckness.Config
}

// DefaultConfig returns the stock bounds: 25 iterations, 3 consecutive
// errors, 300s runtime, 40-message history window, 120s permission wait.
func DefaultConfig() Config {
	return Config{
		MaxIterations:        25,
		MaxConsecutiveErrors: 3,
		MaxRuntime:           300 * time.Second,
		HistoryWindow:        40,
		EnableThinking:       true,
		EnablePlanning:       true,
		PermissionWait:       120 * time.Second,
	}
}

// Deps are the Driver's collaborators. Registry, Executor, Arbiter, and
// Engine are required; Broker, Metrics, and Save may be nil.
type Deps struct {
	Registry *tool.Registry
	Executor *executor.Executor
	Arbiter  *permission.Arbiter
	Engine   llm.Engine
	Broker   *events.Broker
	Metrics  *observability.Metrics
	Save     SaveFunc
}

// Driver owns the run loop. One Driver serves one conversation at a time;
// the Arbiter and Registry it points at are shared across drivers.
type Driver struct {
	cfg      Config
	registry *tool.Registry
	exec     *executor.Executor
	arbiter  *permission.Arbiter
	engine   llm.Engine
	broker   *events.Broker
	metrics  *observability.Metrics
	save     SaveFunc
	tracer   trace.Tracer

	cancelled atomic.Bool
}

// New creates a Driver.
func New(cfg Config, deps Deps) *Driver {
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = 25
	}
	if cfg.MaxConsecutiveErrors == 0 {
		cfg.MaxConsecutiveErrors = 3
	}
	if cfg.MaxRuntime == 0 {
		cfg.MaxRuntime = 300 * time.Second
	}
	if cfg.HistoryWindow == 0 {
		cfg.HistoryWindow = 40
	}
	if cfg.PermissionWait == 0 {
		cfg.PermissionWait = 120 * time.Second
	}
	if cfg.MaxPromptTokens == 0 {
		cfg.MaxPromptTokens = cfg.Params.MaxContextSize
	}
	return &Driver{
		cfg:      cfg,
		registry: deps.Registry,
		exec:     deps.Executor,
		arbiter:  deps.Arbiter,
		engine:   deps.Engine,
		broker:   deps.Broker,
		metrics:  deps.Metrics,
		save:     deps.Save,
		tracer:   observability.GetTracer("loopcore/loop"),
	}
}

// Cancel sets the cooperative cancellation flag. The driver observes it at
// the next iteration boundary or before the next permission wait; in-flight
// tool calls run to completion or their own timeout. Cancelling a run that
// already terminated is a no-op.
func (d *Driver) Cancel() {
	d.cancelled.Store(true)
}

// Result is what a run produces.
type Result struct {
	FinalResponse string
	Run           *runctx.Context
	Messages      []llm.Message
}

// Run drives one user turn to a terminal state. It never returns an error
// for intermediate failures; those are fed back to the model. The returned
// Result carries the terminal state (Completed or Failed) on its Context.
func (d *Driver) Run(ctx context.Context, conversationID string, history []llm.Message, userMessage string) Result {
	run := runctx.New()
	emitter := events.NewEmitter(d.broker, run.RunID)
	plans := planner.NewManager()
	d.cancelled.Store(false)
	d.metrics.RunStarted()

	ctx, span := d.tracer.Start(ctx, "agent.run",
		trace.WithAttributes(attribute.String("run.id", run.RunID)))
	defer span.End()

	run.AddAnchor(userMessage, runctx.Goal)

	messages := make([]llm.Message, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, llm.Message{Role: llm.User, Content: userMessage})

	transition := func(next runctx.State) {
		if prev := run.SetState(next); prev != next {
			emitter.StateChanged(prev.String(), next.String())
		}
	}

	finish := func(final string) Result {
		if d.save != nil {
			conv := Conversation{ID: conversationID, Messages: messages, Updated: time.Now()}
			if err := d.save(conv); err != nil {
				slog.Error("loop: save conversation failed", "conversation", conversationID, "error", err)
			}
		}
		d.metrics.RunFinished(run.State.String())
		return Result{FinalResponse: final, Run: run, Messages: messages}
	}

	var partial string
	countIteration := true

	for {
		// Cancellation is cooperative and checked at iteration boundaries.
		if d.cancelled.Load() || ctx.Err() != nil {
			transition(runctx.Completed)
			emitter.Completed(partial)
			return finish(partial)
		}

		if stop := d.shouldStop(run); stop.reason != "" {
			if stop.fatal {
				prev := run.State
				run.Fail(stop.reason)
				emitter.StateChanged(prev.String(), runctx.Failed.String())
				emitter.Failed(stop.reason)
				return finish(partial)
			}

			// Loop detection ends with one forced summary generation so the
			// user gets an answer, not a transcript of repetition. Runtime
			// exhaustion skips it: the budget is already spent.
			if stop.summarize {
				if summary := d.forcedSummary(ctx, run, &messages, emitter); summary != "" {
					partial = summary
				}
			}
			transition(runctx.Completed)
			emitter.Completed(partial)
			return finish(partial)
		}

		if countIteration {
			run.Iteration++
		}
		countIteration = true
		emitter.Progress(run.Iteration, d.cfg.MaxIterations, run.State.String())

		forceSummary := stuckness.ShouldForceSummarize(run)
		system := d.buildSystemPrompt(run, plans.Current(), forceSummary)
		prompt := assembleMessages(system, messages, d.cfg.HistoryWindow, d.cfg.MaxPromptTokens)

		transition(runctx.Thinking)
		response, streamErr := d.stream(ctx, prompt, emitter)
		if streamErr != nil {
			run.ConsecutiveErrors++
			slog.Warn("loop: stream error", "run", run.RunID, "error", streamErr)
			if run.ConsecutiveErrors >= d.cfg.MaxConsecutiveErrors {
				reason := fmt.Sprintf("Erreur du moteur de génération: %v", streamErr)
				run.Fail(reason)
				emitter.Failed(reason)
				return finish(partial)
			}
			messages = append(messages, llm.Message{
				Role:    llm.System,
				Content: "Une erreur est survenue pendant la génération. Reformule ta réponse ou essaie une approche différente.",
			})
			continue
		}

		stuckness.Observe(run, response, d.cfg.Stuckness)
		messages = append(messages, llm.Message{Role: llm.Assistant, Content: response})
		partial = response

		act := d.analyzeResponse(response, run)
		switch act.Kind {
		case actionEmpty:
			reason := "Réponse vide du modèle"
			run.Fail(reason)
			emitter.Failed(reason)
			return finish(partial)

		case actionUnknownTool:
			run.ConsecutiveErrors++
			messages = append(messages, llm.Message{
				Role: llm.System,
				Content: fmt.Sprintf(
					"L'outil `%s` n'existe pas. Voici les outils disponibles: %s. Utilise un des outils existants ou réponds directement.",
					act.Call.Name, strings.Join(d.registry.Names(), ", ")),
			})
			transition(runctx.Reflecting)
			continue

		case actionPlan:
			transition(runctx.Planning)
			if plans.Apply(userMessage, response, plans.Current() != nil) {
				emitter.PlanUpdated(plans.Current())
			}
			transition(runctx.Thinking)
			countIteration = false
			continue

		case actionThinking:
			content := extractThinking(response)
			run.RecordThinking(content)
			emitter.Thinking(content)
			continue

		case actionFinal:
			transition(runctx.Responding)
			transition(runctx.Completed)
			emitter.Completed(response)
			return finish(response)

		case actionContinue:
			continue
		}

		// actionToolCall: permission, execution, observation.
		call := act.Call
		t, _ := d.registry.Lookup(call.Name)
		transition(runctx.Acting)

		approved, waited := d.requestPermission(ctx, run, emitter, t, call, transition)
		if waited && (d.cancelled.Load() || ctx.Err() != nil) {
			transition(runctx.Completed)
			emitter.Completed(partial)
			return finish(partial)
		}
		if !approved {
			// Denial is not an error for the run: the model is redirected,
			// not punished.
			run.AppendHistory(runctx.ToolHistoryEntry{
				ToolName: call.Name,
				Params:   marshalForHistory(call.Params),
				Error:    "permission refusée",
			})
			messages = append(messages, llm.Message{
				Role: llm.System,
				Content: fmt.Sprintf(
					"L'outil %s a été refusé. Essaie une autre approche ou réponds avec les informations disponibles.",
					call.Name),
			})
			transition(runctx.Reflecting)
			continue
		}

		transition(runctx.Acting)
		run.RecordApproach(call.Name + ":" + targetOf(call.Params))

		result, execErr := d.exec.Execute(ctx, run, emitter, call)

		transition(runctx.Observing)
		messages = append(messages, llm.Message{
			Role:    llm.System,
			Content: d.observationMessage(t, call, result, execErr),
		})

		stuckness.UpdateProgress(run)
		stuckness.UpdateStuckCounter(run)
		d.metrics.RecordIteration(run.State.String())

		transition(runctx.Reflecting)
	}
}

type stopDecision struct {
	reason    string
	fatal     bool
	summarize bool
}

// shouldStop returns a stop reason at the iteration boundary. Iteration
// and consecutive-error exhaustion terminate as Failed; runtime exhaustion
// and loop detection complete with whatever output exists, loop detection
// additionally forcing a final summary.
func (d *Driver) shouldStop(run *runctx.Context) stopDecision {
	if run.Iteration >= d.cfg.MaxIterations {
		return stopDecision{
			reason: fmt.Sprintf("Limite d'itérations atteinte (%d/%d)", run.Iteration, d.cfg.MaxIterations),
			fatal:  true,
		}
	}

	if run.ConsecutiveErrors >= d.cfg.MaxConsecutiveErrors {
		return stopDecision{
			reason: fmt.Sprintf("Trop d'erreurs consécutives (%d/%d)", run.ConsecutiveErrors, d.cfg.MaxConsecutiveErrors),
			fatal:  true,
		}
	}

	if elapsed := run.Elapsed(); elapsed >= d.cfg.MaxRuntime {
		return stopDecision{
			reason: fmt.Sprintf("Temps d'exécution maximal atteint (%.0fs/%.0fs)",
				elapsed.Seconds(), d.cfg.MaxRuntime.Seconds()),
		}
	}

	if run.StuckIterations >= 2 {
		return stopDecision{
			reason:    "Boucle détectée - l'agent répète les mêmes actions",
			summarize: true,
		}
	}

	return stopDecision{}
}

// forcedSummary injects the summary instruction and streams one last
// response, best-effort. An empty result leaves the partial output in
// place.
func (d *Driver) forcedSummary(ctx context.Context, run *runctx.Context, messages *[]llm.Message, emitter *events.Emitter) string {
	prev := run.SetState(runctx.Responding)
	emitter.StateChanged(prev.String(), runctx.Responding.String())

	system := d.buildSystemPrompt(run, nil, true)
	prompt := assembleMessages(system, *messages, d.cfg.HistoryWindow, d.cfg.MaxPromptTokens)

	summary, err := d.stream(ctx, prompt, emitter)
	if err != nil {
		slog.Warn("loop: forced summary failed", "run", run.RunID, "error", err)
		return ""
	}
	if strings.TrimSpace(summary) != "" {
		*messages = append(*messages, llm.Message{Role: llm.Assistant, Content: summary})
	}
	return summary
}

// requestPermission arbitrates the call. waited reports whether the driver
// blocked on a pending decision, which is a cancellation checkpoint.
func (d *Driver) requestPermission(ctx context.Context, run *runctx.Context, emitter *events.Emitter, t tool.Tool, call tool.Call, transition func(runctx.State)) (approved, waited bool) {
	req := permission.Request{
		ID:        uuid.NewString(),
		ToolName:  call.Name,
		Operation: "execute",
		Target:    targetOf(call.Params),
		Class:     t.Permission(),
		Params:    call.Params,
		Timestamp: time.Now(),
	}
	d.metrics.RecordPermissionRequest(req.Class.String())

	decision := d.arbiter.Request(req)
	if decision == permission.Approved {
		d.metrics.RecordPermissionDecision(permission.Approved.String())
		return true, false
	}

	transition(runctx.WaitingForUser)
	emitter.Progress(run.Iteration, d.cfg.MaxIterations,
		fmt.Sprintf("autorisation requise pour `%s` (%s)", call.Name, req.Class))

	// Cancellation is checked before each permission wait.
	if d.cancelled.Load() || ctx.Err() != nil {
		return false, true
	}

	final, ok := d.arbiter.Wait(ctx, req.ID, d.cfg.PermissionWait)
	if !ok {
		slog.Info("loop: permission wait timed out", "run", run.RunID, "tool", call.Name)
		return false, true
	}
	d.metrics.RecordPermissionDecision(final.String())
	return final == permission.Approved, true
}

// observationMessage builds the system message injected after a tool
// outcome so the model can adapt: the result for successes, the schema for
// parameter rejections, a recovery instruction for everything else.
func (d *Driver) observationMessage(t tool.Tool, call tool.Call, result tool.Result, execErr error) string {
	if execErr == nil {
		return fmt.Sprintf(`## Résultat de l'outil %s

%s

Analyse ce résultat et décide de la prochaine étape:
1. Si tu as TOUTES les informations nécessaires, rédige ta réponse finale (sans JSON, en langage naturel)
2. Si tu as besoin de plus de données, utilise un autre outil avec le bon format JSON
Utilise les données CONCRÈTES du résultat ci-dessus dans ta réponse.`, call.Name, renderResult(result))
	}

	var terr *tool.Error
	if errors.As(execErr, &terr) && terr.Kind == tool.InvalidParameters {
		return fmt.Sprintf(`## Paramètres invalides pour %s

Erreur: %v
Schéma attendu: %s
Paramètres reçus: %s

Corrige les paramètres et réessaie.`, call.Name, terr.Err, string(marshalForHistory(t.Schema())), string(marshalForHistory(call.Params)))
	}

	return fmt.Sprintf(`## L'outil %s a échoué

Erreur: %v

NE T'ARRÊTE PAS. Réfléchis et choisis une nouvelle stratégie:
1. Les paramètres étaient-ils corrects ?
2. Peux-tu utiliser un autre outil pour atteindre le même objectif ?
3. Si rien ne fonctionne après 2 tentatives, explique le problème et propose des alternatives.`, call.Name, execErr)
}

// stream drains the token channel in batches: one blocking receive, then
// everything immediately available, before emitting a single ResponseChunk.
// Batching preserves token order while reducing observer churn.
func (d *Driver) stream(ctx context.Context, prompt []llm.Message, emitter *events.Emitter) (string, error) {
	tokens, cancel, err := d.engine.GenerateStream(ctx, prompt, d.cfg.Params)
	if err != nil {
		return "", err
	}
	defer cancel()

	var full strings.Builder
	for {
		tok, ok := <-tokens
		if !ok {
			return full.String(), nil
		}

		var batch strings.Builder
		done := false
		var streamErr error

		process := func(t llm.Token) {
			switch t.Kind {
			case llm.TokenText:
				batch.WriteString(t.Text)
			case llm.TokenDone:
				done = true
			case llm.TokenError:
				streamErr = fmt.Errorf("stream error: %s", t.Err)
			}
		}

		process(tok)
	drain:
		for !done && streamErr == nil {
			select {
			case next, more := <-tokens:
				if !more {
					done = true
					break drain
				}
				process(next)
			default:
				break drain
			}
		}

		if batch.Len() > 0 {
			full.WriteString(batch.String())
			emitter.ResponseChunk(batch.String())
		}
		if streamErr != nil {
			return full.String(), streamErr
		}
		if done {
			return full.String(), nil
		}
	}
}

// targetOf extracts the human-facing target of a call for permission
// display: path, query, command, or url, falling back to the rendered
// params.
func targetOf(params map[string]any) string {
	for _, key := range []string{"path", "query", "command", "url"} {
		if v, ok := params[key].(string); ok && v != "" {
			return v
		}
	}
	return string(marshalForHistory(params))
}

func renderResult(result tool.Result) string {
	if result.Message != "" {
		return result.Message
	}
	return string(marshalForHistory(map[string]any{"success": result.Success, "data": result.Data}))
}

// marshalForHistory renders v as compact JSON, degrading to "{}" rather
// than failing: history and prompt injection must never abort the run.
func marshalForHistory(v any) json.RawMessage {
	if v == nil {
		return json.RawMessage("{}")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}
