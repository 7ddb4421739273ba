// Package events defines the typed event stream the Loop Driver emits
// during a run: state transitions, tool lifecycle, plan updates, streamed
// response chunks, and the terminal Completed/Failed outcome. UIs attach
// via Broker.Subscribe and render the frames; the core never blocks on a
// slow observer.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Type discriminates Event payloads.
type Type string

const (
	StateChanged      Type = "state_changed"
	Thinking          Type = "thinking"
	ToolCallStarted   Type = "tool_call_started"
	ToolCallCompleted Type = "tool_call_completed"
	ToolCallFailed    Type = "tool_call_failed"
	PlanUpdated       Type = "plan_updated"
	Progress          Type = "progress"
	ResponseChunk     Type = "response_chunk"
	Completed         Type = "completed"
	Failed            Type = "failed"
)

// Event is one frame of the stream. Only the fields relevant to Type are
// populated; the zero values of the rest are omitted when serialized to an
// attached UI.
type Event struct {
	Type      Type      `json:"type"`
	RunID     string    `json:"run_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// StateChanged
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	// Thinking / Progress / ResponseChunk
	Content string `json:"content,omitempty"`

	// Tool lifecycle
	Tool       string         `json:"tool,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
	Result     any            `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	RetryCount int            `json:"retry_count,omitempty"`

	// PlanUpdated
	Plan any `json:"plan,omitempty"`

	// Progress
	Iteration     int `json:"iteration,omitempty"`
	MaxIterations int `json:"max_iterations,omitempty"`

	// Completed
	FinalResponse string `json:"final_response,omitempty"`
}

// Broker fans events out to subscribers. Sends are non-blocking: a
// subscriber that stops draining its channel loses frames rather than
// stalling the driver.
type Broker struct {
	mu          sync.Mutex
	subscribers []chan Event
}

// NewBroker creates an empty Broker. A Broker with no subscribers discards
// every event, so the core works with zero observers attached.
func NewBroker() *Broker {
	return &Broker{}
}

// Subscribe registers a new observer channel. The returned function
// unsubscribes and closes the channel.
func (b *Broker) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)

	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, c := range b.subscribers {
			if c == ch {
				b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
				close(ch)
				break
			}
		}
	}
	return ch, unsubscribe
}

// Publish stamps ev with the current time if unset and fans it out.
func (b *Broker) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			slog.Warn("events: subscriber channel full, dropping event", "type", ev.Type)
		}
	}
}

// Emitter binds a Broker to one run so callers don't repeat the run id on
// every publish.
type Emitter struct {
	broker *Broker
	runID  string
}

// NewEmitter creates an Emitter for runID. A nil broker yields an Emitter
// that discards everything, which keeps call sites unconditional.
func NewEmitter(broker *Broker, runID string) *Emitter {
	if broker == nil {
		broker = NewBroker()
	}
	return &Emitter{broker: broker, runID: runID}
}

func (e *Emitter) publish(ev Event) {
	ev.RunID = e.runID
	e.broker.Publish(ev)
}

// StateChanged emits a state transition.
func (e *Emitter) StateChanged(from, to string) {
	e.publish(Event{Type: StateChanged, From: from, To: to})
}

// Thinking emits reasoning-phase content.
func (e *Emitter) Thinking(content string) {
	e.publish(Event{Type: Thinking, Content: content})
}

// ToolCallStarted emits the start of a tool invocation.
func (e *Emitter) ToolCallStarted(toolName string, params map[string]any) {
	e.publish(Event{Type: ToolCallStarted, Tool: toolName, Params: params})
}

// ToolCallCompleted emits a successful tool outcome.
func (e *Emitter) ToolCallCompleted(toolName string, result any) {
	e.publish(Event{Type: ToolCallCompleted, Tool: toolName, Result: result})
}

// ToolCallFailed emits a failed tool attempt with its retry ordinal.
func (e *Emitter) ToolCallFailed(toolName, errMsg string, retryCount int) {
	e.publish(Event{Type: ToolCallFailed, Tool: toolName, Error: errMsg, RetryCount: retryCount})
}

// PlanUpdated emits the current plan after the Planner applied an update.
func (e *Emitter) PlanUpdated(plan any) {
	e.publish(Event{Type: PlanUpdated, Plan: plan})
}

// Progress emits an iteration heartbeat.
func (e *Emitter) Progress(iteration, maxIterations int, message string) {
	e.publish(Event{Type: Progress, Iteration: iteration, MaxIterations: maxIterations, Content: message})
}

// ResponseChunk emits a batch of streamed response text.
func (e *Emitter) ResponseChunk(text string) {
	e.publish(Event{Type: ResponseChunk, Content: text})
}

// Completed emits the terminal success event.
func (e *Emitter) Completed(finalResponse string) {
	e.publish(Event{Type: Completed, FinalResponse: finalResponse})
}

// Failed emits the terminal failure event.
func (e *Emitter) Failed(errMsg string) {
	e.publish(Event{Type: Failed, Error: errMsg})
}
