package llm

import (
	"context"
	"strings"
	"sync"
)

// ScriptedEngine replays a fixed sequence of responses, one per
// GenerateStream call, chunking each into word-sized tokens. It exists for
// tests and for dry-running the loop without a model attached
// (agentloopd replay); when the script is exhausted it repeats the last
// response.
type ScriptedEngine struct {
	mu        sync.Mutex
	Responses []string
	Calls     int
}

// NewScriptedEngine creates an engine replaying responses in order.
func NewScriptedEngine(responses ...string) *ScriptedEngine {
	return &ScriptedEngine{Responses: responses}
}

// GenerateStream implements Engine.
func (e *ScriptedEngine) GenerateStream(ctx context.Context, _ []Message, _ Params) (<-chan Token, func(), error) {
	e.mu.Lock()
	idx := e.Calls
	e.Calls++
	if idx >= len(e.Responses) {
		idx = len(e.Responses) - 1
	}
	var response string
	if idx >= 0 {
		response = e.Responses[idx]
	}
	e.mu.Unlock()

	streamCtx, cancel := context.WithCancel(ctx)
	ch := make(chan Token, 16)

	go func() {
		defer close(ch)
		for _, word := range strings.SplitAfter(response, " ") {
			select {
			case <-streamCtx.Done():
				return
			case ch <- Token{Kind: TokenText, Text: word}:
			}
		}
		select {
		case <-streamCtx.Done():
		case ch <- Token{Kind: TokenDone}:
		}
	}()

	return ch, cancel, nil
}
