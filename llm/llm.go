// Package llm defines the streaming inference-engine contract the Loop
// Driver consumes. The engine itself (sampling, model files, the on-wire
// message format) lives outside this module; the driver only needs roles,
// a parameter struct, and a token channel with a distinguished end marker.
package llm

import "context"

// Role identifies the author of a Message.
type Role string

const (
	System    Role = "system"
	User      Role = "user"
	Assistant Role = "assistant"
)

// Message is one entry of the conversation sent to the engine.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Params are the sampling parameters passed through to the engine, opaque
// to the driver.
type Params struct {
	MaxTokens         int     `json:"max_tokens,omitempty"`
	Temperature       float64 `json:"temperature,omitempty"`
	TopK              int     `json:"top_k,omitempty"`
	TopP              float64 `json:"top_p,omitempty"`
	RepetitionPenalty float64 `json:"repetition_penalty,omitempty"`
	Seed              int64   `json:"seed,omitempty"`
	MaxContextSize    int     `json:"max_context_size,omitempty"`
}

// TokenKind discriminates stream tokens.
type TokenKind int

const (
	// TokenText carries a fragment of generated text.
	TokenText TokenKind = iota
	// TokenDone signals normal end of stream.
	TokenDone
	// TokenError signals the stream died; Err carries the reason.
	TokenError
)

// Token is one element of the generation stream.
type Token struct {
	Kind TokenKind
	Text string
	Err  string
}

// Engine is the consumed inference interface. GenerateStream returns a
// bounded token channel and a cancel handle that stops generation; the
// channel is closed after TokenDone or TokenError is delivered.
type Engine interface {
	GenerateStream(ctx context.Context, messages []Message, params Params) (<-chan Token, func(), error)
}
