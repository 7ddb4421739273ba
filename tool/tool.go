// Package tool defines the uniform tool-dispatch contract consumed by the
// Loop Driver: a name -> capability table supporting describe, validate, and
// execute, plus a tolerant parser for the LLM's JSON tool-call wire format.
//
// Concrete tool implementations (filesystem, shell, HTTP, MCP adapters) are
// not part of this package's contract; §tool/filetool, §tool/exectool,
// §tool/webtool and §tool/mcptoolset are illustrative registrants only.
package tool

import (
	"context"

	"github.com/kadirpekel/loopcore/permission"
)

// Info is the enumerable, LLM-facing shape of a registered tool: the triple
// used to build the tool section of the system prompt.
type Info struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Tool is the uniform interface every registrant implements, whether backed
// by a local function, a subprocess, or an MCP server.
type Tool interface {
	Name() string
	Description() string

	// Schema returns a self-describing JSON object schema for Execute's
	// params. A nil/empty schema means the tool takes no parameters.
	Schema() map[string]any

	// Permission is the required permission class for invoking this tool.
	Permission() permission.Class

	// Execute runs the tool. Implementations should respect ctx
	// cancellation/deadline; the Executor (§executor) applies its own
	// timeout on top regardless.
	Execute(ctx context.Context, params map[string]any) (Result, error)
}

// Result is the outcome of a successful-or-not tool invocation as returned
// by Execute. Success=false with a nil error represents a tool-level
// failure the tool itself chose to report gracefully (e.g. "file not
// found"); a non-nil error represents an execution fault the Executor should
// retry/escalate.
type Result struct {
	Success bool
	Data    any
	Message string
}

// RetryPolicy is an advertised per-tool override promoting the "retries are
// unsafe for non-idempotent tools" convention (spec §9 Open Question) to a
// mechanical property. A tool that does not implement RetryPolicy is
// retried per the Executor's default policy.
type RetryPolicy interface {
	MaxRetries() int
}
