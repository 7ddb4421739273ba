// Package exectool provides shell-command tool registrants: an
// allowlisted Safe variant and an unrestricted Unsafe variant, distinguished
// by the permission class they declare so the Permission Arbiter gates them
// differently.
package exectool

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/kadirpekel/loopcore/permission"
	"github.com/kadirpekel/loopcore/tool"
)

var schema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"command": map[string]any{
			"type":        "string",
			"description": "shell command to execute, supports pipes and redirects",
		},
		"working_dir": map[string]any{
			"type":        "string",
			"description": "working directory, defaults to the tool's configured directory",
		},
	},
	"required": []any{"command"},
}

// Config controls both command tool variants.
type Config struct {
	WorkingDirectory string
	MaxExecutionTime time.Duration
	AllowedCommands  []string // empty means unrestricted
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.WorkingDirectory == "" {
		cfg.WorkingDirectory = "."
	}
	if cfg.MaxExecutionTime == 0 {
		cfg.MaxExecutionTime = 30 * time.Second
	}
	return cfg
}

// Safe is an execute_safe class shell tool restricted to an allowlist of
// base commands. An empty allowlist rejects everything; callers that want
// an unrestricted shell should register Unsafe instead.
type Safe struct {
	cfg Config
}

// NewSafe builds an allowlisted command tool.
func NewSafe(cfg Config) *Safe {
	return &Safe{cfg: cfg.withDefaults()}
}

func (t *Safe) Name() string                { return "execute_command" }
func (t *Safe) Description() string         { return "Execute an allowlisted shell command" }
func (t *Safe) Schema() map[string]any      { return schema }
func (t *Safe) Permission() permission.Class { return permission.ExecuteSafe }

func (t *Safe) Execute(ctx context.Context, params map[string]any) (tool.Result, error) {
	command, _ := params["command"].(string)
	if command == "" {
		return tool.Result{}, tool.NewError(tool.InvalidParameters, t.Name(), "command is required", nil)
	}

	if err := validateAllowed(command, t.cfg.AllowedCommands); err != nil {
		return tool.Result{}, tool.NewError(tool.PermissionDenied, t.Name(), err.Error(), nil)
	}

	return run(ctx, command, workingDir(params, t.cfg), t.cfg.MaxExecutionTime)
}

// Unsafe is an execute_unsafe class shell tool with no command
// restriction, for environments that explicitly accept that risk (e.g. a
// permission arbiter allowlist or accept-all config).
type Unsafe struct {
	cfg Config
}

// NewUnsafe builds an unrestricted command tool.
func NewUnsafe(cfg Config) *Unsafe {
	return &Unsafe{cfg: cfg.withDefaults()}
}

func (t *Unsafe) Name() string                { return "execute_command_unsafe" }
func (t *Unsafe) Description() string         { return "Execute any shell command, unrestricted" }
func (t *Unsafe) Schema() map[string]any      { return schema }
func (t *Unsafe) Permission() permission.Class { return permission.ExecuteUnsafe }

func (t *Unsafe) Execute(ctx context.Context, params map[string]any) (tool.Result, error) {
	command, _ := params["command"].(string)
	if command == "" {
		return tool.Result{}, tool.NewError(tool.InvalidParameters, t.Name(), "command is required", nil)
	}
	return run(ctx, command, workingDir(params, t.cfg), t.cfg.MaxExecutionTime)
}

func workingDir(params map[string]any, cfg Config) string {
	if wd, ok := params["working_dir"].(string); ok && wd != "" {
		return wd
	}
	return cfg.WorkingDirectory
}

func run(ctx context.Context, command, dir string, timeout time.Duration) (tool.Result, error) {
	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(execCtx, "sh", "-c", command)
	cmd.Dir = dir

	output, err := cmd.CombinedOutput()
	if execCtx.Err() != nil {
		return tool.Result{}, tool.NewError(tool.Timeout, "execute_command", "command timed out", execCtx.Err())
	}
	if err != nil {
		return tool.Result{Success: false, Data: string(output), Message: err.Error()}, nil
	}
	return tool.Result{Success: true, Data: string(output), Message: "command completed"}, nil
}

func validateAllowed(command string, allowed []string) error {
	if len(allowed) == 0 {
		return fmt.Errorf("no commands are allowlisted")
	}

	base := extractBaseCommand(command)
	for _, a := range allowed {
		if base == a {
			return nil
		}
	}
	return fmt.Errorf("command not allowed: %s (allowed: %v)", base, allowed)
}

func extractBaseCommand(command string) string {
	parts := strings.FieldsFunc(command, func(r rune) bool {
		return r == '|' || r == '>' || r == '<' || r == ';'
	})
	if len(parts) == 0 {
		return ""
	}
	fields := strings.Fields(parts[0])
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
