// Package filetool provides filesystem tool registrants: a read_only Read
// tool and a write_file class Write tool, both confined to a configured
// working directory.
package filetool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kadirpekel/loopcore/permission"
	"github.com/kadirpekel/loopcore/tool"
)

const defaultMaxFileSize = 10 * 1024 * 1024

// Read is a read_only class tool returning a file's contents, optionally
// clipped to a line range.
type Read struct {
	WorkingDirectory string
	MaxFileSize      int64
}

// NewRead builds a Read tool rooted at dir. dir == "" defaults to ".".
func NewRead(dir string) *Read {
	if dir == "" {
		dir = "."
	}
	return &Read{WorkingDirectory: dir, MaxFileSize: defaultMaxFileSize}
}

func (t *Read) Name() string        { return "read_file" }
func (t *Read) Description() string { return "Read the contents of a file, optionally by line range" }
func (t *Read) Permission() permission.Class { return permission.ReadOnly }

func (t *Read) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":       map[string]any{"type": "string", "description": "file path relative to the working directory"},
			"start_line": map[string]any{"type": "integer", "description": "starting line, 1-indexed"},
			"end_line":   map[string]any{"type": "integer", "description": "ending line, inclusive"},
		},
		"required": []any{"path"},
	}
}

func (t *Read) Execute(_ context.Context, params map[string]any) (tool.Result, error) {
	rel, _ := params["path"].(string)
	if rel == "" {
		return tool.Result{}, tool.NewError(tool.InvalidParameters, t.Name(), "path is required", nil)
	}

	full, err := resolve(t.WorkingDirectory, rel)
	if err != nil {
		return tool.Result{}, tool.NewError(tool.InvalidParameters, t.Name(), err.Error(), nil)
	}

	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return tool.Result{Success: false, Message: fmt.Sprintf("file not found: %s", rel)}, nil
		}
		return tool.Result{}, tool.NewError(tool.ExecutionFailed, t.Name(), "stat failed", err)
	}
	if info.Size() > t.MaxFileSize {
		return tool.Result{Success: false, Message: fmt.Sprintf("file exceeds max size %d bytes", t.MaxFileSize)}, nil
	}

	content, err := os.ReadFile(full)
	if err != nil {
		return tool.Result{}, tool.NewError(tool.ExecutionFailed, t.Name(), "read failed", err)
	}

	text := clipLines(string(content), params)
	return tool.Result{Success: true, Data: text, Message: "file read"}, nil
}

func clipLines(content string, params map[string]any) string {
	startF, hasStart := params["start_line"].(float64)
	endF, hasEnd := params["end_line"].(float64)
	if !hasStart && !hasEnd {
		return content
	}

	lines := strings.Split(content, "\n")
	start := 1
	if hasStart {
		start = int(startF)
	}
	end := len(lines)
	if hasEnd {
		end = int(endF)
	}
	if start < 1 {
		start = 1
	}
	if end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return ""
	}
	return strings.Join(lines[start-1:end], "\n")
}

// Write is a write_file class tool that creates or overwrites a file,
// optionally backing up the previous contents to a .bak sibling.
type Write struct {
	WorkingDirectory string
	MaxFileSize      int64
}

// NewWrite builds a Write tool rooted at dir. dir == "" defaults to ".".
func NewWrite(dir string) *Write {
	if dir == "" {
		dir = "."
	}
	return &Write{WorkingDirectory: dir, MaxFileSize: defaultMaxFileSize}
}

func (t *Write) Name() string        { return "write_file" }
func (t *Write) Description() string { return "Create a new file or overwrite an existing one" }
func (t *Write) Permission() permission.Class { return permission.WriteFile }

func (t *Write) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "file path relative to the working directory"},
			"content": map[string]any{"type": "string", "description": "content to write"},
			"backup":  map[string]any{"type": "boolean", "description": "back up an existing file to path+\".bak\" before overwriting"},
		},
		"required": []any{"path", "content"},
	}
}

func (t *Write) Execute(_ context.Context, params map[string]any) (tool.Result, error) {
	rel, _ := params["path"].(string)
	content, hasContent := params["content"].(string)
	if rel == "" || !hasContent {
		return tool.Result{}, tool.NewError(tool.InvalidParameters, t.Name(), "path and content are required", nil)
	}
	if int64(len(content)) > t.MaxFileSize {
		return tool.Result{}, tool.NewError(tool.InvalidParameters, t.Name(), "content exceeds max file size", nil)
	}

	full, err := resolve(t.WorkingDirectory, rel)
	if err != nil {
		return tool.Result{}, tool.NewError(tool.InvalidParameters, t.Name(), err.Error(), nil)
	}

	backup, _ := params["backup"].(bool)
	if backup {
		if existing, err := os.ReadFile(full); err == nil {
			_ = os.WriteFile(full+".bak", existing, 0o644)
		}
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return tool.Result{}, tool.NewError(tool.ExecutionFailed, t.Name(), "mkdir failed", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return tool.Result{}, tool.NewError(tool.ExecutionFailed, t.Name(), "write failed", err)
	}

	return tool.Result{Success: true, Message: fmt.Sprintf("wrote %d bytes to %s", len(content), rel)}, nil
}

// resolve joins dir and rel, rejecting paths that escape dir via "..".
func resolve(dir, rel string) (string, error) {
	full := filepath.Join(dir, rel)
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	absFull, err := filepath.Abs(full)
	if err != nil {
		return "", err
	}
	if absFull != absDir && !strings.HasPrefix(absFull, absDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes working directory: %s", rel)
	}
	return full, nil
}
