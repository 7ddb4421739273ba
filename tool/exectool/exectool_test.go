package exectool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/loopcore/permission"
	"github.com/kadirpekel/loopcore/tool"
)

func TestExtractBaseCommand(t *testing.T) {
	tests := []struct {
		command  string
		expected string
	}{
		{"ls -la", "ls"},
		{"cat file.txt | grep foo", "cat"},
		{"echo hi > out.txt", "echo"},
		{"git status; rm -rf /", "git"},
		{"  du -sh .", "du"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, extractBaseCommand(tt.command), tt.command)
	}
}

func TestSafeRejectsUnlistedCommand(t *testing.T) {
	safe := NewSafe(Config{AllowedCommands: []string{"ls", "echo"}})
	assert.Equal(t, permission.ExecuteSafe, safe.Permission())

	_, err := safe.Execute(context.Background(), map[string]any{"command": "rm -rf /"})
	var terr *tool.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, tool.PermissionDenied, terr.Kind)
}

func TestSafeEmptyAllowlistRejectsEverything(t *testing.T) {
	safe := NewSafe(Config{})

	_, err := safe.Execute(context.Background(), map[string]any{"command": "echo hi"})
	var terr *tool.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, tool.PermissionDenied, terr.Kind)
}

func TestSafeRunsAllowedCommand(t *testing.T) {
	safe := NewSafe(Config{AllowedCommands: []string{"echo"}})

	result, err := safe.Execute(context.Background(), map[string]any{"command": "echo bonjour"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Contains(t, result.Data, "bonjour")
}

func TestUnsafeRunsAnything(t *testing.T) {
	unsafe := NewUnsafe(Config{})
	assert.Equal(t, permission.ExecuteUnsafe, unsafe.Permission())

	result, err := unsafe.Execute(context.Background(), map[string]any{"command": "echo $((40+2))"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Contains(t, result.Data, "42")
}

func TestCommandFailureIsGraceful(t *testing.T) {
	unsafe := NewUnsafe(Config{})

	result, err := unsafe.Execute(context.Background(), map[string]any{"command": "exit 3"})
	require.NoError(t, err) // non-zero exit is a tool-level failure, not a fault
	assert.False(t, result.Success)
}

func TestCommandTimeout(t *testing.T) {
	unsafe := NewUnsafe(Config{MaxExecutionTime: 100 * time.Millisecond})

	_, err := unsafe.Execute(context.Background(), map[string]any{"command": "sleep 5"})
	var terr *tool.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, tool.Timeout, terr.Kind)
}

func TestCommandRequired(t *testing.T) {
	safe := NewSafe(Config{AllowedCommands: []string{"ls"}})

	_, err := safe.Execute(context.Background(), map[string]any{})
	var terr *tool.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, tool.InvalidParameters, terr.Kind)
}
