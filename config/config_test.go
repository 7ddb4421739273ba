package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 25, cfg.Agent.MaxIterations)
	assert.Equal(t, 3, cfg.Agent.MaxConsecutiveErrors)
	assert.Equal(t, 300*time.Second, cfg.Agent.Runtime())
	assert.Equal(t, 40, cfg.Agent.HistoryWindow)
	assert.Equal(t, "read_only", cfg.Permissions.DefaultClass)
	assert.Equal(t, 120, cfg.Permissions.WaitTimeout)
	assert.Equal(t, 30, cfg.Executor.DefaultTimeout)
	assert.Equal(t, 2, cfg.Executor.MaxRetries)
	assert.Equal(t, "simple", cfg.Stuckness.Fingerprint)
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Stuckness.Fingerprint = "fancy"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Agent.MaxIterations = -1
	assert.Error(t, cfg.Validate())
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("LOOPCORE_TEST_LEVEL", "debug")
	t.Setenv("LOOPCORE_TEST_ADDR", "127.0.0.1:9999")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logger:
  level: ${LOOPCORE_TEST_LEVEL}
server:
  addr: ${LOOPCORE_TEST_ADDR}
agent:
  max_iterations: 10
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "127.0.0.1:9999", cfg.Server.Addr)
	assert.Equal(t, 10, cfg.Agent.MaxIterations)
	assert.Equal(t, 3, cfg.Agent.MaxConsecutiveErrors) // default survives partial config
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestExpandEnvVarsInData(t *testing.T) {
	t.Setenv("LOOPCORE_TEST_KEY", "secret")

	data := map[string]any{
		"plain":  "value",
		"nested": map[string]any{"key": "${LOOPCORE_TEST_KEY}"},
		"list":   []any{"${LOOPCORE_TEST_KEY}", 42},
		"unset":  "${LOOPCORE_TEST_UNSET_XYZ}",
	}

	out := ExpandEnvVarsInData(data).(map[string]any)
	assert.Equal(t, "value", out["plain"])
	assert.Equal(t, "secret", out["nested"].(map[string]any)["key"])
	assert.Equal(t, "secret", out["list"].([]any)[0])
	assert.Equal(t, 42, out["list"].([]any)[1])
	assert.Equal(t, "", out["unset"])
}

func TestParseMCPServers(t *testing.T) {
	raw := []byte(`{
  "mcpServers": {
    "github": {"command": "npx", "args": ["-y", "@modelcontextprotocol/server-github"], "env": {"TOKEN": "t"}},
    "search": {"url": "http://localhost:3001/rpc"},
    "broken": {}
  }
}`)

	servers, err := ParseMCPServers(raw)
	require.NoError(t, err)
	require.Len(t, servers, 2)

	assert.Equal(t, "github", servers[0].ID)
	assert.Equal(t, "stdio", servers[0].Transport())
	assert.Equal(t, "npx", servers[0].Command)
	assert.Equal(t, "t", servers[0].Env["TOKEN"])

	assert.Equal(t, "search", servers[1].ID)
	assert.Equal(t, "http", servers[1].Transport())
	assert.Equal(t, "http://localhost:3001/rpc", servers[1].URL)
}

func TestParseMCPServersExplicitID(t *testing.T) {
	raw := []byte(`{"mcpServers": {"key": {"id": "custom", "url": "http://x"}}}`)

	servers, err := ParseMCPServers(raw)
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, "custom", servers[0].ID)
}

func TestParseMCPServersMalformed(t *testing.T) {
	_, err := ParseMCPServers([]byte("not json"))
	assert.Error(t, err)
}

func TestWatchFiresOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watched.json")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0644))

	fired := make(chan struct{}, 1)
	stop, err := Watch(path, func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)
	defer stop()

	require.NoError(t, os.WriteFile(path, []byte("b"), 0644))

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not fire")
	}
}
