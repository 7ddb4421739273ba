package main

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/kadirpekel/loopcore/config"
	"github.com/kadirpekel/loopcore/permission"
	"github.com/kadirpekel/loopcore/tool"
)

// watchReloadableFiles hot-reloads the MCP server document and the tool
// allowlist while serving. Returns a stop function tearing both watchers
// down.
func watchReloadableFiles(ctx context.Context, cfg *config.Config, registry *tool.Registry, arbiter *permission.Arbiter) (func(), error) {
	var stops []func()

	if cfg.MCPConfigFile != "" {
		stop, err := config.Watch(cfg.MCPConfigFile, func() {
			slog.Info("mcp: config changed, re-registering tools", "path", cfg.MCPConfigFile)
			if err := registerTools(ctx, registry, cfg); err != nil {
				slog.Warn("mcp: reload failed", "error", err)
			}
		})
		if err != nil {
			slog.Warn("mcp: watch failed", "path", cfg.MCPConfigFile, "error", err)
		} else {
			stops = append(stops, stop)
		}
	}

	if path := cfg.Permissions.AllowlistFile; path != "" {
		reload := func() {
			allowlist, err := readAllowlistFile(path)
			if err != nil {
				slog.Warn("permissions: allowlist reload failed", "path", path, "error", err)
				return
			}
			arbiter.UpdateAllowlist(allowlist)
			slog.Info("permissions: allowlist reloaded", "path", path, "tools", len(allowlist))
		}
		reload()

		stop, err := config.Watch(path, reload)
		if err != nil {
			slog.Warn("permissions: watch failed", "path", path, "error", err)
		} else {
			stops = append(stops, stop)
		}
	}

	return func() {
		for _, stop := range stops {
			stop()
		}
	}, nil
}

// readAllowlistFile parses one tool name per line; blank lines and #
// comments are skipped.
func readAllowlistFile(path string) (map[string]bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	allowlist := map[string]bool{}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		allowlist[line] = true
	}
	return allowlist, scanner.Err()
}
