package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/loopcore/config"
	"github.com/kadirpekel/loopcore/permission"
	"github.com/kadirpekel/loopcore/tool"
	"github.com/kadirpekel/loopcore/tool/exectool"
	"github.com/kadirpekel/loopcore/tool/filetool"
	"github.com/kadirpekel/loopcore/tool/mcptoolset"
	"github.com/kadirpekel/loopcore/tool/skilltool"
	"github.com/kadirpekel/loopcore/tool/webtool"
)

// registerTools populates the registry with the reference tool set and
// every configured MCP server's tools.
func registerTools(ctx context.Context, registry *tool.Registry, cfg *config.Config) error {
	workDir, err := os.Getwd()
	if err != nil {
		workDir = "."
	}

	locals := []tool.Tool{
		filetool.NewRead(workDir),
		filetool.NewWrite(workDir),
		exectool.NewSafe(exectool.Config{WorkingDirectory: workDir}),
		exectool.NewUnsafe(exectool.Config{WorkingDirectory: workDir}),
		webtool.New(webtool.Config{}),
	}
	for _, t := range locals {
		if err := registry.Register(t); err != nil {
			return err
		}
	}

	if err := registerSkills(registry, cfg.Skills.Dirs); err != nil {
		return err
	}

	if cfg.MCPConfigFile == "" {
		return nil
	}

	servers, err := config.LoadMCPServers(cfg.MCPConfigFile)
	if err != nil {
		// A broken MCP document degrades to the local tool set rather
		// than refusing to start.
		slog.Warn("mcp: config unusable, continuing without MCP tools", "error", err)
		return nil
	}

	// Servers connect concurrently; a slow or dead one delays nothing else.
	// An unreachable server is logged and skipped, never fatal.
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(4)
	for _, server := range servers {
		group.Go(func() error {
			toolset, err := mcptoolset.New(mcptoolset.Config{
				Name:       server.ID,
				Transport:  server.Transport(),
				Command:    server.Command,
				Args:       server.Args,
				Env:        server.Env,
				URL:        server.URL,
				Permission: permission.ExecuteUnsafe,
			})
			if err != nil {
				slog.Warn("mcp: skipping server", "id", server.ID, "error", err)
				return nil
			}

			connectCtx, cancel := context.WithTimeout(groupCtx, 15*time.Second)
			defer cancel()
			tools, err := toolset.Tools(connectCtx)
			if err != nil {
				slog.Warn("mcp: server unreachable, skipping", "id", server.ID, "error", err)
				return nil
			}
			for _, t := range tools {
				if err := registry.Register(t); err != nil {
					return err
				}
			}
			slog.Info("mcp: registered server tools", "id", server.ID, "count", len(tools))
			return nil
		})
	}
	return group.Wait()
}

// registerSkills loads SKILL.md capabilities from the configured
// directories, exposes them as tools, and registers the three skill
// management tools. New skills are written to the last directory
// (project-local by convention).
func registerSkills(registry *tool.Registry, dirs []string) error {
	skills := skilltool.NewRegistry(dirs...)
	skills.Load()
	if err := skills.RegisterAsTools(registry); err != nil {
		return err
	}
	slog.Info("skills: loaded", "count", len(skills.List()))

	createDir := "."
	if len(dirs) > 0 {
		createDir = dirs[len(dirs)-1]
	}
	for _, t := range []tool.Tool{
		skilltool.NewCreate(skills, registry, createDir),
		skilltool.NewInvoke(skills),
		skilltool.NewList(skills),
	} {
		if err := registry.Register(t); err != nil {
			return err
		}
	}
	return nil
}
