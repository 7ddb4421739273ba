// Command agentloopd runs the agentic execution core standalone: it
// registers the reference tool set and configured MCP servers, serves the
// permission/event observation API, and can replay a scripted model
// transcript through the full loop for integration smoke-testing. The real
// inference engine attaches through the llm.Engine interface; this binary
// never samples a model itself.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kadirpekel/loopcore/config"
	"github.com/kadirpekel/loopcore/events"
	"github.com/kadirpekel/loopcore/executor"
	"github.com/kadirpekel/loopcore/llm"
	"github.com/kadirpekel/loopcore/logger"
	"github.com/kadirpekel/loopcore/loop"
	"github.com/kadirpekel/loopcore/observability"
	"github.com/kadirpekel/loopcore/permission"
	"github.com/kadirpekel/loopcore/stuckness"
	"github.com/kadirpekel/loopcore/tool"
	"github.com/kadirpekel/loopcore/transport"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "agentloopd",
		Short:         "Agentic execution core: loop driver, tool registry, permission arbiter",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML configuration")

	root.AddCommand(serveCmd(&configPath))
	root.AddCommand(replayCmd(&configPath))
	root.AddCommand(toolsCmd(&configPath))
	return root
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// buildCore assembles the shared components from configuration.
func buildCore(ctx context.Context, cfg *config.Config) (*tool.Registry, *permission.Arbiter, *executor.Executor, *events.Broker, *observability.Metrics, error) {
	metrics := observability.NewMetrics(cfg.Metrics)
	if _, err := observability.InitGlobalTracer(ctx, cfg.Tracing); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("init tracer: %w", err)
	}

	registry := tool.NewRegistry()
	if err := registerTools(ctx, registry, cfg); err != nil {
		return nil, nil, nil, nil, nil, err
	}

	defaultClass, err := permission.ParseClass(cfg.Permissions.DefaultClass)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	allowlist := make(map[string]bool, len(cfg.Permissions.Allowlist))
	for _, name := range cfg.Permissions.Allowlist {
		allowlist[name] = true
	}
	arbiter := permission.New(permission.Config{
		DefaultClass: defaultClass,
		AcceptAll:    cfg.Permissions.AcceptAll,
		Allowlist:    allowlist,
	})

	exec := executor.New(registry, executor.Config{
		DefaultTimeout: time.Duration(cfg.Executor.DefaultTimeout) * time.Second,
		Timeouts:       cfg.Executor.TimeoutDurations(),
		TimeoutCeiling: time.Duration(cfg.Executor.TimeoutCeiling) * time.Second,
		MaxRetries:     cfg.Executor.MaxRetries,
		RetryEnabled:   cfg.Executor.RetryEnabled,
	}, metrics)

	return registry, arbiter, exec, events.NewBroker(), metrics, nil
}

func newDriver(cfg *config.Config, deps loop.Deps) *loop.Driver {
	return loop.New(loop.Config{
		MaxIterations:        cfg.Agent.MaxIterations,
		MaxConsecutiveErrors: cfg.Agent.MaxConsecutiveErrors,
		MaxRuntime:           cfg.Agent.Runtime(),
		HistoryWindow:        cfg.Agent.HistoryWindow,
		MaxPromptTokens:      cfg.Agent.MaxPromptTokens,
		EnableThinking:       cfg.Agent.EnableThinking,
		EnablePlanning:       cfg.Agent.EnablePlanning,
		PermissionWait:       time.Duration(cfg.Permissions.WaitTimeout) * time.Second,
		Stuckness: stuckness.Config{
			Fingerprint: stuckness.ParseStrategy(cfg.Stuckness.Fingerprint),
		},
	}, deps)
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the permission and event observation API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			cleanup, err := logger.InitFromConfig(cfg.Logger)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			registry, arbiter, _, broker, metrics, err := buildCore(ctx, cfg)
			if err != nil {
				return err
			}

			if stopWatch, err := watchReloadableFiles(ctx, cfg, registry, arbiter); err == nil {
				defer stopWatch()
			}

			server := transport.New(arbiter, broker, metrics)
			return server.ListenAndServe(ctx, cfg.Server.Addr)
		},
	}
}

// replayCmd drives the full loop with a scripted engine: a JSON array of
// canned model responses stands in for the inference engine, exercising
// parsing, permissions, execution, and termination end to end.
func replayCmd(configPath *string) *cobra.Command {
	var scriptPath string
	var message string

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Run one agent turn against a scripted model transcript",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			cleanup, err := logger.InitFromConfig(cfg.Logger)
			if err != nil {
				return err
			}
			defer cleanup()

			raw, err := os.ReadFile(scriptPath)
			if err != nil {
				return err
			}
			var responses []string
			if err := json.Unmarshal(raw, &responses); err != nil {
				return fmt.Errorf("parse script %s: %w", scriptPath, err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			registry, arbiter, exec, broker, metrics, err := buildCore(ctx, cfg)
			if err != nil {
				return err
			}

			eventCh, unsubscribe := broker.Subscribe()
			defer unsubscribe()
			go func() {
				for ev := range eventCh {
					frame, _ := json.Marshal(ev)
					fmt.Println(string(frame))
				}
			}()

			driver := newDriver(cfg, loop.Deps{
				Registry: registry,
				Executor: exec,
				Arbiter:  arbiter,
				Engine:   llm.NewScriptedEngine(responses...),
				Broker:   broker,
				Metrics:  metrics,
			})

			result := driver.Run(ctx, "replay", nil, message)
			fmt.Printf("\n--- terminal state: %s ---\n%s\n", result.Run.State, result.FinalResponse)
			return nil
		},
	}
	cmd.Flags().StringVar(&scriptPath, "script", "", "JSON file with an array of canned model responses")
	cmd.Flags().StringVarP(&message, "message", "m", "", "user message opening the turn")
	_ = cmd.MarkFlagRequired("script")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func toolsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List registered tool descriptors",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			registry := tool.NewRegistry()
			if err := registerTools(cmd.Context(), registry, cfg); err != nil {
				return err
			}
			for _, info := range registry.Enumerate() {
				fmt.Printf("%-16s %s\n", info.Name, info.Description)
			}
			return nil
		},
	}
}
