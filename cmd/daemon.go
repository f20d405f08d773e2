package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jlia0/tinyclaw/internal/config"
	"github.com/jlia0/tinyclaw/internal/cron"
	"github.com/jlia0/tinyclaw/internal/dispatch"
	"github.com/jlia0/tinyclaw/internal/events"
	"github.com/jlia0/tinyclaw/internal/httpapi"
	"github.com/jlia0/tinyclaw/internal/invoker"
	"github.com/jlia0/tinyclaw/internal/memory"
	"github.com/jlia0/tinyclaw/internal/plugins"
	"github.com/jlia0/tinyclaw/internal/queue"
	"github.com/jlia0/tinyclaw/internal/telemetry"
)

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the queue processor daemon",
		Run: func(cmd *cobra.Command, args []string) {
			runDaemon()
		},
	}
}

func runDaemon() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		fmt.Println("No configuration found. Starting setup wizard...")
		fmt.Println()
		if !runOnboard(cfgPath) {
			os.Exit(1)
		}
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load settings", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid settings", "error", err)
		os.Exit(1)
	}

	workspace := cfg.WorkspacePath()
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		slog.Error("cannot create workspace", "path", workspace, "error", err)
		os.Exit(1)
	}

	q, err := queue.Open(workspace)
	if err != nil {
		slog.Error("cannot open queue", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry disabled", "error", err)
	} else {
		defer func() {
			fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdownTracing(fctx)
		}()
	}

	bus := events.NewBus(q.EventsDir(), msDuration(cfg.Queue.EventRetentionMs))

	var hooks []plugins.Plugin
	if cfg.Plugins.Enabled {
		hooks = plugins.Builtins()
	} else {
		slog.Info("plugins disabled")
	}
	pipeline := plugins.NewPipeline(msDuration(cfg.Plugins.HookTimeoutMs), hooks...)

	inv := &invoker.CLIInvoker{}

	prefetcher, closeMemory, err := setupMemory(cfg, inv)
	if err != nil {
		slog.Error("memory setup failed", "error", err)
		os.Exit(1)
	}
	if closeMemory != nil {
		defer closeMemory()
	}

	dispatcher := dispatch.New(dispatch.Options{
		SettingsPath: cfgPath,
		Static:       cfg,
		Queue:        q,
		Pipeline:     pipeline,
		Invoker:      inv,
		Prefetcher:   prefetcher,
		Bus:          bus,
	})

	slog.Info("tinyclaw starting",
		"version", Version,
		"workspace", workspace,
		"agents", len(cfg.Agents),
		"teams", len(cfg.Teams),
		"memory", prefetcher != nil,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(gctx) })

	if cfg.API.Enabled {
		server := httpapi.NewServer(cfg.API, q, bus, pipeline)
		g.Go(func() error { return server.Start(gctx) })
	}

	if len(cfg.Schedules) > 0 {
		enq, err := cron.New(q, cfg.Schedules)
		if err != nil {
			slog.Error("invalid schedules", "error", err)
			os.Exit(1)
		}
		g.Go(func() error { return enq.Run(gctx) })
	}

	if err := g.Wait(); err != nil {
		slog.Error("daemon error", "error", err)
		os.Exit(1)
	}
	slog.Info("tinyclaw stopped")
}

// setupMemory wires the turn store, gate, and prefetcher when memory is
// enabled. The rule_then_llm gate escalates to the fallback agent through the
// same CLI invoker the dispatcher uses.
func setupMemory(cfg *config.Settings, inv invoker.Invoker) (*memory.Prefetcher, func(), error) {
	if !cfg.Memory.Enabled {
		return nil, nil, nil
	}

	dir := cfg.Memory.Path
	if dir == "" {
		dir = filepath.Join(cfg.WorkspacePath(), "memory")
	} else {
		dir = config.ExpandHome(dir)
	}
	store, err := memory.OpenStore(dir)
	if err != nil {
		return nil, nil, err
	}

	var llm memory.LLMGateFunc
	if cfg.OpenViking.GateMode == memory.GateRuleThenLLM {
		llm = func(ctx context.Context, agentID, prompt string) (string, error) {
			agent, ok := cfg.Agent(agentID)
			if !ok {
				return "", fmt.Errorf("gate agent %s not configured", agentID)
			}
			workingDir, err := cfg.AgentWorkingDirectory(agentID)
			if err != nil {
				return "", err
			}
			res, err := inv.Invoke(ctx, invoker.Request{
				AgentID:    agentID,
				Agent:      agent,
				Prompt:     prompt,
				WorkingDir: workingDir,
				Reset:      true,
			})
			if err != nil {
				return "", err
			}
			return res.Text, nil
		}
	}

	gate, err := memory.NewGate(cfg.OpenViking, llm)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	maxChars := cfg.OpenViking.PrefetchMaxChars
	minBudget := msDuration(cfg.OpenViking.MinBudgetMs)
	if minBudget <= 0 {
		minBudget = 500 * time.Millisecond
	}
	pre := memory.NewPrefetcher(store, gate, maxChars, minBudget)
	return pre, func() { store.Close() }, nil
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
