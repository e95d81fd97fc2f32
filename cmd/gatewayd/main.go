// Command gatewayd runs the moonbot gateway: the loopback WebSocket
// JSON-RPC server, the task orchestrator, the tool runtime, and the node
// companion subsystem.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/clawinfra/moonbot-gateway/internal/auditlog"
	"github.com/clawinfra/moonbot-gateway/internal/auth"
	"github.com/clawinfra/moonbot-gateway/internal/config"
	"github.com/clawinfra/moonbot-gateway/internal/executor"
	"github.com/clawinfra/moonbot-gateway/internal/gateway"
	"github.com/clawinfra/moonbot-gateway/internal/housekeeping"
	"github.com/clawinfra/moonbot-gateway/internal/nodecomm"
	"github.com/clawinfra/moonbot-gateway/internal/nodesession"
	"github.com/clawinfra/moonbot-gateway/internal/orchestrator"
	"github.com/clawinfra/moonbot-gateway/internal/ratelimit"
	"github.com/clawinfra/moonbot-gateway/internal/toolruntime"
	"github.com/clawinfra/moonbot-gateway/internal/types"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

// App holds the wired runtime components.
type App struct {
	Config    config.Config
	Logger    *slog.Logger
	Limiter   *ratelimit.Limiter
	Nodes     *nodesession.Manager
	Validator *nodesession.CommandValidator
	Runtime   *toolruntime.Runtime
	Comm      *nodecomm.Communicator
	Orch      *orchestrator.Orchestrator
	Gateway   *gateway.Gateway
	Sweeper   *housekeeping.Sweeper
	Audit     *auditlog.Ledger
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "moonbot.json", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("moonbot-gateway v%s (built %s)\n", version, buildTime)
		return 0
	}

	app, err := setup(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Setup failed: %v\n", err)
		return 1
	}

	if err := app.Gateway.Start(); err != nil {
		app.Logger.Error("failed to start gateway", "error", err)
		return 1
	}
	app.Sweeper.Start(context.Background())

	app.Logger.Info("moonbot gateway ready",
		"version", version,
		"addr", app.Gateway.Addr(),
		"auth", len(app.Config.Server.AuthTokenHashes) > 0,
	)

	waitForShutdown(app)
	return 0
}

// setup initializes every component in dependency order: rate limiter,
// authenticator, node session manager, tool runtime, node communicator,
// executor, orchestrator, gateway.
func setup(configPath string) (*App, error) {
	app := &App{}

	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	app.Logger.Info("starting moonbot gateway", "version", version, "config", configPath)

	cfg, err := loadConfig(configPath, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app.Config = cfg

	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))

	dataDir := expandHome(cfg.Server.DataDir)
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	app.Limiter = ratelimit.New(cfg.RateLimit.Window(), cfg.RateLimit.MaxAttempts, app.Logger)
	authn := auth.New(cfg.Server.AuthTokenHashes, app.Limiter)

	nodeCfg := nodesession.DefaultConfig()
	nodeCfg.MaxNodesPerUser = cfg.Nodes.MaxNodesPerUser
	nodeCfg.PairingCodeTTL = cfg.Nodes.PairingCodeTTL()
	if cfg.Nodes.JWTSecret != "" {
		nodeCfg.JWTSecret = []byte(cfg.Nodes.JWTSecret)
	}
	app.Nodes = nodesession.NewManager(nodeCfg, app.Logger)

	policy, err := nodesession.LoadCommandPolicy(expandHome(cfg.Nodes.CommandPolicyFile))
	if err != nil {
		return nil, fmt.Errorf("load command policy: %w", err)
	}
	if policy.MaxArgvLength == 0 {
		policy.MaxArgvLength = cfg.Nodes.MaxArgvLength
	}
	app.Validator, err = nodesession.NewCommandValidator(policy)
	if err != nil {
		return nil, fmt.Errorf("build command validator: %w", err)
	}

	app.Runtime = toolruntime.New(app.Logger)

	commCfg := nodecomm.Config{
		RequestTimeout: cfg.Nodes.RequestTimeout(),
		SweepTTL:       cfg.Nodes.SweepTTL(),
	}
	app.Comm = nodecomm.New(commCfg, func(nodeID string) (nodecomm.Sender, bool) {
		return app.Gateway.ResolveNodeSocket(nodeID)
	}, app.Nodes, app.Logger)

	workspaceRoot, err := os.Getwd()
	if err != nil {
		workspaceRoot = "."
	}
	if err := registerTools(app, workspaceRoot); err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}

	replanner := executor.NewReplanner(executor.Bounds{
		MaxRetries:      cfg.Tools.MaxRetries,
		MaxAlternatives: cfg.Tools.MaxAlternatives,
		WallClockBudget: cfg.Orchestrator.TaskTimeout(),
	}, executor.TableAlternativeSelector(cfg.Tools.Alternatives))
	exec := executor.New(executor.FallbackPlanner{}, app.Runtime, replanner, cfg.Tools.MaxParallel, app.Logger)

	runner := gateway.NewExecRunner(exec, app.Runtime, workspaceRoot, toolruntime.Policy{
		MaxBytes: 10 << 20,
		Timeout:  cfg.Tools.DefaultTimeout(),
	}, app.Logger)

	orchCfg := orchestrator.Config{
		MaxQueueSize:      cfg.Orchestrator.MaxQueueSize,
		TaskTimeout:       cfg.Orchestrator.TaskTimeout(),
		ApprovalTTL:       cfg.Orchestrator.ApprovalTTL(),
		SessionMappingTTL: cfg.Orchestrator.SessionMappingTTL(),
		CleanupHorizon:    cfg.Orchestrator.CleanupHorizon(),
	}
	app.Orch = orchestrator.New(orchCfg, runner, app.Logger)
	runner.Bind(app.Orch)

	app.Audit, err = auditlog.Open(filepath.Join(dataDir, "audit.db"), app.Logger)
	if err != nil {
		return nil, fmt.Errorf("open audit ledger: %w", err)
	}
	wireAudit(app)

	app.Gateway = gateway.New(gateway.Config{BindAddr: cfg.Server.BindAddr},
		app.Limiter, authn, app.Orch, app.Comm, app.Nodes, app.Logger)

	if err := wireHousekeeping(app); err != nil {
		return nil, fmt.Errorf("wire housekeeping: %w", err)
	}
	return app, nil
}

// wireAudit appends task and approval lifecycle events to the ledger.
// Write failures are logged and never affect orchestrator state.
func wireAudit(app *App) {
	logger := app.Logger
	app.Orch.OnTaskState(func(sc types.StateChange) {
		if err := app.Audit.RecordStateChange(sc); err != nil {
			logger.Warn("audit write failed", "error", err)
		}
	})
	app.Orch.OnApprovalRequest(func(a types.ApprovalRequested) {
		if err := app.Audit.RecordApprovalRequested(a); err != nil {
			logger.Warn("audit write failed", "error", err)
		}
	})
	app.Orch.OnApprovalResolved(func(a types.ApprovalResolved) {
		if err := app.Audit.RecordApprovalResolved(a); err != nil {
			logger.Warn("audit write failed", "error", err)
		}
	})
}

// wireHousekeeping registers every periodic sweep on one declarative
// table.
func wireHousekeeping(app *App) error {
	sweepInterval := time.Duration(app.Config.Orchestrator.SweepIntervalMs) * time.Millisecond
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	app.Sweeper = housekeeping.NewSweeper(time.Second, app.Logger)

	jobs := []*housekeeping.Job{
		{
			ID:       "orchestrator-sweep",
			Schedule: housekeeping.Schedule{Kind: "interval", Interval: sweepInterval},
			Run: func(now time.Time) {
				tasks, sessions, approvals := app.Orch.Sweep(now)
				if tasks+sessions+approvals > 0 {
					app.Logger.Debug("orchestrator sweep",
						"tasks", tasks, "sessions", sessions, "approvals", approvals)
				}
			},
		},
		{
			ID:       "node-request-sweep",
			Schedule: housekeeping.Schedule{Kind: "interval", Interval: sweepInterval},
			Run:      func(now time.Time) { app.Comm.Sweep(now) },
		},
		{
			ID:       "node-session-sweep",
			Schedule: housekeeping.Schedule{Kind: "interval", Interval: sweepInterval},
			Run:      func(now time.Time) { app.Nodes.Sweep(now) },
		},
		{
			ID:       "ratelimit-sweep",
			Schedule: housekeeping.Schedule{Kind: "interval", Interval: app.Config.RateLimit.Window()},
			Run:      func(time.Time) { app.Limiter.Sweep() },
		},
	}
	for _, j := range jobs {
		if err := app.Sweeper.Add(j); err != nil {
			return err
		}
	}
	return nil
}

// waitForShutdown blocks until SIGINT/SIGTERM, then tears the stack down
// in reverse dependency order.
func waitForShutdown(app *App) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	app.Logger.Info("shutting down")
	app.Sweeper.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	app.Gateway.Shutdown(shutdownCtx)
	if err := app.Audit.Close(); err != nil {
		app.Logger.Warn("audit close failed", "error", err)
	}
	app.Logger.Info("shutdown complete")
}

// loadConfig loads configuration from file, falling back to defaults
// when the file does not exist.
func loadConfig(path string, logger *slog.Logger) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("no config found, using defaults", "path", path)
			return config.Default(), nil
		}
		return config.Config{}, err
	}
	return cfg, nil
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
