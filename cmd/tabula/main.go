package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rendis/tabula/internal/engine"
	"github.com/rendis/tabula/internal/expressions"
	"github.com/rendis/tabula/internal/extensions"
	"github.com/rendis/tabula/internal/handlers"
	"github.com/rendis/tabula/internal/logging"
	"github.com/rendis/tabula/internal/scheduler"
	"github.com/rendis/tabula/internal/store"
	"github.com/rendis/tabula/internal/streaming"
	"github.com/rendis/tabula/internal/validation"
	"github.com/rendis/tabula/pkg/mcp"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		printVersion()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()

	// MCP speaks JSON-RPC over stdout; all logging goes to stderr.
	logger := slog.New(logging.NewCorrelationHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(tabulaDir(), 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", tabulaDir(), err)
	}

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating store: %w", err)
	}

	engines, err := expressions.NewEngines()
	if err != nil {
		return fmt.Errorf("building expression engines: %w", err)
	}

	schemas, err := validation.NewSchemaValidator()
	if err != nil {
		return fmt.Errorf("building schema validator: %w", err)
	}

	hub := streaming.NewMemoryHub()
	registry := handlers.NewRegistry()

	ext := extensions.NewManager(st, registry, schemas, engines, hub, logger)
	if err := handlers.RegisterBuiltins(registry, ext); err != nil {
		return fmt.Errorf("registering built-in handlers: %w", err)
	}
	if err := ext.LoadInstalled(ctx); err != nil {
		return fmt.Errorf("loading installed extensions: %w", err)
	}

	pipeline := engine.NewPipeline(registry, schemas, hub, logger)
	manager := engine.NewManager(st, hub, registry, pipeline, engine.ManagerConfig{
		PoolSize:    cfg.PoolSize,
		ApprovalTTL: cfg.approvalTTL(),
		SaveRetry:   engine.DefaultSaveRetry,
	}, logger)

	sched := scheduler.NewScheduler(30*time.Second, logger)
	if err := addMaintenanceTasks(sched, cfg, manager, st); err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	srv := mcp.NewTabulaServer(mcp.TabulaServerDeps{
		Manager:    manager,
		Store:      st,
		Extensions: ext,
		Engines:    engines,
		Logger:     logger,
	})

	notifier := mcp.NewMCPNotifier(srv.MCPServer(), srv.Sessions())
	bridge := mcp.NewStreamBridge(hub, srv.MCPServer(), srv.Sessions(), notifier, logger)
	go func() {
		if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("stream bridge stopped", slog.Any("error", err))
		}
	}()

	logger.InfoContext(ctx, "tabula started",
		slog.String("version", version),
		slog.String("db_path", cfg.DBPath),
		slog.Int("pool_size", cfg.PoolSize))

	serveErr := srv.Serve(ctx)

	// Shutdown: stop taking work, flush dirty sessions, stop maintenance.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := manager.Close(shutdownCtx); err != nil {
		logger.Error("shutdown flush failed", slog.Any("error", err))
	}
	if err := sched.Stop(); err != nil {
		logger.Error("scheduler stop failed", slog.Any("error", err))
	}

	if serveErr != nil && ctx.Err() == nil {
		return serveErr
	}
	return nil
}

func addMaintenanceTasks(sched *scheduler.Scheduler, cfg Config, manager *engine.Manager, st *store.LibSQLStore) error {
	tasks := []scheduler.Task{
		{
			Name:           "autosave",
			CronExpression: cfg.AutosaveCron,
			Run:            manager.SaveDirty,
		},
		{
			Name:           "approval-sweep",
			CronExpression: "* * * * *",
			Run: func(ctx context.Context) error {
				manager.ExpireApprovals(ctx, time.Now())
				return nil
			},
		},
		{
			Name:           "vacuum",
			CronExpression: cfg.VacuumCron,
			Run:            st.Vacuum,
		},
	}
	for _, task := range tasks {
		if err := sched.AddTask(task); err != nil {
			return fmt.Errorf("adding task %s: %w", task.Name, err)
		}
	}
	return nil
}
