// Command taskq is the queue binary.
//
// Subcommands:
//
//	serve           — HTTP API + embedded worker agent (default for small deployments)
//	worker          — standalone worker agent only (scaled deployments)
//	migrate         — run pending database migrations and exit
//	submit          — submit one work item from the command line
//	stats           — per-status counts, stuck-worker signal, error rate
//	queue-size      — count of pending work items
//	error-summary   — captured failure of every errored work item
//	delete-finished — remove finished work items (requires --confirm)
//	delete-all      — remove ALL work items (requires --confirm)
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	// Embeds the IANA timezone database in the binary so that
	// time.LoadLocation works inside distroless containers that have no
	// /usr/share/zoneinfo.
	_ "time/tzdata"

	// Automatically sets GOMEMLIMIT from the cgroup memory limit so that
	// the Go GC triggers before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/jacksund/taskq/internal/api"
	"github.com/jacksund/taskq/internal/config"
	"github.com/jacksund/taskq/internal/engine"
	"github.com/jacksund/taskq/internal/store"
	"github.com/jacksund/taskq/internal/task"
	"github.com/jacksund/taskq/internal/worker"
	"github.com/jacksund/taskq/migrations"
)

func main() {
	root := &cobra.Command{
		Use:   "taskq",
		Short: "taskq — database-backed distributed task queue",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		serveCmd(),
		workerCmd(),
		migrateCmd(),
		submitCmd(),
		statsCmd(),
		queueSizeCmd(),
		errorSummaryCmd(),
		deleteFinishedCmd(),
		deleteAllCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// setup loads config, installs the logger, and opens the pool. Shared by
// every subcommand that talks to the database.
func setup(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	db, err := newPool(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("database: %w", err)
	}
	return cfg, db, nil
}

// newClient builds the engine client over the full builtin kind catalog.
func newClient(cfg *config.Config, st *store.Store) *engine.Client {
	registry := task.NewRegistry()
	task.RegisterBuiltins(registry)
	return engine.New(st, registry, cfg.ResultPollInterval)
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and embedded worker agent",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, db, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st := store.New(db)
	registry := task.NewRegistry()
	task.RegisterBuiltins(registry)
	client := engine.New(st, registry, cfg.ResultPollInterval)

	// Embedded worker agent. Runs until ctx is cancelled; a job in flight at
	// shutdown sees the cancellation through its handler context, and its
	// outcome — finished or errored — is still written before Run returns.
	// A containment shutdown also stops the HTTP server: a host missing its
	// commands should not keep accepting submissions as if healthy.
	agent := worker.New(st, registry, worker.Config{
		Tags:         cfg.WorkerTags,
		PollInterval: cfg.WorkerPollInterval,
		MaxJobs:      cfg.WorkerMaxJobs,
		MaxRuntime:   cfg.WorkerMaxRuntime,
		CloseOnEmpty: cfg.WorkerCloseOnEmpty,
	})
	agentErr := make(chan error, 1)
	go func() {
		agentErr <- agent.Run(ctx) //nolint:contextcheck // ctx is the process-lifetime context
	}()

	handler := api.NewServer(client, st).Handler()

	// Explicit timeouts prevent Slowloris-style connection holding.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("server started", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case err := <-agentErr:
		runErr = err
		stop()
	case <-ctx.Done():
		stop() // release signal notification
	}

	slog.Info("shutting down", "timeout_seconds", cfg.ShutdownTimeoutSeconds)
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	slog.Info("server stopped")
	return runErr
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	var (
		tags         []string
		maxJobs      int
		maxRuntime   time.Duration
		closeOnEmpty bool
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start a standalone worker agent (no HTTP server)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, db, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			// Flags override env so one deployment image can run
			// differently-tagged workers.
			wcfg := worker.Config{
				Tags:         cfg.WorkerTags,
				PollInterval: cfg.WorkerPollInterval,
				MaxJobs:      cfg.WorkerMaxJobs,
				MaxRuntime:   cfg.WorkerMaxRuntime,
				CloseOnEmpty: cfg.WorkerCloseOnEmpty,
			}
			if cmd.Flags().Changed("tag") {
				wcfg.Tags = tags
			}
			if cmd.Flags().Changed("max-jobs") {
				wcfg.MaxJobs = maxJobs
			}
			if cmd.Flags().Changed("max-runtime") {
				wcfg.MaxRuntime = maxRuntime
			}
			if cmd.Flags().Changed("close-on-empty") {
				wcfg.CloseOnEmpty = closeOnEmpty
			}

			registry := task.NewRegistry()
			task.RegisterBuiltins(registry)

			return worker.New(store.New(db), registry, wcfg).Run(ctx)
		},
	}
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "capability tag (repeatable)")
	cmd.Flags().IntVar(&maxJobs, "max-jobs", 0, "stop after N jobs (0 = unlimited)")
	cmd.Flags().DurationVar(&maxRuntime, "max-runtime", 0, "stop after duration (0 = none)")
	cmd.Flags().BoolVar(&closeOnEmpty, "close-on-empty", false, "stop once no matching work remains")
	return cmd
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	slog.Info("running migrations")

	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB. Use pgx's stdlib adapter so the same
	// driver is used project-wide. No pooling needed for a one-shot run.
	connCfg, err := pgx.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	connCfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{MultiStatementEnabled: true})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── submit ────────────────────────────────────────────────────────────────────

func submitCmd() *cobra.Command {
	var (
		tags    []string
		argsStr string
		kwStr   string
		wait    bool
	)
	cmd := &cobra.Command{
		Use:   "submit <kind>",
		Short: "Submit one work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, posArgs []string) error {
			cfg, db, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			client := newClient(cfg, store.New(db))

			var args, kwargs json.RawMessage
			if argsStr != "" {
				args = json.RawMessage(argsStr)
			}
			if kwStr != "" {
				kwargs = json.RawMessage(kwStr)
			}

			f, err := client.Submit(cmd.Context(), posArgs[0], args, kwargs, tags...)
			if err != nil {
				return err
			}
			slog.Info("work item submitted", "id", f.ID(), "kind", posArgs[0], "tags", tags)

			if !wait {
				fmt.Println(f.ID())
				return nil
			}

			value, err := f.Result(cmd.Context(), engine.WithPollInterval(time.Second))
			if err != nil {
				return err
			}
			fmt.Println(string(value))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "capability tag (repeatable)")
	cmd.Flags().StringVar(&argsStr, "args", "", "positional arguments as JSON")
	cmd.Flags().StringVar(&kwStr, "kwargs", "", "keyword arguments as JSON")
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the result is available")
	return cmd
}

// ── monitoring ────────────────────────────────────────────────────────────────

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show per-status counts, stuck-worker signal, and error rate",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, db, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			stats, err := newClient(cfg, store.New(db)).Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("pending:        %d\n", stats.Pending)
			fmt.Printf("running:        %d\n", stats.Running)
			fmt.Printf("cancelled:      %d\n", stats.Cancelled)
			fmt.Printf("errored:        %d\n", stats.Errored)
			fmt.Printf("finished:       %d\n", stats.Finished)
			fmt.Printf("stale running:  %d (no update for >24h — check your workers)\n", stats.StaleRunning)
			fmt.Printf("error rate:     %.1f%%\n", stats.ErrorRate*100)
			return nil
		},
	}
}

func queueSizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue-size",
		Short: "Show the number of pending work items",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, db, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := newClient(cfg, store.New(db)).QueueSize(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(n)
			return nil
		},
	}
}

func errorSummaryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "error-summary",
		Short: "Show the captured failure of each errored work item",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, db, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			items, err := newClient(cfg, store.New(db)).ErrorSummary(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Println("no errored work items")
				return nil
			}
			for _, item := range items {
				msg := "(no stored error)"
				if item.Err != nil {
					msg = item.Err.Error()
				}
				fmt.Printf("%s  %s  %s  %s\n",
					item.FailedAt.Format(time.RFC3339), item.ID, item.Kind, msg)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "show at most N failures (0 = all)")
	return cmd
}

// ── maintenance ───────────────────────────────────────────────────────────────

func deleteFinishedCmd() *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "delete-finished",
		Short: "Delete finished work items (destructive)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, db, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := newClient(cfg, store.New(db)).DeleteFinished(cmd.Context(), confirm)
			if err != nil {
				return err
			}
			slog.Info("deleted finished work items", "count", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "required; refuses to run without it")
	return cmd
}

func deleteAllCmd() *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "delete-all",
		Short: "Delete ALL work items (destructive)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, db, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := newClient(cfg, store.New(db)).DeleteAll(cmd.Context(), confirm)
			if err != nil {
				return err
			}
			slog.Info("deleted work items", "count", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "required; refuses to run without it")
	return cmd
}

// ── helpers ───────────────────────────────────────────────────────────────────

// newPool creates and validates a pgxpool with the configured settings.
// Retries with linear backoff to handle compose startup races where Postgres
// is not immediately ready.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// PgBouncer transaction-pooling compatibility.
	if cfg.DBQueryExecMode == "simple_protocol" {
		poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}

	// Global per-query statement timeout prevents runaway queries from
	// holding connections indefinitely.
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.DBStatementTimeoutMS)

	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				break
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying",
			"attempt", attempt,
			"error", connErr,
		)
		// time.NewTimer (not time.After) to avoid leaking the timer if ctx
		// is cancelled before the timer fires.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if connErr != nil {
		return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
	}

	// Warn if the applied schema version does not match the version the
	// binary was compiled for — catches deployments that skipped migrate.
	var schemaVersion int
	err = db.QueryRow(ctx,
		"SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1",
	).Scan(&schemaVersion)
	if err == nil && schemaVersion != expectedSchemaVersion {
		slog.Warn("schema version mismatch — run `taskq migrate`",
			"applied_version", schemaVersion,
			"expected_version", expectedSchemaVersion,
		)
	}

	return db, nil
}

// expectedSchemaVersion is the database migration version this binary requires.
// Update this constant when new migrations are added.
const expectedSchemaVersion = 1

// newLogger creates a slog.Logger based on the configured log level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
