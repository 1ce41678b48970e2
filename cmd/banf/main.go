package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/banf/cmd/banf/cli"
	"github.com/odyssey-erp/banf/internal/app"
	"github.com/odyssey-erp/banf/internal/observability"
	"github.com/odyssey-erp/banf/internal/orderrequest"
	"github.com/odyssey-erp/banf/internal/platform/cache"
	"github.com/odyssey-erp/banf/internal/platform/db"
	"github.com/odyssey-erp/banf/internal/settings"
	"github.com/odyssey-erp/banf/internal/shared"
	"github.com/odyssey-erp/banf/jobs"
)

const usage = `usage: banf <command> [args]

commands:
  serve                          run the HTTP API (default)
  migrate [up|down|status]       apply the embedded schema migrations
  settings show [-json]          print stored and effective policy settings
  settings set <key> <value>     store a policy setting in Redis
  settings unset <key>           remove a stored policy setting
  jobs trigger <reconcile|cleanup>
  jobs stats                     print queue statistics
`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}
	// .env is optional; real deployments inject the environment directly.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "serve":
		err = serve(ctx, stop, cfg, logger)
	case "migrate":
		os.Exit(runMigrate(ctx, cfg, logger, args))
	case "settings":
		os.Exit(runSettings(ctx, cfg, logger, args))
	case "jobs":
		os.Exit(runJobs(ctx, cfg, args))
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Error("banf", slog.String("command", cmd), slog.Any("error", err))
		os.Exit(1)
	}
}

func serve(ctx context.Context, stop context.CancelFunc, cfg *app.Config, logger *slog.Logger) error {
	dbpool, err := db.New(ctx, cfg.PGDSN, cfg.Pool("api"))
	if err != nil {
		return err
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.Redis())
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	chain, err := settingsChain(cfg, redisClient)
	if err != nil {
		return err
	}

	queue := jobs.NewClient(cfg.Redis().Asynq())
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Warn("queue client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(cfg.Redis().Asynq())
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	service := orderrequest.NewService(orderrequest.ServiceConfig{
		Repo:        orderrequest.NewRepository(dbpool),
		Policy:      orderrequest.SourcePolicy{Source: chain, Logger: logger},
		Approvals:   shared.NewApprovalRecorder(dbpool, logger),
		Audit:       shared.NewAuditLogger(dbpool),
		Idempotency: shared.NewIdempotencyStore(dbpool),
		Notifier:    jobs.NewNotifier(queue),
		Metrics:     metrics,
		Logger:      logger,
	})

	router := app.NewRouter(app.RouterParams{
		Logger:       logger,
		Config:       cfg,
		OrderHandler: orderrequest.NewHandler(logger, service, cfg.StimulusRateLimit),
		JobHandler:   jobs.NewHandler(inspector, logger),
		Metrics:      metrics,
		Readiness: []app.ReadinessCheck{
			{Name: "postgres", Check: dbpool.Ping},
			{Name: "redis", Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }},
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// settingsChain resolves policy settings from Redis, then POLICY_FILE, then
// the BANF_* environment.
func settingsChain(cfg *app.Config, client *redis.Client) (settings.Chain, error) {
	chain := settings.Chain{settings.NewRedisSource(client, cfg.SettingsKey, cfg.SettingsTTL)}
	if cfg.PolicyFile != "" {
		file, err := settings.LoadFile(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		chain = append(chain, file)
	}
	return append(chain, cfg.Policy), nil
}

func runMigrate(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	pool, err := db.New(ctx, cfg.PGDSN, cfg.Pool("migrate"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		return 1
	}
	defer pool.Close()
	migrator, err := db.NewMigrator(pool, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		return 1
	}
	defer func() { _ = migrator.Close() }()
	action := ""
	if len(args) > 0 {
		action = args[0]
	}
	return cli.MigrateCommand(ctx, migrator, action, os.Stdout, os.Stderr)
}

func runSettings(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	client, err := cache.New(ctx, cfg.Redis())
	if err != nil {
		fmt.Fprintln(os.Stderr, "settings:", err)
		return 1
	}
	defer func() { _ = client.Close() }()
	// no cache: the CLI must observe its own writes
	store := settings.NewRedisSource(client, cfg.SettingsKey, 0)
	c := cli.NewSettingsCLI(store)

	switch args[0] {
	case "show":
		fs := flag.NewFlagSet("settings show", flag.ContinueOnError)
		jsonOut := fs.Bool("json", false, "print JSON")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		chain, err := settingsChain(cfg, client)
		if err != nil {
			logger.Warn("policy file ignored", slog.Any("error", err))
			chain = settings.Chain{store, cfg.Policy}
		}
		return c.ShowCommand(ctx, chain, *jsonOut)
	case "set":
		if len(args) != 3 {
			fmt.Fprint(os.Stderr, usage)
			return 2
		}
		return c.SetCommand(ctx, args[1], args[2])
	case "unset":
		if len(args) != 2 {
			fmt.Fprint(os.Stderr, usage)
			return 2
		}
		return c.UnsetCommand(ctx, args[1])
	}
	fmt.Fprint(os.Stderr, usage)
	return 2
}

func runJobs(ctx context.Context, cfg *app.Config, args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	c := cli.NewJobsCLI(cfg.Redis().Asynq(), int(cfg.IdempotencyRetention/time.Hour))
	defer func() { _ = c.Close() }()
	switch {
	case args[0] == "trigger" && len(args) == 2:
		info, err := c.Trigger(ctx, args[1])
		if err != nil {
			fmt.Fprintln(os.Stderr, "jobs trigger:", err)
			return 1
		}
		fmt.Printf("enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
		return 0
	case args[0] == "stats":
		stats, err := c.InspectQueues(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "jobs stats:", err)
			return 1
		}
		cli.PrintStats(os.Stdout, stats)
		return 0
	}
	fmt.Fprint(os.Stderr, usage)
	return 2
}
