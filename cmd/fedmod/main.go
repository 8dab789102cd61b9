package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	_ "go.uber.org/automaxprocs"
	_ "net/http/pprof"

	"github.com/bluesky-social/fedmod/moderation"
	"github.com/bluesky-social/fedmod/moderation/cachestore"
	"github.com/bluesky-social/fedmod/util/cliutil"

	"github.com/carlmjohnson/versioninfo"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"gorm.io/gorm"
	"gorm.io/plugin/opentelemetry/tracing"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting process", "err", err.Error())
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "fedmod",
		Usage:   "domain moderation and block propagation daemon",
		Version: versioninfo.Short(),
	}
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			EnvVars: []string{"FEDMOD_LOG_LEVEL", "GO_LOG_LEVEL", "LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "db-url",
			Usage:   "database connection string for moderation database",
			Value:   "sqlite://data/fedmod/fedmod.sqlite",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-conn",
			Usage:   "limit on size of database connection pool",
			EnvVars: []string{"MAX_DB_CONNECTIONS"},
			Value:   40,
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis connection string for shared rule cache, per-domain fan-out locks and suspension quota (optional)",
			EnvVars: []string{"FEDMOD_REDIS_URL", "REDIS_URL"},
		},
		&cli.DurationFlag{
			Name:    "rule-cache-ttl",
			Usage:   "how long effective block rules are cached per hostname",
			Value:   10 * time.Minute,
			EnvVars: []string{"FEDMOD_RULE_CACHE_TTL"},
		},
		&cli.StringSliceFlag{
			Name:    "sibling-webhooks",
			Usage:   "URLs to POST domain block changes to; multiple allowed",
			EnvVars: []string{"FEDMOD_SIBLING_WEBHOOKS"},
		},
		&cli.StringFlag{
			Name:    "actor",
			Usage:   "moderator identity recorded in the audit log for CLI actions",
			Value:   "cli",
			EnvVars: []string{"FEDMOD_ACTOR", "USER"},
		},
	}
	app.Commands = []*cli.Command{
		&cli.Command{
			Name:   "serve",
			Usage:  "run the admin API and fan-out dispatcher",
			Action: runServe,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "admin-password",
					Usage:   "secret password for accessing admin endpoints (random is used if not set)",
					EnvVars: []string{"FEDMOD_ADMIN_PASSWORD", "FEDMOD_ADMIN_KEY"},
				},
				&cli.StringFlag{
					Name:    "bind",
					Usage:   "IP or address, and port, to listen on for HTTP APIs",
					Value:   ":2480",
					EnvVars: []string{"FEDMOD_API_BIND", "FEDMOD_API_LISTEN"},
				},
				&cli.StringFlag{
					Name:    "metrics-listen",
					Usage:   "IP or address, and port, to listen on for prometheus metrics",
					Value:   ":2481",
					EnvVars: []string{"FEDMOD_METRICS_LISTEN"},
				},
				&cli.IntFlag{
					Name:    "fanout-workers",
					Usage:   "number of domains fanned out concurrently",
					Value:   8,
					EnvVars: []string{"FEDMOD_FANOUT_WORKERS"},
				},
				&cli.DurationFlag{
					Name:    "poll-interval",
					Usage:   "how often the job queue is polled for runnable fan-out jobs",
					Value:   time.Second,
					EnvVars: []string{"FEDMOD_POLL_INTERVAL"},
				},
				&cli.DurationFlag{
					Name:    "lock-ttl",
					Usage:   "expiry of per-domain fan-out locks (only with --redis-url)",
					Value:   time.Minute,
					EnvVars: []string{"FEDMOD_LOCK_TTL"},
				},
				&cli.StringFlag{
					Name:    "env",
					Value:   "dev",
					EnvVars: []string{"ENVIRONMENT"},
					Usage:   "declared hosting environment (prod, qa, etc); used in metrics",
				},
				&cli.BoolFlag{
					Name: "enable-db-tracing",
				},
				&cli.BoolFlag{
					Name: "enable-jaeger-tracing",
				},
				&cli.StringFlag{
					Name:    "otel-exporter-otlp-endpoint",
					EnvVars: []string{"OTEL_EXPORTER_OTLP_ENDPOINT"},
				},
			},
		},
		// additional commands defined in commands.go
		cmdBlock,
		cmdJobs,
		cmdFakeAccounts,
	}
	return app.Run(args)
}

// setupEngine opens the database and wires optional shared infrastructure (redis, sibling webhooks) according to global flags.
func setupEngine(cctx *cli.Context, logger *slog.Logger) (*moderation.Engine, *gorm.DB, error) {
	dburl := cctx.String("db-url")
	maxConn := cctx.Int("max-db-conn")
	logger.Info("configuring database", "url", dburl, "maxConn", maxConn)
	db, err := cliutil.SetupDatabase(dburl, maxConn)
	if err != nil {
		return nil, nil, err
	}

	engineConfig := moderation.DefaultEngineConfig()
	engineConfig.RuleCacheTTL = cctx.Duration("rule-cache-ttl")
	engine, err := moderation.NewEngine(db, engineConfig)
	if err != nil {
		return nil, nil, err
	}

	if cctx.IsSet("redis-url") {
		opt, err := redis.ParseURL(cctx.String("redis-url"))
		if err != nil {
			return nil, nil, fmt.Errorf("parsing redis URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		if err := rdb.Ping(cctx.Context).Err(); err != nil {
			return nil, nil, fmt.Errorf("connecting to redis: %w", err)
		}
		logger.Info("using redis for rule cache, fan-out locks and suspension quota", "addr", opt.Addr)
		engine.Rules = cachestore.NewRedisCacheStore(rdb, engineConfig.RuleCacheTTL)
		lockTTL := cctx.Duration("lock-ttl")
		if lockTTL <= 0 {
			lockTTL = time.Minute
		}
		engine.Locker = moderation.NewRedisLocker(rdb, lockTTL)
		engine.UseSharedSuspendQuota(rdb)
	}

	if hooks := cctx.StringSlice("sibling-webhooks"); len(hooks) > 0 {
		logger.Info("sibling webhooks configured for block change notifications", "endpoints", hooks)
		engine.Notifier = moderation.NewWebhookNotifier(hooks, userAgent())
	}

	return engine, db, nil
}

// waitNotifications blocks until any background webhook deliveries have finished, so short-lived CLI invocations don't drop them.
func waitNotifications(engine *moderation.Engine) {
	if wn, ok := engine.Notifier.(*moderation.WebhookNotifier); ok {
		wn.Wait()
	}
}

func userAgent() string {
	return fmt.Sprintf("fedmod/%s", versioninfo.Short())
}

func runServe(cctx *cli.Context) error {
	ctx := cctx.Context
	logger := cliutil.ConfigLogger(cctx, os.Stdout)

	// Trap SIGINT to trigger a shutdown.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	engine, db, err := setupEngine(cctx, logger)
	if err != nil {
		return err
	}

	svcConfig := DefaultServiceConfig()
	if cctx.IsSet("admin-password") {
		svcConfig.AdminPassword = cctx.String("admin-password")
	} else {
		var rblob [10]byte
		_, _ = rand.Read(rblob[:])
		svcConfig.AdminPassword = base64.URLEncoding.EncodeToString(rblob[:])
		logger.Info("generated random admin password", "password", svcConfig.AdminPassword)
	}

	dispConfig := moderation.DefaultDispatcherConfig()
	dispConfig.Workers = cctx.Int("fanout-workers")
	dispConfig.PollInterval = cctx.Duration("poll-interval")
	dispatcher := engine.NewDispatcher(dispConfig)

	logger.Info("constructing fedmod service")
	svc, err := NewService(engine, svcConfig)
	if err != nil {
		return err
	}

	// start metrics endpoint
	go func() {
		if err := svc.StartMetrics(cctx.String("metrics-listen")); err != nil {
			logger.Error("failed to start metrics endpoint", "err", err)
			os.Exit(1)
		}
	}()

	// start observability/tracing (OTEL and jaeger)
	shutdownOTEL, err := setupOTEL(cctx)
	if err != nil {
		return err
	}
	defer shutdownOTEL()
	if cctx.Bool("enable-db-tracing") {
		if err := db.Use(tracing.NewPlugin()); err != nil {
			return err
		}
	}

	dispErr := make(chan error, 1)
	go func() {
		dispErr <- dispatcher.Run(ctx)
	}()

	svcErr := make(chan error, 1)
	go func() {
		err := svc.StartAPI(cctx.String("bind"))
		svcErr <- err
	}()

	logger.Info("startup complete")
	select {
	case <-signals:
		logger.Info("received shutdown signal")
	case err := <-svcErr:
		if err != nil {
			logger.Error("error during startup", "err", err)
		}
		logger.Info("shutting down")
	case err := <-dispErr:
		if err != nil {
			logger.Error("fan-out dispatcher exited", "err", err)
		}
		logger.Info("shutting down")
	}

	for _, err := range svc.Shutdown() {
		logger.Error("error during shutdown", "err", err)
	}
	dispatcher.Shutdown()
	waitNotifications(engine)

	logger.Info("shutdown complete")
	return nil
}
