// Command sweep runs exactly one expiration sweep and exits. It is meant
// for cron or scheduled-job triggers; the server runs the same sweep on a
// timer.
//
// Usage:
//
//	DATABASE_URL=postgres://... go run ./cmd/sweep
//
// The report is printed to stdout as JSON. Warning emails are enqueued on
// REDIS_URL for the server's workers to deliver; without it they are
// skipped.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/ekklesia/internal/config"
	"github.com/mbd888/ekklesia/internal/logging"
	"github.com/mbd888/ekklesia/internal/notify"
	"github.com/mbd888/ekklesia/internal/plans"
	"github.com/mbd888/ekklesia/internal/storage"
	"github.com/mbd888/ekklesia/internal/sweeper"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	logger := logging.New("info", "json")
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return 1
	}
	logger = logging.New(cfg.LogLevel, "json")

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL environment variable is required")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		return 1
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		logger.Error("failed to connect to database", "error", err)
		return 1
	}

	catalog := plans.Default()
	if cfg.PlansFile != "" {
		if catalog, err = plans.Load(cfg.PlansFile); err != nil {
			logger.Error("failed to load plan catalog", "error", err)
			return 1
		}
	}

	var notifier notify.Notifier = notify.Nop{}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("failed to parse REDIS_URL", "error", err)
			return 1
		}
		client := redis.NewClient(opts)
		defer func() { _ = client.Close() }()
		notifier = notify.NewDispatcher(notify.NewRedisQueue(client, "ekklesia:notify"), logger).
			WithEnqueueTimeout(5 * time.Second)
	} else {
		logger.Warn("REDIS_URL not set, expiry warnings will not be sent")
	}

	report, err := sweeper.New(storage.NewPostgres(db), catalog, logger).
		WithNotifier(notifier).
		Sweep(ctx)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(report)

	if err != nil {
		logger.Error("sweep finished with errors", "error", err)
		return 1
	}
	return 0
}
