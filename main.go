// Harvest is the content collection daemon.
//
// It pulls items from the configured sources (feeds, page scrapes,
// social timelines), dedupes them against everything already
// persisted, and stores the survivors for downstream scoring and
// publishing.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sethvargo/go-envconfig"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/okewood/harvest/internal/collector"
	"github.com/okewood/harvest/internal/coordinator"
	"github.com/okewood/harvest/internal/migrations"
	"github.com/okewood/harvest/internal/server"
	"github.com/okewood/harvest/internal/sqlite"
	"github.com/okewood/harvest/logger"
)

type config struct {
	Port     int    `env:"PORT, default=4500"`
	Database string `env:"DATABASE, required"`

	// Which format to use for logging: either text or json
	LoggerFormat string `env:"LOGGER_FORMAT, default=text"`

	// How often a collection run kicks off on its own. Zero disables
	// the schedule; runs can still be triggered over HTTP.
	CollectEvery time.Duration `env:"COLLECT_EVERY, default=30m"`

	// Overall deadline for one run. Sources still pending when it
	// expires are reported as errors, not hung on.
	RunTimeout time.Duration `env:"RUN_TIMEOUT, default=10m"`

	// Per-request timeout for collector HTTP fetches.
	FetchTimeout time.Duration `env:"FETCH_TIMEOUT, default=15s"`

	// Dedup tuning; defaults match the documented design.
	DedupWindow           time.Duration `env:"DEDUP_WINDOW, default=168h"`
	DedupHammingThreshold int           `env:"DEDUP_HAMMING_THRESHOLD, default=3"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	// Parse the config
	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		log.Fatalf("error parsing config: %s", err)
	}

	// Determine which logger format to use
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, nil)
	if cfg.LoggerFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, nil)
	}
	l := slog.New(logger.NewContextHandler(handler))
	slog.SetDefault(l)

	// Start the application
	if err := run(ctx, cfg); err != nil {
		slog.Error("error running", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config) error {
	slog.Info("running", "port", cfg.Port, "collect_every", cfg.CollectEvery)

	// Connect to the db
	dbx, err := sqlx.Open("sqlite", fmt.Sprintf("%s?_txlock=immediate&_journal_mode=WAL&_busy_timeout=5000", cfg.Database))
	if err != nil {
		return fmt.Errorf("error opening database: %s", err)
	}
	defer dbx.Close()

	// The file may be on slow or contended storage; retry the first
	// touch before giving up.
	if err := retry.Fibonacci(ctx, 500*time.Millisecond, func(ctx context.Context) error {
		if err := dbx.PingContext(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("error reaching database: %s", err)
	}

	// Migrate, always
	if err := migrations.Run(dbx); err != nil {
		return fmt.Errorf("error migrating: %s", err)
	}

	store := sqlite.New(dbx)
	registry := collector.DefaultRegistry(&http.Client{Timeout: cfg.FetchTimeout})
	coord := coordinator.New(store, store, registry,
		coordinator.WithWindow(cfg.DedupWindow),
		coordinator.WithHammingThreshold(cfg.DedupHammingThreshold),
	)

	srv := server.New(cfg.Port, server.Handlers{
		Store:      store,
		Runner:     coord,
		RunTimeout: cfg.RunTimeout,
	})

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Start the ops server
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("error listening: %s", err)
		}

		return nil
	})
	g.Go(func() error {
		// Block from shutting down until the group is canceled
		<-gCtx.Done()

		downCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(downCtx); err != nil {
			slog.Error("error shutting down server", "error", err)
		}

		return nil
	})
	g.Go(func() error {
		// Run collections on the schedule
		return runSchedule(gCtx, coord, cfg.CollectEvery, cfg.RunTimeout)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("error running: %s", err)
	}

	return nil
}

// runSchedule triggers a collection immediately and then on every tick
// until the context ends.
func runSchedule(ctx context.Context, coord *coordinator.Coordinator, every, timeout time.Duration) error {
	if every <= 0 {
		<-ctx.Done()
		return nil
	}

	runOnce := func() {
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		stats, err := coord.CollectAll(runCtx)
		if err != nil {
			slog.Error("scheduled collection failed", "error", err)
			return
		}
		slog.Info("scheduled collection finished",
			"collected", stats.TotalCollected,
			"new", stats.TotalNew,
			"duplicates", stats.TotalDuplicates,
			"errors", len(stats.Errors),
		)
	}

	runOnce()

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			runOnce()
		}
	}
}
