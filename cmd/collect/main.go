// Collect runs one collection pass and prints the stats as JSON.
// Useful from cron or for poking at a database without the daemon.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sethvargo/go-envconfig"
	_ "modernc.org/sqlite"

	"github.com/okewood/harvest/internal/collector"
	"github.com/okewood/harvest/internal/coordinator"
	"github.com/okewood/harvest/internal/migrations"
	"github.com/okewood/harvest/internal/sqlite"
	"github.com/okewood/harvest/logger"
)

type config struct {
	Database string `env:"DATABASE, required"`

	RunTimeout   time.Duration `env:"RUN_TIMEOUT, default=10m"`
	FetchTimeout time.Duration `env:"FETCH_TIMEOUT, default=15s"`

	DedupWindow           time.Duration `env:"DEDUP_WINDOW, default=168h"`
	DedupHammingThreshold int           `env:"DEDUP_HAMMING_THRESHOLD, default=3"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		log.Fatalf("error parsing config: %s", err)
	}

	// Keep stdout clean for the stats JSON.
	l := slog.New(logger.NewContextHandler(slog.NewTextHandler(os.Stderr, nil)))
	slog.SetDefault(l)

	if err := run(ctx, cfg); err != nil {
		slog.Error("error running", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config) error {
	dbx, err := sqlx.Open("sqlite", fmt.Sprintf("%s?_txlock=immediate&_journal_mode=WAL&_busy_timeout=5000", cfg.Database))
	if err != nil {
		return fmt.Errorf("error opening database: %s", err)
	}
	defer dbx.Close()

	if err := migrations.Run(dbx); err != nil {
		return fmt.Errorf("error migrating: %s", err)
	}

	store := sqlite.New(dbx)
	registry := collector.DefaultRegistry(&http.Client{Timeout: cfg.FetchTimeout})
	coord := coordinator.New(store, store, registry,
		coordinator.WithWindow(cfg.DedupWindow),
		coordinator.WithHammingThreshold(cfg.DedupHammingThreshold),
	)

	runCtx, cancel := context.WithTimeout(ctx, cfg.RunTimeout)
	defer cancel()

	stats, err := coord.CollectAll(runCtx)
	if err != nil {
		return fmt.Errorf("error collecting: %s", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}
