// Command memoryd runs the memory materializer: it discovers completed run
// directories under a run root, normalizes their artifacts into the fact
// store, derives binder candidates, and advances a checkpoint so every run
// is materialized exactly once.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/domeai/dome/binder"
	"github.com/domeai/dome/memoryd"
)

func main() {
	var (
		runRoot        = flag.String("run-root", "ops/runtime/runs", "parent directory of run_id subdirectories")
		dbPath         = flag.String("db", "ops/runtime/facts.sqlite", "sqlite path for materialized facts")
		checkpointPath = flag.String("checkpoint", "", "checkpoint file path; defaults to <db>.checkpoint.json")
		pollInterval   = flag.Duration("poll", 0, "poll interval; zero runs a single pass and exits")
		binderMode     = flag.String("binder-mode", string(binder.Strict), "binder eligibility mode: strict, hybrid, or lenient")
	)
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if *checkpointPath == "" {
		*checkpointPath = *dbPath + ".checkpoint.json"
	}

	store, err := memoryd.Open(*dbPath)
	if err != nil {
		logger.Fatal("open fact store", zap.Error(err))
	}
	defer store.Close()

	m := &memoryd.Materializer{
		RunRoot:        *runRoot,
		CheckpointPath: *checkpointPath,
		Store:          store,
		BinderMode:     binder.EligibilityMode(*binderMode),
		PollInterval:   *pollInterval,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *pollInterval <= 0 {
		processed, err := m.RunOnce(ctx)
		if err != nil {
			logger.Fatal("materialize", zap.Error(err))
		}
		logger.Info("materialized runs", zap.Int("processed", processed))
		return
	}

	logger.Info("memoryd polling", zap.String("run_root", *runRoot), zap.Duration("interval", *pollInterval))
	start := time.Now()
	if err := m.Run(ctx); err != nil {
		logger.Fatal("materializer loop exited", zap.Error(err), zap.Duration("uptime", time.Since(start)))
	}
	logger.Info("memoryd stopped", zap.Duration("uptime", time.Since(start)))
}
