package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/g960059/plugbridge/internal/config"
	"github.com/g960059/plugbridge/internal/daemon"
	"github.com/g960059/plugbridge/internal/db"
	"github.com/g960059/plugbridge/internal/logging"
)

func main() {
	cfg := config.DefaultConfig()
	flag.StringVar(&cfg.SocketPath, "socket", cfg.SocketPath, "UDS path for plugbridged")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite journal path")
	flag.StringVar(&cfg.StubBinary, "stub", cfg.StubBinary, "child executable used when a start request names none")
	flag.DurationVar(&cfg.StopTimeout, "stop-timeout", cfg.StopTimeout, "how long a stopping child may take before it is killed")
	flag.DurationVar(&cfg.NotificationTTL, "notification-ttl", cfg.NotificationTTL, "how long journaled notifications are kept")
	logLevel := flag.String("log-level", envOr("PLUGBRIDGE_LOG_LEVEL", "info"), "debug, info, warn or error")
	logJSON := flag.Bool("log-json", false, "write JSON log lines")
	flag.Parse()

	level := logging.ParseLevel(*logLevel)
	logger := logging.New(os.Stderr, level)
	if *logJSON {
		logger = logging.NewJSON(os.Stderr, level)
	}
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		fatal(err)
	}
	defer store.Close() //nolint:errcheck

	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		fatal(err)
	}
	if err := recoverJournal(ctx, store, logger, time.Now().UTC()); err != nil {
		fatal(err)
	}
	startRetentionLoop(ctx, store, cfg, logger)

	srv := daemon.NewServerWithDeps(cfg, store, logger)
	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

// recoverJournal closes out bridges a previous daemon left active. Their
// children are not ours to signal, so the outcome stays unconfirmed.
func recoverJournal(ctx context.Context, store *db.Store, logger *slog.Logger, now time.Time) error {
	n, err := store.StopOrphanedBridges(ctx, "unconfirmed", now)
	if err != nil {
		return fmt.Errorf("recover journal: %w", err)
	}
	if n > 0 {
		logger.Warn("closed orphaned bridges from previous run", "count", n)
	}
	return nil
}

func purgeOnce(ctx context.Context, store *db.Store, cfg config.Config, logger *slog.Logger, now time.Time) {
	deleted, err := store.PurgeRetention(ctx, now.Add(-cfg.NotificationTTL))
	if err != nil {
		logger.Error("retention purge failed", "err", err)
		return
	}
	if deleted > 0 {
		logger.Debug("retention purge", "notifications", deleted)
	}
}

func startRetentionLoop(ctx context.Context, store *db.Store, cfg config.Config, logger *slog.Logger) {
	purgeOnce(ctx, store, cfg, logger, time.Now().UTC())
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				purgeOnce(ctx, store, cfg, logger, time.Now().UTC())
			}
		}
	}()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "plugbridged: %v\n", err)
	os.Exit(1)
}
