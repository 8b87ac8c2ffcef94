package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/escrowd/internal/api"
	"github.com/seantiz/escrowd/internal/auth"
	"github.com/seantiz/escrowd/internal/config"
	"github.com/seantiz/escrowd/internal/engine"
	"github.com/seantiz/escrowd/internal/payout"
	"github.com/seantiz/escrowd/internal/store"
	"github.com/seantiz/escrowd/internal/telemetry"
)

const serviceName = "escrowd"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.Level())

	if err := run(cfg, logger); err != nil {
		logger.Error("escrowd: exiting", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("escrowd: starting",
		"listen_addr", cfg.ListenAddr,
		"payout_rail", cfg.PayoutRail,
		"postgres", cfg.DatabaseURL != "",
	)

	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTelEndpoint, serviceName)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Error("flush traces", "error", err)
		}
	}()

	db, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	rails := payout.NewRegistry()
	rails.Register(payout.BookRailName, payout.NewBookRail(db))
	if cfg.PayoutWebhookURL != "" {
		rails.Register(payout.WebhookRailName, payout.NewWebhookRail(cfg.PayoutWebhookURL, cfg.PayoutWebhookSecret, nil))
	}
	rail, err := rails.Resolve(cfg.PayoutRail)
	if err != nil {
		return fmt.Errorf("payout rail: %w", err)
	}

	dispatcher := payout.NewDispatcher(db, rail, logger,
		payout.WithInterval(cfg.PayoutInterval),
		payout.WithMaxAttempts(cfg.PayoutMaxAttempts),
	)

	eng, err := engine.NewEngine(ctx, db, cfg.PlatformDefaults(), logger,
		engine.WithPayoutNotifier(dispatcher.Kick),
	)
	if err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	tokens, err := auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return fmt.Errorf("token issuer: %w", err)
	}

	srv := api.NewServer(cfg.ListenAddr, eng, rails, tokens, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })

	return g.Wait()
}

// openStore opens Postgres when a database URL is configured and the SQLite
// file otherwise.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.DatabaseURL != "" {
		db, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		logger.Info("store opened", "driver", "postgres")
		return db, nil
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	logger.Info("store opened", "driver", "sqlite", "db_path", cfg.DBPath)
	return db, nil
}
