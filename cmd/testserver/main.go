// testserver starts an escrowd API server on an in-memory store for E2E
// testing and prints a bearer token for each demo principal.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/escrowd/internal/api"
	"github.com/seantiz/escrowd/internal/auth"
	"github.com/seantiz/escrowd/internal/engine"
	"github.com/seantiz/escrowd/internal/model"
	"github.com/seantiz/escrowd/internal/payout"
	"github.com/seantiz/escrowd/internal/store"
)

const defaultSecret = "testserver-secret"

// Demo principals. The owner collects platform fees.
var principals = []string{"owner", "alice", "bob", "mallory"}

func main() {
	addr := ":8080"
	if v := os.Getenv("ESCROWD_LISTEN_ADDR"); v != "" {
		addr = v
	}
	secret := defaultSecret
	if v := os.Getenv("ESCROWD_JWT_SECRET"); v != "" {
		secret = v
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	rails := payout.NewRegistry()
	book := payout.NewBookRail(db)
	rails.Register(payout.BookRailName, book)
	dispatcher := payout.NewDispatcher(db, book, logger, payout.WithInterval(100*time.Millisecond))

	eng, err := engine.NewEngine(ctx, db, model.PlatformConfig{
		Owner:              principals[0],
		PlatformFeePercent: 5,
		DisputeFee:         10,
	}, logger, engine.WithPayoutNotifier(dispatcher.Kick))
	if err != nil {
		log.Fatalf("failed to start engine: %v", err)
	}

	tokens, err := auth.NewIssuer(secret, 24*time.Hour)
	if err != nil {
		log.Fatalf("failed to create token issuer: %v", err)
	}
	for _, p := range principals {
		token, err := tokens.Issue(p)
		if err != nil {
			log.Fatalf("issue token for %s: %v", p, err)
		}
		logger.Info("testserver: demo token", "principal", p, "token", token)
	}

	srv := api.NewServer(addr, eng, rails, tokens, logger)

	logger.Info("testserver: starting", "addr", addr)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	if err := g.Wait(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
