package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/escrowd/internal/auth"
	"github.com/seantiz/escrowd/internal/engine"
	"github.com/seantiz/escrowd/internal/payout"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Server wraps the chi router and application dependencies.
type Server struct {
	router *chi.Mux
	engine *engine.Engine
	rails  *payout.Registry
	tokens *auth.Issuer
	logger *slog.Logger
	addr   string
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, eng *engine.Engine, rails *payout.Registry, tokens *auth.Issuer, logger *slog.Logger) *Server {
	srv := &Server{
		router: chi.NewRouter(),
		engine: eng,
		rails:  rails,
		tokens: tokens,
		logger: logger,
		addr:   addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router. Reads are public; every
// state change runs as the bearer token's subject.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/stats", s.handleGetStats)
		r.Get("/rails", s.handleListRails)
		r.Get("/parties/{party}/balance", s.handleGetPartyBalance)

		r.Get("/config", s.handleGetConfig)
		r.With(s.requireCaller).Put("/config/fee-percent", s.handleSetFeePercent)
		r.With(s.requireCaller).Put("/config/dispute-fee", s.handleSetDisputeFee)

		r.Route("/engagements", func(r chi.Router) {
			r.Get("/", s.handleListEngagements)
			r.Get("/count", s.handleCountEngagements)
			r.Get("/{id}", s.handleGetEngagement)
			r.Get("/{id}/escrow", s.handleGetEscrow)
			r.Get("/{id}/payouts", s.handleListPayouts)
			r.Get("/{id}/dispute", s.handleGetDispute)
			r.Get("/{id}/events", s.handleStreamEvents)
			r.Get("/{id}/events/history", s.handleGetEventHistory)

			r.Group(func(r chi.Router) {
				r.Use(s.requireCaller)
				r.Post("/", s.handleCreateEngagement)
				r.Post("/{id}/deposit", s.handleDeposit)
				r.Post("/{id}/freelancer-sign", s.handleFreelancerSign)
				r.Post("/{id}/submit", s.handleSubmitWork)
				r.Post("/{id}/approve", s.handleApproveWork)
				r.Post("/{id}/reject", s.handleRejectWork)
				r.Post("/{id}/dispute", s.handleRaiseDispute)
				r.Post("/{id}/resolve", s.handleResolveDispute)
				r.Post("/{id}/refund", s.handleRequestRefund)
			})
		})
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down", "reason", context.Cause(ctx).Error())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
