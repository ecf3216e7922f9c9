package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"proz/internal/platform/config"
	"proz/internal/platform/health"
	"proz/internal/platform/logger"
	httpmetrics "proz/internal/platform/metrics"
	"proz/internal/verification/flows"
	"proz/internal/verification/handler"
	vmetrics "proz/internal/verification/metrics"
	"proz/internal/verification/workers/cleanup"
	"proz/pkg/platform/middleware/request"
)

const (
	shutdownTimeout   = 10 * time.Second
	poolStatsInterval = 15 * time.Second
	maxBodyBytes      = 64 << 10
)

// main wires configuration, backends and the verification engine, then runs
// the HTTP server and the cleanup worker until SIGINT or SIGTERM.
func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "proz:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("initializing proz",
		"addr", cfg.Addr,
		"environment", cfg.Environment,
		"verification_store", cfg.Store,
		"delivery_mode", cfg.Delivery.Mode,
	)

	infra, err := openInfra(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer infra.Close(log)

	verificationMetrics := vmetrics.New()
	backends := newBackends(cfg, infra, log)

	limiter, err := newLimiter(cfg, backends, log)
	if err != nil {
		return err
	}
	dispatcher, err := newDispatcher(ctx, cfg, log)
	if err != nil {
		return err
	}
	engine, err := newEngine(cfg, backends, limiter, dispatcher, verificationMetrics, log)
	if err != nil {
		return err
	}
	auditor, auditPublisher := newAuditor(backends, log)
	defer auditPublisher.Close()
	journeys, err := flows.New(engine, backends.identities, flows.WithLogger(log), flows.WithAudit(auditor))
	if err != nil {
		return err
	}

	worker, err := cleanup.New(engine,
		cleanup.WithInterval(cfg.Cleanup.Interval),
		cleanup.WithRetention(cfg.Cleanup.Retention),
		cleanup.WithWindowStore(backends.windows, cfg.Issuance.Window),
		cleanup.WithLogger(log),
		cleanup.WithMetrics(verificationMetrics),
	)
	if err != nil {
		return err
	}

	healthHandler := health.New(cfg.Environment)
	infra.registerChecks(healthHandler, cfg.Store)
	healthHandler.RegisterOptionalCheck("issuance_counter", limiter.Health)

	r := chi.NewRouter()
	r.Use(request.Recovery(log))
	r.Use(request.RequestID)
	r.Use(request.ClientMetadata)
	r.Use(request.Logger(log))
	r.Use(request.BodyLimit(maxBodyBytes))
	r.Use(httpmetrics.NewHTTP().Middleware)
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			MaxAge:         300,
		}))
	}

	healthHandler.Register(r)
	r.Handle("/metrics", promhttp.Handler())
	h := handler.New(journeys, engine, log)
	h.Register(r)
	h.RegisterAdmin(r, cfg.AdminToken)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting http server", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if err := worker.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if backends.memory != nil {
		backends.memory.StartSweeper(gctx)
	}
	if infra.redis != nil {
		g.Go(func() error {
			ticker := time.NewTicker(poolStatsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					infra.redis.RecordPoolStats()
				}
			}
		})
	}

	err = g.Wait()
	log.Info("server stopped")
	return err
}
