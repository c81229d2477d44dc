package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiwari-pos/dispatch/internal/auth"
	"github.com/kiwari-pos/dispatch/internal/config"
	"github.com/kiwari-pos/dispatch/internal/handler"
	"github.com/kiwari-pos/dispatch/internal/metrics"
	"github.com/kiwari-pos/dispatch/internal/preview"
	"github.com/kiwari-pos/dispatch/internal/router"
	"github.com/kiwari-pos/dispatch/internal/store"
	"github.com/kiwari-pos/dispatch/internal/tracing"
	"github.com/kiwari-pos/dispatch/internal/transition"
	"github.com/kiwari-pos/dispatch/internal/updater"
	"github.com/kiwari-pos/dispatch/internal/ws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg := config.Load()
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	tracing.InstallPropagator()
	if cfg.TracingEnabled {
		shutdown, err := tracing.Init(auth.DefaultServiceName, os.Stdout)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				log.Warn().Err(err).Msg("flush traces")
			}
		}()
	}

	backend, cleanup, err := newBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewRecorder(reg)

	hub := ws.NewHub()
	previews := preview.NewRegistry("/previews")
	sessions := handler.NewSessionHandler(backend, previews, hub, recorder, cfg.MaxUploadBytes)

	r := router.New(cfg, router.Deps{
		Sessions: sessions,
		Previews: previews,
		Hub:      hub,
		Metrics:  metrics.Handler(reg),
		Logger:   log.Logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// newBackend picks the Postgres store when DATABASE_URL is set and the
// orders API client otherwise.
func newBackend(ctx context.Context, cfg *config.Config) (handler.Backend, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Info().Str("url", cfg.OrdersAPIURL).Msg("using orders API backend")
		client := updater.New(cfg.OrdersAPIURL,
			updater.WithTimeout(cfg.UpdateTimeout),
			updater.WithTokenSource(auth.NewTokenSource(cfg.ServiceJWTSecret, auth.DefaultServiceName)),
		)
		return client, func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}

	s := store.New(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info().Msg("using postgres backend")
	return timeoutBackend{Backend: s, timeout: cfg.UpdateTimeout}, pool.Close, nil
}

// timeoutBackend bounds each update the way the HTTP client's timeout does.
type timeoutBackend struct {
	handler.Backend
	timeout time.Duration
}

func (b timeoutBackend) UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, p transition.Payload) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.Backend.UpdateOrderStatus(ctx, orderID, p)
}
