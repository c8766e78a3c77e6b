package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/draftea/saga-pipeline/relay-service/config"
	"github.com/draftea/saga-pipeline/relay-service/handlers"
	sharedinfra "github.com/draftea/saga-pipeline/shared/infrastructure"
	"github.com/draftea/saga-pipeline/shared/logging"
	"github.com/draftea/saga-pipeline/shared/saga"
	"github.com/draftea/saga-pipeline/shared/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	exitOK         = 0
	exitFailure    = 1
	exitBootstrap  = 2
	exitConnection = 3

	shutdownTimeout = 30 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	fallback := logging.Fallback()

	// Load configuration
	cfg, err := config.ReadConfig()
	if err != nil {
		fallback.Error().Err(err).Msg("failed to load config")
		return exitFailure
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies
	deps, err := config.BuildDependencies(ctx, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return exitOK
		}
		fallback.Error().Err(err).Msg("failed to build dependencies")
		return exitCode(err)
	}
	defer func() {
		if err := deps.Close(); err != nil {
			deps.Logger.Error().Err(err).Msg("error closing dependencies")
		}
	}()

	logger := deps.Logger
	logger.Info().
		Str("env", cfg.Env).
		Str("port", cfg.Port).
		Str("broker", cfg.Broker.Kind).
		Str(logging.PipelineField, deps.Pipeline.Name()).
		Msg("starting relay service")

	if deps.Telemetry != nil {
		ctx = telemetry.WithTelemetry(ctx, deps.Telemetry)
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           setupRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return deps.Pipeline.Run(gctx, deps.Broker)
	})
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server failed")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("relay service stopped")
		return exitCode(err)
	}

	logger.Info().Msg("relay service stopped")
	return exitOK
}

// exitCode maps a fatal error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case saga.IsBootstrapError(err):
		return exitBootstrap
	case sharedinfra.IsConnectionError(err):
		return exitConnection
	default:
		return exitFailure
	}
}

func setupRouter(deps *config.Dependencies) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// Telemetry middleware (inject telemetry into context)
	if deps.Telemetry != nil {
		r.Use(telemetry.Middleware(deps.Telemetry))
	}

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Metrics endpoint for Prometheus
	r.Handle("/metrics", handlers.NewMetricsHandler())

	deps.SagaHandlers.RegisterRoutes(r)

	return r
}
