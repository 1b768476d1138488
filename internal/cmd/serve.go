package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ecological-systems-design/gsa-dashboard/internal/observability"
	"github.com/ecological-systems-design/gsa-dashboard/internal/server"
	"github.com/ecological-systems-design/gsa-dashboard/internal/server/handlers"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/jobregistry"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/resultstore"
)

var (
	serveManifest string
	serveHost     string
	servePort     int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the job API over HTTP",
	Long: `Serve the dashboard job API for a study manifest.

Endpoints:
  POST /api/v1/mc                 start a Monte Carlo run
  GET  /api/v1/mc[/{id}]          poll progress
  POST /api/v1/mc[/{id}]/cancel   cancel
  GET  /api/v1/mc/samples         score histogram
  GET  /api/v1/ranking            sensitivity ranking (?format=csv, ?partial=true)
  POST /api/v1/validation         start a validation run
  GET  /api/v1/validation[/{id}]  poll progress and trend
  GET  /api/v1/jobs               all job records

Health, version and Prometheus metrics are served at /health, /version
and /metrics.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveManifest, "manifest", "m", "", "Path to study manifest (required)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (default from config)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Listen port (default from config)")
	_ = serveCmd.MarkFlagRequired("manifest")
}

// jobStoreHealthChecker reports whether the job store answers.
type jobStoreHealthChecker struct {
	store jobregistry.Store
}

func (c jobStoreHealthChecker) CheckHealth(ctx context.Context) error {
	if c.store == nil {
		return errors.New("job store not initialized")
	}
	if _, err := c.store.List(ctx); err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	return nil
}

// resultStoreHealthChecker reports whether the results database answers.
type resultStoreHealthChecker struct {
	results *resultstore.Store
}

func (c resultStoreHealthChecker) CheckHealth(ctx context.Context) error {
	if c.results == nil {
		return errors.New("results database not initialized")
	}
	if _, _, err := c.results.LatestRanking(ctx); err != nil && !errors.Is(err, resultstore.ErrNotFound) {
		return fmt.Errorf("query results: %w", err)
	}
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := currentConfig(ctx)
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid configuration", err)
	}

	rt, err := newRuntime(ctx, cfg, serveManifest)
	if err != nil {
		return err
	}
	defer closeRuntime(rt, cfg.Server.ShutdownTimeout)

	if err := rt.svc.Restore(ctx); err != nil {
		observability.CLILogger.Warn("Failed to restore previous results", zap.Error(err))
	}

	if cfg.Metrics.Enabled {
		observability.MustRegister()
	}

	handlers.InitHealthManager(versionInfo.Version)
	health := handlers.GetHealthManager()
	health.RegisterChecker("jobs", jobStoreHealthChecker{store: rt.store})
	if rt.results != nil {
		health.RegisterChecker("results", resultStoreHealthChecker{results: rt.results})
	}

	host := cfg.Server.Host
	if serveHost != "" {
		host = serveHost
	}
	port := cfg.Server.Port
	if servePort != 0 {
		port = servePort
	}

	m := rt.manifest
	srv := server.New(host, port,
		server.WithLogger(observability.CLILogger),
		server.WithMetrics(cfg.Metrics.Enabled),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
		server.WithCORS(cfg.Server.CORSOrigins),
		server.WithService(rt.svc, handlers.Defaults{
			Selection:            m.LCASelection(),
			Iterations:           m.MonteCarlo.Iterations,
			Seed:                 m.MonteCarlo.Seed,
			MaxInfluential:       m.Validation.MaxInfluential,
			Step:                 m.Validation.Step,
			ValidationIterations: m.Validation.Iterations,
			Metric:               m.Validation.Metric,
		}),
	)

	errCh := make(chan error, 1)
	go func() {
		observability.CLILogger.Info("Starting server",
			zap.String("host", host),
			zap.Int("port", port),
			zap.String("jobs_backend", cfg.Jobs.ResolvedBackend()))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return exitError(exitServiceUnavailable, "Server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	observability.CLILogger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return exitError(exitFailure, "Server shutdown failed", err)
	}
	return nil
}
