package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/ecological-systems-design/gsa-dashboard/internal/config"
	"github.com/ecological-systems-design/gsa-dashboard/internal/observability"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/dashboard"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/jobregistry"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/manifest"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/resultstore"
)

// studyRuntime bundles the stores and the dashboard service built from
// config and a study manifest.
type studyRuntime struct {
	manifest *manifest.Manifest
	store    jobregistry.Store
	exec     *jobregistry.Executor
	results  *resultstore.Store
	svc      *dashboard.Service
}

// manifestDefaults maps config study parameters onto manifest defaults.
func manifestDefaults(cfg *config.Config) manifest.Defaults {
	return manifest.Defaults{
		Iterations:     cfg.MC.Iterations,
		Seed:           cfg.MC.Seed,
		MaxInfluential: cfg.Validation.MaxInfluential,
		Step:           cfg.Validation.Step,
		ValidationRuns: cfg.Validation.Iterations,
		Metric:         cfg.Validation.Metric,
		Threshold:      cfg.Validation.Threshold,
	}
}

// openJobStore opens the job store selected by cfg.Jobs.
func openJobStore(ctx context.Context, cfg config.JobsConfig) (jobregistry.Store, error) {
	switch backend := cfg.ResolvedBackend(); backend {
	case config.BackendMemory:
		return jobregistry.NewMemoryStore(), nil
	case config.BackendFile:
		if cfg.Dir == "" {
			return nil, errors.New("jobs.dir is required for the file backend")
		}
		return jobregistry.NewFileStore(cfg.Dir), nil
	case config.BackendRedis:
		if cfg.RedisURL == "" {
			return nil, errors.New("jobs.redis_url is required for the redis backend")
		}
		return jobregistry.OpenRedisStore(ctx, cfg.RedisURL, cfg.RedisPrefix)
	default:
		return nil, fmt.Errorf("unknown jobs backend %q", backend)
	}
}

func closeStore(store jobregistry.Store) {
	if c, ok := store.(io.Closer); ok {
		if err := c.Close(); err != nil {
			observability.CLILogger.Warn("Failed to close job store", zap.Error(err))
		}
	}
}

// newRuntime loads the manifest and builds the dashboard service.
func newRuntime(ctx context.Context, cfg *config.Config, manifestPath string) (*studyRuntime, error) {
	m, err := manifest.LoadWithDefaults(manifestPath, manifestDefaults(cfg))
	if err != nil {
		return nil, exitError(exitInvalidArgument, "Invalid manifest", err)
	}
	evaluator, err := m.Evaluator()
	if err != nil {
		return nil, exitError(exitInvalidArgument, "Invalid model", err)
	}

	store, err := openJobStore(ctx, cfg.Jobs)
	if err != nil {
		return nil, exitError(exitServiceUnavailable, "Failed to open job store", err)
	}

	rt := &studyRuntime{manifest: m, store: store}

	execOpts := []jobregistry.Option{
		jobregistry.WithLogger(observability.CLILogger),
		jobregistry.WithObserver(observability.JobObserver{}),
		jobregistry.WithProgressEvery(cfg.Jobs.ProgressEvery),
		jobregistry.WithRateLimit(cfg.Jobs.RateLimit),
	}
	if cfg.Jobs.PollInterval > 0 {
		execOpts = append(execOpts, jobregistry.WithPollInterval(cfg.Jobs.PollInterval))
	}
	rt.exec = jobregistry.NewExecutor(store, execOpts...)

	svcOpts := []dashboard.Option{
		dashboard.WithLogger(observability.CLILogger),
		dashboard.WithPartialRanking(cfg.Ranking.Partial),
		dashboard.WithThreshold(m.Validation.Threshold),
	}
	if cfg.Results.Path != "" {
		rs, err := resultstore.Open(ctx, resultstore.Config{Path: cfg.Results.Path})
		if err != nil {
			closeStore(store)
			return nil, exitError(exitFileWriteError, "Failed to open results database", err)
		}
		rt.results = rs
		svcOpts = append(svcOpts, dashboard.WithResults(rs))
	}

	svc, err := dashboard.New(rt.exec, evaluator, svcOpts...)
	if err != nil {
		rt.release()
		return nil, exitError(exitFailure, "Failed to create dashboard service", err)
	}
	rt.svc = svc
	return rt, nil
}

// jobConfig builds a Monte Carlo request from the manifest and flag overrides.
func (rt *studyRuntime) jobConfig(iterations int, seed int64, seedSet bool) dashboard.JobConfig {
	cfg := dashboard.JobConfig{
		Selection:  rt.manifest.LCASelection(),
		Iterations: rt.manifest.MonteCarlo.Iterations,
		Seed:       rt.manifest.MonteCarlo.Seed,
	}
	if iterations > 0 {
		cfg.Iterations = iterations
	}
	if seedSet {
		cfg.Seed = seed
	}
	return cfg
}

// validationConfig builds a validation request from the manifest.
func (rt *studyRuntime) validationConfig() dashboard.ValidationConfig {
	v := rt.manifest.Validation
	return dashboard.ValidationConfig{
		MaxInfluential: v.MaxInfluential,
		Step:           v.Step,
		Iterations:     v.Iterations,
		Metric:         v.Metric,
	}
}

// Close cancels running jobs and releases stores.
func (rt *studyRuntime) Close(ctx context.Context) error {
	var err error
	if rt.svc != nil {
		err = rt.svc.Close(ctx)
	}
	rt.release()
	return err
}

func (rt *studyRuntime) release() {
	if rt.results != nil {
		if err := rt.results.Close(); err != nil {
			observability.CLILogger.Warn("Failed to close results database", zap.Error(err))
		}
	}
	closeStore(rt.store)
}
