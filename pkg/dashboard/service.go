// Package dashboard is the control surface of the job core: it starts,
// cancels and polls Monte Carlo and validation jobs, publishes the
// sensitivity ranking when a Monte Carlo job completes, and keeps finished
// results in the optional result store.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ecological-systems-design/gsa-dashboard/pkg/jobregistry"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/lca"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/montecarlo"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/ranking"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/resultstore"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/validation"
)

var (
	// ErrNoRanking indicates the latest Monte Carlo job has not completed.
	ErrNoRanking = errors.New("no ranking available: latest monte carlo job has not completed")

	// ErrPartialRankingDisabled indicates partial ranking was requested
	// without opting in.
	ErrPartialRankingDisabled = errors.New("partial ranking is disabled")

	// ErrNoRun indicates no job of the requested role was started.
	ErrNoRun = errors.New("no job has been started")
)

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithEstimator replaces the reference Spearman estimator.
func WithEstimator(est lca.Estimator) Option {
	return func(s *Service) {
		if est != nil {
			s.estimator = est
		}
	}
}

// WithResults persists batches, rankings and trends.
func WithResults(rs *resultstore.Store) Option {
	return func(s *Service) {
		s.results = rs
	}
}

// WithPartialRanking enables ranking of incomplete batches.
func WithPartialRanking(enabled bool) Option {
	return func(s *Service) {
		s.partial = enabled
	}
}

// WithThreshold sets the agreement level reported as sufficient.
func WithThreshold(t float64) Option {
	return func(s *Service) {
		if t > 0 {
			s.threshold = t
		}
	}
}

// Service is safe for concurrent use.
type Service struct {
	exec      *jobregistry.Executor
	evaluator lca.Evaluator
	estimator lca.Estimator
	results   *resultstore.Store
	logger    *zap.Logger
	partial   bool
	threshold float64

	watchers sync.WaitGroup

	mu        sync.RWMutex
	mc        *mcRun
	published *publishedRanking
	val       *valRun
}

type mcRun struct {
	jobID string
	cfg   JobConfig
	job   *montecarlo.Job
}

type publishedRanking struct {
	jobID string
	cfg   JobConfig
	rows  []ranking.Row
	batch *montecarlo.Batch
}

type valRun struct {
	jobID       string
	sourceJobID string
	cfg         ValidationConfig
	job         *validation.Job
}

// New returns a service running jobs on exec against evaluator.
func New(exec *jobregistry.Executor, evaluator lca.Evaluator, opts ...Option) (*Service, error) {
	if exec == nil {
		return nil, errors.New("executor is nil")
	}
	if evaluator == nil {
		return nil, errors.New("evaluator is nil")
	}
	s := &Service{
		exec:      exec,
		evaluator: evaluator,
		estimator: lca.SpearmanEstimator{},
		logger:    zap.NewNop(),
		threshold: validation.DefaultThreshold,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Restore recovers state left by a previous process: orphaned job records
// are failed and the latest stored ranking is republished.
func (s *Service) Restore(ctx context.Context) error {
	n, err := s.exec.RecoverOrphans(ctx)
	if err != nil {
		return fmt.Errorf("recover orphaned jobs: %w", err)
	}
	if n > 0 {
		s.logger.Info("Recovered orphaned jobs", zap.Int("count", n))
	}
	if s.results == nil {
		return nil
	}

	jobID, rows, err := s.results.LatestRanking(ctx)
	if errors.Is(err, resultstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load latest ranking: %w", err)
	}
	rec, err := s.results.LoadBatch(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load batch %s: %w", jobID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.published == nil {
		s.published = &publishedRanking{
			jobID: jobID,
			cfg:   JobConfig{Selection: rec.Selection, Iterations: rec.Iterations, Seed: rec.Seed},
			rows:  rows,
			batch: montecarlo.RestoreBatch(rec.Scores),
		}
		s.logger.Info("Restored ranking", zap.String("job_id", jobID), zap.Int("rows", len(rows)))
	}
	return nil
}

// Close cancels running jobs and waits for result persistence to finish.
func (s *Service) Close(ctx context.Context) error {
	err := s.exec.Close(ctx)
	s.watchers.Wait()
	return err
}

// Jobs lists every job record, newest first.
func (s *Service) Jobs(ctx context.Context) ([]jobregistry.JobState, error) {
	return s.exec.Store().List(ctx)
}

// watch persists results once the job is terminal.
func (s *Service) watch(jobID string, persist func(ctx context.Context, state jobregistry.JobState)) {
	s.watchers.Add(1)
	go func() {
		defer s.watchers.Done()
		ctx := context.Background()
		state, err := s.exec.Wait(ctx, jobID)
		if err != nil {
			s.logger.Warn("Failed to wait for job", zap.String("job_id", jobID), zap.Error(err))
			return
		}
		persist(ctx, state)
	}()
}
