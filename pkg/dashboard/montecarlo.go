package dashboard

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ecological-systems-design/gsa-dashboard/pkg/jobregistry"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/montecarlo"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/ranking"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/resultstore"
)

// MCStatus is a poll result for a Monte Carlo job.
type MCStatus struct {
	State   jobregistry.JobState `json:"state"`
	Percent float64              `json:"percent"`
}

// RankingResult is a ranking table and the job it came from.
type RankingResult struct {
	JobID   string        `json:"job_id"`
	Rows    []ranking.Row `json:"rows"`
	Partial bool          `json:"partial"`
}

// StartMC starts a Monte Carlo job. It fails with *ConfigurationError for
// bad options and *jobregistry.AlreadyRunningError when a Monte Carlo job is
// active.
func (s *Service) StartMC(ctx context.Context, cfg JobConfig) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}

	run := &mcRun{cfg: cfg}
	job, err := montecarlo.New(montecarlo.Config{
		Selection:  cfg.Selection,
		Iterations: cfg.Iterations,
		Seed:       cfg.Seed,
	}, s.evaluator,
		montecarlo.WithEstimator(s.estimator),
		montecarlo.WithOnFinish(func(ctx context.Context, job *montecarlo.Job) error {
			return s.publishRanking(ctx, run, job)
		}))
	if err != nil {
		return "", &ConfigurationError{Problems: []string{err.Error()}}
	}
	run.job = job

	// Held across Start so the finish hook observes run.jobID.
	s.mu.Lock()
	jobID, err := s.exec.Start(ctx, jobregistry.RoleMonteCarlo, job)
	if err != nil {
		s.mu.Unlock()
		return "", err
	}
	run.jobID = jobID
	s.mc = run
	s.published = nil
	s.mu.Unlock()

	s.logger.Info("Monte Carlo job started",
		zap.String("job_id", jobID),
		zap.Stringer("selection", cfg.Selection),
		zap.Int("iterations", cfg.Iterations),
		zap.Int64("seed", cfg.Seed))

	s.watch(jobID, func(ctx context.Context, state jobregistry.JobState) {
		s.persistBatch(ctx, run, state)
	})
	return jobID, nil
}

// publishRanking runs inside the job's Finish, before it is marked
// completed.
func (s *Service) publishRanking(ctx context.Context, run *mcRun, job *montecarlo.Job) error {
	rows := ranking.Rank(job.Sensitivities())

	s.mu.Lock()
	jobID := run.jobID
	if s.mc == run {
		s.published = &publishedRanking{jobID: jobID, cfg: run.cfg, rows: rows, batch: job.Batch()}
	}
	s.mu.Unlock()

	if s.results != nil {
		if err := s.results.SaveRanking(ctx, jobID, rows); err != nil {
			s.logger.Warn("Failed to persist ranking", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	return nil
}

func (s *Service) persistBatch(ctx context.Context, run *mcRun, state jobregistry.JobState) {
	if s.results == nil {
		return
	}
	snap := run.job.Batch().Snapshot()
	err := s.results.SaveBatch(ctx, resultstore.BatchRecord{
		JobID:      run.jobID,
		Selection:  run.cfg.Selection,
		Seed:       run.cfg.Seed,
		Iterations: run.cfg.Iterations,
		Complete:   snap.Complete && state.Status == jobregistry.StatusCompleted,
		Status:     string(state.Status),
		Scores:     snap.Scores,
	})
	if err != nil {
		s.logger.Warn("Failed to persist batch", zap.String("job_id", run.jobID), zap.Error(err))
	}
}

// CancelMC requests cancellation. An empty jobID targets the latest run.
func (s *Service) CancelMC(ctx context.Context, jobID string) error {
	id, err := s.resolveMC(jobID)
	if err != nil {
		return err
	}
	return s.exec.Cancel(ctx, id)
}

// PollMC returns the progress of a Monte Carlo job. An empty jobID targets
// the latest run. A failed job is reported in the state, not as an error.
func (s *Service) PollMC(ctx context.Context, jobID string) (MCStatus, error) {
	id, err := s.resolveMC(jobID)
	if err != nil {
		return MCStatus{}, err
	}
	state, err := s.exec.Poll(ctx, id)
	if err != nil {
		return MCStatus{}, err
	}
	return MCStatus{State: state, Percent: state.Percent()}, nil
}

// Ranking returns the ranking of the latest Monte Carlo job. It is
// available once that job completed.
func (s *Service) Ranking(_ context.Context) (RankingResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.published == nil {
		return RankingResult{}, ErrNoRanking
	}
	return RankingResult{
		JobID: s.published.jobID,
		Rows:  append([]ranking.Row(nil), s.published.rows...),
	}, nil
}

// PartialRanking ranks whatever the latest Monte Carlo job has drawn so far.
// It must be enabled with WithPartialRanking. Only a running or cancelled
// job is ranked; a failed job yields ErrNoRanking.
func (s *Service) PartialRanking(ctx context.Context) (RankingResult, error) {
	if !s.partial {
		return RankingResult{}, ErrPartialRankingDisabled
	}
	if res, err := s.Ranking(ctx); err == nil {
		return res, nil
	}

	s.mu.RLock()
	run := s.mc
	s.mu.RUnlock()
	if run == nil {
		return RankingResult{}, ErrNoRun
	}
	state, err := s.exec.Poll(ctx, run.jobID)
	if err != nil {
		return RankingResult{}, err
	}
	switch state.Status {
	case jobregistry.StatusRunning, jobregistry.StatusCancelled:
	default:
		return RankingResult{}, fmt.Errorf("%w: job is %s", ErrNoRanking, state.Status)
	}

	snap := run.job.Batch().Snapshot()
	if len(snap.Scores) < 2 {
		return RankingResult{}, fmt.Errorf("%w: %d draws so far", ErrNoRanking, len(snap.Scores))
	}
	inputs, err := s.evaluator.Inputs(ctx, run.cfg.Selection)
	if err != nil {
		return RankingResult{}, err
	}
	sens, err := s.estimator.Estimate(ctx, snap.Scores, snap.Perturbations, inputs)
	if err != nil {
		return RankingResult{}, err
	}
	return RankingResult{JobID: run.jobID, Rows: ranking.Rank(sens), Partial: true}, nil
}

// Samples returns the score histogram of the latest Monte Carlo job.
func (s *Service) Samples(_ context.Context, bins int) (montecarlo.Histogram, error) {
	s.mu.RLock()
	run, pub := s.mc, s.published
	s.mu.RUnlock()

	switch {
	case run != nil:
		return run.job.Batch().Histogram(bins), nil
	case pub != nil:
		return pub.batch.Histogram(bins), nil
	default:
		return montecarlo.Histogram{}, ErrNoRun
	}
}

func (s *Service) resolveMC(jobID string) (string, error) {
	if jobID != "" {
		return jobID, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.mc == nil {
		return "", ErrNoRun
	}
	return s.mc.jobID, nil
}
