package dashboard

import (
	"context"

	"go.uber.org/zap"

	"github.com/ecological-systems-design/gsa-dashboard/pkg/jobregistry"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/lca"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/ranking"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/validation"
)

// ValidationStatus is a poll result for a validation job.
type ValidationStatus struct {
	State    jobregistry.JobState `json:"state"`
	Percent  float64              `json:"percent"`
	Schedule []int                `json:"schedule,omitempty"`
	Trend    []validation.Trial   `json:"trend"`

	// Sufficient is the smallest K whose metric reached the threshold, or 0.
	Sufficient int `json:"sufficient,omitempty"`
}

// StartValidation starts a validation job over the current ranking. It
// fails with ErrNoRanking until a Monte Carlo job has completed.
func (s *Service) StartValidation(ctx context.Context, cfg ValidationConfig) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	comparator, err := lca.ComparatorByName(cfg.Metric)
	if err != nil {
		return "", &ConfigurationError{Problems: []string{err.Error()}}
	}

	s.mu.RLock()
	pub := s.published
	s.mu.RUnlock()
	if pub == nil {
		return "", ErrNoRanking
	}

	run := &valRun{sourceJobID: pub.jobID, cfg: cfg}
	job, err := validation.New(validation.Config{
		Selection:      pub.cfg.Selection,
		Seed:           pub.cfg.Seed,
		MaxInfluential: cfg.MaxInfluential,
		Step:           cfg.Step,
		Iterations:     cfg.Iterations,
	}, s.evaluator, comparator, ranking.Top(pub.rows, len(pub.rows)),
		validation.WithReference(pub.batch))
	if err != nil {
		return "", &ConfigurationError{Problems: []string{err.Error()}}
	}
	run.job = job

	s.mu.Lock()
	jobID, err := s.exec.Start(ctx, jobregistry.RoleValidation, job)
	if err != nil {
		s.mu.Unlock()
		return "", err
	}
	run.jobID = jobID
	s.val = run
	s.mu.Unlock()

	s.logger.Info("Validation job started",
		zap.String("job_id", jobID),
		zap.String("source_job_id", pub.jobID),
		zap.Ints("schedule", job.Schedule()),
		zap.Int("iterations", cfg.Iterations))

	s.watch(jobID, func(ctx context.Context, _ jobregistry.JobState) {
		if s.results == nil {
			return
		}
		if err := s.results.SaveTrials(ctx, jobID, run.sourceJobID, job.Trend()); err != nil {
			s.logger.Warn("Failed to persist validation trend", zap.String("job_id", jobID), zap.Error(err))
		}
	})
	return jobID, nil
}

// CancelValidation requests cancellation. An empty jobID targets the latest
// run.
func (s *Service) CancelValidation(ctx context.Context, jobID string) error {
	id, err := s.resolveValidation(jobID)
	if err != nil {
		return err
	}
	return s.exec.Cancel(ctx, id)
}

// PollValidation returns progress and the trend recorded so far.
func (s *Service) PollValidation(ctx context.Context, jobID string) (ValidationStatus, error) {
	id, err := s.resolveValidation(jobID)
	if err != nil {
		return ValidationStatus{}, err
	}
	state, err := s.exec.Poll(ctx, id)
	if err != nil {
		return ValidationStatus{}, err
	}
	out := ValidationStatus{State: state, Percent: state.Percent(), Trend: []validation.Trial{}}

	s.mu.RLock()
	run := s.val
	s.mu.RUnlock()
	switch {
	case run != nil && run.jobID == id:
		out.Schedule = run.job.Schedule()
		out.Trend = run.job.Trend()
	case s.results != nil:
		if trials, err := s.results.LoadTrials(ctx, id); err == nil && trials != nil {
			out.Trend = trials
		}
	}
	if k, ok := validation.Sufficient(out.Trend, s.threshold); ok {
		out.Sufficient = k
	}
	return out, nil
}

func (s *Service) resolveValidation(jobID string) (string, error) {
	if jobID != "" {
		return jobID, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.val == nil {
		return "", ErrNoRun
	}
	return s.val.jobID, nil
}
