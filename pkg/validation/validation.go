// Package validation re-runs the Monte Carlo propagation with only the
// top-K ranked inputs varied and tracks how well the restricted model
// reproduces the full-model score distribution as K grows.
package validation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ecological-systems-design/gsa-dashboard/pkg/jobregistry"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/lca"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/montecarlo"
)

var (
	_ jobregistry.Work     = (*Job)(nil)
	_ jobregistry.Finisher = (*Job)(nil)
)

// DefaultThreshold is the agreement above which a restricted model is taken
// as a sufficient stand-in for the full model.
const DefaultThreshold = 0.8

// Config parameterizes a validation run.
type Config struct {
	Selection lca.Selection
	Seed      int64

	// MaxInfluential is the largest K tried.
	MaxInfluential int

	// Step is the K increment of the schedule.
	Step int

	// Iterations is the number of draws per step.
	Iterations int
}

// Validate checks run parameters.
func (c Config) Validate() error {
	var errs []error
	if c.MaxInfluential <= 0 {
		errs = append(errs, fmt.Errorf("max_influential must be > 0, got %d", c.MaxInfluential))
	}
	if c.Step <= 0 {
		errs = append(errs, fmt.Errorf("step must be > 0, got %d", c.Step))
	} else if c.MaxInfluential > 0 && c.Step > c.MaxInfluential {
		errs = append(errs, fmt.Errorf("step %d exceeds max_influential %d", c.Step, c.MaxInfluential))
	}
	if c.Iterations <= 0 {
		errs = append(errs, fmt.Errorf("iterations must be > 0, got %d", c.Iterations))
	}
	return errors.Join(errs...)
}

// Trial is one point of the validation trend.
type Trial struct {
	InfluentialCount int     `json:"influential_count"`
	Metric           float64 `json:"metric"`
	IterationsUsed   int     `json:"iterations_used"`
}

// Schedule returns step, 2*step, ... up to and including max.
func Schedule(step, max int) []int {
	if step <= 0 || max <= 0 {
		return nil
	}
	out := make([]int, 0, max/step)
	for k := step; k <= max; k += step {
		out = append(out, k)
	}
	return out
}

// FinishFunc is called after the last trial, before the job is reported
// completed.
type FinishFunc func(ctx context.Context, job *Job) error

// Option configures a Job.
type Option func(*Job)

// WithReference supplies full-model scores from a finished Monte Carlo run
// with the same selection and seed. Without it, reference draws are
// evaluated during the first step.
func WithReference(batch *montecarlo.Batch) Option {
	return func(j *Job) {
		if batch == nil {
			return
		}
		if scores, ok := batch.ScoresPrefix(j.cfg.Iterations); ok {
			j.full = scores
		}
	}
}

// WithOnFinish registers a publication hook.
func WithOnFinish(fn FinishFunc) Option {
	return func(j *Job) {
		j.onFinish = fn
	}
}

// Job is a validation run. Unit u is draw u%Iterations of schedule step
// u/Iterations, so progress spans every step and cancellation lands between
// any two draws.
type Job struct {
	cfg        Config
	evaluator  lca.Evaluator
	comparator lca.Comparator
	ranked     []string
	schedule   []int
	onFinish   FinishFunc

	fullJob *montecarlo.Job
	full    []float64
	inner   *montecarlo.Job

	mu     sync.RWMutex
	trials []Trial
}

// New builds a validation job. ranked lists input ids, most influential
// first. A K larger than len(ranked) varies every ranked input.
func New(cfg Config, evaluator lca.Evaluator, comparator lca.Comparator, ranked []string, opts ...Option) (*Job, error) {
	if evaluator == nil {
		return nil, errors.New("evaluator is nil")
	}
	if comparator == nil {
		return nil, errors.New("comparator is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(ranked) == 0 {
		return nil, errors.New("ranking is empty")
	}

	fullJob, err := montecarlo.New(montecarlo.Config{
		Selection:  cfg.Selection,
		Iterations: cfg.Iterations,
		Seed:       cfg.Seed,
	}, evaluator)
	if err != nil {
		return nil, err
	}

	j := &Job{
		cfg:        cfg,
		evaluator:  evaluator,
		comparator: comparator,
		ranked:     append([]string(nil), ranked...),
		schedule:   Schedule(cfg.Step, cfg.MaxInfluential),
		fullJob:    fullJob,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// Config returns the configuration the job was built with.
func (j *Job) Config() Config {
	return j.cfg
}

// Schedule returns the K values this job visits.
func (j *Job) Schedule() []int {
	return append([]int(nil), j.schedule...)
}

// Total implements jobregistry.Work.
func (j *Job) Total() int {
	return len(j.schedule) * j.cfg.Iterations
}

// Do implements jobregistry.Work.
func (j *Job) Do(ctx context.Context, unit int) error {
	step, draw := unit/j.cfg.Iterations, unit%j.cfg.Iterations
	if step >= len(j.schedule) {
		return fmt.Errorf("unit %d beyond schedule", unit)
	}
	k := j.schedule[step]

	if draw == 0 {
		inner, err := montecarlo.New(montecarlo.Config{
			Selection:  j.cfg.Selection,
			Iterations: j.cfg.Iterations,
			Seed:       j.cfg.Seed,
			Varied:     j.topK(k),
		}, j.evaluator)
		if err != nil {
			return err
		}
		j.inner = inner
	}

	if len(j.full) <= draw {
		sample, err := j.fullJob.Draw(ctx, draw)
		if err != nil {
			return err
		}
		j.full = append(j.full, sample.Score)
	}

	if err := j.inner.Do(ctx, draw); err != nil {
		return err
	}

	if draw == j.cfg.Iterations-1 {
		metric, err := j.comparator.Compare(j.full, j.inner.Batch().Scores())
		if err != nil {
			return &lca.EvaluationError{Op: "compare", Draw: -1, Err: err}
		}
		j.mu.Lock()
		j.trials = append(j.trials, Trial{
			InfluentialCount: k,
			Metric:           metric,
			IterationsUsed:   j.cfg.Iterations,
		})
		j.mu.Unlock()
	}
	return nil
}

// Finish implements jobregistry.Finisher.
func (j *Job) Finish(ctx context.Context) error {
	if j.onFinish != nil {
		return j.onFinish(ctx, j)
	}
	return nil
}

func (j *Job) topK(k int) []string {
	if k > len(j.ranked) {
		k = len(j.ranked)
	}
	return append([]string(nil), j.ranked[:k]...)
}

// Trend returns the trials recorded so far, in schedule order.
func (j *Job) Trend() []Trial {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return append([]Trial(nil), j.trials...)
}

// Sufficient returns the smallest K whose metric reaches threshold.
func Sufficient(trials []Trial, threshold float64) (int, bool) {
	for _, t := range trials {
		if t.Metric >= threshold {
			return t.InfluentialCount, true
		}
	}
	return 0, false
}
