// Package montecarlo implements the uncertainty propagation job: N seeded
// draws of the LCA model, followed by a GSA estimate over the finished batch.
package montecarlo

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ecological-systems-design/gsa-dashboard/pkg/jobregistry"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/lca"
)

var (
	_ jobregistry.Work     = (*Job)(nil)
	_ jobregistry.Finisher = (*Job)(nil)
)

// Config parameterizes one run.
type Config struct {
	Selection  lca.Selection
	Iterations int
	Seed       int64

	// Varied restricts perturbation to these input ids. Nil varies every
	// input.
	Varied []string
}

// Validate checks run parameters.
func (c Config) Validate() error {
	if c.Iterations <= 0 {
		return fmt.Errorf("iterations must be > 0, got %d", c.Iterations)
	}
	if c.Varied != nil && len(c.Varied) == 0 {
		return fmt.Errorf("varied input list is empty")
	}
	return nil
}

// FinishFunc is called once the batch is sealed and sensitivities (if any)
// are computed, before the job is reported completed.
type FinishFunc func(ctx context.Context, job *Job) error

// Option configures a Job.
type Option func(*Job)

// WithEstimator computes sensitivities on Finish. Without an estimator the
// job only collects samples.
func WithEstimator(est lca.Estimator) Option {
	return func(j *Job) {
		j.estimator = est
	}
}

// WithOnFinish registers a publication hook.
func WithOnFinish(fn FinishFunc) Option {
	return func(j *Job) {
		j.onFinish = fn
	}
}

// Job is a Monte Carlo propagation run. It implements jobregistry.Work: unit
// i evaluates draw i with SubSeed(Seed, i).
type Job struct {
	cfg       Config
	evaluator lca.Evaluator
	estimator lca.Estimator
	onFinish  FinishFunc
	batch     *Batch

	mu            sync.RWMutex
	inputs        []lca.Input
	sensitivities []lca.InputSensitivity
}

// New returns a job ready to be started by an executor.
func New(cfg Config, evaluator lca.Evaluator, opts ...Option) (*Job, error) {
	if evaluator == nil {
		return nil, errors.New("evaluator is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Varied != nil {
		cfg.Varied = append([]string(nil), cfg.Varied...)
	}
	j := &Job{
		cfg:       cfg,
		evaluator: evaluator,
		batch:     NewBatch(cfg.Iterations),
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

// Batch returns the live sample batch.
func (j *Job) Batch() *Batch {
	return j.batch
}

// Total implements jobregistry.Work.
func (j *Job) Total() int {
	return j.cfg.Iterations
}

// Do implements jobregistry.Work.
func (j *Job) Do(ctx context.Context, unit int) error {
	sample, err := j.Draw(ctx, unit)
	if err != nil {
		return err
	}
	return j.batch.Append(unit, sample)
}

// Draw evaluates draw i without storing it.
func (j *Job) Draw(ctx context.Context, i int) (lca.Sample, error) {
	sample, err := j.evaluator.Evaluate(ctx, j.cfg.Selection, SubSeed(j.cfg.Seed, i), j.cfg.Varied)
	if err != nil {
		var ee *lca.EvaluationError
		if errors.As(err, &ee) {
			return lca.Sample{}, err
		}
		return lca.Sample{}, &lca.EvaluationError{Op: "evaluate", Draw: i, Err: err}
	}
	return sample, nil
}

// Finish implements jobregistry.Finisher.
func (j *Job) Finish(ctx context.Context) error {
	j.batch.seal()

	if j.estimator != nil {
		inputs, err := j.evaluator.Inputs(ctx, j.cfg.Selection)
		if err != nil {
			return &lca.EvaluationError{Op: "inputs", Draw: -1, Err: err}
		}
		snap := j.batch.Snapshot()
		sens, err := j.estimator.Estimate(ctx, snap.Scores, snap.Perturbations, inputs)
		if err != nil {
			return &lca.EvaluationError{Op: "estimate", Draw: -1, Err: err}
		}
		j.mu.Lock()
		j.inputs = inputs
		j.sensitivities = sens
		j.mu.Unlock()
	}

	if j.onFinish != nil {
		return j.onFinish(ctx, j)
	}
	return nil
}

// Sensitivities returns the GSA result, or nil before Finish.
func (j *Job) Sensitivities() []lca.InputSensitivity {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.sensitivities == nil {
		return nil
	}
	return append([]lca.InputSensitivity(nil), j.sensitivities...)
}

// Inputs returns the model inputs resolved on Finish.
func (j *Job) Inputs() []lca.Input {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return append([]lca.Input(nil), j.inputs...)
}
