package montecarlo

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecological-systems-design/gsa-dashboard/pkg/jobregistry"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/lca"
)

func testModel(t *testing.T) *lca.SyntheticModel {
	t.Helper()
	m, err := lca.NewSyntheticModel([]lca.ModelInput{
		{Input: lca.Input{ID: "steel", Name: "steel", OutputName: "bike", ExchangeType: "technosphere", ExchangeAmount: 2}, Distribution: "lognormal", Scale: 0.6, Weight: 3},
		{Input: lca.Input{ID: "co2", Name: "carbon dioxide", Category: "air", OutputName: "bike", ExchangeType: "biosphere", ExchangeAmount: 1}, Distribution: "normal", Scale: 0.05, Weight: 1},
		{Input: lca.Input{ID: "rubber", Name: "rubber", OutputName: "bike", ExchangeType: "technosphere", ExchangeAmount: 0.5}, Distribution: "uniform", Scale: 0.1, Weight: 0.2},
	})
	require.NoError(t, err)
	return m
}

func testConfig(n int) Config {
	return Config{
		Selection:  lca.Selection{Project: "p", Database: "db", Activity: "bike", Amount: 1, Method: "ipcc"},
		Iterations: n,
		Seed:       2024,
	}
}

func runAll(t *testing.T, j *Job) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < j.Total(); i++ {
		require.NoError(t, j.Do(ctx, i))
	}
	require.NoError(t, j.Finish(ctx))
}

func TestSubSeed_DeterministicAndDistinct(t *testing.T) {
	seen := make(map[int64]bool)
	for i := 0; i < 1000; i++ {
		s := SubSeed(7, i)
		assert.Equal(t, s, SubSeed(7, i))
		assert.False(t, seen[s], "duplicate sub-seed at %d", i)
		seen[s] = true
	}
	assert.NotEqual(t, SubSeed(7, 0), SubSeed(8, 0))
}

func TestJob_BatchIsIndexAligned(t *testing.T) {
	j, err := New(testConfig(25), testModel(t), WithEstimator(lca.SpearmanEstimator{}))
	require.NoError(t, err)
	runAll(t, j)

	snap := j.Batch().Snapshot()
	assert.True(t, snap.Complete)
	assert.Len(t, snap.Scores, 25)
	assert.Len(t, snap.Perturbations, 25)
	for _, p := range snap.Perturbations {
		assert.Len(t, p, 3)
	}

	sens := j.Sensitivities()
	require.Len(t, sens, 3)
	assert.Equal(t, "steel", sens[0].InputID)
	assert.Len(t, j.Inputs(), 3)
}

func TestJob_SameConfigSameSamples(t *testing.T) {
	a, err := New(testConfig(10), testModel(t))
	require.NoError(t, err)
	b, err := New(testConfig(10), testModel(t))
	require.NoError(t, err)
	runAll(t, a)
	runAll(t, b)

	assert.Equal(t, a.Batch().Scores(), b.Batch().Scores())
	assert.Nil(t, a.Sensitivities())
}

func TestJob_DrawDoesNotDependOnHistory(t *testing.T) {
	j, err := New(testConfig(10), testModel(t))
	require.NoError(t, err)
	runAll(t, j)

	s, err := j.Draw(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, j.Batch().Scores()[7], s.Score)
}

func TestJob_RejectsOutOfOrderUnits(t *testing.T) {
	j, err := New(testConfig(3), testModel(t))
	require.NoError(t, err)
	err = j.Do(context.Background(), 1)
	assert.Error(t, err)
	assert.Equal(t, 0, j.Batch().Len())
}

func TestConfig_Validate(t *testing.T) {
	cfg := testConfig(0)
	assert.Error(t, cfg.Validate())

	cfg = testConfig(1)
	cfg.Varied = []string{}
	assert.Error(t, cfg.Validate())

	cfg.Varied = []string{"steel"}
	assert.NoError(t, cfg.Validate())
}

type failingEvaluator struct {
	lca.Evaluator
	failAt int
}

func (f failingEvaluator) Evaluate(ctx context.Context, sel lca.Selection, seed int64, varied []string) (lca.Sample, error) {
	if seed == SubSeed(2024, f.failAt) {
		return lca.Sample{}, errors.New("matrix is singular")
	}
	return f.Evaluator.Evaluate(ctx, sel, seed, varied)
}

func TestJob_EvaluationFailureFailsJobAndKeepsPartialSamples(t *testing.T) {
	eval := failingEvaluator{Evaluator: testModel(t), failAt: 4}
	var published atomic.Bool
	j, err := New(testConfig(10), eval,
		WithEstimator(lca.SpearmanEstimator{}),
		WithOnFinish(func(context.Context, *Job) error {
			published.Store(true)
			return nil
		}))
	require.NoError(t, err)

	ex := jobregistry.NewExecutor(jobregistry.NewMemoryStore())
	jobID, err := ex.Start(context.Background(), jobregistry.RoleMonteCarlo, j)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := ex.Wait(ctx, jobID)
	require.NoError(t, err)

	assert.Equal(t, jobregistry.StatusFailed, state.Status)
	assert.Contains(t, state.Error, "evaluate draw 4")
	assert.Contains(t, state.Error, "matrix is singular")
	assert.Equal(t, 4, j.Batch().Len())
	assert.False(t, j.Batch().Complete())
	assert.Nil(t, j.Sensitivities())
	assert.False(t, published.Load())
}

func TestJob_DrawWrapsEvaluationError(t *testing.T) {
	j, err := New(testConfig(10), failingEvaluator{Evaluator: testModel(t), failAt: 2})
	require.NoError(t, err)

	_, err = j.Draw(context.Background(), 2)
	require.Error(t, err)
	var ee *lca.EvaluationError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, 2, ee.Draw)
	assert.Equal(t, "evaluate", ee.Op)
}

func TestJob_PublishesBeforeCompleted(t *testing.T) {
	store := jobregistry.NewMemoryStore()
	ex := jobregistry.NewExecutor(store)

	var statusAtPublish atomic.Value
	var jobID string
	ready := make(chan struct{})
	j, err := New(testConfig(5), testModel(t),
		WithEstimator(lca.SpearmanEstimator{}),
		WithOnFinish(func(ctx context.Context, job *Job) error {
			<-ready
			st, err := store.Read(ctx, jobID)
			if err != nil {
				return err
			}
			statusAtPublish.Store(st.Status)
			return nil
		}))
	require.NoError(t, err)

	jobID, err = ex.Start(context.Background(), jobregistry.RoleMonteCarlo, j)
	require.NoError(t, err)
	close(ready)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := ex.Wait(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, jobregistry.StatusCompleted, state.Status)
	assert.Equal(t, jobregistry.StatusRunning, statusAtPublish.Load())
}

func TestJob_CancelledRunKeepsPrefix(t *testing.T) {
	gate := make(chan struct{})
	eval := &gatedEvaluator{Evaluator: testModel(t), gate: gate}
	j, err := New(testConfig(100), eval)
	require.NoError(t, err)

	ex := jobregistry.NewExecutor(jobregistry.NewMemoryStore())
	jobID, err := ex.Start(context.Background(), jobregistry.RoleMonteCarlo, j)
	require.NoError(t, err)

	gate <- struct{}{}
	require.NoError(t, ex.Cancel(context.Background(), jobID))
	close(gate)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := ex.Wait(ctx, jobID)
	require.NoError(t, err)

	assert.Equal(t, jobregistry.StatusCancelled, state.Status)
	assert.LessOrEqual(t, state.Completed, state.Total)
	assert.Equal(t, state.Completed, j.Batch().Len())
	assert.False(t, j.Batch().Complete())
}

type gatedEvaluator struct {
	lca.Evaluator
	gate chan struct{}
}

func (g *gatedEvaluator) Evaluate(ctx context.Context, sel lca.Selection, seed int64, varied []string) (lca.Sample, error) {
	<-g.gate
	return g.Evaluator.Evaluate(ctx, sel, seed, varied)
}

func TestHistogram(t *testing.T) {
	h := NewHistogram([]float64{0, 1, 2, 3, 4}, 2)
	assert.Equal(t, []float64{0, 2, 4}, h.Edges)
	assert.Equal(t, []int{2, 3}, h.Counts)
	assert.Equal(t, 5, h.N)
	assert.InDelta(t, 2.0, h.Mean, 1e-12)
	assert.InDelta(t, 1.5811388, h.Std, 1e-6)

	constant := NewHistogram([]float64{3, 3, 3}, 10)
	assert.Equal(t, []int{3}, constant.Counts)
	assert.Zero(t, constant.Std)

	empty := NewHistogram(nil, 10)
	assert.Zero(t, empty.N)
	assert.Empty(t, empty.Counts)
}

func TestHistogramClampsBins(t *testing.T) {
	h := NewHistogram([]float64{0, 1, 2, 3}, 2_000_000_000)
	assert.Len(t, h.Counts, MaxBins)
	assert.Len(t, h.Edges, MaxBins+1)
	assert.Equal(t, 4, h.N)
}
