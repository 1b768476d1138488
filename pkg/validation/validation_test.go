package validation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecological-systems-design/gsa-dashboard/pkg/jobregistry"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/lca"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/montecarlo"
)

// wideModel has n inputs whose weights decay with the index, so the ids
// are already in influence order.
func wideModel(t *testing.T, n int) (*lca.SyntheticModel, []string) {
	t.Helper()
	inputs := make([]lca.ModelInput, n)
	ids := make([]string, n)
	for i := range inputs {
		id := fmt.Sprintf("x%02d", i)
		ids[i] = id
		inputs[i] = lca.ModelInput{
			Input:        lca.Input{ID: id, Name: id, OutputName: "product", ExchangeType: "technosphere", ExchangeAmount: 1},
			Distribution: lca.DistributionLognormal,
			Scale:        0.3,
			Weight:       1 / float64(i+1),
		}
	}
	m, err := lca.NewSyntheticModel(inputs)
	require.NoError(t, err)
	return m, ids
}

func testConfig() Config {
	return Config{
		Selection:      lca.Selection{Project: "p", Database: "db", Activity: "a", Amount: 1, Method: "m"},
		Seed:           11,
		MaxInfluential: 20,
		Step:           5,
		Iterations:     12,
	}
}

func runToEnd(t *testing.T, j *Job) {
	t.Helper()
	ctx := context.Background()
	for u := 0; u < j.Total(); u++ {
		require.NoError(t, j.Do(ctx, u))
	}
	require.NoError(t, j.Finish(ctx))
}

func TestSchedule(t *testing.T) {
	assert.Equal(t, []int{5, 10, 15, 20}, Schedule(5, 20))
	assert.Equal(t, []int{3, 6, 9}, Schedule(3, 10))
	assert.Equal(t, []int{4}, Schedule(4, 4))
	assert.Empty(t, Schedule(0, 10))
	assert.Empty(t, Schedule(5, 0))
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, testConfig().Validate())

	cfg := testConfig()
	cfg.Step = 25
	assert.ErrorContains(t, cfg.Validate(), "exceeds max_influential")

	cfg = testConfig()
	cfg.Iterations = 0
	cfg.MaxInfluential = 0
	err := cfg.Validate()
	assert.ErrorContains(t, err, "iterations")
	assert.ErrorContains(t, err, "max_influential")
}

func TestJob_TrialsFollowSchedule(t *testing.T) {
	model, ids := wideModel(t, 20)
	j, err := New(testConfig(), model, lca.Spearman, ids)
	require.NoError(t, err)
	assert.Equal(t, 4*12, j.Total())

	runToEnd(t, j)

	trend := j.Trend()
	require.Len(t, trend, 4)
	for i, tr := range trend {
		assert.Equal(t, 5*(i+1), tr.InfluentialCount)
		assert.Equal(t, 12, tr.IterationsUsed)
		assert.LessOrEqual(t, tr.Metric, 1.0)
	}
	// Varying every input reproduces the full model draw for draw.
	assert.InDelta(t, 1.0, trend[3].Metric, 1e-12)
}

func TestJob_ReferenceFromMonteCarloBatchMatchesLazyReference(t *testing.T) {
	model, ids := wideModel(t, 20)
	cfg := testConfig()

	mc, err := montecarlo.New(montecarlo.Config{Selection: cfg.Selection, Iterations: 30, Seed: cfg.Seed}, model)
	require.NoError(t, err)
	for i := 0; i < 30; i++ {
		require.NoError(t, mc.Do(context.Background(), i))
	}

	withRef, err := New(cfg, model, lca.Spearman, ids, WithReference(mc.Batch()))
	require.NoError(t, err)
	lazy, err := New(cfg, model, lca.Spearman, ids)
	require.NoError(t, err)

	runToEnd(t, withRef)
	runToEnd(t, lazy)
	assert.Equal(t, lazy.Trend(), withRef.Trend())
}

func TestJob_KBeyondRankingVariesEverything(t *testing.T) {
	model, ids := wideModel(t, 3)
	cfg := testConfig()
	cfg.MaxInfluential = 10
	j, err := New(cfg, model, lca.PearsonR2, ids)
	require.NoError(t, err)
	runToEnd(t, j)

	trend := j.Trend()
	require.Len(t, trend, 2)
	assert.InDelta(t, 1.0, trend[1].Metric, 1e-12)
}

func TestNew_RejectsBadInput(t *testing.T) {
	model, ids := wideModel(t, 3)

	_, err := New(testConfig(), model, lca.Spearman, nil)
	assert.Error(t, err)

	_, err = New(testConfig(), nil, lca.Spearman, ids)
	assert.Error(t, err)

	_, err = New(testConfig(), model, nil, ids)
	assert.Error(t, err)

	cfg := testConfig()
	cfg.Step = 0
	_, err = New(cfg, model, lca.Spearman, ids)
	assert.Error(t, err)
}

func TestJob_ComparatorFailureFailsRun(t *testing.T) {
	model, ids := wideModel(t, 5)
	broken := lca.ComparatorFunc(func(_, _ []float64) (float64, error) {
		return 0, errors.New("degenerate distribution")
	})
	j, err := New(testConfig(), model, broken, ids)
	require.NoError(t, err)

	ex := jobregistry.NewExecutor(jobregistry.NewMemoryStore())
	jobID, err := ex.Start(context.Background(), jobregistry.RoleValidation, j)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := ex.Wait(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, jobregistry.StatusFailed, state.Status)
	assert.Contains(t, state.Error, "degenerate distribution")
	assert.Equal(t, 11, state.Completed)
	assert.Empty(t, j.Trend())
}

func TestJob_RunsUnderExecutorWithProgressAcrossSteps(t *testing.T) {
	model, ids := wideModel(t, 20)
	store := jobregistry.NewMemoryStore()
	ex := jobregistry.NewExecutor(store)

	var published []Trial
	j, err := New(testConfig(), model, lca.Spearman, ids, WithOnFinish(func(_ context.Context, job *Job) error {
		published = job.Trend()
		return nil
	}))
	require.NoError(t, err)

	jobID, err := ex.Start(context.Background(), jobregistry.RoleValidation, j)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := ex.Wait(ctx, jobID)
	require.NoError(t, err)

	assert.Equal(t, jobregistry.StatusCompleted, state.Status)
	assert.Equal(t, 48, state.Total)
	assert.Equal(t, 48, state.Completed)
	assert.Len(t, published, 4)
}

// stallingEvaluator evaluates free draws normally, then closes reached and
// blocks until gate is closed.
type stallingEvaluator struct {
	lca.Evaluator
	gate    chan struct{}
	reached chan struct{}

	mu   sync.Mutex
	free int
	once sync.Once
}

func (s *stallingEvaluator) Evaluate(ctx context.Context, sel lca.Selection, seed int64, varied []string) (lca.Sample, error) {
	s.mu.Lock()
	if s.free > 0 {
		s.free--
		s.mu.Unlock()
		return s.Evaluator.Evaluate(ctx, sel, seed, varied)
	}
	s.mu.Unlock()
	s.once.Do(func() { close(s.reached) })
	<-s.gate
	return s.Evaluator.Evaluate(ctx, sel, seed, varied)
}

func TestJob_CancelMidRunKeepsCompletedTrials(t *testing.T) {
	model, ids := wideModel(t, 20)
	// The first step draws the full and restricted model per unit (24
	// evaluations), so the run stalls inside the second step.
	eval := &stallingEvaluator{Evaluator: model, gate: make(chan struct{}), reached: make(chan struct{}), free: 30}
	j, err := New(testConfig(), eval, lca.Spearman, ids)
	require.NoError(t, err)

	ex := jobregistry.NewExecutor(jobregistry.NewMemoryStore())
	jobID, err := ex.Start(context.Background(), jobregistry.RoleValidation, j)
	require.NoError(t, err)

	select {
	case <-eval.reached:
	case <-time.After(5 * time.Second):
		t.Fatal("run never reached the stalled draw")
	}
	require.NoError(t, ex.Cancel(context.Background(), jobID))
	close(eval.gate)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := ex.Wait(ctx, jobID)
	require.NoError(t, err)

	assert.Equal(t, jobregistry.StatusCancelled, state.Status)
	assert.Less(t, state.Completed, state.Total)
	assert.Equal(t, 48, state.Total)
	trend := j.Trend()
	assert.Len(t, trend, state.Completed/testConfig().Iterations)
	require.Len(t, trend, 1)
	assert.Equal(t, 5, trend[0].InfluentialCount)

	// The record stays terminal.
	require.NoError(t, ex.Cancel(context.Background(), jobID))
	time.Sleep(20 * time.Millisecond)
	again, err := ex.Poll(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, jobregistry.StatusCancelled, again.Status)
	assert.Equal(t, state.Completed, again.Completed)
}

func TestSufficient(t *testing.T) {
	trials := []Trial{
		{InfluentialCount: 5, Metric: 0.4},
		{InfluentialCount: 10, Metric: 0.85},
		{InfluentialCount: 15, Metric: 0.79},
	}
	k, ok := Sufficient(trials, DefaultThreshold)
	assert.True(t, ok)
	assert.Equal(t, 10, k)

	_, ok = Sufficient(trials, 0.95)
	assert.False(t, ok)
}
