package resultstore

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecological-systems-design/gsa-dashboard/pkg/lca"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/ranking"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/validation"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "nested", "results.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	assert.Error(t, err)
}

func TestOpen_Memory(t *testing.T) {
	s, err := Open(context.Background(), Config{Path: ":memory:"})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.SaveBatch(context.Background(), BatchRecord{JobID: "a", Scores: []float64{1}}))
	rec, err := s.LoadBatch(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, []float64{1}, rec.Scores)
}

func TestBatch_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sel := lca.Selection{Project: "p", Database: "ecoinvent", Activity: "bike", Amount: 2, Method: "ipcc"}

	require.NoError(t, s.SaveBatch(ctx, BatchRecord{
		JobID: "job-1", Selection: sel, Seed: 42, Iterations: 5, Complete: false, Status: "cancelled",
		Scores: []float64{1.5, 2.5, 3.5},
	}))

	rec, err := s.LoadBatch(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, sel, rec.Selection)
	assert.Equal(t, int64(42), rec.Seed)
	assert.Equal(t, 5, rec.Iterations)
	assert.False(t, rec.Complete)
	assert.Equal(t, "cancelled", rec.Status)
	assert.Equal(t, []float64{1.5, 2.5, 3.5}, rec.Scores)
	assert.False(t, rec.SavedAt.IsZero())

	// Saving again replaces the samples.
	require.NoError(t, s.SaveBatch(ctx, BatchRecord{JobID: "job-1", Selection: sel, Complete: true, Status: "completed", Scores: []float64{9}}))
	rec, err = s.LoadBatch(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, []float64{9}, rec.Scores)
	assert.True(t, rec.Complete)

	_, err = s.LoadBatch(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRanking_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rows := ranking.Rank([]lca.InputSensitivity{
		{InputID: "a", Name: "A", Location: "CH", OutputName: "out", ExchangeType: "technosphere", ExchangeAmount: 1, GSAIndex: 0.2},
		{InputID: "b", Name: "B", Category: "air", OutputName: "out", OutputLocation: "GLO", ExchangeType: "biosphere", ExchangeAmount: 3, GSAIndex: 0.8},
		{InputID: "c", Name: "C", OutputName: "out", GSAIndex: math.NaN()},
	})
	require.NoError(t, s.SaveBatch(ctx, BatchRecord{JobID: "mc-1", Complete: true, Status: "completed"}))
	require.NoError(t, s.SaveRanking(ctx, "mc-1", rows))

	got, err := s.LoadRanking(ctx, "mc-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := range rows[:2] {
		assert.Equal(t, rows[i].Rank, got[i].Rank)
		assert.Equal(t, rows[i].Description, got[i].Description)
		assert.Equal(t, rows[i].Contribution, got[i].Contribution)
	}
	assert.True(t, math.IsNaN(got[2].GSAIndex))

	jobID, latest, err := s.LatestRanking(ctx)
	require.NoError(t, err)
	assert.Equal(t, "mc-1", jobID)
	assert.Len(t, latest, 3)

	_, err = s.LoadRanking(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLatestRanking_IgnoresIncompleteBatches(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, _, err := s.LatestRanking(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	rows := ranking.Rank([]lca.InputSensitivity{{InputID: "a", Name: "A", OutputName: "o", GSAIndex: 1}})
	require.NoError(t, s.SaveBatch(ctx, BatchRecord{JobID: "partial", Complete: false, Status: "cancelled"}))
	require.NoError(t, s.SaveRanking(ctx, "partial", rows))

	_, _, err = s.LatestRanking(ctx)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTrials_RoundTripAndPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	trials := []validation.Trial{
		{InfluentialCount: 5, Metric: 0.6, IterationsUsed: 10},
		{InfluentialCount: 10, Metric: 0.9, IterationsUsed: 10},
	}
	require.NoError(t, s.SaveTrials(ctx, "val-1", "mc-1", trials))

	got, err := s.LoadTrials(ctx, "val-1")
	require.NoError(t, err)
	assert.Equal(t, trials, got)

	require.NoError(t, s.Prune(ctx, "val-1"))
	got, err = s.LoadTrials(ctx, "val-1")
	require.NoError(t, err)
	assert.Empty(t, got)
}
