//go:build redisintegration

package jobregistry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecological-systems-design/gsa-dashboard/test/redistest"
)

// integrationStores adds a Redis-backed store to the shared store tests.
func integrationStores(t *testing.T) map[string]Store {
	t.Helper()
	redistest.SkipIfUnavailable(t)
	return map[string]Store{
		"redis": NewRedisStore(redistest.Client(t), redistest.Prefix(t)),
	}
}

func TestRedisStore_CancelMarker(t *testing.T) {
	redistest.SkipIfUnavailable(t)
	ctx := context.Background()
	s := NewRedisStore(redistest.Client(t), redistest.Prefix(t))

	require.NoError(t, s.Register(ctx, JobState{JobID: "job-1", Role: RoleMonteCarlo, Total: 5}))

	requested, err := s.CancelRequested(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, requested)

	require.NoError(t, s.RequestCancel(ctx, "job-1"))
	requested, err = s.CancelRequested(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, requested)

	require.NoError(t, s.Reset(ctx, "job-1"))
	requested, err = s.CancelRequested(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, requested)

	_, err = s.Read(ctx, "job-1")
	assert.True(t, IsNotFound(err))
}

func TestRedisStore_RequestCancelOnFinishedJobIsNoop(t *testing.T) {
	redistest.SkipIfUnavailable(t)
	ctx := context.Background()
	s := NewRedisStore(redistest.Client(t), redistest.Prefix(t))

	require.NoError(t, s.Register(ctx, JobState{JobID: "job-2", Role: RoleValidation, Total: 1}))
	require.NoError(t, s.MarkDone(ctx, "job-2", Completed()))
	require.NoError(t, s.RequestCancel(ctx, "job-2"))

	requested, err := s.CancelRequested(ctx, "job-2")
	require.NoError(t, err)
	assert.False(t, requested)
}

func TestExecutor_CrossProcessCancelViaRedis(t *testing.T) {
	redistest.SkipIfUnavailable(t)
	prefix := redistest.Prefix(t)
	owner := NewExecutor(NewRedisStore(redistest.Client(t), prefix))
	gate := make(chan struct{})

	jobID, err := owner.Start(context.Background(), RoleMonteCarlo, &countingWork{total: 50, gate: gate})
	require.NoError(t, err)

	other := NewExecutor(NewRedisStore(redistest.Client(t), prefix))
	require.NoError(t, other.Cancel(context.Background(), jobID))

	close(gate)
	state := waitDone(t, owner, jobID)
	assert.Equal(t, StatusCancelled, state.Status)
}

func TestOpenRedisStore(t *testing.T) {
	redistest.SkipIfUnavailable(t)

	s, err := OpenRedisStore(context.Background(), redistest.URL, redistest.Prefix(t))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	_, err = OpenRedisStore(context.Background(), "not-a-url", "")
	assert.Error(t, err)
}
