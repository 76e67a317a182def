package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/colony/pkg/errdefs"
	"github.com/cuemby/colony/pkg/events"
	"github.com/cuemby/colony/pkg/storage"
	"github.com/cuemby/colony/pkg/types"
)

type fakeDispatcher struct {
	enqueued  []string
	cancelled []string
}

func (f *fakeDispatcher) Enqueue(jobID string) { f.enqueued = append(f.enqueued, jobID) }
func (f *fakeDispatcher) Cancel(ctx context.Context, jobID, reason string) error {
	f.cancelled = append(f.cancelled, jobID)
	return nil
}

func newTestService(t *testing.T) (*Service, *fakeDispatcher, storage.Store) {
	t.Helper()
	store := storage.NewMemoryStore()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	svc := NewService(store, broker, Defaults{MaxRetries: 3, Timeout: 10 * time.Minute})
	d := &fakeDispatcher{}
	svc.SetDispatcher(d)
	return svc, d, store
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()

	t.Run("new job lands pending and is handed off", func(t *testing.T) {
		svc, d, store := newTestService(t)

		res, err := svc.Submit(ctx, &types.SubmitRequest{Command: "echo", IdempotencyKey: "K1"})
		require.NoError(t, err)
		assert.True(t, res.Accepted)
		assert.False(t, res.Existing)

		job, err := store.GetJob(ctx, res.JobID)
		require.NoError(t, err)
		assert.Equal(t, types.JobStatusPending, job.Status)
		assert.Equal(t, 0, job.AttemptCount)
		assert.Equal(t, 3, job.MaxRetries)
		assert.Equal(t, 10*time.Minute, job.Timeout)

		assert.Equal(t, []string{res.JobID}, d.enqueued)
	})

	t.Run("missing command rejected", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		_, err := svc.Submit(ctx, &types.SubmitRequest{})
		assert.ErrorIs(t, err, errdefs.ErrMissingField)
	})

	t.Run("explicit retries and timeout respected", func(t *testing.T) {
		svc, _, store := newTestService(t)
		zero := 0
		res, err := svc.Submit(ctx, &types.SubmitRequest{
			Command:    "echo",
			MaxRetries: &zero,
			Timeout:    time.Second,
		})
		require.NoError(t, err)
		job, err := store.GetJob(ctx, res.JobID)
		require.NoError(t, err)
		assert.Equal(t, 0, job.MaxRetries)
		assert.Equal(t, time.Second, job.Timeout)
	})

	t.Run("negative retries rejected", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		neg := -1
		_, err := svc.Submit(ctx, &types.SubmitRequest{Command: "echo", MaxRetries: &neg})
		assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)
	})
}

func TestSubmitIdempotency(t *testing.T) {
	ctx := context.Background()

	t.Run("resubmission returns the existing job", func(t *testing.T) {
		svc, d, _ := newTestService(t)

		first, err := svc.Submit(ctx, &types.SubmitRequest{Command: "echo", IdempotencyKey: "K1"})
		require.NoError(t, err)

		for i := 0; i < 5; i++ {
			res, err := svc.Submit(ctx, &types.SubmitRequest{Command: "echo", IdempotencyKey: "K1"})
			require.NoError(t, err)
			assert.Equal(t, first.JobID, res.JobID)
			assert.True(t, res.Existing)
		}

		// Only the first submission reaches the dispatcher
		assert.Equal(t, []string{first.JobID}, d.enqueued)

		id, ok := svc.LookupKey("K1")
		assert.True(t, ok)
		assert.Equal(t, first.JobID, id)
	})

	t.Run("terminal resubmit with same payload returns record", func(t *testing.T) {
		svc, _, store := newTestService(t)

		first, err := svc.Submit(ctx, &types.SubmitRequest{Command: "echo", IdempotencyKey: "K1", Parameters: []byte("p")})
		require.NoError(t, err)

		job, err := store.GetJob(ctx, first.JobID)
		require.NoError(t, err)
		job.Status = types.JobStatusCompleted
		require.NoError(t, store.PutJob(ctx, job))

		res, err := svc.Submit(ctx, &types.SubmitRequest{Command: "echo", IdempotencyKey: "K1", Parameters: []byte("p")})
		require.NoError(t, err)
		assert.Equal(t, first.JobID, res.JobID)
		assert.True(t, res.Existing)
	})

	t.Run("terminal resubmit with differing payload conflicts", func(t *testing.T) {
		svc, _, store := newTestService(t)

		first, err := svc.Submit(ctx, &types.SubmitRequest{Command: "echo", IdempotencyKey: "K1", Parameters: []byte("p")})
		require.NoError(t, err)

		job, err := store.GetJob(ctx, first.JobID)
		require.NoError(t, err)
		job.Status = types.JobStatusCompleted
		require.NoError(t, store.PutJob(ctx, job))

		_, err = svc.Submit(ctx, &types.SubmitRequest{Command: "echo", IdempotencyKey: "K1", Parameters: []byte("other")})
		assert.ErrorIs(t, err, errdefs.ErrTerminalJob)
	})

	t.Run("jobs without a key never deduplicate", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		a, err := svc.Submit(ctx, &types.SubmitRequest{Command: "echo"})
		require.NoError(t, err)
		b, err := svc.Submit(ctx, &types.SubmitRequest{Command: "echo"})
		require.NoError(t, err)
		assert.NotEqual(t, a.JobID, b.JobID)
	})
}

func TestQueries(t *testing.T) {
	ctx := context.Background()
	svc, _, store := newTestService(t)

	res, err := svc.Submit(ctx, &types.SubmitRequest{Command: "backup"})
	require.NoError(t, err)
	_, err = svc.Submit(ctx, &types.SubmitRequest{Command: "echo"})
	require.NoError(t, err)

	job, err := store.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	job.Status = types.JobStatusRunning
	job.AssignedAgentID = "agent-1"
	require.NoError(t, store.PutJob(ctx, job))

	running, err := svc.List(ctx, storage.JobFilter{Status: types.JobStatusRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, res.JobID, running[0].ID)

	byAgent, err := svc.List(ctx, storage.JobFilter{AgentID: "agent-1"})
	require.NoError(t, err)
	assert.Len(t, byAgent, 1)

	all, err := svc.List(ctx, storage.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = svc.Get(ctx, "missing")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestCancelDelegatesToDispatcher(t *testing.T) {
	ctx := context.Background()
	svc, d, _ := newTestService(t)

	res, err := svc.Submit(ctx, &types.SubmitRequest{Command: "echo"})
	require.NoError(t, err)

	require.NoError(t, svc.Cancel(ctx, res.JobID, "operator request"))
	assert.Equal(t, []string{res.JobID}, d.cancelled)
}

func TestDeadLetter(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	res, err := svc.Submit(ctx, &types.SubmitRequest{Command: "flaky", IdempotencyKey: "K1"})
	require.NoError(t, err)

	job, err := svc.Get(ctx, res.JobID)
	require.NoError(t, err)
	job.Status = types.JobStatusFailed
	job.AttemptCount = 4
	job.Error = "exit 1"

	require.NoError(t, svc.RecordDeadLetter(ctx, job))

	dls, err := svc.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, res.JobID, dls[0].JobID)
	assert.Equal(t, 4, dls[0].Attempts)
	assert.Equal(t, "exit 1", dls[0].LastError)

	// The live index no longer tracks the key
	_, ok := svc.LookupKey("K1")
	assert.False(t, ok)
}

func TestRestoreIndex(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	require.NoError(t, store.PutJob(ctx, &types.Job{
		ID: "j1", IdempotencyKey: "K1", Status: types.JobStatusPending, CreatedAt: time.Now(),
	}))
	require.NoError(t, store.PutJob(ctx, &types.Job{
		ID: "j2", IdempotencyKey: "K2", Status: types.JobStatusCompleted, CreatedAt: time.Now(),
	}))

	svc := NewService(store, broker, Defaults{})
	require.NoError(t, svc.Restore(ctx))

	id, ok := svc.LookupKey("K1")
	assert.True(t, ok)
	assert.Equal(t, "j1", id)
	_, ok = svc.LookupKey("K2")
	assert.False(t, ok)
}
