package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lead-run-orchestrator/internal/config"
	"lead-run-orchestrator/internal/models"
	"lead-run-orchestrator/internal/queue"
	"lead-run-orchestrator/internal/store"
)

type failingRunner struct {
	calls int
}

func (r *failingRunner) Step(_ context.Context, runID, _ string) (StepReport, error) {
	r.calls++
	return StepReport{RunID: runID}, errors.New("redis: connection refused")
}

func TestRunDrainsQueueConcurrently(t *testing.T) {
	f := newFixture(t, nil)
	for _, runID := range []string{"r1", "r2", "r3"} {
		f.start(t, runID, models.RunConfig{DryRun: true},
			models.Lead{ID: "a", Email: "a@acme.io", Score: 0.9},
			models.Lead{ID: "b", Email: "b@beta.io", Score: 0.4},
		)
	}
	proc := NewProcessor(config.Config{WorkerConcurrency: 3, WorkerPollInterval: 5 * time.Millisecond, Retry: testRetry}, f.queue, NewStepper(f.mgr, f.pipeline, nil), nil)
	proc.now = f.env.Clock.Now

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- proc.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, runID := range []string{"r1", "r2", "r3"} {
			job, err := f.mgr.Get(context.Background(), runID, "u1")
			if err != nil || job.Status != models.StatusCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	for _, runID := range []string{"r1", "r2", "r3"} {
		assert.Equal(t, 2, f.job(t, runID).Diagnostics.ProcessedLeads, runID)
	}
}

func TestMissingLeadFailsRun(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t, "r1", models.RunConfig{DryRun: true}, models.Lead{ID: "a", Email: "a@acme.io"})
	err := f.env.Store.Transact(context.Background(), store.Key("runs", "r1", "leads", "a"), func(*store.Document, time.Time) (store.Mutation, error) {
		return store.Delete(), nil
	})
	require.NoError(t, err)

	f.drain(t)

	job := f.job(t, "r1")
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Equal(t, "lead_missing", job.LastError)
	depth, err := f.queue.ReadyDepth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)

	st, err := f.guard.State(context.Background(), "o1")
	require.NoError(t, err)
	assert.Empty(t, st.ActiveRunIDs)
}

func TestStaleDispatchIsAcked(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t, "r1", models.RunConfig{DryRun: true}, models.Lead{ID: "a", Email: "a@acme.io"})
	require.NoError(t, f.queue.Enqueue(context.Background(), queue.Dispatch{RunID: "r1", WorkerToken: "stale"}, f.env.Clock.Now()))

	assert.Equal(t, 2, f.drain(t))
	assert.Equal(t, models.StatusCompleted, f.job(t, "r1").Status)
	dead, err := f.queue.DLQPeek(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestInfraErrorsRetryThenDeadLetter(t *testing.T) {
	f := newFixture(t, nil)
	runner := &failingRunner{}
	proc := NewProcessor(config.Config{DispatchAttempts: 2, Retry: testRetry}, f.queue, runner, nil)
	proc.now = f.env.Clock.Now
	ctx := context.Background()
	require.NoError(t, f.queue.Enqueue(ctx, queue.Dispatch{RunID: "r1", WorkerToken: "t"}, f.env.Clock.Now()))

	handled, err := proc.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, handled)
	handled, err = proc.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, handled, "retry waits for its backoff")

	f.env.Clock.Advance(time.Minute)
	proc.Sweep(ctx)
	handled, err = proc.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, handled)

	assert.Equal(t, 2, runner.calls)
	dead, err := f.queue.DLQPeek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "r1", dead[0].RunID)
	assert.Equal(t, 1, dead[0].Attempt)
}

// slowRunner holds its dispatch past the visibility timeout and records what
// a concurrent reclaim pass would have taken back.
type slowRunner struct {
	queue     *queue.RedisQueue
	hold      time.Duration
	reclaimed int
}

func (r *slowRunner) Step(ctx context.Context, runID, _ string) (StepReport, error) {
	time.Sleep(r.hold)
	n, err := r.queue.RequeueExpired(ctx, time.Now(), 10)
	if err != nil {
		return StepReport{}, err
	}
	r.reclaimed = n
	return StepReport{RunID: runID}, nil
}

func TestLongStepKeepsDispatchInFlight(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	visibility := 150 * time.Millisecond
	q := queue.NewRedisQueue(f.env.Client, queue.WithPrefix("heartbeat:"), queue.WithVisibility(visibility))
	runner := &slowRunner{queue: q, hold: 400 * time.Millisecond}
	proc := NewProcessor(config.Config{VisibilityTimeout: visibility, Retry: testRetry}, q, runner, nil)
	require.NoError(t, q.Enqueue(ctx, queue.Dispatch{RunID: "r1", WorkerToken: "t"}, time.Now()))

	handled, err := proc.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Zero(t, runner.reclaimed, "dispatch was redelivered while its step was still running")

	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
	n, err := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Zero(t, n, "acked dispatch must leave in-flight tracking")
}
