package jobs

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lead-run-orchestrator/internal/config"
	"lead-run-orchestrator/internal/models"
	"lead-run-orchestrator/internal/quota"
	"lead-run-orchestrator/internal/store"
	"lead-run-orchestrator/internal/testutil"
)

type triggerCall struct {
	runID string
	token string
	delay time.Duration
}

type recordingTrigger struct {
	mu    sync.Mutex
	calls []triggerCall
}

func (r *recordingTrigger) Trigger(_ context.Context, runID, token string, delay time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, triggerCall{runID, token, delay})
	return nil
}

func (r *recordingTrigger) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type fixture struct {
	env     *testutil.Env
	guard   *quota.Guard
	trigger *recordingTrigger
	mgr     *Manager
}

func newFixture(t *testing.T, limits models.QuotaLimits) *fixture {
	env := testutil.NewEnv(t)
	guard := quota.New(env.Store, limits, config.AlertPolicy{FailureStreakThreshold: 3, EscalationWindow: time.Hour}, nil)
	trig := &recordingTrigger{}
	mgr := NewManager(env.Store, guard, trig, config.RetryPolicy{
		LeadMaxAttempts: 2,
		BackoffInitial:  time.Second,
		BackoffMax:      10 * time.Second,
		JobLease:        time.Minute,
	}, nil)
	return &fixture{env: env, guard: guard, trigger: trig, mgr: mgr}
}

var threeLeads = []models.Lead{
	{ID: "low", CompanyName: "Low", Score: 0.2},
	{ID: "high", CompanyName: "High", Score: 0.9},
	{ID: "mid", CompanyName: "Mid", Score: 0.5},
}

func (f *fixture) start(t *testing.T, runID string, leads []models.Lead) models.LeadRunJob {
	t.Helper()
	ctx := context.Background()
	_, err := f.mgr.ImportLeads(ctx, "u1", "o1", runID, append([]models.Lead(nil), leads...))
	require.NoError(t, err)
	res, err := f.mgr.Start(ctx, StartRequest{RunID: runID, UserID: "u1"})
	require.NoError(t, err)
	return res.Job
}

func TestStartIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.QuotaLimits{MaxRunsPerDay: 10, MaxLeadsPerDay: 100, MaxActiveRuns: 2})

	job := f.start(t, "r1", threeLeads)
	assert.Equal(t, models.StatusQueued, job.Status)
	assert.True(t, job.Admitted)
	assert.Equal(t, []string{"high", "mid", "low"}, job.LeadDocIDs)
	assert.Equal(t, 3, job.TotalLeads)
	assert.Equal(t, "o1", job.OrgID)
	assert.NotEmpty(t, job.WorkerToken)

	again, err := f.mgr.Start(ctx, StartRequest{RunID: "r1", UserID: "u1"})
	require.NoError(t, err)
	assert.True(t, again.Reused)
	assert.Equal(t, job.WorkerToken, again.Job.WorkerToken)

	st, err := f.guard.State(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.RunsUsed)
	assert.Equal(t, 3, st.LeadsUsed)
	assert.Equal(t, []string{"r1"}, st.ActiveRunIDs)
}

func TestStartValidatesCaller(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.QuotaLimits{})
	f.start(t, "r1", threeLeads[:1])

	_, err := f.mgr.Start(ctx, StartRequest{RunID: "r1", UserID: "intruder"})
	assert.ErrorIs(t, err, models.ErrForbidden)

	_, err = f.mgr.Start(ctx, StartRequest{RunID: "nope", UserID: "u1"})
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = f.mgr.Start(ctx, StartRequest{UserID: "u1"})
	assert.ErrorIs(t, err, models.ErrValidation)

	require.NoError(t, store.PutJSON(ctx, f.env.Store, runKey("empty"), models.Run{RunID: "empty", UserID: "u1"}))
	_, err = f.mgr.Start(ctx, StartRequest{RunID: "empty", UserID: "u1"})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestStartKeepsTheRunsOrg(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.QuotaLimits{})
	_, err := f.mgr.ImportLeads(ctx, "u1", "o1", "r1", append([]models.Lead(nil), threeLeads...))
	require.NoError(t, err)

	_, err = f.mgr.Start(ctx, StartRequest{RunID: "r1", UserID: "u1", OrgID: "o2"})
	assert.ErrorIs(t, err, models.ErrForbidden)
	st, err := f.guard.State(ctx, "o2")
	require.NoError(t, err)
	assert.Zero(t, st.RunsUsed)
	assert.Zero(t, f.trigger.count())

	res, err := f.mgr.Start(ctx, StartRequest{RunID: "r1", UserID: "u1", OrgID: "o1"})
	require.NoError(t, err)
	assert.Equal(t, "o1", res.Job.OrgID)
}

func TestStartRejectedByQuotaLeavesNothingBehind(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.QuotaLimits{MaxLeadsPerDay: 2, MaxActiveRuns: 2})

	_, err := f.mgr.ImportLeads(ctx, "u1", "o1", "r1", append([]models.Lead(nil), threeLeads...))
	require.NoError(t, err)
	_, err = f.mgr.Start(ctx, StartRequest{RunID: "r1", UserID: "u1"})
	require.ErrorIs(t, err, models.ErrRateLimited)

	_, err = f.mgr.Get(ctx, "r1", "u1")
	assert.ErrorIs(t, err, models.ErrNotFound)
	st, err := f.guard.State(ctx, "o1")
	require.NoError(t, err)
	assert.Empty(t, st.ActiveRunIDs)
	assert.Zero(t, st.LeadsUsed)
	assert.Zero(t, f.trigger.count())
}

func TestStartRejectedBySlotKeepsQuotaSpent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.QuotaLimits{MaxActiveRuns: 1})
	f.start(t, "r1", threeLeads)

	_, err := f.mgr.ImportLeads(ctx, "u1", "o1", "r2", append([]models.Lead(nil), threeLeads...))
	require.NoError(t, err)
	_, err = f.mgr.Start(ctx, StartRequest{RunID: "r2", UserID: "u1"})
	var rl *models.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, "active_runs", rl.Limit)

	_, err = f.mgr.Get(ctx, "r2", "u1")
	assert.ErrorIs(t, err, models.ErrNotFound)
	st, err := f.guard.State(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, 2, st.RunsUsed)
	assert.Equal(t, []string{"r1"}, st.ActiveRunIDs)
}

func TestConcurrentLeasesAdvanceOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.QuotaLimits{})
	job := f.start(t, "r1", threeLeads)

	var wg sync.WaitGroup
	leases := make(chan Lease, 2)
	skips := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := f.mgr.Acquire(ctx, "r1", job.WorkerToken)
			if err != nil {
				skips <- err
				return
			}
			leases <- l
		}()
	}
	wg.Wait()
	close(leases)
	close(skips)

	require.Len(t, leases, 1)
	require.Len(t, skips, 1)
	skipErr := <-skips
	var skip *SkipError
	require.ErrorAs(t, skipErr, &skip)
	assert.Equal(t, SkipLeased, skip.Reason)

	l := <-leases
	assert.Equal(t, "high", l.LeadID)
	res, err := f.mgr.Finalize(ctx, l, StepResult{Delta: models.Diagnostics{EmailsSent: 1}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Job.NextIndex)
	assert.Equal(t, models.StatusRunning, res.Job.Status)
	assert.Equal(t, 1, res.Job.Diagnostics.EmailsSent)
	assert.Equal(t, 1, res.Job.Diagnostics.ProcessedLeads)
}

func TestAcquireRefusesStaleToken(t *testing.T) {
	f := newFixture(t, models.QuotaLimits{})
	f.start(t, "r1", threeLeads)

	_, err := f.mgr.Acquire(context.Background(), "r1", "old-token")
	assert.True(t, IsSkip(err))
	_, err = f.mgr.Acquire(context.Background(), "missing", "t")
	assert.True(t, IsSkip(err))
}

func TestRunToCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.QuotaLimits{MaxActiveRuns: 1})
	job := f.start(t, "r1", threeLeads)

	last := -1
	for i := 0; i < 3; i++ {
		l, err := f.mgr.Acquire(ctx, "r1", job.WorkerToken)
		require.NoError(t, err)
		assert.Greater(t, l.Index, last)
		last = l.Index
		_, err = f.mgr.Finalize(ctx, l, StepResult{})
		require.NoError(t, err)
	}

	got, err := f.mgr.Get(ctx, "r1", "u1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, got.TotalLeads, got.NextIndex)
	assert.False(t, got.FinishedAt.IsZero())

	_, err = f.mgr.Acquire(ctx, "r1", job.WorkerToken)
	assert.True(t, IsSkip(err))

	st, err := f.guard.State(ctx, "o1")
	require.NoError(t, err)
	assert.Empty(t, st.ActiveRunIDs)
	assert.Zero(t, st.FailureStreak)

	// 1 from start, 2 between leads.
	assert.Equal(t, 3, f.trigger.count())
}

func TestLeadRetriesThenSkips(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.QuotaLimits{})
	job := f.start(t, "r1", threeLeads[:1])
	boom := errors.New("lead exploded")

	l, err := f.mgr.Acquire(ctx, "r1", job.WorkerToken)
	require.NoError(t, err)
	res, err := f.mgr.Finalize(ctx, l, StepResult{Err: boom})
	require.NoError(t, err)
	assert.False(t, res.Advanced)
	assert.Equal(t, 0, res.Job.NextIndex)
	assert.Equal(t, 1, res.Job.AttemptsByLead["low"])
	assert.Greater(t, res.RetryIn, time.Duration(0))
	assert.Equal(t, "lead exploded", res.Job.LastError)

	l, err = f.mgr.Acquire(ctx, "r1", job.WorkerToken)
	require.NoError(t, err)
	res, err = f.mgr.Finalize(ctx, l, StepResult{Err: boom})
	require.NoError(t, err)
	assert.True(t, res.LeadFailed)
	assert.Equal(t, models.StatusCompleted, res.Job.Status)
	assert.Equal(t, 1, res.Job.Diagnostics.FailedLeads)
	assert.Equal(t, 1, res.Job.Diagnostics.LeadRetries)
	assert.Empty(t, res.Job.AttemptsByLead)

	st, err := f.guard.State(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.FailureStreak)
	assert.Equal(t, "all_leads_failed", st.LastFailure)
}

func TestExpiredLeaseLosesFinalize(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.QuotaLimits{})
	job := f.start(t, "r1", threeLeads)

	first, err := f.mgr.Acquire(ctx, "r1", job.WorkerToken)
	require.NoError(t, err)
	f.env.Clock.Advance(2 * time.Minute)
	second, err := f.mgr.Acquire(ctx, "r1", job.WorkerToken)
	require.NoError(t, err)
	assert.Equal(t, first.Index, second.Index)

	_, err = f.mgr.Finalize(ctx, first, StepResult{})
	require.ErrorIs(t, err, models.ErrConflict)

	res, err := f.mgr.Finalize(ctx, second, StepResult{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Job.NextIndex)
}

func TestPauseAndResume(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.QuotaLimits{MaxActiveRuns: 1})
	job := f.start(t, "r1", threeLeads)

	paused, err := f.mgr.Pause(ctx, "r1", "u1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaused, paused.Status)
	_, err = f.mgr.Pause(ctx, "r1", "u1")
	require.NoError(t, err)

	st, err := f.guard.State(ctx, "o1")
	require.NoError(t, err)
	assert.Empty(t, st.ActiveRunIDs)

	_, err = f.mgr.Acquire(ctx, "r1", job.WorkerToken)
	var skip *SkipError
	require.ErrorAs(t, err, &skip)
	assert.Equal(t, SkipPaused, skip.Reason)

	before := f.trigger.count()
	resumed, err := f.mgr.Resume(ctx, "r1", "u1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, resumed.Status)
	assert.Equal(t, before+1, f.trigger.count())

	st, err = f.guard.State(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, st.ActiveRunIDs)

	_, err = f.mgr.Pause(ctx, "r1", "someone-else")
	assert.ErrorIs(t, err, models.ErrForbidden)
}

func TestInFlightStepFinishesAfterPause(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.QuotaLimits{})
	job := f.start(t, "r1", threeLeads[:1])

	l, err := f.mgr.Acquire(ctx, "r1", job.WorkerToken)
	require.NoError(t, err)
	_, err = f.mgr.Pause(ctx, "r1", "u1")
	require.NoError(t, err)

	before := f.trigger.count()
	res, err := f.mgr.Finalize(ctx, l, StepResult{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaused, res.Job.Status)
	assert.Equal(t, 1, res.Job.NextIndex)
	assert.Equal(t, before, f.trigger.count(), "paused jobs are not re-triggered")

	done, err := f.mgr.Resume(ctx, "r1", "u1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)

	_, err = f.mgr.Resume(ctx, "r1", "u1")
	assert.ErrorIs(t, err, models.ErrConflict)
	again, err := f.mgr.Pause(ctx, "r1", "u1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, again.Status)
}

func TestFailReleasesSlot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.QuotaLimits{})
	job := f.start(t, "r1", threeLeads)

	l, err := f.mgr.Acquire(ctx, "r1", job.WorkerToken)
	require.NoError(t, err)
	err = f.mgr.Fail(ctx, l, &models.JobFatalError{Reason: "lead_missing", Err: models.ErrLeadMissing})
	require.ErrorIs(t, err, models.ErrLeadMissing)

	got, err := f.mgr.Get(ctx, "r1", "u1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "lead_missing", got.LastError)

	st, err := f.guard.State(ctx, "o1")
	require.NoError(t, err)
	assert.Empty(t, st.ActiveRunIDs)
	assert.Equal(t, 1, st.FailureStreak)

	restarted, err := f.mgr.Start(ctx, StartRequest{RunID: "r1", UserID: "u1"})
	require.NoError(t, err)
	assert.False(t, restarted.Reused)
	assert.NotEqual(t, job.WorkerToken, restarted.Job.WorkerToken)
}

func TestImportLeadsRejectsActiveRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.QuotaLimits{})
	f.start(t, "r1", threeLeads)

	_, err := f.mgr.ImportLeads(ctx, "u1", "o1", "r1", []models.Lead{{ID: "x"}})
	assert.ErrorIs(t, err, models.ErrConflict)

	_, err = f.mgr.ImportLeads(ctx, "u1", "o1", "r2", []models.Lead{{ID: "a"}, {ID: "a"}})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestBackoff(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := Backoff(base, max, 1)
	assert.GreaterOrEqual(t, b1, base/2)
	assert.LessOrEqual(t, b1, max)

	b3 := Backoff(base, max, 3)
	assert.GreaterOrEqual(t, b3, 2*base)
	assert.LessOrEqual(t, b3, max)

	assert.LessOrEqual(t, Backoff(base, max, 30), max)
	assert.Zero(t, Backoff(0, max, 3))
}
