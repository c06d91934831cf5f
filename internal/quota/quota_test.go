package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lead-run-orchestrator/internal/config"
	"lead-run-orchestrator/internal/models"
	"lead-run-orchestrator/internal/testutil"
)

func newGuard(t *testing.T, limits models.QuotaLimits) (*Guard, *testutil.Env) {
	env := testutil.NewEnv(t)
	return New(env.Store, limits, config.AlertPolicy{FailureStreakThreshold: 2, EscalationWindow: time.Hour}, nil), env
}

func TestClaimQuotaRejectsOverLeadCapWithoutMutation(t *testing.T) {
	ctx := context.Background()
	g, _ := newGuard(t, models.QuotaLimits{MaxRunsPerDay: 10, MaxLeadsPerDay: 100, MaxActiveRuns: 2})

	claim, err := g.ClaimQuota(ctx, "o1", 80)
	require.NoError(t, err)
	assert.Equal(t, 80, claim.LeadsUsed)
	assert.Equal(t, 1, claim.RunsUsed)

	_, err = g.ClaimQuota(ctx, "o1", 21)
	require.ErrorIs(t, err, models.ErrRateLimited)

	st, err := g.State(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, 80, st.LeadsUsed)
	assert.Equal(t, 1, st.RunsUsed)
}

func TestClaimQuotaRunCapAndWindowRollover(t *testing.T) {
	ctx := context.Background()
	g, env := newGuard(t, models.QuotaLimits{MaxRunsPerDay: 1, MaxLeadsPerDay: 100})

	_, err := g.ClaimQuota(ctx, "o1", 5)
	require.NoError(t, err)
	_, err = g.ClaimQuota(ctx, "o1", 5)
	var rl *models.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, "runs_per_day", rl.Limit)

	env.Clock.Advance(24 * time.Hour)
	claim, err := g.ClaimQuota(ctx, "o1", 5)
	require.NoError(t, err)
	assert.Equal(t, 1, claim.RunsUsed)
	assert.Equal(t, 5, claim.LeadsUsed)
	assert.Equal(t, WindowKey(env.Clock.Now()), claim.WindowKey)
}

func TestClaimQuotaIsPerOrganization(t *testing.T) {
	ctx := context.Background()
	g, _ := newGuard(t, models.QuotaLimits{MaxRunsPerDay: 1, MaxLeadsPerDay: 10})

	_, err := g.ClaimQuota(ctx, "o1", 10)
	require.NoError(t, err)
	_, err = g.ClaimQuota(ctx, "o2", 10)
	require.NoError(t, err)
}

func TestClaimQuotaConcurrentStartsRespectCap(t *testing.T) {
	ctx := context.Background()
	g, _ := newGuard(t, models.QuotaLimits{MaxRunsPerDay: 3, MaxLeadsPerDay: 1000})

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.ClaimQuota(ctx, "o1", 1); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, granted)
	st, err := g.State(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, 3, st.RunsUsed)
}

func TestConcurrencySlots(t *testing.T) {
	ctx := context.Background()
	g, _ := newGuard(t, models.QuotaLimits{MaxActiveRuns: 2})

	require.NoError(t, g.AcquireSlot(ctx, "o1", "r1"))
	require.NoError(t, g.AcquireSlot(ctx, "o1", "r1"), "re-acquire is idempotent")
	require.NoError(t, g.AcquireSlot(ctx, "o1", "r2"))
	require.ErrorIs(t, g.AcquireSlot(ctx, "o1", "r3"), models.ErrRateLimited)

	require.NoError(t, g.ReleaseSlot(ctx, "o1", "r1"))
	require.NoError(t, g.ReleaseSlot(ctx, "o1", "r1"))
	require.NoError(t, g.ReleaseSlot(ctx, "o9", "r1"))

	st, err := g.State(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, []string{"r2"}, st.ActiveRunIDs)

	require.NoError(t, g.AcquireSlot(ctx, "o1", "r3"))
}

func TestLimitOverrides(t *testing.T) {
	ctx := context.Background()
	g, _ := newGuard(t, models.QuotaLimits{MaxRunsPerDay: 1, MaxLeadsPerDay: 10, MaxActiveRuns: 1})

	require.NoError(t, g.SetLimits(ctx, "o1", models.QuotaLimits{MaxRunsPerDay: 5}))
	for i := 0; i < 5; i++ {
		_, err := g.ClaimQuota(ctx, "o1", 1)
		require.NoError(t, err)
	}
	st, err := g.State(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, 5, st.Limits.MaxRunsPerDay)
	assert.Equal(t, 10, st.Limits.MaxLeadsPerDay)
}

func TestRecordOutcomeRaisesAlertOncePerRun(t *testing.T) {
	ctx := context.Background()
	g, _ := newGuard(t, models.QuotaLimits{})

	alert, err := g.RecordOutcome(ctx, Outcome{OrgID: "o1", RunID: "r1", Failed: true, Reason: "all_leads_failed"})
	require.NoError(t, err)
	assert.Nil(t, alert)

	alert, err = g.RecordOutcome(ctx, Outcome{OrgID: "o1", RunID: "r2", Failed: true, Reason: "all_leads_failed"})
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.Equal(t, 2, alert.Streak)
	assert.Equal(t, models.SeverityWarning, alert.Severity)

	again, err := g.RecordOutcome(ctx, Outcome{OrgID: "o1", RunID: "r2", Failed: true})
	require.NoError(t, err)
	assert.Nil(t, again)

	alerts, err := g.ListAlerts(ctx, "o1", 0)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)

	_, err = g.RecordOutcome(ctx, Outcome{OrgID: "o1", RunID: "r3"})
	require.NoError(t, err)
	st, err := g.State(ctx, "o1")
	require.NoError(t, err)
	assert.Zero(t, st.FailureStreak)
}

func TestEscalateOpenAlerts(t *testing.T) {
	ctx := context.Background()
	g, env := newGuard(t, models.QuotaLimits{})

	for _, run := range []string{"r1", "r2", "r3"} {
		_, err := g.RecordOutcome(ctx, Outcome{OrgID: "o1", RunID: run, Failed: true})
		require.NoError(t, err)
	}
	_, err := g.AcknowledgeAlert(ctx, "o1", AlertID("r3"), "ops")
	require.NoError(t, err)

	n, err := g.EscalateOpenAlerts(ctx, "o1")
	require.NoError(t, err)
	assert.Zero(t, n, "alerts younger than the window stay put")

	env.Clock.Advance(2 * time.Hour)
	n, err = g.EscalateOpenAlerts(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = g.EscalateOpenAlerts(ctx, "o1")
	require.NoError(t, err)
	assert.Zero(t, n)

	alerts, err := g.ListAlerts(ctx, "o1", 0)
	require.NoError(t, err)
	for _, a := range alerts {
		if a.ID == AlertID("r2") {
			assert.Equal(t, models.SeverityCritical, a.Severity)
			assert.False(t, a.EscalatedAt.IsZero())
		}
	}
}

func TestAcknowledgeMissingAlert(t *testing.T) {
	g, _ := newGuard(t, models.QuotaLimits{})
	_, err := g.AcknowledgeAlert(context.Background(), "o1", "nope", "ops")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestOrgs(t *testing.T) {
	ctx := context.Background()
	g, _ := newGuard(t, models.QuotaLimits{})
	require.NoError(t, g.AcquireSlot(ctx, "b-org", "r1"))
	require.NoError(t, g.AcquireSlot(ctx, "a-org", "r1"))

	orgs, err := g.Orgs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a-org", "b-org"}, orgs)
}
