package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lead-run-orchestrator/internal/config"
	"lead-run-orchestrator/internal/followup"
	"lead-run-orchestrator/internal/models"
	"lead-run-orchestrator/internal/quota"
	"lead-run-orchestrator/internal/testutil"
)

type countingFollowups struct {
	mu    sync.Mutex
	calls []followup.ProcessOptions
}

func (c *countingFollowups) ProcessDue(_ context.Context, opts followup.ProcessOptions) (followup.ProcessResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, opts)
	return followup.ProcessResult{Claimed: 1, Completed: 1}, nil
}

type flakyAlerts struct {
	orgs []string
	fail string
}

func (f flakyAlerts) Orgs(context.Context) ([]string, error) { return f.orgs, nil }

func (f flakyAlerts) EscalateOpenAlerts(_ context.Context, org string) (int, error) {
	if org == f.fail {
		return 0, errors.New("store unavailable")
	}
	return 1, nil
}

func TestNewRejectsBadSpecs(t *testing.T) {
	_, err := New(Config{Followups: &countingFollowups{}, FollowupSpec: "every minute"})
	require.Error(t, err)
	_, err = New(Config{Alerts: flakyAlerts{}, EscalationSpec: "* * * * * *"})
	require.Error(t, err, "seconds field is not accepted")

	s, err := New(Config{FollowupSpec: "*/5 * * * *"})
	require.NoError(t, err, "jobs without a dependency are not registered")
	assert.Empty(t, s.cron.Entries())
}

func TestNextRun(t *testing.T) {
	next, err := NextRun("*/10 * * * *", testutil.Epoch.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, testutil.Epoch.Add(10*time.Minute), next)
}

func TestDrainFollowupsUsesBatchSize(t *testing.T) {
	f := &countingFollowups{}
	s, err := New(Config{Followups: f, BatchSize: 25})
	require.NoError(t, err)

	res, err := s.DrainFollowups(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
	require.Len(t, f.calls, 1)
	assert.Equal(t, followup.ProcessOptions{Limit: 25}, f.calls[0])
}

func TestEscalateAlertsContinuesPastFailures(t *testing.T) {
	s, err := New(Config{Alerts: flakyAlerts{orgs: []string{"o1", "o2", "o3"}, fail: "o2"}})
	require.NoError(t, err)

	n, err := s.EscalateAlerts(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 2, n)
}

func TestEscalateAlertsAcrossOrgs(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	guard := quota.New(env.Store, models.QuotaLimits{}, config.AlertPolicy{FailureStreakThreshold: 2, EscalationWindow: time.Hour}, nil)
	for _, org := range []string{"o1", "o2"} {
		for _, run := range []string{"r1", "r2"} {
			_, err := guard.RecordOutcome(ctx, quota.Outcome{OrgID: org, RunID: org + run, Failed: true, Reason: "all_leads_failed"})
			require.NoError(t, err)
		}
	}
	_, err := guard.AcknowledgeAlert(ctx, "o2", quota.AlertID("o2r2"), "ops")
	require.NoError(t, err)

	s, err := New(Config{Alerts: guard})
	require.NoError(t, err)

	n, err := s.EscalateAlerts(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "alerts inside the window stay open")

	env.Clock.Advance(61 * time.Minute)
	n, err = s.EscalateAlerts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "acknowledged alerts are not escalated")

	alerts, err := guard.ListAlerts(ctx, "o1", 0)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.SeverityCritical, alerts[0].Severity)
}

func TestStartRunsRegisteredJobs(t *testing.T) {
	f := &countingFollowups{}
	s, err := New(Config{Followups: f, FollowupSpec: "* * * * *"})
	require.NoError(t, err)
	require.Len(t, s.cron.Entries(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	next := s.cron.Entries()[0].Next
	assert.False(t, next.IsZero())
	assert.Zero(t, next.Second())
	s.Stop()
}
