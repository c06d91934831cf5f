package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	RunsStarted        = prometheus.NewCounter(prometheus.CounterOpts{Name: "leadrun_runs_started_total", Help: "Lead run jobs created"})
	RunsFinished       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "leadrun_runs_finished_total", Help: "Lead run jobs reaching a terminal status"}, []string{"status"})
	LeadsProcessed     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "leadrun_leads_total", Help: "Lead steps by outcome"}, []string{"outcome"})
	ChannelOutcomes    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "leadrun_actions_total", Help: "Action receipts written"}, []string{"action", "status"})
	StepSkips          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "leadrun_step_skips_total", Help: "Worker steps that did not claim a lease"}, []string{"reason"})
	IdempotencyReplays = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "leadrun_idempotency_replays_total", Help: "Side effects answered from the ledger"}, []string{"route"})
	QuotaRejects       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "leadrun_quota_rejects_total", Help: "Run starts rejected by quota or concurrency caps"}, []string{"limit"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "leadrun_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	AlertsRaised       = prometheus.NewCounter(prometheus.CounterOpts{Name: "leadrun_alerts_raised_total", Help: "Failure streak alerts raised"})
	AlertsEscalated    = prometheus.NewCounter(prometheus.CounterOpts{Name: "leadrun_alerts_escalated_total", Help: "Alerts escalated after the escalation window"})
	FollowupsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "leadrun_followups_total", Help: "Follow-up tasks by terminal status"}, []string{"status"})
	QueueDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "leadrun_queue_depth", Help: "Ready dispatches waiting in the work queue"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "leadrun_steps_inflight", Help: "Worker steps currently executing"})
	MaintenanceRuns    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "leadrun_maintenance_runs_total", Help: "Scheduled maintenance executions"}, []string{"job", "result"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			RunsStarted,
			RunsFinished,
			LeadsProcessed,
			ChannelOutcomes,
			StepSkips,
			IdempotencyReplays,
			QuotaRejects,
			RateLimitRejects,
			AlertsRaised,
			AlertsEscalated,
			FollowupsProcessed,
			QueueDepthGauge,
			InFlightGauge,
			MaintenanceRuns,
		)
	})
	return promhttp.Handler()
}
