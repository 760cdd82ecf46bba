// Package metrics declares the Prometheus collectors exported by steward.
//
// Collectors register with the default registry, which the trigger server
// exposes on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cycle outcomes.
const (
	OutcomeSuccess    = "success"
	OutcomeFailed     = "failed"
	OutcomeRolledBack = "rolled_back"
	OutcomeNoChange   = "no_change"
)

var (
	// CyclesTotal counts finished cycles by kind and outcome.
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "steward",
		Name:      "cycles_total",
		Help:      "Finished maintenance cycles by kind and outcome.",
	}, []string{"kind", "outcome"})

	// StageDuration observes how long each cycle stage took.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "steward",
		Name:      "stage_duration_seconds",
		Help:      "Duration of cycle stages.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 4, 10), // 50ms to ~3.6h
	}, []string{"stage"})

	// RollbacksTotal counts rollbacks by strategy.
	RollbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "steward",
		Name:      "rollbacks_total",
		Help:      "Rollbacks performed after failed health checks.",
	}, []string{"strategy"})

	// PatchDiffsTotal counts diffs handled by the patch safety gate.
	PatchDiffsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "steward",
		Name:      "patch_diffs_total",
		Help:      "Diffs seen by the patch safety gate by result.",
	}, []string{"result"})

	// ProposalRequestsTotal counts AI proposal requests by backend and parse outcome.
	ProposalRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "steward",
		Name:      "proposal_requests_total",
		Help:      "AI proposal requests by backend and outcome.",
	}, []string{"backend", "outcome"})

	// QueueJobsTotal counts queue jobs by result.
	QueueJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "steward",
		Name:      "queue_jobs_total",
		Help:      "Queue jobs handled by result.",
	}, []string{"result"})

	// ProposalsStoredTotal counts persisted proposals.
	ProposalsStoredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "steward",
		Name:      "proposals_stored_total",
		Help:      "Proposals persisted for deferred application.",
	})

	// LastGoodTimestamp is the unix time the last-good revision was updated.
	LastGoodTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "steward",
		Name:      "last_good_timestamp_seconds",
		Help:      "Unix time of the last fully successful cycle.",
	})

	// TriggerRequestsTotal counts trigger surface requests by route and status code.
	TriggerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "steward",
		Name:      "trigger_requests_total",
		Help:      "HTTP trigger requests by route and status.",
	}, []string{"route", "code"})
)
