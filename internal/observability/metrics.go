package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "blood_link", Name: "match_runs_total", Help: "Total candidate-search runs"})
	CandidatesConsidered = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "blood_link", Name: "candidates_considered", Help: "Candidates considered per match run",
		Buckets: []float64{0, 1, 2, 5, 10, 20, 50}})
	CandidatesDroppedIneligible = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "blood_link", Name: "candidates_dropped_ineligible_total", Help: "Candidates excluded by the eligibility check"})

	VisibilityDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "blood_link", Name: "visibility_decisions_total", Help: "Visibility decisions by reason"},
		[]string{"reason"},
	)

	LockAcquired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "blood_link", Name: "locks_acquired_total", Help: "Request locks granted"})
	LockConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "blood_link", Name: "lock_conflicts_total", Help: "Lock acquisitions rejected because another donor holds the lock"})

	FallbackStageRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "blood_link", Name: "fallback_stage_runs_total", Help: "Fallback stage executions by stage and outcome"},
		[]string{"stage", "outcome"},
	)
	FallbackSweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "blood_link", Name: "fallback_sweep_duration_seconds", Help: "Full-sweep wall time",
		Buckets: prometheus.DefBuckets})
	RequestsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "blood_link", Name: "requests_expired_total", Help: "Requests transitioned pending to expired"})

	DonorUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "blood_link", Name: "donor_updates_total", Help: "Donor location/availability updates ingested"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "blood_link", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "blood_link",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
