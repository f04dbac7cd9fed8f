package bmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts Stripe webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "screenme",
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks Stripe webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "screenme",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// ReplayHitsTotal counts duplicate deliveries short-circuited before the
	// reconciler by cache source (memory, redis, store).
	ReplayHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "screenme",
		Subsystem: "billing",
		Name:      "replay_hits_total",
		Help:      "Duplicate webhook deliveries short-circuited, by dedup source.",
	}, []string{"source"})

	// RateLimitedTotal counts requests rejected by the per-IP rate limiter.
	RateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "screenme",
		Subsystem: "billing",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the per-IP rate limiter, by route.",
	}, []string{"route"})

	// PlanTransitionsTotal counts applied plan transitions by resulting plan and status.
	PlanTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "screenme",
		Subsystem: "billing",
		Name:      "plan_transitions_total",
		Help:      "Applied user plan transitions by resulting plan and subscription status.",
	}, []string{"plan", "status"})

	// LedgerEntriesTotal counts billing ledger rows appended by outcome status.
	LedgerEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "screenme",
		Subsystem: "billing",
		Name:      "ledger_entries_total",
		Help:      "Billing ledger entries appended by status.",
	}, []string{"status"})
)
