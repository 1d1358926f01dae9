package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// total requests per endpoint, method and status code
	RequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketplace_requests_total",
			Help: "Total API requests received",
		},
		[]string{"endpoint", "method", "status"},
	)

	// request latency in seconds per endpoint/method
	RequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marketplace_request_duration_seconds",
			Help:    "Histogram of request latencies",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)

	// allocation requests that returned no winners
	EmptyAllocationCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marketplace_allocation_empty_total",
			Help: "Total allocation responses with no winners",
		},
	)

	// events recorded, labelled by type (impression, click)
	EventCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketplace_events_total",
			Help: "Total events recorded",
		},
		[]string{"type"},
	)

	// click billing outcomes: billed, insufficient_funds, duplicate, error
	ClickOutcomeCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketplace_click_outcomes_total",
			Help: "Total click billing outcomes",
		},
		[]string{"outcome"},
	)

	// billed spend tracked per campaign, in cents
	SpendTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marketplace_campaign_spend_cents",
			Help: "Cumulative billed spend per campaign",
		},
		[]string{"campaign"},
	)

	// wallet balance per broker, in cents
	WalletBalance = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marketplace_wallet_balance_cents",
			Help: "Wallet balance per broker",
		},
		[]string{"broker"},
	)

	// clicks billed against the wallet whose spend increment failed
	ReconciliationCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marketplace_reconciliation_required_total",
			Help: "Total billed clicks flagged for reconciliation",
		},
	)

	// rate limiter activity per protected endpoint
	RateLimitRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketplace_ratelimit_requests_total",
			Help: "Total requests checked by the rate limiter",
		},
		[]string{"scope"},
	)
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketplace_ratelimit_hits_total",
			Help: "Total requests rejected by the rate limiter",
		},
		[]string{"scope"},
	)

	// dropped impression events when the recording queue is full
	ImpressionDropCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marketplace_impressions_dropped_total",
			Help: "Total impressions dropped due to a full queue",
		},
	)
)

// RegisterMetrics registers all marketplace metrics with the default
// Prometheus registry. Safe to call once at startup.
func RegisterMetrics() {
	prometheus.MustRegister(
		RequestCount,
		RequestLatency,
		EmptyAllocationCount,
		EventCount,
		ClickOutcomeCount,
		SpendTotal,
		WalletBalance,
		ReconciliationCount,
		RateLimitRequests,
		RateLimitHits,
		ImpressionDropCount,
	)
}
