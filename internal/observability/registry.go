package observability

import "time"

// MetricsRegistry provides an interface for recording application metrics.
// Components receive it by injection so tests can swap in a no-op or mock
// implementation without touching global Prometheus state.
type MetricsRegistry interface {
	// HTTP request metrics
	IncrementRequests(endpoint, method, status string)
	RecordRequestLatency(endpoint, method string, duration time.Duration)

	// Allocation metrics
	IncrementEmptyAllocations()

	// Event tracking metrics
	IncrementEvent(eventType string)
	IncrementClickOutcome(outcome string)
	IncrementImpressionsDropped()

	// Money metrics
	SetCampaignSpend(campaign string, cents int64)
	SetWalletBalance(broker string, cents int64)
	IncrementReconciliationRequired()

	// Rate limiting metrics
	IncrementRateLimitRequests(scope string)
	IncrementRateLimitHits(scope string)
}

// PrometheusRegistry implements MetricsRegistry backed by the package-level
// Prometheus collectors.
type PrometheusRegistry struct{}

// NewPrometheusRegistry creates a registry and registers all collectors.
func NewPrometheusRegistry() *PrometheusRegistry {
	RegisterMetrics()
	return &PrometheusRegistry{}
}

func (p *PrometheusRegistry) IncrementRequests(endpoint, method, status string) {
	RequestCount.WithLabelValues(endpoint, method, status).Inc()
}

func (p *PrometheusRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {
	RequestLatency.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

func (p *PrometheusRegistry) IncrementEmptyAllocations() {
	EmptyAllocationCount.Inc()
}

func (p *PrometheusRegistry) IncrementEvent(eventType string) {
	EventCount.WithLabelValues(eventType).Inc()
}

func (p *PrometheusRegistry) IncrementClickOutcome(outcome string) {
	ClickOutcomeCount.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRegistry) IncrementImpressionsDropped() {
	ImpressionDropCount.Inc()
}

func (p *PrometheusRegistry) SetCampaignSpend(campaign string, cents int64) {
	SpendTotal.WithLabelValues(campaign).Set(float64(cents))
}

func (p *PrometheusRegistry) SetWalletBalance(broker string, cents int64) {
	WalletBalance.WithLabelValues(broker).Set(float64(cents))
}

func (p *PrometheusRegistry) IncrementReconciliationRequired() {
	ReconciliationCount.Inc()
}

func (p *PrometheusRegistry) IncrementRateLimitRequests(scope string) {
	RateLimitRequests.WithLabelValues(scope).Inc()
}

func (p *PrometheusRegistry) IncrementRateLimitHits(scope string) {
	RateLimitHits.WithLabelValues(scope).Inc()
}

// NoOpRegistry implements MetricsRegistry without recording anything. Used
// when metrics are disabled and as a base for tests.
type NoOpRegistry struct{}

// NewNoOpRegistry creates a no-op metrics registry.
func NewNoOpRegistry() *NoOpRegistry { return &NoOpRegistry{} }

func (n *NoOpRegistry) IncrementRequests(endpoint, method, status string)                    {}
func (n *NoOpRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}
func (n *NoOpRegistry) IncrementEmptyAllocations()                                           {}
func (n *NoOpRegistry) IncrementEvent(eventType string)                                      {}
func (n *NoOpRegistry) IncrementClickOutcome(outcome string)                                 {}
func (n *NoOpRegistry) IncrementImpressionsDropped()                                         {}
func (n *NoOpRegistry) SetCampaignSpend(campaign string, cents int64)                        {}
func (n *NoOpRegistry) SetWalletBalance(broker string, cents int64)                          {}
func (n *NoOpRegistry) IncrementReconciliationRequired()                                     {}
func (n *NoOpRegistry) IncrementRateLimitRequests(scope string)                              {}
func (n *NoOpRegistry) IncrementRateLimitHits(scope string)                                  {}
