package observability

import (
	"sync"
	"time"
)

// MockMetricsRegistry is a MetricsRegistry for tests that counts calls so
// assertions can verify which metrics a code path touched.
type MockMetricsRegistry struct {
	mu sync.Mutex

	Requests       map[string]int // endpoint|method|status -> count
	ClickOutcomes  map[string]int
	Events         map[string]int
	RateLimitHit   map[string]int
	Reconciliation int
	EmptyAlloc     int
	Dropped        int
}

// NewMockMetricsRegistry creates an empty mock registry.
func NewMockMetricsRegistry() *MockMetricsRegistry {
	return &MockMetricsRegistry{
		Requests:      make(map[string]int),
		ClickOutcomes: make(map[string]int),
		Events:        make(map[string]int),
		RateLimitHit:  make(map[string]int),
	}
}

func (m *MockMetricsRegistry) IncrementRequests(endpoint, method, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests[endpoint+"|"+method+"|"+status]++
}

func (m *MockMetricsRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}

func (m *MockMetricsRegistry) IncrementEmptyAllocations() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EmptyAlloc++
}

func (m *MockMetricsRegistry) IncrementEvent(eventType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events[eventType]++
}

func (m *MockMetricsRegistry) IncrementClickOutcome(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ClickOutcomes[outcome]++
}

func (m *MockMetricsRegistry) IncrementImpressionsDropped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Dropped++
}

func (m *MockMetricsRegistry) SetCampaignSpend(campaign string, cents int64) {}
func (m *MockMetricsRegistry) SetWalletBalance(broker string, cents int64)   {}

func (m *MockMetricsRegistry) IncrementReconciliationRequired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Reconciliation++
}

func (m *MockMetricsRegistry) IncrementRateLimitRequests(scope string) {}

func (m *MockMetricsRegistry) IncrementRateLimitHits(scope string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RateLimitHit[scope]++
}

// ClickOutcome returns the recorded count for a click outcome label.
func (m *MockMetricsRegistry) ClickOutcome(outcome string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ClickOutcomes[outcome]
}
