package analytics

import (
	"context"
	"sync"

	"github.com/brokeratlas/marketplace/internal/models"
)

var _ Sink = (*MockSink)(nil)

// MockSink records events in memory so tests can assert what reached the
// analytics pipeline. FailNext makes the next call return an error.
type MockSink struct {
	mu          sync.Mutex
	Impressions []models.ImpressionEvent
	Clicks      []models.ClickEvent
	FailNext    error
}

func NewMockSink() *MockSink {
	return &MockSink{}
}

func (m *MockSink) RecordImpression(_ context.Context, ev models.ImpressionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailNext; err != nil {
		m.FailNext = nil
		return err
	}
	m.Impressions = append(m.Impressions, ev)
	return nil
}

func (m *MockSink) RecordClick(_ context.Context, ev models.ClickEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailNext; err != nil {
		m.FailNext = nil
		return err
	}
	m.Clicks = append(m.Clicks, ev)
	return nil
}

// ImpressionCount returns the number of recorded impressions.
func (m *MockSink) ImpressionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Impressions)
}

// ClickCount returns the number of recorded clicks.
func (m *MockSink) ClickCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Clicks)
}
