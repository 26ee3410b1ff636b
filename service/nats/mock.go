package nats

import (
	"context"
	"strings"
	"sync"
)

// MockPublisher is a mock implementation of Publisher for testing.
type MockPublisher struct {
	mu            sync.RWMutex
	recordEvents  []*RecordEvent
	balanceEvents []*BalanceEvent
	publishError  error
	closed        bool
}

// NewMockPublisher creates a new mock publisher for testing.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

// PublishRecord records the event and returns any configured error.
func (m *MockPublisher) PublishRecord(ctx context.Context, event *RecordEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}
	m.recordEvents = append(m.recordEvents, event)
	return nil
}

// PublishBalance records the event and returns any configured error.
func (m *MockPublisher) PublishBalance(ctx context.Context, event *BalanceEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}
	m.balanceEvents = append(m.balanceEvents, event)
	return nil
}

// Close marks the publisher as closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// RecordEvents returns a copy of all published record events.
func (m *MockPublisher) RecordEvents() []*RecordEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*RecordEvent, len(m.recordEvents))
	copy(events, m.recordEvents)
	return events
}

// RecordEventsFor returns the record events of one sender.
func (m *MockPublisher) RecordEventsFor(address string) []*RecordEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var events []*RecordEvent
	for _, event := range m.recordEvents {
		if strings.EqualFold(event.From, address) {
			events = append(events, event)
		}
	}
	return events
}

// BalanceEvents returns a copy of all published balance events.
func (m *MockPublisher) BalanceEvents() []*BalanceEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*BalanceEvent, len(m.balanceEvents))
	copy(events, m.balanceEvents)
	return events
}

// SetPublishError configures the mock to fail every publish.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

// Reset clears all published events and errors.
func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordEvents = nil
	m.balanceEvents = nil
	m.publishError = nil
	m.closed = false
}

// IsClosed returns whether the publisher has been closed.
func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
