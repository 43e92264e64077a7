package sink

import "sync"

// MockSink records published messages for tests.
type MockSink struct {
	PublishErr error
	mu         sync.Mutex
	messages   []MockMessage
}

// MockMessage is one recorded publish.
type MockMessage struct {
	Topic string
	Key   string
	Value []byte
}

// Publish records a message for later inspection.
func (m *MockSink) Publish(topic, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishErr != nil {
		return m.PublishErr
	}

	m.messages = append(m.messages, MockMessage{Topic: topic, Key: key, Value: value})
	return nil
}

// Close is a no-op for MockSink.
func (m *MockSink) Close() error { return nil }

// Messages returns a copy of everything published so far.
func (m *MockSink) Messages() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockMessage(nil), m.messages...)
}

// SetError makes subsequent publishes fail with err.
func (m *MockSink) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PublishErr = err
}

// Reset clears all recorded messages.
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
}
