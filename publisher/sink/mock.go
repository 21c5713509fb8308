package sink

import "sync"

// MockTransport records published messages for tests
type MockTransport struct {
	Messages   []MockMessage
	PublishErr error
	mu         sync.Mutex
}

// MockMessage is one published message
type MockMessage struct {
	Topic string
	Key   string
	Value []byte
}

// Publish records a message, or fails with PublishErr when set
func (m *MockTransport) Publish(topic, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.Messages = append(m.Messages, MockMessage{Topic: topic, Key: key, Value: value})
	return nil
}

// Snapshot returns a copy of the recorded messages
func (m *MockTransport) Snapshot() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockMessage(nil), m.Messages...)
}

// Close is a no-op
func (m *MockTransport) Close() error {
	return nil
}

// Reset clears all recorded messages
func (m *MockTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = nil
}
