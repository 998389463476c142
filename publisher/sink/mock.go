package sink

import (
	"sync"

	"github.com/stoatdb/stoat/publisher"
)

// MockSink records published messages for tests.
type MockSink struct {
	mu       sync.Mutex
	Messages []MockMessage
	FailWith error
}

// MockMessage is one captured publish call.
type MockMessage struct {
	Topic string
	Key   string
	Value []byte
}

var _ publisher.Sink = (*MockSink)(nil)

func (m *MockSink) Publish(topic, key string, value []byte) error {
	if m.FailWith != nil {
		return m.FailWith
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = append(m.Messages, MockMessage{Topic: topic, Key: key, Value: value})
	return nil
}

func (m *MockSink) Close() error { return nil }

// Published returns a copy of the captured messages.
func (m *MockSink) Published() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockMessage, len(m.Messages))
	copy(out, m.Messages)
	return out
}
