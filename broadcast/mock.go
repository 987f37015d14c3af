package broadcast

import (
	"sync"

	"github.com/minahq/tether/cfg"
)

func init() {
	RegisterSink("mock", func(cfg.SinkConfiguration) (Sink, error) {
		return NewMockSink(), nil
	})
}

// MockMessage captures a single Emit call.
type MockMessage struct {
	Subject string
	Key     string
	Payload []byte
}

// MockSink records emitted messages for assertions in tests. FailFirst
// makes the first N emissions fail, which is how retry and breaker
// behavior gets exercised.
type MockSink struct {
	mu        sync.Mutex
	messages  []MockMessage
	emitErr   error
	failFirst int
	attempts  int
	closed    bool
}

// NewMockSink creates a MockSink.
func NewMockSink() *MockSink {
	return &MockSink{}
}

// SetEmitError makes every subsequent Emit return err (nil clears it).
func (m *MockSink) SetEmitError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitErr = err
}

// FailFirst makes the next n Emit calls return err, then succeed.
func (m *MockSink) FailFirst(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFirst = n
	m.emitErr = err
}

// Emit records the message, or fails per the configured error mode.
func (m *MockSink) Emit(subject, key string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.attempts++
	if m.emitErr != nil {
		if m.failFirst == 0 {
			return m.emitErr
		}
		if m.attempts <= m.failFirst {
			return m.emitErr
		}
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)
	m.messages = append(m.messages, MockMessage{Subject: subject, Key: key, Payload: buf})
	return nil
}

// Close marks the sink closed.
func (m *MockSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Messages returns a copy of everything recorded so far.
func (m *MockSink) Messages() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockMessage, len(m.messages))
	copy(out, m.messages)
	return out
}

// Attempts returns how many times Emit was called, including failures.
func (m *MockSink) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Closed reports whether Close was called.
func (m *MockSink) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
