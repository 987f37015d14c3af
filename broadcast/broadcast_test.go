package broadcast

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minahq/tether/cfg"
)

func TestWorkspaceSubject(t *testing.T) {
	assert.Equal(t, "tether.reconcile.ws.7", WorkspaceSubject("tether.reconcile", 7))
	assert.Equal(t, "ws.42", WorkspaceSubject("", 42))
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := &Envelope{
		EventID:     NewEventID(),
		EventType:   EventReconciliation,
		WorkspaceID: 7,
		Sequence:    3,
		TempID:      "temp_1712345678901_0042_a1b2c3d4e5f6",
		RealID:      1001,
		EntityType:  "task",
		UserID:      99,
		SenderTab:   "tab-1",
		Payload:     map[string]interface{}{"title": "hello"},
		EmittedAt:   time.Now().UnixMilli(),
		NodeID:      12345,
	}

	data, err := EncodeEnvelope(env)
	require.NoError(t, err)

	got, err := DecodeEnvelope(data)
	require.NoError(t, err)

	assert.Equal(t, env.EventID, got.EventID)
	assert.Equal(t, env.TempID, got.TempID)
	assert.Equal(t, env.RealID, got.RealID)
	assert.Equal(t, env.WorkspaceID, got.WorkspaceID)
	assert.Equal(t, "hello", got.Payload["title"])
}

func TestDecodeEnvelope_Garbage(t *testing.T) {
	_, err := DecodeEnvelope([]byte{0xde, 0xad, 0xbe, 0xef})
	assert.Error(t, err)
}

func TestNewEventID_UniqueAndOrdered(t *testing.T) {
	a := NewEventID()
	b := NewEventID()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 26)
}

func TestRegistry_MockSink(t *testing.T) {
	sink, err := NewSink(cfg.SinkConfiguration{Type: "mock"})
	require.NoError(t, err)
	defer sink.Close()

	_, ok := sink.(*MockSink)
	assert.True(t, ok)
}

func TestRegistry_UnknownType(t *testing.T) {
	_, err := NewSink(cfg.SinkConfiguration{Type: "carrier-pigeon"})
	assert.ErrorContains(t, err, "unknown sink type")
}

func TestMockSink_RecordsAndFails(t *testing.T) {
	sink := NewMockSink()
	boom := errors.New("broker down")

	sink.FailFirst(2, boom)

	assert.ErrorIs(t, sink.Emit("s", "k", []byte("one")), boom)
	assert.ErrorIs(t, sink.Emit("s", "k", []byte("two")), boom)
	require.NoError(t, sink.Emit("s", "k", []byte("three")))

	msgs := sink.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("three"), msgs[0].Payload)
	assert.Equal(t, 3, sink.Attempts())
}

type capturingHandler struct {
	envelopes []*Envelope
}

func (c *capturingHandler) HandleEnvelope(env *Envelope) {
	c.envelopes = append(c.envelopes, env)
}

func TestLocalSink_Loopback(t *testing.T) {
	handler := &capturingHandler{}
	sink := NewLocalSink(handler)

	env := &Envelope{EventID: NewEventID(), EventType: EventReconciliation, WorkspaceID: 3}
	data, err := EncodeEnvelope(env)
	require.NoError(t, err)

	require.NoError(t, sink.Emit("tether.reconcile.ws.3", "temp_x", data))

	require.Len(t, handler.envelopes, 1)
	assert.Equal(t, env.EventID, handler.envelopes[0].EventID)
}

func TestLocalSink_BadPayload(t *testing.T) {
	sink := NewLocalSink(&capturingHandler{})
	assert.Error(t, sink.Emit("s", "k", []byte{0x00, 0x01}))
}

func TestBreakerSink_OpensAfterConsecutiveFailures(t *testing.T) {
	inner := NewMockSink()
	inner.SetEmitError(errors.New("broker down"))

	breaker := NewBreakerSink(inner, 3, time.Minute)

	for i := 0; i < 3; i++ {
		err := breaker.Emit("s", "k", []byte("x"))
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrBreakerOpen)
	}

	// Breaker tripped: calls now fail fast without reaching the sink
	err := breaker.Emit("s", "k", []byte("x"))
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.Equal(t, 3, inner.Attempts())
}

func TestBreakerSink_PassThroughOnSuccess(t *testing.T) {
	inner := NewMockSink()
	breaker := NewBreakerSink(inner, 3, time.Minute)

	require.NoError(t, breaker.Emit("s", "k", []byte("ok")))
	require.Len(t, inner.Messages(), 1)
}

func TestSanitizeStreamName(t *testing.T) {
	assert.Equal(t, "tether_reconcile_ws_7", sanitizeStreamName("tether.reconcile.ws.7"))
}
