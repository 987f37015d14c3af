package broadcast

import (
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/minahq/tether/encoding"
)

// Well-known event types carried on workspace subjects.
const (
	EventReconciliation = "reconciliation"
	EventStateChange    = "state_change"
)

// Envelope is the wire unit delivered to every subscriber of a workspace
// channel. Payload is an opaque structured blob; Sequence is the
// per-workspace total order assigned by the sequence counter.
type Envelope struct {
	EventID     string                 `msgpack:"id"`     // ULID, unique per emission
	EventType   string                 `msgpack:"type"`   // e.g. "reconciliation"
	WorkspaceID int64                  `msgpack:"ws"`     // Target workspace channel
	Sequence    int64                  `msgpack:"seq"`    // Per-workspace order, 0 if unsequenced
	TempID      string                 `msgpack:"temp"`   // Temporary ID being reconciled (if any)
	RealID      int64                  `msgpack:"real"`   // Authoritative ID (if any)
	EntityType  string                 `msgpack:"entity"` // Entity kind the IDs name
	UserID      int64                  `msgpack:"user"`   // Acting user
	SenderTab   string                 `msgpack:"tab"`    // Originating client/tab, excluded from fan-out
	Payload     map[string]interface{} `msgpack:"data"`   // Free-form event data
	EmittedAt   int64                  `msgpack:"ts"`     // Unix ms at emission
	NodeID      uint64                 `msgpack:"node"`   // Emitting server process
}

// NewEventID returns a unique, time-ordered event identifier.
// ulid.Make is safe for concurrent use.
func NewEventID() string {
	return ulid.Make().String()
}

// EncodeEnvelope serializes an envelope for transport.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	data, err := encoding.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope deserializes a transported envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := encoding.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return &env, nil
}

// Sink is a destination transport for workspace events (NATS, Kafka, or
// the in-process loopback).
type Sink interface {
	// Emit sends an encoded envelope to the given subject. key is a
	// routing hint (temp ID when reconciling) so transports that
	// partition by key keep an entity's events ordered.
	Emit(subject, key string, payload []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// WorkspaceSubject builds the per-workspace subject under a topic prefix.
func WorkspaceSubject(prefix string, workspaceID int64) string {
	if prefix == "" {
		return fmt.Sprintf("ws.%d", workspaceID)
	}
	return fmt.Sprintf("%s.ws.%d", prefix, workspaceID)
}
