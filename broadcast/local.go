package broadcast

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// EnvelopeHandler receives decoded envelopes from the local sink.
// The channel service implements this to fan events out to connected
// tabs without any external broker.
type EnvelopeHandler interface {
	HandleEnvelope(env *Envelope)
}

// LocalSink is an in-process loopback transport: emitted envelopes are
// decoded and handed straight to the channel service. This is the
// single-node deployment mode; no broker required.
type LocalSink struct {
	handler EnvelopeHandler
}

// NewLocalSink creates a loopback sink delivering into handler.
func NewLocalSink(handler EnvelopeHandler) *LocalSink {
	return &LocalSink{handler: handler}
}

// Emit decodes the envelope and delivers it synchronously. Delivery
// into per-client buffers is non-blocking downstream, so Emit returns
// quickly even with slow consumers.
func (l *LocalSink) Emit(subject, key string, payload []byte) error {
	env, err := DecodeEnvelope(payload)
	if err != nil {
		return fmt.Errorf("local sink received undecodable envelope: %w", err)
	}

	log.Debug().
		Str("subject", subject).
		Str("key", key).
		Str("event_id", env.EventID).
		Msg("Loopback delivery")

	l.handler.HandleEnvelope(env)
	return nil
}

// Close is a no-op for the loopback sink.
func (l *LocalSink) Close() error {
	return nil
}
