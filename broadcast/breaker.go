package broadcast

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/minahq/tether/telemetry"
)

// ErrBreakerOpen is returned when the circuit breaker is rejecting
// emissions. Callers treat it like any other transient sink failure.
var ErrBreakerOpen = errors.New("broadcast sink circuit open")

// BreakerSink wraps another sink with a circuit breaker so a dead
// broker fails fast instead of holding every reconcile through its
// full retry schedule.
type BreakerSink struct {
	inner   Sink
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerSink wraps inner. The breaker opens after maxFailures
// consecutive Emit errors and half-opens after openFor.
func NewBreakerSink(inner Sink, maxFailures uint32, openFor time.Duration) *BreakerSink {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "broadcast-sink",
		Timeout: openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Broadcast breaker state changed")
		},
	})

	return &BreakerSink{inner: inner, breaker: cb}
}

// Emit passes through to the wrapped sink unless the breaker is open.
func (b *BreakerSink) Emit(subject, key string, payload []byte) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, b.inner.Emit(subject, key, payload)
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		telemetry.BroadcastAttemptsTotal.With("breaker_open").Inc()
		return ErrBreakerOpen
	}

	return err
}

// Close closes the wrapped sink.
func (b *BreakerSink) Close() error {
	return b.inner.Close()
}
