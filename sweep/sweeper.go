package sweep

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/minahq/tether/channel"
	"github.com/minahq/tether/reconciler"
	"github.com/minahq/tether/telemetry"
)

// Config configures the background housekeeping sweeper.
type Config struct {
	Interval        time.Duration // Time between passes
	OrphanThreshold time.Duration // PENDING age before a record is orphaned
	StaleClientTTL  time.Duration // Heartbeat silence before a registration is evicted
}

// Sweeper periodically orphans stale unmapped ledger records and evicts
// dead channel registrations. Both jobs run off the request path.
type Sweeper struct {
	config      Config
	reconciler  *reconciler.Reconciler
	channels    *channel.Service
	stopCh      chan struct{} // Stop signal
	doneCh      chan struct{} // Done signal
	running     atomic.Bool
	lifecycleMu sync.Mutex // Protects Start/Stop lifecycle operations
}

// NewSweeper creates a sweeper over the reconciler and channel service.
func NewSweeper(config Config, r *reconciler.Reconciler, c *channel.Service) *Sweeper {
	return &Sweeper{
		config:     config,
		reconciler: r,
		channels:   c,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start starts the sweeper goroutine
func (s *Sweeper) Start() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.running.Load() {
		return // Already running
	}

	s.running.Store(true)
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	log.Info().
		Dur("interval", s.config.Interval).
		Dur("orphan_threshold", s.config.OrphanThreshold).
		Msg("Starting housekeeping sweeper")

	go s.loop()
}

// Stop stops the sweeper gracefully
func (s *Sweeper) Stop() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.running.Load() {
		return // Not running
	}

	close(s.stopCh)
	<-s.doneCh // Wait for goroutine to finish
	s.running.Store(false)

	log.Info().Msg("Housekeeping sweeper stopped")
}

func (s *Sweeper) loop() {
	defer close(s.doneCh)

	for {
		if !s.sleep(s.config.Interval) {
			return
		}
		s.RunOnce(context.Background())
	}
}

// RunOnce executes a single housekeeping pass. Exposed so the admin API
// can trigger a sweep on demand.
func (s *Sweeper) RunOnce(ctx context.Context) {
	start := time.Now()

	orphaned, err := s.reconciler.CleanupOrphaned(ctx, s.config.OrphanThreshold)
	if err != nil {
		log.Error().Err(err).Msg("Orphan cleanup failed")
	}

	evicted := 0
	if s.channels != nil {
		evicted = s.channels.EvictStale(s.config.StaleClientTTL)
	}

	telemetry.SweepRoundsTotal.Inc()
	telemetry.SweepDurationSeconds.Observe(time.Since(start).Seconds())

	if orphaned > 0 || evicted > 0 {
		log.Info().
			Int64("orphaned", orphaned).
			Int("evicted_clients", evicted).
			Dur("took", time.Since(start)).
			Msg("Housekeeping pass finished")
	}
}

// sleep sleeps for the given duration, checking stopCh
// Returns true if sleep completed, false if stopped
func (s *Sweeper) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-s.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
