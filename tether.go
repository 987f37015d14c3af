package main

import (
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/minahq/tether/admin"
	"github.com/minahq/tether/broadcast"
	"github.com/minahq/tether/cfg"
	"github.com/minahq/tether/channel"
	"github.com/minahq/tether/gateway"
	"github.com/minahq/tether/ledger"
	"github.com/minahq/tether/reconciler"
	"github.com/minahq/tether/sweep"
	"github.com/minahq/tether/telemetry"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Tether - Temp-ID Reconciliation Service")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	// Durable state: reconciliation ledger + workspace sequence counters
	log.Info().Str("path", cfg.LedgerPath()).Msg("Opening reconciliation ledger")
	store, err := ledger.NewSQLiteStore(cfg.LedgerPath(), cfg.Config.Ledger.BusyTimeoutMS)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open reconciliation ledger")
		return
	}
	defer store.Close()

	// In-memory channel registry for connected tabs
	channels := channel.NewService(cfg.Config.Channel.ClientBufferSize)

	// Broadcast transport
	sink, err := buildSink(channels)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize broadcast sink")
		return
	}
	defer sink.Close()

	if cfg.Config.Broadcast.BreakerEnabled {
		sink = broadcast.NewBreakerSink(
			sink,
			cfg.Config.Broadcast.BreakerMaxFailures,
			time.Duration(cfg.Config.Broadcast.BreakerOpenSeconds)*time.Second,
		)
	}

	// Reconciliation orchestration
	rec, err := reconciler.New(store, sink, reconciler.FromConfig())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize reconciler")
		return
	}

	// Background housekeeping: orphan sweep + stale client eviction
	sweeper := sweep.NewSweeper(sweep.Config{
		Interval:        time.Duration(cfg.Config.Sweep.IntervalSeconds) * time.Second,
		OrphanThreshold: time.Duration(cfg.Config.Reconciler.OrphanThresholdMin) * time.Minute,
		StaleClientTTL:  time.Duration(cfg.Config.Channel.StaleTTLSeconds) * time.Second,
	}, rec, channels)
	sweeper.Start()
	defer sweeper.Stop()

	// WebSocket gateway for browser tabs
	if cfg.Config.Gateway.Enabled {
		addr := net.JoinHostPort(cfg.Config.Gateway.BindAddress, strconv.Itoa(cfg.Config.Gateway.Port))
		gw := gateway.NewGateway(addr, channels)
		go func() {
			if err := gw.Start(); err != nil {
				log.Fatal().Err(err).Msg("WebSocket gateway failed")
			}
		}()
		defer gw.Close()
	}

	// Admin / integration API
	if cfg.Config.Admin.Enabled {
		addr := net.JoinHostPort(cfg.Config.Admin.BindAddress, strconv.Itoa(cfg.Config.Admin.Port))
		adminServer := admin.NewServer(addr, admin.NewHandlers(rec, channels, sweeper))
		go func() {
			if err := adminServer.ListenAndServe(); err != nil {
				log.Fatal().Err(err).Msg("Admin API failed")
			}
		}()
		defer adminServer.Close()
	}

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Int("gateway_port", cfg.Config.Gateway.Port).
		Int("admin_port", cfg.Config.Admin.Port).
		Str("sink", cfg.Config.Broadcast.Sink.Type).
		Str("data_dir", cfg.Config.DataDir).
		Msg("Tether is operational")

	// Keep running
	select {}
}

// buildSink constructs the configured broadcast transport. The local
// loopback sink is wired directly to the channel service; broker-backed
// sinks come from the factory registry.
func buildSink(channels *channel.Service) (broadcast.Sink, error) {
	if cfg.Config.Broadcast.Sink.Type == "local" {
		log.Info().Msg("Using in-process loopback broadcast sink")
		return broadcast.NewLocalSink(channels), nil
	}

	log.Info().Str("type", cfg.Config.Broadcast.Sink.Type).Msg("Creating broadcast sink")
	return broadcast.NewSink(cfg.Config.Broadcast.Sink)
}
