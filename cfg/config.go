package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// LedgerConfiguration controls the reconciliation ledger store
type LedgerConfiguration struct {
	Path          string `toml:"path"`            // SQLite file path (relative paths resolve under data_dir)
	BusyTimeoutMS int    `toml:"busy_timeout_ms"` // SQLite busy timeout
}

// ReconcilerConfiguration controls temp-ID reconciliation behavior
type ReconcilerConfiguration struct {
	BroadcastAttempts     int `toml:"broadcast_attempts"`      // Max broadcast delivery attempts per reconcile
	BroadcastBackoffMS    int `toml:"broadcast_backoff_ms"`    // Base backoff between attempts (schedule: base, 2x, 3x)
	OrphanThresholdMin    int `toml:"orphan_threshold_min"`    // PENDING age before orphan sweep claims a record
	BootstrapWindowHours  int `toml:"bootstrap_window_hours"`  // How far back RECONCILED records appear in bootstrap
	BootstrapDefaultLimit int `toml:"bootstrap_default_limit"` // Default bootstrap page size
	ReverseCacheSize      int `toml:"reverse_cache_size"`      // LRU size for real-id -> temp-id lookups
	BulkMaxMappings       int `toml:"bulk_max_mappings"`       // Upper bound on a single bulk replay
}

// SinkConfiguration describes one broadcast transport
type SinkConfiguration struct {
	Type         string   `toml:"type"` // "nats", "kafka", "local", "mock"
	NatsURL      string   `toml:"nats_url"`
	KafkaBrokers []string `toml:"kafka_brokers"`
	TopicPrefix  string   `toml:"topic_prefix"`
}

// BroadcastConfiguration controls the event broadcaster
type BroadcastConfiguration struct {
	Sink               SinkConfiguration `toml:"sink"`
	BreakerEnabled     bool              `toml:"breaker_enabled"`
	BreakerMaxFailures uint32            `toml:"breaker_max_failures"` // Consecutive failures before the breaker opens
	BreakerOpenSeconds int               `toml:"breaker_open_seconds"` // How long the breaker stays open
}

// ChannelConfiguration controls the multi-tab broadcast channel service
type ChannelConfiguration struct {
	ClientBufferSize int `toml:"client_buffer_size"` // Per-client delivery buffer
	StaleTTLSeconds  int `toml:"stale_ttl_seconds"`  // Registration eviction threshold without heartbeat
}

// GatewayConfiguration for the WebSocket gateway
type GatewayConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
}

// AdminConfiguration for the ops HTTP API
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	AuthToken   string `toml:"auth_token"` // Empty disables auth (local deployments only)
}

// SweepConfiguration controls background housekeeping
type SweepConfiguration struct {
	IntervalSeconds int `toml:"interval_seconds"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Ledger     LedgerConfiguration     `toml:"ledger"`
	Reconciler ReconcilerConfiguration `toml:"reconciler"`
	Broadcast  BroadcastConfiguration  `toml:"broadcast"`
	Channel    ChannelConfiguration    `toml:"channel"`
	Gateway    GatewayConfiguration    `toml:"gateway"`
	Admin      AdminConfiguration      `toml:"admin"`
	Sweep      SweepConfiguration      `toml:"sweep"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag  = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag     = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag      = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	GatewayPortFlag = flag.Int("gateway-port", 0, "WebSocket gateway port (overrides config)")
	AdminPortFlag   = flag.Int("admin-port", 0, "Admin API port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeID:  0, // Auto-generate
	DataDir: "./tether-data",

	Ledger: LedgerConfiguration{
		Path:          "ledger.db",
		BusyTimeoutMS: 5000,
	},

	Reconciler: ReconcilerConfiguration{
		BroadcastAttempts:     3,
		BroadcastBackoffMS:    500, // 0.5s, 1s, 1.5s between attempts
		OrphanThresholdMin:    10,
		BootstrapWindowHours:  24,
		BootstrapDefaultLimit: 200,
		ReverseCacheSize:      4096,
		BulkMaxMappings:       1000,
	},

	Broadcast: BroadcastConfiguration{
		Sink: SinkConfiguration{
			Type:        "local",
			TopicPrefix: "tether.reconcile",
		},
		BreakerEnabled:     true,
		BreakerMaxFailures: 5,
		BreakerOpenSeconds: 15,
	},

	Channel: ChannelConfiguration{
		ClientBufferSize: 64,
		StaleTTLSeconds:  90,
	},

	Gateway: GatewayConfiguration{
		Enabled:     true,
		BindAddress: "0.0.0.0",
		Port:        8090,
	},

	Admin: AdminConfiguration{
		Enabled:     true,
		BindAddress: "127.0.0.1",
		Port:        8091,
		AuthToken:   "",
	},

	Sweep: SweepConfiguration{
		IntervalSeconds: 60,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *GatewayPortFlag != 0 {
		Config.Gateway.Port = *GatewayPortFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	// Auto-generate node ID if not set
	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("tether")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// LedgerPath returns the resolved path of the ledger database
func LedgerPath() string {
	if filepath.IsAbs(Config.Ledger.Path) {
		return Config.Ledger.Path
	}
	return filepath.Join(Config.DataDir, Config.Ledger.Path)
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Reconciler.BroadcastAttempts < 1 {
		return fmt.Errorf("broadcast attempts must be >= 1")
	}

	if Config.Reconciler.BroadcastBackoffMS < 0 {
		return fmt.Errorf("broadcast backoff must be >= 0ms")
	}

	if Config.Reconciler.OrphanThresholdMin < 1 {
		return fmt.Errorf("orphan threshold must be >= 1 minute")
	}

	if Config.Reconciler.BootstrapWindowHours < 1 {
		return fmt.Errorf("bootstrap window must be >= 1 hour")
	}

	if Config.Reconciler.BootstrapDefaultLimit < 1 {
		return fmt.Errorf("bootstrap limit must be >= 1")
	}

	if Config.Reconciler.ReverseCacheSize < 1 {
		return fmt.Errorf("reverse cache size must be >= 1")
	}

	if Config.Reconciler.BulkMaxMappings < 1 {
		return fmt.Errorf("bulk max mappings must be >= 1")
	}

	validSinks := map[string]bool{
		"nats": true, "kafka": true, "local": true, "mock": true,
	}
	if !validSinks[Config.Broadcast.Sink.Type] {
		return fmt.Errorf("invalid broadcast sink type: %s", Config.Broadcast.Sink.Type)
	}

	if Config.Broadcast.Sink.Type == "nats" && Config.Broadcast.Sink.NatsURL == "" {
		return fmt.Errorf("nats sink requires nats_url")
	}

	if Config.Broadcast.Sink.Type == "kafka" && len(Config.Broadcast.Sink.KafkaBrokers) == 0 {
		return fmt.Errorf("kafka sink requires kafka_brokers")
	}

	if Config.Channel.ClientBufferSize < 1 {
		return fmt.Errorf("channel client buffer size must be >= 1")
	}

	if Config.Channel.StaleTTLSeconds < 1 {
		return fmt.Errorf("channel stale TTL must be >= 1 second")
	}

	if Config.Gateway.Enabled && (Config.Gateway.Port < 1 || Config.Gateway.Port > 65535) {
		return fmt.Errorf("invalid gateway port: %d", Config.Gateway.Port)
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	if Config.Sweep.IntervalSeconds < 1 {
		return fmt.Errorf("sweep interval must be >= 1 second")
	}

	return nil
}
