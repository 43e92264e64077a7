package config

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/denisbrodbeck/machineid"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Node       NodeConfig       `mapstructure:"node"`
	Raft       RaftConfig       `mapstructure:"raft"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Fencing    FencingConfig    `mapstructure:"fencing"`
	Membership MembershipConfig `mapstructure:"membership"`
	Admin      AdminConfig      `mapstructure:"admin"`
	Publisher  PublisherConfig  `mapstructure:"publisher"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// NodeConfig identifies this member and its place in the group
type NodeConfig struct {
	ID            string `mapstructure:"id"`
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	AdvertiseAddr string `mapstructure:"advertise_addr"`
	Class         string `mapstructure:"class"`
	Bootstrap     bool   `mapstructure:"bootstrap"`
	JoinAddr      string `mapstructure:"join_addr"`
	DataDir       string `mapstructure:"data_dir"`
}

// BindAddr returns the host:port this node listens on.
func (n NodeConfig) BindAddr() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

// AdvertiseHostPort returns the address peers should dial, falling back to
// the bind address when no advertise address is configured.
func (n NodeConfig) AdvertiseHostPort() (string, int) {
	if n.AdvertiseAddr == "" {
		return n.Host, n.Port
	}
	host, portRaw, err := net.SplitHostPort(n.AdvertiseAddr)
	if err != nil {
		return n.Host, n.Port
	}
	port, err := strconv.Atoi(portRaw)
	if err != nil {
		return n.Host, n.Port
	}
	return host, port
}

// RaftConfig tunes the consensus timers
type RaftConfig struct {
	HeartbeatTimeoutMS   int `mapstructure:"heartbeat_timeout_ms"`
	ElectionTimeoutMS    int `mapstructure:"election_timeout_ms"`
	LeaderLeaseTimeoutMS int `mapstructure:"leader_lease_timeout_ms"`
	CommitTimeoutMS      int `mapstructure:"commit_timeout_ms"`
	SnapshotRetain       int `mapstructure:"snapshot_retain"`
	ApplyTimeoutMS       int `mapstructure:"apply_timeout_ms"`
}

// StorageConfig selects the replicated state backend
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
}

// FencingConfig tunes epoch claim retries
type FencingConfig struct {
	Attempts  int `mapstructure:"attempts"`
	BackoffMS int `mapstructure:"backoff_ms"`
}

// MembershipConfig tunes heartbeats, promotion and quorum arithmetic
type MembershipConfig struct {
	QuorumMinimum       int `mapstructure:"quorum_minimum"`
	HeartbeatIntervalMS int `mapstructure:"heartbeat_interval_ms"`
	PromotionIntervalMS int `mapstructure:"promotion_interval_ms"`
	PromotionMaxLag     int `mapstructure:"promotion_max_lag"`
	HeartbeatWindowMS   int `mapstructure:"heartbeat_window_ms"`
	DiscoveryTimeoutMS  int `mapstructure:"discovery_timeout_ms"`
}

// AdminConfig protects and extends the admin API
type AdminConfig struct {
	Secret      string `mapstructure:"secret"`
	EnablePprof bool   `mapstructure:"enable_pprof"`
}

// PublisherConfig fans role transitions out to external brokers
type PublisherConfig struct {
	Enabled bool         `mapstructure:"enabled"`
	Sinks   []SinkConfig `mapstructure:"sinks"`
}

// SinkConfig configures one transition sink
type SinkConfig struct {
	Name            string   `mapstructure:"name"`
	Type            string   `mapstructure:"type"`
	Topic           string   `mapstructure:"topic"`
	Patterns        []string `mapstructure:"patterns"`
	NatsURL         string   `mapstructure:"nats_url"`
	Brokers         []string `mapstructure:"brokers"`
	BatchSize       int      `mapstructure:"batch_size"`
	RetryInitialMS  int      `mapstructure:"retry_initial_ms"`
	RetryMaxMS      int      `mapstructure:"retry_max_ms"`
	RetryMultiplier float64  `mapstructure:"retry_multiplier"`
	MaxRetries      int      `mapstructure:"max_retries"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoadConfig loads configuration from file and environment
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/steward")
	}

	// Set defaults
	setDefaults()

	// Read environment variables
	viper.AutomaticEnv()
	viper.SetEnvPrefix("STEWARD")

	// Read config file
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate and set computed values
	if err := validateConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// Node defaults
	viper.SetDefault("node.id", "")
	viper.SetDefault("node.host", "localhost")
	viper.SetDefault("node.port", 7600)
	viper.SetDefault("node.advertise_addr", "")
	viper.SetDefault("node.class", "ELECTABLE")
	viper.SetDefault("node.bootstrap", false)
	viper.SetDefault("node.join_addr", "")
	viper.SetDefault("node.data_dir", "./data")

	// Raft defaults, zero means library default
	viper.SetDefault("raft.heartbeat_timeout_ms", 0)
	viper.SetDefault("raft.election_timeout_ms", 0)
	viper.SetDefault("raft.leader_lease_timeout_ms", 0)
	viper.SetDefault("raft.commit_timeout_ms", 0)
	viper.SetDefault("raft.snapshot_retain", 2)
	viper.SetDefault("raft.apply_timeout_ms", 3000)

	// Storage defaults
	viper.SetDefault("storage.backend", "badger")

	// Fencing defaults
	viper.SetDefault("fencing.attempts", 3)
	viper.SetDefault("fencing.backoff_ms", 2000)

	// Membership defaults
	viper.SetDefault("membership.quorum_minimum", 1)
	viper.SetDefault("membership.heartbeat_interval_ms", 2000)
	viper.SetDefault("membership.promotion_interval_ms", 3000)
	viper.SetDefault("membership.promotion_max_lag", 64)
	viper.SetDefault("membership.heartbeat_window_ms", 15000)
	viper.SetDefault("membership.discovery_timeout_ms", 1000)

	// Admin defaults
	viper.SetDefault("admin.secret", "")
	viper.SetDefault("admin.enable_pprof", false)

	// Publisher defaults
	viper.SetDefault("publisher.enabled", false)
	viper.SetDefault("publisher.sinks", []SinkConfig{})

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "console")

	// Metrics defaults
	viper.SetDefault("metrics.enabled", true)
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	config.Node.DataDir = filepath.Clean(config.Node.DataDir)

	if config.Node.Port < 1 || config.Node.Port > 65535 {
		return fmt.Errorf("node.port must be between 1 and 65535")
	}

	if config.Node.AdvertiseAddr != "" {
		if _, _, err := net.SplitHostPort(config.Node.AdvertiseAddr); err != nil {
			return fmt.Errorf("node.advertise_addr must be host:port: %w", err)
		}
	}

	config.Node.Class = strings.ToUpper(config.Node.Class)
	if config.Node.Class != "ELECTABLE" && config.Node.Class != "OBSERVER" {
		return fmt.Errorf("node.class must be ELECTABLE or OBSERVER")
	}

	if config.Node.Bootstrap && config.Node.JoinAddr != "" {
		return fmt.Errorf("node.bootstrap and node.join_addr are mutually exclusive")
	}

	if config.Node.ID == "" {
		id, err := generateNodeID(config.Node.Port)
		if err != nil {
			return fmt.Errorf("node.id is required when no machine id is available: %w", err)
		}
		config.Node.ID = id
	}

	switch config.Storage.Backend {
	case "badger", "memory":
	default:
		return fmt.Errorf("storage.backend must be badger or memory")
	}

	if config.Fencing.Attempts < 1 {
		return fmt.Errorf("fencing.attempts must be at least 1")
	}

	if config.Membership.QuorumMinimum < 1 {
		return fmt.Errorf("membership.quorum_minimum must be at least 1")
	}

	for i, sink := range config.Publisher.Sinks {
		if sink.Name == "" {
			return fmt.Errorf("publisher.sinks[%d].name is required", i)
		}
		switch sink.Type {
		case "nats", "kafka":
		default:
			return fmt.Errorf("publisher.sinks[%d].type must be nats or kafka", i)
		}
	}

	return nil
}

// generateNodeID derives a stable node id from the machine identity. The
// port is mixed in so several members on one host stay distinct while the
// id survives restarts. Raft requires that stability.
func generateNodeID(port int) (string, error) {
	id, err := machineid.ProtectedID("steward")
	if err != nil {
		return "", err
	}
	sum := xxhash.Sum64String(id + ":" + strconv.Itoa(port))
	return fmt.Sprintf("node-%x", sum), nil
}

// GetDefaultConfig returns a default configuration
func GetDefaultConfig() *Config {
	setDefaults()

	var config Config
	viper.Unmarshal(&config)
	validateConfig(&config)

	return &config
}
