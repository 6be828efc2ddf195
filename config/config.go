package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

const (
	// LogFormatPlain is a format for uncolored human-readable text
	LogFormatPlain = "plain"
	// LogFormatJSON is a format for json output
	LogFormatJSON = "json"
)

// NOTE: WriteConfigFile in config/toml.go encodes config.toml from these
// structs through their toml tags; a field without a toml tag is written
// under its Go field name.
var (
	DefaultCobaltDir = ".cobalt"
	defaultConfigDir = "config"
	defaultDataDir   = "data"

	defaultConfigFileName  = "config.toml"
	defaultTargetsFileName = "targets.json"

	defaultConfigFilePath  = filepath.Join(defaultConfigDir, defaultConfigFileName)
	defaultTargetsFilePath = filepath.Join(defaultConfigDir, defaultTargetsFileName)
)

// Config defines the top level configuration for a Cobalt node
type Config struct {
	// Top level options use an anonymous struct
	BaseConfig `mapstructure:",squash"`

	// Options for services
	Sync            *SyncConfig            `mapstructure:"sync"`
	Instrumentation *InstrumentationConfig `mapstructure:"instrumentation"`
}

// DefaultConfig returns a default configuration for a Cobalt node
func DefaultConfig() *Config {
	return &Config{
		BaseConfig:      DefaultBaseConfig(),
		Sync:            DefaultSyncConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing
func TestConfig() *Config {
	return &Config{
		BaseConfig:      TestBaseConfig(),
		Sync:            TestSyncConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
	}
}

// SetRoot sets the RootDir for all Config structs
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	cfg.Sync.RootDir = root
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.Sync.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [sync] section: %w", err)
	}
	if err := cfg.Instrumentation.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [instrumentation] section: %w", err)
	}
	return nil
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig defines the base configuration for a Cobalt node
type BaseConfig struct {
	// The root directory for all data.
	RootDir string `mapstructure:"home" toml:"-"`

	// A custom human readable name for this node
	Moniker string `mapstructure:"moniker" toml:"moniker"`

	// Database backend: goleveldb | cleveldb | boltdb | badgerdb
	DBBackend string `mapstructure:"db_backend" toml:"db_backend"`

	// Database directory
	DBPath string `mapstructure:"db_dir" toml:"db_dir"`

	// Output level for logging
	LogLevel string `mapstructure:"log_level" toml:"log_level"`

	// Output format: 'plain' (uncolored text) or 'json'
	LogFormat string `mapstructure:"log_format" toml:"log_format"`
}

// DefaultBaseConfig returns a default base configuration for a Cobalt node
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		Moniker:   "anonymous",
		DBBackend: "goleveldb",
		DBPath:    defaultDataDir,
		LogLevel:  "info",
		LogFormat: LogFormatPlain,
	}
}

// TestBaseConfig returns a base configuration for testing a Cobalt node
func TestBaseConfig() BaseConfig {
	cfg := DefaultBaseConfig()
	cfg.Moniker = "test"
	cfg.DBBackend = "memdb"
	return cfg
}

// DBDir returns the full path to the database directory
func (cfg BaseConfig) DBDir() string {
	return rootify(cfg.DBPath, cfg.RootDir)
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg BaseConfig) ValidateBasic() error {
	switch cfg.LogFormat {
	case LogFormatPlain, LogFormatJSON:
	default:
		return errors.New("unknown log format (must be 'plain' or 'json')")
	}
	return nil
}

//-----------------------------------------------------------------------------
// SyncConfig

// SyncConfig defines the configuration for the block-download scheduler.
type SyncConfig struct {
	RootDir string `mapstructure:"home" toml:"-"`

	// Maximum number of block targets reserved to a single peer.
	MaxRequest int `mapstructure:"max_request" toml:"max_request"`

	// Expected per-block download latency; the rolling rate window of a
	// peer spans three of these.
	BlockLatency time.Duration `mapstructure:"block_latency" toml:"block_latency"`

	// Number of reservations created up front.
	OutboundPeers int `mapstructure:"outbound_peers" toml:"outbound_peers"`

	// How often slow channels are tested for eviction.
	PruneInterval time.Duration `mapstructure:"prune_interval" toml:"prune_interval"`

	// Path to the checkpointed sync targets, relative to the root
	// directory.
	TargetsFile string `mapstructure:"targets_file" toml:"targets_file"`
}

// DefaultSyncConfig returns a default configuration for the scheduler.
func DefaultSyncConfig() *SyncConfig {
	return &SyncConfig{
		MaxRequest:    2048,
		BlockLatency:  60 * time.Second,
		OutboundPeers: 8,
		PruneInterval: 5 * time.Second,
		TargetsFile:   defaultTargetsFilePath,
	}
}

// TestSyncConfig returns a scheduler configuration for testing.
func TestSyncConfig() *SyncConfig {
	cfg := DefaultSyncConfig()
	cfg.MaxRequest = 8
	cfg.BlockLatency = time.Second
	cfg.PruneInterval = 100 * time.Millisecond
	return cfg
}

// TargetsPath returns the full path to the sync targets file.
func (cfg *SyncConfig) TargetsPath() string {
	return rootify(cfg.TargetsFile, cfg.RootDir)
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *SyncConfig) ValidateBasic() error {
	if cfg.MaxRequest <= 0 {
		return errors.New("max_request must be positive")
	}
	if cfg.BlockLatency <= 0 {
		return errors.New("block_latency must be positive")
	}
	if cfg.OutboundPeers <= 0 {
		return errors.New("outbound_peers must be positive")
	}
	if cfg.PruneInterval <= 0 {
		return errors.New("prune_interval must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// InstrumentationConfig

// InstrumentationConfig defines the configuration for metrics reporting.
type InstrumentationConfig struct {
	// When true, Prometheus metrics are served under /metrics on
	// PrometheusListenAddr.
	Prometheus bool `mapstructure:"prometheus" toml:"prometheus"`

	// Address to listen for Prometheus collector(s) connections.
	PrometheusListenAddr string `mapstructure:"prometheus_listen_addr" toml:"prometheus_listen_addr"`

	// Instrumentation namespace.
	Namespace string `mapstructure:"namespace" toml:"namespace"`
}

// DefaultInstrumentationConfig returns a default configuration for metrics
// reporting.
func DefaultInstrumentationConfig() *InstrumentationConfig {
	return &InstrumentationConfig{
		Prometheus:           false,
		PrometheusListenAddr: ":26660",
		Namespace:            "cobalt",
	}
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *InstrumentationConfig) ValidateBasic() error {
	if cfg.Prometheus && cfg.PrometheusListenAddr == "" {
		return errors.New("prometheus_listen_addr must not be empty when prometheus is enabled")
	}
	if cfg.Namespace == "" {
		return errors.New("namespace must not be empty")
	}
	return nil
}

//-----------------------------------------------------------------------------
// Utils

// helper function to make config creation independent of root dir
func rootify(path, root string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}
