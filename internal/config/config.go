package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds daemon paths and interval settings.
type Config struct {
	ConfigPath        string
	DataDir           string
	EventStoreDir     string
	MetricsListen     string
	HealthInterval    time.Duration
	HeartbeatInterval time.Duration
}

// FileConfig represents supported YAML config overrides. Intervals are
// given in seconds.
type FileConfig struct {
	DataDir              string `yaml:"data_dir"`
	EventStoreDir        string `yaml:"event_store_dir"`
	MetricsListen        string `yaml:"metrics_listen"`
	HealthIntervalSec    int    `yaml:"health_interval_sec"`
	HeartbeatIntervalSec int    `yaml:"heartbeat_interval_sec"`
}

func DefaultConfig() Config {
	dataDir := "/var/lib/daefleet"
	return Config{
		ConfigPath:        "/etc/daefleet/config.yaml",
		DataDir:           dataDir,
		EventStoreDir:     filepath.Join(dataDir, "events"),
		MetricsListen:     "",
		HealthInterval:    30 * time.Second,
		HeartbeatInterval: 60 * time.Second,
	}
}

// Load reads the YAML config file and applies overrides to defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		cfg.ConfigPath = path
	}
	data, err := os.ReadFile(cfg.ConfigPath)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", cfg.ConfigPath, err)
	}
	var fileCfg FileConfig
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", cfg.ConfigPath, err)
	}
	applyFileConfig(&cfg, fileCfg)
	if fileCfg.DataDir != "" && fileCfg.EventStoreDir == "" {
		cfg.EventStoreDir = filepath.Join(cfg.DataDir, "events")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyFileConfig(cfg *Config, fileCfg FileConfig) {
	if fileCfg.DataDir != "" {
		cfg.DataDir = fileCfg.DataDir
	}
	if fileCfg.EventStoreDir != "" {
		cfg.EventStoreDir = fileCfg.EventStoreDir
	}
	if fileCfg.MetricsListen != "" {
		cfg.MetricsListen = fileCfg.MetricsListen
	}
	if fileCfg.HealthIntervalSec > 0 {
		cfg.HealthInterval = time.Duration(fileCfg.HealthIntervalSec) * time.Second
	}
	if fileCfg.HeartbeatIntervalSec > 0 {
		cfg.HeartbeatInterval = time.Duration(fileCfg.HeartbeatIntervalSec) * time.Second
	}
}

// Validate performs basic validation of paths and listeners.
func (c Config) Validate() error {
	if c.ConfigPath == "" {
		return fmt.Errorf("config_path is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.EventStoreDir == "" {
		return fmt.Errorf("event_store_dir is required")
	}
	if c.HealthInterval <= 0 {
		return fmt.Errorf("health_interval_sec must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval_sec must be positive")
	}
	if strings.TrimSpace(c.MetricsListen) != "" {
		host, _, err := net.SplitHostPort(c.MetricsListen)
		if err != nil {
			return fmt.Errorf("metrics_listen must be host:port: %w", err)
		}
		if !isLoopbackHost(host) {
			return fmt.Errorf("metrics_listen must be localhost-only (got %q)", host)
		}
	}
	return nil
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
