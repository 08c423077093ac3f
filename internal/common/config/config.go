// Package config provides configuration management for Foreman.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the Foreman coordinator.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Store       StoreConfig       `mapstructure:"store"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Watcher     WatcherConfig     `mapstructure:"watcher"`
	Debounce    DebounceConfig    `mapstructure:"debounce"`
	Poller      PollerConfig      `mapstructure:"poller"`
	Recovery    RecoveryConfig    `mapstructure:"recovery"`
	Bridge      BridgeConfig      `mapstructure:"bridge"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Gateway     GatewayConfig     `mapstructure:"gateway"`
}

// ServerConfig holds the introspection HTTP server configuration.
type ServerConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// StoreConfig holds durable-store configuration. Driver selects the backend:
// "sqlite" uses Path, "postgres" uses the connection fields.
type StoreConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite database file
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds the optional event-relay configuration.
// An empty URL disables the relay; the in-process bus is always used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
	SubjectPrefix string `mapstructure:"subjectPrefix"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// WatcherConfig holds memory-log file watcher configuration.
type WatcherConfig struct {
	Dir                    string `mapstructure:"dir"`
	StabilityThresholdMs   int    `mapstructure:"stabilityThresholdMs"`
	RestartDelayMs         int    `mapstructure:"restartDelayMs"`
	MaxConsecutiveFailures int    `mapstructure:"maxConsecutiveFailures"`
}

// DebounceConfig holds file-event debouncer configuration.
type DebounceConfig struct {
	DelayMs          int      `mapstructure:"delayMs"`
	CriticalPatterns []string `mapstructure:"criticalPatterns"`
}

// PollerConfig holds completion-poller configuration.
type PollerConfig struct {
	ActiveIntervalMs    int   `mapstructure:"activeIntervalMs"`
	QueuedIntervalMs    int   `mapstructure:"queuedIntervalMs"`
	CompletedIntervalMs int   `mapstructure:"completedIntervalMs"`
	RetryDelaysMs       []int `mapstructure:"retryDelaysMs"`
	MaxRetries          int   `mapstructure:"maxRetries"`
}

// RecoveryConfig holds crash-recovery scanner configuration.
type RecoveryConfig struct {
	ScanIntervalMs     int `mapstructure:"scanIntervalMs"`
	HeartbeatTimeoutMs int `mapstructure:"heartbeatTimeoutMs"`
	MaxRetryAttempts   int `mapstructure:"maxRetryAttempts"`
}

// BridgeConfig holds state-integration bridge configuration.
type BridgeConfig struct {
	QueueSize        int  `mapstructure:"queueSize"`
	ReplayBufferSize int  `mapstructure:"replayBufferSize"`
	Concurrent       bool `mapstructure:"concurrent"`
}

// CoordinatorConfig holds cross-agent coordinator configuration.
type CoordinatorConfig struct {
	EventLogLimit int `mapstructure:"eventLogLimit"`
}

// GatewayConfig holds the operator WebSocket gateway configuration.
type GatewayConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	SendBuffer int  `mapstructure:"sendBuffer"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// StabilityThreshold returns the write-stability window as a time.Duration.
func (w *WatcherConfig) StabilityThreshold() time.Duration {
	return time.Duration(w.StabilityThresholdMs) * time.Millisecond
}

// RestartDelay returns the auto-restart delay as a time.Duration.
func (w *WatcherConfig) RestartDelay() time.Duration {
	return time.Duration(w.RestartDelayMs) * time.Millisecond
}

// Delay returns the debounce window as a time.Duration.
func (d *DebounceConfig) Delay() time.Duration {
	return time.Duration(d.DelayMs) * time.Millisecond
}

// RetryDelays returns the poll retry backoff schedule as durations.
func (p *PollerConfig) RetryDelays() []time.Duration {
	delays := make([]time.Duration, 0, len(p.RetryDelaysMs))
	for _, ms := range p.RetryDelaysMs {
		delays = append(delays, time.Duration(ms)*time.Millisecond)
	}
	return delays
}

// ScanInterval returns the recovery scan interval as a time.Duration.
func (r *RecoveryConfig) ScanInterval() time.Duration {
	return time.Duration(r.ScanIntervalMs) * time.Millisecond
}

// HeartbeatTimeout returns the heartbeat timeout as a time.Duration.
func (r *RecoveryConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(r.HeartbeatTimeoutMs) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("FOREMAN_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8990)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Store defaults - sqlite file next to the working directory
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "foreman.db")
	v.SetDefault("store.host", "")
	v.SetDefault("store.port", 5432)
	v.SetDefault("store.user", "foreman")
	v.SetDefault("store.password", "")
	v.SetDefault("store.dbName", "foreman")
	v.SetDefault("store.sslMode", "disable")
	v.SetDefault("store.maxConns", 10)
	v.SetDefault("store.minConns", 2)

	// NATS relay defaults - empty URL means the relay stays off
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "foreman")
	v.SetDefault("nats.maxReconnects", 10)
	v.SetDefault("nats.subjectPrefix", "foreman")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Watcher defaults
	v.SetDefault("watcher.dir", "")
	v.SetDefault("watcher.stabilityThresholdMs", 200)
	v.SetDefault("watcher.restartDelayMs", 1000)
	v.SetDefault("watcher.maxConsecutiveFailures", 3)

	// Debounce defaults
	v.SetDefault("debounce.delayMs", 500)
	v.SetDefault("debounce.criticalPatterns", []string{})

	// Poller defaults
	v.SetDefault("poller.activeIntervalMs", 1000)
	v.SetDefault("poller.queuedIntervalMs", 5000)
	v.SetDefault("poller.completedIntervalMs", 30000)
	v.SetDefault("poller.retryDelaysMs", []int{1000, 2000, 4000})
	v.SetDefault("poller.maxRetries", 3)

	// Recovery defaults
	v.SetDefault("recovery.scanIntervalMs", 30000)
	v.SetDefault("recovery.heartbeatTimeoutMs", 120000)
	v.SetDefault("recovery.maxRetryAttempts", 3)

	// Bridge defaults
	v.SetDefault("bridge.queueSize", 256)
	v.SetDefault("bridge.replayBufferSize", 100)
	v.SetDefault("bridge.concurrent", true)

	// Coordinator defaults
	v.SetDefault("coordinator.eventLogLimit", 1000)

	// Gateway defaults
	v.SetDefault("gateway.enabled", true)
	v.SetDefault("gateway.sendBuffer", 256)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix FOREMAN_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/foreman/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("FOREMAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/foreman/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Enabled {
		if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
			errs = append(errs, "server.port must be between 1 and 65535")
		}
	}

	switch cfg.Store.Driver {
	case "sqlite":
		if cfg.Store.Path == "" {
			errs = append(errs, "store.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Store.Host == "" {
			errs = append(errs, "store.host is required for the postgres driver")
		}
		if cfg.Store.DBName == "" {
			errs = append(errs, "store.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "store.driver must be one of: sqlite, postgres")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Watcher.StabilityThresholdMs < 0 {
		errs = append(errs, "watcher.stabilityThresholdMs must be non-negative")
	}
	if cfg.Watcher.MaxConsecutiveFailures <= 0 {
		errs = append(errs, "watcher.maxConsecutiveFailures must be positive")
	}
	if cfg.Debounce.DelayMs <= 0 {
		errs = append(errs, "debounce.delayMs must be positive")
	}
	if cfg.Poller.MaxRetries <= 0 {
		errs = append(errs, "poller.maxRetries must be positive")
	}
	if len(cfg.Poller.RetryDelaysMs) == 0 {
		errs = append(errs, "poller.retryDelaysMs must contain at least one delay")
	}
	if cfg.Recovery.HeartbeatTimeoutMs <= 0 {
		errs = append(errs, "recovery.heartbeatTimeoutMs must be positive")
	}
	if cfg.Bridge.QueueSize <= 0 {
		errs = append(errs, "bridge.queueSize must be positive")
	}
	if cfg.Bridge.ReplayBufferSize <= 0 {
		errs = append(errs, "bridge.replayBufferSize must be positive")
	}
	if cfg.Coordinator.EventLogLimit <= 0 {
		errs = append(errs, "coordinator.eventLogLimit must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (s *StoreConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		s.Host, s.Port, s.User, s.Password, s.DBName, s.SSLMode,
	)
}
