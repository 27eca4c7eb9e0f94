// Package common provides shared utilities for Herder
package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for Herder
type Config struct {
	Environment string          `toml:"environment"`
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Snapshot    SnapshotConfig  `toml:"snapshot"`
	Balancer    BalancerConfig  `toml:"balancer"`
	Backends    []BackendConfig `toml:"backends"`
	Logging     LoggingConfig   `toml:"logging"`
	Auth        AuthConfig      `toml:"auth"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// StorageConfig holds SurrealDB connection configuration.
type StorageConfig struct {
	Address   string `toml:"address"`
	Namespace string `toml:"namespace"`
	Database  string `toml:"database"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
}

// SchedulerConfig holds job scheduler and retention tunables.
type SchedulerConfig struct {
	TickSeconds          int     `toml:"tick_seconds"`           // dispatch loop period
	MaxConcurrentJobs    int     `toml:"max_concurrent_jobs"`    // worker semaphore capacity
	StarvationTick       int     `toml:"starvation_tick"`        // seconds between priority bumps
	StarvationIncrement  float64 `toml:"starvation_increment"`   // priority_score bump per tick
	ArchiveCheckInterval int     `toml:"archive_check_interval"` // seconds between archive sweeps
	RetentionDays        int     `toml:"retention_days"`         // terminal age before archival
	ArchiveRetentionDays int     `toml:"archive_retention_days"` // archived age before purge, 0 disables
	DefaultMaxAttempts   int     `toml:"default_max_attempts"`
}

// SnapshotConfig holds backend snapshot pipeline tunables.
type SnapshotConfig struct {
	IntervalSeconds int `toml:"interval_seconds"`
	RetentionDays   int `toml:"retention_days"`
}

// BalancerConfig holds load balancer strategy and health probe tunables.
type BalancerConfig struct {
	Strategy              string  `toml:"strategy"` // least_connections, round_robin, fastest
	ActiveJobsWeight      float64 `toml:"active_jobs_weight"`
	ResponseTimeWeight    float64 `toml:"response_time_weight"`
	HealthCheckInterval   int     `toml:"health_check_interval"` // seconds, 0 disables the probe loop
	HealthCheckTimeout    int     `toml:"health_check_timeout"`  // seconds
	AlertResponseTimeMS   float64 `toml:"alert_response_time_ms"`
	AlertActiveJobs       int     `toml:"alert_active_jobs"`
}

// BackendConfig describes one Ollama-compatible backend.
type BackendConfig struct {
	ID       string   `toml:"id"`
	URL      string   `toml:"url"`
	Enabled  *bool    `toml:"enabled"`
	PrefixID string   `toml:"prefix_id"`
	Tags     []string `toml:"tags"`
	ModelIDs []string `toml:"model_ids"` // empty means all models
	APIKey   string   `toml:"api_key"`
}

// IsEnabled returns whether the backend participates in selection. Defaults to true.
func (b *BackendConfig) IsEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

// AuthConfig holds JWT validation configuration.
type AuthConfig struct {
	JWTSecret   string `toml:"jwt_secret"`
	TokenExpiry string `toml:"token_expiry"` // duration string, default "24h"
}

// GetTokenExpiry parses and returns the token expiry duration.
func (c *AuthConfig) GetTokenExpiry() time.Duration {
	d, err := time.ParseDuration(c.TokenExpiry)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Storage: StorageConfig{
			Address:   "ws://localhost:8000/rpc",
			Namespace: "herder",
			Database:  "herder",
			Username:  "root",
			Password:  "root",
		},
		Scheduler: SchedulerConfig{
			TickSeconds:          2,
			MaxConcurrentJobs:    10,
			StarvationTick:       30,
			StarvationIncrement:  0.5,
			ArchiveCheckInterval: 3600,
			RetentionDays:        30,
			ArchiveRetentionDays: 365,
			DefaultMaxAttempts:   3,
		},
		Snapshot: SnapshotConfig{
			IntervalSeconds: 300,
			RetentionDays:   7,
		},
		Balancer: BalancerConfig{
			Strategy:            "least_connections",
			ActiveJobsWeight:    1.0,
			ResponseTimeWeight:  1.0,
			HealthCheckInterval: 60,
			HealthCheckTimeout:  5,
			AlertResponseTimeMS: 30000,
			AlertActiveJobs:     8,
		},
		Auth: AuthConfig{
			JWTSecret:   "dev-jwt-secret-change-in-production",
			TokenExpiry: "24h",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from files with environment overrides
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	// Load and merge each config file in order (later files override earlier)
	for _, path := range paths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue // Skip missing files
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	// Apply environment overrides
	applyEnvOverrides(config)

	validateStrategy(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("HERD_ENV"); env != "" {
		config.Environment = env
	}
	if host := os.Getenv("HERD_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("HERD_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if level := os.Getenv("HERD_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if addr := os.Getenv("HERD_STORAGE_ADDRESS"); addr != "" {
		config.Storage.Address = addr
	}
	if v := os.Getenv("HERD_STORAGE_NAMESPACE"); v != "" {
		config.Storage.Namespace = v
	}
	if v := os.Getenv("HERD_STORAGE_DATABASE"); v != "" {
		config.Storage.Database = v
	}
	if v := os.Getenv("HERD_AUTH_JWT_SECRET"); v != "" {
		config.Auth.JWTSecret = v
	}

	// Retention and scheduler tunables
	if v, ok := envInt("JOB_RETENTION_DAYS"); ok {
		config.Scheduler.RetentionDays = v
	}
	if v, ok := envInt("JOB_ARCHIVE_RETENTION_DAYS"); ok {
		config.Scheduler.ArchiveRetentionDays = v
	}
	if v, ok := envInt("MAX_CONCURRENT_JOBS"); ok {
		config.Scheduler.MaxConcurrentJobs = v
	}
	if v, ok := envInt("SCHEDULER_TICK_SECONDS"); ok {
		config.Scheduler.TickSeconds = v
	}
	if v, ok := envInt("STARVATION_TICK_SECONDS"); ok {
		config.Scheduler.StarvationTick = v
	}
	if v, ok := envFloat("STARVATION_INCREMENT"); ok {
		config.Scheduler.StarvationIncrement = v
	}
	if v, ok := envInt("ARCHIVE_CHECK_INTERVAL_SECONDS"); ok {
		config.Scheduler.ArchiveCheckInterval = v
	}

	// Snapshot pipeline
	if v, ok := envInt("BACKEND_SNAPSHOT_INTERVAL"); ok {
		config.Snapshot.IntervalSeconds = v
	}
	if v, ok := envInt("BACKEND_SNAPSHOT_RETENTION_DAYS"); ok {
		config.Snapshot.RetentionDays = v
	}

	// Load balancer
	if v, ok := envFloat("OLLAMA_LB_ACTIVE_JOBS_WEIGHT"); ok {
		config.Balancer.ActiveJobsWeight = v
	}
	if v, ok := envFloat("OLLAMA_LB_RESPONSE_TIME_WEIGHT"); ok {
		config.Balancer.ResponseTimeWeight = v
	}
	if v := os.Getenv("OLLAMA_LB_STRATEGY"); v != "" {
		config.Balancer.Strategy = v
	}
	if v, ok := envInt("OLLAMA_HEALTH_CHECK_INTERVAL"); ok {
		config.Balancer.HealthCheckInterval = v
	}
	if v, ok := envInt("OLLAMA_HEALTH_CHECK_TIMEOUT"); ok {
		config.Balancer.HealthCheckTimeout = v
	}
	if v, ok := envFloat("OLLAMA_ALERT_RESPONSE_TIME_THRESHOLD_MS"); ok {
		config.Balancer.AlertResponseTimeMS = v
	}
	if v, ok := envInt("OLLAMA_ALERT_ACTIVE_JOBS_THRESHOLD"); ok {
		config.Balancer.AlertActiveJobs = v
	}

	// Backend pool from a semicolon-separated URL list, replacing any file-configured pool
	if urls := os.Getenv("OLLAMA_BASE_URLS"); urls != "" {
		var backends []BackendConfig
		for i, u := range strings.Split(urls, ";") {
			u = strings.TrimSpace(u)
			if u == "" {
				continue
			}
			backends = append(backends, BackendConfig{
				ID:  fmt.Sprintf("backend-%d", i),
				URL: u,
			})
		}
		if len(backends) > 0 {
			config.Backends = backends
		}
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(name string) (float64, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// EnabledBackends returns the backends that participate in selection, in config order.
func (c *Config) EnabledBackends() []BackendConfig {
	var out []BackendConfig
	for _, b := range c.Backends {
		if b.IsEnabled() {
			out = append(out, b)
		}
	}
	return out
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// ValidStrategies lists the selection strategies the balancer understands.
var ValidStrategies = []string{"least_connections", "round_robin", "fastest"}

// IsValidStrategy reports whether name is a known selection strategy.
func IsValidStrategy(name string) bool {
	for _, s := range ValidStrategies {
		if s == name {
			return true
		}
	}
	return false
}

// validateStrategy resets an unknown strategy name back to the default.
func validateStrategy(config *Config) {
	if !IsValidStrategy(config.Balancer.Strategy) {
		config.Balancer.Strategy = "least_connections"
	}
}
