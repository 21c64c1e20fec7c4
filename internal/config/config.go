package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Queue      QueueConfig      `yaml:"queue"`
	Worker     WorkerConfig     `yaml:"worker"`
	Pool       PoolConfig       `yaml:"pool"`
	SES        SESConfig        `yaml:"ses"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port      int    `yaml:"port"`
	Host      string `yaml:"host"`
	AuthToken string `yaml:"auth_token"`
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	// Allow override via environment
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds Postgres connection configuration
type DatabaseConfig struct {
	URL                string `yaml:"url"`
	MaxOpenConns       int    `yaml:"max_open_conns"`
	MaxIdleConns       int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMin int    `yaml:"conn_max_lifetime_min"`
}

// ConnMaxLifetime returns the configured connection lifetime as a duration
func (c DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeMin) * time.Minute
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// QueueConfig holds dispatch queue policy
type QueueConfig struct {
	Name               string `yaml:"name"`
	MaxAttempts        int    `yaml:"max_attempts"`
	BackoffBaseSeconds int    `yaml:"backoff_base_seconds"`
	BackoffCeilingMin  int    `yaml:"backoff_ceiling_min"`
	LeaseSeconds       int    `yaml:"lease_seconds"`
}

// BackoffBase returns the first retry delay as a duration
func (c QueueConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSeconds) * time.Second
}

// BackoffCeiling returns the retry delay cap as a duration
func (c QueueConfig) BackoffCeiling() time.Duration {
	return time.Duration(c.BackoffCeilingMin) * time.Minute
}

// LeaseDuration returns the claim lease as a duration
func (c QueueConfig) LeaseDuration() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

// WorkerConfig holds dispatch worker tuning
type WorkerConfig struct {
	Concurrency         int `yaml:"concurrency"`
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	PauseRecheckMin     int `yaml:"pause_recheck_min"`
	LeaseRenewSeconds   int `yaml:"lease_renew_seconds"`
	ReclaimIntervalSec  int `yaml:"reclaim_interval_seconds"`
}

// PollInterval returns the idle poll cadence as a duration
func (c WorkerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// PauseRecheckDelay returns how long a paused campaign's jobs wait
// before the pause set is consulted again
func (c WorkerConfig) PauseRecheckDelay() time.Duration {
	return time.Duration(c.PauseRecheckMin) * time.Minute
}

// LeaseRenewInterval returns the lease heartbeat cadence as a duration
func (c WorkerConfig) LeaseRenewInterval() time.Duration {
	return time.Duration(c.LeaseRenewSeconds) * time.Second
}

// ReclaimInterval returns the expired-lease sweep cadence as a duration
func (c WorkerConfig) ReclaimInterval() time.Duration {
	return time.Duration(c.ReclaimIntervalSec) * time.Second
}

// PoolConfig holds SMTP connection pool tuning
type PoolConfig struct {
	IdleTimeoutMin   int `yaml:"idle_timeout_min"`
	SweepIntervalSec int `yaml:"sweep_interval_seconds"`
	MaxMessages      int `yaml:"max_messages"`
	MaxConnections   int `yaml:"max_connections"`
}

// IdleTimeout returns the idle eviction threshold as a duration
func (c PoolConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMin) * time.Minute
}

// SweepInterval returns the eviction sweep cadence as a duration
func (c PoolConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

// SESConfig holds AWS SES API configuration
type SESConfig struct {
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Enabled   bool   `yaml:"enabled"`
}

// ClassifierConfig tunes rejection handling. DeferOverrides maps a
// provider status code to a sender defer window in minutes; zero removes
// the code from the reputation set.
type ClassifierConfig struct {
	DeferOverrides map[int]int `yaml:"defer_overrides"`
}

// DeferDurations converts the override table to durations
func (c ClassifierConfig) DeferDurations() map[int]time.Duration {
	if len(c.DeferOverrides) == 0 {
		return nil
	}
	out := make(map[int]time.Duration, len(c.DeferOverrides))
	for code, minutes := range c.DeferOverrides {
		out[code] = time.Duration(minutes) * time.Minute
	}
	return out
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetimeMin == 0 {
		cfg.Database.ConnMaxLifetimeMin = 30
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Queue.Name == "" {
		cfg.Queue.Name = "campaign-emails"
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 3
	}
	if cfg.Queue.BackoffBaseSeconds == 0 {
		cfg.Queue.BackoffBaseSeconds = 1
	}
	if cfg.Queue.BackoffCeilingMin == 0 {
		cfg.Queue.BackoffCeilingMin = 15
	}
	if cfg.Queue.LeaseSeconds == 0 {
		cfg.Queue.LeaseSeconds = 30
	}
	if cfg.Worker.Concurrency == 0 {
		cfg.Worker.Concurrency = 1
	}
	if cfg.Worker.PollIntervalSeconds == 0 {
		cfg.Worker.PollIntervalSeconds = 1
	}
	if cfg.Worker.PauseRecheckMin == 0 {
		cfg.Worker.PauseRecheckMin = 30
	}
	if cfg.Worker.LeaseRenewSeconds == 0 {
		cfg.Worker.LeaseRenewSeconds = 15
	}
	if cfg.Worker.ReclaimIntervalSec == 0 {
		cfg.Worker.ReclaimIntervalSec = 60
	}
	if cfg.Pool.IdleTimeoutMin == 0 {
		cfg.Pool.IdleTimeoutMin = 5
	}
	if cfg.Pool.SweepIntervalSec == 0 {
		cfg.Pool.SweepIntervalSec = 60
	}
	if cfg.Pool.MaxMessages == 0 {
		cfg.Pool.MaxMessages = 100
	}
	if cfg.Pool.MaxConnections == 0 {
		cfg.Pool.MaxConnections = 3
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-east-1"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		n, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB %q: %w", db, err)
		}
		cfg.Redis.DB = n
	}
	if token := os.Getenv("API_AUTH_TOKEN"); token != "" {
		cfg.Server.AuthToken = token
	}
	if accessKey := os.Getenv("AWS_SES_ACCESS_KEY"); accessKey != "" {
		cfg.SES.AccessKey = accessKey
	}
	if secretKey := os.Getenv("AWS_SES_SECRET_KEY"); secretKey != "" {
		cfg.SES.SecretKey = secretKey
	}
	if region := os.Getenv("AWS_SES_REGION"); region != "" {
		cfg.SES.Region = region
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}

	return cfg, nil
}
