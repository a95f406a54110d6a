// Package config provides configuration management for Devplane.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Devplane.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Responder  ResponderConfig  `mapstructure:"responder"`
	Webhooks   WebhookConfig    `mapstructure:"webhooks"`
	Locks      LockConfig       `mapstructure:"locks"`
	Snapshots  SnapshotConfig   `mapstructure:"snapshots"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds storage engine configuration. Driver is "sqlite"
// (default, single file with WAL journaling) or "postgres".
type DatabaseConfig struct {
	Driver             string `mapstructure:"driver"`
	Path               string `mapstructure:"path"`        // sqlite file path
	DSN                string `mapstructure:"dsn"`         // postgres DSN
	BusyTimeoutSeconds int    `mapstructure:"busyTimeout"` // sqlite busy_timeout, >= 30
	MaxConns           int    `mapstructure:"maxConns"`
	MinConns           int    `mapstructure:"minConns"`
	OverflowPath       string `mapstructure:"overflowPath"` // JSON fallback queue file
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// QueueConfig holds task queue tuning.
type QueueConfig struct {
	DefaultMaxRetries     int `mapstructure:"defaultMaxRetries"`
	DefaultTimeoutSeconds int `mapstructure:"defaultTimeoutSeconds"`
	SweepIntervalSeconds  int `mapstructure:"sweepIntervalSeconds"`
	ArchiveAfterHours     int `mapstructure:"archiveAfterHours"`
	BatchItemCap          int `mapstructure:"batchItemCap"`
}

// DispatcherConfig holds session orchestrator tuning.
type DispatcherConfig struct {
	MaxTasksPerSecond    float64  `mapstructure:"maxTasksPerSecond"`
	WorkerSpawnCooldown  int      `mapstructure:"workerSpawnCooldown"` // seconds, >= 5
	TickIntervalSeconds  int      `mapstructure:"tickIntervalSeconds"`
	IdleThresholdSeconds int      `mapstructure:"idleThresholdSeconds"`
	CaptureLines         int      `mapstructure:"captureLines"` // >= 50
	DrainTimeoutSeconds  int      `mapstructure:"drainTimeoutSeconds"`
	ForceExit            bool     `mapstructure:"forceExit"`
	FallbackPrompts      []string `mapstructure:"fallbackPrompts"`
	ExcludedSessions     []string `mapstructure:"excludedSessions"`
}

// ResponderConfig holds prompt auto-responder tuning.
type ResponderConfig struct {
	PatternDBPath          string `mapstructure:"patternDbPath"`
	CheckIntervalMS        int    `mapstructure:"checkIntervalMs"` // >= 200
	CacheRefreshSeconds    int    `mapstructure:"cacheRefreshSeconds"`
	SessionCooldownSeconds int    `mapstructure:"sessionCooldownSeconds"`
	TailLines              int    `mapstructure:"tailLines"`
	LockName               string `mapstructure:"lockName"`
}

// WebhookConfig holds webhook delivery tuning.
type WebhookConfig struct {
	BackoffCapSeconds     int `mapstructure:"backoffCapSeconds"`
	DefaultRetryCount     int `mapstructure:"defaultRetryCount"`
	DefaultTimeoutSeconds int `mapstructure:"defaultTimeoutSeconds"`
	MaxParallel           int `mapstructure:"maxParallel"`
}

// LockConfig holds the advisory file-lock directory.
type LockConfig struct {
	Dir                   string `mapstructure:"dir"`
	AcquireTimeoutSeconds int    `mapstructure:"acquireTimeoutSeconds"`
}

// SnapshotConfig holds rollback snapshot settings.
type SnapshotConfig struct {
	Dir               string `mapstructure:"dir"`
	KeepCount         int    `mapstructure:"keepCount"`
	HealthURL         string `mapstructure:"healthUrl"`
	HealthIntervalSec int    `mapstructure:"healthIntervalSec"`
	FailureThreshold  int    `mapstructure:"failureThreshold"`
}

// AuthConfig holds session authentication and CSRF configuration.
type AuthConfig struct {
	SessionSecret     string `mapstructure:"sessionSecret"`
	CSRFTokenLifetime int    `mapstructure:"csrfTokenLifetime"` // seconds
	CSRFGraceWindow   int    `mapstructure:"csrfGraceWindow"`   // seconds
	SessionLifetime   int    `mapstructure:"sessionLifetime"`   // seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// MinTaskInterval derives the minimum interval between dispatches from
// MaxTasksPerSecond.
func (d *DispatcherConfig) MinTaskInterval() time.Duration {
	if d.MaxTasksPerSecond <= 0 {
		return time.Second
	}
	return time.Duration(float64(time.Second) / d.MaxTasksPerSecond)
}

// DrainTimeout returns the drain timeout as a time.Duration.
func (d *DispatcherConfig) DrainTimeout() time.Duration {
	return time.Duration(d.DrainTimeoutSeconds) * time.Second
}

// TickInterval returns the activity poll interval as a time.Duration.
func (d *DispatcherConfig) TickInterval() time.Duration {
	return time.Duration(d.TickIntervalSeconds) * time.Second
}

// IdleThresholdTicks converts the idle threshold into a number of poll ticks.
func (d *DispatcherConfig) IdleThresholdTicks() int {
	if d.TickIntervalSeconds <= 0 {
		return d.IdleThresholdSeconds
	}
	ticks := d.IdleThresholdSeconds / d.TickIntervalSeconds
	if ticks < 1 {
		ticks = 1
	}
	return ticks
}

// CheckInterval returns the responder poll interval as a time.Duration.
func (r *ResponderConfig) CheckInterval() time.Duration {
	return time.Duration(r.CheckIntervalMS) * time.Millisecond
}

// CacheRefreshInterval returns the pattern cache refresh interval.
func (r *ResponderConfig) CacheRefreshInterval() time.Duration {
	return time.Duration(r.CacheRefreshSeconds) * time.Second
}

// SessionCooldown returns the post-confirmation cooldown.
func (r *ResponderConfig) SessionCooldown() time.Duration {
	return time.Duration(r.SessionCooldownSeconds) * time.Second
}

// AcquireTimeout returns the lock acquisition timeout.
func (l *LockConfig) AcquireTimeout() time.Duration {
	return time.Duration(l.AcquireTimeoutSeconds) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("DEVPLANE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "~/.devplane/devplane.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.busyTimeout", 30)
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)
	v.SetDefault("database.overflowPath", "~/.devplane/queue-overflow.json")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "devplane-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Queue defaults
	v.SetDefault("queue.defaultMaxRetries", 3)
	v.SetDefault("queue.defaultTimeoutSeconds", 3600)
	v.SetDefault("queue.sweepIntervalSeconds", 30)
	v.SetDefault("queue.archiveAfterHours", 168)
	v.SetDefault("queue.batchItemCap", 500)

	// Dispatcher defaults
	v.SetDefault("dispatcher.maxTasksPerSecond", 0.5)
	v.SetDefault("dispatcher.workerSpawnCooldown", 5)
	v.SetDefault("dispatcher.tickIntervalSeconds", 10)
	v.SetDefault("dispatcher.idleThresholdSeconds", 180)
	v.SetDefault("dispatcher.captureLines", 50)
	v.SetDefault("dispatcher.drainTimeoutSeconds", 30)
	v.SetDefault("dispatcher.forceExit", false)
	v.SetDefault("dispatcher.fallbackPrompts", []string{})
	v.SetDefault("dispatcher.excludedSessions", []string{})

	// Responder defaults
	v.SetDefault("responder.patternDbPath", "~/.devplane/patterns.db")
	v.SetDefault("responder.checkIntervalMs", 500)
	v.SetDefault("responder.cacheRefreshSeconds", 300)
	v.SetDefault("responder.sessionCooldownSeconds", 3)
	v.SetDefault("responder.tailLines", 15)
	v.SetDefault("responder.lockName", "prompt-responder")

	// Webhook defaults
	v.SetDefault("webhooks.backoffCapSeconds", 60)
	v.SetDefault("webhooks.defaultRetryCount", 3)
	v.SetDefault("webhooks.defaultTimeoutSeconds", 10)
	v.SetDefault("webhooks.maxParallel", 8)

	// Lock defaults
	v.SetDefault("locks.dir", "~/.devplane/locks")
	v.SetDefault("locks.acquireTimeoutSeconds", 30)

	// Snapshot defaults
	v.SetDefault("snapshots.dir", "~/.devplane/snapshots")
	v.SetDefault("snapshots.keepCount", 10)
	v.SetDefault("snapshots.healthUrl", "")
	v.SetDefault("snapshots.healthIntervalSec", 60)
	v.SetDefault("snapshots.failureThreshold", 3)

	// Auth defaults
	v.SetDefault("auth.sessionSecret", "")
	v.SetDefault("auth.csrfTokenLifetime", 3600)
	v.SetDefault("auth.csrfGraceWindow", 300)
	v.SetDefault("auth.sessionLifetime", 86400)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix DEVPLANE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/devplane/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("DEVPLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("database.path", "DEVPLANE_DB_PATH")
	_ = v.BindEnv("dispatcher.maxTasksPerSecond", "DEVPLANE_MAX_TASKS_PER_SECOND")
	_ = v.BindEnv("dispatcher.workerSpawnCooldown", "DEVPLANE_WORKER_SPAWN_COOLDOWN")
	_ = v.BindEnv("responder.checkIntervalMs", "DEVPLANE_RESPONDER_CHECK_INTERVAL_MS")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/devplane/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	expandPaths(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// expandPaths resolves a leading ~ in configured paths to the home directory.
func expandPaths(cfg *Config) {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	expand := func(p string) string {
		if strings.HasPrefix(p, "~/") {
			return home + p[1:]
		}
		return p
	}
	cfg.Database.Path = expand(cfg.Database.Path)
	cfg.Database.OverflowPath = expand(cfg.Database.OverflowPath)
	cfg.Responder.PatternDBPath = expand(cfg.Responder.PatternDBPath)
	cfg.Locks.Dir = expand(cfg.Locks.Dir)
	cfg.Snapshots.Dir = expand(cfg.Snapshots.Dir)
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
		if cfg.Database.BusyTimeoutSeconds < 30 {
			errs = append(errs, "database.busyTimeout must be at least 30 seconds")
		}
	case "postgres":
		if cfg.Database.DSN == "" {
			errs = append(errs, "database.dsn is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be sqlite or postgres")
	}

	if cfg.Dispatcher.WorkerSpawnCooldown < 5 {
		errs = append(errs, "dispatcher.workerSpawnCooldown must be at least 5 seconds")
	}
	if cfg.Dispatcher.CaptureLines < 50 {
		errs = append(errs, "dispatcher.captureLines must be at least 50")
	}
	if cfg.Responder.CheckIntervalMS < 200 {
		errs = append(errs, "responder.checkIntervalMs must be at least 200")
	}

	if cfg.Auth.SessionSecret == "" {
		cfg.Auth.SessionSecret = generateDevSecret()
	}
	if cfg.Auth.CSRFTokenLifetime <= 0 {
		errs = append(errs, "auth.csrfTokenLifetime must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// generateDevSecret generates a random secret for development mode.
// In production, users should set DEVPLANE_AUTH_SESSIONSECRET.
func generateDevSecret() string {
	return "dev-secret-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
