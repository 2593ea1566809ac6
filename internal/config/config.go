// Package config loads and validates the orchestrator's configuration,
// layering defaults, an optional YAML file, and environment variables
// (prefix ORCHESTRATOR_) via spf13/viper, the way the teacher's own
// config package is structured.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the orchestrator's full runtime configuration.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Log          LogConfig          `mapstructure:"log"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port                    int           `mapstructure:"port"`
	Host                    string        `mapstructure:"host"`
	ReadTimeout             time.Duration `mapstructure:"read_timeout"`
	WriteTimeout            time.Duration `mapstructure:"write_timeout"`
	IdleTimeout             time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout          time.Duration `mapstructure:"request_timeout"`
	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout"`
	EnableCORS              bool          `mapstructure:"enable_cors"`
	EnableCompression       bool          `mapstructure:"enable_compression"`
	EnableRateLimit         bool          `mapstructure:"enable_rate_limit"`
	RateLimitPerMinute      int           `mapstructure:"rate_limit_per_minute"`
	RateLimitBurst          int           `mapstructure:"rate_limit_burst"`
	EnableOperatorAuth      bool          `mapstructure:"enable_operator_auth"`
	OperatorAPIKey          string        `mapstructure:"operator_api_key"`
}

// DatabaseConfig holds Gatekeeper/Postgres configuration (spec.md §4.1, §6).
type DatabaseConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	Database          string        `mapstructure:"database"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	SSLMode           string        `mapstructure:"ssl_mode"`
	MaxConnections    int32         `mapstructure:"max_connections"`
	MinConnections    int32         `mapstructure:"min_connections"`
	MaxConnLifetime   time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	PoolWait          time.Duration `mapstructure:"pool_wait_s"`
	TxnMaxDuration    time.Duration `mapstructure:"txn_max_duration_s"`
	MaxRetries        int           `mapstructure:"max_retries"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	BreakerFailureThreshold int     `mapstructure:"breaker_failure_threshold"`
	BreakerRecoveryTimeout  time.Duration `mapstructure:"breaker_recovery_timeout_s"`
	BreakerSuccessThreshold int     `mapstructure:"breaker_success_threshold"`
}

// RedisConfig holds Redis connection configuration, used by the
// Idempotency-Key store and the external catalog mirror's cache.
type RedisConfig struct {
	Addr            string        `mapstructure:"addr"`
	Password        string        `mapstructure:"password"`
	DB              int           `mapstructure:"db"`
	PoolSize        int           `mapstructure:"pool_size"`
	MinIdleConns    int           `mapstructure:"min_idle_conns"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	MinRetryBackoff time.Duration `mapstructure:"min_retry_backoff"`
	MaxRetryBackoff time.Duration `mapstructure:"max_retry_backoff"`
}

// LogConfig holds structured-logging configuration.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig holds Prometheus exposition configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Port    int    `mapstructure:"port"`
}

// OrchestratorConfig holds the tunables enumerated in spec.md §6.
type OrchestratorConfig struct {
	HeartbeatIntervalS   int     `mapstructure:"heartbeat_interval_s"`
	WarnThresholdS       int     `mapstructure:"warn_threshold_s"`
	InactiveThresholdS   int     `mapstructure:"inactive_threshold_s"`
	RemovalTimeoutS      int     `mapstructure:"removal_timeout_s"`
	EmergencyThresholdS  int     `mapstructure:"emergency_threshold_s"`
	RecoveryKThreshold   int     `mapstructure:"recovery_k_threshold"`
	RedistributionDeadlineS int  `mapstructure:"redistribution_deadline_s"`

	ImbalanceThreshold  float64 `mapstructure:"imbalance_threshold"`
	MaxStreamDifference int     `mapstructure:"max_stream_difference"`
	MigrationBatch      int     `mapstructure:"migration_batch"`
	MigrationStepMs     int     `mapstructure:"migration_step_ms"`
	MigrationTimeoutS   int     `mapstructure:"migration_timeout_s"`
	RebalanceCooldownS  int     `mapstructure:"rebalance_cooldown_s"`
	RebalanceTickS      int     `mapstructure:"rebalance_tick_s"`

	HeartbeatScanIntervalS   int `mapstructure:"heartbeat_scan_interval_s"`
	ConsistencyCheckIntervalS int `mapstructure:"consistency_check_interval_s"`

	PerformanceScoreAlpha float64 `mapstructure:"performance_score_alpha"`

	IdempotencyKeyTTLS int `mapstructure:"idempotency_key_ttl_s"`
	CatalogRefreshIntervalS int `mapstructure:"catalog_refresh_interval_s"`
}

// HeartbeatInterval returns the configured heartbeat cadence as a Duration.
func (o OrchestratorConfig) HeartbeatInterval() time.Duration {
	return time.Duration(o.HeartbeatIntervalS) * time.Second
}

// WarnThreshold returns ACTIVE->WARNING silence tolerance.
func (o OrchestratorConfig) WarnThreshold() time.Duration {
	return time.Duration(o.WarnThresholdS) * time.Second
}

// InactiveThreshold returns WARNING->INACTIVE silence tolerance.
func (o OrchestratorConfig) InactiveThreshold() time.Duration {
	return time.Duration(o.InactiveThresholdS) * time.Second
}

// RemovalTimeout returns INACTIVE->REMOVED silence tolerance.
func (o OrchestratorConfig) RemovalTimeout() time.Duration {
	return time.Duration(o.RemovalTimeoutS) * time.Second
}

// EmergencyThreshold returns the large-margin threshold for emergency recovery.
func (o OrchestratorConfig) EmergencyThreshold() time.Duration {
	return time.Duration(o.EmergencyThresholdS) * time.Second
}

// RedistributionDeadline returns the bound on redistributing a lost instance's streams.
func (o OrchestratorConfig) RedistributionDeadline() time.Duration {
	return time.Duration(o.RedistributionDeadlineS) * time.Second
}

// MigrationStep returns the inter-batch delay during plan application.
func (o OrchestratorConfig) MigrationStep() time.Duration {
	return time.Duration(o.MigrationStepMs) * time.Millisecond
}

// MigrationTimeout returns the stuck-migration bound.
func (o OrchestratorConfig) MigrationTimeout() time.Duration {
	return time.Duration(o.MigrationTimeoutS) * time.Second
}

// RebalanceCooldown returns the minimum interval between periodic plans.
func (o OrchestratorConfig) RebalanceCooldown() time.Duration {
	return time.Duration(o.RebalanceCooldownS) * time.Second
}

// RebalanceTick returns the periodic imbalance-check interval.
func (o OrchestratorConfig) RebalanceTick() time.Duration {
	return time.Duration(o.RebalanceTickS) * time.Second
}

// HeartbeatScanInterval returns the Failure Detector's scan cadence.
func (o OrchestratorConfig) HeartbeatScanInterval() time.Duration {
	return time.Duration(o.HeartbeatScanIntervalS) * time.Second
}

// ConsistencyCheckInterval returns the Consistency Checker's cadence.
func (o OrchestratorConfig) ConsistencyCheckInterval() time.Duration {
	return time.Duration(o.ConsistencyCheckIntervalS) * time.Second
}

// IdempotencyKeyTTL returns how long an Idempotency-Key response is cached.
func (o OrchestratorConfig) IdempotencyKeyTTL() time.Duration {
	return time.Duration(o.IdempotencyKeyTTLS) * time.Second
}

// CatalogRefreshInterval returns the external catalog mirror's refresh tick.
func (o OrchestratorConfig) CatalogRefreshInterval() time.Duration {
	return time.Duration(o.CatalogRefreshIntervalS) * time.Second
}

// LoadConfig loads configuration from an optional file plus environment
// variables prefixed ORCHESTRATOR_ (e.g. ORCHESTRATOR_DATABASE_HOST).
func LoadConfig(configPath string) (*Config, error) {
	setDefaults()

	viper.SetEnvPrefix("orchestrator")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		viper.SetConfigFile(configPath)
		viper.SetConfigType("yaml")

		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.request_timeout", "15s")
	viper.SetDefault("server.graceful_shutdown_timeout", "30s")
	viper.SetDefault("server.enable_cors", true)
	viper.SetDefault("server.enable_compression", true)
	viper.SetDefault("server.enable_rate_limit", true)
	viper.SetDefault("server.rate_limit_per_minute", 600)
	viper.SetDefault("server.rate_limit_burst", 100)
	viper.SetDefault("server.enable_operator_auth", false)
	viper.SetDefault("server.operator_api_key", "")

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.database", "orchestrator")
	viper.SetDefault("database.username", "orchestrator")
	viper.SetDefault("database.password", "")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_connections", 20)
	viper.SetDefault("database.min_connections", 2)
	viper.SetDefault("database.max_conn_lifetime", "1h")
	viper.SetDefault("database.max_conn_idle_time", "5m")
	viper.SetDefault("database.health_check_period", "30s")
	viper.SetDefault("database.connect_timeout", "10s")
	viper.SetDefault("database.pool_wait_s", "5s")
	viper.SetDefault("database.txn_max_duration_s", "30s")
	viper.SetDefault("database.max_retries", 3)
	viper.SetDefault("database.base_delay", "100ms")
	viper.SetDefault("database.max_delay", "2s")
	viper.SetDefault("database.breaker_failure_threshold", 5)
	viper.SetDefault("database.breaker_recovery_timeout_s", "60s")
	viper.SetDefault("database.breaker_success_threshold", 3)

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.min_idle_conns", 2)
	viper.SetDefault("redis.dial_timeout", "5s")
	viper.SetDefault("redis.read_timeout", "3s")
	viper.SetDefault("redis.write_timeout", "3s")
	viper.SetDefault("redis.max_retries", 3)
	viper.SetDefault("redis.min_retry_backoff", "100ms")
	viper.SetDefault("redis.max_retry_backoff", "500ms")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.filename", "")
	viper.SetDefault("log.max_size", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age", 28)
	viper.SetDefault("log.compress", true)

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
	viper.SetDefault("metrics.port", 9090)

	viper.SetDefault("orchestrator.heartbeat_interval_s", 30)
	viper.SetDefault("orchestrator.warn_threshold_s", 90)
	viper.SetDefault("orchestrator.inactive_threshold_s", 180)
	viper.SetDefault("orchestrator.removal_timeout_s", 86400)
	viper.SetDefault("orchestrator.emergency_threshold_s", 600)
	viper.SetDefault("orchestrator.recovery_k_threshold", 2)
	viper.SetDefault("orchestrator.redistribution_deadline_s", 60)

	viper.SetDefault("orchestrator.imbalance_threshold", 0.15)
	viper.SetDefault("orchestrator.max_stream_difference", 3)
	viper.SetDefault("orchestrator.migration_batch", 50)
	viper.SetDefault("orchestrator.migration_step_ms", 500)
	viper.SetDefault("orchestrator.migration_timeout_s", 30)
	viper.SetDefault("orchestrator.rebalance_cooldown_s", 300)
	viper.SetDefault("orchestrator.rebalance_tick_s", 60)

	viper.SetDefault("orchestrator.heartbeat_scan_interval_s", 30)
	viper.SetDefault("orchestrator.consistency_check_interval_s", 120)

	viper.SetDefault("orchestrator.performance_score_alpha", 0.3)

	viper.SetDefault("orchestrator.idempotency_key_ttl_s", 300)
	viper.SetDefault("orchestrator.catalog_refresh_interval_s", 300)
}

// Validate rejects non-sensical configuration.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database host cannot be empty")
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database name cannot be empty")
	}
	if c.Database.MaxConnections <= 0 {
		return fmt.Errorf("database max_connections must be positive")
	}
	if c.Log.Level == "" {
		return fmt.Errorf("log level cannot be empty")
	}
	if c.Orchestrator.PerformanceScoreAlpha <= 0 || c.Orchestrator.PerformanceScoreAlpha > 1 {
		return fmt.Errorf("performance_score_alpha must be in (0,1]")
	}
	if c.Orchestrator.MigrationBatch <= 0 {
		return fmt.Errorf("migration_batch must be positive")
	}
	if c.Orchestrator.RecoveryKThreshold <= 0 {
		return fmt.Errorf("recovery_k_threshold must be positive")
	}
	return nil
}

// DatabaseURL constructs a pgx DSN from the database section.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.Username, c.Database.Password,
		c.Database.Host, c.Database.Port, c.Database.Database, c.Database.SSLMode)
}

// IsDebug reports whether verbose logging was requested.
func (c *Config) IsDebug() bool {
	return strings.EqualFold(c.Log.Level, "debug")
}
