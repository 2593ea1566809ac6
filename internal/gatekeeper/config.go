package gatekeeper

import (
	"fmt"
	"time"
)

// Config holds connection-pool, breaker, retry, and timeout settings for
// the Gatekeeper (spec.md §4.1, §6).
type Config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string

	MaxConns int32
	MinConns int32

	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	ConnectTimeout    time.Duration

	// PoolWait bounds how long a caller waits for a connection before
	// receiving Timeout (spec.md §4.1 "Tie-breaks / edge cases").
	PoolWait time.Duration

	// TxnMaxDuration is the hard statement/transaction timeout
	// (spec.md §4.1, §5).
	TxnMaxDuration time.Duration

	// MaxRetries, BaseDelay, MaxDelay configure the jittered exponential
	// backoff applied to transient write failures (spec.md §4.1).
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// Breaker settings (spec.md §4.1).
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
}

// DefaultConfig returns the defaults enumerated in spec.md §6.
func DefaultConfig() Config {
	return Config{
		Host:              "localhost",
		Port:              5432,
		Database:          "orchestrator",
		User:              "orchestrator",
		SSLMode:           "disable",
		MaxConns:          20,
		MinConns:          2,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   5 * time.Minute,
		HealthCheckPeriod: 30 * time.Second,
		ConnectTimeout:    10 * time.Second,
		PoolWait:          5 * time.Second,
		TxnMaxDuration:    30 * time.Second,
		MaxRetries:        3,
		BaseDelay:         100 * time.Millisecond,
		MaxDelay:          2 * time.Second,
		FailureThreshold:  5,
		RecoveryTimeout:   60 * time.Second,
		SuccessThreshold:  3,
	}
}

// Validate rejects non-sensical configuration before the pool starts.
func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("gatekeeper: host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("gatekeeper: port must be in [1,65535]")
	}
	if c.Database == "" {
		return fmt.Errorf("gatekeeper: database name is required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("gatekeeper: max_conns must be positive")
	}
	if c.MinConns < 0 || c.MinConns > c.MaxConns {
		return fmt.Errorf("gatekeeper: min_conns must be in [0,max_conns]")
	}
	if c.PoolWait <= 0 {
		return fmt.Errorf("gatekeeper: pool_wait must be positive")
	}
	if c.TxnMaxDuration <= 0 {
		return fmt.Errorf("gatekeeper: txn_max_duration must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("gatekeeper: max_retries cannot be negative")
	}
	if c.FailureThreshold <= 0 || c.SuccessThreshold <= 0 {
		return fmt.Errorf("gatekeeper: breaker thresholds must be positive")
	}
	if c.RecoveryTimeout <= 0 {
		return fmt.Errorf("gatekeeper: recovery_timeout must be positive")
	}
	return nil
}

// DSN renders a pgx connection string.
func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}
