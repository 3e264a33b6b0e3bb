// Package config loads server settings from an optional YAML file named by
// LEDGER_CONFIG_FILE, then from environment variables, which win.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
)

type Config struct {
	DBSource string `yaml:"db_source"`
	Port     string `yaml:"port"`
	Env      string `yaml:"environment"`
	LogLevel string `yaml:"log_level"`

	// LedgerBackend is postgres or memory.
	LedgerBackend string `yaml:"ledger_backend"`
	// IdempotencyBackend is postgres, redis or memory.
	IdempotencyBackend string `yaml:"idempotency_backend"`

	DBMaxConns int32  `yaml:"db_max_conns"`
	RedisAddr  string `yaml:"redis_addr"`

	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`

	// KafkaWriteTimeout bounds each audit publish so a stalled broker
	// cannot hold up transfers.
	KafkaWriteTimeout time.Duration `yaml:"kafka_write_timeout"`

	// JWTSigningKey enables bearer authentication when set.
	JWTSigningKey string `yaml:"jwt_signing_key"`

	IdempotencyLease     time.Duration `yaml:"idempotency_lease"`
	IdempotencyRetention time.Duration `yaml:"idempotency_retention"`
	SweepInterval        time.Duration `yaml:"sweep_interval"`

	MaxApplyAttempts int           `yaml:"max_apply_attempts"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
}

func defaults() Config {
	return Config{
		Port:                 "8080",
		Env:                  "development",
		LedgerBackend:        BackendPostgres,
		IdempotencyBackend:   BackendPostgres,
		DBMaxConns:           20,
		RedisAddr:            "localhost:6379",
		KafkaTopic:           "ledger.audit",
		KafkaWriteTimeout:    time.Second,
		IdempotencyLease:     30 * time.Second,
		IdempotencyRetention: 24 * time.Hour,
		SweepInterval:        time.Minute,
		MaxApplyAttempts:     5,
		ShutdownTimeout:      15 * time.Second,
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("LEDGER_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.DBSource, "DB_SOURCE")
	setString(&c.Port, "SERVER_PORT")
	setString(&c.Env, "ENVIRONMENT")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LedgerBackend, "LEDGER_BACKEND")
	setString(&c.IdempotencyBackend, "IDEMPOTENCY_BACKEND")
	setString(&c.RedisAddr, "REDIS_ADDR")
	setString(&c.KafkaTopic, "KAFKA_TOPIC")
	setString(&c.JWTSigningKey, "JWT_SIGNING_KEY")
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.KafkaBrokers = splitList(v)
	}

	var errs []error
	errs = append(errs,
		setDuration(&c.IdempotencyLease, "IDEMPOTENCY_LEASE"),
		setDuration(&c.IdempotencyRetention, "IDEMPOTENCY_RETENTION"),
		setDuration(&c.SweepInterval, "IDEMPOTENCY_SWEEP_INTERVAL"),
		setDuration(&c.ShutdownTimeout, "SHUTDOWN_TIMEOUT"),
		setDuration(&c.KafkaWriteTimeout, "KAFKA_WRITE_TIMEOUT"),
		setInt(&c.MaxApplyAttempts, "MAX_APPLY_ATTEMPTS"),
	)
	if v := os.Getenv("DB_MAX_CONNS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			errs = append(errs, fmt.Errorf("DB_MAX_CONNS: %w", err))
		}
		c.DBMaxConns = int32(n)
	}
	return errors.Join(errs...)
}

// Validate checks backend names and the settings each backend requires.
func (c *Config) Validate() error {
	switch c.LedgerBackend {
	case BackendPostgres, BackendMemory:
	default:
		return fmt.Errorf("LEDGER_BACKEND must be %s or %s, got %q", BackendPostgres, BackendMemory, c.LedgerBackend)
	}
	switch c.IdempotencyBackend {
	case BackendPostgres, BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("IDEMPOTENCY_BACKEND must be %s, %s or %s, got %q",
			BackendPostgres, BackendRedis, BackendMemory, c.IdempotencyBackend)
	}
	if c.UsesPostgres() && c.DBSource == "" {
		return fmt.Errorf("DB_SOURCE environment variable is required")
	}
	if c.IdempotencyBackend == BackendRedis && c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required for the redis idempotency backend")
	}
	if c.IdempotencyLease <= 0 || c.IdempotencyRetention < c.IdempotencyLease {
		return fmt.Errorf("idempotency retention (%s) must be at least the lease (%s)", c.IdempotencyRetention, c.IdempotencyLease)
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaWriteTimeout <= 0 {
		return fmt.Errorf("KAFKA_WRITE_TIMEOUT must be positive, got %s", c.KafkaWriteTimeout)
	}
	return nil
}

// UsesPostgres reports whether any backend needs a database connection.
func (c *Config) UsesPostgres() bool {
	return c.LedgerBackend == BackendPostgres || c.IdempotencyBackend == BackendPostgres
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
