package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{
		"LEDGER_CONFIG_FILE", "DB_SOURCE", "SERVER_PORT", "ENVIRONMENT", "LEDGER_BACKEND",
		"IDEMPOTENCY_BACKEND", "REDIS_ADDR", "KAFKA_BROKERS", "KAFKA_TOPIC", "JWT_SIGNING_KEY",
		"IDEMPOTENCY_LEASE", "IDEMPOTENCY_RETENTION", "IDEMPOTENCY_SWEEP_INTERVAL",
		"SHUTDOWN_TIMEOUT", "MAX_APPLY_ATTEMPTS", "DB_MAX_CONNS", "LOG_LEVEL", "KAFKA_WRITE_TIMEOUT",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadRequiresDBSourceForPostgres(t *testing.T) {
	clearEnv(t)
	_, err := Load()
	assert.ErrorContains(t, err, "DB_SOURCE")
}

func TestLoadMemoryDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("LEDGER_BACKEND", "memory")
	t.Setenv("IDEMPOTENCY_BACKEND", "memory")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, 30*time.Second, cfg.IdempotencyLease)
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyRetention)
	assert.Equal(t, time.Second, cfg.KafkaWriteTimeout)
	assert.False(t, cfg.UsesPostgres())
	assert.Empty(t, cfg.JWTSigningKey)
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db_source: postgres://file
port: "9000"
idempotency_backend: redis
redis_addr: redis:6379
kafka_brokers: [k1:9092, k2:9092]
idempotency_lease: 10s
idempotency_retention: 1h
`), 0o600))
	t.Setenv("LEDGER_CONFIG_FILE", path)
	t.Setenv("SERVER_PORT", "9100")
	t.Setenv("KAFKA_BROKERS", "k3:9092, k4:9092")
	t.Setenv("KAFKA_WRITE_TIMEOUT", "250ms")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://file", cfg.DBSource)
	assert.Equal(t, "9100", cfg.Port)
	assert.Equal(t, BackendRedis, cfg.IdempotencyBackend)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, []string{"k3:9092", "k4:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 10*time.Second, cfg.IdempotencyLease)
	assert.Equal(t, time.Hour, cfg.IdempotencyRetention)
	assert.Equal(t, 250*time.Millisecond, cfg.KafkaWriteTimeout)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]map[string]string{
		"backend":   {"LEDGER_BACKEND": "sqlite"},
		"duration":  {"IDEMPOTENCY_LEASE": "soon"},
		"retention": {"IDEMPOTENCY_LEASE": "2h", "IDEMPOTENCY_RETENTION": "1h"},
		"max conns": {"DB_MAX_CONNS": "lots"},
		"kafka":     {"KAFKA_BROKERS": "k1:9092", "KAFKA_WRITE_TIMEOUT": "0s"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("DB_SOURCE", "postgres://x")
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
