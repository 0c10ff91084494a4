package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8002", cfg.Service.Port)
	assert.Equal(t, 60*time.Second, cfg.Reconciliation.Interval)
	assert.Equal(t, 10*time.Minute, cfg.Reconciliation.StaleThreshold)
	assert.Equal(t, 10, cfg.Reconciliation.ChunkSize)
	assert.Equal(t, 200, cfg.Reconciliation.BatchLimit)
	assert.Equal(t, []string{"localhost:9093"}, cfg.Kafka.Brokers)
	assert.Equal(t, "pg.callback.v1", cfg.Kafka.CallbackTopic)
	assert.Empty(t, cfg.Log.Level)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PAYMENT_RECONCILIATION_CHUNK_SIZE", "4")
	t.Setenv("PAYMENT_RECONCILIATION_STALE_THRESHOLD", "15m")
	t.Setenv("PAYMENT_PG_BASE_URL", "http://pg-simulator:8082")
	t.Setenv("PAYMENT_KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")
	t.Setenv("PAYMENT_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Reconciliation.ChunkSize)
	assert.Equal(t, 15*time.Minute, cfg.Reconciliation.StaleThreshold)
	assert.Equal(t, "http://pg-simulator:8082", cfg.PG.BaseURL)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payment.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
service:
  port: "9000"
reconciliation:
  interval: 30s
  chunk_size: 5
pg:
  request_timeout: 2s
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Service.Port)
	assert.Equal(t, 30*time.Second, cfg.Reconciliation.Interval)
	assert.Equal(t, 5, cfg.Reconciliation.ChunkSize)
	assert.Equal(t, 2*time.Second, cfg.PG.RequestTimeout)
	assert.Equal(t, 200, cfg.Reconciliation.BatchLimit)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))

	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"청크 크기 0", func(c *Config) { c.Reconciliation.ChunkSize = 0 }},
		{"주기 0", func(c *Config) { c.Reconciliation.Interval = 0 }},
		{"기준 시간 음수", func(c *Config) { c.Reconciliation.StaleThreshold = -time.Minute }},
		{"DSN 없음", func(c *Config) { c.Database.DSN = "" }},
		{"PG 주소 없음", func(c *Config) { c.PG.BaseURL = "" }},
		{"브로커 없음", func(c *Config) { c.Kafka.Brokers = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, valid().Validate())
}
