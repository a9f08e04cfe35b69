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

	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, 30*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Empty(t, cfg.DB.URL)
	assert.Equal(t, 30*time.Second, cfg.Redis.TTL)
	assert.Equal(t, "commitment-events", cfg.Kafka.Topic)
	assert.True(t, cfg.Cron.Enabled)
	assert.Equal(t, "0 * * * * *", cfg.Cron.DeadlineSweep)
	assert.Equal(t, 5*time.Second, cfg.Notify.Timeout)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CE_SERVER_HTTP_ADDR", ":9090")
	t.Setenv("CE_LOG_FORMAT", "console")
	t.Setenv("CE_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("CE_NOTIFY_TIMEOUT", "750ms")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.HTTPAddr)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "k1:9092,k2:9092", cfg.Kafka.Brokers)
	assert.Equal(t, 750*time.Millisecond, cfg.Notify.Timeout)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := "db:\n  url: postgres://localhost/ce\nredis:\n  url: redis://localhost:6379/0\n  ttl: 1m\ncron:\n  deadline_sweep: \"@every 30s\"\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/ce", cfg.DB.URL)
	assert.Equal(t, time.Minute, cfg.Redis.TTL)
	assert.Equal(t, "@every 30s", cfg.Cron.DeadlineSweep)
}

func TestLoad_Invalid(t *testing.T) {
	t.Run("log format", func(t *testing.T) {
		t.Setenv("CE_LOG_FORMAT", "xml")
		_, err := Load("")
		assert.ErrorContains(t, err, "log.format")
	})
	t.Run("redis without db", func(t *testing.T) {
		t.Setenv("CE_REDIS_URL", "redis://localhost:6379")
		_, err := Load("")
		assert.ErrorContains(t, err, "redis.url requires db.url")
	})
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}
