package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.StoreDriver)
	assert.Equal(t, 1, cfg.BatchConcurrency)
	assert.Equal(t, "tasks:events", cfg.EventsKey)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
store_driver = "postgres"
postgres_dsn = "postgres://file"
batch_concurrency = 4
drain_interval = "10s"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("POSTGRES_DSN", "postgres://env")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, cfg.StoreDriver)
	assert.Equal(t, "postgres://env", cfg.PostgresDSN)
	assert.Equal(t, 4, cfg.BatchConcurrency)
	assert.Equal(t, 10*time.Second, cfg.DrainInterval)
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	cfg.StoreDriver = "mongo"
	cfg.BatchConcurrency = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store driver")
	assert.Contains(t, err.Error(), "batch concurrency")

	cfg = Defaults()
	cfg.ArchiveDir = "/tmp/a"
	cfg.ArchiveS3Bucket = "b"
	assert.Error(t, cfg.Validate())
}

func TestInvalidEnvFallsBack(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("BATCH_CONCURRENCY", "lots")
	t.Setenv("DRAIN_INTERVAL", "soon")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.BatchConcurrency)
	assert.Equal(t, 30*time.Second, cfg.DrainInterval)
}

func TestEmptyRedisAddrDisablesRedis(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("REDIS_ADDR", "")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.RedisAddr)

	t.Setenv("REDIS_ADDR", "redis:6380")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "redis:6380", cfg.RedisAddr)
}
