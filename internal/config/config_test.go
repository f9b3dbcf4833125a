package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{
		"PORT", "DATABASE_URL", "RUN_MIGRATIONS", "REDIS_URL", "CACHE_TTL",
		"NATS_URL", "NATS_STREAM", "LOG_LEVEL", "REQUEST_TIMEOUT",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Empty(t, cfg.DatabaseURL)
	assert.True(t, cfg.RunMigrations)
	assert.Equal(t, 30*time.Second, cfg.CacheTTL)
	assert.Equal(t, "LOAN_POSITIONS", cfg.NATSStream)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost:5432/loans")
	t.Setenv("RUN_MIGRATIONS", "false")
	t.Setenv("CACHE_TTL", "2m")
	t.Setenv("NATS_URL", "nats://localhost:4222")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.False(t, cfg.RunMigrations)
	assert.Equal(t, 2*time.Minute, cfg.CacheTTL)
	assert.Equal(t, "nats://localhost:4222", cfg.NATSURL)
}

func TestLoad_CollectsAllErrors(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "eighty")
	t.Setenv("CACHE_TTL", "-1s")
	t.Setenv("LOG_LEVEL", "chatty")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid integer value 'eighty' for key PORT")
	assert.Contains(t, err.Error(), "CACHE_TTL must be positive")
	assert.Contains(t, err.Error(), `LOG_LEVEL "chatty"`)
}
