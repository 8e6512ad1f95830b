package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selfwork/taxgate/config"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "team286", cfg.BankClientID)
	assert.Equal(t, "memory", cfg.StorageBackend)
	assert.Empty(t, cfg.RedisAddr)

	assert.Equal(t, 5*time.Minute, cfg.TokenTTLMargin())
	assert.Equal(t, 10*time.Second, cfg.CallTimeout())
	assert.Equal(t, 30*time.Second, cfg.ListBudget())
	assert.Equal(t, 15*time.Minute, cfg.TxCacheTTL())
	assert.Equal(t, 5*time.Second, cfg.PollInterval())
	assert.Equal(t, 60, cfg.PollMaxAttempts)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("BANK_CLIENT_ID", "team999")
	t.Setenv("SBANK_BASE_URL", "http://localhost:8002")
	t.Setenv("POLL_INTERVAL_SEC", "1")
	t.Setenv("STORAGE_BACKEND", "mongo")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.HTTPPort)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "team999", cfg.BankClientID)
	assert.Equal(t, "http://localhost:8002", cfg.SBankBaseURL)
	assert.Equal(t, time.Second, cfg.PollInterval())
	assert.Equal(t, "mongo", cfg.StorageBackend)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
}
