package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, 60*time.Second, cfg.QRTimeout)
	assert.Equal(t, 5*time.Second, cfg.ReconnectInterval)
	assert.Equal(t, 10, cfg.MaxReconnectAttempts)
	assert.Equal(t, 3*time.Second, cfg.AIDebounce)
	assert.Equal(t, 5, cfg.AIHistory)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Empty(t, cfg.JWTSecret)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("QR_TIMEOUT", "45s")
	t.Setenv("MAX_RECONNECT_ATTEMPTS", "3")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("DB_DRIVER", "postgres")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.ServerPort)
	assert.Equal(t, 45*time.Second, cfg.QRTimeout)
	assert.Equal(t, 3, cfg.MaxReconnectAttempts)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, "postgres", cfg.DBDriver)
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Setenv("DB_DRIVER", "mongo")

	_, err := Load()
	assert.Error(t, err)
}
