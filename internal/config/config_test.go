package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpnova-bot/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 72*time.Hour, cfg.GraceWindow)
	assert.Equal(t, 5, cfg.ProvisionMaxAttempts)
	assert.Equal(t, time.Second, cfg.ProvisionBackoffBase)
	assert.Equal(t, 30*time.Second, cfg.ProvisionBackoffMax)
	assert.Equal(t, 24*time.Hour, cfg.ReplayWindow)
	assert.NotEmpty(t, cfg.AllowedSourceCIDRs)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("GRACE_WINDOW", "48h")
	t.Setenv("PROVISION_MAX_ATTEMPTS", "3")
	t.Setenv("PAYMENT_ALLOWED_CIDRS", "10.0.0.0/8,192.168.0.0/16")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 48*time.Hour, cfg.GraceWindow)
	assert.Equal(t, 3, cfg.ProvisionMaxAttempts)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.0.0/16"}, cfg.AllowedSourceCIDRs)
}

func TestLoad_InvalidValue(t *testing.T) {
	t.Setenv("GRACE_WINDOW", "not-a-duration")

	_, err := config.Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrParsing)
}
