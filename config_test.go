package sitepulse

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDefaults(t *testing.T) {
	var cfg SiteConfig
	cfg.setDefaults()

	assert.Equal(t, ":3000", cfg.Addr)
	assert.Equal(t, "production", cfg.Environment)
	assert.False(t, cfg.IsDevelopment())
	assert.Equal(t, 60, cfg.RateLimit.GeneralLimit)
	assert.Equal(t, time.Minute, cfg.RateLimit.GeneralWindow)
	assert.Equal(t, 5, cfg.RateLimit.ContactLimit)
	assert.Equal(t, 5*time.Minute, cfg.RateLimit.ContactWindow)
	assert.Equal(t, 10, cfg.RateLimit.EmergencyLimit)
	assert.Equal(t, 10000, cfg.Analytics.EventCapacity)
	assert.Equal(t, 1000, cfg.Analytics.HeatmapCapacity)
	assert.Equal(t, 30*time.Minute, cfg.Analytics.SessionTimeout)
	assert.Equal(t, 24, cfg.Analytics.RetentionHours)
	assert.Equal(t, 2.0, cfg.Analytics.ConversionAlertThreshold)
	assert.Equal(t, "sitepulse:ratelimit", cfg.Redis.Prefix)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sitepulse.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: Acme Restoration
environment: development
phone: "(555) 010-0199"
session_secret: from-file
rate_limit:
  contact_limit: 3
  contact_window: 10m
analytics:
  heatmap_capacity: 250
`), 0o600))

	t.Setenv("SITEPULSE_SESSION_SECRET", "from-env")
	t.Setenv("SITEPULSE_RATE_LIMIT_EMERGENCY_LIMIT", "20")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "Acme Restoration", cfg.Name)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, "(555) 010-0199", cfg.Phone)
	assert.Equal(t, "from-env", cfg.SessionSecret)
	assert.Equal(t, 3, cfg.RateLimit.ContactLimit)
	assert.Equal(t, 10*time.Minute, cfg.RateLimit.ContactWindow)
	assert.Equal(t, 20, cfg.RateLimit.EmergencyLimit)
	assert.Equal(t, 250, cfg.Analytics.HeatmapCapacity)
	// Untouched keys keep their defaults.
	assert.Equal(t, 60, cfg.RateLimit.GeneralLimit)
	assert.Equal(t, 10000, cfg.Analytics.EventCapacity)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigWithoutFile(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("SITEPULSE_ADDR", ":8080")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "production", cfg.Environment)
}
