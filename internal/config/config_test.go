package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	for _, k := range []string{"LISTEN_ADDR", "BROWSER_MODE", "JITTER_MAX", "HEADLESS", "TIMEZONE", "MAX_BOOKING_DATES"} {
		t.Setenv(k, "")
	}

	cfg, dotenv, err := Load()
	require.NoError(t, err)
	assert.False(t, dotenv)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, BrowserLocal, cfg.BrowserMode)
	assert.True(t, cfg.Headless)
	assert.Equal(t, 20*time.Second, cfg.JitterMax)
	assert.Equal(t, "Asia/Singapore", cfg.Location.String())
	assert.Zero(t, cfg.MaxBookingDates)
}

func TestLoadOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("BROWSER_MODE", "docker")
	t.Setenv("JITTER_MAX", "0s")
	t.Setenv("HEADLESS", "false")
	t.Setenv("MAX_BOOKING_DATES", "3")

	cfg, _, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BrowserDocker, cfg.BrowserMode)
	assert.Zero(t, cfg.JitterMax)
	assert.False(t, cfg.Headless)
	assert.Equal(t, 3, cfg.MaxBookingDates)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Chdir(t.TempDir())

	t.Run("browser mode", func(t *testing.T) {
		t.Setenv("BROWSER_MODE", "cloud")
		_, _, err := Load()
		assert.ErrorContains(t, err, "BROWSER_MODE")
	})

	t.Run("duration", func(t *testing.T) {
		t.Setenv("DISCOVERY_PAUSE", "ten")
		_, _, err := Load()
		assert.ErrorContains(t, err, "DISCOVERY_PAUSE")
	})
}
