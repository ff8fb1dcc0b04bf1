package config_test

import (
	"os"
	"testing"

	"github.com/alexlavriv/ota-agent/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_DefaultsOnly(t *testing.T) {
	t.Setenv("SNAP_USER_COMMON", "/var/snap/phantom-agent/common")
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 60, cfg.OTAIntervalSeconds)
	assert.Equal(t, 30000, cfg.Listener.Port)
	assert.Equal(t, "/var/snap/phantom-agent/common", cfg.BaseDir)
	assert.True(t, cfg.Cloud.TreatAny404AsV1Fallback)
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	t.Setenv("SNAP_USER_COMMON", "/var/snap/phantom-agent/common")
	f, err := os.CreateTemp(t.TempDir(), "cfg-*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString("ota_interval: 120\nlistener:\n  port: 40000\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	cfg, err := config.LoadConfig(f.Name())
	require.NoError(t, err)

	assert.Equal(t, 120, cfg.OTAIntervalSeconds)
	assert.Equal(t, 40000, cfg.Listener.Port)
	// Untouched defaults survive the merge.
	assert.Equal(t, 300, cfg.NTP.IntervalSeconds)
}

func TestLoadConfig_SpecEnvVarsOverrideEverything(t *testing.T) {
	t.Setenv("SNAP_USER_COMMON", "/custom/base")
	t.Setenv("NTP_INTERVAL", "900")
	t.Setenv("NTP_SERVERS", "ntp1.example.com,ntp2.example.com")

	cfg, err := config.LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "/custom/base", cfg.BaseDir)
	assert.Equal(t, 900, cfg.NTP.IntervalSeconds)
	assert.Equal(t, []string{"ntp1.example.com", "ntp2.example.com"}, cfg.NTP.Servers)
}

func TestLoadConfig_MissingBaseDirFailsValidation(t *testing.T) {
	t.Setenv("SNAP_USER_COMMON", "")
	_, err := config.LoadConfig("")
	assert.Error(t, err)
}

func TestSanitizer_RedactsAuthFilePath(t *testing.T) {
	t.Setenv("SNAP_USER_COMMON", "/var/snap/phantom-agent/common")
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)

	sanitizer := config.NewDefaultConfigSanitizer()
	sanitized := sanitizer.Sanitize(cfg)

	assert.NotEqual(t, cfg.Cloud.AuthFilePath, sanitized.Cloud.AuthFilePath)
	assert.Equal(t, cfg.Cloud.AuthFilePath, "auth")
}
