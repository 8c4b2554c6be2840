package config

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTieredBadPortalAddressIsFatal(t *testing.T) {
	cfg := Default()
	cfg.PortalAddress = "not-a-host-port"
	result := cfg.ValidateTiered()
	assert.True(t, result.HasFatals(), "invalid portal_address should be fatal")
}

func TestValidateTieredNegativeDeviceIDIsFatal(t *testing.T) {
	cfg := Default()
	cfg.DeviceID = -1
	result := cfg.ValidateTiered()
	assert.True(t, result.HasFatals(), "negative device_id should be fatal")
}

func TestValidateTieredControlCharsInPasswordIsFatal(t *testing.T) {
	cfg := Default()
	cfg.Password = "pass\x00word\x01"
	result := cfg.ValidateTiered()
	assert.True(t, result.HasFatals(), "control chars in password should be fatal")
}

func TestValidateTieredBadSemverIsFatal(t *testing.T) {
	cfg := Default()
	cfg.ClientVersion = "v1"
	result := cfg.ValidateTiered()
	assert.True(t, result.HasFatals(), "non-semver client_version should be fatal")
}

func TestValidateTieredSemverWithPrereleaseIsAccepted(t *testing.T) {
	cfg := Default()
	cfg.ClientVersion = "1.2.3-beta.1"
	result := cfg.ValidateTiered()
	require.False(t, result.HasFatals(), "pre-release semver should validate, got fatals: %v", result.Fatals)
}

func TestValidateTieredLANPortClampingIsWarning(t *testing.T) {
	cfg := Default()
	cfg.LANPort = 0
	result := cfg.ValidateTiered()
	require.False(t, result.HasFatals(), "clamped lan_port should be warning, not fatal: %v", result.Fatals)
	assert.NotEmpty(t, result.Warnings, "expected warning for clamped lan_port")
	assert.Equal(t, 48000, cfg.LANPort, "LANPort should be clamped to default")
}

func TestValidateTieredFPSClamping(t *testing.T) {
	cfg := Default()
	cfg.DefaultFPS = 0
	result := cfg.ValidateTiered()
	require.False(t, result.HasFatals(), "clamped fps should be warning: %v", result.Fatals)
	assert.Equal(t, 1, cfg.DefaultFPS)

	cfg.DefaultFPS = 9999
	cfg.ValidateTiered()
	assert.Equal(t, 120, cfg.DefaultFPS)
}

func TestValidateTieredChannelDepthClamping(t *testing.T) {
	cfg := Default()
	cfg.VideoChannelDepth = 0
	cfg.ControlChanDepth = 0
	result := cfg.ValidateTiered()
	require.False(t, result.HasFatals(), "clamped channel depth should be warning: %v", result.Fatals)
	assert.Equal(t, 180, cfg.VideoChannelDepth)
	assert.Equal(t, 32, cfg.ControlChanDepth)
}

func TestValidateTieredUnknownLogLevelIsWarning(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"
	result := cfg.ValidateTiered()
	require.False(t, result.HasFatals(), "unknown log level should not be fatal")
	assert.NotEmpty(t, result.Warnings, "expected warning for unknown log level")
}

func TestValidateTieredInvalidLogFormatIsWarning(t *testing.T) {
	cfg := Default()
	cfg.LogFormat = "xml"
	result := cfg.ValidateTiered()
	require.False(t, result.HasFatals(), "invalid log format should not be fatal")
	assert.NotEmpty(t, result.Warnings, "expected warning for invalid log format")
}

func TestHasFatals(t *testing.T) {
	r := ValidationResult{}
	assert.False(t, r.HasFatals())
	r.Fatals = append(r.Fatals, fmt.Errorf("test error"))
	assert.True(t, r.HasFatals())
}

func TestAllErrorsReturnsBoth(t *testing.T) {
	cfg := Default()
	cfg.PortalAddress = "bad-address" // fatal
	cfg.LANPort = -1                  // warning
	result := cfg.ValidateTiered()

	all := result.AllErrors()
	require.GreaterOrEqual(t, len(all), 2, "expected at least 2 errors (fatals + warnings)")

	found := false
	for _, err := range all {
		if strings.Contains(err.Error(), "portal_address") {
			found = true
		}
	}
	assert.True(t, found, "expected portal_address error in AllErrors()")
}

func TestValidConfigHasNoErrors(t *testing.T) {
	cfg := Default()
	cfg.PortalAddress = "portal.example.com:6779"
	cfg.DeviceID = 12345
	cfg.Password = "clean-password"
	result := cfg.ValidateTiered()
	require.False(t, result.HasFatals(), "valid config has fatals: %v", result.Fatals)
	assert.Empty(t, result.Warnings, "valid config has warnings: %v", result.Warnings)
}
