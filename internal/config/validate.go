package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"unicode"
)

// ValidationResult splits config problems into Fatals (block startup) and
// Warnings (logged, config is clamped to a safe value and startup proceeds).
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool { return len(r.Fatals) > 0 }

// AllErrors returns fatals followed by warnings as a single slice, useful
// for callers that just want to log everything found.
func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	all = append(all, r.Warnings...)
	return all
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "warning": true, "error": true,
}

// ValidateTiered checks the config for invalid values. Dangerous values
// that would cause panics or undefined behavior downstream (an out-of-range
// LAN port, channel depths of zero) are clamped and reported as warnings;
// values that make the core unable to function safely (a portal address
// that is not host:port, a negative device id, control characters in the
// password, an unparseable client version) are fatal.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if c.PortalAddress != "" {
		if _, _, err := net.SplitHostPort(c.PortalAddress); err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("portal_address %q is not host:port: %w", c.PortalAddress, err))
		}
	}

	if c.DeviceID < 0 {
		r.Fatals = append(r.Fatals, fmt.Errorf("device_id must be >= 0, got %d", c.DeviceID))
	}

	for _, ch := range c.Password {
		if unicode.IsControl(ch) {
			r.Fatals = append(r.Fatals, fmt.Errorf("password contains control characters"))
			break
		}
	}

	if c.ClientVersion != "" && !isSemver(c.ClientVersion) {
		r.Fatals = append(r.Fatals, fmt.Errorf("client_version %q is not a valid semver", c.ClientVersion))
	}

	if c.LANPort < 1 || c.LANPort > 65535 {
		r.Warnings = append(r.Warnings, fmt.Errorf("lan_port %d out of range, clamping to 48000", c.LANPort))
		c.LANPort = 48000
	}

	switch strings.ToLower(c.SessionTransport) {
	case "", "tcp", "udp":
	default:
		r.Warnings = append(r.Warnings, fmt.Errorf("session_transport %q is not tcp or udp, clamping to tcp", c.SessionTransport))
		c.SessionTransport = "tcp"
	}

	if c.DefaultFPS < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("default_fps %d is below minimum 1, clamping", c.DefaultFPS))
		c.DefaultFPS = 1
	} else if c.DefaultFPS > 120 {
		r.Warnings = append(r.Warnings, fmt.Errorf("default_fps %d exceeds maximum 120, clamping", c.DefaultFPS))
		c.DefaultFPS = 120
	}

	if c.VideoChannelDepth < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("video_channel_depth %d is below minimum 1, clamping to 180", c.VideoChannelDepth))
		c.VideoChannelDepth = 180
	}

	if c.ControlChanDepth < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("control_channel_depth %d is below minimum 1, clamping to 32", c.ControlChanDepth))
		c.ControlChanDepth = 32
	}

	if c.HandshakeTimeoutSeconds < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("handshake_timeout_seconds %d is below minimum 1, clamping to 10", c.HandshakeTimeoutSeconds))
		c.HandshakeTimeoutSeconds = 10
	}

	if c.PortalRPCTimeoutSeconds < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("portal_rpc_timeout_seconds %d is below minimum 1, clamping to 30", c.PortalRPCTimeoutSeconds))
		c.PortalRPCTimeoutSeconds = 30
	}

	if c.CallTimeoutSeconds < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("call_timeout_seconds %d is below minimum 1, clamping to 30", c.CallTimeoutSeconds))
		c.CallTimeoutSeconds = 30
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	return r
}

// isSemver checks for a bare MAJOR.MINOR.PATCH triple. Pre-release and
// build-metadata suffixes (e.g. "-beta.1", "+exp.sha") are accepted but not
// interpreted: per spec §9's open question, a pre-release is treated as
// equal to its base version for the min-client-version comparison.
func isSemver(v string) bool {
	base := v
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		base = v[:i]
	}
	parts := strings.Split(base, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		if _, err := strconv.Atoi(p); err != nil {
			return false
		}
	}
	return true
}
