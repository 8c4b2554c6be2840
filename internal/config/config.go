package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"

	"github.com/nimbusdesk/core/internal/logging"
)

var log = logging.L("config")

// Config is the host-supplied configuration the session core reads at
// startup. It is the typed interface referenced by spec §6: portal address,
// device id, finger print, password for incoming visits, and the
// discoverable flag, plus the ambient logging/TLS knobs the core needs to
// wire itself up.
type Config struct {
	// Portal identity and rendezvous.
	PortalAddress string `mapstructure:"portal_address"`
	DeviceID      int64  `mapstructure:"device_id"`
	FingerPrint   string `mapstructure:"finger_print"`

	// Password required from a visitor attempting an incoming visit. It is
	// used as-is in the key exchange, so an empty value admits only visitors
	// who also give an empty password.
	Password string `mapstructure:"password"`

	// Discoverable toggles LAN broadcast presence (C11).
	Discoverable bool `mapstructure:"discoverable"`
	LANPort      int  `mapstructure:"lan_port"`

	// SessionTransport picks the Framed Transport (C1) a visit's endpoint
	// connection uses: "tcp" (default) or "udp", per spec §4.1. UDP visits
	// bind SessionUDPLocalAddr (":0" by default, any free port) and accept
	// datagrams only from the peer address the key exchange produced.
	SessionTransport    string `mapstructure:"session_transport"`
	SessionUDPLocalAddr string `mapstructure:"session_udp_local_addr"`

	// ClientVersion is validated as a semver string and written back by
	// SaveTo. The portal min_client_version check in cmd/nimbusd compares
	// the binary's built-in version, not this field.
	ClientVersion string `mapstructure:"client_version"`

	// Portal mTLS, optional. Issued/Expires are RFC 3339 timestamps from
	// the certificate's own validity period, used by internal/mtls to warn
	// when the cert needs rotating well before it actually expires.
	PortalTLSCertPEM     string `mapstructure:"portal_tls_cert_pem"`
	PortalTLSKeyPEM      string `mapstructure:"portal_tls_key_pem"`
	PortalTLSVerify      bool   `mapstructure:"portal_tls_verify"`
	PortalTLSCertIssued  string `mapstructure:"portal_tls_cert_issued"`
	PortalTLSCertExpires string `mapstructure:"portal_tls_cert_expires"`

	// Logging configuration.
	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	// Media defaults, renegotiable per session via NegotiateDesktopParams.
	DefaultFPS        int `mapstructure:"default_fps"`
	VideoChannelDepth int `mapstructure:"video_channel_depth"`
	ControlChanDepth  int `mapstructure:"control_channel_depth"`

	// Timeouts, in seconds.
	HandshakeTimeoutSeconds int `mapstructure:"handshake_timeout_seconds"`
	PortalRPCTimeoutSeconds int `mapstructure:"portal_rpc_timeout_seconds"`
	CallTimeoutSeconds      int `mapstructure:"call_timeout_seconds"`
}

func Default() *Config {
	return &Config{
		LANPort:                 48000,
		SessionTransport:        "tcp",
		SessionUDPLocalAddr:     ":0",
		ClientVersion:           "1.0.0",
		LogLevel:                "info",
		LogFormat:               "text",
		LogMaxSizeMB:            50,
		LogMaxBackups:           3,
		DefaultFPS:              30,
		VideoChannelDepth:       180,
		ControlChanDepth:        32,
		HandshakeTimeoutSeconds: 10,
		PortalRPCTimeoutSeconds: 30,
		CallTimeoutSeconds:      30,
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("nimbus")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("NIMBUS")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	// Validate config: fatals block startup, warnings are logged and continue.
	result := cfg.ValidateTiered()
	for _, err := range result.Warnings {
		log.Warn("config validation", "error", err)
	}
	if result.HasFatals() {
		for _, err := range result.Fatals {
			log.Error("config validation fatal", "error", err)
		}
		return nil, fmt.Errorf("config has fatal validation errors: %v", result.Fatals[0])
	}

	return cfg, nil
}

func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

func SaveTo(cfg *Config, cfgFile string) error {
	viper.Set("portal_address", cfg.PortalAddress)
	viper.Set("device_id", cfg.DeviceID)
	viper.Set("finger_print", cfg.FingerPrint)
	viper.Set("discoverable", cfg.Discoverable)
	viper.Set("lan_port", cfg.LANPort)
	viper.Set("client_version", cfg.ClientVersion)

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		dir := filepath.Dir(cfgPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), "nimbus.yaml")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	if err := viper.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	// Restrict config file to owner-only access (contains the visit password).
	return os.Chmod(cfgPath, 0600)
}

// GetDataDir returns the platform-specific data directory for persisted
// state the core consumes but does not own (history/domain tables, §6).
func GetDataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "NimbusDesk", "data")
	case "darwin":
		return "/Library/Application Support/NimbusDesk/data"
	default:
		return "/var/lib/nimbusdesk"
	}
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "NimbusDesk")
	case "darwin":
		return "/Library/Application Support/NimbusDesk"
	default:
		return "/etc/nimbusdesk"
	}
}
