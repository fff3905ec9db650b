// Package config loads and persists the local device settings kept in
// config.json under the per-user data directory.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "devlink"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "DEVLINK_DATA_DIR"
	// LogLevelEnv overrides log_level for one run without rewriting the file.
	LogLevelEnv = "DEVLINK_LOG_LEVEL"
	// MetricsAddressEnv overrides metrics_address for one run.
	MetricsAddressEnv = "DEVLINK_METRICS_ADDRESS"

	// DefaultListeningPort is used in fixed port mode when none is set.
	DefaultListeningPort = 1716
	// DefaultDiscoveryPort is the well-known UDP port for identity broadcasts.
	DefaultDiscoveryPort = 1716
	// DefaultDiscoveryIntervalSeconds spaces identity broadcasts.
	DefaultDiscoveryIntervalSeconds = 5
	// DefaultTrustDecisionTimeoutSeconds bounds the wait for a pairing decision.
	DefaultTrustDecisionTimeoutSeconds = 30
	// DefaultHandshakeTimeoutSeconds bounds TLS plus identity exchange.
	DefaultHandshakeTimeoutSeconds = 10
	// DefaultSecurityEventRetentionDays is how long the audit trail is kept.
	DefaultSecurityEventRetentionDays = 90
	// DefaultLogLevel is used when log_level is empty or invalid.
	DefaultLogLevel = "info"
	// DefaultDeviceClass is assumed when device_class is unknown.
	DefaultDeviceClass = "desktop"

	// PortModeAutomatic lets the OS pick the listening port.
	PortModeAutomatic = "automatic"
	// PortModeFixed listens on ListeningPort.
	PortModeFixed = "fixed"

	configFileName = "config.json"
)

var deviceClasses = []string{"desktop", "laptop", "phone", "tablet", "tv", "unknown"}

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID                    string `json:"device_id"`
	DeviceName                  string `json:"device_name"`
	DeviceClass                 string `json:"device_class"`
	PortMode                    string `json:"port_mode"`
	ListeningPort               int    `json:"listening_port"`
	DiscoveryPort               int    `json:"discovery_port"`
	DiscoveryIntervalSeconds    int    `json:"discovery_interval_seconds"`
	DisableMDNS                 bool   `json:"disable_mdns"`
	TrustDecisionTimeoutSeconds int    `json:"trust_decision_timeout_seconds"`
	HandshakeTimeoutSeconds     int    `json:"handshake_timeout_seconds"`
	SecurityEventRetentionDays  int    `json:"security_event_retention_days"`
	KeystoreDir                 string `json:"keystore_dir"`
	MasterKeyPath               string `json:"master_key_path"`
	MetricsAddress              string `json:"metrics_address"`
	LogLevel                    string `json:"log_level"`
}

func (c *DeviceConfig) DiscoveryInterval() time.Duration {
	return time.Duration(c.DiscoveryIntervalSeconds) * time.Second
}

func (c *DeviceConfig) TrustDecisionTimeout() time.Duration {
	return time.Duration(c.TrustDecisionTimeoutSeconds) * time.Second
}

func (c *DeviceConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutSeconds) * time.Second
}

func (c *DeviceConfig) SecurityEventRetention() time.Duration {
	return time.Duration(c.SecurityEventRetentionDays) * 24 * time.Hour
}

// ListenAddress is the TCP address to listen on. Automatic mode always asks
// the OS for a port.
func (c *DeviceConfig) ListenAddress() string {
	if c.PortMode == PortModeAutomatic {
		return ":0"
	}
	return ":" + strconv.Itoa(c.ListeningPort)
}

// ResolveDataDir returns DEVLINK_DATA_DIR when set, otherwise the devlink
// directory under the OS user config directory.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config directory: %w", err)
	}
	return filepath.Join(base, AppDirectoryName), nil
}

func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates dataDir with its keys and keystore
// subdirectories, readable only by the owner.
func EnsureDataDirectories(dataDir string) error {
	for _, dir := range []string{dataDir, filepath.Join(dataDir, "keys"), filepath.Join(dataDir, "keystore")} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes cfg to path through a temporary file so a crash never leaves
// a truncated config behind.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(raw, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// LoadOrCreate resolves the data directory, creates config.json on first
// run and fills any missing settings. Environment overrides are applied to
// the returned value only.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = &DeviceConfig{}
	case err != nil:
		return nil, "", err
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}
	applyEnv(cfg)
	return cfg, cfgPath, nil
}

func applyEnv(cfg *DeviceConfig) {
	if level := os.Getenv(LogLevelEnv); level != "" {
		if _, err := logrus.ParseLevel(level); err == nil {
			cfg.LogLevel = level
		}
	}
	if addr, ok := os.LookupEnv(MetricsAddressEnv); ok {
		cfg.MetricsAddress = addr
	}
}

// normalizeDefaults fills unset or invalid settings and reports whether
// anything changed.
func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	rules := []func() bool{
		func() bool { return setString(&cfg.DeviceID, cfg.DeviceID == "", uuid.NewString()) },
		func() bool {
			return setString(&cfg.DeviceName, strings.TrimSpace(cfg.DeviceName) == "", defaultDeviceName())
		},
		func() bool {
			return setString(&cfg.DeviceClass, !validDeviceClass(cfg.DeviceClass), DefaultDeviceClass)
		},
		func() bool { return normalizePorts(cfg) },
		func() bool { return setInt(&cfg.DiscoveryPort, DefaultDiscoveryPort) },
		func() bool { return setInt(&cfg.DiscoveryIntervalSeconds, DefaultDiscoveryIntervalSeconds) },
		func() bool { return setInt(&cfg.TrustDecisionTimeoutSeconds, DefaultTrustDecisionTimeoutSeconds) },
		func() bool { return setInt(&cfg.HandshakeTimeoutSeconds, DefaultHandshakeTimeoutSeconds) },
		func() bool { return setInt(&cfg.SecurityEventRetentionDays, DefaultSecurityEventRetentionDays) },
		func() bool {
			return setString(&cfg.KeystoreDir, cfg.KeystoreDir == "", filepath.Join(dataDir, "keystore"))
		},
		func() bool {
			return setString(&cfg.MasterKeyPath, cfg.MasterKeyPath == "", filepath.Join(dataDir, "keys", "master.key"))
		},
		func() bool {
			_, err := logrus.ParseLevel(cfg.LogLevel)
			return setString(&cfg.LogLevel, err != nil, DefaultLogLevel)
		},
	}

	updated := false
	for _, rule := range rules {
		if rule() {
			updated = true
		}
	}
	return updated
}

// normalizePorts infers a missing port mode from an existing port, so
// configs written before port_mode existed keep their port.
func normalizePorts(cfg *DeviceConfig) bool {
	updated := false
	if cfg.PortMode != PortModeAutomatic && cfg.PortMode != PortModeFixed {
		cfg.PortMode = PortModeAutomatic
		if cfg.ListeningPort > 0 {
			cfg.PortMode = PortModeFixed
		}
		updated = true
	}

	switch {
	case cfg.PortMode == PortModeFixed && cfg.ListeningPort <= 0:
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	case cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0:
		cfg.ListeningPort = 0
		updated = true
	}
	return updated
}

func setString(field *string, invalid bool, value string) bool {
	if !invalid {
		return false
	}
	*field = value
	return true
}

func setInt(field *int, value int) bool {
	if *field > 0 {
		return false
	}
	*field = value
	return true
}

func validDeviceClass(class string) bool {
	return slices.Contains(deviceClasses, class)
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "devlink device"
}
