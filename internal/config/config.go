// Package config handles m5bridge configuration loading.
//
// Configuration comes from an optional YAML file followed by environment
// overrides. The environment always wins so that the bridge can run with
// no file at all: M5STICK_URL points at the device and PORT picks the
// listen port.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied before the config file and environment are read.
const (
	DefaultDeviceURL          = "http://192.168.0.146"
	DefaultPort               = 8000
	DefaultReadTimeoutSec     = 5
	DefaultScanTimeoutSec     = 10
	DefaultPollIntervalSec    = 60
	DefaultPublishIntervalSec = 60
	DefaultDiscoveryPrefix    = "homeassistant"
	DefaultAgentName          = "m5stick-nanda"
)

// Environment variables that override file values.
const (
	EnvDeviceURL = "M5STICK_URL"
	EnvPort      = "PORT"
)

// ErrNoConfigFile is returned by FindConfig when no explicit path was
// given and none of the search paths exist. Callers treat it as "run on
// defaults and environment".
var ErrNoConfigFile = errors.New("no config file found")

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/m5bridge/config.yaml, /etc/m5bridge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "m5bridge", "config.yaml"))
	}

	paths = append(paths, "/etc/m5bridge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists,
// or [ErrNoConfigFile].
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfigFile, DefaultSearchPaths())
}

// Config holds all m5bridge configuration. It is built once at startup
// and treated as read-only afterwards.
type Config struct {
	Device    DeviceConfig  `yaml:"device"`
	Listen    ListenConfig  `yaml:"listen"`
	Agent     AgentConfig   `yaml:"agent"`
	MQTT      MQTTConfig    `yaml:"mqtt"`
	Metrics   MetricsConfig `yaml:"metrics"`
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"` // text (default) or json
}

// DeviceConfig describes how to reach the M5Stick HTTP API.
type DeviceConfig struct {
	URL string `yaml:"url"`
	// ReadTimeoutSec bounds every device call except the WiFi scan.
	ReadTimeoutSec int `yaml:"read_timeout_sec"`
	// ScanTimeoutSec bounds /api/wifi/scan, which blocks on the radio.
	ScanTimeoutSec int `yaml:"scan_timeout_sec"`
	// PollIntervalSec is how often the health watcher re-probes the device.
	PollIntervalSec int `yaml:"poll_interval_sec"`
}

// ReadTimeout returns ReadTimeoutSec as a duration.
func (d DeviceConfig) ReadTimeout() time.Duration {
	return time.Duration(d.ReadTimeoutSec) * time.Second
}

// ScanTimeout returns ScanTimeoutSec as a duration.
func (d DeviceConfig) ScanTimeout() time.Duration {
	return time.Duration(d.ScanTimeoutSec) * time.Second
}

// PollInterval returns PollIntervalSec as a duration.
func (d DeviceConfig) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalSec) * time.Second
}

// ListenConfig defines the A2A server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// AgentConfig controls the published agent card.
type AgentConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	// PublicURL is advertised in the agent card. When empty the card
	// reports the scheme and host the request arrived on, which is what
	// a tunnel (ngrok, cloudflared) in front of the bridge needs.
	PublicURL string `yaml:"public_url"`
}

// MQTTConfig defines the optional telemetry publisher.
type MQTTConfig struct {
	Broker             string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Configured reports whether an MQTT broker has been set.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns a configuration with every default applied and no
// environment overrides.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads configuration from a YAML file, expanding ${VAR} references,
// then applies defaults and environment overrides. An empty path skips
// the file entirely.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		// Expand environment variables
		expanded := os.ExpandEnv(string(data))

		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Device.URL == "" {
		c.Device.URL = DefaultDeviceURL
	}
	if c.Device.ReadTimeoutSec == 0 {
		c.Device.ReadTimeoutSec = DefaultReadTimeoutSec
	}
	if c.Device.ScanTimeoutSec == 0 {
		c.Device.ScanTimeoutSec = DefaultScanTimeoutSec
	}
	if c.Device.PollIntervalSec == 0 {
		c.Device.PollIntervalSec = DefaultPollIntervalSec
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = DefaultPort
	}
	if c.Agent.Name == "" {
		c.Agent.Name = DefaultAgentName
	}
	if c.Agent.Description == "" {
		c.Agent.Description = "M5StickC Plus 2 IoT device with sensors, display, IR, and controls. Proxy to physical device."
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = c.Agent.Name
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = DefaultDiscoveryPrefix
	}
	if c.MQTT.PublishIntervalSec == 0 {
		c.MQTT.PublishIntervalSec = DefaultPublishIntervalSec
	}
}

// applyEnv overlays M5STICK_URL and PORT. lookup is os.LookupEnv in
// production and a map in tests.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvDeviceURL); ok && strings.TrimSpace(v) != "" {
		c.Device.URL = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvPort); ok && strings.TrimSpace(v) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s=%q: not a number", EnvPort, v)
		}
		c.Listen.Port = port
	}
	c.Device.URL = strings.TrimRight(c.Device.URL, "/")
	return nil
}

// Validate checks the configuration for values that would fail later at
// runtime. It returns the first problem found.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Device.URL)
	if err != nil {
		return fmt.Errorf("device.url %q: %w", c.Device.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("device.url %q: scheme must be http or https", c.Device.URL)
	}
	if u.Host == "" {
		return fmt.Errorf("device.url %q: missing host", c.Device.URL)
	}

	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}

	if c.Device.ReadTimeoutSec < 0 || c.Device.ScanTimeoutSec < 0 {
		return fmt.Errorf("device timeouts must not be negative")
	}
	if c.Device.PollIntervalSec < 0 {
		return fmt.Errorf("device.poll_interval_sec must not be negative")
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format %q: expected text or json", c.LogFormat)
	}

	if c.MQTT.Configured() {
		b, err := url.Parse(c.MQTT.Broker)
		if err != nil || b.Host == "" {
			return fmt.Errorf("mqtt.broker %q: not a valid URL", c.MQTT.Broker)
		}
		if c.MQTT.PublishIntervalSec < 1 {
			return fmt.Errorf("mqtt.publish_interval_sec must be at least 1")
		}
	}

	return nil
}
