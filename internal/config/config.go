// Package config handles sensorwatch configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/sensorwatch/internal/connection"
	"github.com/nugget/sensorwatch/internal/sensor"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/sensorwatch/config.yaml,
// /etc/sensorwatch/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "sensorwatch", "config.yaml"))
	}

	paths = append(paths, "/etc/sensorwatch/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
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

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// MQTT protocol versions.
const (
	ProtocolV5   = "v5"
	ProtocolV311 = "v311"
)

// Config holds all sensorwatch configuration.
type Config struct {
	MQTT       MQTTConfig             `yaml:"mqtt"`
	Feed       FeedConfig             `yaml:"feed"`
	Alerts     AlertsConfig           `yaml:"alerts"`
	Thresholds map[string]sensor.Rule `yaml:"thresholds"`
	Listen     ListenConfig           `yaml:"listen"`
	DataDir    string                 `yaml:"data_dir"`
	LogLevel   string                 `yaml:"log_level"`
	LogFormat  string                 `yaml:"log_format"` // text (default) or json
	LogFile    string                 `yaml:"log_file"`   // optional rotated file sink
	LogRotate  LogRotateConfig        `yaml:"log_rotate"`
}

// MQTTConfig defines the broker connection.
type MQTTConfig struct {
	Broker            string   `yaml:"broker"`   // e.g. mqtt://localhost:1883
	Protocol          string   `yaml:"protocol"` // v5 (default) or v311
	ClientID          string   `yaml:"client_id"`
	KeepAliveSec      int      `yaml:"keepalive_sec"`
	ConnectTimeoutSec int      `yaml:"connect_timeout_sec"`
	ReconnectMaxSec   int      `yaml:"reconnect_max_sec"`
	Topics            []string `yaml:"topics"`
	RateLimit         int      `yaml:"rate_limit"` // inbound messages per second
}

// KeepAlive returns the keepalive interval.
func (c MQTTConfig) KeepAlive() time.Duration {
	return time.Duration(c.KeepAliveSec) * time.Second
}

// ConnectTimeout returns the bound on one connection handshake.
func (c MQTTConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSec) * time.Second
}

// ReconnectMax returns the ceiling of the reconnect backoff.
func (c MQTTConfig) ReconnectMax() time.Duration {
	return time.Duration(c.ReconnectMaxSec) * time.Second
}

// FeedConfig defines staleness detection for live data.
type FeedConfig struct {
	StaleAfterMS   int `yaml:"stale_after_ms"`
	PollIntervalMS int `yaml:"poll_interval_ms"`
}

// StaleAfter returns the staleness threshold.
func (c FeedConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterMS) * time.Millisecond
}

// PollInterval returns how often staleness is checked.
func (c FeedConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// AlertsConfig defines alert arbitration.
type AlertsConfig struct {
	WindowMS int `yaml:"window_ms"`
	// RearmOnRecovery clears an acknowledgment once the sensor is no
	// longer Unsafe. Defaults to true when omitted.
	RearmOnRecovery *bool `yaml:"rearm_on_recovery"`
	// PersistAcknowledgments keeps acknowledgments in data_dir across
	// restarts.
	PersistAcknowledgments bool `yaml:"persist_acknowledgments"`
}

// Window returns how long an Unsafe reading stays alertable.
func (c AlertsConfig) Window() time.Duration {
	return time.Duration(c.WindowMS) * time.Millisecond
}

// Rearm reports whether acknowledgments re-arm on recovery.
func (c AlertsConfig) Rearm() bool {
	return c.RearmOnRecovery == nil || *c.RearmOnRecovery
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// Addr returns the host:port the API server binds to.
func (c ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a configuration for a broker on localhost.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.MQTT.Broker == "" {
		c.MQTT.Broker = "mqtt://localhost:1883"
	}
	if c.MQTT.Protocol == "" {
		c.MQTT.Protocol = ProtocolV5
	}
	if c.MQTT.KeepAliveSec <= 0 {
		c.MQTT.KeepAliveSec = 30
	}
	if c.MQTT.ConnectTimeoutSec <= 0 {
		c.MQTT.ConnectTimeoutSec = 3
	}
	if c.MQTT.ReconnectMaxSec <= 0 {
		c.MQTT.ReconnectMaxSec = 30
	}
	if len(c.MQTT.Topics) == 0 {
		c.MQTT.Topics = []string{"sensors/live/data"}
	}
	if c.MQTT.RateLimit <= 0 {
		c.MQTT.RateLimit = 100
	}
	if c.Feed.StaleAfterMS <= 0 {
		c.Feed.StaleAfterMS = 5000
	}
	if c.Feed.PollIntervalMS <= 0 {
		c.Feed.PollIntervalMS = 1000
	}
	if c.Alerts.WindowMS <= 0 {
		c.Alerts.WindowMS = 5000
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	c.LogRotate.applyDefaults()
}

// Validate checks fields that defaults cannot repair.
func (c *Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.MQTT.Broker)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("mqtt.broker: %w", err))
	case u.Host == "":
		errs = append(errs, fmt.Errorf("mqtt.broker %q has no host", c.MQTT.Broker))
	default:
		switch u.Scheme {
		case "mqtt", "tcp", "mqtts", "ssl", "tls", "ws", "wss":
		default:
			errs = append(errs, fmt.Errorf("mqtt.broker scheme %q not supported", u.Scheme))
		}
	}

	switch c.MQTT.Protocol {
	case ProtocolV5, ProtocolV311:
	default:
		errs = append(errs, fmt.Errorf("mqtt.protocol %q (valid: v5, v311)", c.MQTT.Protocol))
	}

	for _, topic := range c.MQTT.Topics {
		if !connection.ValidFilter(topic) {
			errs = append(errs, fmt.Errorf("mqtt.topics: invalid filter %q", topic))
		}
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat))
	}

	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}

	if err := sensor.Rules(c.thresholdOverrides()).Validate(); err != nil {
		errs = append(errs, fmt.Errorf("thresholds: %w", err))
	}

	return errors.Join(errs...)
}

// Rules returns the built-in threshold table with configured overrides
// applied.
func (c *Config) Rules() sensor.Rules {
	return sensor.DefaultRules().With(c.Thresholds)
}

func (c *Config) thresholdOverrides() map[sensor.Kind]sensor.Rule {
	out := make(map[sensor.Kind]sensor.Rule, len(c.Thresholds))
	for name, rule := range c.Thresholds {
		kind, _ := sensor.ParseKind(name)
		out[kind] = rule
	}
	return out
}
