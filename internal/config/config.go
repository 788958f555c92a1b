// Package config handles multisensed node configuration loading.
//
// Node configuration describes the hardware wiring of a particular
// board (which sensor channels exist and where they are attached) and
// the operational tuning of the daemon. It is distinct from the
// provisioned device configuration (broker address, credentials,
// channel aliases), which is collected through the captive portal and
// persisted by the confstore package.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./multisense.yaml, ~/.config/multisense/multisense.yaml,
// /etc/multisense/multisense.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"multisense.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "multisense", "multisense.yaml"))
	}

	paths = append(paths, "/etc/multisense/multisense.yaml")
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

// Config holds all multisensed node configuration.
type Config struct {
	DataDir     string            `yaml:"data_dir"`
	LogLevel    string            `yaml:"log_level"`
	LogFormat   string            `yaml:"log_format"`
	Network     NetworkConfig     `yaml:"network"`
	Portal      PortalConfig      `yaml:"portal"`
	Broker      BrokerConfig      `yaml:"broker"`
	Publish     PublishConfig     `yaml:"publish"`
	Channels    []ChannelConfig   `yaml:"channels"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
}

// NetworkConfig defines how the node joins its configured wireless
// network at boot.
type NetworkConfig struct {
	// Interface is the wireless interface name (default: wlan0).
	Interface string `yaml:"interface"`
	// JoinTimeoutSec bounds the boot-time network join. When the
	// deadline expires without connectivity the controller reverts to
	// provisioning (default: 120).
	JoinTimeoutSec int `yaml:"join_timeout_sec"`
}

// PortalConfig defines the provisioning captive-portal session.
type PortalConfig struct {
	// Listen is the portal bind address while the access point is up
	// (default: ":80").
	Listen string `yaml:"listen"`
	// TimeoutSec bounds the provisioning session. When it expires
	// without a submission the controller restarts (default: 180).
	TimeoutSec int `yaml:"timeout_sec"`
}

// BrokerConfig tunes the MQTT connection manager. The broker address
// and credentials themselves live in the provisioned device
// configuration, not here.
type BrokerConfig struct {
	// ConnectBackoffSec is the fixed delay between connect attempts
	// (default: 5). Retries are unbounded.
	ConnectBackoffSec int `yaml:"connect_backoff_sec"`
	// PublishTimeoutSec bounds a single publish round-trip (default: 10).
	PublishTimeoutSec int `yaml:"publish_timeout_sec"`
	// KeepAliveSec is the MQTT protocol keepalive interval (default: 30).
	KeepAliveSec int `yaml:"keepalive_sec"`
}

// PublishConfig selects the publish scheduling policy. With change
// detection enabled (the default) sensors are polled at most once per
// soft interval and published on change, with the hard interval as a
// heartbeat ceiling. With change detection disabled the node publishes
// unconditionally once per hard interval, matching the single-sensor
// hardware builds.
type PublishConfig struct {
	SoftIntervalMS int   `yaml:"soft_interval_ms"`
	HardIntervalMS int   `yaml:"hard_interval_ms"`
	ChangeDetect   *bool `yaml:"change_detect"`
}

// ChangeDetectEnabled reports the effective change-detection setting.
func (p PublishConfig) ChangeDetectEnabled() bool {
	return p.ChangeDetect == nil || *p.ChangeDetect
}

// ChannelConfig describes one sensor channel wired to the board.
//
// Mandatory channels (onewire, hygro, analog, trigger) carry their JSON
// property name in Name. Switch channels are named per deployment via a
// provisioned alias instead: Slot links the hardware description to the
// alias field collected by the portal, and an empty alias disables the
// channel entirely.
type ChannelConfig struct {
	// Kind is one of: switch, trigger, analog, onewire, hygro.
	Kind string `yaml:"kind"`
	// Name is the JSON property key for mandatory channels.
	Name string `yaml:"name"`
	// Slot links a switch channel to its provisioned alias (sw0..sw3).
	Slot string `yaml:"slot"`

	// Chip and Line locate a GPIO input (switch and trigger kinds).
	Chip   string `yaml:"chip"`
	Line   int    `yaml:"line"`
	PullUp bool   `yaml:"pull_up"`

	// Path overrides the default sysfs location for analog (IIO raw
	// value file), onewire (w1 devices directory) and hygro (hwmon
	// device directory) kinds.
	Path string `yaml:"path"`

	// Scale and Clamp condition analog readings: the raw value is
	// multiplied by Scale and clamped to Clamp when Clamp > 0. The
	// scaling constant is calibration-specific, so it is a tunable
	// rather than a constant.
	Scale float64 `yaml:"scale"`
	Clamp float64 `yaml:"clamp"`
}

// DiagnosticsConfig enables the optional local status dashboard.
type DiagnosticsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// SoftInterval returns the effective soft polling interval.
func (c *Config) SoftInterval() time.Duration {
	return time.Duration(c.Publish.SoftIntervalMS) * time.Millisecond
}

// HardInterval returns the effective hard heartbeat interval.
func (c *Config) HardInterval() time.Duration {
	return time.Duration(c.Publish.HardIntervalMS) * time.Millisecond
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a configuration with all tunables at their stock
// defaults and no channels wired.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero-valued tunables so omitted YAML fields land
// on the documented defaults.
func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "/var/lib/multisense"
	}
	if c.Network.Interface == "" {
		c.Network.Interface = "wlan0"
	}
	if c.Network.JoinTimeoutSec <= 0 {
		c.Network.JoinTimeoutSec = 120
	}
	if c.Portal.Listen == "" {
		c.Portal.Listen = ":80"
	}
	if c.Portal.TimeoutSec <= 0 {
		c.Portal.TimeoutSec = 180
	}
	if c.Broker.ConnectBackoffSec <= 0 {
		c.Broker.ConnectBackoffSec = 5
	}
	if c.Broker.PublishTimeoutSec <= 0 {
		c.Broker.PublishTimeoutSec = 10
	}
	if c.Broker.KeepAliveSec <= 0 {
		c.Broker.KeepAliveSec = 30
	}
	if c.Publish.ChangeDetectEnabled() {
		if c.Publish.SoftIntervalMS <= 0 {
			c.Publish.SoftIntervalMS = 3000
		}
		if c.Publish.HardIntervalMS <= 0 {
			c.Publish.HardIntervalMS = 30000
		}
	} else {
		// Unified single-interval policy: one deadline, unconditional
		// publish once it elapses.
		if c.Publish.HardIntervalMS <= 0 {
			c.Publish.HardIntervalMS = 30000
		}
		c.Publish.SoftIntervalMS = c.Publish.HardIntervalMS
	}
	if c.Diagnostics.Enabled && c.Diagnostics.Listen == "" {
		c.Diagnostics.Listen = "127.0.0.1:8100"
	}
}

var channelKinds = map[string]bool{
	"switch":  true,
	"trigger": true,
	"analog":  true,
	"onewire": true,
	"hygro":   true,
}

// Validate checks the configuration for inconsistencies that would
// otherwise surface as confusing runtime failures.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log format %q (valid: text, json)", c.LogFormat)
	}
	if c.Publish.SoftIntervalMS > c.Publish.HardIntervalMS {
		return fmt.Errorf("publish soft interval (%dms) must not exceed hard interval (%dms)",
			c.Publish.SoftIntervalMS, c.Publish.HardIntervalMS)
	}

	seenSlots := make(map[string]bool)
	triggers := 0
	for i, ch := range c.Channels {
		if !channelKinds[ch.Kind] {
			return fmt.Errorf("channel %d: unknown kind %q", i, ch.Kind)
		}
		switch ch.Kind {
		case "switch":
			if ch.Slot == "" {
				return fmt.Errorf("channel %d: switch channels require a slot", i)
			}
			if seenSlots[ch.Slot] {
				return fmt.Errorf("channel %d: duplicate slot %q", i, ch.Slot)
			}
			seenSlots[ch.Slot] = true
		case "trigger":
			triggers++
			if ch.Name == "" {
				return fmt.Errorf("channel %d: trigger channels require a name", i)
			}
		case "hygro":
			// Hygro channels always emit the fixed temperature and
			// humidity property pair; no name needed.
		default:
			if ch.Name == "" {
				return fmt.Errorf("channel %d: %s channels require a name", i, ch.Kind)
			}
		}
	}
	// The trigger latch is a single-producer/single-consumer flag; the
	// scheduler owns exactly one.
	if triggers > 1 {
		return fmt.Errorf("at most one trigger channel is supported, got %d", triggers)
	}

	return nil
}
