// Package device defines the provisioned device configuration record.
//
// A record is created or overwritten only by a completed provisioning
// session, read once at boot, and never mutated at runtime. It is
// persisted by the confstore package; validity is tracked there with a
// marker separate from the record body, so a record is either absent or
// complete — a partially-populated record is never observable.
package device

import (
	"fmt"

	"github.com/seaborne/multisense/internal/identity"
)

// DefaultBrokerPort is the conventional unencrypted MQTT port.
const DefaultBrokerPort = 1883

// SwitchSlots enumerates the optional switch channel slots a node may
// carry. Each slot is enabled by giving it a non-empty alias during
// provisioning; the alias becomes the channel's JSON property name.
var SwitchSlots = []string{"sw0", "sw1", "sw2", "sw3"}

// Configuration is the persisted provisioning record.
type Configuration struct {
	BrokerHost     string            `json:"broker_host"`
	BrokerPort     int               `json:"broker_port"`
	BrokerUsername string            `json:"broker_username"`
	BrokerPassword string            `json:"broker_password"`
	PublishTopic   string            `json:"publish_topic"`
	DeviceID       string            `json:"device_identity"`
	SwitchAliases  map[string]string `json:"channel_aliases,omitempty"`

	// Optional per-device interval overrides, in milliseconds. Zero
	// means "use the node default".
	SoftIntervalMS int `json:"soft_interval_ms,omitempty"`
	HardIntervalMS int `json:"hard_interval_ms,omitempty"`

	// Revision is stamped by the store on save; it is not an operator
	// field.
	Revision string `json:"revision,omitempty"`
}

// ApplyDefaults fills derivable fields: the broker port, the device
// identity (from the hardware address id) and the publish topic
// (derived from the identity when left blank).
func (c *Configuration) ApplyDefaults(hardwareID string) {
	if c.BrokerPort == 0 {
		c.BrokerPort = DefaultBrokerPort
	}
	if c.DeviceID == "" {
		c.DeviceID = hardwareID
	}
	if c.PublishTopic == "" && c.DeviceID != "" {
		c.PublishTopic = identity.DefaultTopic(c.DeviceID)
	}
}

// Validate reports whether the record is complete enough to be marked
// valid. Call after ApplyDefaults.
func (c *Configuration) Validate() error {
	if c.BrokerHost == "" {
		return fmt.Errorf("broker host is required")
	}
	if c.BrokerPort <= 0 || c.BrokerPort > 65535 {
		return fmt.Errorf("broker port %d out of range", c.BrokerPort)
	}
	if c.DeviceID == "" {
		return fmt.Errorf("device identity is required")
	}
	if c.PublishTopic == "" {
		return fmt.Errorf("publish topic is required")
	}
	if c.SoftIntervalMS < 0 || c.HardIntervalMS < 0 {
		return fmt.Errorf("publish intervals must not be negative")
	}
	if c.SoftIntervalMS > 0 && c.HardIntervalMS > 0 && c.SoftIntervalMS > c.HardIntervalMS {
		return fmt.Errorf("soft interval (%dms) must not exceed hard interval (%dms)",
			c.SoftIntervalMS, c.HardIntervalMS)
	}
	return nil
}

// Alias returns the provisioned alias for a switch slot, or "" when
// the slot is disabled.
func (c *Configuration) Alias(slot string) string {
	return c.SwitchAliases[slot]
}

// BrokerAddr returns the host:port broker address.
func (c *Configuration) BrokerAddr() string {
	return fmt.Sprintf("%s:%d", c.BrokerHost, c.BrokerPort)
}
