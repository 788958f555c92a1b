// Package identity derives the stable device identity from the node's
// hardware address. The identity is used as the MQTT client id, as the
// default publish topic component, and as the provisioning access
// point name, so it must be stable across reboots and reconfiguration.
package identity

import (
	"fmt"
	"net"
)

// TopicPrefix is the leading component of the default status topic.
const TopicPrefix = "multisensor"

// accessPointPrefix matches the SSID scheme the fleet's installers
// expect to find when commissioning a node.
const accessPointPrefix = "MULTISENSOR-"

// FromHardwareAddr renders a 6-byte hardware address as the device
// identity: lowercase hex, no separators.
func FromHardwareAddr(addr net.HardwareAddr) (string, error) {
	if len(addr) != 6 {
		return "", fmt.Errorf("hardware address %q is not 6 bytes", addr)
	}
	return fmt.Sprintf("%02x%02x%02x%02x%02x%02x",
		addr[0], addr[1], addr[2], addr[3], addr[4], addr[5]), nil
}

// Detect returns the device identity for the named interface, falling
// back to the first non-loopback interface with a 6-byte address when
// name is empty or not present.
func Detect(name string) (string, error) {
	if name != "" {
		if ifi, err := net.InterfaceByName(name); err == nil {
			if id, err := FromHardwareAddr(ifi.HardwareAddr); err == nil {
				return id, nil
			}
		}
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("list interfaces: %w", err)
	}
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagLoopback != 0 {
			continue
		}
		if id, err := FromHardwareAddr(ifi.HardwareAddr); err == nil {
			return id, nil
		}
	}
	return "", fmt.Errorf("no interface with a usable hardware address")
}

// AccessPointName returns the provisioning access point SSID for a
// device identity.
func AccessPointName(id string) string {
	return accessPointPrefix + id
}

// DefaultTopic returns the status topic used when the operator leaves
// the topic field blank during provisioning.
func DefaultTopic(id string) string {
	return TopicPrefix + "/" + id + "/status"
}
