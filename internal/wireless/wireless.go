// Package wireless controls the node's Wi-Fi interface through
// NetworkManager. The lifecycle controller only sees the Manager
// interface; tests substitute a scripted implementation.
package wireless

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/seaborne/multisense/internal/identity"
)

// Connection profile names owned by this daemon. Reusing fixed names
// keeps repeated provisioning runs from accumulating stale profiles.
const (
	stationProfile     = "multisense-sta"
	accessPointProfile = "multisense-ap"
)

// Manager abstracts the Wi-Fi operations the lifecycle needs.
type Manager interface {
	// HardwareID returns the node identity derived from the interface
	// MAC address.
	HardwareID() (string, error)
	// Connected reports whether the interface is associated with a
	// network.
	Connected(ctx context.Context) (bool, error)
	// Configure stores station credentials. An empty psk configures an
	// open network.
	Configure(ctx context.Context, ssid, psk string) error
	// Join brings the stored station profile up.
	Join(ctx context.Context) error
	// StartAccessPoint raises an open provisioning network.
	StartAccessPoint(ctx context.Context, name string) error
	// StopAccessPoint tears the provisioning network down.
	StopAccessPoint(ctx context.Context) error
}

// runFunc executes an external command and returns its combined
// output. Injectable for tests.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// NMCLIManager drives NetworkManager via the nmcli command line tool.
type NMCLIManager struct {
	iface string
	run   runFunc
}

// NewNMCLIManager returns a manager bound to the named interface.
func NewNMCLIManager(iface string) *NMCLIManager {
	return &NMCLIManager{iface: iface, run: runCommand}
}

func (m *NMCLIManager) HardwareID() (string, error) {
	return identity.Detect(m.iface)
}

func (m *NMCLIManager) Connected(ctx context.Context) (bool, error) {
	out, err := m.run(ctx, "nmcli", "-g", "GENERAL.STATE", "device", "show", m.iface)
	if err != nil {
		return false, err
	}
	return strings.Contains(string(out), "(connected)"), nil
}

func (m *NMCLIManager) Configure(ctx context.Context, ssid, psk string) error {
	// Replace any previous profile wholesale; nmcli has no clean
	// upsert for security settings.
	m.run(ctx, "nmcli", "connection", "delete", stationProfile)

	args := []string{
		"connection", "add",
		"type", "wifi",
		"ifname", m.iface,
		"con-name", stationProfile,
		"connection.autoconnect", "yes",
		"ssid", ssid,
	}
	if psk != "" {
		args = append(args, "wifi-sec.key-mgmt", "wpa-psk", "wifi-sec.psk", psk)
	}
	if _, err := m.run(ctx, "nmcli", args...); err != nil {
		return fmt.Errorf("configure station profile: %w", err)
	}
	return nil
}

func (m *NMCLIManager) Join(ctx context.Context) error {
	if _, err := m.run(ctx, "nmcli", "connection", "up", stationProfile); err != nil {
		return fmt.Errorf("join network: %w", err)
	}
	return nil
}

func (m *NMCLIManager) StartAccessPoint(ctx context.Context, name string) error {
	m.run(ctx, "nmcli", "connection", "delete", accessPointProfile)

	_, err := m.run(ctx, "nmcli",
		"connection", "add",
		"type", "wifi",
		"ifname", m.iface,
		"con-name", accessPointProfile,
		"connection.autoconnect", "no",
		"ssid", name,
		"802-11-wireless.mode", "ap",
		"ipv4.method", "shared")
	if err != nil {
		return fmt.Errorf("create access point profile: %w", err)
	}
	if _, err := m.run(ctx, "nmcli", "connection", "up", accessPointProfile); err != nil {
		return fmt.Errorf("start access point: %w", err)
	}
	return nil
}

func (m *NMCLIManager) StopAccessPoint(ctx context.Context) error {
	if _, err := m.run(ctx, "nmcli", "connection", "down", accessPointProfile); err != nil {
		return fmt.Errorf("stop access point: %w", err)
	}
	m.run(ctx, "nmcli", "connection", "delete", accessPointProfile)
	return nil
}
