package sensor

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/seaborne/multisense/internal/config"
)

// defaultW1Dir is where the kernel w1 bus master exposes enumerated
// slave devices.
const defaultW1Dir = "/sys/bus/w1/devices"

// ds18b20Prefix is the one-wire family code of the supported
// temperature probe.
const ds18b20Prefix = "28-"

// onewireChannel reads one DS18B20 probe through the kernel w1-therm
// driver. Readings are quantized to 0.1 °C, the resolution the probe
// actually delivers after the driver's conversion.
type onewireChannel struct {
	name string
	dir  string // .../devices/28-xxxxxxxxxxxx
}

func (c *onewireChannel) Name() string { return c.name }

func (c *onewireChannel) Read() Value {
	milli, err := readProbeMillidegrees(c.dir)
	if err != nil {
		return Unavailable()
	}
	return Number(math.Round(milli/100) / 10)
}

func (c *onewireChannel) Close() error { return nil }

func onewireDir(cc config.ChannelConfig) string {
	if cc.Path != "" {
		return cc.Path
	}
	return defaultW1Dir
}

// enumerateProbes lists DS18B20 device addresses under dir, sorted so
// probe-to-name assignment is stable across boots.
func enumerateProbes(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read w1 devices: %w", err)
	}

	var probes []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ds18b20Prefix) {
			probes = append(probes, e.Name())
		}
	}
	sort.Strings(probes)
	return probes, nil
}

// probeChannels maps enumerated probes to channels. A single probe
// publishes under the configured name; multiple probes each get the
// name suffixed with their stable bus address, so adding a probe never
// renames an existing one.
func probeChannels(cc config.ChannelConfig, probes []string) []Channel {
	dir := onewireDir(cc)

	if len(probes) == 1 {
		return []Channel{&onewireChannel{name: cc.Name, dir: filepath.Join(dir, probes[0])}}
	}

	channels := make([]Channel, 0, len(probes))
	for _, p := range probes {
		addr := strings.TrimPrefix(p, ds18b20Prefix)
		channels = append(channels, &onewireChannel{
			name: cc.Name + "_" + addr,
			dir:  filepath.Join(dir, p),
		})
	}
	return channels
}

// readProbeMillidegrees reads a probe's temperature in millidegrees
// Celsius. Newer kernels expose a plain "temperature" attribute; older
// ones only have the two-line w1_slave report, which is parsed as a
// fallback.
func readProbeMillidegrees(dir string) (float64, error) {
	if data, err := os.ReadFile(filepath.Join(dir, "temperature")); err == nil {
		v, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
		if err != nil {
			return 0, fmt.Errorf("parse temperature attribute: %w", err)
		}
		return v, nil
	}

	data, err := os.ReadFile(filepath.Join(dir, "w1_slave"))
	if err != nil {
		return 0, err
	}
	return parseW1Slave(string(data))
}

// parseW1Slave extracts the reading from the legacy w1_slave format:
//
//	53 01 4b 46 7f ff 0c 10 2d : crc=2d YES
//	53 01 4b 46 7f ff 0c 10 2d t=21187
//
// A failed CRC line means the conversion is unusable.
func parseW1Slave(report string) (float64, error) {
	lines := strings.Split(strings.TrimSpace(report), "\n")
	if len(lines) < 2 {
		return 0, fmt.Errorf("malformed w1_slave report")
	}
	if !strings.HasSuffix(strings.TrimSpace(lines[0]), "YES") {
		return 0, fmt.Errorf("w1_slave crc check failed")
	}
	idx := strings.LastIndex(lines[1], "t=")
	if idx < 0 {
		return 0, fmt.Errorf("w1_slave report missing t= field")
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(lines[1][idx+2:]), 64)
	if err != nil {
		return 0, fmt.Errorf("parse w1_slave temperature: %w", err)
	}
	return v, nil
}
