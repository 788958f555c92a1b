package sensor

import (
	"fmt"
	"log/slog"

	"github.com/seaborne/multisense/internal/config"
	"github.com/seaborne/multisense/internal/device"
)

// Channel is one named sensor input.
type Channel interface {
	// Name is the JSON property key the channel publishes under.
	Name() string
	// Read produces the channel's current value. A failing channel
	// reports Unavailable; Read itself never fails.
	Read() Value
	// Close releases any hardware resources held by the channel.
	Close() error
}

// Set is the ordered collection of enabled channels. Disabled channels
// (empty alias) are excluded at construction, so they are neither
// polled nor published.
type Set struct {
	channels []Channel
	logger   *slog.Logger
}

// NewSet wraps an explicit channel list. Used directly by tests; the
// daemon builds its set with Build.
func NewSet(channels []Channel, logger *slog.Logger) *Set {
	if logger == nil {
		logger = slog.Default()
	}
	return &Set{channels: channels, logger: logger}
}

// Poll reads every enabled channel in order. Individual channel
// failures surface as Unavailable values for that channel only; the
// poll as a whole never fails.
func (s *Set) Poll() []Reading {
	readings := make([]Reading, 0, len(s.channels))
	for _, ch := range s.channels {
		v := ch.Read()
		if v.Kind() == KindUnavailable {
			s.logger.Debug("channel unavailable", "channel", ch.Name())
		}
		readings = append(readings, Reading{Name: ch.Name(), Value: v})
	}
	return readings
}

// Names returns the enabled channel names in publish order.
func (s *Set) Names() []string {
	names := make([]string, len(s.channels))
	for i, ch := range s.channels {
		names[i] = ch.Name()
	}
	return names
}

// Len returns the number of enabled channels.
func (s *Set) Len() int {
	return len(s.channels)
}

// Close releases all channels.
func (s *Set) Close() {
	for _, ch := range s.channels {
		if err := ch.Close(); err != nil {
			s.logger.Warn("close channel", "channel", ch.Name(), "error", err)
		}
	}
}

// Build assembles the enabled channel set from the node's hardware
// table and the provisioned configuration. Switch channels take their
// name from the provisioned slot alias and are skipped entirely when
// the alias is empty. A channel whose hardware fails to open is kept
// in the set as permanently unavailable rather than aborting startup —
// the node should publish what it can.
//
// The returned latch is non-nil when a trigger channel is configured;
// it is armed by the hardware edge callback and consumed by the
// scheduler.
func Build(cfgs []config.ChannelConfig, dev *device.Configuration, logger *slog.Logger) (*Set, *TriggerLatch, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var channels []Channel
	var latch *TriggerLatch

	for _, cc := range cfgs {
		switch cc.Kind {
		case "switch":
			alias := dev.Alias(cc.Slot)
			if alias == "" {
				logger.Debug("switch slot disabled", "slot", cc.Slot)
				continue
			}
			ch, err := openSwitch(cc, alias)
			if err != nil {
				logger.Warn("switch channel unavailable", "slot", cc.Slot, "alias", alias, "error", err)
				ch = deadChannel{name: alias}
			}
			channels = append(channels, ch)

		case "trigger":
			if latch != nil {
				return nil, nil, fmt.Errorf("multiple trigger channels configured")
			}
			latch = NewTriggerLatch()
			ch, err := openTrigger(cc, latch)
			if err != nil {
				logger.Warn("trigger channel unavailable", "name", cc.Name, "error", err)
				ch = deadChannel{name: cc.Name}
			}
			channels = append(channels, ch)

		case "analog":
			channels = append(channels, newAnalogChannel(cc))

		case "onewire":
			probes, err := enumerateProbes(onewireDir(cc))
			if err != nil || len(probes) == 0 {
				logger.Warn("no one-wire probes found", "name", cc.Name, "error", err)
				channels = append(channels, deadChannel{name: cc.Name})
				continue
			}
			for _, ch := range probeChannels(cc, probes) {
				channels = append(channels, ch)
			}

		case "hygro":
			t, h := newHygroChannels(cc)
			channels = append(channels, t, h)

		default:
			return nil, nil, fmt.Errorf("unknown channel kind %q", cc.Kind)
		}
	}

	logger.Info("sensor channels initialized", "channels", len(channels))
	return NewSet(channels, logger), latch, nil
}

// deadChannel stands in for a channel whose hardware could not be
// opened. It keeps the property key in the published payload, carrying
// the sentinel, which is more diagnosable downstream than a silently
// missing key.
type deadChannel struct {
	name string
}

func (d deadChannel) Name() string { return d.name }
func (d deadChannel) Read() Value  { return Unavailable() }
func (d deadChannel) Close() error { return nil }
