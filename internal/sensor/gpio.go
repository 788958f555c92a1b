package sensor

import (
	"fmt"

	"github.com/warthog618/gpiod"

	"github.com/seaborne/multisense/internal/config"
)

// lineReader is the seam between GPIO-backed channels and the kernel
// character device, so tests can substitute a fake line.
type lineReader interface {
	Value() (int, error)
	Close() error
}

// switchChannel is a digital level input: an SPST switch, tilt sensor,
// reed contact or similar, published as 0/1 under its provisioned
// alias.
type switchChannel struct {
	name string
	line lineReader
}

func newSwitchChannel(name string, line lineReader) *switchChannel {
	return &switchChannel{name: name, line: line}
}

func (c *switchChannel) Name() string { return c.name }

func (c *switchChannel) Read() Value {
	v, err := c.line.Value()
	if err != nil {
		return Unavailable()
	}
	return Bool(v != 0)
}

func (c *switchChannel) Close() error { return c.line.Close() }

// openSwitch requests the configured GPIO line as an input.
func openSwitch(cc config.ChannelConfig, alias string) (Channel, error) {
	opts := []gpiod.LineReqOption{gpiod.AsInput}
	if cc.PullUp {
		opts = append(opts, gpiod.WithPullUp)
	}
	line, err := gpiod.RequestLine(gpioChip(cc), cc.Line, opts...)
	if err != nil {
		return nil, fmt.Errorf("request %s line %d: %w", gpioChip(cc), cc.Line, err)
	}
	return newSwitchChannel(alias, line), nil
}

// openTrigger requests the configured GPIO line with edge detection.
// The event handler's only side effect is arming the latch; it runs on
// the gpiod event goroutine and must stay free of I/O and blocking.
// The level itself is still read on demand at poll time, like any other
// switch.
func openTrigger(cc config.ChannelConfig, latch *TriggerLatch) (Channel, error) {
	opts := []gpiod.LineReqOption{
		gpiod.AsInput,
		gpiod.WithBothEdges,
		gpiod.WithEventHandler(func(gpiod.LineEvent) {
			latch.Signal()
		}),
	}
	if cc.PullUp {
		opts = append(opts, gpiod.WithPullUp)
	}
	line, err := gpiod.RequestLine(gpioChip(cc), cc.Line, opts...)
	if err != nil {
		return nil, fmt.Errorf("request %s line %d: %w", gpioChip(cc), cc.Line, err)
	}
	return newSwitchChannel(cc.Name, line), nil
}

func gpioChip(cc config.ChannelConfig) string {
	if cc.Chip != "" {
		return cc.Chip
	}
	return "gpiochip0"
}
