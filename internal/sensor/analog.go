package sensor

import (
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/seaborne/multisense/internal/config"
)

// analogChannel reads a raw ADC value from an IIO sysfs attribute,
// scales it by a calibration multiplier and clamps it to a ceiling.
// The published value is quantized to a whole unit (the raw 0..1023
// scale the light sensor family reports).
type analogChannel struct {
	name  string
	path  string
	scale float64
	clamp float64
}

func newAnalogChannel(cc config.ChannelConfig) *analogChannel {
	scale := cc.Scale
	if scale == 0 {
		scale = 1
	}
	return &analogChannel{
		name:  cc.Name,
		path:  cc.Path,
		scale: scale,
		clamp: cc.Clamp,
	}
}

func (c *analogChannel) Name() string { return c.name }

func (c *analogChannel) Read() Value {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return Unavailable()
	}
	raw, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return Unavailable()
	}

	v := raw * c.scale
	if c.clamp > 0 && v > c.clamp {
		v = c.clamp
	}
	return Number(math.Round(v))
}

func (c *analogChannel) Close() error { return nil }
