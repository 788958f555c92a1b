package sensor

import (
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/seaborne/multisense/internal/config"
)

// hygroReader reads an AM2320-class combined temperature/humidity
// sensor through the kernel hwmon interface (temp1_input in
// millidegrees, humidity1_input in milli-percent). The sensor being
// physically absent is itself a readable state — the hwmon directory
// or its attributes are missing — which both derived channels collapse
// to Unavailable in the output.
type hygroReader struct {
	dir string
}

// Connected reports whether the hwmon device is present on the bus.
func (r *hygroReader) Connected() bool {
	_, err := os.Stat(filepath.Join(r.dir, "temp1_input"))
	return err == nil
}

func (r *hygroReader) readMilli(attr string) (float64, bool) {
	data, err := os.ReadFile(filepath.Join(r.dir, attr))
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// hygroChannel exposes one half of the pair. Values are quantized to
// whole units (degrees Celsius, percent relative humidity) — the
// resolution this sensor family is honest about.
type hygroChannel struct {
	name   string
	attr   string
	reader *hygroReader
}

func (c *hygroChannel) Name() string { return c.name }

func (c *hygroChannel) Read() Value {
	milli, ok := c.reader.readMilli(c.attr)
	if !ok {
		return Unavailable()
	}
	return Number(math.Round(milli / 1000))
}

func (c *hygroChannel) Close() error { return nil }

// newHygroChannels returns the temperature and humidity channels
// backed by one hwmon device.
func newHygroChannels(cc config.ChannelConfig) (Channel, Channel) {
	reader := &hygroReader{dir: cc.Path}
	return &hygroChannel{name: "temperature", attr: "temp1_input", reader: reader},
		&hygroChannel{name: "humidity", attr: "humidity1_input", reader: reader}
}
