// Package sensor models the node's sensor channels: named inputs that
// each produce a typed value or an explicit "unavailable" sentinel on
// every polling pass. Channel implementations cover the hardware the
// board family ships with — GPIO switches, a PIR trigger, an analog
// light level input, DS18B20 one-wire probes, and an AM2320-class
// combined hygrometer — but the polling layer only sees the Channel
// interface, so a deployment is just a table of channel descriptors.
package sensor

import "strconv"

// UnavailableSentinel is the number published when a channel cannot be
// read. It sits outside every supported sensor's legitimate range, so
// consumers can always tell a dead sensor from a real reading.
const UnavailableSentinel = 999

// Kind discriminates the payload of a Value.
type Kind int

const (
	// KindUnavailable marks a failed or impossible reading.
	KindUnavailable Kind = iota
	// KindNumber is a quantized numeric reading.
	KindNumber
	// KindBool is a two-state reading, published as 0 or 1.
	KindBool
)

// Value is one sensor observation. The zero Value is Unavailable.
type Value struct {
	kind Kind
	num  float64
	b    bool
}

// Number returns a numeric Value. Channels quantize to the unit they
// report before constructing the Value, so equality between Values is
// equality between published representations.
func Number(v float64) Value {
	return Value{kind: KindNumber, num: v}
}

// Bool returns a two-state Value.
func Bool(v bool) Value {
	return Value{kind: KindBool, b: v}
}

// Unavailable returns the sentinel Value.
func Unavailable() Value {
	return Value{}
}

// Kind returns the value's discriminator.
func (v Value) Kind() Kind {
	return v.kind
}

// Float returns the numeric payload. Only meaningful for KindNumber.
func (v Value) Float() float64 {
	return v.num
}

// Equal reports whether two values would publish identically.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	default:
		return true
	}
}

// MarshalJSON renders the value the way the status message expects it:
// numbers in their natural unit, booleans as 0/1, and unavailable as
// the fixed sentinel (never null, never zero).
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNumber:
		return []byte(strconv.FormatFloat(v.num, 'f', -1, 64)), nil
	case KindBool:
		if v.b {
			return []byte("1"), nil
		}
		return []byte("0"), nil
	default:
		return []byte(strconv.Itoa(UnavailableSentinel)), nil
	}
}

// String implements fmt.Stringer for log output.
func (v Value) String() string {
	b, _ := v.MarshalJSON()
	return string(b)
}

// Reading pairs a channel's JSON property name with the value it
// produced on one polling pass. Readings are ephemeral: produced each
// tick, consumed by change detection, not retained (the scheduler keeps
// its own last-published snapshot).
type Reading struct {
	Name  string
	Value Value
}
