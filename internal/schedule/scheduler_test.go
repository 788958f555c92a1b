package schedule

import (
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/seaborne/multisense/internal/sensor"
)

// fakePoller returns a scripted reading set and counts polls.
type fakePoller struct {
	readings []sensor.Reading
	polls    int
}

func (f *fakePoller) Poll() []sensor.Reading {
	f.polls++
	return f.readings
}

// capture records published payloads and can be told to fail.
type capture struct {
	payloads []string
	err      error
}

func (c *capture) publish(payload []byte) error {
	if c.err != nil {
		return c.err
	}
	c.payloads = append(c.payloads, string(payload))
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func defaultPolicy() Policy {
	return Policy{
		SoftInterval: 3 * time.Second,
		HardInterval: 30 * time.Second,
		ChangeDetect: true,
	}
}

func readings(temp float64, motion bool) []sensor.Reading {
	return []sensor.Reading{
		{Name: "temperature", Value: sensor.Number(temp)},
		{Name: "motion", Value: sensor.Bool(motion)},
	}
}

func TestTick_FirstTickAlwaysPublishes(t *testing.T) {
	s := New(defaultPolicy(), nil, testLogger())
	p := &fakePoller{readings: readings(21.5, false)}
	c := &capture{}
	now := time.Now()

	published, err := s.Tick(now, p, c.publish)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !published {
		t.Fatal("first tick with no prior snapshot should publish")
	}
	want := `{"temperature": 21.5, "motion": 0}`
	if c.payloads[0] != want {
		t.Errorf("payload = %s, want %s", c.payloads[0], want)
	}
}

func TestTick_SoftIntervalRateLimits(t *testing.T) {
	s := New(defaultPolicy(), nil, testLogger())
	p := &fakePoller{readings: readings(21.5, false)}
	c := &capture{}
	now := time.Now()

	s.Tick(now, p, c.publish)

	// A second tick inside the soft window must not even poll.
	published, _ := s.Tick(now.Add(time.Second), p, c.publish)
	if published {
		t.Error("tick inside soft interval should not publish")
	}
	if p.polls != 1 {
		t.Errorf("polls = %d, want 1 (soft interval gates polling)", p.polls)
	}
}

func TestTick_UnchangedReadingsDoNotRepublish(t *testing.T) {
	s := New(defaultPolicy(), nil, testLogger())
	p := &fakePoller{readings: readings(21.5, false)}
	c := &capture{}
	now := time.Now()

	s.Tick(now, p, c.publish)
	published, _ := s.Tick(now.Add(4*time.Second), p, c.publish)

	if published {
		t.Error("identical readings before the hard deadline should not publish")
	}
	if p.polls != 2 {
		t.Errorf("polls = %d, want 2 (soft interval elapsed, so poll happened)", p.polls)
	}
}

func TestTick_ChangePublishesPromptly(t *testing.T) {
	s := New(defaultPolicy(), nil, testLogger())
	p := &fakePoller{readings: readings(21.5, false)}
	c := &capture{}
	now := time.Now()

	s.Tick(now, p, c.publish)

	p.readings = readings(22.5, false)
	published, _ := s.Tick(now.Add(4*time.Second), p, c.publish)
	if !published {
		t.Fatal("changed reading after the soft interval should publish")
	}
	if len(c.payloads) != 2 {
		t.Fatalf("payloads = %d, want 2", len(c.payloads))
	}
}

func TestTick_HardIntervalHeartbeat(t *testing.T) {
	s := New(defaultPolicy(), nil, testLogger())
	p := &fakePoller{readings: readings(21.5, false)}
	c := &capture{}
	now := time.Now()

	s.Tick(now, p, c.publish)

	// Constant input: publishes must still appear once per hard
	// interval, and never faster than the soft interval allows.
	for i := 1; i <= 20; i++ {
		s.Tick(now.Add(time.Duration(i)*3*time.Second), p, c.publish)
	}
	// 60 seconds of unchanging input after the initial publish spans
	// two hard intervals.
	if len(c.payloads) != 3 {
		t.Errorf("payloads = %d, want 3 (initial + 2 heartbeats)", len(c.payloads))
	}
}

func TestTick_TriggerBypassesSoftInterval(t *testing.T) {
	latch := sensor.NewTriggerLatch()
	s := New(defaultPolicy(), latch, testLogger())
	p := &fakePoller{readings: readings(21.5, false)}
	c := &capture{}
	now := time.Now()

	s.Tick(now, p, c.publish)

	// Motion fires between ticks; the very next tick publishes even
	// though the soft interval has not elapsed and readings are equal
	// apart from the motion channel.
	latch.Signal()
	p.readings = readings(21.5, true)
	published, _ := s.Tick(now.Add(500*time.Millisecond), p, c.publish)
	if !published {
		t.Fatal("latched trigger should force an immediate publish")
	}
}

func TestTick_TriggerForcesDirtyWithEqualReadings(t *testing.T) {
	latch := sensor.NewTriggerLatch()
	s := New(defaultPolicy(), latch, testLogger())
	p := &fakePoller{readings: readings(21.5, false)}
	c := &capture{}
	now := time.Now()

	s.Tick(now, p, c.publish)

	// Even if the polled values compare equal (a short pulse that
	// ended before the poll), the latch still forces a publish.
	latch.Signal()
	published, _ := s.Tick(now.Add(4*time.Second), p, c.publish)
	if !published {
		t.Fatal("latch must force dirty regardless of comparison")
	}
}

func TestTick_PublishFailureKeepsSnapshot(t *testing.T) {
	s := New(defaultPolicy(), nil, testLogger())
	p := &fakePoller{readings: readings(21.5, false)}
	c := &capture{err: errors.New("not connected")}
	now := time.Now()

	published, err := s.Tick(now, p, c.publish)
	if published || err == nil {
		t.Fatal("failed publish should report the error and not count as published")
	}
	if !s.LastPublished().Empty() {
		t.Error("snapshot must only advance on successful publish")
	}

	// Broker recovers: the next eligible tick publishes fresh values.
	c.err = nil
	published, err = s.Tick(now.Add(4*time.Second), p, c.publish)
	if err != nil || !published {
		t.Fatalf("recovered tick: published=%v err=%v", published, err)
	}
}

func TestTick_UnifiedIntervalPolicy(t *testing.T) {
	// The single-sensor policy: one interval, no change detection,
	// every poll publishes.
	s := New(Policy{
		SoftInterval: 30 * time.Second,
		HardInterval: 30 * time.Second,
		ChangeDetect: false,
	}, nil, testLogger())
	p := &fakePoller{readings: readings(21.5, false)}
	c := &capture{}
	now := time.Now()

	s.Tick(now, p, c.publish)
	s.Tick(now.Add(10*time.Second), p, c.publish) // inside interval: nothing
	s.Tick(now.Add(31*time.Second), p, c.publish) // unchanged but publishes anyway

	if len(c.payloads) != 2 {
		t.Errorf("payloads = %d, want 2", len(c.payloads))
	}
	if p.polls != 2 {
		t.Errorf("polls = %d, want 2", p.polls)
	}
}

func TestTick_DisabledChannelNeverInPayload(t *testing.T) {
	s := New(defaultPolicy(), nil, testLogger())
	p := &fakePoller{readings: []sensor.Reading{
		{Name: "temperature", Value: sensor.Number(21.5)},
	}}
	c := &capture{}

	s.Tick(time.Now(), p, c.publish)

	if want := `{"temperature": 21.5}`; c.payloads[0] != want {
		t.Errorf("payload = %s, want %s", c.payloads[0], want)
	}
}

func TestTick_UnavailableSerializesAsSentinel(t *testing.T) {
	s := New(defaultPolicy(), nil, testLogger())
	p := &fakePoller{readings: []sensor.Reading{
		{Name: "temperature", Value: sensor.Unavailable()},
		{Name: "humidity", Value: sensor.Unavailable()},
	}}
	c := &capture{}

	s.Tick(time.Now(), p, c.publish)

	if want := `{"temperature": 999, "humidity": 999}`; c.payloads[0] != want {
		t.Errorf("payload = %s, want %s", c.payloads[0], want)
	}
}

func TestSnapshotEqual(t *testing.T) {
	a := NewSnapshot(readings(21.5, false))
	b := NewSnapshot(readings(21.5, false))
	if !a.Equal(b) {
		t.Error("identical snapshots should compare equal")
	}

	c := NewSnapshot(readings(21.6, false))
	if a.Equal(c) {
		t.Error("differing values should not compare equal")
	}

	d := NewSnapshot(readings(21.5, false)[:1])
	if a.Equal(d) {
		t.Error("differing channel sets should not compare equal")
	}
}
