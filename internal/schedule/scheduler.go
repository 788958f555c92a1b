// Package schedule decides, on each tick of the main loop, whether to
// poll the sensors and whether to publish what they report.
//
// The policy balances two pressures with two deadlines: the soft
// interval caps how often the sensors are polled at all (bounding
// network and bus chatter), while the hard interval guarantees a
// heartbeat publish even when nothing changes (bounding staleness on
// the broker). Between the two, a change in any channel publishes on
// the next soft boundary, and an armed trigger latch publishes
// immediately. Collapsing both deadlines onto one interval with change
// detection disabled yields the simpler publish-every-30s behavior of
// the single-sensor builds.
package schedule

import (
	"log/slog"
	"time"

	"github.com/seaborne/multisense/internal/sensor"
)

// Policy is the scheduling parameter set.
type Policy struct {
	// SoftInterval is the minimum spacing between sensor polls.
	SoftInterval time.Duration
	// HardInterval is the maximum spacing between publishes.
	HardInterval time.Duration
	// ChangeDetect gates publishes on value change between polls.
	// When false every poll publishes, which only makes sense when
	// SoftInterval == HardInterval.
	ChangeDetect bool
}

// Poller produces the current readings of all enabled channels.
type Poller interface {
	Poll() []sensor.Reading
}

// PublishFunc delivers a payload to the broker. A non-nil error means
// the payload was not accepted; the scheduler keeps at-most-current
// semantics, so the readings are dropped rather than queued and the
// next eligible tick publishes fresh values instead.
type PublishFunc func(payload []byte) error

// Scheduler holds the publish timing state. It is owned by the
// lifecycle controller and only ever touched from the main loop; the
// trigger latch is the one concession to asynchrony.
type Scheduler struct {
	policy Policy
	latch  *sensor.TriggerLatch
	logger *slog.Logger

	softDeadline time.Time
	hardDeadline time.Time
	published    Snapshot
}

// New creates a scheduler. latch may be nil when no trigger channel is
// configured.
func New(policy Policy, latch *sensor.TriggerLatch, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{policy: policy, latch: latch, logger: logger}
}

// Tick runs one scheduling decision at time now. It returns whether a
// publish happened and the publish error, if any. Publish errors are
// not fatal to the schedule: deadlines advance normally and the next
// eligible tick retries with fresh readings.
//
// The zero deadlines on a fresh scheduler make the first tick poll and
// publish immediately — there is no prior snapshot, so everything is a
// change.
func (s *Scheduler) Tick(now time.Time, poller Poller, publish PublishFunc) (bool, error) {
	fired := s.latch != nil && s.latch.TakeAndClear()

	// Rate limit: never poll faster than the soft interval. A latched
	// trigger jumps the gate so motion publishes promptly.
	if now.Before(s.softDeadline) && !fired {
		return false, nil
	}

	current := NewSnapshot(poller.Poll())

	dirty := fired || !s.policy.ChangeDetect || !current.Equal(s.published)

	published := false
	var err error
	if dirty || !now.Before(s.hardDeadline) {
		var payload []byte
		payload, err = current.MarshalJSON()
		if err == nil {
			err = publish(payload)
		}
		if err == nil {
			s.published = current
			s.hardDeadline = now.Add(s.policy.HardInterval)
			published = true
			s.logger.Debug("published readings",
				"channels", len(current.Readings()),
				"trigger", fired,
				"payload", string(payload))
		} else {
			s.logger.Debug("publish skipped", "error", err)
		}
	}

	s.softDeadline = now.Add(s.policy.SoftInterval)
	return published, err
}

// LastPublished returns the most recently published snapshot, for
// diagnostics. Empty until the first successful publish.
func (s *Scheduler) LastPublished() Snapshot {
	return s.published
}
