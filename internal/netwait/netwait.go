// Package netwait blocks startup until the wireless interface has
// joined its network, within a bound. Association after provisioning
// can take tens of seconds (DHCP, slow access points), so the wait is
// a polling loop with a growing delay rather than a single check.
package netwait

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrDeadline is returned when the network did not come up within the
// configured bound.
var ErrDeadline = errors.New("network join deadline exceeded")

// ProbeFunc checks whether the network is up. Return true when joined.
type ProbeFunc func(ctx context.Context) (bool, error)

// Config controls the wait loop.
type Config struct {
	// Deadline bounds the total wait (default 120s).
	Deadline time.Duration

	// InitialDelay is the pause before the second probe (default 1s).
	// The first probe fires immediately.
	InitialDelay time.Duration

	// MaxDelay caps probe spacing growth (default 10s).
	MaxDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Deadline <= 0 {
		c.Deadline = 120 * time.Second
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	return c
}

// Wait probes until the network is up, the deadline passes, or ctx is
// cancelled. Probe errors are logged and treated as not-yet-joined.
func Wait(ctx context.Context, probe ProbeFunc, cfg Config, logger *slog.Logger) error {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Deadline)
	defer cancel()

	delay := cfg.InitialDelay
	for attempt := 1; ; attempt++ {
		up, err := probe(ctx)
		if err != nil {
			logger.Debug("network probe failed", "attempt", attempt, "error", err)
		} else if up {
			logger.Info("network joined", "after_attempts", attempt)
			return nil
		}

		if !sleepCtx(ctx, delay) {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w after %s", ErrDeadline, cfg.Deadline)
			}
			return ctx.Err()
		}

		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
