// Package broker owns the node's single MQTT connection. It wraps the
// wire protocol client in a small state machine — Disconnected,
// Connecting, Connected — that the main loop polls once per tick, so a
// dead broker never blocks sensor polling. Retries are unbounded and
// spaced by a fixed backoff: an unreachable broker is an operating
// condition, not an error to escalate.
package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// State is the connection lifecycle position. Transitions happen only
// inside the Manager.
type State int

const (
	// Disconnected means no connection exists and none is in flight.
	Disconnected State = iota
	// Connecting means a connect attempt is pending completion.
	Connecting
	// Connected means publishes can be attempted.
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ErrNotConnected is returned by Publish while the connection is down.
// The caller retries on a later tick; readings are never queued.
var ErrNotConnected = errors.New("broker not connected")

// Token is a pending protocol operation (the subset of the MQTT
// client's token the manager needs).
type Token interface {
	Done() <-chan struct{}
	Error() error
}

// Client is the wire-protocol seam. The production implementation
// wraps the Eclipse Paho client; tests substitute a scripted fake.
type Client interface {
	Connect() Token
	Publish(topic string, qos byte, retained bool, payload []byte) Token
	IsConnectionOpen() bool
	Disconnect(quiesceMS uint)
}

// Config tunes the manager.
type Config struct {
	// Backoff is the fixed delay between failed connect attempts
	// (default 5s).
	Backoff time.Duration
	// PublishTimeout bounds a publish round trip (default 10s).
	PublishTimeout time.Duration
	// AvailabilityTopic, when non-empty, receives a retained "online"
	// on every (re-)connect. The matching "offline" is wired as the
	// connection's will message by the client constructor.
	AvailabilityTopic string
}

// Manager drives the connection state machine. It is owned by the
// lifecycle controller and is not safe for concurrent use; everything
// happens on the main loop.
type Manager struct {
	client Client
	cfg    Config
	logger *slog.Logger

	state        State
	connectToken Token
	nextAttempt  time.Time
	attempts     int
}

// NewManager creates a manager around an unconnected client.
func NewManager(client Client, cfg Config, logger *slog.Logger) *Manager {
	if cfg.Backoff <= 0 {
		cfg.Backoff = 5 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{client: client, cfg: cfg, logger: logger}
}

// State returns the current connection state.
func (m *Manager) State() State {
	return m.state
}

// EnsureConnected advances the state machine one step and returns the
// resulting state. It never blocks: a connect attempt is started and
// its completion observed on later ticks. Failed attempts schedule the
// next one a fixed backoff away; there is no retry limit.
func (m *Manager) EnsureConnected(now time.Time) State {
	switch m.state {
	case Connected:
		return m.state

	case Disconnected:
		if now.Before(m.nextAttempt) {
			return m.state
		}
		m.attempts++
		m.logger.Info("connecting to broker", "attempt", m.attempts)
		m.connectToken = m.client.Connect()
		m.state = Connecting
		// Fall through to observe tokens that complete synchronously.
		return m.pollConnect(now)

	case Connecting:
		return m.pollConnect(now)
	}
	return m.state
}

// pollConnect checks a pending connect attempt without waiting.
func (m *Manager) pollConnect(now time.Time) State {
	select {
	case <-m.connectToken.Done():
	default:
		return m.state
	}

	if err := m.connectToken.Error(); err != nil {
		m.logger.Warn("broker connect failed",
			"attempt", m.attempts,
			"retry_in", m.cfg.Backoff.String(),
			"error", err)
		m.state = Disconnected
		m.nextAttempt = now.Add(m.cfg.Backoff)
		m.connectToken = nil
		return m.state
	}

	m.logger.Info("connected to broker", "after_attempts", m.attempts)
	m.state = Connected
	m.connectToken = nil
	m.attempts = 0
	m.publishAvailability("online")
	return m.state
}

// Keepalive services connection bookkeeping. It must run at least once
// per tick while Connected; a connection the client has lost since the
// last tick transitions the manager to Disconnected, with the next
// attempt allowed immediately.
func (m *Manager) Keepalive() {
	if m.state != Connected {
		return
	}
	if !m.client.IsConnectionOpen() {
		m.logger.Warn("broker connection lost")
		m.dropConnection()
		m.nextAttempt = time.Time{}
	}
}

// dropConnection tears the client session down before marking the
// manager Disconnected. The client rejects Connect on a session it
// still considers open, so skipping the teardown would wedge every
// later reconnect attempt.
func (m *Manager) dropConnection() {
	m.client.Disconnect(250)
	m.state = Disconnected
}

// Publish sends a retained status payload. It fails fast with
// ErrNotConnected while the connection is down, and any I/O failure or
// timeout during the publish itself tears the connection down and
// transitions the manager to Disconnected.
func (m *Manager) Publish(topic string, payload []byte, retain bool) error {
	if m.state != Connected {
		return ErrNotConnected
	}

	token := m.client.Publish(topic, 0, retain, payload)
	select {
	case <-token.Done():
	case <-time.After(m.cfg.PublishTimeout):
		m.logger.Warn("publish timed out", "topic", topic)
		m.dropConnection()
		return fmt.Errorf("publish to %s timed out", topic)
	}

	if err := token.Error(); err != nil {
		m.logger.Warn("publish failed", "topic", topic, "error", err)
		m.dropConnection()
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Close announces unavailability and tears the connection down.
func (m *Manager) Close() {
	if m.state == Connected {
		m.publishAvailability("offline")
	}
	m.client.Disconnect(250)
	m.state = Disconnected
}

// publishAvailability is best effort; the will message covers the
// ungraceful cases.
func (m *Manager) publishAvailability(status string) {
	if m.cfg.AvailabilityTopic == "" {
		return
	}
	token := m.client.Publish(m.cfg.AvailabilityTopic, 0, true, []byte(status))
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			m.logger.Debug("availability publish failed", "status", status, "error", err)
		}
	case <-time.After(m.cfg.PublishTimeout):
		m.logger.Debug("availability publish timed out", "status", status)
	}
}

// AvailabilityTopic derives the availability topic from a status
// topic: the conventional trailing "status" segment is replaced, and
// anything else gets "availability" appended.
func AvailabilityTopic(statusTopic string) string {
	if strings.HasSuffix(statusTopic, "/status") {
		return strings.TrimSuffix(statusTopic, "status") + "availability"
	}
	return statusTopic + "/availability"
}
