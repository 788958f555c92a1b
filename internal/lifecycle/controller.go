// Package lifecycle drives the node through its phases: load the
// stored device record, provision through the captive portal when none
// exists, join the wireless network, then run the publish loop until
// shutdown. A join that never completes reverts to provisioning so an
// operator can correct stale credentials; only an unattended portal
// session ends in a restart request, keeping each boot a clean pass
// through the same sequence.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seaborne/multisense/internal/broker"
	"github.com/seaborne/multisense/internal/config"
	"github.com/seaborne/multisense/internal/device"
	"github.com/seaborne/multisense/internal/identity"
	"github.com/seaborne/multisense/internal/netwait"
	"github.com/seaborne/multisense/internal/portal"
	"github.com/seaborne/multisense/internal/schedule"
	"github.com/seaborne/multisense/internal/sensor"
	"github.com/seaborne/multisense/internal/wireless"
)

// ErrRestart is returned by Run when the controller wants the process
// restarted by its supervisor (unattended portal session).
var ErrRestart = errors.New("restart requested")

// Phase names the controller's current position, for diagnostics.
type Phase string

const (
	PhaseBoot         Phase = "boot"
	PhaseProvisioning Phase = "provisioning"
	PhaseJoining      Phase = "joining"
	PhaseOperational  Phase = "operational"
)

// ConfigStore is the persistence seam (implemented by confstore.Store).
type ConfigStore interface {
	Load() (*device.Configuration, error)
	Save(cfg *device.Configuration) (string, error)
}

// ClientFunc builds the MQTT client for a provisioned record.
// Injectable so tests run against a scripted client.
type ClientFunc func(dev *device.Configuration) broker.Client

// Controller owns the boot sequence and the publish loop.
type Controller struct {
	cfg       *config.Config
	store     ConfigStore
	wifi      wireless.Manager
	newClient ClientFunc
	logger    *slog.Logger

	// Test seams; production values come from cfg.
	tickInterval  time.Duration
	portalTimeout time.Duration
	joinDeadline  time.Duration

	mu     sync.Mutex
	status Status
}

// Status is a point-in-time view for the diagnostics dashboard.
type Status struct {
	Phase       Phase     `json:"phase"`
	DeviceID    string    `json:"device_id,omitempty"`
	Topic       string    `json:"topic,omitempty"`
	Broker      string    `json:"broker,omitempty"`
	BrokerState string    `json:"broker_state,omitempty"`
	Channels    []string  `json:"channels,omitempty"`
	LastPayload string    `json:"last_payload,omitempty"`
	LastPublish time.Time `json:"last_publish,omitzero"`
}

// New creates a controller. newClient defaults to the production MQTT
// client when nil.
func New(cfg *config.Config, store ConfigStore, wifi wireless.Manager, newClient ClientFunc, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if newClient == nil {
		keepAlive := time.Duration(cfg.Broker.KeepAliveSec) * time.Second
		newClient = func(dev *device.Configuration) broker.Client {
			return broker.NewPahoClient(dev, keepAlive)
		}
	}
	return &Controller{
		cfg:           cfg,
		store:         store,
		wifi:          wifi,
		newClient:     newClient,
		logger:        logger,
		tickInterval:  time.Second,
		portalTimeout: time.Duration(cfg.Portal.TimeoutSec) * time.Second,
		joinDeadline:  time.Duration(cfg.Network.JoinTimeoutSec) * time.Second,
	}
}

// Status returns the current diagnostics view.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Controller) setPhase(p Phase) {
	c.mu.Lock()
	c.status.Phase = p
	c.mu.Unlock()
	c.logger.Info("lifecycle phase", "phase", string(p))
}

// Run executes one full lifecycle pass. It returns nil on graceful
// shutdown, ErrRestart when the supervisor should restart the process,
// or the underlying error for unrecoverable failures.
func (c *Controller) Run(ctx context.Context) error {
	c.setPhase(PhaseBoot)

	dev, err := c.store.Load()
	if err != nil {
		return fmt.Errorf("load device configuration: %w", err)
	}

	var creds *portal.Result
	if dev == nil {
		creds, err = c.provision(ctx, nil)
		if err != nil {
			return err
		}
		dev = creds.Device
	}
	c.noteDevice(dev)

	err = c.join(ctx, creds)
	if errors.Is(err, netwait.ErrDeadline) {
		// The stored credentials no longer get us on the network.
		// Revert to provisioning with the stored record prefilled so
		// the operator only has to fix the wireless side.
		c.logger.Warn("network join deadline exceeded, reverting to provisioning")
		creds, err = c.provision(ctx, dev)
		if err != nil {
			return err
		}
		dev = creds.Device
		c.noteDevice(dev)
		err = c.join(ctx, creds)
	}
	if err != nil {
		if errors.Is(err, netwait.ErrDeadline) {
			c.logger.Warn("network join deadline exceeded again, restarting")
			return ErrRestart
		}
		return err
	}

	return c.operate(ctx, dev)
}

func (c *Controller) noteDevice(dev *device.Configuration) {
	c.mu.Lock()
	c.status.DeviceID = dev.DeviceID
	c.status.Topic = dev.PublishTopic
	c.status.Broker = dev.BrokerAddr()
	c.mu.Unlock()
}

// provision raises the access point and runs the portal session.
// current carries the stored record when a configured node reverts to
// provisioning, so the form opens prefilled. A timeout means nobody is
// configuring the node right now; restart and try again rather than
// serving a stale portal indefinitely.
func (c *Controller) provision(ctx context.Context, current *device.Configuration) (*portal.Result, error) {
	c.setPhase(PhaseProvisioning)

	id, err := c.wifi.HardwareID()
	if err != nil {
		return nil, fmt.Errorf("detect hardware identity: %w", err)
	}
	apName := identity.AccessPointName(id)

	if err := c.wifi.StartAccessPoint(ctx, apName); err != nil {
		return nil, fmt.Errorf("start provisioning access point: %w", err)
	}
	defer func() {
		if err := c.wifi.StopAccessPoint(context.WithoutCancel(ctx)); err != nil {
			c.logger.Warn("stop access point failed", "error", err)
		}
	}()

	session := portal.NewSession(portal.Config{
		HardwareID:      id,
		AccessPointName: apName,
		Current:         current,
		Timeout:         c.portalTimeout,
		Logger:          c.logger,
	})
	result, err := session.Run(ctx, c.cfg.Portal.Listen)
	if errors.Is(err, portal.ErrTimeout) {
		c.logger.Info("provisioning session timed out, restarting")
		return nil, ErrRestart
	}
	if err != nil {
		return nil, err
	}

	revision, err := c.store.Save(result.Device)
	if err != nil {
		return nil, fmt.Errorf("persist device configuration: %w", err)
	}
	c.logger.Info("device configuration saved",
		"revision", revision,
		"device_id", result.Device.DeviceID,
		"broker", result.Device.BrokerAddr())

	if err := c.wifi.Configure(ctx, result.SSID, result.PSK); err != nil {
		return nil, fmt.Errorf("configure wireless network: %w", err)
	}
	return result, nil
}

// join waits for network connectivity within the deadline, returning
// netwait.ErrDeadline when it expires so the caller can revert to
// provisioning. creds is non-nil right after provisioning, when the
// station profile still needs bringing up.
func (c *Controller) join(ctx context.Context, creds *portal.Result) error {
	c.setPhase(PhaseJoining)

	if creds != nil {
		if err := c.wifi.Join(ctx); err != nil {
			// Association may still complete in the background; the
			// bounded wait below is the authority.
			c.logger.Warn("network join command failed", "error", err)
		}
	}

	probe := func(ctx context.Context) (bool, error) {
		return c.wifi.Connected(ctx)
	}
	return netwait.Wait(ctx, probe, netwait.Config{Deadline: c.joinDeadline}, c.logger)
}

// operate runs the steady-state loop: one tick per second services the
// broker connection and the publish schedule. The sensor set is built
// once; channel failures surface as unavailable readings, not loop
// errors.
func (c *Controller) operate(ctx context.Context, dev *device.Configuration) error {
	c.setPhase(PhaseOperational)

	set, latch, err := sensor.Build(c.cfg.Channels, dev, c.logger)
	if err != nil {
		return fmt.Errorf("build sensor set: %w", err)
	}
	defer set.Close()

	c.mu.Lock()
	c.status.Channels = set.Names()
	c.mu.Unlock()

	mgr := broker.NewManager(c.newClient(dev), broker.Config{
		Backoff:           time.Duration(c.cfg.Broker.ConnectBackoffSec) * time.Second,
		PublishTimeout:    time.Duration(c.cfg.Broker.PublishTimeoutSec) * time.Second,
		AvailabilityTopic: broker.AvailabilityTopic(dev.PublishTopic),
	}, c.logger)
	defer mgr.Close()

	sched := schedule.New(c.policy(dev), latch, c.logger)
	publish := func(payload []byte) error {
		err := mgr.Publish(dev.PublishTopic, payload, true)
		if err == nil {
			c.mu.Lock()
			c.status.LastPayload = string(payload)
			c.status.LastPublish = time.Now()
			c.mu.Unlock()
		}
		return err
	}

	ticker := time.NewTicker(c.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("shutting down")
			return nil
		case now := <-ticker.C:
			state := mgr.EnsureConnected(now)
			mgr.Keepalive()

			c.mu.Lock()
			c.status.BrokerState = mgr.State().String()
			c.mu.Unlock()

			if state != broker.Connected {
				continue
			}
			if _, err := sched.Tick(now, set, publish); err != nil {
				c.logger.Warn("publish failed", "error", err)
			}
		}
	}
}

// policy derives the effective publish policy: node defaults from the
// config file, overridden per device by the provisioned record.
func (c *Controller) policy(dev *device.Configuration) schedule.Policy {
	soft := c.cfg.SoftInterval()
	hard := c.cfg.HardInterval()
	if dev.SoftIntervalMS > 0 {
		soft = time.Duration(dev.SoftIntervalMS) * time.Millisecond
	}
	if dev.HardIntervalMS > 0 {
		hard = time.Duration(dev.HardIntervalMS) * time.Millisecond
	}
	if soft > hard {
		soft = hard
	}
	return schedule.Policy{
		SoftInterval: soft,
		HardInterval: hard,
		ChangeDetect: c.cfg.Publish.ChangeDetectEnabled(),
	}
}
