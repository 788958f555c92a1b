package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/seaborne/multisense/internal/broker"
	"github.com/seaborne/multisense/internal/config"
	"github.com/seaborne/multisense/internal/device"
)

type fakeStore struct {
	dev     *device.Configuration
	loadErr error

	mu    sync.Mutex
	saved *device.Configuration
}

func (s *fakeStore) Load() (*device.Configuration, error) {
	return s.dev, s.loadErr
}

func (s *fakeStore) Save(cfg *device.Configuration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = cfg
	return "rev-1", nil
}

type fakeWifi struct {
	mu        sync.Mutex
	connected bool
	apStarted bool
	apStopped bool
	apName    string
	ssid      string
	psk       string
	joined    bool
}

func (w *fakeWifi) HardwareID() (string, error) { return "ab12cd34ef56", nil }

func (w *fakeWifi) Connected(ctx context.Context) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected, nil
}

func (w *fakeWifi) Configure(ctx context.Context, ssid, psk string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ssid, w.psk = ssid, psk
	w.connected = true
	return nil
}

func (w *fakeWifi) Join(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.joined = true
	return nil
}

func (w *fakeWifi) StartAccessPoint(ctx context.Context, name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.apStarted = true
	w.apName = name
	return nil
}

func (w *fakeWifi) StopAccessPoint(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.apStopped = true
	return nil
}

type fakeToken struct{ err error }

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type published struct {
	topic    string
	payload  string
	retained bool
}

type fakeClient struct {
	mu        sync.Mutex
	connected bool
	published []published
}

func (c *fakeClient) Connect() broker.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return &fakeToken{}
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload []byte) broker.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, published{topic, string(payload), retained})
	return &fakeToken{}
}

func (c *fakeClient) IsConnectionOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Disconnect(quiesceMS uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

func (c *fakeClient) messages() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]published, len(c.published))
	copy(out, c.published)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Portal.Listen = "127.0.0.1:0"
	return cfg
}

func provisionedDevice() *device.Configuration {
	dev := &device.Configuration{BrokerHost: "mqtt.local"}
	dev.ApplyDefaults("ab12cd34ef56")
	return dev
}

// analogFixture writes a raw reading file and returns a channel config
// pointing at it.
func analogFixture(t *testing.T, raw string) config.ChannelConfig {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in_voltage0_raw")
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	return config.ChannelConfig{Kind: "analog", Name: "lux", Path: path, Scale: 0.1}
}

func TestUnconfiguredNodeRestartsAfterPortalTimeout(t *testing.T) {
	store := &fakeStore{}
	wifi := &fakeWifi{}
	clientBuilt := false
	newClient := func(dev *device.Configuration) broker.Client {
		clientBuilt = true
		return &fakeClient{}
	}

	c := New(testConfig(), store, wifi, newClient, testLogger())
	c.portalTimeout = 50 * time.Millisecond

	err := c.Run(context.Background())
	if !errors.Is(err, ErrRestart) {
		t.Fatalf("Run = %v, want ErrRestart", err)
	}
	if !wifi.apStarted || !wifi.apStopped {
		t.Errorf("access point started=%v stopped=%v, want both", wifi.apStarted, wifi.apStopped)
	}
	if wifi.apName != "MULTISENSOR-ab12cd34ef56" {
		t.Errorf("access point name = %q", wifi.apName)
	}
	if clientBuilt {
		t.Error("broker client built without a configuration")
	}
	if store.saved != nil {
		t.Error("configuration saved without a submission")
	}
}

func TestConfiguredNodePublishesOnFirstTick(t *testing.T) {
	store := &fakeStore{dev: provisionedDevice()}
	wifi := &fakeWifi{connected: true}
	client := &fakeClient{}

	cfg := testConfig()
	cfg.Channels = []config.ChannelConfig{analogFixture(t, "215")}

	c := New(cfg, store, wifi, func(dev *device.Configuration) broker.Client { return client }, testLogger())
	c.tickInterval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	status := waitForPayload(t, client, "multisensor/ab12cd34ef56/status")
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if status.payload != `{"lux": 22}` {
		t.Errorf("payload = %q", status.payload)
	}
	if !status.retained {
		t.Error("status publish not retained")
	}
	if wifi.apStarted {
		t.Error("access point raised despite valid configuration")
	}

	// Availability precedes the first status publish.
	first := client.messages()[0]
	if first.topic != "multisensor/ab12cd34ef56/availability" || first.payload != "online" {
		t.Errorf("first publish = %+v, want availability online", first)
	}
}

func TestJoinDeadlineRevertsToProvisioning(t *testing.T) {
	store := &fakeStore{dev: provisionedDevice()}
	wifi := &fakeWifi{connected: false}
	clientBuilt := false
	newClient := func(dev *device.Configuration) broker.Client {
		clientBuilt = true
		return &fakeClient{}
	}

	c := New(testConfig(), store, wifi, newClient, testLogger())
	c.joinDeadline = 30 * time.Millisecond
	c.portalTimeout = 50 * time.Millisecond

	// Nobody attends the portal, so the session itself times out and
	// the controller asks for a restart.
	err := c.Run(context.Background())
	if !errors.Is(err, ErrRestart) {
		t.Fatalf("Run = %v, want ErrRestart", err)
	}
	if !wifi.apStarted {
		t.Error("join deadline did not raise the provisioning access point")
	}
	if !wifi.apStopped {
		t.Error("access point left running after the portal timed out")
	}
	if clientBuilt {
		t.Error("broker client built without network connectivity")
	}
}

func TestReprovisioningAfterJoinDeadlineRecovers(t *testing.T) {
	port := freePort(t)
	store := &fakeStore{dev: provisionedDevice()}
	wifi := &fakeWifi{connected: false}
	client := &fakeClient{}

	cfg := testConfig()
	cfg.Portal.Listen = fmt.Sprintf("127.0.0.1:%d", port)
	cfg.Channels = []config.ChannelConfig{analogFixture(t, "215")}

	c := New(cfg, store, wifi, func(dev *device.Configuration) broker.Client { return client }, testLogger())
	c.tickInterval = time.Millisecond
	c.joinDeadline = 30 * time.Millisecond
	c.portalTimeout = 5 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// The stale credentials fail the join, the portal comes back up,
	// and the operator submits corrected wireless details.
	form := url.Values{"ssid": {"attic-new"}, "psk": {"hunter23"}, "broker_host": {"mqtt.local"}}
	deadline := time.After(3 * time.Second)
	for {
		resp, err := http.PostForm(fmt.Sprintf("http://127.0.0.1:%d/provision", port), form)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		select {
		case <-deadline:
			t.Fatal("portal never accepted the corrected submission")
		case <-time.After(20 * time.Millisecond):
		}
	}

	waitForPayload(t, client, "multisensor/ab12cd34ef56/status")
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if wifi.ssid != "attic-new" || wifi.psk != "hunter23" {
		t.Errorf("wireless reconfigured with %q/%q", wifi.ssid, wifi.psk)
	}
	if store.saved == nil || store.saved.BrokerHost != "mqtt.local" {
		t.Fatalf("saved configuration = %+v", store.saved)
	}
	if !wifi.apStopped {
		t.Error("access point left running after reprovisioning")
	}
}

func TestProvisioningFlowEndToEnd(t *testing.T) {
	port := freePort(t)
	store := &fakeStore{}
	wifi := &fakeWifi{}
	client := &fakeClient{}

	cfg := testConfig()
	cfg.Portal.Listen = fmt.Sprintf("127.0.0.1:%d", port)
	cfg.Channels = []config.ChannelConfig{analogFixture(t, "215")}

	c := New(cfg, store, wifi, func(dev *device.Configuration) broker.Client { return client }, testLogger())
	c.tickInterval = time.Millisecond
	c.portalTimeout = 5 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// The portal comes up asynchronously; retry the submission until
	// it lands.
	form := url.Values{"ssid": {"attic"}, "psk": {"hunter22"}, "broker_host": {"mqtt.local"}}
	deadline := time.After(3 * time.Second)
	for {
		resp, err := http.PostForm(fmt.Sprintf("http://127.0.0.1:%d/provision", port), form)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		select {
		case <-deadline:
			t.Fatal("portal never accepted the submission")
		case <-time.After(20 * time.Millisecond):
		}
	}

	waitForPayload(t, client, "multisensor/ab12cd34ef56/status")
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if store.saved == nil || store.saved.BrokerHost != "mqtt.local" {
		t.Fatalf("saved configuration = %+v", store.saved)
	}
	if wifi.ssid != "attic" || wifi.psk != "hunter22" {
		t.Errorf("wireless configured with %q/%q", wifi.ssid, wifi.psk)
	}
	if !wifi.apStopped {
		t.Error("access point left running after provisioning")
	}
	if !wifi.joined {
		t.Error("station profile never brought up")
	}
}

// waitForPayload polls the fake client until a message on topic shows
// up.
func waitForPayload(t *testing.T, client *fakeClient, topic string) published {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		for _, msg := range client.messages() {
			if msg.topic == topic {
				return msg
			}
		}
		select {
		case <-deadline:
			t.Fatalf("no publish on %s", topic)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}
