package portal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/seaborne/multisense/internal/device"
)

func testSession(timeout time.Duration) *Session {
	return NewSession(Config{
		HardwareID:      "ab12cd34ef56",
		AccessPointName: "MULTISENSOR-ab12cd34ef56",
		Timeout:         timeout,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestFormShowsIdentity(t *testing.T) {
	s := testSession(time.Minute)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	for _, want := range []string{"ab12cd34ef56", "MULTISENSOR-ab12cd34ef56", "multisensor/ab12cd34ef56/status", "alias_sw3"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("form missing %q", want)
		}
	}
}

func TestFormPrefilledFromStoredRecord(t *testing.T) {
	s := NewSession(Config{
		HardwareID:      "ab12cd34ef56",
		AccessPointName: "MULTISENSOR-ab12cd34ef56",
		Current: &device.Configuration{
			BrokerHost:     "mqtt.local",
			BrokerPort:     8883,
			BrokerUsername: "attic",
			PublishTopic:   "home/attic/status",
			DeviceID:       "attic-node",
			SwitchAliases:  map[string]string{"sw0": "door"},
		},
		Timeout: time.Minute,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{"mqtt.local", "8883", "attic", "home/attic/status", "attic-node", "door"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("prefilled form missing %q", want)
		}
	}
}

func TestSubmitRejectsMissingBroker(t *testing.T) {
	s := testSession(time.Minute)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.PostForm(srv.URL+"/provision", url.Values{"ssid": {"attic"}})
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "broker host is required") {
		t.Fatalf("error message not shown: %s", body)
	}
}

func TestSubmitAcceptsAndCompletes(t *testing.T) {
	s := testSession(time.Minute)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	form := url.Values{
		"ssid":        {"attic"},
		"psk":         {"hunter22"},
		"broker_host": {"mqtt.local"},
		"alias_sw0":   {"door"},
		"alias_sw2":   {"window"},
	}
	resp, err := http.PostForm(srv.URL+"/provision", form)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	select {
	case <-s.done:
	case <-time.After(time.Second):
		t.Fatal("session did not complete after valid submission")
	}

	s.mu.Lock()
	result := s.result
	s.mu.Unlock()

	if result.SSID != "attic" || result.PSK != "hunter22" {
		t.Errorf("wireless credentials = %q/%q", result.SSID, result.PSK)
	}
	dev := result.Device
	if dev.BrokerHost != "mqtt.local" || dev.BrokerPort != 1883 {
		t.Errorf("broker = %s", dev.BrokerAddr())
	}
	if dev.DeviceID != "ab12cd34ef56" {
		t.Errorf("device id = %q", dev.DeviceID)
	}
	if dev.PublishTopic != "multisensor/ab12cd34ef56/status" {
		t.Errorf("topic = %q", dev.PublishTopic)
	}
	if dev.Alias("sw0") != "door" || dev.Alias("sw1") != "" || dev.Alias("sw2") != "window" {
		t.Errorf("aliases = %v", dev.SwitchAliases)
	}

	// The session is one-shot.
	resp, err = http.PostForm(srv.URL+"/provision", form)
	if err != nil {
		t.Fatalf("second POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second submission status = %d, want 409", resp.StatusCode)
	}
}

func TestQRCode(t *testing.T) {
	s := testSession(time.Minute)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/qr.png")
	if err != nil {
		t.Fatalf("GET /qr.png: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Content-Type"); got != "image/png" {
		t.Fatalf("content type = %q", got)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) == 0 {
		t.Fatal("empty QR image")
	}
}

func TestRunTimesOut(t *testing.T) {
	s := testSession(50 * time.Millisecond)

	_, err := s.Run(context.Background(), "127.0.0.1:0")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Run = %v, want ErrTimeout", err)
	}
}

func TestRunReturnsSubmission(t *testing.T) {
	s := testSession(5 * time.Second)

	type runResult struct {
		result *Result
		err    error
	}
	results := make(chan runResult, 1)
	go func() {
		r, err := s.Run(context.Background(), "127.0.0.1:0")
		results <- runResult{r, err}
	}()

	// Wait for the listener to come up.
	var addr string
	for i := 0; i < 100; i++ {
		if addr = s.ListenAddr(); addr != "" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if addr == "" {
		t.Fatal("portal never started listening")
	}

	_, err := http.PostForm("http://"+addr+"/provision", url.Values{
		"ssid":        {"attic"},
		"broker_host": {"mqtt.local"},
	})
	if err != nil {
		t.Fatalf("POST: %v", err)
	}

	select {
	case rr := <-results:
		if rr.err != nil {
			t.Fatalf("Run: %v", rr.err)
		}
		if rr.result == nil || rr.result.Device.BrokerHost != "mqtt.local" {
			t.Fatalf("result = %+v", rr.result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after submission")
	}
}

func TestJoinString(t *testing.T) {
	got := JoinString("MULTISENSOR-ab12cd34ef56")
	if got != "WIFI:T:nopass;S:MULTISENSOR-ab12cd34ef56;;" {
		t.Fatalf("JoinString = %q", got)
	}
}
