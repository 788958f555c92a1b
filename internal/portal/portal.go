// Package portal serves the captive provisioning page. While the node
// has no valid stored record it raises an access point and runs this
// single-purpose HTTP session; the first valid submission wins and the
// session ends. An unattended session ends after a bounded timeout so
// a transient power blip cannot park the node in setup mode forever.
package portal

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/seaborne/multisense/internal/device"
	"github.com/seaborne/multisense/internal/identity"
)

//go:embed templates/*.html
var templateFiles embed.FS

// ErrTimeout is returned by Run when no valid configuration arrived
// within the session bound.
var ErrTimeout = errors.New("provisioning session timed out")

// DefaultTimeout bounds an unattended session.
const DefaultTimeout = 180 * time.Second

// Result is a completed provisioning submission. Wireless credentials
// travel separately from the device record: they belong to the
// interface configuration, not to persistent storage.
type Result struct {
	Device *device.Configuration
	SSID   string
	PSK    string
}

// Config configures a provisioning session.
type Config struct {
	// HardwareID is the node identity shown on the form and used for
	// defaults.
	HardwareID string

	// AccessPointName is the SSID of the provisioning network, encoded
	// into the join QR code.
	AccessPointName string

	// Current, when non-nil, prefills the form with a previously
	// stored record. Used when a configured node reverts to
	// provisioning after failing to join its network: the operator
	// only has to correct the wireless credentials.
	Current *device.Configuration

	// Timeout bounds the session (default 180s).
	Timeout time.Duration

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Session is a one-shot provisioning exchange. The first valid
// submission is captured and later ones are refused.
type Session struct {
	cfg       Config
	logger    *slog.Logger
	templates map[string]*template.Template

	mu         sync.Mutex
	result     *Result
	listenAddr string

	done chan struct{}
	once sync.Once
}

// NewSession creates a session for the given node identity.
func NewSession(cfg Config) *Session {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Session{
		cfg:       cfg,
		logger:    cfg.Logger,
		templates: loadTemplates(),
		done:      make(chan struct{}),
	}
}

// loadTemplates parses the embedded pages. Panics on syntax errors so
// that startup fails fast.
func loadTemplates() map[string]*template.Template {
	pages := []string{"form.html", "saved.html"}
	result := make(map[string]*template.Template, len(pages))
	for _, page := range pages {
		result[page] = template.Must(template.ParseFS(templateFiles, "templates/"+page))
	}
	return result
}

// Handler returns the session's HTTP routes.
func (s *Session) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleForm)
	mux.HandleFunc("/provision", s.handleSubmit)
	mux.HandleFunc("/qr.png", s.handleQR)
	return mux
}

// Run serves the session until a valid submission arrives, the timeout
// passes, or ctx is cancelled.
func (s *Session) Run(ctx context.Context, listen string) (*Result, error) {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, fmt.Errorf("portal listen on %s: %w", listen, err)
	}

	s.mu.Lock()
	s.listenAddr = ln.Addr().String()
	s.mu.Unlock()

	srv := &http.Server{Handler: s.Handler()}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	s.logger.Info("provisioning portal started",
		"listen", s.ListenAddr(),
		"access_point", s.cfg.AccessPointName,
		"timeout", s.cfg.Timeout.String())

	timer := time.NewTimer(s.cfg.Timeout)
	defer timer.Stop()

	var runErr error
	select {
	case <-s.done:
	case <-timer.C:
		runErr = ErrTimeout
	case <-ctx.Done():
		runErr = ctx.Err()
	case err := <-serveErr:
		runErr = fmt.Errorf("portal serve: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)

	if runErr != nil {
		return nil, runErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, nil
}

// ListenAddr returns the bound address once Run has started listening.
func (s *Session) ListenAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listenAddr
}

type formData struct {
	HardwareID      string
	AccessPointName string
	DefaultTopic    string
	DefaultPort     int
	SwitchSlots     []string
	Error           string
	Form            map[string]string
}

func (s *Session) formData() formData {
	data := formData{
		HardwareID:      s.cfg.HardwareID,
		AccessPointName: s.cfg.AccessPointName,
		DefaultTopic:    identity.DefaultTopic(s.cfg.HardwareID),
		DefaultPort:     device.DefaultBrokerPort,
		SwitchSlots:     device.SwitchSlots,
		Form:            map[string]string{},
	}
	if cur := s.cfg.Current; cur != nil {
		data.Form["broker_host"] = cur.BrokerHost
		if cur.BrokerPort != 0 {
			data.Form["broker_port"] = strconv.Itoa(cur.BrokerPort)
		}
		data.Form["broker_username"] = cur.BrokerUsername
		data.Form["broker_password"] = cur.BrokerPassword
		data.Form["topic"] = cur.PublishTopic
		data.Form["device_id"] = cur.DeviceID
		for slot, alias := range cur.SwitchAliases {
			data.Form["alias_"+slot] = alias
		}
	}
	return data
}

func (s *Session) handleForm(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	s.render(w, "form.html", s.formData())
}

func (s *Session) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	result, err := s.parseSubmission(r)
	if err != nil {
		s.logger.Debug("rejected provisioning submission", "error", err)
		data := s.formData()
		data.Error = err.Error()
		for key := range r.PostForm {
			data.Form[key] = r.PostForm.Get(key)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusUnprocessableEntity)
		s.render(w, "form.html", data)
		return
	}

	accepted := false
	s.once.Do(func() {
		s.mu.Lock()
		s.result = result
		s.mu.Unlock()
		accepted = true
	})
	if !accepted {
		http.Error(w, "already provisioned", http.StatusConflict)
		return
	}

	s.logger.Info("provisioning submission accepted",
		"ssid", result.SSID,
		"broker", result.Device.BrokerAddr(),
		"topic", result.Device.PublishTopic)

	s.render(w, "saved.html", map[string]string{
		"SSID":   result.SSID,
		"Broker": result.Device.BrokerAddr(),
	})
	close(s.done)
}

// parseSubmission validates the form and builds the result. Fields the
// operator leaves blank keep their defaults; blank switch aliases
// disable the slot.
func (s *Session) parseSubmission(r *http.Request) (*Result, error) {
	ssid := r.PostForm.Get("ssid")
	if ssid == "" {
		return nil, errors.New("network name is required")
	}
	host := r.PostForm.Get("broker_host")
	if host == "" {
		return nil, errors.New("broker host is required")
	}

	port := device.DefaultBrokerPort
	if raw := r.PostForm.Get("broker_port"); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil || p < 1 || p > 65535 {
			return nil, fmt.Errorf("invalid broker port %q", raw)
		}
		port = p
	}

	dev := &device.Configuration{
		BrokerHost:     host,
		BrokerPort:     port,
		BrokerUsername: r.PostForm.Get("broker_username"),
		BrokerPassword: r.PostForm.Get("broker_password"),
		PublishTopic:   r.PostForm.Get("topic"),
		DeviceID:       r.PostForm.Get("device_id"),
		SwitchAliases:  map[string]string{},
	}
	for _, slot := range device.SwitchSlots {
		if alias := r.PostForm.Get("alias_" + slot); alias != "" {
			dev.SwitchAliases[slot] = alias
		}
	}
	dev.ApplyDefaults(s.cfg.HardwareID)
	if err := dev.Validate(); err != nil {
		return nil, err
	}

	return &Result{Device: dev, SSID: ssid, PSK: r.PostForm.Get("psk")}, nil
}

// handleQR serves a join code for the provisioning network itself, for
// printing on the enclosure.
func (s *Session) handleQR(w http.ResponseWriter, r *http.Request) {
	png, err := qrcode.Encode(JoinString(s.cfg.AccessPointName), qrcode.Medium, 256)
	if err != nil {
		http.Error(w, "qr encode failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}

// JoinString encodes an open network in the phone-camera WIFI: format.
func JoinString(ssid string) string {
	return "WIFI:T:nopass;S:" + ssid + ";;"
}

func (s *Session) render(w http.ResponseWriter, name string, data any) {
	t, ok := s.templates[name]
	if !ok {
		http.Error(w, "template not found", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := t.Execute(w, data); err != nil {
		s.logger.Error("template render failed", "template", name, "error", err)
	}
}
