// Package web serves the optional local diagnostics dashboard: a
// single page showing the node's lifecycle phase, broker state and the
// last published payload, plus a websocket feed for live updates. It
// is read-only and intended for the operator's LAN, not the open
// network.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seaborne/multisense/internal/buildinfo"
	"github.com/seaborne/multisense/internal/lifecycle"
)

//go:embed templates/*.html
var templateFiles embed.FS

// StatusFunc supplies the current node status for rendering.
type StatusFunc func() lifecycle.Status

// Config configures the diagnostics server.
type Config struct {
	// Listen is the bind address (e.g. "127.0.0.1:8100").
	Listen string

	// Status supplies the live node status. Required.
	Status StatusFunc

	// PushInterval paces the websocket feed (default 1s).
	PushInterval time.Duration

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// WebServer is the diagnostics HTTP server.
type WebServer struct {
	cfg       Config
	logger    *slog.Logger
	templates map[string]*template.Template
	upgrader  websocket.Upgrader
}

// NewWebServer creates the server. Panics if no status provider is
// configured; that is a wiring error, not a runtime condition.
func NewWebServer(cfg Config) *WebServer {
	if cfg.Status == nil {
		panic("web: Config.Status must not be nil")
	}
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WebServer{
		cfg:       cfg,
		logger:    cfg.Logger,
		templates: loadTemplates(),
	}
}

// loadTemplates parses the embedded pages. Panics on syntax errors so
// that startup fails fast.
func loadTemplates() map[string]*template.Template {
	pages := []string{"dashboard.html"}
	result := make(map[string]*template.Template, len(pages))
	for _, page := range pages {
		result[page] = template.Must(template.ParseFS(templateFiles, "templates/"+page))
	}
	return result
}

// Handler returns the dashboard routes.
func (s *WebServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleDashboard)
	mux.HandleFunc("/api/status", s.handleStatusAPI)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// Run serves until ctx is cancelled.
func (s *WebServer) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Listen, Handler: s.Handler()}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()
	s.logger.Info("diagnostics dashboard started", "listen", s.cfg.Listen)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return nil
	case err := <-serveErr:
		return err
	}
}

// DashboardData is the template context for the status page.
type DashboardData struct {
	Build  string
	Uptime time.Duration
	Status lifecycle.Status
}

// handleDashboard renders the status page at "/". Only exact "/"
// requests get the dashboard; all other paths return 404.
func (s *WebServer) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	data := DashboardData{
		Build:  buildinfo.String(),
		Uptime: buildinfo.Uptime().Truncate(time.Second),
		Status: s.cfg.Status(),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.templates["dashboard.html"].Execute(w, data); err != nil {
		s.logger.Error("template render failed", "template", "dashboard.html", "error", err)
	}
}

func (s *WebServer) handleStatusAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.cfg.Status()); err != nil {
		s.logger.Error("status encode failed", "error", err)
	}
}

// handleWS streams status snapshots over a websocket until the client
// goes away.
func (s *WebServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(s.cfg.PushInterval)
	defer ticker.Stop()

	// Push immediately, then on the interval.
	if err := conn.WriteJSON(s.cfg.Status()); err != nil {
		return
	}
	for range ticker.C {
		if err := conn.WriteJSON(s.cfg.Status()); err != nil {
			return
		}
	}
}
