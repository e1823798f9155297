// Package gateway is the HTTP surface of vocalink: the websocket endpoint
// devices connect to, health probes, the Prometheus scrape endpoint and a
// read-only session listing.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/vocalink/internal/health"
	"github.com/MrWong99/vocalink/internal/observe"
	"github.com/MrWong99/vocalink/internal/session"
)

// DeviceIDHeader carries the device id on the websocket upgrade request.
const DeviceIDHeader = "Device-Id"

// Sessions runs device sessions. [*session.Manager] implements it.
type Sessions interface {
	Serve(ctx context.Context, deviceID string, conn session.Conn) error
	List() []session.Info
}

// Config holds the listener settings.
type Config struct {
	ListenAddr string
	DevicePath string

	// CertFile and KeyFile enable TLS when both are set.
	CertFile string
	KeyFile  string
}

// Option configures a [Server].
type Option func(*Server)

// WithHealth mounts h on /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithOriginPatterns allows browser clients from the given host patterns to
// open device connections.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// WithMetrics sets the metrics recorded by the request middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMetricsHandler overrides the handler served on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// Server accepts device connections and hands each one to [Sessions].
type Server struct {
	cfg            Config
	sessions       Sessions
	health         *health.Handler
	log            *slog.Logger
	origins        []string
	metrics        *observe.Metrics
	metricsHandler http.Handler

	srv *http.Server
}

// New creates a Server. Call [Server.ListenAndServe] or [Server.Serve] to
// start it.
func New(cfg Config, sessions Sessions, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.cfg.DevicePath == "" {
		s.cfg.DevicePath = "/v1/device"
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.metricsHandler == nil {
		s.metricsHandler = promhttp.Handler()
	}
	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if s.health != nil {
		s.health.Register(r)
	}
	r.Method(http.MethodGet, "/metrics", s.metricsHandler)

	r.Group(func(r chi.Router) {
		r.Use(observe.Middleware(s.metrics))
		r.Get("/v1/sessions", s.handleListSessions)
		r.Get(s.cfg.DevicePath, s.handleDevice)
	})
	return r
}

// ListenAndServe listens on the configured address and serves until
// [Server.Shutdown] is called.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", s.srv.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln. It returns nil after a graceful shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info("gateway listening",
		"addr", ln.Addr().String(),
		"device_path", s.cfg.DevicePath,
		"tls", s.tls())

	var err error
	if s.tls() {
		err = s.srv.ServeTLS(ln, s.cfg.CertFile, s.cfg.KeyFile)
	} else {
		err = s.srv.Serve(ln)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("gateway: serve: %w", err)
}

// Shutdown stops accepting connections. Device connections are hijacked and
// not tracked by the HTTP server; they end when their sessions end.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("gateway: shutdown: %w", err)
	}
	return nil
}

func (s *Server) tls() bool {
	return s.cfg.CertFile != "" && s.cfg.KeyFile != ""
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	list := s.sessions.List()
	if list == nil {
		list = []session.Info{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(list); err != nil {
		s.log.Warn("encoding session list", "err", err)
	}
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := DeviceID(r)
	if deviceID == "" {
		http.Error(w, "missing device id", http.StatusBadRequest)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.origins,
	})
	if err != nil {
		// Accept has already written the error response.
		s.log.Warn("websocket upgrade failed", "device_id", deviceID, "err", err)
		return
	}

	// The request context is cancelled when the handler returns, which is
	// after the session ends.
	ctx := r.Context()
	conn := NewConn(ctx, ws)
	log := s.log.With("device_id", deviceID, "remote_addr", r.RemoteAddr)
	log.Info("device connected")

	err = s.sessions.Serve(ctx, deviceID, conn)
	switch {
	case err == nil:
		log.Info("device disconnected")
	case errors.Is(err, session.ErrTooManySessions):
		log.Warn("device rejected", "err", err)
	default:
		log.Warn("device session failed", "err", err)
	}
	_ = conn.Close("normal")
}

// DeviceID extracts the device id from the Device-Id header, or from the
// device_id or device-id query parameter for clients that cannot set
// headers on the upgrade request.
func DeviceID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(DeviceIDHeader)); id != "" {
		return id
	}
	q := r.URL.Query()
	for _, key := range []string{"device_id", "device-id"} {
		if id := strings.TrimSpace(q.Get(key)); id != "" {
			return id
		}
	}
	return ""
}
