// Package webchat serves the agent over a WebSocket endpoint for
// browser and script clients.
package webchat

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/relay/internal/agent"
	"github.com/nugget/relay/internal/buildinfo"
	"github.com/nugget/relay/internal/connwatch"
	"github.com/nugget/relay/internal/events"
	"github.com/nugget/relay/internal/ratelimit"
)

// Connection keepalive settings.
const (
	pongWait     = 60 * time.Second
	pingInterval = 25 * time.Second
	writeWait    = 10 * time.Second
	maxFrame     = 64 * 1024
)

// Agent is the conversation surface the endpoint drives.
type Agent interface {
	HandleMessage(ctx context.Context, in agent.Inbound, progress agent.ProgressFunc) (*agent.Reply, error)
	PerformAction(ctx context.Context, userID int64, kind agent.ActionKind, hash, arg string) (*agent.Reply, error)
	ToggleMode(ctx context.Context, userID int64, mode string) (string, error)
	Cancel(userID int64) string
	ClearHistory(ctx context.Context, userID int64) (int, error)
}

// HealthReporter reports watched dependencies. *connwatch.Manager
// implements it.
type HealthReporter interface {
	Status() map[string]connwatch.Status
	Healthy() bool
}

// Config wires a Server.
type Config struct {
	Address string
	Port    int
	Agent   Agent
	// FilesDir is served under /files/ so replies can link generated
	// files. Empty disables the route.
	FilesDir  string
	RateLimit int
	// AllowedUsers restricts which user ids may connect. Empty allows
	// everyone.
	AllowedUsers []int64
	// Token, when set, is required on every chat connection.
	Token string
	// Health adds dependency status to /healthz. May be nil.
	Health HealthReporter
	Bus    *events.Bus
	Logger *slog.Logger
}

// Server is the WebSocket chat endpoint.
type Server struct {
	address  string
	port     int
	agent    Agent
	filesDir string
	limiter  *ratelimit.Limiter
	allowed  map[int64]bool
	token    string
	health   HealthReporter
	bus      *events.Bus
	logger   *slog.Logger
	upgrader websocket.Upgrader
	server   *http.Server

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// New creates a Server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var allowed map[int64]bool
	if len(cfg.AllowedUsers) > 0 {
		allowed = make(map[int64]bool, len(cfg.AllowedUsers))
		for _, id := range cfg.AllowedUsers {
			allowed[id] = true
		}
	}
	return &Server{
		allowed:  allowed,
		token:    cfg.Token,
		address:  cfg.Address,
		port:     cfg.Port,
		agent:    cfg.Agent,
		filesDir: cfg.FilesDir,
		limiter:  ratelimit.New(cfg.RateLimit),
		health:   cfg.Health,
		bus:      cfg.Bus,
		logger:   logger.With("component", "webchat"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 16 * 1024,
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	if s.filesDir != "" {
		mux.Handle("GET /files/", http.StripPrefix("/files/", http.FileServer(http.Dir(s.filesDir))))
	}
	return s.withLogging(mux)
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting chat endpoint", "address", addr, "port", s.port)
	if s.token == "" && !isLoopback(s.address) {
		s.logger.Warn("chat endpoint is reachable beyond loopback without a token", "address", addr)
	}
	return s.server.ListenAndServe()
}

// Shutdown stops accepting requests and closes open chat connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for c := range s.conns {
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.Close()
	}
	s.mu.Unlock()

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// healthResponse is the /healthz body. Status is "degraded" when any
// watched service is down; the endpoint itself still answers 200 since
// the chat keeps working without MQTT.
type healthResponse struct {
	Status   string                      `json:"status"`
	Uptime   string                      `json:"uptime"`
	Services map[string]connwatch.Status `json:"services,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status: "healthy",
		Uptime: buildinfo.Uptime().Round(time.Second).String(),
	}
	if s.health != nil {
		resp.Services = s.health.Status()
		if !s.health.Healthy() {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, buildinfo.BuildInfo(), s.logger)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user"), 10, 64)
	if err != nil || userID <= 0 {
		http.Error(w, "user query parameter must be a positive integer", http.StatusBadRequest)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "invalid or missing token", http.StatusUnauthorized)
		return
	}
	if s.allowed != nil && !s.allowed[userID] {
		s.logger.Warn("chat connection from unlisted user", "user_id", userID, "remote", r.RemoteAddr)
		http.Error(w, "user is not allowed", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	s.logger.Info("chat connection opened", "user_id", userID, "remote", r.RemoteAddr)
	session := newSession(s, conn, userID)
	session.serve(r.Context())

	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.logger.Info("chat connection closed", "user_id", userID)
}

// authorized reports whether r carries the configured token, either as
// "Authorization: Bearer <token>" or as a token query parameter.
func (s *Server) authorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	got := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		got = strings.TrimPrefix(h, "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) == 1
}

func isLoopback(address string) bool {
	if address == "localhost" {
		return true
	}
	ip := net.ParseIP(address)
	return ip != nil && ip.IsLoopback()
}
