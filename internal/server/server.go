// Package server implements the HTTP server for the IP gate.
// It serves health probes, a forward-auth check endpoint for reverse
// proxies and the management API for the allow-list, rate limit counters,
// the access log and the gate policy.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sofatutor/ipgate/internal/config"
	"github.com/sofatutor/ipgate/internal/gate"
	"github.com/sofatutor/ipgate/internal/logging"
	"github.com/sofatutor/ipgate/internal/middleware"
)

// Version is the application version, following semantic versioning.
const Version = "0.1.0"

// HealthChecker reports whether a dependency is usable. *database.DB
// implements it.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// StatsSource reports storage statistics. *database.DB implements it.
type StatsSource interface {
	GetStats(ctx context.Context) (map[string]any, error)
}

// Server represents the HTTP server of the gate.
// It encapsulates the underlying http.Server along with application configuration
// and handles request routing and server lifecycle management.
type Server struct {
	server    *http.Server
	config    *config.Config
	gate      *gate.Gate
	health    HealthChecker
	stats     StatsSource
	identify  middleware.IdentityFunc
	logger    *zap.Logger
	startTime time.Time
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithHealthChecker makes /ready depend on h.
func WithHealthChecker(h HealthChecker) Option {
	return func(s *Server) { s.health = h }
}

// WithStats exposes storage statistics on /manage/stats.
func WithStats(src StatsSource) Option {
	return func(s *Server) { s.stats = src }
}

// WithIdentity replaces the configured identity of /gate/check.
func WithIdentity(fn middleware.IdentityFunc) Option {
	return func(s *Server) { s.identify = fn }
}

// HealthResponse is the response body for the health check endpoint.
type HealthResponse struct {
	Status    string    `json:"status"`    // Service status, "ok" for a healthy system
	Timestamp time.Time `json:"timestamp"` // Current server time
	Version   string    `json:"version"`   // Application version number
	Uptime    float64   `json:"uptime_seconds"`
}

// New creates the HTTP server. The management token must be configured.
// The server is not started until Start or Serve is called.
func New(cfg *config.Config, g *gate.Gate, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server: config is required")
	}
	if g == nil {
		return nil, errors.New("server: gate is required")
	}
	if err := cfg.RequireManagementToken(); err != nil {
		return nil, err
	}

	s := &Server{
		config:    cfg,
		gate:      g,
		identify:  cfg.IdentityFunc(),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.RequestTimeout,
		IdleTimeout:  cfg.RequestTimeout * 2,
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /live", s.handleLive)

	mux.HandleFunc("GET /gate/check", s.handleCheck)
	mux.HandleFunc("POST /gate/check", s.handleCheck)

	manage := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.managementAuthMiddleware(h))
	}
	manage("GET /manage/whitelist", s.handleListWhitelist)
	manage("POST /manage/whitelist", s.handleAddWhitelist)
	manage("DELETE /manage/whitelist/{id}", s.handleRemoveWhitelist)
	manage("POST /manage/whitelist/{id}/deactivate", s.handleDeactivateWhitelist)
	manage("POST /manage/failures", s.handleRecordFailure)
	manage("GET /manage/ratelimit/{scope}/{key}", s.handleCounterStatus)
	manage("DELETE /manage/ratelimit/{scope}/{key}", s.handleResetCounter)
	manage("GET /manage/access-log", s.handleAccessLog)
	manage("GET /manage/policy", s.handleGetPolicy)
	manage("PUT /manage/policy", s.handleUpdatePolicy)
	manage("POST /manage/cache/purge", s.handlePurgeCache)
	manage("GET /manage/stats", s.handleStats)

	mux.HandleFunc("/", s.handleNotFound)

	return middleware.Chain(mux,
		middleware.NewRecoveryMiddleware(s.logger),
		middleware.NewRequestIDMiddleware(),
		middleware.NewLoggingMiddleware(s.logger),
		middleware.NewThrottleMiddleware(s.config.GlobalRateLimit, s.config.GlobalBurst, s.logger),
	)
}

// Handler returns the root handler including all middleware.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start listens on the configured address and serves until Shutdown.
// It returns http.ErrServerClosed after a graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("server starting", zap.String("addr", s.config.ListenAddr), zap.String("version", Version))
	return s.server.ListenAndServe()
}

// Serve accepts connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("server starting", zap.String("addr", l.Addr().String()), zap.String("version", Version))
	return s.server.Serve(l)
}

// Shutdown gracefully shuts down the server without interrupting
// active connections. It waits for all connections to complete
// or for the provided context to be canceled, whichever comes first.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Version:   Version,
		Uptime:    time.Since(s.startTime).Seconds(),
	})
}

// handleReady is used for readiness probes.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			s.log(r).Warn("readiness check failed", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// handleLive is used for liveness probes.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("alive"))
}

// handleCheck evaluates the forwarded request. Reverse proxies call it as
// an auth subrequest. X-User-* headers count only when the config trusts them.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	d := s.gate.Evaluate(r.Context(), r, s.identify(r))
	status := http.StatusOK
	if !d.Allowed {
		status = http.StatusForbidden
	}
	w.Header().Set("X-Gate-Reason", d.Reason)
	writeJSON(w, status, d)
}

// managementAuthMiddleware checks the management token in the Authorization header.
func (s *Server) managementAuthMiddleware(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, prefix) || len(header) <= len(prefix) {
			writeError(w, http.StatusUnauthorized, "missing or invalid Authorization header")
			return
		}
		token := header[len(prefix):]
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.config.ManagementToken)) != 1 {
			s.log(r).Warn("invalid management token", zap.String("remote_addr", r.RemoteAddr))
			writeError(w, http.StatusUnauthorized, "invalid management token")
			return
		}
		next(w, r)
	})
}

// handleNotFound is a catch-all handler for unmatched routes.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.log(r).Debug("route not found", zap.String("method", r.Method), zap.String("path", r.URL.Path))
	writeError(w, http.StatusNotFound, "not found")
}

func (s *Server) log(r *http.Request) *zap.Logger {
	return logging.FromContext(r.Context(), s.logger)
}

// decodeBody reads a JSON body of at most MaxRequestSize bytes into v.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if s.config.MaxRequestSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
