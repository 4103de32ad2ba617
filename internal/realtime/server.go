// Package realtime wires the edge's HTTP surface: the WebSocket
// upgrade endpoint, and the root/health/stats/metrics plain HTTP
// endpoints, on top of the connection manager, broker adapter, and
// durable store.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/signalfabric/realtime/internal/auth"
	"github.com/signalfabric/realtime/internal/broker"
	"github.com/signalfabric/realtime/internal/manager"
	"github.com/signalfabric/realtime/internal/metrics"
	"github.com/signalfabric/realtime/internal/platform"
	"github.com/signalfabric/realtime/internal/ratelimit"
	"github.com/signalfabric/realtime/internal/session"
	"github.com/signalfabric/realtime/internal/store"
)

// Config configures the HTTP server and the session defaults it hands
// to every upgraded connection.
type Config struct {
	Addr            string
	CORSAllowOrigins []string
	MaxMessageBytes int64
	PingInterval    time.Duration
	PingTimeout     time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
}

// Server is the realtime endpoint: one HTTP server multiplexing the
// WebSocket upgrade path and the operational HTTP endpoints.
type Server struct {
	cfg     Config
	auth    *auth.Manager
	manager *manager.Manager
	broker  broker.Adapter
	store   store.Store
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics
	sampler *platform.Sampler
	logger  zerolog.Logger

	httpServer *http.Server
	upgrader   websocket.Upgrader

	startedAt time.Time

	mu       sync.Mutex
	sessions map[*session.Session]struct{}
}

// New builds a Server.
func New(cfg Config, am *auth.Manager, mgr *manager.Manager, b broker.Adapter, st store.Store, limiter *ratelimit.Limiter, m *metrics.Metrics, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		auth:      am,
		manager:   mgr,
		broker:    b,
		store:     st,
		limiter:   limiter,
		metrics:   m,
		sampler:   platform.NewSampler(),
		logger:    logger,
		startedAt: time.Now(),
		sessions:  make(map[*session.Session]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.originChecker(),
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.corsMiddleware(mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

func (c Config) originChecker() func(*http.Request) bool {
	if len(c.CORSAllowOrigins) == 0 {
		return func(r *http.Request) bool { return true }
	}
	allowed := make(map[string]bool, len(c.CORSAllowOrigins))
	for _, o := range c.CORSAllowOrigins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return allowed[origin] || allowed["*"]
	}
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "realtime",
		"status":  "ok",
	})
}

// handleWebSocket upgrades and authenticates a connection, then runs
// its session to completion. A missing or invalid token is answered
// with HTTP 401 before the upgrade, so no WebSocket close frame (1008
// or otherwise) is sent for auth failures.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if s.limiter != nil && !s.limiter.Allow(ip) {
		if s.metrics != nil {
			s.metrics.ConnectionsRejected.Inc()
		}
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	token, err := auth.TokenFromRequest(r)
	if err != nil {
		if s.metrics != nil {
			s.metrics.ConnectionsRejected.Inc()
		}
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	claims, err := s.auth.Verify(token)
	if err != nil {
		if s.metrics != nil {
			s.metrics.ConnectionsRejected.Inc()
		}
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	if s.metrics != nil {
		s.metrics.ConnectionsTotal.Inc()
		s.metrics.ConnectionsActive.Inc()
		defer s.metrics.ConnectionsActive.Dec()
	}

	cfg := session.Config{
		MaxMessageBytes: s.cfg.MaxMessageBytes,
		PingInterval:    s.cfg.PingInterval,
		PingTimeout:     s.cfg.PingTimeout,
	}
	sess := session.New(conn, claims.UserID, claims.Username, s.manager, s.broker, s.store, cfg, s.logger)

	s.trackSession(sess)
	defer s.untrackSession(sess)

	started := time.Now()
	sess.Run(r.Context())
	if s.metrics != nil {
		s.metrics.ConnectionDuration.Observe(time.Since(started).Seconds())
	}
}

func (s *Server) trackSession(sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess] = struct{}{}
}

func (s *Server) untrackSession(sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess)
}

// handleHealth reports degraded when the broker is unreachable, per
// the liveness semantics the edge promises operators.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	brokerOK := s.broker == nil || s.broker.Connected()

	status := "healthy"
	code := http.StatusOK
	if !brokerOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": time.Now().Unix(),
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
		"services": map[string]any{
			"broker": map[string]any{"connected": brokerOK},
		},
	})
}

// handleStats reports connection-manager and host resource stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	managerStats := s.manager.Stats()
	snapshot := s.sampler.Sample()

	writeJSON(w, http.StatusOK, map[string]any{
		"connections": map[string]any{
			"total_sessions":  managerStats.TotalSessions,
			"unique_users":    managerStats.UniqueUsers,
			"active_channels": managerStats.ActiveChannels,
		},
		"system": snapshot,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

// ListenAndServe starts the HTTP server; it blocks until Shutdown is
// called or the listener fails.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("realtime endpoint listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server, waiting within the deadline ctx
// carries for in-flight plain HTTP requests. Upgraded WebSocket
// connections are neither closed nor waited for.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
