// Package gateway serves the chat WebSocket and the operational HTTP
// endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wopr-bot/wopr/internal/buildinfo"
	"github.com/wopr-bot/wopr/internal/chat"
	"github.com/wopr-bot/wopr/internal/connwatch"
	"github.com/wopr-bot/wopr/internal/events"
	"github.com/wopr-bot/wopr/internal/router"
	"github.com/wopr-bot/wopr/internal/usage"
)

// MessageHandler processes one inbound chat message.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg chat.Message, dest chat.Sendable) error
}

// Config configures a Server. Router, Monitor and Usage are optional.
type Config struct {
	Addr    string
	Handler MessageHandler
	Router  *router.Router
	Monitor *connwatch.Monitor
	Usage   *usage.Store
	Bus     *events.Bus
	Logger  *slog.Logger
}

// Server is the HTTP gateway.
type Server struct {
	addr     string
	handler  MessageHandler
	router   *router.Router
	monitor  *connwatch.Monitor
	usage    *usage.Store
	bus      *events.Bus
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// ctx outlives individual requests; hijacked WebSocket connections
	// derive from it and are cancelled on shutdown.
	ctx    context.Context
	cancel context.CancelFunc
	conns  sync.WaitGroup
}

// NewServer creates a gateway.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:    cfg.Addr,
		handler: cfg.Handler,
		router:  cfg.Router,
		monitor: cfg.Monitor,
		usage:   cfg.Usage,
		bus:     cfg.Bus,
		logger:  cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Handler returns the routed endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("GET /v1/router/stats", s.handleRouterStats)
	mux.HandleFunc("GET /v1/router/audit", s.handleRouterAudit)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	return s.withLogging(mux)
}

// Run serves until ctx is cancelled, then drains HTTP requests, closes
// open WebSocket connections and waits for their in-flight turns.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", s.addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		s.cancel()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return err
}

// Close disconnects every WebSocket client and waits for their
// handlers to return.
func (s *Server) Close() {
	s.cancel()
	s.conns.Wait()
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

// writeJSON encodes v as JSON to w. Encode errors mean the client went
// away and are only logged.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "healthy"
	var services []connwatch.Status
	if s.monitor != nil {
		services = s.monitor.Status()
		for _, svc := range services {
			if !svc.Up {
				status = "degraded"
			}
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"services": services,
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, buildinfo.Info())
}

func (s *Server) handleRouterStats(w http.ResponseWriter, _ *http.Request) {
	if s.router == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "router not configured"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.router.Stats())
}

func (s *Server) handleRouterAudit(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "router not configured"})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	s.writeJSON(w, http.StatusOK, s.router.AuditLog(limit))
}

// handleUsage reports token usage over the last ?hours= (default 24).
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "usage ledger not configured"})
		return
	}
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "hours must be a positive integer"})
			return
		}
		hours = n
	}
	end := time.Now()
	start := end.Add(-time.Duration(hours) * time.Hour)

	ctx := r.Context()
	total, err := s.usage.Summary(ctx, start, end)
	if err == nil {
		var byModel, byPurpose map[string]*usage.Summary
		if byModel, err = s.usage.SummaryByModel(ctx, start, end); err == nil {
			if byPurpose, err = s.usage.SummaryByPurpose(ctx, start, end); err == nil {
				s.writeJSON(w, http.StatusOK, map[string]any{
					"hours":      hours,
					"total":      total,
					"by_model":   byModel,
					"by_purpose": byPurpose,
				})
				return
			}
		}
	}
	s.logger.Error("usage query failed", "error", err)
	s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "usage query failed"})
}
