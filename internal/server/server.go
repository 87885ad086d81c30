// Package server exposes the daemon to its presentation layer: a single
// WebSocket endpoint carrying invokes and event subscriptions, plus a health
// check. Operations route through the bridge's current invoker, so the UI
// does not know or care whether sessions live locally or on a remote peer.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/termbench/benchd/internal/bridge"
	"github.com/termbench/benchd/internal/config"
	"github.com/termbench/benchd/internal/events"
	"github.com/termbench/benchd/internal/sysinfo"
)

// Server is the local API server.
type Server struct {
	config     *config.Config
	bridge     *bridge.Bridge
	dispatcher *events.Dispatcher
	sysinfo    *sysinfo.Collector
	httpServer *http.Server
	listener   net.Listener
}

// New creates a server. Call Start to begin serving.
func New(cfg *config.Config, br *bridge.Bridge, d *events.Dispatcher) *Server {
	s := &Server{
		config:     cfg,
		bridge:     br,
		dispatcher: d,
		sysinfo:    sysinfo.NewCollector(sysinfo.CollectorConfig{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWS)

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     mux,
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
		// No WriteTimeout: /ws connections are long-lived and writes are
		// bounded per message instead.
	}
	return s
}

// Start binds the listener and serves until Shutdown. It returns
// http.ErrServerClosed after a clean shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}
	s.listener = ln
	slog.Info("local API listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Addr returns the bound listener address. Only valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.httpServer.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops the server, waiting for in-flight requests up to ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":     "ok",
		"bridgeRole": s.bridge.Role(),
		"time":       time.Now().UTC().Format(time.RFC3339),
	}
	if metrics, err := s.sysinfo.Collect(); err == nil {
		body["metrics"] = metrics
	} else {
		slog.Debug("health metrics collection failed", "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

// createUpgrader builds the WebSocket upgrader with origin validation.
// Upgrades bypass CORS, so origins are checked explicitly.
func (s *Server) createUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  s.config.WSReadBufferSize,
		WriteBufferSize: s.config.WSWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Same-origin or non-browser client.
				return true
			}
			return s.isOriginAllowed(origin)
		},
	}
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
		if strings.Contains(allowed, "*") && matchWildcardOrigin(origin, allowed) {
			return true
		}
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", s.config.AllowedOrigins)
	return false
}

// matchWildcardOrigin checks a pattern like "https://*.example.com" against
// an origin. The wildcard part must not span a path separator.
func matchWildcardOrigin(origin, pattern string) bool {
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	prefix, suffix := parts[0], parts[1]
	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return !strings.Contains(middle, "/")
}
