// Package server exposes the daemon's HTTP surface: the loop REST API, the
// SSE event feed, the WebSocket hub, and Prometheus metrics.
package server

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ralphlabs/ralphd/internal/events"
	"github.com/ralphlabs/ralphd/internal/manager"
	"github.com/ralphlabs/ralphd/internal/metrics"
)

// Config holds server configuration.
type Config struct {
	// Manager owns the loops the API operates on.
	Manager *manager.Manager
	// Bus feeds the SSE endpoint and the WebSocket hub.
	Bus *events.Bus
	// Metrics is optional. When non-nil, /metrics is registered and the
	// SSE/WS client gauges are kept.
	Metrics *metrics.Metrics
	// Hub is the WebSocket hub. When non-nil, /api/ws is registered.
	Hub    *Hub
	Logger *slog.Logger
}

// Server wraps the ralphd HTTP server.
type Server struct {
	mux      *http.ServeMux
	listener net.Listener
}

// New creates a Server bound to the given address (e.g. "127.0.0.1:8420").
// It does not start serving; call Serve() for that.
func New(addr string, cfg Config) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	s := &Server{mux: mux, listener: ln}
	s.registerRoutes(cfg)
	return s, nil
}

// Addr returns the listener's address (useful when binding to :0 in tests).
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve starts accepting connections. It blocks until the listener is closed.
func (s *Server) Serve() error {
	return http.Serve(s.listener, s.mux)
}

// Close shuts down the listener.
func (s *Server) Close() error {
	return s.listener.Close()
}

// Handler returns the route mux, for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) registerRoutes(cfg Config) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	api := &apiHandler{mgr: cfg.Manager, startAt: time.Now(), logger: logger}

	s.mux.HandleFunc("GET /api/status", api.handleStatus)
	s.mux.HandleFunc("GET /api/loops", api.handleListLoops)
	s.mux.HandleFunc("POST /api/loops", api.handleCreateLoop)
	s.mux.HandleFunc("GET /api/loops/{id}", api.handleGetLoop)
	s.mux.HandleFunc("DELETE /api/loops/{id}", api.handleDeleteLoop)
	s.mux.HandleFunc("POST /api/loops/{id}/start", api.handleStartLoop)
	s.mux.HandleFunc("POST /api/loops/{id}/stop", api.handleStopLoop)
	s.mux.HandleFunc("POST /api/loops/{id}/inject", api.handleInject)
	s.mux.HandleFunc("POST /api/loops/{id}/plan-feedback", api.handlePlanFeedback)
	s.mux.HandleFunc("POST /api/loops/{id}/accept-plan", api.handleAcceptPlan)
	s.mux.HandleFunc("POST /api/loops/{id}/push", api.handlePush)

	s.mux.HandleFunc("GET /api/events", handleSSE(cfg.Bus, cfg.Metrics))

	if cfg.Hub != nil {
		s.mux.HandleFunc("GET /api/ws", cfg.Hub.ServeWS)
	}
	if cfg.Metrics != nil {
		s.mux.Handle("GET /metrics", cfg.Metrics.Handler())
	}

	// Catch-all for unregistered /api/ routes: return 404.
	s.mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
}

// handleSSE streams bus events as server-sent events until the client
// disconnects. An optional loop_id query filters to one loop.
func handleSSE(bus *events.Bus, m *metrics.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		stream := events.NewSSEStream(bus, r.URL.Query().Get("loop_id"))
		defer stream.Close()

		if m != nil {
			m.SSEClients.Inc()
			defer m.SSEClients.Dec()
		}

		// Unblock Next when the client goes away.
		go func() {
			<-r.Context().Done()
			stream.Close()
		}()

		for {
			frame, ok := stream.Next()
			if !ok {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
