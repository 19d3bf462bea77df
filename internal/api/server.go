package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/virelyx258/rstatus-server/internal/config"
	"github.com/virelyx258/rstatus-server/internal/device"
	"github.com/virelyx258/rstatus-server/internal/dispatch"
	"github.com/virelyx258/rstatus-server/internal/metrics"
	"github.com/virelyx258/rstatus-server/internal/session"
)

const shutdownTimeout = 5 * time.Second

// Deps holds what the HTTP API serves from
type Deps struct {
	Config     *config.Config
	Registry   *device.Registry
	Sessions   *session.Manager
	Dispatcher *dispatch.Dispatcher
	Metrics    *metrics.Metrics
	Gatherer   prometheus.Gatherer
	Logger     *zap.Logger
}

// Server is the HTTP API server
type Server struct {
	cfg      *config.Config
	handlers *Handlers
	hub      *Hub
	server   *http.Server
	log      *zap.Logger
}

// NewServer creates a new API server. The WebSocket hub is subscribed to
// registry changes here.
func NewServer(deps Deps) *Server {
	log := deps.Logger.Named("api")
	hub := NewHub(deps.Registry, log.Named("ws"))
	deps.Registry.Observe(hub.OnChange)

	handlers := NewHandlers(deps, hub, log)

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(logRequests(log, deps.Config.DebugHTTP))
	r.Use(recoverer(log))
	r.Use(limitBody)

	// Device ingestion and operator messages
	r.Post("/report", handlers.Report)
	r.Post("/send_message", handlers.SendMessage)
	r.Delete("/api/v1/connections/{id}", handlers.TerminateConnection)

	// Registry reads
	r.Group(func(r chi.Router) {
		r.Use(noCache)
		r.Get("/get_devices", handlers.GetDevices)
		r.Get("/api/status", handlers.APIStatus)
		r.Get("/api/v1/stats", handlers.Stats)
		r.Get("/api/v1/connections", handlers.ListConnections)
	})

	// Health and monitoring
	r.Get("/healthz", handlers.Healthz)
	r.Get("/readyz", handlers.Readyz)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/ws", hub.ServeWS)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeFailure(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeFailure(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	server := &http.Server{
		Addr:              ":" + deps.Config.HTTPPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	return &Server{
		cfg:      deps.Config,
		handlers: handlers,
		hub:      hub,
		server:   server,
		log:      log,
	}
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Listen binds the HTTP port
func (s *Server) Listen() (net.Listener, error) {
	return net.Listen("tcp", s.server.Addr)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully and
// disconnects WebSocket clients.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("listening", zap.String("addr", ln.Addr().String()))

	go s.hub.Run(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("shutdown", zap.Error(err))
		}
	}()

	err := s.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
