package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psaab/flowcounter/pkg/config"
	"github.com/psaab/flowcounter/pkg/dataplane"
	"github.com/psaab/flowcounter/pkg/flowtable"
	"github.com/psaab/flowcounter/pkg/iface"
	"github.com/psaab/flowcounter/pkg/stats"
)

// Config configures the API server.
type Config struct {
	Addr       string
	Auth       *config.AuthConfig // nil = no authentication
	DP         *dataplane.Manager
	Stats      *stats.Registry
	Interfaces *iface.Registry
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	dp         *dataplane.Manager
	stats      *stats.Registry
	ifaces     *iface.Registry
	startTime  time.Time
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	s := &Server{
		dp:        cfg.DP,
		stats:     cfg.Stats,
		ifaces:    cfg.Interfaces,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()

	// Health + metrics
	mux.HandleFunc("GET /health", s.healthHandler)

	// Prometheus metrics with isolated registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(newCollector(s))
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// REST API v1
	mux.HandleFunc("GET /api/v1/status", s.statusHandler)
	mux.HandleFunc("GET /api/v1/statistics", s.statisticsHandler)
	mux.HandleFunc("GET /api/v1/statistics/stream", s.statisticsStreamHandler)
	mux.HandleFunc("GET /api/v1/interfaces", s.interfacesHandler)
	mux.HandleFunc("GET /api/v1/flows", s.flowsHandler)

	// Mutations
	mux.HandleFunc("POST /api/v1/interfaces/{name}/enable", s.enableHandler)
	mux.HandleFunc("POST /api/v1/interfaces/{name}/disable", s.disableHandler)

	var handler http.Handler = mux
	if cfg.Auth != nil {
		handler = newAuthenticator(cfg.Auth).wrap(mux)
	}

	s.httpServer = &http.Server{
		Addr:    cfg.Addr,
		Handler: handler,
	}
	return s
}

// Handler returns the root handler, including authentication.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP API server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) tableStats() []flowtable.Stats {
	if s.dp == nil {
		return nil
	}
	return s.dp.TableStats()
}
