package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/health"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/logging"
)

// StatusFunc returns a JSON-serializable snapshot of per-target poll state
type StatusFunc func() any

// Server provides HTTP endpoints for metrics, health checks and poll status
type Server struct {
	metricsServer *http.Server
	healthServer  *http.Server
	logger        *logging.Logger
}

// Config holds server configuration
type Config struct {
	MetricsAddress  string
	MetricsPath     string
	HealthAddress   string
	LivenessPath    string
	ReadinessPath   string
	StatusPath      string
	MetricsRegistry *prometheus.Registry
	HealthChecker   *health.Checker
	Status          StatusFunc
	Logger          *logging.Logger
}

// New creates a new server. When both addresses are equal the
// endpoints share a single listener.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.Global()
	}
	s := &Server{
		logger: cfg.Logger.WithComponent("server"),
	}

	var metricsMux *http.ServeMux
	if cfg.MetricsAddress != "" && cfg.MetricsRegistry != nil {
		metricsMux = http.NewServeMux()
		metricsMux.Handle(orDefault(cfg.MetricsPath, "/metrics"), promhttp.HandlerFor(
			cfg.MetricsRegistry,
			promhttp.HandlerOpts{
				EnableOpenMetrics: true,
			},
		))
		s.metricsServer = newHTTPServer(cfg.MetricsAddress, metricsMux)
	}

	if cfg.HealthAddress != "" && cfg.HealthChecker != nil {
		mux := http.NewServeMux()
		if metricsMux != nil && cfg.HealthAddress == cfg.MetricsAddress {
			mux = metricsMux
		}

		mux.HandleFunc(orDefault(cfg.LivenessPath, "/health/live"), cfg.HealthChecker.LivenessHandler())
		mux.HandleFunc(orDefault(cfg.ReadinessPath, "/health/ready"), cfg.HealthChecker.ReadinessHandler())
		mux.HandleFunc("/health", cfg.HealthChecker.HTTPHandler())
		mux.HandleFunc("GET /health/components/{name}", cfg.HealthChecker.ComponentHandler())
		if cfg.Status != nil {
			mux.HandleFunc(orDefault(cfg.StatusPath, "/status"), StatusHandler(cfg.Status))
		}

		if mux != metricsMux {
			s.healthServer = newHTTPServer(cfg.HealthAddress, mux)
		}
	}

	return s
}

func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// StatusHandler serves the status snapshot as JSON
func StatusHandler(status StatusFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status())
	}
}

// Start binds the listeners and serves in the background. Bind errors
// are returned synchronously.
func (s *Server) Start() error {
	for _, srv := range []*http.Server{s.metricsServer, s.healthServer} {
		if srv == nil {
			continue
		}

		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", srv.Addr, err)
		}
		srv.Addr = ln.Addr().String()

		s.logger.Info().Str("address", srv.Addr).Msg("Starting HTTP server")
		go func(srv *http.Server, ln net.Listener) {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error().Err(err).Str("address", srv.Addr).Msg("HTTP server error")
			}
		}(srv, ln)
	}
	return nil
}

// Addrs returns the bound addresses, metrics first
func (s *Server) Addrs() []string {
	var out []string
	for _, srv := range []*http.Server{s.metricsServer, s.healthServer} {
		if srv != nil {
			out = append(out, srv.Addr)
		}
	}
	return out
}

// Stop gracefully shuts down the servers
func (s *Server) Stop(ctx context.Context) error {
	var errs []error
	for _, srv := range []*http.Server{s.metricsServer, s.healthServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Error().Err(err).Str("address", srv.Addr).Msg("Error shutting down HTTP server")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Name identifies the server for shutdown logging
func (s *Server) Name() string {
	return "http-server"
}
