package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gtriggiano/envoy-geoip-replicator/pkg/config"
)

const (
	defaultGracefulShutdownTimeout = 5 * time.Second
	healthCheckTimeout             = 5 * time.Second
)

// HealthChecker is a named readiness dependency, such as the shared store or
// the worker cache.
type HealthChecker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server exposes Prometheus metrics and health probes.
type Server struct {
	cfg             config.MetricsConfig
	logger          *zap.Logger
	registry        *prometheus.Registry
	instrumentation *Instrumentation
	checkers        []HealthChecker
	ready           atomic.Bool
}

// NewServer builds a metrics server instance.
func NewServer(cfg config.MetricsConfig, logger *zap.Logger, checkers ...HealthChecker) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()

	return &Server{
		cfg:             cfg,
		logger:          logger,
		registry:        reg,
		instrumentation: NewInstrumentation(reg),
		checkers:        checkers,
	}
}

// Instrumentation returns the metrics instrumentation helper.
func (s *Server) Instrumentation() *Instrumentation {
	return s.instrumentation
}

// Registry returns the underlying Prometheus registry.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// AddHealthChecker registers a readiness dependency. It must be called before Start.
func (s *Server) AddHealthChecker(checker HealthChecker) {
	s.checkers = append(s.checkers, checker)
}

// Start launches the HTTP endpoints and blocks until context cancellation.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("metrics server shutdown", zap.Error(err))
		}
	}()

	s.logger.Info("metrics server listening", zap.String("addr", s.cfg.Address))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.HealthPath, s.livenessHandler())
	mux.Handle(s.cfg.ReadinessPath, s.readinessHandler())
	gatherer := prometheus.Gatherers{
		s.registry,
		newPrefixDropGatherer(prometheus.DefaultGatherer, s.cfg.DropPrefixes),
	}
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}

// SetReady toggles readiness once the serving side of the process is up.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *Server) livenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

// readinessHandler runs every health checker in parallel; one failure makes the
// process not ready.
func (s *Server) readinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		var wg sync.WaitGroup
		var failed atomic.Bool
		for _, checker := range s.checkers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := checker.Check(ctx); err != nil {
					s.logger.Warn("health check failed", zap.String("check", checker.Name), zap.Error(err))
					failed.Store(true)
				}
			}()
		}
		wg.Wait()

		if failed.Load() {
			http.Error(w, "health check failed", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
}
