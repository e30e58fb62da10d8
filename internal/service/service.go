// ABOUTME: Service orchestrator wiring store, aggregator, and HTTP server
// ABOUTME: Manages listener setup, lifecycle, and graceful shutdown

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/event-aggregator/internal/aggregator"
	"github.com/2389/event-aggregator/internal/config"
	"github.com/2389/event-aggregator/internal/dedupe"
	"github.com/2389/event-aggregator/internal/store"
)

// Service orchestrates the event-aggregator components. It owns the
// store handle, the aggregator core, and the HTTP server, and is the
// only place allowed to close them.
type Service struct {
	config     *config.Config
	store      store.Store
	aggregator *aggregator.Aggregator
	httpServer *http.Server
	logger     *slog.Logger

	shutdownOnce sync.Once
	shutdownErr  error
}

// initStore creates the store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("AGGREGATOR_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a service from the given configuration. The store is
// opened here; any construction failure after that point closes it
// before returning.
func New(cfg *config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	cache := dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxSize)

	agg := aggregator.New(st, cache, aggregator.Config{
		Workers:   cfg.Aggregator.Workers,
		QueueSize: cfg.Aggregator.QueueSize,
	}, logger)

	svc := &Service{
		config:     cfg,
		store:      st,
		aggregator: agg,
		logger:     logger.With("component", "service"),
	}

	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("/health", svc.handleHealth)
	mux.HandleFunc("/health/ready", svc.handleReady)

	// API endpoints
	mux.HandleFunc("/api/publish", svc.handlePublish)
	mux.HandleFunc("/api/events", svc.handleEvents)
	mux.HandleFunc("/api/stats", svc.handleStats)
	mux.HandleFunc("/api/admin/clear", svc.handleClear)

	if cfg.Metrics.Enabled {
		registry, err := svc.buildMetricsRegistry()
		if err != nil {
			cache.Close()
			st.Close()
			return nil, fmt.Errorf("registering metrics: %w", err)
		}
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		logger.Info("metrics endpoint enabled", "path", cfg.Metrics.Path)
	}

	svc.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return svc, nil
}

// buildMetricsRegistry exposes the aggregator counters as prometheus
// metrics backed directly by the process-local atomics.
func (s *Service) buildMetricsRegistry() (*prometheus.Registry, error) {
	registry := prometheus.NewRegistry()

	collectors := []prometheus.Collector{
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "aggregator_events_received_total",
			Help: "Total events handed to the publish gate.",
		}, func() float64 {
			received, _, _ := s.aggregator.Counters()
			return float64(received)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "aggregator_events_unique_processed_total",
			Help: "Events whose identity won the authoritative insert.",
		}, func() float64 {
			_, unique, _ := s.aggregator.Counters()
			return float64(unique)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "aggregator_events_duplicate_dropped_total",
			Help: "Events discarded as duplicates at the gate or by workers.",
		}, func() float64 {
			_, _, duplicate := s.aggregator.Counters()
			return float64(duplicate)
		}),
	}

	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// Run starts the aggregator and HTTP server and blocks until the
// context is canceled or a server error occurs. Shutdown is graceful:
// publishes are fenced out, the queue drains, and the store closes last.
func (s *Service) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	s.aggregator.Start()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", listener.Addr().String())
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	// Fresh context: the run context is already canceled by now.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Aggregator.ShutdownTimeout)
	defer cancel()
	shutdownErr := s.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// Shutdown stops accepting HTTP traffic, drains the aggregator, and
// closes the store. Repeated calls return the first call's result.
func (s *Service) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.logger.Info("shutting down service")

		var errs []error
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
		}

		// Stop waits for workers to finish their in-flight decisions,
		// so the store is never closed under a live worker.
		s.aggregator.Stop()

		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}

		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

// handleHealth returns 200 OK if the server is alive.
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the worker pool is running.
func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.aggregator.Running() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("aggregator not started"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
