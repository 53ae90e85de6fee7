// Package cli assembles the edge node's collaborators into a running
// process: public proxy listener, loopback admin surface, background cache
// sweeper, and signal-driven graceful shutdown.
package cli

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	logger "github.com/soulteary/logger-kit"
	metrics "github.com/soulteary/metrics-kit"

	"github.com/soulteary/cdn-proxy/internal/adminserver"
	"github.com/soulteary/cdn-proxy/internal/cache"
	"github.com/soulteary/cdn-proxy/internal/circuitbreaker"
	"github.com/soulteary/cdn-proxy/internal/config"
	"github.com/soulteary/cdn-proxy/internal/fileresolver"
	"github.com/soulteary/cdn-proxy/internal/proxyengine"
	"github.com/soulteary/cdn-proxy/internal/routeresolver"
	"github.com/soulteary/cdn-proxy/internal/telemetry"
	"github.com/soulteary/cdn-proxy/pkg/httplog"
)

const shutdownGrace = 30 * time.Second

// Server wires every component of the edge node together and owns their
// lifecycle.
type Server struct {
	store           *config.Store
	log             *logger.Logger
	metricsRegistry *metrics.Registry
	metrics         *telemetry.Metrics
	respCache       *cache.Store
	fileResolver    *fileresolver.Resolver
	engine          *proxyengine.Engine
	admin           *adminserver.Server
	server          *http.Server
	sweepStop       chan struct{}
}

// NewServer creates and initializes a Server from a loaded configuration
// snapshot.
func NewServer(snap *config.Snapshot) (*Server, error) {
	if snap == nil {
		return nil, fmt.Errorf("configuration cannot be nil")
	}

	s := &Server{
		store: config.NewStore(snap),
		log:   logger.Default(),
	}
	if err := s.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize server: %w", err)
	}
	return s, nil
}

// initialize constructs the component graph in dependency order: caches
// and breakers first, then the resolvers, then the engine and the two HTTP
// surfaces.
func (s *Server) initialize() error {
	snap := s.store.Load()

	s.metricsRegistry = metrics.NewRegistry("cdnproxy")
	s.metrics = telemetry.New(s.metricsRegistry)

	s.respCache = cache.New(snap.Cache.Shards, snap.Cache.MaxEntries, 0)

	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: snap.FileResolve.FailureThreshold,
		ResetTimeout:     snap.FileResolve.ResetTimeout,
		MonitorWindow:    snap.FileResolve.MonitorWindow,
	})
	prober := fileresolver.NewHTTPProber(snap.FileResolve.ProbeTimeout, snap.FileResolve.UserAgent)
	s.fileResolver = fileresolver.New(s.store, prober, breakers)

	routes := routeresolver.New(s.store, 0)
	client := proxyengine.NewUpstreamClient(snap.UpstreamTimeout)
	s.engine = proxyengine.New(s.store, routes, s.respCache, s.fileResolver, s.metrics, s.log, client)

	s.admin = adminserver.New(s.store, s.respCache, s.fileResolver, s.engine.Rewriter(), s.metricsRegistry, s.metrics, s.log)

	accessLog := httplog.NewResponseLogger(s.engine, s.log)
	accessLog.DumpRequests = snap.Debug
	accessLog.DumpResponses = snap.Debug
	accessLog.DumpErrors = snap.Debug

	s.server = &http.Server{
		Addr:              snap.Listen,
		Handler:           accessLog,
		ReadHeaderTimeout: 50 * time.Second,
		ReadTimeout:       50 * time.Second,
		WriteTimeout:      100 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return nil
}

// startSweeper launches the background maintenance loop: every
// CheckPeriod it sweeps expired response cache entries and publishes the
// cache and circuit-breaker figures into their Prometheus gauges and
// counters.
func (s *Server) startSweeper() {
	period := s.store.Load().Cache.CheckPeriod
	if period <= 0 {
		return
	}
	s.sweepStop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		var lastEvictions, lastExpired int64
		lastTrips := make(map[string]int64)
		for {
			select {
			case <-ticker.C:
				if removed := s.respCache.SweepExpired(); removed > 0 {
					s.log.Debug().Int("removed", removed).Msg("expired cache entries swept")
				}
				s.publishCacheMetrics(&lastEvictions, &lastExpired)
				s.publishBreakerMetrics(lastTrips)
			case <-s.sweepStop:
				return
			}
		}
	}()
}

// publishCacheMetrics pushes the response cache's current size figures
// into the gauges and converts the monotonic eviction/expiry totals into
// counter increments.
func (s *Server) publishCacheMetrics(lastEvictions, lastExpired *int64) {
	st := s.respCache.Stats()
	s.metrics.CacheItemCount.Set(float64(st.ItemCount))
	s.metrics.CacheSizeBytes.Set(float64(st.TotalBytes))
	if d := st.Evictions - *lastEvictions; d > 0 {
		s.metrics.CacheEvictions.WithLabelValues("lru").Add(float64(d))
	}
	*lastEvictions = st.Evictions
	if d := st.Expired - *lastExpired; d > 0 {
		s.metrics.CacheEvictions.WithLabelValues("expired").Add(float64(d))
	}
	*lastExpired = st.Expired
}

// publishBreakerMetrics mirrors every backend's circuit state into the
// state gauge (0=closed, 1=half-open, 2=open) and emits trip deltas.
func (s *Server) publishBreakerMetrics(lastTrips map[string]int64) {
	for backend, status := range s.fileResolver.BreakerSnapshot() {
		var value float64
		switch status.State {
		case circuitbreaker.HalfOpen:
			value = 1
		case circuitbreaker.Open:
			value = 2
		}
		s.metrics.CircuitBreakerState.WithLabelValues(backend).Set(value)
		if d := status.Trips - lastTrips[backend]; d > 0 {
			s.metrics.CircuitBreakerTrips.WithLabelValues(backend).Add(float64(d))
		}
		lastTrips[backend] = status.Trips
	}
}

// Start begins serving requests and blocks until a shutdown signal or a
// fatal listener error.
func (s *Server) Start() error {
	snap := s.store.Load()
	s.log.Info().Str("listen", snap.Listen).Str("admin", snap.Admin.Listen).Str("name", snap.CDNName).Msg("starting cdn-proxy")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s.startSweeper()

	serverErr := make(chan error, 2)
	go func() {
		var err error
		if snap.TLS.Enabled {
			err = s.server.ListenAndServeTLS(snap.TLS.CertFile, snap.TLS.KeyFile)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			serverErr <- fmt.Errorf("proxy listener: %w", err)
		}
	}()
	go func() {
		if err := s.admin.Listen(); err != nil {
			serverErr <- fmt.Errorf("admin listener: %w", err)
		}
	}()

	s.log.Info().Msg("server started")

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		return s.shutdown()
	}
}

// shutdown stops the sweeper, stops accepting new work, drains in-flight
// requests up to the grace timeout, then stops the admin surface.
func (s *Server) shutdown() error {
	s.log.Info().Msg("shutting down")

	if s.sweepStop != nil {
		close(s.sweepStop)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("draining proxy listener: %w", err)
	}
	if err := s.admin.Shutdown(); err != nil {
		s.log.Warn().Err(err).Msg("admin surface shutdown")
	}

	s.log.Info().Msg("shutdown complete")
	return nil
}

// Daemon is the main entry point: build a Server from the snapshot and
// run it until shutdown.
func Daemon(snap *config.Snapshot) {
	server, err := NewServer(snap)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create server")
	}
	if err := server.Start(); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
}
