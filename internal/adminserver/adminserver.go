// Package adminserver hosts the loopback-only management surface: health,
// Prometheus metrics, and the cache inspection/purge APIs for the response
// cache, the file-resolution cache, and the URL-transform cache.
package adminserver

import (
	"net"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	logger "github.com/soulteary/logger-kit"
	metrics "github.com/soulteary/metrics-kit"

	"github.com/soulteary/cdn-proxy/internal/cache"
	"github.com/soulteary/cdn-proxy/internal/config"
	"github.com/soulteary/cdn-proxy/internal/fileresolver"
	"github.com/soulteary/cdn-proxy/internal/telemetry"
	"github.com/soulteary/cdn-proxy/internal/transform"
	"github.com/soulteary/cdn-proxy/pkg/system"
)

// Server is the admin HTTP application and the collaborators it inspects.
type Server struct {
	store       *config.Store
	respCache   *cache.Store
	fileResolve *fileresolver.Resolver
	rewriter    *transform.URLRewriter
	registry    *metrics.Registry
	metrics     *telemetry.Metrics
	log         *logger.Logger
	app         *fiber.App
	startedAt   time.Time
}

// New assembles the admin application. registry may be nil when metrics
// exposure is disabled.
func New(store *config.Store, respCache *cache.Store, fileResolve *fileresolver.Resolver, rewriter *transform.URLRewriter, registry *metrics.Registry, m *telemetry.Metrics, log *logger.Logger) *Server {
	s := &Server{
		store:       store,
		respCache:   respCache,
		fileResolve: fileResolve,
		rewriter:    rewriter,
		registry:    registry,
		metrics:     m,
		log:         log,
		startedAt:   time.Now(),
	}
	s.app = s.buildApp()
	return s
}

func (s *Server) buildApp() *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          30 * time.Second,
	})

	snap := s.store.Load()
	app.Use(s.loopbackOnly())
	app.Use(newRateLimiter(snap.Admin.RateLimitRPM, s.metrics).middleware())
	app.Use(newAuthMiddleware(snap.Admin.APIKey, s.log, s.metrics).middleware())

	app.Get("/health", s.handleHealth)
	if snap.Admin.EnableMetrics && s.registry != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.registry.Gatherer(), promhttp.HandlerOpts{})))
	}

	api := app.Group("/api")
	api.Get("/cache/stats", s.handleCacheStats)
	api.Delete("/cache", s.handleCachePurge)
	api.Get("/file-resolution/stats", s.handleFileResolutionStats)
	api.Delete("/file-resolution/cache", s.handleFileResolutionPurge)
	api.Post("/file-resolution/domains", s.handleDomainOverride)
	api.Get("/url-transform/stats", s.handleURLTransformStats)
	api.Delete("/url-transform/cache", s.handleURLTransformPurge)

	return app
}

// Listen serves the admin surface on the configured loopback address,
// blocking until Shutdown.
func (s *Server) Listen() error {
	return s.app.Listen(s.store.Load().Admin.Listen)
}

// Shutdown drains the admin listener.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// App exposes the fiber application for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// loopbackOnly rejects requests arriving from non-loopback addresses even
// if the listener was bound wider than intended. Unspecified addresses
// (in-memory listeners) are treated as local.
func (s *Server) loopbackOnly() fiber.Handler {
	return func(c *fiber.Ctx) error {
		raw := c.IP()
		if raw == "" {
			return c.Next()
		}
		ip := net.ParseIP(raw)
		if ip == nil || ip.IsLoopback() || ip.IsUnspecified() {
			return c.Next()
		}
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "admin surface is loopback-only"})
	}
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	body := fiber.Map{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	}
	if c.QueryBool("detailed") {
		memory, goroutines := system.MemoryUsageAndGoroutines()
		body["memory"] = system.ByteCountDecimal(memory)
		body["goroutines"] = goroutines
		if avail, err := system.DiskAvailable(); err == nil {
			body["disk_available"] = system.ByteCountDecimal(avail)
		}
		body["response_cache"] = statsResponse(s.respCache.Stats())
		body["file_resolution_cache"] = statsResponse(s.fileResolve.Stats())
		body["url_transform_cache"] = statsResponse(s.rewriter.MemoStats())
	}
	return c.JSON(body)
}

type cacheStatsBody struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	HitRate   float64 `json:"hit_rate"`
	Evictions int64   `json:"evictions"`
	Expired   int64   `json:"expired"`
	ItemCount int     `json:"item_count"`
	Bytes     int64   `json:"bytes"`
	BytesHum  string  `json:"bytes_human"`
}

func statsResponse(st cache.Stats) cacheStatsBody {
	total := st.Hits + st.Misses
	rate := 0.0
	if total > 0 {
		rate = float64(st.Hits) / float64(total)
	}
	return cacheStatsBody{
		Hits:      st.Hits,
		Misses:    st.Misses,
		HitRate:   rate,
		Evictions: st.Evictions,
		Expired:   st.Expired,
		ItemCount: st.ItemCount,
		Bytes:     st.TotalBytes,
		BytesHum:  system.ByteCountDecimal(uint64(st.TotalBytes)),
	}
}

func (s *Server) handleCacheStats(c *fiber.Ctx) error {
	return c.JSON(statsResponse(s.respCache.Stats()))
}

// handleCachePurge removes response cache entries matching the glob in
// ?pattern (default: everything), optionally narrowed to ?domain.
func (s *Server) handleCachePurge(c *fiber.Ctx) error {
	pattern := c.Query("pattern", "*")
	domain := strings.ToLower(c.Query("domain"))

	removed := s.respCache.PurgeFunc(func(key string) bool {
		if domain != "" && cache.KeyDomain(key) != domain {
			return false
		}
		return cache.MatchPattern(pattern, key)
	})

	if s.log != nil {
		s.log.Info().Str("pattern", pattern).Str("domain", domain).Int("removed", removed).Msg("response cache purge")
	}
	return c.JSON(fiber.Map{"success": true, "items_removed": removed})
}

func (s *Server) handleFileResolutionStats(c *fiber.Ctx) error {
	return c.JSON(statsResponse(s.fileResolve.Stats()))
}

func (s *Server) handleFileResolutionPurge(c *fiber.Ctx) error {
	removed := s.fileResolve.PurgeCache()
	return c.JSON(fiber.Map{"success": true, "items_removed": removed})
}

func (s *Server) handleURLTransformStats(c *fiber.Ctx) error {
	return c.JSON(statsResponse(s.rewriter.MemoStats()))
}

func (s *Server) handleURLTransformPurge(c *fiber.Ctx) error {
	removed := s.rewriter.PurgeMemo()
	return c.JSON(fiber.Map{"success": true, "items_removed": removed})
}

type domainOverrideRequest struct {
	Domain     string   `json:"domain"`
	Extensions []string `json:"extensions"`
}

// handleDomainOverride updates the per-domain extension overrides by
// building a new configuration snapshot and swapping it atomically;
// in-flight requests finish on the snapshot they already hold.
func (s *Server) handleDomainOverride(c *fiber.Ctx) error {
	var req domainOverrideRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON body"})
	}
	if req.Domain == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "domain is required"})
	}

	current := s.store.Load()
	next := *current
	next.Version = current.Version + 1

	overrides := make(map[string]config.FileResolveOverride, len(current.FileResolve.PerDomainOverrides)+1)
	for k, v := range current.FileResolve.PerDomainOverrides {
		overrides[k] = v
	}
	domain := strings.ToLower(req.Domain)
	if len(req.Extensions) == 0 {
		delete(overrides, domain)
	} else {
		overrides[domain] = config.FileResolveOverride{Extensions: req.Extensions}
	}
	next.FileResolve.PerDomainOverrides = overrides
	s.store.Swap(&next)

	if s.log != nil {
		s.log.Info().Str("domain", domain).Strs("extensions", req.Extensions).Int64("version", next.Version).Msg("file resolution domain override updated")
	}
	return c.JSON(fiber.Map{"success": true, "version": next.Version})
}
