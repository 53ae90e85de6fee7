package adminserver

import (
	"crypto/subtle"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	logger "github.com/soulteary/logger-kit"

	"github.com/soulteary/cdn-proxy/internal/telemetry"
)

// authMiddleware gates the admin surface behind an API key. An empty key
// disables authentication.
type authMiddleware struct {
	apiKey  string
	log     *logger.Logger
	metrics *telemetry.Metrics
}

func newAuthMiddleware(apiKey string, log *logger.Logger, m *telemetry.Metrics) *authMiddleware {
	return &authMiddleware{apiKey: apiKey, log: log, metrics: m}
}

func (m *authMiddleware) middleware() fiber.Handler {
	if m.apiKey == "" {
		return func(c *fiber.Ctx) error { return c.Next() }
	}
	return func(c *fiber.Ctx) error {
		key := m.extractKey(c)
		if key == "" {
			m.reject(c, "missing API key")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "API key required"})
		}
		// Constant-time comparison to prevent timing attacks.
		if subtle.ConstantTimeCompare([]byte(key), []byte(m.apiKey)) != 1 {
			m.reject(c, "invalid API key")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid API key"})
		}
		return c.Next()
	}
}

func (m *authMiddleware) extractKey(c *fiber.Ctx) string {
	if key := c.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}
	if auth := c.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

func (m *authMiddleware) reject(c *fiber.Ctx, reason string) {
	if m.metrics != nil {
		m.metrics.AdminAuthFailures.Inc()
	}
	if m.log != nil {
		m.log.Warn().
			Str("path", c.Path()).
			Str("method", c.Method()).
			Str("remote_addr", c.IP()).
			Str("reason", reason).
			Msg("admin authentication failed")
	}
}

// rateLimiter applies fixed-window per-IP rate limiting. A zero limit
// disables it.
type rateLimiter struct {
	limitPerMinute int
	metrics        *telemetry.Metrics

	mu      sync.Mutex
	buckets map[string]*rateBucket
}

type rateBucket struct {
	count       int
	windowStart time.Time
}

func newRateLimiter(limitPerMinute int, m *telemetry.Metrics) *rateLimiter {
	return &rateLimiter{
		limitPerMinute: limitPerMinute,
		metrics:        m,
		buckets:        make(map[string]*rateBucket),
	}
}

func (rl *rateLimiter) middleware() fiber.Handler {
	if rl.limitPerMinute <= 0 {
		return func(c *fiber.Ctx) error { return c.Next() }
	}
	return func(c *fiber.Ctx) error {
		if !rl.allow(c.IP()) {
			if rl.metrics != nil {
				rl.metrics.AdminRateLimited.Inc()
			}
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate limit exceeded"})
		}
		return c.Next()
	}
}

func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	b, ok := rl.buckets[key]
	if !ok || now.Sub(b.windowStart) >= time.Minute {
		rl.buckets[key] = &rateBucket{count: 1, windowStart: now}
		return true
	}
	if b.count >= rl.limitPerMinute {
		return false
	}
	b.count++
	return true
}
