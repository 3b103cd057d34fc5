// Package middleware provides HTTP middleware and the shared logger.
package middleware

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

// FailPolicy defines the behavior when the rate limit store (Redis) is unavailable.
type FailPolicy int

const (
	// FailOpen allows the request to proceed if Redis is unavailable.
	FailOpen FailPolicy = iota
	// FailClosed blocks the request (503 Service Unavailable) if Redis is unavailable.
	FailClosed
)

// storeTimeout bounds one Allow round trip so an unreachable Redis triggers
// the fail policy instead of holding the request.
const storeTimeout = 300 * time.Millisecond

// RateLimiter counts requests in fixed Redis windows keyed by resource and caller.
type RateLimiter struct {
	rdb     *redis.Client
	enabled bool
}

// NewRateLimiter returns a limiter backed by rdb. Limiting is off for the
// test, development and stress environments.
func NewRateLimiter(rdb *redis.Client, env string) *RateLimiter {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "", "test", "development", "stress":
		return &RateLimiter{rdb: rdb}
	}
	return &RateLimiter{rdb: rdb, enabled: true}
}

// Allow reports whether id may use resource again within window.
func (l *RateLimiter) Allow(ctx context.Context, resource, id string, limit int, window time.Duration) (bool, error) {
	if l == nil || !l.enabled {
		return true, nil
	}
	if l.rdb == nil {
		return false, fmt.Errorf("redis client is nil")
	}

	key := fmt.Sprintf("rl:%s:%s", resource, id)
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	cnt, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		RedisErrors.WithLabelValues("rate_limit").Inc()
		return false, err
	}
	if cnt == 1 {
		l.rdb.Expire(ctx, key, window)
	}
	return cnt <= int64(limit), nil
}

// Handler returns a Fiber middleware enforcing limit requests per window.
// It keys by the authenticated user when known, otherwise by remote IP.
func (l *RateLimiter) Handler(resource string, limit int, window time.Duration, policy FailPolicy) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var id string
		if uid, ok := c.Locals("userID").(uint); ok {
			id = fmt.Sprintf("user:%d", uid)
		} else {
			id = "ip:" + c.IP()
		}

		allowed, err := l.Allow(c.UserContext(), resource, id, limit, window)
		if err != nil {
			if policy == FailClosed {
				Logger.WarnContext(c.UserContext(), "rate limit store unavailable",
					"resource", resource, "error", err)
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
					"error": "rate limit unavailable",
				})
			}
			return c.Next()
		}

		if !allowed {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "rate limit exceeded",
			})
		}
		return c.Next()
	}
}
