package middleware

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{
		Addr:        mr.Addr(),
		MaxRetries:  -1,
		DialTimeout: 100 * time.Millisecond,
	})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRateLimiter_DisabledEnvironments(t *testing.T) {
	for _, env := range []string{"", "test", "development", "stress"} {
		t.Run(env, func(t *testing.T) {
			l := NewRateLimiter(nil, env)
			allowed, err := l.Allow(context.Background(), "typing", "1", 1, time.Minute)
			assert.NoError(t, err)
			assert.True(t, allowed)
		})
	}
}

func TestRateLimiter_NilRedis(t *testing.T) {
	l := NewRateLimiter(nil, "production")
	allowed, err := l.Allow(context.Background(), "typing", "1", 1, time.Minute)
	assert.Error(t, err)
	assert.False(t, allowed)
}

func TestRateLimiter_WindowLimit(t *testing.T) {
	mr, rdb := newTestRedis(t)
	l := NewRateLimiter(rdb, "production")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := l.Allow(ctx, "send_chat", "7", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, allowed, "request %d should pass", i+1)
	}

	allowed, err := l.Allow(ctx, "send_chat", "7", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, allowed)

	// Other callers have their own window.
	allowed, err = l.Allow(ctx, "send_chat", "8", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed)

	mr.FastForward(2 * time.Minute)
	allowed, err = l.Allow(ctx, "send_chat", "7", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRateLimiter_Handler(t *testing.T) {
	_, rdb := newTestRedis(t)
	l := NewRateLimiter(rdb, "production")

	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("userID", uint(5))
		return c.Next()
	})
	app.Post("/send", l.Handler("send_chat", 1, time.Minute, FailOpen), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	resp, err := app.Test(httptest.NewRequest("POST", "/send", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("POST", "/send", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
}

func TestRateLimiter_StoreOutage(t *testing.T) {
	tests := []struct {
		name   string
		policy FailPolicy
		want   int
	}{
		{"fail closed", FailClosed, fiber.StatusServiceUnavailable},
		{"fail open", FailOpen, fiber.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mr, rdb := newTestRedis(t)
			l := NewRateLimiter(rdb, "production")
			mr.Close()

			app := fiber.New()
			app.Post("/send", l.Handler("send_chat", 1, time.Minute, tt.policy), func(c *fiber.Ctx) error {
				return c.SendStatus(fiber.StatusOK)
			})

			start := time.Now()
			resp, err := app.Test(httptest.NewRequest("POST", "/send", nil))
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.Less(t, time.Since(start), time.Second)
		})
	}
}

func TestRateLimiter_AllowIsBoundedWhenRedisHangs(t *testing.T) {
	// A client with go-redis defaults retries the dial with backoff; the
	// store timeout still cuts the call short.
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	l := NewRateLimiter(rdb, "production")
	start := time.Now()
	allowed, err := l.Allow(context.Background(), "typing", "1", 5, time.Minute)
	assert.Error(t, err)
	assert.False(t, allowed)
	assert.Less(t, time.Since(start), time.Second)
}
