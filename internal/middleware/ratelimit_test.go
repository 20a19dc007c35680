package middleware

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newApp(rl *RateLimiter, max int) *fiber.App {
	app := fiber.New()
	app.Post("/render", rl.Limit("test", max, time.Minute), func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	return app
}

func TestRateLimiter_RedisDownAllows(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	t.Cleanup(func() { client.Close() })

	app := newApp(NewRateLimiter(client, nil), 1)
	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest("POST", "/render", nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	}
}

func TestRateLimiter_NilClientAllows(t *testing.T) {
	app := newApp(NewRateLimiter(nil, nil), 1)
	resp, err := app.Test(httptest.NewRequest("POST", "/render", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestRateLimiter_Limits(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	keys, _ := client.Keys(ctx, "ratelimit:test:*").Result()
	if len(keys) > 0 {
		client.Del(ctx, keys...)
	}

	app := newApp(NewRateLimiter(client, nil), 2)
	codes := make([]int, 3)
	for i := range codes {
		resp, err := app.Test(httptest.NewRequest("POST", "/render", nil))
		require.NoError(t, err)
		codes[i] = resp.StatusCode
	}

	assert.Equal(t, []int{fiber.StatusOK, fiber.StatusOK, fiber.StatusTooManyRequests}, codes)
}
