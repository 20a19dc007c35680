package handler

import (
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magistory/render-server/internal/middleware"
	"github.com/magistory/render-server/internal/model"
)

func proxiedApp(d Deps) *fiber.App {
	d.Render = NewRenderHandler(nil, model.NewValidator())
	d.Health = NewHealthHandler(renderCost, time.Second, nil)
	app := NewApp(d)
	app.Get("/whoami", func(c *fiber.Ctx) error {
		return c.SendString(c.IP())
	})
	return app
}

func clientIP(t *testing.T, app *fiber.App, forwardedFor string) string {
	t.Helper()
	req := httptest.NewRequest("GET", "/whoami", nil)
	if forwardedFor != "" {
		req.Header.Set(fiber.HeaderXForwardedFor, forwardedFor)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestNewApp_ClientIPFromProxyHeader(t *testing.T) {
	app := proxiedApp(Deps{ProxyHeader: fiber.HeaderXForwardedFor})

	assert.Equal(t, "203.0.113.7", clientIP(t, app, "203.0.113.7"))
	assert.Equal(t, "198.51.100.9", clientIP(t, app, "198.51.100.9"))
	assert.Equal(t, "203.0.113.7", clientIP(t, app, "203.0.113.7, 10.0.0.2"))
}

func TestNewApp_UntrustedPeerCannotSetClientIP(t *testing.T) {
	app := proxiedApp(Deps{
		ProxyHeader:    fiber.HeaderXForwardedFor,
		TrustedProxies: []string{"10.9.9.9"},
	})

	assert.NotEqual(t, "203.0.113.7", clientIP(t, app, "203.0.113.7"))
}

func TestNewApp_ForwardedClientsHaveSeparateLimits(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	t.Cleanup(func() { rdb.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	keys, _ := rdb.Keys(ctx, "ratelimit:render:*").Result()
	if len(keys) > 0 {
		rdb.Del(ctx, keys...)
	}

	app := proxiedApp(Deps{
		ProxyHeader: fiber.HeaderXForwardedFor,
		RenderLimit: middleware.NewRateLimiter(rdb, nil).RenderLimit(1),
	})

	submit := func(ip string) int {
		// an empty script fails validation, so only the limiter decides 429
		req := httptest.NewRequest("POST", "/render", strings.NewReader("{}"))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(fiber.HeaderXForwardedFor, ip)
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp.StatusCode
	}

	assert.Equal(t, fiber.StatusBadRequest, submit("203.0.113.7"))
	assert.Equal(t, fiber.StatusTooManyRequests, submit("203.0.113.7"))
	assert.Equal(t, fiber.StatusBadRequest, submit("198.51.100.9"), "second client has its own bucket")

	n, err := rdb.Exists(context.Background(), fmt.Sprintf("ratelimit:render:%s", "198.51.100.9")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
