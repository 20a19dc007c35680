package middleware

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/magistory/render-server/internal/pkg/logger"
	"github.com/magistory/render-server/pkg/response"
)

// RateLimiter counts requests per client in fixed Redis windows
type RateLimiter struct {
	redis *redis.Client
	log   *logger.Logger
}

func NewRateLimiter(redisClient *redis.Client, log *logger.Logger) *RateLimiter {
	if log == nil {
		log = logger.Discard()
	}
	return &RateLimiter{redis: redisClient, log: log.WithComponent("ratelimit")}
}

// Limit creates a rate limiting middleware keyed by client IP. Submissions
// are limited before authentication, so there is no user id to key on yet.
// A Redis failure lets the request through.
func (rl *RateLimiter) Limit(keyPrefix string, maxRequests int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if rl.redis == nil || maxRequests <= 0 {
			return c.Next()
		}

		key := fmt.Sprintf("ratelimit:%s:%s", keyPrefix, c.IP())
		ctx := c.UserContext()

		count, err := rl.redis.Incr(ctx, key).Result()
		if err != nil {
			rl.log.Warn("rate limit check skipped", "error", err.Error())
			return c.Next()
		}

		// Set expiration on first request
		if count == 1 {
			rl.redis.Expire(ctx, key, window)
		}

		if count > int64(maxRequests) {
			ttl, _ := rl.redis.TTL(ctx, key).Result()
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(ttl.Seconds())))
			return response.RateLimited(c)
		}

		c.Set("X-RateLimit-Limit", strconv.Itoa(maxRequests))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(maxRequests-int(count)))

		return c.Next()
	}
}

// RenderLimit limits render submissions per hour
func (rl *RateLimiter) RenderLimit(maxPerHour int) fiber.Handler {
	return rl.Limit("render", maxPerHour, time.Hour)
}
