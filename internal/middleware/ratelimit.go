package middleware

import (
	"fmt"
	"time"

	"github.com/epubpress/courier/pkg/response"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type RateLimiter struct {
	redis redis.UniversalClient
	log   *zap.Logger
}

func NewRateLimiter(redisClient redis.UniversalClient, log *zap.Logger) *RateLimiter {
	return &RateLimiter{redis: redisClient, log: log.Named("ratelimit")}
}

// Limit creates a fixed-window rate limiting middleware keyed by user
func (rl *RateLimiter) Limit(keyPrefix string, maxRequests int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := GetUserID(c)
		if userID == "" {
			return c.Next() // auth middleware rejects anonymous requests
		}

		key := fmt.Sprintf("ratelimit:%s:%s", keyPrefix, userID)
		ctx := c.UserContext()

		count, err := rl.redis.Incr(ctx, key).Result()
		if err != nil {
			// fail open
			rl.log.Warn("rate limit counter unavailable", zap.Error(err))
			return c.Next()
		}

		if count == 1 {
			rl.redis.Expire(ctx, key, window)
		}

		if count > int64(maxRequests) {
			ttl, _ := rl.redis.TTL(ctx, key).Result()
			c.Set("Retry-After", fmt.Sprintf("%d", int(ttl.Seconds())))
			return response.RateLimited(c)
		}

		c.Set("X-RateLimit-Limit", fmt.Sprintf("%d", maxRequests))
		c.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", maxRequests-int(count)))

		return c.Next()
	}
}

// PublishLimit limits publish submissions per user per hour
func (rl *RateLimiter) PublishLimit(maxPerHour int) fiber.Handler {
	return rl.Limit("publish", maxPerHour, time.Hour)
}
