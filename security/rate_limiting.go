package security

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pocketbase/pocketbase/core"
	"github.com/redis/go-redis/v9"
)

type RateLimiter struct {
	redis  redis.UniversalClient
	limit  int64
	window time.Duration
}

func NewRateLimiter(redisClient redis.UniversalClient, perMinute int) *RateLimiter {
	if perMinute < 1 {
		perMinute = 30
	}
	return &RateLimiter{redis: redisClient, limit: int64(perMinute), window: time.Minute}
}

// QueueRateLimit limits requests per authenticated user, or per client IP
// for anonymous callers.
func (r *RateLimiter) QueueRateLimit(e *core.RequestEvent) error {
	key := "ratelimit:" + identifier(e)

	allowed, err := r.Allow(e.Request, key)
	if err != nil {
		// a broken limiter must not take admission down with it
		slog.Warn("Rate limiter unavailable", "key", key, "error", err)
		return e.Next()
	}
	if !allowed {
		return e.JSON(http.StatusTooManyRequests, map[string]string{
			"error": "Rate limit exceeded. Please try again later.",
			"code":  "rate_limited",
		})
	}
	return e.Next()
}

// AntiBotMiddleware rejects well-known crawler user agents.
func (r *RateLimiter) AntiBotMiddleware(e *core.RequestEvent) error {
	if isSuspiciousUserAgent(e.Request.UserAgent()) {
		return e.JSON(http.StatusForbidden, map[string]string{
			"error": "Access denied",
			"code":  "forbidden",
		})
	}
	return e.Next()
}

// Allow counts one request for key in the current window.
func (r *RateLimiter) Allow(req *http.Request, key string) (bool, error) {
	ctx := req.Context()

	count, err := r.redis.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("rate limit incr: %w", err)
	}
	if count == 1 {
		if err := r.redis.Expire(ctx, key, r.window).Err(); err != nil {
			return false, fmt.Errorf("rate limit expire: %w", err)
		}
	}
	return count <= r.limit, nil
}

func identifier(e *core.RequestEvent) string {
	if e.Auth != nil {
		return "user:" + e.Auth.Id
	}
	return "ip:" + e.RealIP()
}

func isSuspiciousUserAgent(ua string) bool {
	ua = strings.ToLower(ua)
	for _, pattern := range []string{"bot", "crawler", "spider", "scraper"} {
		if strings.Contains(ua, pattern) {
			return true
		}
	}
	return false
}
