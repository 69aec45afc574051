package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/reseau-solidaire/backoffice-api/internal/config"
)

// tokenBucketScript refills whole intervals, then takes one token.
// ARGV: now_ms, capacity, refill_tokens, interval_ms, ttl_ms.
// Returns {allowed, remaining, retry_after_ms}.
var tokenBucketScript = redis.NewScript(`
local now, cap, refill, step, ttl =
  tonumber(ARGV[1]), tonumber(ARGV[2]), tonumber(ARGV[3]), tonumber(ARGV[4]), tonumber(ARGV[5])
local b = redis.call('HMGET', KEYS[1], 't', 'ts')
local tokens = tonumber(b[1]) or cap
local stamp = tonumber(b[2]) or now

local n = math.floor(math.max(0, now - stamp) / step)
if n > 0 then
  tokens = math.min(cap, tokens + n * refill)
  stamp = stamp + n * step
end

local ok, wait = 0, 0
if tokens >= 1 then
  ok = 1
  tokens = tokens - 1
else
  wait = math.max(0, step - (now - stamp))
end

redis.call('HSET', KEYS[1], 't', tokens, 'ts', stamp)
redis.call('PEXPIRE', KEYS[1], ttl)
return {ok, tokens, wait}
`)

// NewTokenBucket throttles requests with a Redis token bucket. Redis errors
// fail open. A nil client or a disabled config yields a pass-through.
func NewTokenBucket(cfg config.RateLimitConfig, rdb *redis.Client, log *zap.Logger) echo.MiddlewareFunc {
	if !cfg.Enabled || rdb == nil {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	if log == nil {
		log = zap.NewNop()
	}
	step := cfg.RefillInterval.Milliseconds()
	if step <= 0 {
		step = 1000
	}
	ttl := cfg.TTL.Milliseconds()
	if ttl < 5*step {
		ttl = 5 * step
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := bucketKey(cfg, c)
			res, err := tokenBucketScript.Run(c.Request().Context(), rdb, []string{key},
				time.Now().UnixMilli(), cfg.Capacity, cfg.RefillTokens, step, ttl,
			).Int64Slice()
			if err != nil || len(res) != 3 {
				log.Warn("rate limit check skipped", zap.String("key", key), zap.Error(err))
				return next(c)
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(cfg.Capacity))
			h.Set("X-RateLimit-Remaining", strconv.FormatInt(res[1], 10))
			if res[0] == 1 {
				return next(c)
			}

			secs := int((res[2] + 999) / 1000)
			h.Set("Retry-After", strconv.Itoa(secs))
			if cfg.Debug {
				log.Info("rate limited", zap.String("key", key), zap.Int64("retry_ms", res[2]))
			}
			e := NewAPIError(http.StatusTooManyRequests, CodeTooManyRequests, "rate limit exceeded")
			e.Extra = map[string]any{"retry_after": secs}
			return e
		}
	}
}

// bucketKey scopes a bucket to the client IP, and to the route as well unless
// the strategy is config.RateKeyIP. The guarded routes are anonymous, so there
// is no per-user bucket.
func bucketKey(cfg config.RateLimitConfig, c echo.Context) string {
	ip := c.RealIP()
	if ip == "" {
		ip = "unknown"
	}
	key := cfg.Prefix + ":ip:" + ip
	if cfg.KeyStrategy == config.RateKeyIP {
		return key
	}
	return key + ":route:" + c.Request().Method + " " + c.Path()
}
