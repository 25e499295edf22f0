// Package ratelimit throttles credential endpoints with a fixed-window
// counter in Redis.
package ratelimit

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth/internal/config"
)

// hit increments the window counter, arms its expiry on the first hit and
// returns the count together with the remaining window in milliseconds.
var hit = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
return {n, ttl}
`)

// Limiter is safe for concurrent use. A nil *Limiter allows everything.
type Limiter struct {
	rdb    redis.Scripter
	limit  int
	window time.Duration
	prefix string
	logger *zap.SugaredLogger
}

// New returns nil when limiting is disabled or no client is available.
func New(rdb *redis.Client, cfg config.RateLimitConfig, logger *zap.SugaredLogger) *Limiter {
	if !cfg.Enabled || rdb == nil || cfg.Limit < 1 || cfg.Window <= 0 {
		return nil
	}
	return &Limiter{rdb: rdb, limit: cfg.Limit, window: cfg.Window, prefix: cfg.Prefix, logger: logger}
}

// Allow counts one hit against key. retryAfter is the time until the
// window resets when the hit is rejected.
func (l *Limiter) Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error) {
	if l == nil {
		return true, 0, nil
	}
	res, err := hit.Run(ctx, l.rdb, []string{l.prefix + ":" + key}, l.window.Milliseconds()).Int64Slice()
	if err != nil {
		return true, 0, fmt.Errorf("rate limit: %w", err)
	}
	if len(res) != 2 {
		return true, 0, fmt.Errorf("rate limit: unexpected reply %v", res)
	}
	if res[0] <= int64(l.limit) {
		return true, 0, nil
	}
	ttl := time.Duration(res[1]) * time.Millisecond
	if ttl < 0 {
		ttl = l.window
	}
	return false, ttl, nil
}

// Middleware limits next per route and client address. Redis errors let the
// request through.
func (l *Limiter) Middleware(route string, clientIP func(*http.Request) string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		if l == nil {
			return next
		}
		return func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if ip == "" {
				ip = "unknown"
			}
			ok, retry, err := l.Allow(r.Context(), route+":"+ip)
			if err != nil {
				l.logger.Warnw("rate limiter unavailable", "route", route, "err", err)
				next(w, r)
				return
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.limit))
			if !ok {
				secs := int((retry + time.Second - 1) / time.Second)
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "Too many requests"})
				l.logger.Infow("rate limited", "route", route, "ip", ip, "retry_after_s", secs)
				return
			}
			next(w, r)
		}
	}
}

// NewRedisClient connects and pings. It returns nil when Redis is
// unreachable so callers can run without limiting.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig, logger *zap.SugaredLogger) *redis.Client {
	opts := &redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
	if strings.HasPrefix(cfg.Addr, "rediss://") {
		parsed, err := redis.ParseURL(cfg.Addr)
		if err != nil {
			logger.Warnw("invalid redis url, rate limiting disabled", "err", err)
			return nil
		}
		opts = parsed
		if opts.TLSConfig == nil {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warnw("redis unreachable, rate limiting disabled", "addr", cfg.Addr, "err", err)
		_ = client.Close()
		return nil
	}
	return client
}
