package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {count, redis.call("PTTL", KEYS[1])}
`)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// FixedWindowLimiter counts requests per key in fixed windows shared through Redis.
type FixedWindowLimiter struct {
	limit  int
	window time.Duration
	client *redis.Client
	prefix string
}

// NewRedisFixedWindowLimiter creates a limiter with its own Redis connection.
func NewRedisFixedWindowLimiter(addr, password, prefix string, limit int, window time.Duration) (*FixedWindowLimiter, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("rate limiter redis addr is required")
	}
	return NewFixedWindowLimiter(redis.NewClient(&redis.Options{Addr: addr, Password: password}), prefix, limit, window)
}

// NewFixedWindowLimiter creates a limiter on an existing client.
func NewFixedWindowLimiter(client *redis.Client, prefix string, limit int, window time.Duration) (*FixedWindowLimiter, error) {
	if limit <= 0 || window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	if client == nil {
		return nil, errors.New("rate limiter redis client is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "logogen:ratelimit"
	}
	return &FixedWindowLimiter{limit: limit, window: window, client: client, prefix: prefix}, nil
}

// Allow consumes one unit of quota for key. Redis failures fail closed.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) Decision {
	if l == nil {
		return Decision{}
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}
	windowMs := l.window.Milliseconds()
	slot := time.Now().UTC().UnixMilli() / windowMs
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, slot)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	res, err := fixedWindowScript.Run(ctx, l.client, []string{redisKey}, windowMs).Int64Slice()
	if err != nil || len(res) != 2 {
		return Decision{RetryAfter: l.window}
	}
	count, ttl := res[0], time.Duration(res[1])*time.Millisecond
	if ttl <= 0 {
		ttl = l.window
	}
	if count > int64(l.limit) {
		return Decision{RetryAfter: ttl}
	}
	return Decision{Allowed: true, Remaining: l.limit - int(count)}
}

// Close releases the Redis connection.
func (l *FixedWindowLimiter) Close() error {
	return l.client.Close()
}

// Middleware rejects requests over quota with 429 and a Retry-After header.
// keyFn picks the bucket, typically the client IP. reject writes the body.
func (l *FixedWindowLimiter) Middleware(keyFn func(*http.Request) string, reject func(http.ResponseWriter, *http.Request)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := l.Allow(r.Context(), r.URL.Path+"|"+keyFn(r))
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				secs := int((d.RetryAfter + time.Second - 1) / time.Second)
				w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
				reject(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
