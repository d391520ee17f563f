package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	defaultLicenseWindow = time.Minute
	redisLimitTimeout    = 2 * time.Second
)

// RateLimitConfig bounds license requests per client address. A zero Limit
// disables limiting. When Redis is set the counters are shared by every
// replica; otherwise each process keeps its own token buckets.
type RateLimitConfig struct {
	Limit     int
	Window    time.Duration
	Redis     redis.UniversalClient
	KeyPrefix string
}

type tokenStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

type licenseLimiter struct {
	limit  int
	window time.Duration
	prefix string
	store  tokenStore

	mu      sync.Mutex
	buckets map[string]*ipLimiter
}

type ipLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

func newLicenseLimiter(cfg RateLimitConfig) *licenseLimiter {
	if cfg.Limit <= 0 {
		return nil
	}
	rl := &licenseLimiter{
		limit:   cfg.Limit,
		window:  cfg.Window,
		prefix:  cfg.KeyPrefix,
		buckets: make(map[string]*ipLimiter),
	}
	if rl.window <= 0 {
		rl.window = defaultLicenseWindow
	}
	if rl.prefix == "" {
		rl.prefix = "securevod:license:"
	}
	if cfg.Redis != nil {
		rl.store = &redisStore{client: cfg.Redis}
	}
	return rl
}

// Allow reports whether key may make another request and, when it may not,
// how long it should wait.
func (r *licenseLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if r.store != nil {
		return r.store.Allow(ctx, r.prefix+key, r.limit, r.window)
	}

	r.mu.Lock()
	limiter, exists := r.buckets[key]
	if !exists {
		rate := float64(r.limit) / r.window.Seconds()
		limiter = &ipLimiter{bucket: newTokenBucket(rate, r.limit)}
		r.buckets[key] = limiter
	}
	limiter.lastSeen = time.Now()
	r.cleanupLocked()
	r.mu.Unlock()

	if limiter.bucket.Allow() {
		return true, 0, nil
	}
	return false, time.Second, nil
}

func (r *licenseLimiter) cleanupLocked() {
	cutoff := time.Now().Add(-2 * r.window)
	for key, limiter := range r.buckets {
		if limiter.lastSeen.Before(cutoff) {
			delete(r.buckets, key)
		}
	}
}

func (h *Handler) rateLimitLicenses(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter, err := h.limiter.Allow(r.Context(), clientIP(r.RemoteAddr))
		if err != nil {
			h.logger.Error("rate limiter failure", "error", err)
			writeError(w, http.StatusServiceUnavailable, errors.New("rate limit failure"))
			return
		}
		if !allowed {
			h.metrics.LicenseThrottled()
			if retryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Round(time.Second)/time.Second)))
			}
			writeError(w, http.StatusTooManyRequests, errors.New("too many license requests"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: time.Now(),
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	tb.tokens += now.Sub(tb.lastCheck).Seconds() * tb.rate
	tb.lastCheck = now
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}

// windowScript counts a hit and arms the window expiry in one step. Any key
// found without an expiry gets one, so a counter can never outlive its window.
var windowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// redisStore is a fixed-window counter shared by every replica.
type redisStore struct {
	client redis.UniversalClient
}

func (s *redisStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, redisLimitTimeout)
	defer cancel()

	if window < time.Millisecond {
		window = time.Millisecond
	}
	vals, err := windowScript.Run(ctx, s.client, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("count %s: %w", key, err)
	}
	if len(vals) != 2 {
		return false, 0, fmt.Errorf("count %s: unexpected reply %v", key, vals)
	}
	if vals[0] <= int64(limit) {
		return true, 0, nil
	}
	return false, time.Duration(vals[1]) * time.Millisecond, nil
}
