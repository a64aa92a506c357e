// ratelimit.go provides Gin middleware that enforces per-client rate limits,
// returning 429 responses when a client exceeds its budget. Limits are kept in
// Redis when it is configured so every replica shares one budget per client;
// otherwise an in-process token bucket is used.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"

	"github.com/project-storage/project-storage/internal/config"
)

// RateLimitConfig holds configuration for rate limiting
type RateLimitConfig struct {
	// Name prefixes the keys of this limiter ("api", "upload")
	Name string
	// RequestsPerMinute is the maximum number of requests allowed per minute
	RequestsPerMinute int
	// BurstSize is the maximum burst of requests allowed
	BurstSize int
	// CleanupInterval is how often to clean up expired entries
	CleanupInterval time.Duration
}

// APIRateLimitConfig returns the general limit for all API routes.
func APIRateLimitConfig(cfg *config.RateLimitingConfig) RateLimitConfig {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 600
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 50
	}
	return RateLimitConfig{Name: "api", RequestsPerMinute: rpm, BurstSize: burst, CleanupInterval: 5 * time.Minute}
}

// UploadRateLimitConfig returns the stricter limit for upload endpoints.
func UploadRateLimitConfig(cfg *config.RateLimitingConfig) RateLimitConfig {
	rpm := cfg.UploadsPerMinute
	if rpm <= 0 {
		rpm = 120
	}
	return RateLimitConfig{Name: "upload", RequestsPerMinute: rpm, BurstSize: max(1, rpm/10), CleanupInterval: 5 * time.Minute}
}

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether a client may make another request.
type Limiter interface {
	Decide(ctx context.Context, key string) Decision
}

// rateLimitEntry tracks request counts for a single client
type rateLimitEntry struct {
	tokens     float64
	lastUpdate time.Time
}

// RateLimiter implements an in-memory token bucket rate limiter
type RateLimiter struct {
	config  RateLimitConfig
	entries map[string]*rateLimitEntry
	mu      sync.RWMutex
	stopCh  chan struct{}
}

// NewRateLimiter creates a new rate limiter with the given config
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	rl := &RateLimiter{
		config:  config,
		entries: make(map[string]*rateLimitEntry),
		stopCh:  make(chan struct{}),
	}

	go rl.cleanup()

	return rl
}

// cleanup periodically removes entries idle for more than ten minutes
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for key, entry := range rl.entries {
				if now.Sub(entry.lastUpdate) > 10*time.Minute {
					delete(rl.entries, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}

// Stop stops the cleanup goroutine
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// Allow checks if a request from the given key should be allowed
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	entry, exists := rl.entries[key]

	if !exists {
		rl.entries[key] = &rateLimitEntry{
			tokens:     float64(rl.config.BurstSize) - 1,
			lastUpdate: now,
		}
		return true
	}

	entry.tokens = rl.refill(entry, now)
	entry.lastUpdate = now

	if entry.tokens >= 1 {
		entry.tokens--
		return true
	}

	return false
}

// RemainingTokens returns how many tokens are left for a key
func (rl *RateLimiter) RemainingTokens(key string) int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	entry, exists := rl.entries[key]
	if !exists {
		return rl.config.BurstSize
	}
	return int(rl.refill(entry, time.Now()))
}

func (rl *RateLimiter) refill(entry *rateLimitEntry, now time.Time) float64 {
	tokensPerSecond := float64(rl.config.RequestsPerMinute) / 60.0
	tokensToAdd := now.Sub(entry.lastUpdate).Seconds() * tokensPerSecond
	return min(float64(rl.config.BurstSize), entry.tokens+tokensToAdd)
}

// Decide implements Limiter
func (rl *RateLimiter) Decide(_ context.Context, key string) Decision {
	key = rl.config.Name + ":" + key
	d := Decision{Allowed: rl.Allow(key), Limit: rl.config.RequestsPerMinute}
	d.Remaining = rl.RemainingTokens(key)
	if !d.Allowed {
		d.RetryAfter = time.Minute
	}
	return d
}

// RedisRateLimiter keeps a GCRA budget per client in Redis. When Redis is
// unreachable it falls back to the in-memory limiter.
type RedisRateLimiter struct {
	limiter  *redis_rate.Limiter
	limit    redis_rate.Limit
	name     string
	fallback *RateLimiter
}

// NewRedisRateLimiter creates a Redis-backed limiter. Stop the returned
// limiter to release its fallback.
func NewRedisRateLimiter(client *redis.Client, config RateLimitConfig) *RedisRateLimiter {
	return &RedisRateLimiter{
		limiter: redis_rate.NewLimiter(client),
		limit: redis_rate.Limit{
			Rate:   config.RequestsPerMinute,
			Burst:  config.BurstSize,
			Period: time.Minute,
		},
		name:     config.Name,
		fallback: NewRateLimiter(config),
	}
}

// Decide implements Limiter
func (rl *RedisRateLimiter) Decide(ctx context.Context, key string) Decision {
	res, err := rl.limiter.Allow(ctx, rl.name+":"+key, rl.limit)
	if err != nil {
		slog.Warn("redis rate limiter unavailable, using in-memory limits", "limiter", rl.name, "error", err)
		return rl.fallback.Decide(ctx, key)
	}
	return Decision{
		Allowed:    res.Allowed > 0,
		Limit:      rl.limit.Rate,
		Remaining:  res.Remaining,
		RetryAfter: res.RetryAfter,
	}
}

// Stop releases the fallback limiter
func (rl *RedisRateLimiter) Stop() {
	rl.fallback.Stop()
}

// NewLimiter returns a Redis-backed limiter when client is set and an
// in-memory one otherwise, together with its stop function.
func NewLimiter(client *redis.Client, config RateLimitConfig) (Limiter, func()) {
	if client != nil {
		rl := NewRedisRateLimiter(client, config)
		return rl, rl.Stop
	}
	rl := NewRateLimiter(config)
	return rl, rl.Stop
}

// RateLimitMiddleware creates a Gin middleware that rate limits requests
func RateLimitMiddleware(limiter Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		d := limiter.Decide(c.Request.Context(), getRateLimitKey(c))

		c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(max(0, d.Remaining)))

		if !d.Allowed {
			retry := int(d.RetryAfter.Round(time.Second).Seconds())
			if retry < 1 {
				retry = 1
			}
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": retry,
			})
			return
		}

		c.Next()
	}
}

// getRateLimitKey keys clients by address. Authentication happens upstream
// of this service, which only sees the proxy-forwarded client IP.
func getRateLimitKey(c *gin.Context) string {
	ip := c.ClientIP()
	if ip == "" {
		ip = c.Request.RemoteAddr
	}
	return "ip:" + ip
}
