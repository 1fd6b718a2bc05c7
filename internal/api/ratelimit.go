package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Per-IP token bucket rate limiter. Buckets live in-process by default;
// when a Redis client is supplied the bucket state is kept in Redis
// instead, so the limit holds across multiple replicas of this service.

const cleanupIdleDuration = 10 * time.Minute

type ipBucket struct {
	tokens   float64
	lastSeen time.Time
	mu       sync.Mutex
}

// RateLimiter enforces a per-IP requests-per-minute budget with burst
// capacity, backed either by in-process state or by Redis.
type RateLimiter struct {
	rate  float64 // tokens added per second
	burst float64 // max bucket capacity

	mu      sync.Mutex
	buckets map[string]*ipBucket

	redis *redis.Client
	log   *zap.Logger
}

// NewRateLimiter creates a limiter allowing ratePerMin requests per minute
// per IP with the given burst capacity. If redisClient is non-nil, bucket
// state is kept in Redis instead of in-process memory.
func NewRateLimiter(ratePerMin, burst int, redisClient *redis.Client, log *zap.Logger) *RateLimiter {
	rl := &RateLimiter{
		rate:    float64(ratePerMin) / 60.0,
		burst:   float64(burst),
		buckets: make(map[string]*ipBucket),
		redis:   redisClient,
		log:     log,
	}
	if redisClient == nil {
		go rl.cleanupLoop()
	}
	return rl
}

func (rl *RateLimiter) allow(ctx context.Context, ip string) (bool, time.Duration) {
	if rl.redis != nil {
		allowed, retryAfter, err := rl.allowRedis(ctx, ip)
		if err != nil {
			rl.log.Warn("redis rate limiter unavailable, failing open", zap.Error(err))
			return true, 0
		}
		return allowed, retryAfter
	}
	return rl.allowLocal(ip)
}

func (rl *RateLimiter) allowLocal(ip string) (bool, time.Duration) {
	rl.mu.Lock()
	bucket, ok := rl.buckets[ip]
	if !ok {
		bucket = &ipBucket{tokens: rl.burst}
		rl.buckets[ip] = bucket
	}
	rl.mu.Unlock()

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(bucket.lastSeen).Seconds()
	bucket.tokens += elapsed * rl.rate
	if bucket.tokens > rl.burst {
		bucket.tokens = rl.burst
	}
	bucket.lastSeen = now

	if bucket.tokens >= 1.0 {
		bucket.tokens--
		return true, 0
	}

	retryAfter := time.Duration((1.0-bucket.tokens)/rl.rate*1000) * time.Millisecond
	return false, retryAfter
}

// allowRedis implements the same token-bucket refill logic as allowLocal,
// but keeps the running token count in a Redis hash keyed by IP so the
// limit is shared across replicas.
func (rl *RateLimiter) allowRedis(ctx context.Context, ip string) (bool, time.Duration, error) {
	key := fmt.Sprintf("ratelimit:%s", ip)
	now := time.Now()

	vals, err := rl.redis.HMGet(ctx, key, "tokens", "last_seen").Result()
	if err != nil {
		return false, 0, err
	}

	tokens := rl.burst
	lastSeen := now
	if vals[0] != nil && vals[1] != nil {
		if t, ok := vals[0].(string); ok {
			fmt.Sscanf(t, "%f", &tokens)
		}
		if ls, ok := vals[1].(string); ok {
			var unixNano int64
			fmt.Sscanf(ls, "%d", &unixNano)
			lastSeen = time.Unix(0, unixNano)
		}
	}

	elapsed := now.Sub(lastSeen).Seconds()
	tokens += elapsed * rl.rate
	if tokens > rl.burst {
		tokens = rl.burst
	}

	allowed := tokens >= 1.0
	var retryAfter time.Duration
	if allowed {
		tokens--
	} else {
		retryAfter = time.Duration((1.0-tokens)/rl.rate*1000) * time.Millisecond
	}

	pipe := rl.redis.TxPipeline()
	pipe.HSet(ctx, key, "tokens", fmt.Sprintf("%f", tokens), "last_seen", now.UnixNano())
	pipe.Expire(ctx, key, cleanupIdleDuration)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, err
	}

	return allowed, retryAfter, nil
}

// Middleware returns a Gin handler that enforces the rate limit.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		allowed, retryAfter := rl.allow(c.Request.Context(), ip)
		if !allowed {
			c.Header("Retry-After", retryAfter.String())
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": retryAfter.String(),
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupIdleDuration)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-cleanupIdleDuration)
		rl.mu.Lock()
		for ip, b := range rl.buckets {
			b.mu.Lock()
			idle := b.lastSeen.Before(cutoff)
			b.mu.Unlock()
			if idle {
				delete(rl.buckets, ip)
			}
		}
		rl.mu.Unlock()
	}
}
