package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RateLimiter is a per-client token bucket keyed by client IP.
type RateLimiter struct {
	clients    map[string]*ClientBucket
	mutex      sync.RWMutex
	cleanup    *time.Ticker
	done       chan struct{}
	once       sync.Once
	logger     *zap.Logger
	defaultRPS float64
	burst      int
	idle       time.Duration
}

type ClientBucket struct {
	tokens     float64
	lastUpdate time.Time
	mutex      sync.Mutex
}

func NewRateLimiter(defaultRPS float64, burst int, logger *zap.Logger) *RateLimiter {
	rl := &RateLimiter{
		clients:    make(map[string]*ClientBucket),
		done:       make(chan struct{}),
		defaultRPS: defaultRPS,
		burst:      max(1, burst),
		idle:       10 * time.Minute,
		logger:     logger,
	}

	rl.cleanup = time.NewTicker(5 * time.Minute)
	go rl.cleanupExpiredClients()

	return rl
}

func (rl *RateLimiter) RateLimit() gin.HandlerFunc {
	return rl.RateLimitWithConfig(rl.defaultRPS, rl.burst)
}

// RateLimitWithConfig limits a route group with its own rate. Buckets are
// still shared per client, so groups should not overlap.
func (rl *RateLimiter) RateLimitWithConfig(rps float64, burst int) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()

		if !rl.allowRequestWithConfig(clientIP, rps, burst) {
			rl.logger.Warn("Rate limit exceeded",
				zap.String("client_ip", clientIP),
				zap.String("path", c.Request.URL.Path),
				zap.Float64("rps", rps))

			retryAfter := 1
			if rps > 0 {
				retryAfter = int(math.Ceil(1 / rps))
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": retryAfter,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (rl *RateLimiter) allowRequestWithConfig(clientIP string, rps float64, burst int) bool {
	rl.mutex.Lock()
	bucket, exists := rl.clients[clientIP]
	if !exists {
		bucket = &ClientBucket{
			tokens:     float64(burst),
			lastUpdate: time.Now(),
		}
		rl.clients[clientIP] = bucket
	}
	rl.mutex.Unlock()

	return bucket.allowRequest(time.Now(), rps, burst)
}

func (cb *ClientBucket) allowRequest(now time.Time, rps float64, burst int) bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	elapsed := now.Sub(cb.lastUpdate)
	cb.tokens = math.Min(float64(burst), cb.tokens+elapsed.Seconds()*rps)
	cb.lastUpdate = now

	if cb.tokens >= 1 {
		cb.tokens--
		return true
	}

	return false
}

func (rl *RateLimiter) cleanupExpiredClients() {
	for {
		select {
		case <-rl.cleanup.C:
			rl.evictIdle(time.Now())
		case <-rl.done:
			return
		}
	}
}

func (rl *RateLimiter) evictIdle(now time.Time) {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	for ip, bucket := range rl.clients {
		bucket.mutex.Lock()
		if now.Sub(bucket.lastUpdate) > rl.idle {
			delete(rl.clients, ip)
		}
		bucket.mutex.Unlock()
	}
}

func (rl *RateLimiter) GetGlobalStats() map[string]interface{} {
	rl.mutex.RLock()
	defer rl.mutex.RUnlock()

	return map[string]interface{}{
		"active_clients": len(rl.clients),
		"default_rps":    rl.defaultRPS,
		"burst_capacity": rl.burst,
	}
}

func (rl *RateLimiter) Shutdown() {
	rl.once.Do(func() {
		rl.cleanup.Stop()
		close(rl.done)
	})
}
