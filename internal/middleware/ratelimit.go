package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"partnerhub/internal/config"
	appmetrics "partnerhub/internal/metrics"
	"partnerhub/pkg/protocol"
)

// tokenBucket is a token bucket refilled continuously at ratePerSec.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	ratePerSec float64
	burst      float64
}

func newBucket(rpm, burst int) *tokenBucket {
	if rpm <= 0 {
		rpm = 60
	}
	if burst <= 0 {
		burst = rpm
	}
	return &tokenBucket{
		tokens:     float64(burst),
		lastRefill: time.Now(),
		ratePerSec: float64(rpm) / 60.0,
		burst:      float64(burst),
	}
}

func (b *tokenBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens += elapsed * b.ratePerSec
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
		b.lastRefill = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// limiter holds one bucket per caller key for a single rule.
type limiter struct {
	prefix string
	rpm    int
	burst  int

	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

func newLimiter(prefix string, rpm, burst int) *limiter {
	return &limiter{prefix: prefix, rpm: rpm, burst: burst, buckets: make(map[string]*tokenBucket)}
}

func (l *limiter) bucket(key string) *tokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = newBucket(l.rpm, l.burst)
		l.buckets[key] = b
	}
	return b
}

// RateLimitMiddleware limits requests per caller. Authenticated callers are
// keyed by identity, anonymous ones by client IP. The first endpoint rule
// whose prefix matches the path wins; otherwise the global rule applies.
func RateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	rl := cfg.Security.RateLimiting
	if !rl.Enabled {
		return func(c *gin.Context) { c.Next() }
	}

	var endpoints []*limiter
	for _, e := range rl.Endpoints {
		if e.Prefix == "" || e.RequestsPerMinute <= 0 {
			continue
		}
		endpoints = append(endpoints, newLimiter(e.Prefix, e.RequestsPerMinute, e.Burst))
	}
	var global *limiter
	if rl.RequestsPerMinute > 0 {
		global = newLimiter("global", rl.RequestsPerMinute, rl.Burst)
	}
	whitelist := make(map[string]struct{}, len(rl.WhitelistIPs))
	for _, ip := range rl.WhitelistIPs {
		whitelist[ip] = struct{}{}
	}

	return func(c *gin.Context) {
		if _, ok := whitelist[c.ClientIP()]; ok {
			c.Next()
			return
		}
		key := callerKey(c)

		l := global
		path := c.Request.URL.Path
		for _, e := range endpoints {
			if strings.HasPrefix(path, e.prefix) {
				l = e
				break
			}
		}
		if l != nil && !l.bucket(key).allow() {
			appmetrics.IncRateLimitDrop(l.prefix)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, protocol.ErrorResponse{
				Error:   "Too Many Requests",
				Message: "rate limit exceeded",
				Code:    http.StatusTooManyRequests,
			})
			return
		}
		c.Next()
	}
}

func callerKey(c *gin.Context) string {
	if identity, ok := IdentityFromContext(c); ok {
		return "id:" + identity.Key()
	}
	if ip := c.ClientIP(); ip != "" {
		return "ip:" + ip
	}
	return "unknown"
}
