package middleware

import (
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// KeyFunc selects the identity used to key a rate-limit bucket.
type KeyFunc func(*gin.Context) string

// KeyByActorOrIP prefers the X-Actor-ID identity set by Actor and falls back
// to the client IP for anonymous callers. Keys are namespaced ("actor:",
// "ip:") so the two never collide.
func KeyByActorOrIP() KeyFunc {
	return func(c *gin.Context) string {
		if id := ActorFrom(c); id != anonymousActor {
			return "actor:" + id
		}
		return "ip:" + c.ClientIP()
	}
}

// defaultMaxKeys bounds the number of tracked buckets; the least recently
// seen identity is evicted first.
const defaultMaxKeys = 10000

// RateLimiter is a per-key token bucket in front of the HTTP API. It guards
// the server; admission of individual events is the sync layer's limiter.
type RateLimiter struct {
	rps   rate.Limit
	burst int
	keyFn KeyFunc
	// lru.Cache is internally locked
	buckets *lru.Cache[string, *rate.Limiter]
}

// NewRateLimiter builds a limiter refilling rps tokens per second up to
// burst. burst <= 0 is coerced to 1 and maxKeys <= 0 to defaultMaxKeys.
func NewRateLimiter(rps float64, burst, maxKeys int, keyFn KeyFunc) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	if maxKeys <= 0 {
		maxKeys = defaultMaxKeys
	}
	if keyFn == nil {
		keyFn = KeyByActorOrIP()
	}
	cache, _ := lru.New[string, *rate.Limiter](maxKeys) // only errors on size <= 0
	return &RateLimiter{rps: rate.Limit(rps), burst: burst, keyFn: keyFn, buckets: cache}
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	if lim, ok := rl.buckets.Get(key); ok {
		return lim
	}
	lim := rate.NewLimiter(rl.rps, rl.burst)
	if prev, ok, _ := rl.buckets.PeekOrAdd(key, lim); ok {
		return prev
	}
	return lim
}

// Tracked returns the number of live buckets.
func (rl *RateLimiter) Tracked() int { return rl.buckets.Len() }

// IsRateBypass reports whether IdempotencyValidator marked this request as a
// replay, which is served without consuming tokens.
func IsRateBypass(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyRateBypass)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Handler enforces the limits. A rejected request gets 429 with the error
// envelope and a Retry-After in whole seconds until the next token.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) {
			c.Next()
			return
		}
		lim := rl.limiter(rl.keyFn(c))
		res := lim.Reserve()
		if res.OK() && res.Delay() == 0 {
			c.Next()
			return
		}
		retry := 1
		if res.OK() {
			retry = int(math.Ceil(res.Delay().Seconds()))
			res.Cancel()
		}
		c.Header("Retry-After", strconv.Itoa(retry))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get(requestIDHeader),
			"code":       "too_many_requests",
			"message":    "rate limit exceeded",
		})
	}
}
