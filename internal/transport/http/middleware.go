package http

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/snehjoshi/admitq/internal/metrics"
)

const (
	headerRequestID = "X-Request-Id"
	headerRequester = "X-Requester-Id"
	headerAPIKey    = "X-Api-Key"

	ctxRequestID = "request_id"
)

// ─── Request id ───────────────────────────────────────────────────────────────

// RequestID propagates a caller-supplied X-Request-Id or mints a UUID.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(ctxRequestID, id)
		c.Header(headerRequestID, id)
		c.Next()
	}
}

// ─── Logging ──────────────────────────────────────────────────────────────────

// AccessLog logs method, route, status, and duration for every request and
// feeds the HTTP counters in reg when it is non-nil.
func AccessLog(logger *slog.Logger, reg *metrics.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		dur := time.Since(start)

		if reg != nil {
			reg.HTTPReqs.Inc(metrics.HTTPKey(c.Request.Method, route, strconv.Itoa(status)))
			reg.HTTPDurMs.Add(metrics.HTTPDurKey(c.Request.Method, route), dur.Milliseconds())
			reg.HTTPDurCnt.Inc(metrics.HTTPDurKey(c.Request.Method, route))
		}
		logger.Info("http",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"route", route,
			"status", status,
			"duration_ms", dur.Milliseconds(),
			"request_id", c.GetString(ctxRequestID),
		)
	}
}

// ─── Auth ─────────────────────────────────────────────────────────────────────

// APIKey checks for a static API key in the X-Api-Key header when enabled.
// Comparison is constant-time.
func APIKey(apiKey string, enabled bool) gin.HandlerFunc {
	if !enabled || apiKey == "" {
		return func(c *gin.Context) { c.Next() }
	}
	keyBytes := []byte(apiKey)
	return func(c *gin.Context) {
		provided := []byte(c.GetHeader(headerAPIKey))
		if subtle.ConstantTimeCompare(provided, keyBytes) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// ─── Rate limiting ────────────────────────────────────────────────────────────

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RequesterRateLimit applies a token bucket per X-Requester-Id, falling back
// to the client IP for anonymous calls. rps <= 0 disables it.
//
// The limiter map is pruned opportunistically once it exceeds 5,000 entries.
func RequesterRateLimit(rps float64, burst int) gin.HandlerFunc {
	if rps <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	var (
		mu       sync.Mutex
		limiters = make(map[string]*limiterEntry)
	)

	get := func(key string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()

		now := time.Now()
		if e, ok := limiters[key]; ok {
			e.lastSeen = now
			return e.limiter
		}
		if len(limiters) >= 5000 {
			cutoff := now.Add(-10 * time.Minute)
			for k, v := range limiters {
				if v.lastSeen.Before(cutoff) {
					delete(limiters, k)
				}
			}
		}
		l := rate.NewLimiter(rate.Limit(rps), burst)
		limiters[key] = &limiterEntry{limiter: l, lastSeen: now}
		return l
	}

	return func(c *gin.Context) {
		key := c.GetHeader(headerRequester)
		if key == "" {
			key = "ip:" + c.ClientIP()
		}
		if !get(key).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// ─── Body size limit ─────────────────────────────────────────────────────────

// maxRequestBodyBytes bounds every inbound request body. The largest legal
// body is a capacity update.
const maxRequestBodyBytes = 64 << 10

// MaxBody wraps the request body in an http.MaxBytesReader.
func MaxBody() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBodyBytes)
		c.Next()
	}
}
