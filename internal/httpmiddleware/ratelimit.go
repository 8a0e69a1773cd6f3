package httpmiddleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"campusattend/internal/apperrors"
	"campusattend/internal/kvstore"
)

// FixedWindow allows Max requests per client address and route within each
// Window. Counters live in a kvstore so several API replicas can share them.
type FixedWindow struct {
	Store  kvstore.Store
	Window time.Duration
	Max    int64
	// Prefix separates counters of limiters sharing one store.
	Prefix string
	Log    *zap.Logger
}

// Middleware returns the gin handler. A store failure lets the request through.
func (l FixedWindow) Middleware() gin.HandlerFunc {
	log := l.Log
	if log == nil {
		log = zap.NewNop()
	}
	return func(c *gin.Context) {
		if l.Max <= 0 {
			c.Next()
			return
		}
		ip := c.ClientIP()
		if ip == "" {
			ip = "unknown"
		}
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		key := "ratelimit:" + l.Prefix + ":" + ip + ":" + route

		n, remaining, err := l.Store.Incr(c.Request.Context(), key, l.Window)
		if err != nil {
			log.Warn("rate limit store unavailable", zap.String("key", key), zap.Error(err))
			c.Next()
			return
		}

		left := l.Max - n
		if left < 0 {
			left = 0
		}
		c.Header("X-RateLimit-Limit", strconv.FormatInt(l.Max, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(left, 10))
		if n > l.Max {
			c.Header("Retry-After", strconv.Itoa(int((remaining+time.Second-1)/time.Second)))
			e := apperrors.ErrRateLimited
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": gin.H{"code": e.Code, "message": e.Message}})
			return
		}
		c.Next()
	}
}
