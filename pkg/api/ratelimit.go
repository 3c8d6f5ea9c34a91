package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// ipLimiter keeps one token bucket per client IP. Buckets idle for longer
// than a window are dropped on a later call.
type ipLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	idle    time.Duration
	calls   int
	now     func() time.Time
	message string
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// newIPLimiter allows n requests per window and IP.
func newIPLimiter(n int, window time.Duration, message string) *ipLimiter {
	return &ipLimiter{
		buckets: make(map[string]*bucket),
		limit:   rate.Every(window / time.Duration(n)),
		burst:   n,
		idle:    window,
		now:     time.Now,
		message: message,
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.calls++
	if l.calls%256 == 0 {
		for k, b := range l.buckets {
			if now.Sub(b.seen) > l.idle {
				delete(l.buckets, k)
			}
		}
	}

	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[ip] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

func (l *ipLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"message": l.message})
			return
		}
		c.Next()
	}
}
