package server

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimit allows Attempts requests per client address within Window.
// A zero Attempts disables it.
type RateLimit struct {
	Attempts int
	Window   time.Duration
}

func (rl RateLimit) enabled() bool { return rl.Attempts > 0 && rl.Window > 0 }

// clientLimiter keeps one token bucket per client address. A bucket idle
// for a full window has refilled, so it is forgotten.
type clientLimiter struct {
	rl    RateLimit
	every rate.Limit
	now   func() time.Time

	mu        sync.Mutex
	clients   map[string]*clientBucket
	lastPrune time.Time
}

type clientBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func newClientLimiter(rl RateLimit) *clientLimiter {
	return &clientLimiter{
		rl:      rl,
		every:   rate.Every(rl.Window / time.Duration(rl.Attempts)),
		now:     time.Now,
		clients: make(map[string]*clientBucket),
	}
}

// allow takes one token for key and, when none is left, reports how long
// until the next one.
func (l *clientLimiter) allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.lastPrune) > l.rl.Window {
		for k, b := range l.clients {
			if now.Sub(b.seen) > l.rl.Window {
				delete(l.clients, k)
			}
		}
		l.lastPrune = now
	}
	b, ok := l.clients[key]
	if !ok {
		b = &clientBucket{lim: rate.NewLimiter(l.every, l.rl.Attempts)}
		l.clients[key] = b
	}
	b.seen = now
	r := b.lim.ReserveN(now, 1)
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

func (l *clientLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := l.allow(c.ClientIP())
		if ok {
			c.Next()
			return
		}
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		respondError(c, http.StatusTooManyRequests, "rate_limited", "Too many authentication attempts, please try again later")
		c.Abort()
	}
}
