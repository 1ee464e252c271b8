package gateway

import (
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// ipLimiter hands out one token bucket per client IP. Entries are created
// lazily under a double-checked write lock.
type ipLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	perSec   rate.Limit
	burst    int
}

func newIPLimiter(perMinute, burst int) *ipLimiter {
	return &ipLimiter{
		limiters: make(map[string]*rate.Limiter),
		perSec:   rate.Limit(float64(perMinute) / 60.0),
		burst:    burst,
	}
}

func (l *ipLimiter) get(ip string) *rate.Limiter {
	l.mu.RLock()
	limiter, ok := l.limiters[ip]
	l.mu.RUnlock()
	if ok {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, ok = l.limiters[ip]; ok {
		return limiter
	}
	limiter = rate.NewLimiter(l.perSec, l.burst)
	l.limiters[ip] = limiter
	return limiter
}

// allow consumes one token for the request's client IP.
func (l *ipLimiter) allow(r *http.Request) bool {
	return l.get(clientIP(r)).Allow()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
