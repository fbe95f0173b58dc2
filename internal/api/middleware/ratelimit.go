package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type limiterEntry struct {
	limiter *rate.Limiter
	last    time.Time
}

type visitorLimiter struct {
	mu       sync.Mutex
	visitors map[string]*limiterEntry
	rps      rate.Limit
	burst    int
}

func (vl *visitorLimiter) allow(ip string) bool {
	vl.mu.Lock()
	defer vl.mu.Unlock()
	le, ok := vl.visitors[ip]
	if !ok {
		le = &limiterEntry{limiter: rate.NewLimiter(vl.rps, vl.burst)}
		vl.visitors[ip] = le
	}
	le.last = time.Now()
	return le.limiter.Allow()
}

func (vl *visitorLimiter) gc(idle time.Duration) {
	vl.mu.Lock()
	defer vl.mu.Unlock()
	for k, v := range vl.visitors {
		if time.Since(v.last) > idle {
			delete(vl.visitors, k)
		}
	}
}

func getIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimit applies an IP-based token bucket limiter.
func RateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	vl := &visitorLimiter{visitors: map[string]*limiterEntry{}, rps: rate.Limit(rps), burst: burst}
	go func() {
		for range time.Tick(5 * time.Minute) {
			vl.gc(10 * time.Minute)
		}
	}()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !vl.allow(getIP(r)) {
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
