package gateway

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/netmapper/fabric/internal/httpx"
)

const (
	loginRatePerMinute = 10
	loginBurst         = 5
	limiterIdleEvict   = 10 * time.Minute
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipLimiter throttles credential endpoints per client address.
type ipLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
}

func newIPLimiter() *ipLimiter {
	l := &ipLimiter{entries: make(map[string]*limiterEntry)}
	go l.evictLoop()
	return l
}

func (l *ipLimiter) allow(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[host]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(loginRatePerMinute)/60, loginBurst)}
		l.entries[host] = e
	}
	e.lastSeen = time.Now()
	return e.limiter.Allow()
}

func (l *ipLimiter) evictLoop() {
	for range time.Tick(limiterIdleEvict) {
		cutoff := time.Now().Add(-limiterIdleEvict)
		l.mu.Lock()
		for host, e := range l.entries {
			if e.lastSeen.Before(cutoff) {
				delete(l.entries, host)
			}
		}
		l.mu.Unlock()
	}
}

func (l *ipLimiter) middleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.allow(r.RemoteAddr) {
				logger.Warn("credential endpoint throttled", "remote", r.RemoteAddr, "path", r.URL.Path)
				httpx.Fail(w, http.StatusTooManyRequests, "too many attempts, slow down")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// enforceNetworkLimit refuses network creation beyond the per-user cap;
// exempt roles and services pass through.
func (g *Gateway) enforceNetworkLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := principal(r)
		limit := g.current().NetworkLimitPerUser
		if limit <= 0 || p.IsService || g.limitExempt(p) {
			next.ServeHTTP(w, r)
			return
		}
		owned, err := g.st.Networks.CountByOwner(r.Context(), p.UserID)
		if err != nil {
			httpx.Error(w, g.logger, err)
			return
		}
		if owned >= limit {
			httpx.Fail(w, http.StatusForbidden, "network limit reached")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) limitExempt(p *Principal) bool {
	for _, role := range g.current().NetworkLimitExemptRoles {
		if string(p.Role) == role {
			return true
		}
	}
	return false
}
