// Package upstream owns the downstream HTTP surface of the gateway: one
// keep-alive client per declared service, each guarded by a circuit breaker.
package upstream

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

const (
	defaultFailureThreshold = 5
	defaultRecoveryTimeout  = 30 * time.Second
	defaultHalfOpenMaxCalls = 1
)

// BreakerRegistry hands out one circuit breaker per upstream name.
// CLOSED: requests pass, failures count. At failureThreshold total failures
// the breaker OPENs; after recoveryTimeout it admits halfOpenMaxCalls probes
// (HALF_OPEN); one success closes it, any probe failure reopens it.
type BreakerRegistry struct {
	logger *slog.Logger

	failureThreshold uint32
	recoveryTimeout  time.Duration
	halfOpenMaxCalls uint32

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry builds a registry with the fabric defaults
// (threshold 5, recovery 30s, one half-open probe).
func NewBreakerRegistry(logger *slog.Logger) *BreakerRegistry {
	return &BreakerRegistry{
		logger:           logger,
		failureThreshold: defaultFailureThreshold,
		recoveryTimeout:  defaultRecoveryTimeout,
		halfOpenMaxCalls: defaultHalfOpenMaxCalls,
		breakers:         make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the breaker for an upstream, creating it on first use.
func (r *BreakerRegistry) Get(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: r.halfOpenMaxCalls,
		Timeout:     r.recoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.TotalFailures >= r.failureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Info("circuit state transition",
				"upstream", name,
				"from", stateName(from),
				"to", stateName(to),
			)
		},
	})
	r.breakers[name] = cb
	return cb
}

// States snapshots the current state of every known breaker.
func (r *BreakerRegistry) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]string, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = stateName(cb.State())
	}
	return out
}

func stateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}
