package upstream

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netmapper/fabric/internal/domain/model"
)

func testRegistry(recovery time.Duration) *BreakerRegistry {
	return &BreakerRegistry{
		logger:           slog.Default(),
		failureThreshold: defaultFailureThreshold,
		recoveryTimeout:  recovery,
		halfOpenMaxCalls: defaultHalfOpenMaxCalls,
		breakers:         make(map[string]*gobreaker.CircuitBreaker),
	}
}

func newTestPool(t *testing.T, recovery time.Duration, upstreams map[string]string) *Pool {
	t.Helper()
	p := NewPool(slog.Default(), testRegistry(recovery))
	for name, base := range upstreams {
		p.Register(name, base)
	}
	p.InitializeAll()
	t.Cleanup(p.CloseAll)
	return p
}

func TestRequestPassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/health/devices", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("page"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := newTestPool(t, defaultRecoveryTimeout, map[string]string{"health": srv.URL})

	opts := &RequestOptions{Params: map[string][]string{"page": {"1"}}}
	resp, err := p.Request(context.Background(), "health", http.MethodGet, "/api/health/devices", opts)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestApplicationErrorsDoNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	p := newTestPool(t, defaultRecoveryTimeout, map[string]string{"metrics": srv.URL})

	for i := 0; i < 10; i++ {
		resp, err := p.Request(context.Background(), "metrics", http.MethodGet, "/", nil)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	}
	assert.Equal(t, "closed", p.breakers.States()["metrics"])
}

func TestCircuitOpensAfterConnectFailures(t *testing.T) {
	// A server that is already closed yields connection-refused errors.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	base := srv.URL
	srv.Close()

	p := newTestPool(t, 200*time.Millisecond, map[string]string{"assistant": base})

	for i := 0; i < defaultFailureThreshold; i++ {
		_, err := p.Request(context.Background(), "assistant", http.MethodGet, "/", nil)
		require.ErrorIs(t, err, model.ErrUpstreamUnavailable)
	}
	assert.Equal(t, "open", p.breakers.States()["assistant"])

	// While open, calls are rejected immediately.
	start := time.Now()
	_, err := p.Request(context.Background(), "assistant", http.MethodGet, "/", nil)
	require.ErrorIs(t, err, model.ErrUpstreamUnavailable)
	assert.Less(t, time.Since(start), connectTimeout)
}

func TestHalfOpenProbeRecovers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := newTestPool(t, 100*time.Millisecond, map[string]string{"assistant": srv.URL})
	cb := p.breakers.Get("assistant")

	// Force the breaker open with synthetic transport failures.
	for i := 0; i < defaultFailureThreshold; i++ {
		_, _ = cb.Execute(func() (any, error) { return nil, model.ErrUpstreamUnavailable })
	}
	require.Equal(t, gobreaker.StateOpen, cb.State())

	// After the recovery timeout a single probe is admitted; its success
	// closes the circuit without skipping half-open.
	time.Sleep(150 * time.Millisecond)
	resp, err := p.Request(context.Background(), "assistant", http.MethodGet, "/", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	reg := testRegistry(100 * time.Millisecond)
	cb := reg.Get("identity")

	for i := 0; i < defaultFailureThreshold; i++ {
		_, _ = cb.Execute(func() (any, error) { return nil, model.ErrUpstreamUnavailable })
	}
	require.Equal(t, gobreaker.StateOpen, cb.State())

	time.Sleep(150 * time.Millisecond)
	_, _ = cb.Execute(func() (any, error) { return nil, model.ErrUpstreamUnavailable })
	assert.Equal(t, gobreaker.StateOpen, cb.State())
}

func TestRequestTimeoutMapsToUpstreamTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	p := newTestPool(t, defaultRecoveryTimeout, map[string]string{"notification": srv.URL})

	_, err := p.Request(context.Background(), "notification", http.MethodGet, "/", &RequestOptions{Timeout: 50 * time.Millisecond})
	require.ErrorIs(t, err, model.ErrUpstreamTimeout)
}

func TestUnregisteredUpstream(t *testing.T) {
	p := NewPool(slog.Default(), testRegistry(defaultRecoveryTimeout))
	_, err := p.Request(context.Background(), "ghost", http.MethodGet, "/", nil)
	require.ErrorIs(t, err, model.ErrUpstreamUnavailable)
}
