package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/netmapper/fabric/internal/domain/model"
)

const (
	connectTimeout   = 5 * time.Second
	readTimeout      = 30 * time.Second
	writeTimeout     = 10 * time.Second
	keepAliveTimeout = 30 * time.Second
	maxKeepAlive     = 20
	maxTotalConns    = 100
)

// warmUpPaths are probed in order during warm-up; the first non-5xx answer
// wins.
var warmUpPaths = []string{"/health", "/healthz", "/api/health", "/"}

// RequestOptions tunes a single pool request.
type RequestOptions struct {
	Params  url.Values
	Body    []byte
	Header  http.Header
	Timeout time.Duration
}

// Pool is a registry of keep-alive HTTP clients to each downstream service,
// warmed on startup and protected by per-upstream circuit breakers.
type Pool struct {
	logger   *slog.Logger
	breakers *BreakerRegistry

	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	baseURL string
	client  *http.Client
}

// NewPool builds an empty pool.
func NewPool(logger *slog.Logger, breakers *BreakerRegistry) *Pool {
	return &Pool{
		logger:   logger,
		breakers: breakers,
		entries:  make(map[string]*entry),
	}
}

// Register declares an upstream by name and base URL. The client itself is
// constructed by InitializeAll.
func (p *Pool) Register(name, baseURL string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[name] = &entry{baseURL: strings.TrimRight(baseURL, "/")}
}

// InitializeAll constructs the keep-alive clients for every registered
// upstream.
func (p *Pool) InitializeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for name, e := range p.entries {
		transport := &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   connectTimeout,
				KeepAlive: keepAliveTimeout,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          maxTotalConns,
			MaxIdleConnsPerHost:   maxKeepAlive,
			MaxConnsPerHost:       maxTotalConns,
			IdleConnTimeout:       keepAliveTimeout,
			TLSHandshakeTimeout:   writeTimeout,
			ResponseHeaderTimeout: readTimeout,
		}
		e.client = &http.Client{Transport: transport}
		p.logger.Debug("upstream client initialized", "upstream", name, "base_url", e.baseURL)
	}
}

// WarmUpAll probes every upstream to open connections and prime keep-alive
// slots. Failures are logged, never fatal.
func (p *Pool) WarmUpAll(ctx context.Context) {
	p.mu.RLock()
	names := make([]string, 0, len(p.entries))
	for name := range p.entries {
		names = append(names, name)
	}
	p.mu.RUnlock()

	g, gCtx := errgroup.WithContext(ctx)
	for _, name := range names {
		g.Go(func() error {
			p.warmUp(gCtx, name)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Pool) warmUp(ctx context.Context, name string) {
	e := p.get(name)
	if e == nil || e.client == nil {
		return
	}
	for _, path := range warmUpPaths {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+path, nil)
		if err != nil {
			continue
		}
		resp, err := e.client.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode < 500 {
			p.logger.Debug("upstream warmed", "upstream", name, "path", path, "status", resp.StatusCode)
			return
		}
	}
	p.logger.Warn("upstream warm-up failed", "upstream", name)
}

// Request routes one call through the upstream's circuit breaker. Transport
// failures (connect errors, timeouts) count as breaker failures and map to
// the standardized upstream errors; any received HTTP response, whatever
// its status, is returned to the caller and does not trip the breaker.
func (p *Pool) Request(ctx context.Context, name, method, path string, opts *RequestOptions) (*http.Response, error) {
	e := p.get(name)
	if e == nil || e.client == nil {
		return nil, fmt.Errorf("upstream %q not registered: %w", name, model.ErrUpstreamUnavailable)
	}

	if opts == nil {
		opts = &RequestOptions{}
	}
	cancel := context.CancelFunc(func() {})
	if opts.Timeout > 0 {
		// The deadline must survive until the caller closes the body, so the
		// cancel is tied to body close rather than deferred here.
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
	}

	target := e.baseURL + path
	if len(opts.Params) > 0 {
		target += "?" + opts.Params.Encode()
	}

	cb := p.breakers.Get(name)
	result, err := cb.Execute(func() (any, error) {
		var bodyReader *bytes.Reader
		if opts.Body != nil {
			bodyReader = bytes.NewReader(opts.Body)
		} else {
			bodyReader = bytes.NewReader(nil)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
		if err != nil {
			return nil, err
		}
		for k, vs := range opts.Header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		resp, err := e.client.Do(req)
		if err != nil {
			return nil, classifyTransportError(name, err)
		}
		return resp, nil
	})
	if err != nil {
		cancel()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("upstream %q circuit open: %w", name, model.ErrUpstreamUnavailable)
		}
		return nil, err
	}
	resp := result.(*http.Response)
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// CloseAll releases idle connections on every client.
func (p *Pool) CloseAll() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, e := range p.entries {
		if e.client != nil {
			e.client.CloseIdleConnections()
		}
	}
}

func (p *Pool) get(name string) *entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.entries[name]
}

func classifyTransportError(name string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("upstream %q: %v: %w", name, err, model.ErrUpstreamTimeout)
	}
	return fmt.Errorf("upstream %q: %v: %w", name, err, model.ErrUpstreamUnavailable)
}
