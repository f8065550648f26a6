// Package gateway is the public edge: it authenticates requests, enforces
// CSRF and role checks, and proxies route families to the internal services
// through the upstream pool.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/netmapper/fabric/internal/domain/model"
	"github.com/netmapper/fabric/internal/token"
	"github.com/netmapper/fabric/internal/upstream"
)

const (
	verifyCacheTTL  = 5 * time.Minute
	verifyCacheSize = 4096
	sessionCacheTTL = 60 * time.Second
)

// Principal is the authenticated caller as the gateway sees it.
type Principal struct {
	UserID     uuid.UUID  `json:"user_id"`
	Username   string     `json:"username"`
	Role       model.Role `json:"role"`
	IsService  bool       `json:"is_service"`
	Token      string     `json:"-"`
	FromCookie bool       `json:"-"`
}

// Authenticator resolves inbound credentials, preferring the local token
// authority and falling back to the identity service.
type Authenticator struct {
	authority  *token.Authority
	pool       *upstream.Pool
	cookieName string
	logger     *slog.Logger

	verified *lru.LRU[string, Principal]
	sessions *lru.LRU[string, Principal]
}

func NewAuthenticator(authority *token.Authority, pool *upstream.Pool, cookieName string, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		authority:  authority,
		pool:       pool,
		cookieName: cookieName,
		logger:     logger,
		verified:   lru.NewLRU[string, Principal](verifyCacheSize, nil, verifyCacheTTL),
		sessions:   lru.NewLRU[string, Principal](verifyCacheSize, nil, sessionCacheTTL),
	}
}

// extract returns the credential and whether it came from the session
// cookie. Precedence: Authorization bearer, cookie, then the SSE query
// parameter for event-stream requests only.
func (a *Authenticator) extract(r *http.Request) (raw string, fromCookie bool) {
	const prefix = "Bearer "
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix), false
	}
	if c, err := r.Cookie(a.cookieName); err == nil && c.Value != "" {
		return c.Value, true
	}
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		if t := r.URL.Query().Get("token"); t != "" {
			return t, false
		}
	}
	return "", false
}

// cacheKey is the first 16 hex chars of SHA-256 over the raw token; the
// token itself never sits in a map.
func cacheKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:16]
}

// Authenticate resolves the request's credential into a Principal.
func (a *Authenticator) Authenticate(r *http.Request) (*Principal, error) {
	raw, fromCookie := a.extract(r)
	if raw == "" {
		return nil, model.ErrUnauthenticated
	}

	// Local verification settles service tokens without a network hop.
	if id, err := a.authority.Verify(raw); err == nil && id.IsService {
		return &Principal{
			Username:   id.Username,
			Role:       model.RoleOwner,
			IsService:  true,
			Token:      raw,
			FromCookie: fromCookie,
		}, nil
	}

	key := cacheKey(raw)
	if p, ok := a.verified.Get(key); ok {
		p.Token, p.FromCookie = raw, fromCookie
		return &p, nil
	}

	p, err := a.verifyUpstream(r.Context(), raw)
	if err != nil {
		return nil, err
	}
	a.verified.Add(key, *p)
	p.Token, p.FromCookie = raw, fromCookie
	return p, nil
}

type verifyUpstreamResponse struct {
	Valid     bool       `json:"valid"`
	IsService bool       `json:"is_service"`
	UserID    string     `json:"user_id"`
	Username  string     `json:"username"`
	Role      model.Role `json:"role"`
}

func (a *Authenticator) verifyUpstream(ctx context.Context, raw string) (*Principal, error) {
	body, _ := json.Marshal(map[string]string{"token": raw})
	resp, err := a.pool.Request(ctx, upstream.ServiceIdentity, http.MethodPost, "/api/auth/verify", &upstream.RequestOptions{
		Body: body,
		Header: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		io.Copy(io.Discard, resp.Body)
		return nil, model.ErrUnauthenticated
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("verify returned %d: %w", resp.StatusCode, model.ErrUpstreamUnavailable)
	}

	var vr verifyUpstreamResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("verify decode: %w", err)
	}
	if !vr.Valid {
		return nil, model.ErrUnauthenticated
	}

	p := &Principal{
		Username:  vr.Username,
		Role:      vr.Role,
		IsService: vr.IsService,
	}
	if vr.IsService {
		p.Role = model.RoleOwner
		return p, nil
	}
	id, err := uuid.Parse(vr.UserID)
	if err != nil {
		return nil, fmt.Errorf("verify returned malformed user id: %w", model.ErrUnauthenticated)
	}
	p.UserID = id
	return p, nil
}

// Session returns the cached session view for /api/auth/session reads,
// refreshing it through Authenticate on miss.
func (a *Authenticator) Session(r *http.Request) (*Principal, error) {
	raw, fromCookie := a.extract(r)
	if raw == "" {
		return nil, model.ErrUnauthenticated
	}
	key := cacheKey(raw)
	if p, ok := a.sessions.Get(key); ok {
		p.Token, p.FromCookie = raw, fromCookie
		return &p, nil
	}
	p, err := a.Authenticate(r)
	if err != nil {
		return nil, err
	}
	a.sessions.Add(key, *p)
	return p, nil
}

// Invalidate drops any cached views of a credential, used on logout.
func (a *Authenticator) Invalidate(raw string) {
	key := cacheKey(raw)
	a.verified.Remove(key)
	a.sessions.Remove(key)
}
