// Package token mints and verifies the HMAC-signed envelopes that represent
// users and services inside the fabric, and signs requests between services.
package token

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/netmapper/fabric/internal/domain/model"
)

// Service names allowed to mint and verify service tokens. Unknown names
// fail verification.
var knownServices = map[string]struct{}{
	"gateway":      {},
	"identity":     {},
	"health":       {},
	"metrics":      {},
	"assistant":    {},
	"notification": {},
}

const (
	typeService = "service"
	typeUser    = "user"

	// refreshWindow forces reissue of a cached service token once its
	// remaining TTL drops below this.
	refreshWindow = time.Minute

	// Reissue gate: after this many consecutive mint failures, minting is
	// rejected outright until the cooldown elapses.
	mintFailureThreshold = 5
	mintFailureCooldown  = 30 * time.Second
)

// Identity is the result of verifying a token.
type Identity struct {
	UserID    string     `json:"user_id"`
	Username  string     `json:"username"`
	Role      model.Role `json:"role"`
	IsService bool       `json:"is_service"`
}

type cachedToken struct {
	value     string
	expiresAt time.Time
}

// Authority issues and verifies self-contained signed tokens. Verification
// is local; no round trip is involved.
type Authority struct {
	secret []byte
	logger *slog.Logger

	mu           sync.Mutex
	serviceCache map[string]cachedToken
	mintFailures int
	lastFailure  time.Time
}

// NewAuthority builds an Authority. The secret must be non-empty.
func NewAuthority(secret string, logger *slog.Logger) (*Authority, error) {
	if secret == "" {
		return nil, fmt.Errorf("token authority: empty signing secret: %w", model.ErrMisconfiguration)
	}
	return &Authority{
		secret:       []byte(secret),
		logger:       logger,
		serviceCache: make(map[string]cachedToken),
	}, nil
}

type envelopeClaims struct {
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
	Type     string `json:"typ"`
	jwt.RegisteredClaims
}

// IssueUserToken mints a short-lived token representing a user session.
func (a *Authority) IssueUserToken(userID uuid.UUID, username string, role model.Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := envelopeClaims{
		Username: username,
		Role:     string(role),
		Type:     typeUser,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// IssueServiceToken mints a short-lived token representing an internal
// service. The service name must be one of the declared set.
func (a *Authority) IssueServiceToken(service string, ttl time.Duration) (string, error) {
	if _, ok := knownServices[service]; !ok {
		return "", fmt.Errorf("issue service token %q: %w", service, model.ErrUnknownService)
	}
	now := time.Now()
	claims := envelopeClaims{
		Type: typeService,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   service,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// ServiceToken returns a cached token for the named service, reissuing when
// the remaining TTL falls under the refresh window. Concurrent misses
// collapse to a single issuance.
func (a *Authority) ServiceToken(service string, ttl time.Duration) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if tok, ok := a.serviceCache[service]; ok && time.Until(tok.expiresAt) > refreshWindow {
		return tok.value, nil
	}

	if a.mintFailures >= mintFailureThreshold && time.Since(a.lastFailure) < mintFailureCooldown {
		a.logger.Warn("service token reissue gated",
			"service", service,
			"failures", a.mintFailures,
		)
		return "", fmt.Errorf("service token reissue gated after %d failures: %w", a.mintFailures, model.ErrCircuitOpen)
	}

	value, err := a.IssueServiceToken(service, ttl)
	if err != nil {
		a.mintFailures++
		a.lastFailure = time.Now()
		return "", err
	}
	a.mintFailures = 0
	a.serviceCache[service] = cachedToken{value: value, expiresAt: time.Now().Add(ttl)}
	return value, nil
}

// Verify parses and validates a token, returning the identity it carries.
func (a *Authority) Verify(token string) (*Identity, error) {
	claims := &envelopeClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, model.ErrExpiredToken
		}
		return nil, model.ErrInvalidToken
	}
	if !parsed.Valid {
		return nil, model.ErrInvalidToken
	}

	switch claims.Type {
	case typeService:
		if _, ok := knownServices[claims.Subject]; !ok {
			return nil, fmt.Errorf("service %q: %w", claims.Subject, model.ErrUnknownService)
		}
		// Service tokens act as owner on internal surfaces.
		return &Identity{
			UserID:    claims.Subject,
			Username:  claims.Subject,
			Role:      model.RoleOwner,
			IsService: true,
		}, nil
	case typeUser:
		return &Identity{
			UserID:   claims.Subject,
			Username: claims.Username,
			Role:     model.Role(claims.Role),
		}, nil
	default:
		return nil, model.ErrInvalidToken
	}
}
