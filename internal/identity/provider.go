// Package identity reconciles external authentication backends with the
// local user table. A Provider turns a backend session into IdentityClaims;
// the SyncEngine turns claims into local users and provider links.
package identity

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/netmapper/fabric/internal/domain/model"
)

// Provider names accepted by the factory.
const (
	ProviderLocal = "local"
	ProviderCloud = "cloud"
)

// WebhookResult is the acknowledged outcome of a provider webhook.
type WebhookResult struct {
	Received bool           `json:"received"`
	Type     string         `json:"type,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// Provider abstracts an authentication backend. Implementations return
// (nil, nil) claims for a token that is well-formed but not authenticated;
// errors are reserved for backend failures.
type Provider interface {
	Name() string

	// ValidateToken resolves an opaque token into claims.
	ValidateToken(ctx context.Context, token string) (*model.IdentityClaims, error)

	// ValidateSession resolves the request's session cookie, falling back
	// to the Authorization header.
	ValidateSession(ctx context.Context, r *http.Request) (*model.IdentityClaims, error)

	// HandleWebhook verifies and parses a provider webhook delivery.
	HandleWebhook(ctx context.Context, r *http.Request) (*WebhookResult, error)

	LoginURL(redirect string) string
	LogoutURL(redirect string) string

	// RevokeSession invalidates a backend session where the backend supports
	// it; stateless backends report true without doing anything.
	RevokeSession(ctx context.Context, sessionID string) (bool, error)
}

var (
	factoryMu sync.Mutex
	active    Provider
)

// Active returns the process-wide provider, building it on first use.
func Active(build func() (Provider, error)) (Provider, error) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if active != nil {
		return active, nil
	}
	p, err := build()
	if err != nil {
		return nil, err
	}
	active = p
	return active, nil
}

// ResetActive clears the singleton so tests can swap backends.
func ResetActive() {
	factoryMu.Lock()
	active = nil
	factoryMu.Unlock()
}

// Build constructs a provider by name.
func Build(name string, local *LocalProvider, cloud *CloudProvider) (Provider, error) {
	switch name {
	case ProviderLocal, "":
		return local, nil
	case ProviderCloud:
		if cloud == nil {
			return nil, fmt.Errorf("cloud auth provider selected but not configured: %w", model.ErrMisconfiguration)
		}
		return cloud, nil
	default:
		return nil, fmt.Errorf("unknown auth provider %q: %w", name, model.ErrMisconfiguration)
	}
}

// bearerToken extracts a Bearer credential from the Authorization header.
func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}
