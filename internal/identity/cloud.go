package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/netmapper/fabric/internal/domain/model"
)

// sessionCookie is the name the cloud IdP's frontend SDK sets.
const sessionCookie = "__session"

// CloudConfig carries the upstream IdP credentials.
type CloudConfig struct {
	APIBaseURL    string
	FrontendURL   string
	SecretKey     string
	WebhookSecret string
}

// CloudProvider authenticates against a hosted IdP. Tokens are opaque
// session tokens verified by the IdP's API; the user profile is fetched on
// every successful verification (the gateway caches the result).
type CloudProvider struct {
	cfg      CloudConfig
	client   *http.Client
	verifier *WebhookVerifier
	logger   *slog.Logger
}

var _ Provider = (*CloudProvider)(nil)

func NewCloudProvider(cfg CloudConfig, logger *slog.Logger) *CloudProvider {
	return &CloudProvider{
		cfg: cfg,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		verifier: NewWebhookVerifier(cfg.WebhookSecret, logger),
		logger:   logger.With("provider", ProviderCloud),
	}
}

func (p *CloudProvider) Name() string { return ProviderCloud }

// cloudSession is the IdP's session-verify response.
type cloudSession struct {
	ID             string `json:"id"`
	UserID         string `json:"user_id"`
	Status         string `json:"status"`
	ExpireAt       int64  `json:"expire_at"`
	LatestActivity struct {
		Strategy string `json:"strategy"`
	} `json:"latest_activity"`
}

// cloudUser is the IdP's user profile.
type cloudUser struct {
	ID                    string `json:"id"`
	Username              string `json:"username"`
	FirstName             string `json:"first_name"`
	LastName              string `json:"last_name"`
	ImageURL              string `json:"image_url"`
	PrimaryEmailAddressID string `json:"primary_email_address_id"`
	EmailAddresses        []struct {
		ID           string `json:"id"`
		EmailAddress string `json:"email_address"`
		Verification struct {
			Status   string `json:"status"`
			Strategy string `json:"strategy"`
		} `json:"verification"`
	} `json:"email_addresses"`
}

func (p *CloudProvider) ValidateToken(ctx context.Context, raw string) (*model.IdentityClaims, error) {
	if raw == "" {
		return nil, nil
	}

	body, _ := json.Marshal(map[string]string{"token": raw})
	var sess cloudSession
	ok, err := p.call(ctx, http.MethodPost, "/sessions/verify", bytes.NewReader(body), &sess)
	if err != nil {
		return nil, err
	}
	if !ok || sess.Status != "active" || sess.UserID == "" {
		return nil, nil
	}

	var u cloudUser
	ok, err = p.call(ctx, http.MethodGet, "/users/"+url.PathEscape(sess.UserID), nil, &u)
	if err != nil {
		return nil, err
	}
	if !ok {
		p.logger.Warn("verified session has no fetchable profile", "user_id", sess.UserID)
		return nil, nil
	}

	claims := &model.IdentityClaims{
		Provider:       ProviderCloud,
		ExternalUserID: u.ID,
		AuthMethod:     model.InferAuthMethod(sess.LatestActivity.Strategy),
		Username:       u.Username,
		FirstName:      u.FirstName,
		LastName:       u.LastName,
		AvatarURL:      u.ImageURL,
		SessionID:      sess.ID,
		IssuedAt:       time.Now().UTC(),
	}
	if sess.ExpireAt > 0 {
		exp := time.UnixMilli(sess.ExpireAt).UTC()
		claims.ExpiresAt = &exp
	}
	for _, addr := range u.EmailAddresses {
		if addr.ID != u.PrimaryEmailAddressID {
			continue
		}
		claims.Email = addr.EmailAddress
		claims.EmailVerified = addr.Verification.Status == "verified"
		if claims.AuthMethod == model.AuthPassword && addr.Verification.Strategy != "" {
			claims.AuthMethod = model.InferAuthMethod(addr.Verification.Strategy)
		}
		break
	}
	return claims, nil
}

func (p *CloudProvider) ValidateSession(ctx context.Context, r *http.Request) (*model.IdentityClaims, error) {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		return p.ValidateToken(ctx, c.Value)
	}
	if t := bearerToken(r); t != "" {
		return p.ValidateToken(ctx, t)
	}
	return nil, nil
}

func (p *CloudProvider) HandleWebhook(ctx context.Context, r *http.Request) (*WebhookResult, error) {
	return p.verifier.Handle(r)
}

func (p *CloudProvider) LoginURL(redirect string) string {
	u := p.cfg.FrontendURL + "/sign-in"
	if redirect != "" {
		u += "?redirect_url=" + url.QueryEscape(redirect)
	}
	return u
}

func (p *CloudProvider) LogoutURL(redirect string) string {
	u := p.cfg.FrontendURL + "/sign-out"
	if redirect != "" {
		u += "?redirect_url=" + url.QueryEscape(redirect)
	}
	return u
}

func (p *CloudProvider) RevokeSession(ctx context.Context, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, nil
	}
	ok, err := p.call(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/revoke", nil, nil)
	return ok, err
}

// call issues an authenticated request to the IdP API. It reports (false,
// nil) for 4xx responses and an error for transport failures or 5xx.
func (p *CloudProvider) call(ctx context.Context, method, path string, body io.Reader, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, method, p.cfg.APIBaseURL+path, body)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.SecretKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("idp %s %s: %w", method, path, model.ErrUpstreamUnavailable)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return false, fmt.Errorf("idp %s %s: status %d: %w", method, path, resp.StatusCode, model.ErrUpstreamUnavailable)
	case resp.StatusCode >= 400:
		io.Copy(io.Discard, resp.Body)
		return false, nil
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return true, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("idp %s %s: decode: %w", method, path, err)
	}
	return true, nil
}
