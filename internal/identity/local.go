package identity

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/netmapper/fabric/internal/domain/model"
	"github.com/netmapper/fabric/internal/store"
	"github.com/netmapper/fabric/internal/token"
)

// LocalProvider authenticates against the local user table with signed
// token envelopes. Sessions are stateless; there is nothing to revoke and
// no webhooks to receive.
type LocalProvider struct {
	authority  *token.Authority
	users      *store.UserStore
	cookieName string
	logger     *slog.Logger
}

var _ Provider = (*LocalProvider)(nil)

func NewLocalProvider(authority *token.Authority, users *store.UserStore, cookieName string, logger *slog.Logger) *LocalProvider {
	return &LocalProvider{
		authority:  authority,
		users:      users,
		cookieName: cookieName,
		logger:     logger.With("provider", ProviderLocal),
	}
}

func (p *LocalProvider) Name() string { return ProviderLocal }

func (p *LocalProvider) ValidateToken(ctx context.Context, raw string) (*model.IdentityClaims, error) {
	id, err := p.authority.Verify(raw)
	if err != nil {
		if errors.Is(err, model.ErrInvalidToken) || errors.Is(err, model.ErrExpiredToken) {
			return nil, nil
		}
		return nil, err
	}
	if id.IsService {
		now := time.Now().UTC()
		return &model.IdentityClaims{
			Provider:       ProviderLocal,
			ExternalUserID: id.Username,
			AuthMethod:     model.AuthServiceAuth,
			Username:       id.Username,
			IssuedAt:       now,
		}, nil
	}

	userID, err := uuid.Parse(id.UserID)
	if err != nil {
		p.logger.Warn("token subject is not a user id", "subject", id.UserID)
		return nil, nil
	}

	u, err := p.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !u.IsActive {
		p.logger.Warn("token for deactivated user refused", "user_id", u.ID)
		return nil, nil
	}

	claims := &model.IdentityClaims{
		Provider:       ProviderLocal,
		ExternalUserID: u.ID.String(),
		AuthMethod:     model.AuthPassword,
		Email:          u.Email,
		EmailVerified:  u.IsVerified,
		Username:       u.Username,
		FirstName:      u.FirstName,
		LastName:       u.LastName,
		AvatarURL:      u.AvatarURL,
		IssuedAt:       time.Now().UTC(),
		LocalUserID:    &u.ID,
	}
	return claims, nil
}

func (p *LocalProvider) ValidateSession(ctx context.Context, r *http.Request) (*model.IdentityClaims, error) {
	if c, err := r.Cookie(p.cookieName); err == nil && c.Value != "" {
		return p.ValidateToken(ctx, c.Value)
	}
	if t := bearerToken(r); t != "" {
		return p.ValidateToken(ctx, t)
	}
	return nil, nil
}

// HandleWebhook is not applicable to the local backend.
func (p *LocalProvider) HandleWebhook(context.Context, *http.Request) (*WebhookResult, error) {
	return nil, model.ErrMisconfiguration
}

func (p *LocalProvider) LoginURL(redirect string) string {
	if redirect == "" {
		return "/login"
	}
	return "/login?redirect=" + url.QueryEscape(redirect)
}

func (p *LocalProvider) LogoutURL(redirect string) string {
	if redirect == "" {
		return "/login"
	}
	return redirect
}

func (p *LocalProvider) RevokeSession(context.Context, string) (bool, error) {
	return true, nil
}
