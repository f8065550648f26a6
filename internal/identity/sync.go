package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/netmapper/fabric/internal/domain/model"
	"github.com/netmapper/fabric/internal/store"
)

// SyncOutcome reports what the sync engine did for one claims value.
type SyncOutcome struct {
	UserID  uuid.UUID
	Created bool
	Updated bool
}

// SyncEngine reconciles provider claims with the local user table: resolve
// by link, auto-link by email, or create.
type SyncEngine struct {
	st     *store.Store
	users  *store.UserStore
	links  *store.LinkStore
	logger *slog.Logger
}

func NewSyncEngine(st *store.Store, logger *slog.Logger) *SyncEngine {
	return &SyncEngine{st: st, users: st.Users, links: st.Links, logger: logger}
}

// Sync maps claims onto a local user. createIfMissing controls whether an
// unknown identity provisions a new member; updateProfile refreshes name and
// avatar fields from the claims.
func (e *SyncEngine) Sync(ctx context.Context, claims *model.IdentityClaims, createIfMissing, updateProfile bool) (*SyncOutcome, error) {
	if claims.Provider == "" || claims.ExternalUserID == "" {
		return nil, fmt.Errorf("claims missing provider identity: %w", model.ErrValidation)
	}

	// Step 1: an existing link settles it.
	link, err := e.links.GetByExternal(ctx, claims.Provider, claims.ExternalUserID)
	if err == nil {
		return e.resolved(ctx, link.UserID, claims, updateProfile, false)
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}

	outcome, err := e.linkByEmail(ctx, claims, updateProfile)
	if err == nil || !errors.Is(err, model.ErrNotFound) {
		return outcome, err
	}

	if !createIfMissing {
		return nil, fmt.Errorf("no local user for %s/%s: %w", claims.Provider, claims.ExternalUserID, model.ErrNotFound)
	}

	outcome, err = e.create(ctx, claims)
	if errors.Is(err, model.ErrConflict) {
		// Another worker created the user concurrently; the email lookup
		// is retried once before giving up.
		e.logger.Info("concurrent user creation detected, retrying by email",
			"provider", claims.Provider, "external_id", claims.ExternalUserID)
		return e.linkByEmail(ctx, claims, updateProfile)
	}
	return outcome, err
}

// linkByEmail auto-links the provider identity to a user sharing the claims
// email address.
func (e *SyncEngine) linkByEmail(ctx context.Context, claims *model.IdentityClaims, updateProfile bool) (*SyncOutcome, error) {
	email := strings.ToLower(strings.TrimSpace(claims.Email))
	if email == "" {
		return nil, model.ErrNotFound
	}
	u, err := e.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	err = e.links.Create(ctx, &model.ProviderLink{
		UserID:         u.ID,
		Provider:       claims.Provider,
		ExternalUserID: claims.ExternalUserID,
	})
	if err != nil && !errors.Is(err, model.ErrConflict) {
		return nil, err
	}
	e.logger.Info("provider identity auto-linked by email",
		"user_id", u.ID, "provider", claims.Provider)
	return e.resolved(ctx, u.ID, claims, updateProfile, false)
}

func (e *SyncEngine) create(ctx context.Context, claims *model.IdentityClaims) (*SyncOutcome, error) {
	username, err := e.uniqueUsername(ctx, claims)
	if err != nil {
		return nil, err
	}
	u := &model.User{
		Username:   username,
		Email:      strings.ToLower(strings.TrimSpace(claims.Email)),
		FirstName:  claims.FirstName,
		LastName:   claims.LastName,
		AvatarURL:  claims.AvatarURL,
		Role:       model.RoleMember,
		IsActive:   true,
		IsVerified: claims.EmailVerified,
	}
	// The account row and its local self-link land together; the provider
	// link follows.
	if err := e.st.CreateLocalUser(ctx, u); err != nil {
		return nil, err
	}
	if err := e.links.Create(ctx, &model.ProviderLink{
		UserID:         u.ID,
		Provider:       claims.Provider,
		ExternalUserID: claims.ExternalUserID,
	}); err != nil {
		return nil, err
	}
	e.logger.Info("user provisioned from provider claims",
		"user_id", u.ID, "username", u.Username, "provider", claims.Provider)
	claims.LocalUserID = &u.ID
	return &SyncOutcome{UserID: u.ID, Created: true}, nil
}

// uniqueUsername derives a free username from the claims.
func (e *SyncEngine) uniqueUsername(ctx context.Context, claims *model.IdentityClaims) (string, error) {
	base := strings.ToLower(strings.TrimSpace(claims.Username))
	if base == "" {
		local, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(claims.Email)), "@")
		base = local
	}
	return UniqueUsername(ctx, e.users, base)
}

// UniqueUsername returns base, or base with an incrementing suffix, whichever
// is free first.
func UniqueUsername(ctx context.Context, users *store.UserStore, base string) (string, error) {
	base = strings.ToLower(strings.TrimSpace(base))
	if base == "" {
		base = "user"
	}
	candidate := base
	for i := 2; ; i++ {
		taken, err := users.UsernameTaken(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s%d", base, i)
	}
}

func (e *SyncEngine) resolved(ctx context.Context, userID uuid.UUID, claims *model.IdentityClaims, updateProfile, created bool) (*SyncOutcome, error) {
	claims.LocalUserID = &userID
	out := &SyncOutcome{UserID: userID, Created: created}
	if !updateProfile {
		return out, nil
	}

	u, err := e.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	changed := false
	if claims.FirstName != "" && claims.FirstName != u.FirstName {
		u.FirstName, changed = claims.FirstName, true
	}
	if claims.LastName != "" && claims.LastName != u.LastName {
		u.LastName, changed = claims.LastName, true
	}
	if claims.AvatarURL != "" && claims.AvatarURL != u.AvatarURL {
		u.AvatarURL, changed = claims.AvatarURL, true
	}
	if claims.EmailVerified && !u.IsVerified {
		u.IsVerified, changed = true, true
	}
	if changed {
		if err := e.users.UpdateProfile(ctx, u); err != nil {
			return nil, err
		}
		out.Updated = true
	}
	return out, nil
}

// Deactivate flips the linked user inactive without deleting anything.
// Unknown identities are a no-op.
func (e *SyncEngine) Deactivate(ctx context.Context, provider, externalID string) error {
	link, err := e.links.GetByExternal(ctx, provider, externalID)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := e.users.SetActive(ctx, link.UserID, false); err != nil && !errors.Is(err, model.ErrNotFound) {
		return err
	}
	e.logger.Info("user deactivated by provider", "user_id", link.UserID, "provider", provider)
	return nil
}

// Link attaches an external identity to a user. An identity already held by
// a different user is refused; re-linking the same pair returns the existing
// row.
func (e *SyncEngine) Link(ctx context.Context, userID uuid.UUID, provider, externalID string) (*model.ProviderLink, error) {
	existing, err := e.links.GetByExternal(ctx, provider, externalID)
	if err == nil {
		if existing.UserID == userID {
			return existing, nil
		}
		return nil, fmt.Errorf("identity %s/%s belongs to another user: %w", provider, externalID, model.ErrConflict)
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}

	link := &model.ProviderLink{UserID: userID, Provider: provider, ExternalUserID: externalID}
	if err := e.links.Create(ctx, link); err != nil {
		return nil, err
	}
	return link, nil
}

// Unlink removes a user's link for one provider, reporting whether one
// existed.
func (e *SyncEngine) Unlink(ctx context.Context, userID uuid.UUID, provider string) (bool, error) {
	return e.links.Delete(ctx, userID, provider)
}

// Route applies a verified webhook to the user table.
func (e *SyncEngine) Route(ctx context.Context, provider string, res *WebhookResult) error {
	claims := claimsFromWebhookData(provider, res.Data)
	switch res.Type {
	case "user.created":
		_, err := e.Sync(ctx, claims, true, true)
		return err
	case "user.updated":
		_, err := e.Sync(ctx, claims, false, true)
		if errors.Is(err, model.ErrNotFound) {
			return nil
		}
		return err
	case "user.deleted":
		return e.Deactivate(ctx, provider, claims.ExternalUserID)
	default:
		e.logger.Debug("webhook type ignored", "type", res.Type)
		return nil
	}
}

// claimsFromWebhookData maps the provider's user payload onto claims. The
// payload mirrors the profile shape of the user API.
func claimsFromWebhookData(provider string, data map[string]any) *model.IdentityClaims {
	str := func(key string) string {
		s, _ := data[key].(string)
		return s
	}
	claims := &model.IdentityClaims{
		Provider:       provider,
		ExternalUserID: str("id"),
		Username:       str("username"),
		FirstName:      str("first_name"),
		LastName:       str("last_name"),
		AvatarURL:      str("image_url"),
	}

	primaryID := str("primary_email_address_id")
	addresses, _ := data["email_addresses"].([]any)
	for _, raw := range addresses {
		addr, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		id, _ := addr["id"].(string)
		if primaryID != "" && id != primaryID {
			continue
		}
		claims.Email, _ = addr["email_address"].(string)
		if verification, ok := addr["verification"].(map[string]any); ok {
			status, _ := verification["status"].(string)
			claims.EmailVerified = status == "verified"
		}
		break
	}
	return claims
}
