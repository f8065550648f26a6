package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// AuthMethod describes how the upstream provider authenticated the session.
type AuthMethod string

const (
	AuthPassword    AuthMethod = "password"
	AuthSocialOAuth AuthMethod = "social_oauth"
	AuthPasskey     AuthMethod = "passkey"
	AuthMagicLink   AuthMethod = "magic_link"
	AuthServiceAuth AuthMethod = "service"
)

// IdentityClaims is the provider-agnostic summary of an authenticated
// session. It is a value type and is never persisted on its own.
type IdentityClaims struct {
	Provider       string         `json:"provider"`
	ExternalUserID string         `json:"external_user_id"`
	AuthMethod     AuthMethod     `json:"auth_method"`
	Email          string         `json:"email"`
	EmailVerified  bool           `json:"email_verified"`
	Username       string         `json:"username,omitempty"`
	FirstName      string         `json:"first_name,omitempty"`
	LastName       string         `json:"last_name,omitempty"`
	AvatarURL      string         `json:"avatar_url,omitempty"`
	SessionID      string         `json:"session_id,omitempty"`
	IssuedAt       time.Time      `json:"issued_at"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	OrgID          string         `json:"org_id,omitempty"`
	OrgSlug        string         `json:"org_slug,omitempty"`
	OrgRole        string         `json:"org_role,omitempty"`
	SSOConnection  string         `json:"sso_connection,omitempty"`
	RawAttributes  map[string]any `json:"raw_attributes,omitempty"`

	// LocalUserID is populated by the sync engine once the claims have been
	// reconciled against the local user table.
	LocalUserID *uuid.UUID `json:"local_user_id,omitempty"`
}

// InferAuthMethod maps a provider "strategy" string onto an AuthMethod.
func InferAuthMethod(strategy string) AuthMethod {
	switch {
	case strings.Contains(strategy, "oauth"):
		return AuthSocialOAuth
	case strings.Contains(strategy, "passkey"):
		return AuthPasskey
	case strings.Contains(strategy, "email_link"):
		return AuthMagicLink
	default:
		return AuthPassword
	}
}
