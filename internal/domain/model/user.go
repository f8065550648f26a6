package model

import (
	"time"

	"github.com/google/uuid"
)

// Role is the application-level role of a user. Owner is unique and
// irrevocable after initial setup.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Valid reports whether r is one of the declared roles.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember:
		return true
	}
	return false
}

// User is the local source-of-truth identity record. Usernames and emails
// are stored lowercase and are globally unique. PasswordHash is empty for
// externally authenticated users.
type User struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	Username     string     `db:"username" json:"username"`
	Email        string     `db:"email" json:"email"`
	PasswordHash string     `db:"password_hash" json:"-"`
	FirstName    string     `db:"first_name" json:"first_name"`
	LastName     string     `db:"last_name" json:"last_name"`
	AvatarURL    string     `db:"avatar_url" json:"avatar_url,omitempty"`
	Role         Role       `db:"role" json:"role"`
	IsActive     bool       `db:"is_active" json:"is_active"`
	IsVerified   bool       `db:"is_verified" json:"is_verified"`
	Preferences  []byte     `db:"preferences" json:"-"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
	LastLoginAt  *time.Time `db:"last_login_at" json:"last_login_at,omitempty"`
}

// DisplayName joins the name parts, falling back to the username.
func (u *User) DisplayName() string {
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	default:
		return u.Username
	}
}

// ProviderLink maps an external provider identity onto a local user.
// (provider, external_user_id) is unique; a user holds at most one link per
// provider name.
type ProviderLink struct {
	ID             uuid.UUID `db:"id" json:"id"`
	UserID         uuid.UUID `db:"user_id" json:"user_id"`
	Provider       string    `db:"provider" json:"provider"`
	ExternalUserID string    `db:"external_user_id" json:"external_user_id"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// InviteStatus is the lifecycle state of an invite. Accepted is terminal;
// Expired is derived from the expiry time and materialized lazily on read.
type InviteStatus string

const (
	InvitePending  InviteStatus = "pending"
	InviteAccepted InviteStatus = "accepted"
	InviteExpired  InviteStatus = "expired"
	InviteRevoked  InviteStatus = "revoked"
)

// Invite is a pending membership offer. The raw token is never stored, only
// its hash. Role is never owner.
type Invite struct {
	ID          uuid.UUID    `db:"id" json:"id"`
	Email       string       `db:"email" json:"email"`
	Role        Role         `db:"role" json:"role"`
	Status      InviteStatus `db:"status" json:"status"`
	TokenHash   string       `db:"token_hash" json:"-"`
	InviterID   uuid.UUID    `db:"inviter_id" json:"inviter_id"`
	InviterName string       `db:"inviter_name" json:"inviter_name"`
	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
	ExpiresAt   time.Time    `db:"expires_at" json:"expires_at"`
	AcceptedAt  *time.Time   `db:"accepted_at" json:"accepted_at,omitempty"`
}

// Effective returns the status with lazy expiry applied.
func (i *Invite) Effective(now time.Time) InviteStatus {
	if i.Status == InvitePending && now.After(i.ExpiresAt) {
		return InviteExpired
	}
	return i.Status
}

// PasswordResetToken is a single-use, hashed reset credential.
type PasswordResetToken struct {
	ID        uuid.UUID  `db:"id"`
	UserID    uuid.UUID  `db:"user_id"`
	TokenHash string     `db:"token_hash"`
	ExpiresAt time.Time  `db:"expires_at"`
	UsedAt    *time.Time `db:"used_at"`
	CreatedAt time.Time  `db:"created_at"`
}

// Usable reports whether the token can still redeem a reset.
func (t *PasswordResetToken) Usable(now time.Time) bool {
	return t.UsedAt == nil && now.Before(t.ExpiresAt)
}
