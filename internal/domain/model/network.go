package model

import (
	"time"

	"github.com/google/uuid"
)

// PermissionRole is a per-network share role. Editor implies write access;
// Viewer is read-only. The network owner needs no permission row.
type PermissionRole string

const (
	PermissionViewer PermissionRole = "viewer"
	PermissionEditor PermissionRole = "editor"
)

// Network is referenced at the boundary of the core; it is owned by the
// gateway-adjacent store.
type Network struct {
	ID          uuid.UUID `db:"id" json:"id"`
	OwnerID     uuid.UUID `db:"owner_id" json:"owner_id"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description,omitempty"`
	Layout      []byte    `db:"layout" json:"-"`
	IsActive    bool      `db:"is_active" json:"is_active"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// NetworkPermission is a share row. A user has access to a network iff they
// own it or such a row exists.
type NetworkPermission struct {
	NetworkID uuid.UUID      `db:"network_id" json:"network_id"`
	UserID    uuid.UUID      `db:"user_id" json:"user_id"`
	Role      PermissionRole `db:"role" json:"role"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
}
