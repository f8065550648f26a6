package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/netmapper/fabric/internal/domain/model"
)

// NetworkStore reads networks and their share rows; the networks themselves
// are written by the mapper service, the core only resolves access.
type NetworkStore struct {
	db *sqlx.DB
}

// Get loads one network.
func (s *NetworkStore) Get(ctx context.Context, id uuid.UUID) (*model.Network, error) {
	var n model.Network
	err := s.db.GetContext(ctx, &n, `
		SELECT id, owner_id, name, description, layout, is_active, created_at, updated_at
		FROM networks WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	return &n, err
}

// Members returns owner ∪ permission holders for a network.
func (s *NetworkStore) Members(ctx context.Context, networkID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.SelectContext(ctx, &ids, `
		SELECT owner_id FROM networks WHERE id=$1
		UNION
		SELECT user_id FROM network_permissions WHERE network_id=$1`, networkID)
	return ids, err
}

// AccessRole resolves a user's effective role on a network: the owner is
// treated as editor; otherwise the permission row decides; no row means no
// access (model.ErrForbidden).
func (s *NetworkStore) AccessRole(ctx context.Context, networkID, userID uuid.UUID) (model.PermissionRole, error) {
	n, err := s.Get(ctx, networkID)
	if err != nil {
		return "", err
	}
	if n.OwnerID == userID {
		return model.PermissionEditor, nil
	}
	var role model.PermissionRole
	err = s.db.GetContext(ctx, &role,
		`SELECT role FROM network_permissions WHERE network_id=$1 AND user_id=$2`,
		networkID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", model.ErrForbidden
	}
	return role, err
}

// CountByOwner counts active networks owned by a user, for limit checks.
func (s *NetworkStore) CountByOwner(ctx context.Context, ownerID uuid.UUID) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT count(*) FROM networks WHERE owner_id=$1 AND is_active`, ownerID)
	return n, err
}
