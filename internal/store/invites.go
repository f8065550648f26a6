package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/netmapper/fabric/internal/domain/model"
)

const inviteColumns = `id, email, role, status, token_hash, inviter_id, inviter_name,
	created_at, expires_at, accepted_at`

// InviteStore persists invites. Expired status is materialized lazily when
// rows are read.
type InviteStore struct {
	db *sqlx.DB
}

// Create inserts an invite after refusing a duplicate pending one for the
// same email.
func (s *InviteStore) Create(ctx context.Context, inv *model.Invite) error {
	var pending bool
	err := s.db.GetContext(ctx, &pending, `
		SELECT EXISTS (
			SELECT 1 FROM invites
			WHERE lower(email)=lower($1) AND status=$2 AND expires_at > now()
		)`, inv.Email, model.InvitePending)
	if err != nil {
		return err
	}
	if pending {
		return fmt.Errorf("pending invite for %s: %w", inv.Email, model.ErrConflict)
	}

	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	inv.CreatedAt = time.Now().UTC()
	inv.Status = model.InvitePending
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO invites (id, email, role, status, token_hash, inviter_id, inviter_name, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		inv.ID, inv.Email, inv.Role, inv.Status, inv.TokenHash,
		inv.InviterID, inv.InviterName, inv.CreatedAt, inv.ExpiresAt)
	return err
}

// GetByTokenHash finds an invite via its hashed token.
func (s *InviteStore) GetByTokenHash(ctx context.Context, hash string) (*model.Invite, error) {
	var inv model.Invite
	err := s.db.GetContext(ctx, &inv,
		`SELECT `+inviteColumns+` FROM invites WHERE token_hash=$1`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.materializeExpiry(ctx, &inv)
	return &inv, nil
}

// GetByID loads one invite.
func (s *InviteStore) GetByID(ctx context.Context, id uuid.UUID) (*model.Invite, error) {
	var inv model.Invite
	err := s.db.GetContext(ctx, &inv,
		`SELECT `+inviteColumns+` FROM invites WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.materializeExpiry(ctx, &inv)
	return &inv, nil
}

// List returns all invites, newest first, with lazy expiry applied.
func (s *InviteStore) List(ctx context.Context) ([]model.Invite, error) {
	var invites []model.Invite
	if err := s.db.SelectContext(ctx, &invites,
		`SELECT `+inviteColumns+` FROM invites ORDER BY created_at DESC`); err != nil {
		return nil, err
	}
	for i := range invites {
		s.materializeExpiry(ctx, &invites[i])
	}
	return invites, nil
}

// MarkAccepted transitions pending → accepted; accepted is terminal.
func (s *InviteStore) MarkAccepted(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE invites SET status=$2, accepted_at=now()
		WHERE id=$1 AND status=$3`,
		id, model.InviteAccepted, model.InvitePending)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// MarkRevoked transitions pending → revoked.
func (s *InviteStore) MarkRevoked(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE invites SET status=$2
		WHERE id=$1 AND status=$3`,
		id, model.InviteRevoked, model.InvitePending)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Delete removes a non-pending invite.
func (s *InviteStore) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM invites WHERE id=$1 AND status <> $2`, id, model.InvitePending)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *InviteStore) materializeExpiry(ctx context.Context, inv *model.Invite) {
	if inv.Effective(time.Now()) != model.InviteExpired || inv.Status == model.InviteExpired {
		inv.Status = inv.Effective(time.Now())
		return
	}
	inv.Status = model.InviteExpired
	_, _ = s.db.ExecContext(ctx,
		`UPDATE invites SET status=$2 WHERE id=$1 AND status=$3`,
		inv.ID, model.InviteExpired, model.InvitePending)
}
