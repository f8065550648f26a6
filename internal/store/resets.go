package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/netmapper/fabric/internal/domain/model"
)

// ResetStore persists single-use password reset tokens.
type ResetStore struct {
	db *sqlx.DB
}

// Create inserts a reset token and invalidates any earlier unused ones for
// the same user.
func (s *ResetStore) Create(ctx context.Context, t *model.PasswordResetToken) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.CreatedAt = time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE password_reset_tokens SET used_at=now() WHERE user_id=$1 AND used_at IS NULL`,
		t.UserID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_reset_tokens (id, user_id, token_hash, expires_at, created_at)
		VALUES ($1,$2,$3,$4,$5)`,
		t.ID, t.UserID, t.TokenHash, t.ExpiresAt, t.CreatedAt)
	return err
}

// GetByTokenHash looks up a reset token.
func (s *ResetStore) GetByTokenHash(ctx context.Context, hash string) (*model.PasswordResetToken, error) {
	var t model.PasswordResetToken
	err := s.db.GetContext(ctx, &t, `
		SELECT id, user_id, token_hash, expires_at, used_at, created_at
		FROM password_reset_tokens WHERE token_hash=$1`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	return &t, err
}

// MarkUsed consumes the token; a second use fails with not-found.
func (s *ResetStore) MarkUsed(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE password_reset_tokens SET used_at=now() WHERE id=$1 AND used_at IS NULL`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}
