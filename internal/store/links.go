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

// LinkStore persists provider links.
type LinkStore struct {
	db *sqlx.DB
}

// Create inserts a link. A duplicate (provider, external id) surfaces as
// model.ErrConflict.
func (s *LinkStore) Create(ctx context.Context, l *model.ProviderLink) error {
	return s.createIn(ctx, s.db, l)
}

func (s *LinkStore) createIn(ctx context.Context, ext sqlx.ExtContext, l *model.ProviderLink) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	l.CreatedAt = time.Now().UTC()
	_, err := ext.ExecContext(ctx, `
		INSERT INTO provider_links (id, user_id, provider, external_user_id, created_at)
		VALUES ($1,$2,$3,$4,$5)`,
		l.ID, l.UserID, l.Provider, l.ExternalUserID, l.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("link %s/%s: %w", l.Provider, l.ExternalUserID, model.ErrConflict)
		}
		return err
	}
	return nil
}

// GetByExternal looks up the link carrying a provider identity.
func (s *LinkStore) GetByExternal(ctx context.Context, provider, externalID string) (*model.ProviderLink, error) {
	var l model.ProviderLink
	err := s.db.GetContext(ctx, &l, `
		SELECT id, user_id, provider, external_user_id, created_at
		FROM provider_links WHERE provider=$1 AND external_user_id=$2`,
		provider, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	return &l, err
}

// GetByUserProvider returns the single link a user holds for a provider.
func (s *LinkStore) GetByUserProvider(ctx context.Context, userID uuid.UUID, provider string) (*model.ProviderLink, error) {
	var l model.ProviderLink
	err := s.db.GetContext(ctx, &l, `
		SELECT id, user_id, provider, external_user_id, created_at
		FROM provider_links WHERE user_id=$1 AND provider=$2`,
		userID, provider)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	return &l, err
}

// ListByUser returns all links for a user.
func (s *LinkStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]model.ProviderLink, error) {
	var links []model.ProviderLink
	err := s.db.SelectContext(ctx, &links, `
		SELECT id, user_id, provider, external_user_id, created_at
		FROM provider_links WHERE user_id=$1 ORDER BY provider`, userID)
	return links, err
}

// Delete removes a user's link for one provider, reporting whether a row
// existed.
func (s *LinkStore) Delete(ctx context.Context, userID uuid.UUID, provider string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM provider_links WHERE user_id=$1 AND provider=$2`, userID, provider)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
