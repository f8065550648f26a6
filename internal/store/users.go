package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/netmapper/fabric/internal/domain/model"
)

const userColumns = `id, username, email, password_hash, first_name, last_name,
	avatar_url, role, is_active, is_verified, preferences, created_at, updated_at, last_login_at`

// UserStore persists users.
type UserStore struct {
	db *sqlx.DB
}

// Create inserts a user. Uniqueness violations surface as model.ErrConflict.
func (s *UserStore) Create(ctx context.Context, u *model.User) error {
	return s.createIn(ctx, s.db, u)
}

func (s *UserStore) createIn(ctx context.Context, ext sqlx.ExtContext, u *model.User) error {
	u.Username = strings.ToLower(strings.TrimSpace(u.Username))
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	if u.Preferences == nil {
		u.Preferences = []byte(`{}`)
	}

	_, err := ext.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash, first_name, last_name,
			avatar_url, role, is_active, is_verified, preferences, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		u.ID, u.Username, u.Email, u.PasswordHash, u.FirstName, u.LastName,
		u.AvatarURL, u.Role, u.IsActive, u.IsVerified, u.Preferences, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user %q: %w", u.Username, model.ErrConflict)
		}
		return err
	}
	return nil
}

// GetByID loads one user by id.
func (s *UserStore) GetByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	var u model.User
	err := s.db.GetContext(ctx, &u,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	return &u, err
}

// GetByUsername looks up by case-insensitive username.
func (s *UserStore) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	var u model.User
	err := s.db.GetContext(ctx, &u,
		`SELECT `+userColumns+` FROM users WHERE lower(username) = lower($1)`, strings.TrimSpace(username))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	return &u, err
}

// GetByEmail looks up by case-insensitive email.
func (s *UserStore) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	var u model.User
	err := s.db.GetContext(ctx, &u,
		`SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, strings.TrimSpace(email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	return &u, err
}

// List returns all users ordered by creation time.
func (s *UserStore) List(ctx context.Context) ([]model.User, error) {
	var users []model.User
	err := s.db.SelectContext(ctx, &users,
		`SELECT `+userColumns+` FROM users ORDER BY created_at`)
	return users, err
}

// Count returns the total number of users, active or not.
func (s *UserStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT count(*) FROM users`)
	return n, err
}

// OwnerExists reports whether an owner account has been created.
func (s *UserStore) OwnerExists(ctx context.Context) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM users WHERE role = $1)`, model.RoleOwner)
	return exists, err
}

// UpdateProfile writes the mutable profile fields.
func (s *UserStore) UpdateProfile(ctx context.Context, u *model.User) error {
	u.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET first_name=$2, last_name=$3, avatar_url=$4,
			is_verified=$5, updated_at=$6
		WHERE id = $1`,
		u.ID, u.FirstName, u.LastName, u.AvatarURL, u.IsVerified, u.UpdatedAt)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetPasswordHash replaces the stored password hash.
func (s *UserStore) SetPasswordHash(ctx context.Context, id uuid.UUID, hash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET password_hash=$2, updated_at=now() WHERE id=$1`, id, hash)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetActive flips the soft-delete flag.
func (s *UserStore) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_active=$2, updated_at=now() WHERE id=$1`, id, active)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// TouchLastLogin records a successful login.
func (s *UserStore) TouchLastLogin(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_login_at=now() WHERE id=$1`, id)
	return err
}

// UsernameTaken reports whether a username is in use (case-insensitive).
func (s *UserStore) UsernameTaken(ctx context.Context, username string) (bool, error) {
	var taken bool
	err := s.db.GetContext(ctx, &taken,
		`SELECT EXISTS (SELECT 1 FROM users WHERE lower(username) = lower($1))`, username)
	return taken, err
}

// BatchEmails resolves addresses for many active users at once; inactive or
// unknown ids are simply absent from the result.
func (s *UserStore) BatchEmails(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	out := make(map[uuid.UUID]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(
		`SELECT id, email FROM users WHERE is_active AND id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id    uuid.UUID
			email string
		)
		if err := rows.Scan(&id, &email); err != nil {
			return nil, err
		}
		out[id] = email
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// isUniqueViolation matches Postgres unique-constraint failures without
// importing driver internals.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLSTATE 23505") || strings.Contains(msg, "duplicate key")
}
