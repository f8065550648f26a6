package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/netmapper/fabric/internal/domain/model"
)

// PreferencesStore persists per-network and global notification preferences
// as JSON blobs keyed by user (and network).
type PreferencesStore struct {
	db *sqlx.DB
}

// GetNetwork loads a user's preferences for one network; a missing row
// yields the defaults.
func (s *PreferencesStore) GetNetwork(ctx context.Context, userID, networkID uuid.UUID) (*model.NetworkPreferences, error) {
	var raw []byte
	err := s.db.GetContext(ctx, &raw, `
		SELECT prefs FROM user_network_preferences
		WHERE user_id=$1 AND network_id=$2`, userID, networkID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DefaultNetworkPreferences(userID, networkID), nil
	}
	if err != nil {
		return nil, err
	}
	prefs := &model.NetworkPreferences{}
	if err := json.Unmarshal(raw, prefs); err != nil {
		return nil, err
	}
	prefs.UserID, prefs.NetworkID = userID, networkID
	return prefs, nil
}

// UpsertNetwork replaces a user's preferences for one network.
func (s *PreferencesStore) UpsertNetwork(ctx context.Context, prefs *model.NetworkPreferences) error {
	prefs.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(prefs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_network_preferences (user_id, network_id, prefs, updated_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (user_id, network_id) DO UPDATE SET prefs=$3, updated_at=$4`,
		prefs.UserID, prefs.NetworkID, raw, prefs.UpdatedAt)
	return err
}

// DeleteNetwork drops a user's preferences row for one network.
func (s *PreferencesStore) DeleteNetwork(ctx context.Context, userID, networkID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM user_network_preferences WHERE user_id=$1 AND network_id=$2`,
		userID, networkID)
	return err
}

// BatchGetNetwork loads preferences for many users of one network in a
// single query; users without a row get defaults.
func (s *PreferencesStore) BatchGetNetwork(ctx context.Context, networkID uuid.UUID, userIDs []uuid.UUID) (map[uuid.UUID]*model.NetworkPreferences, error) {
	out := make(map[uuid.UUID]*model.NetworkPreferences, len(userIDs))
	for _, id := range userIDs {
		out[id] = model.DefaultNetworkPreferences(id, networkID)
	}
	if len(userIDs) == 0 {
		return out, nil
	}

	query, args, err := sqlx.In(`
		SELECT user_id, prefs FROM user_network_preferences
		WHERE network_id = ? AND user_id IN (?)`, networkID, userIDs)
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
			userID uuid.UUID
			raw    []byte
		)
		if err := rows.Scan(&userID, &raw); err != nil {
			return nil, err
		}
		prefs := &model.NetworkPreferences{}
		if err := json.Unmarshal(raw, prefs); err != nil {
			return nil, err
		}
		prefs.UserID, prefs.NetworkID = userID, networkID
		out[userID] = prefs
	}
	return out, rows.Err()
}

// GetGlobal loads a user's platform-wide preferences, defaulted when absent.
func (s *PreferencesStore) GetGlobal(ctx context.Context, userID uuid.UUID) (*model.GlobalPreferences, error) {
	var raw []byte
	err := s.db.GetContext(ctx, &raw,
		`SELECT prefs FROM user_global_preferences WHERE user_id=$1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DefaultGlobalPreferences(userID), nil
	}
	if err != nil {
		return nil, err
	}
	prefs := &model.GlobalPreferences{}
	if err := json.Unmarshal(raw, prefs); err != nil {
		return nil, err
	}
	prefs.UserID = userID
	return prefs, nil
}

// UpsertGlobal replaces a user's platform-wide preferences.
func (s *PreferencesStore) UpsertGlobal(ctx context.Context, prefs *model.GlobalPreferences) error {
	prefs.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(prefs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_global_preferences (user_id, prefs, updated_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (user_id) DO UPDATE SET prefs=$2, updated_at=$3`,
		prefs.UserID, raw, prefs.UpdatedAt)
	return err
}

// ListGlobalSubscribers returns users whose global preferences enable
// service-status events.
func (s *PreferencesStore) ListGlobalSubscribers(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.SelectContext(ctx, &ids, `
		SELECT user_id FROM user_global_preferences
		WHERE (prefs->>'service_status_enabled')::boolean`)
	if err != nil {
		return nil, err
	}
	return ids, nil
}
