package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Well-known per-user setting keys.
const (
	// SettingShowTools controls whether progress updates name the
	// tools being run ("true"/"false", default true).
	SettingShowTools = "show_tools"
	// SettingBackend is the preferred backend hint for default mode.
	SettingBackend = "backend"
)

// Setting returns a per-user setting. Returns "" and nil error if the
// key does not exist.
func (s *Store) Setting(ctx context.Context, userID int64, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM user_settings WHERE user_id = ? AND key = ?`,
		userID, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting %d/%s: %w", userID, key, err)
	}
	return value, nil
}

// SetSetting upserts a per-user setting. An empty value deletes it.
func (s *Store) SetSetting(ctx context.Context, userID int64, key, value string) error {
	if value == "" {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM user_settings WHERE user_id = ? AND key = ?`, userID, key,
		); err != nil {
			return fmt.Errorf("delete setting %d/%s: %w", userID, key, err)
		}
		return nil
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_settings (user_id, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id, key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		userID, key, value, s.timestamp(),
	)
	if err != nil {
		return fmt.Errorf("set setting %d/%s: %w", userID, key, err)
	}
	return nil
}

// Settings returns all settings for a user. Returns an empty (non-nil)
// map if the user has none.
func (s *Store) Settings(ctx context.Context, userID int64) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM user_settings WHERE user_id = ? ORDER BY key`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list settings for %d: %w", userID, err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		result[k] = v
	}
	return result, rows.Err()
}
