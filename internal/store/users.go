package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// User is a chat participant as seen by the store.
type User struct {
	ID           int64
	DisplayName  string
	Username     string
	LanguageCode string
	// Mode is the resting conversation mode; empty means default.
	Mode         string
	Settings     map[string]string
	MessageCount int
	FirstSeen    time.Time
	LastSeen     time.Time
}

// TouchUser records an inbound message from u: the row is created on
// first contact, profile fields are refreshed, message_count is
// incremented and last_seen is set. The stored user is returned.
func (s *Store) TouchUser(ctx context.Context, u User) (User, error) {
	now := s.timestamp()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, display_name, username, language_code, message_count, first_seen, last_seen)
		 VALUES (?, ?, ?, ?, 1, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			display_name  = excluded.display_name,
			username      = excluded.username,
			language_code = CASE WHEN excluded.language_code = '' THEN users.language_code ELSE excluded.language_code END,
			message_count = users.message_count + 1,
			last_seen     = excluded.last_seen`,
		u.ID, u.DisplayName, u.Username, u.LanguageCode, now, now,
	)
	if err != nil {
		return User{}, fmt.Errorf("touch user %d: %w", u.ID, err)
	}
	return s.User(ctx, u.ID)
}

// User loads a user with its settings. Returns ErrNotFound for an
// unknown id.
func (s *Store) User(ctx context.Context, id int64) (User, error) {
	var u User
	var first, last string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, username, language_code, mode, message_count, first_seen, last_seen
		 FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.DisplayName, &u.Username, &u.LanguageCode, &u.Mode, &u.MessageCount, &first, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return User{}, fmt.Errorf("get user %d: %w", id, err)
	}
	u.FirstSeen = parseTime(first)
	u.LastSeen = parseTime(last)

	u.Settings, err = s.Settings(ctx, id)
	if err != nil {
		return User{}, err
	}
	return u, nil
}

// Mode returns the persisted resting mode for a user. Unknown users
// have the default mode, returned as "".
func (s *Store) Mode(ctx context.Context, userID int64) (string, error) {
	var mode string
	err := s.db.QueryRowContext(ctx,
		`SELECT mode FROM users WHERE id = ?`, userID,
	).Scan(&mode)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get mode for %d: %w", userID, err)
	}
	return mode, nil
}

// SetMode persists the resting mode for a user, creating the user row
// if needed. An empty mode means default.
func (s *Store) SetMode(ctx context.Context, userID int64, mode string) error {
	now := s.timestamp()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, mode, first_seen, last_seen)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET mode = excluded.mode`,
		userID, mode, now, now,
	)
	if err != nil {
		return fmt.Errorf("set mode for %d: %w", userID, err)
	}
	return nil
}
