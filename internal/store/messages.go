package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// hashLen is the number of hex characters kept from the SHA-256 digest.
const hashLen = 32

// Message is one entry of a user's conversation history.
type Message struct {
	ID          string
	UserID      int64
	Role        string
	Content     string
	ContentHash string
	CreatedAt   time.Time
}

// HashContent returns the opaque handle used to refer to a message from
// transport controls: the first 32 hex characters of SHA-256(content).
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:hashLen]
}

// AppendMessage appends a message to the user's history and returns it.
func (s *Store) AppendMessage(ctx context.Context, userID int64, role, content string) (Message, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Message{}, fmt.Errorf("generate message ID: %w", err)
	}
	m := Message{
		ID:          id.String(),
		UserID:      userID,
		Role:        role,
		Content:     content,
		ContentHash: HashContent(content),
		CreatedAt:   s.now().UTC(),
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, user_id, role, content, content_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.Role, m.Content, m.ContentHash, m.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

// History returns the user's most recent limit messages, oldest first.
// limit <= 0 returns the full history.
func (s *Store) History(ctx context.Context, userID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, role, content, content_hash, created_at FROM (
			SELECT seq, id, user_id, role, content, content_hash, created_at
			FROM messages WHERE user_id = ?
			ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history for %d: %w", userID, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var created string
		if err := rows.Scan(&m.ID, &m.UserID, &m.Role, &m.Content, &m.ContentHash, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = parseTime(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

// MessageByHash returns the most recent message with the given content
// hash, looking in live history first and then in archived history.
func (s *Store) MessageByHash(ctx context.Context, hash string) (Message, error) {
	for _, table := range []string{"messages", "archived_messages"} {
		var m Message
		var created string
		// table is one of two constants above, never user input.
		err := s.db.QueryRowContext(ctx,
			`SELECT id, user_id, role, content, content_hash, created_at FROM `+table+`
			 WHERE content_hash = ? ORDER BY seq DESC LIMIT 1`, hash,
		).Scan(&m.ID, &m.UserID, &m.Role, &m.Content, &m.ContentHash, &created)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return Message{}, fmt.Errorf("get message by hash: %w", err)
		}
		m.CreatedAt = parseTime(created)
		return m, nil
	}
	return Message{}, fmt.Errorf("message %s: %w", hash, ErrNotFound)
}

// ClearHistory moves the user's messages into the archive and returns
// how many were moved. Archived messages stay reachable by hash.
func (s *Store) ClearHistory(ctx context.Context, userID int64) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin clear: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO archived_messages (seq, id, user_id, role, content, content_hash, created_at, archived_at)
		 SELECT seq, id, user_id, role, content, content_hash, created_at, ?
		 FROM messages WHERE user_id = ?`,
		s.timestamp(), userID,
	); err != nil {
		return 0, fmt.Errorf("archive messages: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE user_id = ?`, userID)
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	n, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit clear: %w", err)
	}
	return int(n), nil
}
