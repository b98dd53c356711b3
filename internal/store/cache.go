package store

import (
	"context"
	"fmt"
	"time"
)

// GetBody returns a cached message body. A miss is reported through the
// bool, not an error.
func (s *Store) GetBody(ctx context.Context, accountID, messageID string) (string, bool, error) {
	var body string
	err := s.DB.QueryRowContext(ctx, `
		SELECT body FROM message_bodies WHERE account_id = ? AND message_id = ?
	`, accountID, messageID).Scan(&body)
	if err != nil {
		if isNoRows(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to load body: %w", err)
	}
	return body, true, nil
}

// PutBody stores a message body. The first writer wins; re-puts overwrite,
// which is harmless since bodies are immutable upstream.
func (s *Store) PutBody(ctx context.Context, accountID, messageID, body string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO message_bodies (account_id, message_id, body, fetched_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id, message_id) DO UPDATE SET
			body = excluded.body,
			fetched_at = excluded.fetched_at
	`, accountID, messageID, body, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to store body: %w", err)
	}
	return nil
}
