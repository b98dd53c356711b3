package store

import (
	"context"
	"fmt"
	"time"
)

// AcquireLock attempts to take the single-writer sync lock for
// (accountID, folder). It returns false when another sync is in flight,
// which is the normal concurrent-invocation outcome, not an error. A lock
// older than the store's TTL is considered abandoned and is taken over, so
// a crash during a sync cannot wedge the pair permanently.
func (s *Store) AcquireLock(ctx context.Context, accountID, folder string) (bool, error) {
	now := time.Now().Unix()
	stale := time.Now().Add(-s.lockTTL).Unix()

	// Ensure the cursor row exists so the CAS below has something to hit.
	_, err := s.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO folder_cursors (account_id, folder, cursor, in_progress, updated_at)
		VALUES (?, ?, '', 0, ?)
	`, accountID, folder, now)
	if err != nil {
		return false, fmt.Errorf("failed to ensure cursor row: %w", err)
	}

	res, err := s.DB.ExecContext(ctx, `
		UPDATE folder_cursors
		SET in_progress = 1, locked_at = ?
		WHERE account_id = ? AND folder = ?
		  AND (in_progress = 0 OR locked_at IS NULL OR locked_at < ?)
	`, now, accountID, folder, stale)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read lock result: %w", err)
	}
	return n == 1, nil
}

// ReleaseLock clears the in-progress flag for (accountID, folder).
func (s *Store) ReleaseLock(ctx context.Context, accountID, folder string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE folder_cursors
		SET in_progress = 0, locked_at = NULL
		WHERE account_id = ? AND folder = ?
	`, accountID, folder)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// GetCursor returns the stored cursor for (accountID, folder). An empty
// string means no sync has completed yet (full backfill).
func (s *Store) GetCursor(ctx context.Context, accountID, folder string) (string, error) {
	var cursor string
	err := s.DB.QueryRowContext(ctx, `
		SELECT cursor FROM folder_cursors WHERE account_id = ? AND folder = ?
	`, accountID, folder).Scan(&cursor)
	if err != nil {
		if isNoRows(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to load cursor: %w", err)
	}
	return cursor, nil
}

// SetCursor persists a new cursor for (accountID, folder).
func (s *Store) SetCursor(ctx context.Context, accountID, folder, cursor string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO folder_cursors (account_id, folder, cursor, in_progress, updated_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(account_id, folder) DO UPDATE SET
			cursor = excluded.cursor,
			updated_at = excluded.updated_at
	`, accountID, folder, cursor, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// ListCursorFolders returns the folders that have cursor state for an
// account, i.e. the folders the poller should keep fresh.
func (s *Store) ListCursorFolders(ctx context.Context, accountID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT folder FROM folder_cursors WHERE account_id = ? ORDER BY folder
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cursor folders: %w", err)
	}
	defer rows.Close()

	var folders []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, fmt.Errorf("failed to scan folder: %w", err)
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}
