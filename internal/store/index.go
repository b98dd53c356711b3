package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

func newEventID() string { return uuid.NewString() }

// MessageIndexEntry is one row of deduplicated message metadata.
type MessageIndexEntry struct {
	AccountID string
	MessageID string
	UserID    string
	Folder    string
	ThreadID  string
	Subject   string
	Sender    string
	Direction string
	Date      time.Time
}

// indexedEvent is the outbox payload published for each newly indexed
// message.
type indexedEvent struct {
	EventID   string `json:"event_id"`
	TS        int64  `json:"ts"`
	AccountID string `json:"account_id"`
	UserID    string `json:"user_id"`
	MessageID string `json:"message_id"`
	Folder    string `json:"folder"`
	Subject   string `json:"subject"`
	Sender    string `json:"sender"`
	Direction string `json:"direction"`
	MsgDate   int64  `json:"msg_date"`
}

// UpsertMessages writes a batch of index entries idempotently on
// (account_id, message_id) and returns how many rows were actually inserted
// versus skipped as already present. The owning user id is re-derived from
// the account row inside the same transaction; caller-supplied values are
// never trusted, since a mismatch silently corrupts per-user analytics.
// Each inserted row also gets an outbox entry so downstream consumers see a
// mail.indexed event exactly once.
func (s *Store) UpsertMessages(ctx context.Context, accountID string, entries []MessageIndexEntry) (inserted, skipped int, err error) {
	if len(entries) == 0 {
		return 0, 0, nil
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var userID string
	if err := tx.QueryRowContext(ctx, `SELECT user_id FROM accounts WHERE id = ?`, accountID).Scan(&userID); err != nil {
		if isNoRows(err) {
			return 0, 0, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
		}
		return 0, 0, fmt.Errorf("failed to resolve account owner: %w", err)
	}

	now := time.Now().Unix()

	// Single multi-row statement; RETURNING yields only the rows that were
	// actually inserted, which is what the outbox needs.
	var sb strings.Builder
	sb.WriteString(`INSERT OR IGNORE INTO message_index
		(account_id, message_id, user_id, folder, thread_id, subject, sender, direction, message_date, indexed_at)
		VALUES `)
	args := make([]any, 0, len(entries)*10)
	for i, e := range entries {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		direction := e.Direction
		if direction == "" {
			direction = "received"
		}
		args = append(args, accountID, e.MessageID, userID, e.Folder, e.ThreadID,
			e.Subject, e.Sender, direction, e.Date.Unix(), now)
	}
	sb.WriteString(" RETURNING message_id, folder, subject, sender, direction, message_date")

	rows, err := tx.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to upsert messages: %w", err)
	}

	type insertedRow struct {
		messageID, folder, subject, sender, direction string
		msgDate                                       int64
	}
	var fresh []insertedRow
	for rows.Next() {
		var r insertedRow
		if err := rows.Scan(&r.messageID, &r.folder, &r.subject, &r.sender, &r.direction, &r.msgDate); err != nil {
			rows.Close()
			return 0, 0, fmt.Errorf("failed to scan inserted row: %w", err)
		}
		fresh = append(fresh, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("failed reading inserted rows: %w", err)
	}

	for _, r := range fresh {
		event := indexedEvent{
			EventID:   newEventID(),
			TS:        now,
			AccountID: accountID,
			UserID:    userID,
			MessageID: r.messageID,
			Folder:    r.folder,
			Subject:   r.subject,
			Sender:    r.sender,
			Direction: r.direction,
			MsgDate:   r.msgDate,
		}
		payload, _ := json.Marshal(event)
		subject := fmt.Sprintf("user.%s.mail.indexed", userID)
		msgID := fmt.Sprintf("mail.indexed|%s|%s", accountID, r.messageID)

		_, err := tx.ExecContext(ctx, `
			INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
			VALUES (?, ?, 'mail.indexed', ?, ?, ?)
		`, now, subject, payload, msgID, now)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to insert outbox entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return len(fresh), len(entries) - len(fresh), nil
}

// ListUnanalyzed returns index entries for an account that the learning
// pipeline has not processed yet. With includeAnalyzed the full index is
// returned (force relearn).
func (s *Store) ListUnanalyzed(ctx context.Context, accountID string, includeAnalyzed bool) ([]MessageIndexEntry, error) {
	query := `
		SELECT account_id, message_id, user_id, folder, thread_id, subject, sender, direction, message_date
		FROM message_index
		WHERE account_id = ?`
	if !includeAnalyzed {
		query += ` AND analyzed_at IS NULL`
	}
	query += ` ORDER BY message_date, message_id`

	rows, err := s.DB.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list unanalyzed messages: %w", err)
	}
	defer rows.Close()

	var entries []MessageIndexEntry
	for rows.Next() {
		var e MessageIndexEntry
		var msgDate int64
		if err := rows.Scan(&e.AccountID, &e.MessageID, &e.UserID, &e.Folder, &e.ThreadID,
			&e.Subject, &e.Sender, &e.Direction, &msgDate); err != nil {
			return nil, fmt.Errorf("failed to scan index entry: %w", err)
		}
		e.Date = time.Unix(msgDate, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkAnalyzed stamps analyzed_at on the given messages.
func (s *Store) MarkAnalyzed(ctx context.Context, accountID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	now := time.Now().Unix()
	args := make([]any, 0, len(messageIDs)+2)
	args = append(args, now, accountID)
	placeholders := make([]string, len(messageIDs))
	for i, id := range messageIDs {
		placeholders[i] = "?"
		args = append(args, id)
	}
	_, err := s.DB.ExecContext(ctx, `
		UPDATE message_index SET analyzed_at = ?
		WHERE account_id = ? AND message_id IN (`+strings.Join(placeholders, ", ")+`)
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to mark analyzed: %w", err)
	}
	return nil
}

// CountIndexed returns how many messages are indexed for an account.
func (s *Store) CountIndexed(ctx context.Context, accountID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM message_index WHERE account_id = ?
	`, accountID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count indexed messages: %w", err)
	}
	return n, nil
}
