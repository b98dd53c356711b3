package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Delivery modes for the real-time manager. An active account has exactly
// one effective mode at a time.
const (
	DeliveryPoll = "poll"
	DeliveryPush = "push"
)

// ErrAccountNotFound is returned when an account id resolves to nothing.
var ErrAccountNotFound = errors.New("account not found")

// Account is a single mailbox connection. Provisioning creates these
// outside this core; the sync engine mutates only sync state.
type Account struct {
	ID                    string
	UserID                string
	Provider              string
	CredentialRef         string
	Active                bool
	SyncEnabled           bool
	PollInterval          time.Duration
	DeliveryMode          string
	SubscriptionID        string
	SubscriptionExpiresAt time.Time
	LastSyncAt            time.Time
	LastAttemptAt         time.Time
	LastError             string
}

const accountColumns = `id, user_id, provider, credential_ref, active, sync_enabled,
	poll_interval_secs, delivery_mode, subscription_id, subscription_expires_at,
	last_sync_at, last_attempt_at, last_error`

func scanAccount(row interface{ Scan(...any) error }) (*Account, error) {
	var a Account
	var active, enabled int
	var intervalSecs int64
	var subExpires, lastSync, lastAttempt sql.NullInt64

	err := row.Scan(&a.ID, &a.UserID, &a.Provider, &a.CredentialRef, &active, &enabled,
		&intervalSecs, &a.DeliveryMode, &a.SubscriptionID, &subExpires,
		&lastSync, &lastAttempt, &a.LastError)
	if err != nil {
		return nil, err
	}

	a.Active = active != 0
	a.SyncEnabled = enabled != 0
	a.PollInterval = time.Duration(intervalSecs) * time.Second
	if subExpires.Valid {
		a.SubscriptionExpiresAt = time.Unix(subExpires.Int64, 0)
	}
	if lastSync.Valid {
		a.LastSyncAt = time.Unix(lastSync.Int64, 0)
	}
	if lastAttempt.Valid {
		a.LastAttemptAt = time.Unix(lastAttempt.Int64, 0)
	}
	return &a, nil
}

// GetAccount loads one account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	return a, nil
}

// GetAccountBySubscription resolves a push subscription id to its account.
func (s *Store) GetAccountBySubscription(ctx context.Context, subscriptionID string) (*Account, error) {
	if subscriptionID == "" {
		return nil, fmt.Errorf("%w: empty subscription id", ErrAccountNotFound)
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE subscription_id = ?`, subscriptionID)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: subscription %s", ErrAccountNotFound, subscriptionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account by subscription: %w", err)
	}
	return a, nil
}

// ListActiveAccounts returns all active, sync-enabled accounts.
func (s *Store) ListActiveAccounts(ctx context.Context) ([]*Account, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE active = 1 AND sync_enabled = 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// CreateAccount inserts an account row. Exposed for provisioning and tests;
// the sync core never calls it.
func (s *Store) CreateAccount(ctx context.Context, a *Account) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO accounts (id, user_id, provider, credential_ref, active, sync_enabled,
			poll_interval_secs, delivery_mode, subscription_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.UserID, a.Provider, a.CredentialRef, boolInt(a.Active), boolInt(a.SyncEnabled),
		int64(a.PollInterval/time.Second), orDefault(a.DeliveryMode, DeliveryPoll), a.SubscriptionID)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// MarkSyncSuccess records a successful sync and clears any previous error.
func (s *Store) MarkSyncSuccess(ctx context.Context, accountID string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE accounts
		SET last_sync_at = ?, last_attempt_at = ?, last_error = ''
		WHERE id = ?
	`, at.Unix(), at.Unix(), accountID)
	if err != nil {
		return fmt.Errorf("failed to mark sync success: %w", err)
	}
	return nil
}

// RecordSyncError stores a human-readable error on the account so operators
// can tell "stuck on error" from "never synced" without reading logs.
func (s *Store) RecordSyncError(ctx context.Context, accountID, message string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE accounts SET last_attempt_at = ?, last_error = ? WHERE id = ?
	`, at.Unix(), message, accountID)
	if err != nil {
		return fmt.Errorf("failed to record sync error: %w", err)
	}
	return nil
}

// SetDeliveryMode switches an account between poll and push in a single
// statement, updating subscription state in the same write so there is no
// window where both or neither mode fire.
func (s *Store) SetDeliveryMode(ctx context.Context, accountID, mode, subscriptionID string, expiresAt time.Time) error {
	var expires any
	if !expiresAt.IsZero() {
		expires = expiresAt.Unix()
	}
	_, err := s.DB.ExecContext(ctx, `
		UPDATE accounts
		SET delivery_mode = ?, subscription_id = ?, subscription_expires_at = ?
		WHERE id = ?
	`, mode, subscriptionID, expires, accountID)
	if err != nil {
		return fmt.Errorf("failed to set delivery mode: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
