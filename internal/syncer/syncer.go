package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/driftmail/driftmail/internal/auth"
	"github.com/driftmail/driftmail/internal/provider"
	"github.com/driftmail/driftmail/internal/store"
)

// ErrSyncInProgress reports that another worker holds the sync lock for the
// folder. It is an expected outcome under concurrent triggers, not a fault.
var ErrSyncInProgress = errors.New("sync already in progress")

// CredentialSource resolves a credential reference to a usable credential.
type CredentialSource interface {
	GetCredential(ctx context.Context, credentialRef string) (*auth.Credential, error)
}

// ProviderFactory builds a mail provider for an account.
type ProviderFactory func(ctx context.Context, account *store.Account, cred *auth.Credential) (provider.MailProvider, error)

// Options tune a single sync run.
type Options struct {
	// MaxMessages caps how many messages the run will ingest; 0 means no cap.
	MaxMessages int
	// FullResync ignores the stored cursor and re-lists from scratch.
	FullResync bool
}

// Result summarizes a completed sync run.
type Result struct {
	Fetched  int    `json:"fetched"`
	Inserted int    `json:"inserted"`
	Skipped  int    `json:"skipped"`
	Cursor   string `json:"cursor"`
}

// Orchestrator drives sync runs: it takes the folder lock, walks provider
// pages, feeds them to the index and advances the cursor page by page, so an
// interrupted run resumes where it stopped.
type Orchestrator struct {
	Store    *store.Store
	Creds    CredentialSource
	Factory  ProviderFactory
	PageSize int

	// MaxRetries and Backoff govern retryable provider failures within a run.
	MaxRetries int
	Backoff    time.Duration
}

func NewOrchestrator(st *store.Store, creds CredentialSource, factory ProviderFactory, pageSize int) *Orchestrator {
	return &Orchestrator{
		Store:      st,
		Creds:      creds,
		Factory:    factory,
		PageSize:   pageSize,
		MaxRetries: 3,
		Backoff:    2 * time.Second,
	}
}

// Run performs one sync of a folder. Exactly one run per (account, folder)
// proceeds at a time; concurrent callers get ErrSyncInProgress.
func (o *Orchestrator) Run(ctx context.Context, accountID, folder string, opts Options) (*Result, error) {
	account, err := o.Store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !account.Active {
		return nil, fmt.Errorf("account %s is deactivated", accountID)
	}
	if !account.SyncEnabled {
		return nil, fmt.Errorf("sync is disabled for account %s", accountID)
	}

	acquired, err := o.Store.AcquireLock(ctx, accountID, folder)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrSyncInProgress
	}
	defer func() {
		if err := o.Store.ReleaseLock(context.WithoutCancel(ctx), accountID, folder); err != nil {
			log.Printf("Error releasing sync lock for %s/%s: %v", accountID, folder, err)
		}
	}()

	result, err := o.sync(ctx, account, folder, opts)
	if err != nil {
		if recErr := o.Store.RecordSyncError(context.WithoutCancel(ctx), accountID, err.Error(), time.Now()); recErr != nil {
			log.Printf("Error recording sync failure for %s: %v", accountID, recErr)
		}
		return nil, err
	}

	if err := o.Store.MarkSyncSuccess(ctx, accountID, time.Now()); err != nil {
		log.Printf("Error recording sync success for %s: %v", accountID, err)
	}
	return result, nil
}

func (o *Orchestrator) sync(ctx context.Context, account *store.Account, folder string, opts Options) (*Result, error) {
	cursor := ""
	if !opts.FullResync {
		var err error
		cursor, err = o.Store.GetCursor(ctx, account.ID, folder)
		if err != nil {
			return nil, err
		}
	}

	prov, err := o.buildProvider(ctx, account)
	if err != nil {
		return nil, err
	}
	// Closure so the auth-refresh rebuild below closes the current
	// provider, not the one bound at registration time.
	defer func() { closeProvider(prov) }()

	result := &Result{Cursor: cursor}
	refreshed := false

	for {
		pageSize := o.PageSize
		if opts.MaxMessages > 0 && opts.MaxMessages-result.Fetched < pageSize {
			pageSize = opts.MaxMessages - result.Fetched
		}

		page, err := o.listWithRetry(ctx, prov, folder, cursor, pageSize)
		if err != nil {
			// An auth failure gets one shot at a fresh credential; the token
			// service may simply have rotated the access token.
			if provider.KindOf(err) == provider.KindAuth && !refreshed {
				refreshed = true
				closeProvider(prov)
				prov = nil
				rebuilt, err := o.buildProvider(ctx, account)
				if err != nil {
					return nil, err
				}
				prov = rebuilt
				continue
			}
			return nil, err
		}

		if len(page.Messages) > 0 {
			entries := toEntries(account.ID, page.Messages)
			inserted, skipped, err := o.Store.UpsertMessages(ctx, account.ID, entries)
			if err != nil {
				return nil, err
			}
			result.Fetched += len(page.Messages)
			result.Inserted += inserted
			result.Skipped += skipped
		}

		// Advance the cursor only after the page's messages are durably
		// indexed, so a crash re-fetches at most one page.
		if page.NextCursor != "" && page.NextCursor != cursor {
			if err := o.Store.SetCursor(ctx, account.ID, folder, page.NextCursor); err != nil {
				return nil, err
			}
			cursor = page.NextCursor
			result.Cursor = cursor
		}

		if !page.More {
			break
		}
		if opts.MaxMessages > 0 && result.Fetched >= opts.MaxMessages {
			break
		}
	}

	return result, nil
}

func (o *Orchestrator) buildProvider(ctx context.Context, account *store.Account) (provider.MailProvider, error) {
	cred, err := o.Creds.GetCredential(ctx, account.CredentialRef)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve credential for account %s: %w", account.ID, err)
	}
	prov, err := o.Factory(ctx, account, cred)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s provider: %w", account.Provider, err)
	}
	return prov, nil
}

// BuildProvider exposes provider construction for collaborators that need
// ad-hoc access outside a sync run, such as body hydration.
func (o *Orchestrator) BuildProvider(ctx context.Context, account *store.Account) (provider.MailProvider, error) {
	return o.buildProvider(ctx, account)
}

func (o *Orchestrator) listWithRetry(ctx context.Context, prov provider.MailProvider, folder, cursor string, max int) (*provider.Page, error) {
	var lastErr error
	for attempt := 0; attempt <= o.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := o.Backoff * time.Duration(attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		page, err := prov.ListMessages(ctx, folder, cursor, max)
		if err == nil {
			return page, nil
		}
		if !provider.Retryable(err) {
			return nil, err
		}
		lastErr = err
		log.Printf("Retryable sync error (attempt %d/%d): %v", attempt+1, o.MaxRetries+1, err)
	}
	return nil, fmt.Errorf("giving up after %d attempts: %w", o.MaxRetries+1, lastErr)
}

func toEntries(accountID string, messages []provider.Message) []store.MessageIndexEntry {
	entries := make([]store.MessageIndexEntry, 0, len(messages))
	for _, m := range messages {
		entries = append(entries, store.MessageIndexEntry{
			AccountID: accountID,
			MessageID: m.ID,
			Folder:    m.Folder,
			ThreadID:  m.ThreadID,
			Subject:   m.Subject,
			Sender:    m.Sender,
			Direction: m.Direction,
			Date:      m.Date,
		})
	}
	return entries
}

func closeProvider(prov provider.MailProvider) {
	if c, ok := prov.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Printf("Error closing provider: %v", err)
		}
	}
}
