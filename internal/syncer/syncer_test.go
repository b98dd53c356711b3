package syncer

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/driftmail/driftmail/internal/auth"
	"github.com/driftmail/driftmail/internal/provider"
	"github.com/driftmail/driftmail/internal/store"
)

type staticCreds struct{}

func (staticCreds) GetCredential(ctx context.Context, ref string) (*auth.Credential, error) {
	return &auth.Credential{AccessToken: "token-" + ref}, nil
}

// step is one scripted ListMessages response.
type step struct {
	page *provider.Page
	err  error
}

type fakeProvider struct {
	steps  []step
	calls  int
	closed int
}

func (f *fakeProvider) Capabilities() provider.Capabilities { return provider.Capabilities{} }

func (f *fakeProvider) ListMessages(ctx context.Context, folder, cursor string, max int) (*provider.Page, error) {
	if f.calls >= len(f.steps) {
		return &provider.Page{NextCursor: cursor}, nil
	}
	s := f.steps[f.calls]
	f.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.page, nil
}

func (f *fakeProvider) FetchBody(ctx context.Context, messageID string) (string, error) {
	return "body of " + messageID, nil
}

func (f *fakeProvider) Close() error {
	f.closed++
	return nil
}

func msg(id string) provider.Message {
	return provider.Message{ID: id, Folder: "INBOX", Subject: "s-" + id, Date: time.Unix(1000, 0)}
}

func newTestOrchestrator(t *testing.T, prov *fakeProvider) (*Orchestrator, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), 10*time.Minute)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	err = st.CreateAccount(context.Background(), &store.Account{
		ID: "acct1", UserID: "user1", Provider: "GMAIL", CredentialRef: "ref1",
		Active: true, SyncEnabled: true, PollInterval: time.Minute,
	})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	factory := func(ctx context.Context, account *store.Account, cred *auth.Credential) (provider.MailProvider, error) {
		return prov, nil
	}
	orch := NewOrchestrator(st, staticCreds{}, factory, 100)
	orch.Backoff = time.Millisecond
	return orch, st
}

func TestRunWalksAllPages(t *testing.T) {
	prov := &fakeProvider{steps: []step{
		{page: &provider.Page{Messages: []provider.Message{msg("m1"), msg("m2")}, NextCursor: "c1", More: true}},
		{page: &provider.Page{Messages: []provider.Message{msg("m3")}, NextCursor: "c2"}},
	}}
	orch, st := newTestOrchestrator(t, prov)

	result, err := orch.Run(context.Background(), "acct1", "INBOX", Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Fetched != 3 || result.Inserted != 3 || result.Skipped != 0 {
		t.Errorf("result = %+v, want 3 fetched/inserted", result)
	}
	if result.Cursor != "c2" {
		t.Errorf("cursor = %q, want c2", result.Cursor)
	}

	cursor, _ := st.GetCursor(context.Background(), "acct1", "INBOX")
	if cursor != "c2" {
		t.Errorf("persisted cursor = %q, want c2", cursor)
	}
	if prov.closed != 1 {
		t.Errorf("provider closed %d times, want 1", prov.closed)
	}

	account, _ := st.GetAccount(context.Background(), "acct1")
	if account.LastSyncAt.IsZero() || account.LastError != "" {
		t.Errorf("account status not updated: %+v", account)
	}
}

func TestRunResumesFromCursor(t *testing.T) {
	prov := &fakeProvider{steps: []step{
		{page: &provider.Page{Messages: []provider.Message{msg("m9")}, NextCursor: "c9"}},
	}}
	orch, st := newTestOrchestrator(t, prov)
	ctx := context.Background()

	if err := st.SetCursor(ctx, "acct1", "INBOX", "c8"); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}

	if _, err := orch.Run(ctx, "acct1", "INBOX", Options{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Replaying the same page must dedup, not double-count.
	prov.steps = append(prov.steps, step{
		page: &provider.Page{Messages: []provider.Message{msg("m9")}, NextCursor: "c9"},
	})
	result, err := orch.Run(ctx, "acct1", "INBOX", Options{FullResync: true})
	if err != nil {
		t.Fatalf("Run resync: %v", err)
	}
	if result.Inserted != 0 || result.Skipped != 1 {
		t.Errorf("resync result = %+v, want 0 inserted / 1 skipped", result)
	}
}

func TestRunMidPageFailureKeepsProgress(t *testing.T) {
	prov := &fakeProvider{steps: []step{
		{page: &provider.Page{Messages: []provider.Message{msg("m1")}, NextCursor: "c1", More: true}},
		{err: provider.Errorf(provider.KindProtocol, provider.NameGmail, "list", "corrupt page")},
	}}
	orch, st := newTestOrchestrator(t, prov)
	ctx := context.Background()

	_, err := orch.Run(ctx, "acct1", "INBOX", Options{})
	if err == nil {
		t.Fatal("expected sync failure")
	}

	// Page one survived; the next run starts at c1, not from scratch.
	cursor, _ := st.GetCursor(ctx, "acct1", "INBOX")
	if cursor != "c1" {
		t.Errorf("cursor after failure = %q, want c1", cursor)
	}
	n, _ := st.CountIndexed(ctx, "acct1")
	if n != 1 {
		t.Errorf("indexed = %d, want 1", n)
	}
	account, _ := st.GetAccount(ctx, "acct1")
	if account.LastError == "" {
		t.Error("failure was not recorded on the account")
	}

	// The lock must be free again.
	ok, err := st.AcquireLock(ctx, "acct1", "INBOX")
	if err != nil || !ok {
		t.Errorf("lock still held after failed run: ok=%v err=%v", ok, err)
	}
}

func TestRunLockContention(t *testing.T) {
	prov := &fakeProvider{}
	orch, st := newTestOrchestrator(t, prov)
	ctx := context.Background()

	ok, err := st.AcquireLock(ctx, "acct1", "INBOX")
	if err != nil || !ok {
		t.Fatalf("AcquireLock: ok=%v err=%v", ok, err)
	}

	_, err = orch.Run(ctx, "acct1", "INBOX", Options{})
	if !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("err = %v, want ErrSyncInProgress", err)
	}
	if prov.calls != 0 {
		t.Errorf("provider was called %d times under contention", prov.calls)
	}
}

func TestRunRetriesTransientErrors(t *testing.T) {
	prov := &fakeProvider{steps: []step{
		{err: provider.Errorf(provider.KindTransient, provider.NameGmail, "list", "flaky network")},
		{err: provider.Errorf(provider.KindRateLimited, provider.NameGmail, "list", "slow down")},
		{page: &provider.Page{Messages: []provider.Message{msg("m1")}, NextCursor: "c1"}},
	}}
	orch, _ := newTestOrchestrator(t, prov)

	result, err := orch.Run(context.Background(), "acct1", "INBOX", Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Inserted != 1 {
		t.Errorf("inserted = %d, want 1", result.Inserted)
	}
	if prov.calls != 3 {
		t.Errorf("provider calls = %d, want 3", prov.calls)
	}
}

func TestRunRebuildsProviderOnAuthError(t *testing.T) {
	original := &fakeProvider{steps: []step{
		{err: provider.Errorf(provider.KindAuth, provider.NameGmail, "list", "token expired")},
	}}
	rebuilt := &fakeProvider{steps: []step{
		{page: &provider.Page{Messages: []provider.Message{msg("m1")}, NextCursor: "c1"}},
	}}
	orch, _ := newTestOrchestrator(t, original)

	builds := 0
	orch.Factory = func(ctx context.Context, account *store.Account, cred *auth.Credential) (provider.MailProvider, error) {
		builds++
		if builds == 1 {
			return original, nil
		}
		return rebuilt, nil
	}

	result, err := orch.Run(context.Background(), "acct1", "INBOX", Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Inserted != 1 {
		t.Errorf("inserted = %d, want 1", result.Inserted)
	}
	if builds != 2 {
		t.Errorf("provider built %d times, want 2 (original + refresh)", builds)
	}

	// Each provider is closed exactly once: the original at the refresh,
	// the replacement when the run finishes.
	if original.closed != 1 {
		t.Errorf("original provider closed %d times, want 1", original.closed)
	}
	if rebuilt.closed != 1 {
		t.Errorf("rebuilt provider closed %d times, want 1", rebuilt.closed)
	}
}

func TestRunSecondAuthErrorFails(t *testing.T) {
	prov := &fakeProvider{steps: []step{
		{err: provider.Errorf(provider.KindAuth, provider.NameGmail, "list", "token expired")},
		{err: provider.Errorf(provider.KindAuth, provider.NameGmail, "list", "still expired")},
	}}
	orch, _ := newTestOrchestrator(t, prov)

	_, err := orch.Run(context.Background(), "acct1", "INBOX", Options{})
	if provider.KindOf(err) != provider.KindAuth {
		t.Errorf("err = %v, want auth kind", err)
	}
}

func TestRunHonorsMaxMessages(t *testing.T) {
	prov := &fakeProvider{steps: []step{
		{page: &provider.Page{Messages: []provider.Message{msg("m1"), msg("m2")}, NextCursor: "c1", More: true}},
		{page: &provider.Page{Messages: []provider.Message{msg("m3"), msg("m4")}, NextCursor: "c2", More: true}},
	}}
	orch, _ := newTestOrchestrator(t, prov)

	result, err := orch.Run(context.Background(), "acct1", "INBOX", Options{MaxMessages: 3})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Fetched > 4 || result.Fetched < 3 {
		t.Errorf("fetched = %d, want capped near 3", result.Fetched)
	}
	if prov.calls != 2 {
		t.Errorf("provider calls = %d, want 2", prov.calls)
	}
}

func TestRunRejectsDisabledAccount(t *testing.T) {
	prov := &fakeProvider{}
	orch, st := newTestOrchestrator(t, prov)
	ctx := context.Background()

	err := st.CreateAccount(ctx, &store.Account{
		ID: "acct2", UserID: "user1", Provider: "GMAIL", CredentialRef: "ref2",
		Active: true, SyncEnabled: false,
	})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	if _, err := orch.Run(ctx, "acct2", "INBOX", Options{}); err == nil {
		t.Error("expected error for sync-disabled account")
	}
	if _, err := orch.Run(ctx, "missing", "INBOX", Options{}); !errors.Is(err, store.ErrAccountNotFound) {
		t.Errorf("err = %v, want ErrAccountNotFound", err)
	}
}
