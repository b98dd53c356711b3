package learning

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/driftmail/driftmail/internal/auth"
	"github.com/driftmail/driftmail/internal/provider"
	"github.com/driftmail/driftmail/internal/store"
	"github.com/driftmail/driftmail/internal/syncer"
)

type fakeAnalyzer struct {
	batches   [][]Sample
	failBatch int      // 1-based index of the batch that errors out; 0 = none
	failIDs   []string // ids to reject in otherwise successful batches
	echoIDs   []string // when set, returned as FailedIDs verbatim
}

func (f *fakeAnalyzer) AnalyzeBatch(ctx context.Context, samples []Sample) (*BatchResult, error) {
	f.batches = append(f.batches, samples)
	if len(f.batches) == f.failBatch {
		return nil, errors.New("analyzer unavailable")
	}
	if f.echoIDs != nil {
		return &BatchResult{FailedIDs: f.echoIDs}, nil
	}
	result := &BatchResult{}
	reject := make(map[string]bool)
	for _, id := range f.failIDs {
		reject[id] = true
	}
	for _, s := range samples {
		if reject[s.MessageID] {
			result.FailedIDs = append(result.FailedIDs, s.MessageID)
		}
	}
	return result, nil
}

type bodyProvider struct{}

func (bodyProvider) Capabilities() provider.Capabilities { return provider.Capabilities{} }
func (bodyProvider) ListMessages(ctx context.Context, folder, cursor string, max int) (*provider.Page, error) {
	return &provider.Page{}, nil
}
func (bodyProvider) FetchBody(ctx context.Context, messageID string) (string, error) {
	return "body of " + messageID, nil
}

func newTestPipeline(t *testing.T, analyzer Analyzer, batchSize int) (*Pipeline, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), 10*time.Minute)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	err = st.CreateAccount(context.Background(), &store.Account{
		ID: "acct1", UserID: "user1", Provider: "GMAIL", CredentialRef: "ref1",
		Active: true, SyncEnabled: true,
	})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	orch := syncer.NewOrchestrator(st, credStub{}, func(ctx context.Context, account *store.Account, cred *auth.Credential) (provider.MailProvider, error) {
		return bodyProvider{}, nil
	}, 100)

	return NewPipeline(st, orch, analyzer, batchSize, 0), st
}

type credStub struct{}

func (credStub) GetCredential(ctx context.Context, ref string) (*auth.Credential, error) {
	return &auth.Credential{AccessToken: "tok"}, nil
}

func seedMessages(t *testing.T, st *store.Store, n int) {
	t.Helper()
	entries := make([]store.MessageIndexEntry, 0, n)
	for i := 0; i < n; i++ {
		entries = append(entries, store.MessageIndexEntry{
			MessageID: fmt.Sprintf("m%d", i+1),
			Folder:    "INBOX",
			Subject:   fmt.Sprintf("subject %d", i+1),
			Date:      time.Unix(int64(1000+i), 0),
		})
	}
	if _, _, err := st.UpsertMessages(context.Background(), "acct1", entries); err != nil {
		t.Fatalf("UpsertMessages: %v", err)
	}
}

func waitForJob(t *testing.T, p *Pipeline, jobID string) *store.LearningJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := p.Status(context.Background(), jobID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if job.State == store.JobCompleted || job.State == store.JobFailed {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job did not finish in time")
	return nil
}

func TestSubmitProcessesAllMessages(t *testing.T) {
	analyzer := &fakeAnalyzer{}
	p, st := newTestPipeline(t, analyzer, 2)
	seedMessages(t, st, 5)

	jobID, err := p.Submit(context.Background(), "acct1", Options{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	job := waitForJob(t, p, jobID)
	if job.State != store.JobCompleted {
		t.Errorf("state = %q, want completed", job.State)
	}
	if job.Total != 5 || job.Processed != 5 || job.Succeeded != 5 || job.Failed != 0 {
		t.Errorf("job = %+v, want 5/5/5/0", job)
	}
	if len(analyzer.batches) != 3 {
		t.Errorf("analyzer saw %d batches, want 3", len(analyzer.batches))
	}

	// Everything is marked analyzed, so a second pass finds nothing.
	pending, err := st.ListUnanalyzed(context.Background(), "acct1", false)
	if err != nil {
		t.Fatalf("ListUnanalyzed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("%d messages still pending after completed job", len(pending))
	}

	// Bodies were hydrated through the cache.
	body, ok, err := st.GetBody(context.Background(), "acct1", "m1")
	if err != nil || !ok {
		t.Fatalf("GetBody: ok=%v err=%v", ok, err)
	}
	if body != "body of m1" {
		t.Errorf("cached body = %q", body)
	}
}

func TestSubmitFailedBatchDoesNotAbortJob(t *testing.T) {
	analyzer := &fakeAnalyzer{failBatch: 2}
	p, st := newTestPipeline(t, analyzer, 2)
	seedMessages(t, st, 5)

	jobID, err := p.Submit(context.Background(), "acct1", Options{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	job := waitForJob(t, p, jobID)
	if job.State != store.JobCompleted {
		t.Errorf("state = %q, want completed despite failed batch", job.State)
	}
	if job.Processed != 5 {
		t.Errorf("processed = %d, want 5", job.Processed)
	}
	if job.Succeeded != 3 || job.Failed != 2 {
		t.Errorf("succeeded/failed = %d/%d, want 3/2", job.Succeeded, job.Failed)
	}
	if job.LastError == "" {
		t.Error("failed batch left no error trace on the job")
	}

	// The failed batch's messages stay unanalyzed for the next job.
	pending, err := st.ListUnanalyzed(context.Background(), "acct1", false)
	if err != nil {
		t.Fatalf("ListUnanalyzed: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("pending = %d, want 2", len(pending))
	}
}

func TestSubmitPartialBatchRejections(t *testing.T) {
	analyzer := &fakeAnalyzer{failIDs: []string{"m2"}}
	p, st := newTestPipeline(t, analyzer, 10)
	seedMessages(t, st, 3)

	jobID, err := p.Submit(context.Background(), "acct1", Options{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	job := waitForJob(t, p, jobID)
	if job.Succeeded != 2 || job.Failed != 1 {
		t.Errorf("succeeded/failed = %d/%d, want 2/1", job.Succeeded, job.Failed)
	}
}

func TestSubmitMalformedRejectionList(t *testing.T) {
	// An analyzer that repeats an id or names one outside the batch must not
	// skew the job's counters.
	analyzer := &fakeAnalyzer{echoIDs: []string{"m2", "m2", "ghost"}}
	p, st := newTestPipeline(t, analyzer, 10)
	seedMessages(t, st, 3)

	jobID, err := p.Submit(context.Background(), "acct1", Options{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	job := waitForJob(t, p, jobID)
	if job.Succeeded != 2 || job.Failed != 1 {
		t.Errorf("succeeded/failed = %d/%d, want 2/1", job.Succeeded, job.Failed)
	}
	if job.Succeeded+job.Failed != job.Processed {
		t.Errorf("succeeded %d + failed %d != processed %d", job.Succeeded, job.Failed, job.Processed)
	}
}

func TestSubmitForceRelearn(t *testing.T) {
	analyzer := &fakeAnalyzer{}
	p, st := newTestPipeline(t, analyzer, 10)
	seedMessages(t, st, 3)

	jobID, err := p.Submit(context.Background(), "acct1", Options{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForJob(t, p, jobID)

	// Without force, nothing is left to do.
	jobID, err = p.Submit(context.Background(), "acct1", Options{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	job := waitForJob(t, p, jobID)
	if job.Total != 0 {
		t.Errorf("second job total = %d, want 0", job.Total)
	}

	// With force, the whole index is re-fed.
	jobID, err = p.Submit(context.Background(), "acct1", Options{ForceRelearn: true})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	job = waitForJob(t, p, jobID)
	if job.Total != 3 || job.Processed != 3 {
		t.Errorf("relearn job = %+v, want 3 processed", job)
	}
}

func TestSubmitUnknownAccount(t *testing.T) {
	p, _ := newTestPipeline(t, &fakeAnalyzer{}, 10)
	if _, err := p.Submit(context.Background(), "ghost", Options{}); !errors.Is(err, store.ErrAccountNotFound) {
		t.Errorf("err = %v, want ErrAccountNotFound", err)
	}
}
