package learning

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/driftmail/driftmail/internal/provider"
	"github.com/driftmail/driftmail/internal/store"
	"github.com/driftmail/driftmail/internal/syncer"
)

// Options tune a learning job.
type Options struct {
	// ForceRelearn re-analyzes messages that were already processed.
	ForceRelearn bool
	// BatchSize overrides the pipeline's default batch size when positive.
	BatchSize int
}

// Pipeline runs asynchronous learning jobs: it walks an account's indexed
// messages, hydrates bodies through the cache, and feeds batches to the
// analyzer. A failed batch is recorded and the job moves on; only being
// unable to run at all fails the job.
type Pipeline struct {
	Store        *store.Store
	Orchestrator *syncer.Orchestrator
	Analyzer     Analyzer

	BatchSize int
	Pause     time.Duration
}

func NewPipeline(st *store.Store, orch *syncer.Orchestrator, analyzer Analyzer, batchSize int, pause time.Duration) *Pipeline {
	return &Pipeline{
		Store:        st,
		Orchestrator: orch,
		Analyzer:     analyzer,
		BatchSize:    batchSize,
		Pause:        pause,
	}
}

// Submit creates a learning job for an account and starts it in the
// background. The returned job id can be polled through Status.
func (p *Pipeline) Submit(ctx context.Context, accountID string, opts Options) (string, error) {
	account, err := p.Store.GetAccount(ctx, accountID)
	if err != nil {
		return "", err
	}
	if !account.Active {
		return "", fmt.Errorf("account %s is deactivated", accountID)
	}

	job := &store.LearningJob{
		ID:        uuid.NewString(),
		AccountID: account.ID,
		UserID:    account.UserID,
	}
	if err := p.Store.CreateLearningJob(ctx, job); err != nil {
		return "", err
	}

	// The job outlives the submitting request.
	go p.run(context.WithoutCancel(ctx), account, job.ID, opts)

	return job.ID, nil
}

// Status returns the current state of a job.
func (p *Pipeline) Status(ctx context.Context, jobID string) (*store.LearningJob, error) {
	return p.Store.GetLearningJob(ctx, jobID)
}

func (p *Pipeline) run(ctx context.Context, account *store.Account, jobID string, opts Options) {
	entries, err := p.Store.ListUnanalyzed(ctx, account.ID, opts.ForceRelearn)
	if err != nil {
		p.finish(ctx, jobID, store.JobFailed, err.Error())
		return
	}

	if err := p.Store.StartLearningJob(ctx, jobID, len(entries)); err != nil {
		log.Printf("Error starting learning job %s: %v", jobID, err)
		return
	}

	if len(entries) == 0 {
		p.finish(ctx, jobID, store.JobCompleted, "")
		return
	}

	// One provider connection serves the whole job's body hydration. Losing
	// it is not fatal; cached bodies still flow and the rest go bodyless.
	prov, err := p.Orchestrator.BuildProvider(ctx, account)
	if err != nil {
		log.Printf("Learning job %s proceeding without body hydration: %v", jobID, err)
		prov = nil
	}
	defer func() {
		if c, ok := prov.(io.Closer); ok {
			c.Close()
		}
	}()

	batchSize := p.BatchSize
	if opts.BatchSize > 0 {
		batchSize = opts.BatchSize
	}

	var lastErr string
	for start := 0; start < len(entries); start += batchSize {
		end := start + batchSize
		if end > len(entries) {
			end = len(entries)
		}
		batch := entries[start:end]

		samples := make([]Sample, 0, len(batch))
		for _, e := range batch {
			samples = append(samples, Sample{
				AccountID: e.AccountID,
				UserID:    e.UserID,
				MessageID: e.MessageID,
				Folder:    e.Folder,
				Subject:   e.Subject,
				Sender:    e.Sender,
				Direction: e.Direction,
				Date:      e.Date,
				Body:      p.hydrate(ctx, prov, e.AccountID, e.MessageID),
			})
		}

		result, err := p.Analyzer.AnalyzeBatch(ctx, samples)
		if err != nil {
			// The whole batch is lost but the job keeps going; partial
			// learning beats none.
			log.Printf("Learning job %s: batch failed: %v", jobID, err)
			lastErr = err.Error()
			if err := p.Store.UpdateLearningProgress(ctx, jobID, len(batch), 0, len(batch)); err != nil {
				log.Printf("Error updating learning job %s: %v", jobID, err)
			}
		} else {
			failed := make(map[string]bool, len(result.FailedIDs))
			for _, id := range result.FailedIDs {
				failed[id] = true
			}
			succeededIDs := make([]string, 0, len(batch))
			for _, e := range batch {
				if !failed[e.MessageID] {
					succeededIDs = append(succeededIDs, e.MessageID)
				}
			}
			if err := p.Store.MarkAnalyzed(ctx, account.ID, succeededIDs); err != nil {
				log.Printf("Error marking analyzed for job %s: %v", jobID, err)
			}
			// Derive the failed count from the batch rather than trusting the
			// analyzer's id list, which may repeat ids or name ones outside
			// the batch.
			if err := p.Store.UpdateLearningProgress(ctx, jobID, len(batch), len(succeededIDs), len(batch)-len(succeededIDs)); err != nil {
				log.Printf("Error updating learning job %s: %v", jobID, err)
			}
		}

		if end < len(entries) && p.Pause > 0 {
			select {
			case <-ctx.Done():
				p.finish(ctx, jobID, store.JobFailed, ctx.Err().Error())
				return
			case <-time.After(p.Pause):
			}
		}
	}

	p.finish(ctx, jobID, store.JobCompleted, lastErr)
}

// hydrate fetches a message body, preferring the cache and writing back on a
// miss. Body failures degrade to a metadata-only sample.
func (p *Pipeline) hydrate(ctx context.Context, prov provider.MailProvider, accountID, messageID string) string {
	body, ok, err := p.Store.GetBody(ctx, accountID, messageID)
	if err != nil {
		log.Printf("Error reading body cache for %s/%s: %v", accountID, messageID, err)
	}
	if ok {
		return body
	}
	if prov == nil {
		return ""
	}

	body, err = prov.FetchBody(ctx, messageID)
	if err != nil {
		log.Printf("Error fetching body for %s/%s: %v", accountID, messageID, err)
		return ""
	}
	if err := p.Store.PutBody(ctx, accountID, messageID, body); err != nil {
		log.Printf("Error caching body for %s/%s: %v", accountID, messageID, err)
	}
	return body
}

func (p *Pipeline) finish(ctx context.Context, jobID, state, errMsg string) {
	if err := p.Store.FinishLearningJob(ctx, jobID, state, errMsg); err != nil {
		log.Printf("Error finishing learning job %s: %v", jobID, err)
	}
}
