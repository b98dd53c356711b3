package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Learning job states. completed and failed are terminal.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// ErrJobNotFound is returned when a learning job id resolves to nothing.
var ErrJobNotFound = errors.New("learning job not found")

// LearningJob tracks one asynchronous pattern-extraction run.
type LearningJob struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"account_id"`
	UserID     string    `json:"user_id"`
	State      string    `json:"state"`
	Total      int       `json:"total"`
	Processed  int       `json:"processed"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	LastError  string    `json:"last_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// CreateLearningJob inserts a job in the queued state.
func (s *Store) CreateLearningJob(ctx context.Context, job *LearningJob) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO learning_jobs (id, account_id, user_id, state, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, job.ID, job.AccountID, job.UserID, JobQueued, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to create learning job: %w", err)
	}
	return nil
}

// GetLearningJob loads one job by id.
func (s *Store) GetLearningJob(ctx context.Context, id string) (*LearningJob, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, account_id, user_id, state, total, processed, succeeded, failed,
		       last_error, created_at, started_at, finished_at
		FROM learning_jobs WHERE id = ?
	`, id)

	var j LearningJob
	var created int64
	var started, finished sql.NullInt64
	err := row.Scan(&j.ID, &j.AccountID, &j.UserID, &j.State, &j.Total, &j.Processed,
		&j.Succeeded, &j.Failed, &j.LastError, &created, &started, &finished)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("failed to load learning job: %w", err)
	}
	j.CreatedAt = time.Unix(created, 0)
	if started.Valid {
		j.StartedAt = time.Unix(started.Int64, 0)
	}
	if finished.Valid {
		j.FinishedAt = time.Unix(finished.Int64, 0)
	}
	return &j, nil
}

// StartLearningJob moves a job to running and records its total.
func (s *Store) StartLearningJob(ctx context.Context, id string, total int) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE learning_jobs SET state = ?, total = ?, started_at = ? WHERE id = ?
	`, JobRunning, total, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to start learning job: %w", err)
	}
	return nil
}

// UpdateLearningProgress accumulates batch outcomes onto the job record.
func (s *Store) UpdateLearningProgress(ctx context.Context, id string, processed, succeeded, failed int) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE learning_jobs
		SET processed = processed + ?, succeeded = succeeded + ?, failed = failed + ?
		WHERE id = ?
	`, processed, succeeded, failed, id)
	if err != nil {
		return fmt.Errorf("failed to update learning progress: %w", err)
	}
	return nil
}

// FinishLearningJob moves a job to a terminal state.
func (s *Store) FinishLearningJob(ctx context.Context, id, state, errMsg string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE learning_jobs SET state = ?, last_error = ?, finished_at = ? WHERE id = ?
	`, state, errMsg, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to finish learning job: %w", err)
	}
	return nil
}
