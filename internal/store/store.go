package store

import (
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Store is the persistence collaborator for accounts, cursors, the message
// index, content cache, outbox and learning jobs.
type Store struct {
	DB *sql.DB

	// lockTTL bounds how long a sync lock may be held before another
	// worker may take it over.
	lockTTL time.Duration
}

// Open opens or creates the sync database at dbPath.
func Open(dbPath string, lockTTL time.Duration) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	if lockTTL <= 0 {
		lockTTL = 10 * time.Minute
	}

	return &Store{DB: db, lockTTL: lockTTL}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.DB.Close()
}

func isNoRows(err error) bool {
	return err == sql.ErrNoRows
}
