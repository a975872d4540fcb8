package batchjob

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver (pure Go, no CGO required)
	_ "modernc.org/sqlite"

	"github.com/btangonan/nano-banana-runner-sub001/core"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// JobSummary is one row of the job index, suitable for listing.
type JobSummary struct {
	JobID       string
	Provider    core.ProviderName
	Status      core.JobStatus
	EstCount    int
	Completed   int
	Total       int
	SubmittedAt time.Time
	UpdatedAt   time.Time
}

// Index is a queryable sqlite mirror of the manifest store. It is derived
// data: manifests are the source of truth and the index can always be
// rebuilt from them. WAL mode allows concurrent readers while jobs update.
type Index struct {
	db *sql.DB
}

// OpenIndex opens (creating if needed) the job index database at path and
// applies any pending schema migrations.
func OpenIndex(path string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("batchjob: create index dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("batchjob: open index: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("batchjob: ping index: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("batchjob: set pragma: %w", err)
		}
	}
	// SQLite handles concurrency best with a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := migrateIndex(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Index{db: db}, nil
}

// migrateIndex applies embedded migrations. ErrNoChange is not an error.
func migrateIndex(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("batchjob: load embedded migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{DatabaseName: "main"})
	if err != nil {
		return fmt.Errorf("batchjob: create sqlite migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("batchjob: create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("batchjob: apply migrations: %w", err)
	}
	return nil
}

// Upsert mirrors a manifest's current state into the index.
func (ix *Index) Upsert(ctx context.Context, m *Manifest) error {
	cur := m.Current()
	_, err := ix.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, provider, status, est_count, completed, total, submitted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			status = excluded.status,
			completed = excluded.completed,
			total = excluded.total,
			updated_at = excluded.updated_at`,
		m.JobID, string(m.Provider), string(cur.Status), m.EstCount,
		cur.Completed, cur.Total,
		m.SubmittedAt.UTC().Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("batchjob: upsert job %s: %w", m.JobID, err)
	}
	return nil
}

// List returns all indexed jobs, most recently submitted first.
func (ix *Index) List(ctx context.Context) ([]JobSummary, error) {
	rows, err := ix.db.QueryContext(ctx, `
		SELECT job_id, provider, status, est_count, completed, total, submitted_at, updated_at
		FROM jobs
		ORDER BY submitted_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("batchjob: list jobs: %w", err)
	}
	defer rows.Close()

	var out []JobSummary
	for rows.Next() {
		var (
			s                      JobSummary
			provider, status       string
			submittedAt, updatedAt string
		)
		if err := rows.Scan(&s.JobID, &provider, &status, &s.EstCount,
			&s.Completed, &s.Total, &submittedAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("batchjob: scan job row: %w", err)
		}
		s.Provider = core.ProviderName(provider)
		s.Status = core.JobStatus(status)
		s.SubmittedAt, _ = time.Parse(time.RFC3339Nano, submittedAt)
		s.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("batchjob: iterate job rows: %w", err)
	}
	return out, nil
}

// Close releases the underlying database handle.
func (ix *Index) Close() error {
	return ix.db.Close()
}
