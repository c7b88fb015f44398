package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PendingName is the display name of a media job whose title is not known yet.
const PendingName = "pending"

// MediaJob is the durable record of a local extraction job.
type MediaJob struct {
	ID          string
	Name        string
	SourceURL   string
	Destination string
	AudioOnly   bool
	AddedAt     time.Time
	CompletedAt *time.Time
}

// MediaJobRepository stores media job records.
type MediaJobRepository struct {
	db *sql.DB
}

// Create inserts a job. An empty name is stored as PendingName.
func (r *MediaJobRepository) Create(ctx context.Context, job MediaJob) error {
	if job.Name == "" {
		job.Name = PendingName
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO media_jobs (id, name, source_url, dest, audio_only, added_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.Name, job.SourceURL, job.Destination, job.AudioOnly, job.AddedAt.Unix(), unixOrNil(job.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to insert media job: %w", err)
	}
	return nil
}

// SetName replaces the placeholder name. It only applies while the name is
// still PendingName, so a job is renamed at most once.
func (r *MediaJobRepository) SetName(ctx context.Context, id, name string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE media_jobs SET name = ? WHERE id = ? AND name = ?`, name, id, PendingName)
	if err != nil {
		return false, fmt.Errorf("failed to rename media job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkCompleted sets completed_at once.
func (r *MediaJobRepository) MarkCompleted(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE media_jobs SET completed_at = ? WHERE id = ? AND completed_at IS NULL`, at.Unix(), id)
	if err != nil {
		return false, fmt.Errorf("failed to complete media job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Get returns a job by id, or ErrNotFound.
func (r *MediaJobRepository) Get(ctx context.Context, id string) (MediaJob, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, source_url, dest, audio_only, added_at, completed_at
		FROM media_jobs WHERE id = ?
	`, id)

	job, err := scanMediaJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return MediaJob{}, ErrNotFound
	}
	if err != nil {
		return MediaJob{}, fmt.Errorf("failed to get media job %s: %w", id, err)
	}
	return job, nil
}

// List returns the most recent jobs, newest first.
func (r *MediaJobRepository) List(ctx context.Context, limit int) ([]MediaJob, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, source_url, dest, audio_only, added_at, completed_at
		FROM media_jobs
		ORDER BY COALESCE(completed_at, added_at) DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list media jobs: %w", err)
	}
	defer rows.Close()

	var out []MediaJob
	for rows.Next() {
		job, scanErr := scanMediaJob(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan media job row: %w", scanErr)
		}
		out = append(out, job)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate media job rows: %w", err)
	}

	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMediaJob(row rowScanner) (MediaJob, error) {
	var (
		job         MediaJob
		addedAt     int64
		completedAt sql.NullInt64
	)
	if err := row.Scan(&job.ID, &job.Name, &job.SourceURL, &job.Destination,
		&job.AudioOnly, &addedAt, &completedAt); err != nil {
		return MediaJob{}, err
	}
	job.AddedAt = time.Unix(addedAt, 0)
	job.CompletedAt = timeFromNull(completedAt)
	return job, nil
}
