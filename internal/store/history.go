package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DefaultHistoryLimit caps history listings.
const DefaultHistoryLimit = 500

// HistoryRecord is a finalized external download.
type HistoryRecord struct {
	ID          int64
	Name        string
	ExternalID  string
	Destination string
	SizeBytes   int64
	AddedAt     time.Time
	CompletedAt *time.Time
}

// HistoryRepository stores completed external downloads.
type HistoryRepository struct {
	db *sql.DB
}

// InsertIfAbsent records rec unless a row with the same external id already
// exists. The returned bool is true only when a new row was written.
func (r *HistoryRepository) InsertIfAbsent(ctx context.Context, rec HistoryRecord) (bool, error) {
	var externalID any
	if rec.ExternalID != "" {
		externalID = rec.ExternalID
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO download_history (name, external_id, dest, size_bytes, added_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_id) DO NOTHING
	`, rec.Name, externalID, rec.Destination, rec.SizeBytes, rec.AddedAt.Unix(), unixOrNil(rec.CompletedAt))
	if err != nil {
		return false, fmt.Errorf("failed to insert history record: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return n > 0, nil
}

// List returns the most recent records, newest first.
func (r *HistoryRepository) List(ctx context.Context, limit int) ([]HistoryRecord, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(external_id, ''), dest, size_bytes, added_at, completed_at
		FROM download_history
		ORDER BY COALESCE(completed_at, added_at) DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var out []HistoryRecord
	for rows.Next() {
		var (
			rec         HistoryRecord
			addedAt     int64
			completedAt sql.NullInt64
		)
		if err = rows.Scan(&rec.ID, &rec.Name, &rec.ExternalID, &rec.Destination,
			&rec.SizeBytes, &addedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		rec.AddedAt = time.Unix(addedAt, 0)
		rec.CompletedAt = timeFromNull(completedAt)
		out = append(out, rec)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history rows: %w", err)
	}

	return out, nil
}

// Delete removes a record by id. Deleting a missing id returns ErrNotFound.
func (r *HistoryRepository) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM download_history WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete history record %d: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}
