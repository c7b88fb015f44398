package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Share is a persisted public share link.
type Share struct {
	Token      string
	TargetPath string
	IsDir      bool
	ExpiresAt  *time.Time
	CreatedAt  time.Time
}

// ShareRepository stores share links.
type ShareRepository struct {
	db *sql.DB
}

// Create inserts a new share. Tokens are never updated once written.
func (r *ShareRepository) Create(ctx context.Context, s Share) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO shares (token, target_path, is_dir, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, s.Token, s.TargetPath, s.IsDir, unixOrNil(s.ExpiresAt), s.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert share: %w", err)
	}
	return nil
}

// Get returns the share for token, or ErrNotFound. Expiry is not checked here.
func (r *ShareRepository) Get(ctx context.Context, token string) (Share, error) {
	var (
		s         Share
		expiresAt sql.NullInt64
		createdAt int64
	)

	err := r.db.QueryRowContext(ctx, `
		SELECT token, target_path, is_dir, expires_at, created_at
		FROM shares WHERE token = ?
	`, token).Scan(&s.Token, &s.TargetPath, &s.IsDir, &expiresAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Share{}, ErrNotFound
	}
	if err != nil {
		return Share{}, fmt.Errorf("failed to get share: %w", err)
	}

	s.ExpiresAt = timeFromNull(expiresAt)
	s.CreatedAt = time.Unix(createdAt, 0)

	return s, nil
}

// DeleteExpired removes shares whose expiry is before now and reports how many were removed.
func (r *ShareRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM shares WHERE expires_at IS NOT NULL AND expires_at < ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired shares: %w", err)
	}
	return res.RowsAffected()
}
