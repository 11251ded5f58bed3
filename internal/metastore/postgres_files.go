package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kenneth/chunkvault/internal/common"
	"github.com/kenneth/chunkvault/internal/models"
)

const fileColumns = `id, owner_id, name, size, mime_type, status, is_deleted, deleted_at, is_starred, is_public, share_token, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (*models.File, error) {
	var (
		f         models.File
		status    string
		deletedAt sql.NullTime
		token     sql.NullString
	)
	if err := row.Scan(&f.ID, &f.OwnerID, &f.Name, &f.Size, &f.MimeType, &status,
		&f.IsDeleted, &deletedAt, &f.IsStarred, &f.IsPublic, &token, &f.CreatedAt); err != nil {
		return nil, err
	}
	f.Status = models.FileStatus(status)
	if deletedAt.Valid {
		t := deletedAt.Time
		f.DeletedAt = &t
	}
	f.ShareToken = token.String
	return &f, nil
}

func (s *PostgresStore) queryFiles(ctx context.Context, query string, args ...any) ([]*models.File, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select files: %w", err)
	}
	defer rows.Close()

	var result []*models.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// CreateFile inserts a new file record.
func (s *PostgresStore) CreateFile(ctx context.Context, f *models.File) error {
	query := `INSERT INTO files (` + fileColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := s.conn.ExecContext(ctx, query,
		f.ID, f.OwnerID, f.Name, f.Size, f.MimeType, string(f.Status),
		f.IsDeleted, f.DeletedAt, f.IsStarred, f.IsPublic, nullString(f.ShareToken), f.CreatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// GetFile returns the owner's file by id.
func (s *PostgresStore) GetFile(ctx context.Context, ownerID, fileID string) (*models.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE id = $1 AND owner_id = $2`
	f, err := scanFile(s.conn.QueryRowContext(ctx, query, fileID, ownerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select file: %w", err)
	}
	return f, nil
}

// GetFileByShareToken resolves a public share link.
func (s *PostgresStore) GetFileByShareToken(ctx context.Context, token string) (*models.File, error) {
	if token == "" {
		return nil, common.ErrNotFound
	}
	query := `SELECT ` + fileColumns + ` FROM files WHERE share_token = $1 AND is_public = TRUE`
	f, err := scanFile(s.conn.QueryRowContext(ctx, query, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select shared file: %w", err)
	}
	return f, nil
}

// ListFiles returns the owner's files, newest first.
func (s *PostgresStore) ListFiles(ctx context.Context, ownerID string) ([]*models.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE owner_id = $1 ORDER BY created_at DESC`
	return s.queryFiles(ctx, query, ownerID)
}

// UpdateStatus performs a conditional status transition.
func (s *PostgresStore) UpdateStatus(ctx context.Context, fileID string, from, to models.FileStatus) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", common.ErrInvalidTransition, from, to)
	}
	query := `UPDATE files SET status = $3 WHERE id = $1 AND status = $2`
	res, err := s.conn.ExecContext(ctx, query, fileID, string(from), string(to))
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	return expectOneRow(res, fmt.Errorf("%w: file %s is not %s", common.ErrInvalidTransition, fileID, from))
}

// SetDeleted flips the soft-delete flag.
func (s *PostgresStore) SetDeleted(ctx context.Context, ownerID, fileID string, deleted bool, at *time.Time) error {
	query := `UPDATE files SET is_deleted = $3, deleted_at = $4 WHERE id = $1 AND owner_id = $2`
	res, err := s.conn.ExecContext(ctx, query, fileID, ownerID, deleted, at)
	if err != nil {
		return fmt.Errorf("failed to update deleted flag: %w", err)
	}
	return expectOneRow(res, common.ErrNotFound)
}

// SetStarred flips the starred flag.
func (s *PostgresStore) SetStarred(ctx context.Context, ownerID, fileID string, starred bool) error {
	query := `UPDATE files SET is_starred = $3 WHERE id = $1 AND owner_id = $2`
	res, err := s.conn.ExecContext(ctx, query, fileID, ownerID, starred)
	if err != nil {
		return fmt.Errorf("failed to update starred flag: %w", err)
	}
	return expectOneRow(res, common.ErrNotFound)
}

// SetShare updates the public flag and share token.
func (s *PostgresStore) SetShare(ctx context.Context, ownerID, fileID string, public bool, token string) error {
	query := `UPDATE files SET is_public = $3, share_token = $4 WHERE id = $1 AND owner_id = $2`
	res, err := s.conn.ExecContext(ctx, query, fileID, ownerID, public, nullString(token))
	if err != nil {
		return fmt.Errorf("failed to update share: %w", err)
	}
	return expectOneRow(res, common.ErrNotFound)
}

// DeleteFile removes the file row.
func (s *PostgresStore) DeleteFile(ctx context.Context, fileID string) error {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM files WHERE id = $1`, fileID)
	if err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return expectOneRow(res, common.ErrNotFound)
}

// ListStaleUploads returns unfinished files created before the cutoff.
func (s *PostgresStore) ListStaleUploads(ctx context.Context, before time.Time) ([]*models.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE status <> 'completed' AND created_at < $1 ORDER BY created_at`
	return s.queryFiles(ctx, query, before)
}

// OwnerUsage sums the owner's completed, non-deleted file sizes.
func (s *PostgresStore) OwnerUsage(ctx context.Context, ownerID string) (int64, error) {
	query := `SELECT COALESCE(SUM(size), 0) FROM files WHERE owner_id = $1 AND status = 'completed' AND is_deleted = FALSE`
	var total int64
	if err := s.conn.QueryRowContext(ctx, query, ownerID).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum usage: %w", err)
	}
	return total, nil
}
