package metastore

import (
	"context"
	"fmt"

	"github.com/kenneth/chunkvault/internal/common"
	"github.com/kenneth/chunkvault/internal/models"
)

// InsertChunk records a chunk placement.
func (s *PostgresStore) InsertChunk(ctx context.Context, c *models.Chunk) error {
	query := `INSERT INTO chunks (file_id, chunk_index, account_id, remote_id, stored_size, checksum, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.conn.ExecContext(ctx, query,
		c.FileID, c.Index, c.AccountID, c.RemoteID, c.StoredSize, c.Checksum, c.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: file %s index %d", common.ErrChunkExists, c.FileID, c.Index)
	}
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// ListChunks returns a file's chunks ordered by index.
func (s *PostgresStore) ListChunks(ctx context.Context, fileID string) ([]*models.Chunk, error) {
	query := `SELECT file_id, chunk_index, account_id, remote_id, stored_size, checksum, created_at
		FROM chunks WHERE file_id = $1 ORDER BY chunk_index`
	rows, err := s.conn.QueryContext(ctx, query, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to select chunks: %w", err)
	}
	defer rows.Close()

	var result []*models.Chunk
	for rows.Next() {
		var c models.Chunk
		if err := rows.Scan(&c.FileID, &c.Index, &c.AccountID, &c.RemoteID, &c.StoredSize, &c.Checksum, &c.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// DeleteChunks removes all chunk rows of a file and reports how many went.
func (s *PostgresStore) DeleteChunks(ctx context.Context, fileID string) (int64, error) {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM chunks WHERE file_id = $1`, fileID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete chunks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}
