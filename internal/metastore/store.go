// Package metastore persists files, chunk placements and backend accounts.
// Two implementations share one contract: PostgreSQL for shared
// deployments and an embedded bbolt file for single-node use.
package metastore

import (
	"context"
	"time"

	"github.com/kenneth/chunkvault/internal/models"
)

// FileRepository stores file records.
type FileRepository interface {
	CreateFile(ctx context.Context, f *models.File) error
	// GetFile returns common.ErrNotFound for unknown ids and for files
	// owned by someone else.
	GetFile(ctx context.Context, ownerID, fileID string) (*models.File, error)
	GetFileByShareToken(ctx context.Context, token string) (*models.File, error)
	ListFiles(ctx context.Context, ownerID string) ([]*models.File, error)
	// UpdateStatus moves a file from one status to another and fails with
	// common.ErrInvalidTransition when the file is no longer in from.
	UpdateStatus(ctx context.Context, fileID string, from, to models.FileStatus) error
	SetDeleted(ctx context.Context, ownerID, fileID string, deleted bool, at *time.Time) error
	SetStarred(ctx context.Context, ownerID, fileID string, starred bool) error
	SetShare(ctx context.Context, ownerID, fileID string, public bool, token string) error
	DeleteFile(ctx context.Context, fileID string) error
	// ListStaleUploads returns files that never completed and were
	// created before the cutoff.
	ListStaleUploads(ctx context.Context, before time.Time) ([]*models.File, error)
	// OwnerUsage sums the size of an owner's completed, non-deleted files.
	OwnerUsage(ctx context.Context, ownerID string) (int64, error)
}

// ChunkRepository stores chunk placements.
type ChunkRepository interface {
	// InsertChunk fails with common.ErrChunkExists if (file, index) is taken.
	InsertChunk(ctx context.Context, c *models.Chunk) error
	// ListChunks returns a file's chunks ordered by index.
	ListChunks(ctx context.Context, fileID string) ([]*models.Chunk, error)
	DeleteChunks(ctx context.Context, fileID string) (int64, error)
}

// AccountRepository stores backend accounts.
type AccountRepository interface {
	// ListAccounts returns every account ordered by drive number.
	ListAccounts(ctx context.Context) ([]*models.BackendAccount, error)
	GetAccount(ctx context.Context, id string) (*models.BackendAccount, error)
	// UpsertAccount creates or updates an account, leaving storage_used
	// untouched on update. At most one active quarantine account may exist.
	UpsertAccount(ctx context.Context, a *models.BackendAccount) error
	SetAccountActive(ctx context.Context, id string, active bool) error
	// AdjustStorageUsed applies delta atomically, never going below zero.
	AdjustStorageUsed(ctx context.Context, id string, delta int64) error
}

// Store is the full metadata store.
type Store interface {
	FileRepository
	ChunkRepository
	AccountRepository
	Ping(ctx context.Context) error
	Close() error
}
