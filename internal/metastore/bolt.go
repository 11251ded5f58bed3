package metastore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/kenneth/chunkvault/internal/common"
	"github.com/kenneth/chunkvault/internal/models"
)

var (
	bucketFiles       = []byte("files")
	bucketChunks      = []byte("chunks")
	bucketShareTokens = []byte("share_tokens")
	bucketAccounts    = []byte("accounts")
)

// BoltStore implements Store in a single bbolt file. Every write runs in
// one bbolt transaction, and bbolt allows one writer at a time, so
// read-modify-write updates are atomic.
type BoltStore struct {
	db *bbolt.DB
}

var _ Store = (*BoltStore)(nil)

// OpenBolt opens or creates the database at path.
// The parent directory is created if it does not exist.
func OpenBolt(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("metastore: create directory: %w", err)
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("metastore: open bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketFiles, bucketChunks, bucketShareTokens, bucketAccounts} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("metastore: create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Ping reports whether the database is still open.
func (s *BoltStore) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bbolt.Tx) error { return nil })
}

// Close closes the underlying database.
func (s *BoltStore) Close() error { return s.db.Close() }

// chunkKey orders a file's chunks by index: fileID, NUL, big-endian index.
func chunkKey(fileID string, index int) []byte {
	k := make([]byte, 0, len(fileID)+5)
	k = append(k, fileID...)
	k = append(k, 0)
	return binary.BigEndian.AppendUint32(k, uint32(index))
}

func chunkPrefix(fileID string) []byte {
	return append([]byte(fileID), 0)
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func getFile(tx *bbolt.Tx, fileID string) (*models.File, error) {
	data := tx.Bucket(bucketFiles).Get([]byte(fileID))
	if data == nil {
		return nil, common.ErrNotFound
	}
	var f models.File
	if err := decodeGob(data, &f); err != nil {
		return nil, fmt.Errorf("decode file %s: %w", fileID, err)
	}
	return &f, nil
}

func putFile(tx *bbolt.Tx, f *models.File) error {
	data, err := encodeGob(f)
	if err != nil {
		return fmt.Errorf("encode file: %w", err)
	}
	return tx.Bucket(bucketFiles).Put([]byte(f.ID), data)
}

// updateOwnedFile loads an owner's file, applies fn and writes it back.
func (s *BoltStore) updateOwnedFile(ownerID, fileID string, fn func(tx *bbolt.Tx, f *models.File) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		f, err := getFile(tx, fileID)
		if err != nil {
			return err
		}
		if f.OwnerID != ownerID {
			return common.ErrNotFound
		}
		if err := fn(tx, f); err != nil {
			return err
		}
		return putFile(tx, f)
	})
}

func (s *BoltStore) scanFiles(match func(*models.File) bool) ([]*models.File, error) {
	var result []*models.File
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFiles).ForEach(func(k, v []byte) error {
			var f models.File
			if err := decodeGob(v, &f); err != nil {
				return fmt.Errorf("decode file %s: %w", k, err)
			}
			if match(&f) {
				result = append(result, &f)
			}
			return nil
		})
	})
	return result, err
}

// CreateFile inserts a new file record.
func (s *BoltStore) CreateFile(ctx context.Context, f *models.File) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketFiles).Get([]byte(f.ID)) != nil {
			return fmt.Errorf("file %s already exists", f.ID)
		}
		if f.ShareToken != "" {
			if err := tx.Bucket(bucketShareTokens).Put([]byte(f.ShareToken), []byte(f.ID)); err != nil {
				return err
			}
		}
		return putFile(tx, f)
	})
}

// GetFile returns the owner's file by id.
func (s *BoltStore) GetFile(ctx context.Context, ownerID, fileID string) (*models.File, error) {
	var f *models.File
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		f, err = getFile(tx, fileID)
		if err == nil && f.OwnerID != ownerID {
			err = common.ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// GetFileByShareToken resolves a public share link.
func (s *BoltStore) GetFileByShareToken(ctx context.Context, token string) (*models.File, error) {
	if token == "" {
		return nil, common.ErrNotFound
	}
	var f *models.File
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketShareTokens).Get([]byte(token))
		if id == nil {
			return common.ErrNotFound
		}
		var err error
		f, err = getFile(tx, string(id))
		if err == nil && !f.IsPublic {
			err = common.ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// ListFiles returns the owner's files, newest first.
func (s *BoltStore) ListFiles(ctx context.Context, ownerID string) ([]*models.File, error) {
	files, err := s.scanFiles(func(f *models.File) bool { return f.OwnerID == ownerID })
	if err != nil {
		return nil, err
	}
	sort.SliceStable(files, func(i, j int) bool { return files[i].CreatedAt.After(files[j].CreatedAt) })
	return files, nil
}

// UpdateStatus performs a conditional status transition.
func (s *BoltStore) UpdateStatus(ctx context.Context, fileID string, from, to models.FileStatus) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", common.ErrInvalidTransition, from, to)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		f, err := getFile(tx, fileID)
		if errors.Is(err, common.ErrNotFound) {
			return fmt.Errorf("%w: file %s is not %s", common.ErrInvalidTransition, fileID, from)
		}
		if err != nil {
			return err
		}
		if f.Status != from {
			return fmt.Errorf("%w: file %s is %s, not %s", common.ErrInvalidTransition, fileID, f.Status, from)
		}
		f.Status = to
		return putFile(tx, f)
	})
}

// SetDeleted flips the soft-delete flag.
func (s *BoltStore) SetDeleted(ctx context.Context, ownerID, fileID string, deleted bool, at *time.Time) error {
	return s.updateOwnedFile(ownerID, fileID, func(_ *bbolt.Tx, f *models.File) error {
		f.IsDeleted = deleted
		f.DeletedAt = at
		return nil
	})
}

// SetStarred flips the starred flag.
func (s *BoltStore) SetStarred(ctx context.Context, ownerID, fileID string, starred bool) error {
	return s.updateOwnedFile(ownerID, fileID, func(_ *bbolt.Tx, f *models.File) error {
		f.IsStarred = starred
		return nil
	})
}

// SetShare updates the public flag and keeps the token index in step.
func (s *BoltStore) SetShare(ctx context.Context, ownerID, fileID string, public bool, token string) error {
	return s.updateOwnedFile(ownerID, fileID, func(tx *bbolt.Tx, f *models.File) error {
		tokens := tx.Bucket(bucketShareTokens)
		if f.ShareToken != "" && f.ShareToken != token {
			if err := tokens.Delete([]byte(f.ShareToken)); err != nil {
				return err
			}
		}
		if token != "" {
			if owner := tokens.Get([]byte(token)); owner != nil && string(owner) != f.ID {
				return fmt.Errorf("share token collision for file %s", f.ID)
			}
			if err := tokens.Put([]byte(token), []byte(f.ID)); err != nil {
				return err
			}
		}
		f.IsPublic = public
		f.ShareToken = token
		return nil
	})
}

// DeleteFile removes the file record and its share token.
func (s *BoltStore) DeleteFile(ctx context.Context, fileID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		f, err := getFile(tx, fileID)
		if err != nil {
			return err
		}
		if f.ShareToken != "" {
			if err := tx.Bucket(bucketShareTokens).Delete([]byte(f.ShareToken)); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketFiles).Delete([]byte(fileID))
	})
}

// ListStaleUploads returns unfinished files created before the cutoff.
func (s *BoltStore) ListStaleUploads(ctx context.Context, before time.Time) ([]*models.File, error) {
	files, err := s.scanFiles(func(f *models.File) bool {
		return f.Status != models.StatusCompleted && f.CreatedAt.Before(before)
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(files, func(i, j int) bool { return files[i].CreatedAt.Before(files[j].CreatedAt) })
	return files, nil
}

// OwnerUsage sums the owner's completed, non-deleted file sizes.
func (s *BoltStore) OwnerUsage(ctx context.Context, ownerID string) (int64, error) {
	files, err := s.scanFiles(func(f *models.File) bool {
		return f.OwnerID == ownerID && f.Status == models.StatusCompleted && !f.IsDeleted
	})
	if err != nil {
		return 0, err
	}
	var total int64
	for _, f := range files {
		total += f.Size
	}
	return total, nil
}

// InsertChunk records a chunk placement.
func (s *BoltStore) InsertChunk(ctx context.Context, c *models.Chunk) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketFiles).Get([]byte(c.FileID)) == nil {
			return fmt.Errorf("chunk references unknown file %s: %w", c.FileID, common.ErrNotFound)
		}
		b := tx.Bucket(bucketChunks)
		key := chunkKey(c.FileID, c.Index)
		if b.Get(key) != nil {
			return fmt.Errorf("%w: file %s index %d", common.ErrChunkExists, c.FileID, c.Index)
		}
		data, err := encodeGob(c)
		if err != nil {
			return fmt.Errorf("encode chunk: %w", err)
		}
		return b.Put(key, data)
	})
}

// ListChunks returns a file's chunks ordered by index.
func (s *BoltStore) ListChunks(ctx context.Context, fileID string) ([]*models.Chunk, error) {
	var result []*models.Chunk
	prefix := chunkPrefix(fileID)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketChunks).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var chunk models.Chunk
			if err := decodeGob(v, &chunk); err != nil {
				return fmt.Errorf("decode chunk %x: %w", k, err)
			}
			result = append(result, &chunk)
		}
		return nil
	})
	return result, err
}

// DeleteChunks removes all chunk rows of a file.
func (s *BoltStore) DeleteChunks(ctx context.Context, fileID string) (int64, error) {
	var n int64
	prefix := chunkPrefix(fileID)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketChunks)
		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

func getAccount(tx *bbolt.Tx, id string) (*models.BackendAccount, error) {
	data := tx.Bucket(bucketAccounts).Get([]byte(id))
	if data == nil {
		return nil, common.ErrNotFound
	}
	var a models.BackendAccount
	if err := decodeGob(data, &a); err != nil {
		return nil, fmt.Errorf("decode account %s: %w", id, err)
	}
	return &a, nil
}

func putAccount(tx *bbolt.Tx, a *models.BackendAccount) error {
	data, err := encodeGob(a)
	if err != nil {
		return fmt.Errorf("encode account: %w", err)
	}
	return tx.Bucket(bucketAccounts).Put([]byte(a.ID), data)
}

func ensureNoOtherQuarantine(tx *bbolt.Tx, id string) error {
	return tx.Bucket(bucketAccounts).ForEach(func(k, v []byte) error {
		if string(k) == id {
			return nil
		}
		var other models.BackendAccount
		if err := decodeGob(v, &other); err != nil {
			return err
		}
		if other.IsQuarantine && other.IsActive {
			return fmt.Errorf("%w: another active quarantine account exists", common.ErrConfiguration)
		}
		return nil
	})
}

// ListAccounts returns all accounts ordered by drive number.
func (s *BoltStore) ListAccounts(ctx context.Context) ([]*models.BackendAccount, error) {
	var result []*models.BackendAccount
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAccounts).ForEach(func(k, v []byte) error {
			var a models.BackendAccount
			if err := decodeGob(v, &a); err != nil {
				return fmt.Errorf("decode account %s: %w", k, err)
			}
			result = append(result, &a)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].DriveNumber != result[j].DriveNumber {
			return result[i].DriveNumber < result[j].DriveNumber
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// GetAccount returns one account by id.
func (s *BoltStore) GetAccount(ctx context.Context, id string) (*models.BackendAccount, error) {
	var a *models.BackendAccount
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		a, err = getAccount(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// UpsertAccount registers or updates an account. storage_used is kept
// from the stored record on update.
func (s *BoltStore) UpsertAccount(ctx context.Context, a *models.BackendAccount) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if a.IsQuarantine && a.IsActive {
			if err := ensureNoOtherQuarantine(tx, a.ID); err != nil {
				return err
			}
		}

		next := *a
		existing, err := getAccount(tx, a.ID)
		switch {
		case err == nil:
			next.StorageUsed = existing.StorageUsed
			next.CreatedAt = existing.CreatedAt
		case !errors.Is(err, common.ErrNotFound):
			return err
		}
		return putAccount(tx, &next)
	})
}

// SetAccountActive enables or disables placement on an account.
func (s *BoltStore) SetAccountActive(ctx context.Context, id string, active bool) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		a, err := getAccount(tx, id)
		if err != nil {
			return err
		}
		if active && a.IsQuarantine && !a.IsActive {
			if err := ensureNoOtherQuarantine(tx, id); err != nil {
				return err
			}
		}
		a.IsActive = active
		return putAccount(tx, a)
	})
}

// AdjustStorageUsed applies delta, flooring the result at zero.
func (s *BoltStore) AdjustStorageUsed(ctx context.Context, id string, delta int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		a, err := getAccount(tx, id)
		if err != nil {
			return err
		}
		a.StorageUsed += delta
		if a.StorageUsed < 0 {
			a.StorageUsed = 0
		}
		return putAccount(tx, a)
	})
}
