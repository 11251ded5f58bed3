package metastore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/chunkvault/internal/common"
	"github.com/kenneth/chunkvault/internal/models"
)

func openTestBolt(t *testing.T) *BoltStore {
	t.Helper()
	s, err := OpenBolt(filepath.Join(t.TempDir(), "nested", "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newFile(id, owner string, created time.Time) *models.File {
	return &models.File{
		ID:        id,
		OwnerID:   owner,
		Name:      id + ".bin",
		Size:      10,
		MimeType:  "application/octet-stream",
		Status:    models.StatusUploading,
		CreatedAt: created,
	}
}

func TestBolt_FileLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestBolt(t)
	now := time.Now().UTC()

	require.NoError(t, s.CreateFile(ctx, newFile("f1", "alice", now)))

	f, err := s.GetFile(ctx, "alice", "f1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusUploading, f.Status)

	_, err = s.GetFile(ctx, "bob", "f1")
	assert.ErrorIs(t, err, common.ErrNotFound, "foreign owner must not see the file")
	_, err = s.GetFile(ctx, "alice", "missing")
	assert.ErrorIs(t, err, common.ErrNotFound)

	require.NoError(t, s.UpdateStatus(ctx, "f1", models.StatusUploading, models.StatusCompleted))
	err = s.UpdateStatus(ctx, "f1", models.StatusUploading, models.StatusFailed)
	assert.ErrorIs(t, err, common.ErrInvalidTransition, "completed file must not become failed")
	err = s.UpdateStatus(ctx, "f1", models.StatusCompleted, models.StatusFailed)
	assert.ErrorIs(t, err, common.ErrInvalidTransition)

	at := now.Add(time.Minute)
	require.NoError(t, s.SetDeleted(ctx, "alice", "f1", true, &at))
	require.NoError(t, s.SetStarred(ctx, "alice", "f1", true))
	f, err = s.GetFile(ctx, "alice", "f1")
	require.NoError(t, err)
	assert.True(t, f.IsDeleted)
	assert.True(t, f.IsStarred)
	require.NotNil(t, f.DeletedAt)

	assert.ErrorIs(t, s.SetStarred(ctx, "bob", "f1", false), common.ErrNotFound)

	require.NoError(t, s.DeleteFile(ctx, "f1"))
	assert.ErrorIs(t, s.DeleteFile(ctx, "f1"), common.ErrNotFound)
}

func TestBolt_ShareTokens(t *testing.T) {
	ctx := context.Background()
	s := openTestBolt(t)
	require.NoError(t, s.CreateFile(ctx, newFile("f1", "alice", time.Now())))

	require.NoError(t, s.SetShare(ctx, "alice", "f1", true, "tok1"))
	f, err := s.GetFileByShareToken(ctx, "tok1")
	require.NoError(t, err)
	assert.Equal(t, "f1", f.ID)

	// disabling keeps the token but hides the file
	require.NoError(t, s.SetShare(ctx, "alice", "f1", false, "tok1"))
	_, err = s.GetFileByShareToken(ctx, "tok1")
	assert.ErrorIs(t, err, common.ErrNotFound)

	require.NoError(t, s.SetShare(ctx, "alice", "f1", true, "tok2"))
	_, err = s.GetFileByShareToken(ctx, "tok1")
	assert.ErrorIs(t, err, common.ErrNotFound, "old token must be released")

	require.NoError(t, s.DeleteFile(ctx, "f1"))
	_, err = s.GetFileByShareToken(ctx, "tok2")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestBolt_ListAndUsage(t *testing.T) {
	ctx := context.Background()
	s := openTestBolt(t)
	base := time.Now().UTC()

	require.NoError(t, s.CreateFile(ctx, newFile("old", "alice", base.Add(-48*time.Hour))))
	require.NoError(t, s.CreateFile(ctx, newFile("new", "alice", base)))
	require.NoError(t, s.CreateFile(ctx, newFile("other", "bob", base)))
	require.NoError(t, s.UpdateStatus(ctx, "new", models.StatusUploading, models.StatusCompleted))

	files, err := s.ListFiles(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "new", files[0].ID)

	stale, err := s.ListStaleUploads(ctx, base.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].ID)

	used, err := s.OwnerUsage(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(10), used)
}

func TestBolt_Chunks(t *testing.T) {
	ctx := context.Background()
	s := openTestBolt(t)
	require.NoError(t, s.CreateFile(ctx, newFile("f1", "alice", time.Now())))
	require.NoError(t, s.CreateFile(ctx, newFile("f10", "alice", time.Now())))

	for _, idx := range []int{2, 0, 1, 256} {
		require.NoError(t, s.InsertChunk(ctx, &models.Chunk{FileID: "f1", Index: idx, AccountID: "a", RemoteID: "r"}))
	}
	// shares a string prefix with f1 but must not be listed under it
	require.NoError(t, s.InsertChunk(ctx, &models.Chunk{FileID: "f10", Index: 0, AccountID: "a", RemoteID: "r"}))

	err := s.InsertChunk(ctx, &models.Chunk{FileID: "f1", Index: 1})
	assert.ErrorIs(t, err, common.ErrChunkExists)

	err = s.InsertChunk(ctx, &models.Chunk{FileID: "ghost", Index: 0})
	assert.ErrorIs(t, err, common.ErrNotFound)

	chunks, err := s.ListChunks(ctx, "f1")
	require.NoError(t, err)
	var indices []int
	for _, c := range chunks {
		indices = append(indices, c.Index)
	}
	assert.Equal(t, []int{0, 1, 2, 256}, indices)

	n, err := s.DeleteChunks(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	chunks, err = s.ListChunks(ctx, "f10")
	require.NoError(t, err)
	assert.Len(t, chunks, 1)
}

func TestBolt_Accounts(t *testing.T) {
	ctx := context.Background()
	s := openTestBolt(t)

	require.NoError(t, s.UpsertAccount(ctx, &models.BackendAccount{ID: "b", Label: "two", DriveNumber: 2, IsActive: true}))
	require.NoError(t, s.UpsertAccount(ctx, &models.BackendAccount{ID: "a", Label: "one", DriveNumber: 1, IsActive: true}))
	require.NoError(t, s.UpsertAccount(ctx, &models.BackendAccount{ID: "q", Label: "trash", DriveNumber: 4, IsActive: true, IsQuarantine: true}))

	err := s.UpsertAccount(ctx, &models.BackendAccount{ID: "q2", Label: "trash2", DriveNumber: 5, IsActive: true, IsQuarantine: true})
	assert.ErrorIs(t, err, common.ErrConfiguration)

	require.NoError(t, s.UpsertAccount(ctx, &models.BackendAccount{ID: "q2", Label: "trash2", DriveNumber: 5, IsQuarantine: true}))
	assert.ErrorIs(t, s.SetAccountActive(ctx, "q2", true), common.ErrConfiguration)

	accounts, err := s.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 4)
	assert.Equal(t, "a", accounts[0].ID)
	assert.Equal(t, "b", accounts[1].ID)

	require.NoError(t, s.AdjustStorageUsed(ctx, "a", 100))
	require.NoError(t, s.AdjustStorageUsed(ctx, "a", -30))
	// re-registering keeps usage
	require.NoError(t, s.UpsertAccount(ctx, &models.BackendAccount{ID: "a", Label: "renamed", DriveNumber: 1, IsActive: true}))
	a, err := s.GetAccount(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(70), a.StorageUsed)
	assert.Equal(t, "renamed", a.Label)

	require.NoError(t, s.AdjustStorageUsed(ctx, "a", -1000))
	a, err = s.GetAccount(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), a.StorageUsed, "usage is floored at zero")

	assert.True(t, errors.Is(s.AdjustStorageUsed(ctx, "missing", 1), common.ErrNotFound))
}

func TestBolt_ConcurrentAdjust(t *testing.T) {
	ctx := context.Background()
	s := openTestBolt(t)
	require.NoError(t, s.UpsertAccount(ctx, &models.BackendAccount{ID: "a", Label: "one", IsActive: true}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.AdjustStorageUsed(ctx, "a", 5))
		}()
	}
	wg.Wait()

	a, err := s.GetAccount(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(100), a.StorageUsed)
}
