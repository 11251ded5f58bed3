package metastore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/chunkvault/internal/config"
)

func TestOpenBoltAndSeed(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, config.DatabaseConfig{Driver: "bolt", BoltPath: filepath.Join(t.TempDir(), "m.db")})
	require.NoError(t, err)
	defer store.Close()

	seed := []config.BackendAccountConfig{
		{Label: "one", DriveNumber: 1, Provider: "memory"},
		{Label: "two", DriveNumber: 2, Provider: "memory", Quarantine: true},
	}
	require.NoError(t, SeedAccounts(ctx, store, seed))

	id := seed[0].AccountID()
	require.NoError(t, store.AdjustStorageUsed(ctx, id, 500))

	// A restart re-seeds the same entries without losing usage.
	require.NoError(t, SeedAccounts(ctx, store, seed))
	accounts, err := store.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, id, accounts[0].ID)
	assert.Equal(t, int64(500), accounts[0].StorageUsed)
	assert.True(t, accounts[1].IsQuarantine)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.DatabaseConfig{Driver: "sqlite"})
	assert.Error(t, err)
}
