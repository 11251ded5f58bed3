package backend

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/chunkvault/internal/common"
	"github.com/kenneth/chunkvault/internal/models"
)

func TestObjectName_FreshPerAttempt(t *testing.T) {
	a := ObjectName("file-1", 7)
	b := ObjectName("file-1", 7)
	assert.True(t, strings.HasPrefix(a, "file-1/000007-"))
	assert.NotEqual(t, a, b)
}

func TestClientFactory_CachesPerAccount(t *testing.T) {
	f := NewClientFactory()
	built := 0
	f.newS3 = func(creds models.Credentials) (Adapter, error) {
		built++
		return newS3AdapterWithClient(newFakeS3(), creds.Bucket, creds.Prefix), nil
	}

	acc := &models.BackendAccount{ID: "a", Credentials: models.Credentials{Provider: "minio", Bucket: "b", AccessKey: "k", SecretKey: "s"}}
	first, err := f.Adapter(acc)
	require.NoError(t, err)
	second, err := f.Adapter(acc)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, built)

	rotated := *acc
	rotated.Credentials.SecretKey = "s2"
	third, err := f.Adapter(&rotated)
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.Equal(t, 2, built)
}

func TestClientFactory_MemoryAccountsKeepData(t *testing.T) {
	f := NewClientFactory()
	acc := &models.BackendAccount{ID: "m", Credentials: models.Credentials{Provider: ProviderMemory}}

	a, err := f.Adapter(acc)
	require.NoError(t, err)
	_, _, err = a.Store(context.Background(), "obj", []byte("data"))
	require.NoError(t, err)

	relabeled := *acc
	relabeled.Credentials.Prefix = "p"
	b, err := f.Adapter(&relabeled)
	require.NoError(t, err)
	data, err := b.Fetch(context.Background(), "obj")
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
}

func TestClientFactory_Errors(t *testing.T) {
	f := NewClientFactory()
	_, err := f.Adapter(nil)
	assert.ErrorIs(t, err, common.ErrConfiguration)

	_, err = f.Adapter(&models.BackendAccount{ID: "x"})
	assert.ErrorIs(t, err, common.ErrConfiguration)
}

func TestClientFactory_Register(t *testing.T) {
	f := NewClientFactory()
	mem := NewMemoryAdapter()
	acc := &models.BackendAccount{ID: "r", Credentials: models.Credentials{Provider: "aws", Bucket: "b"}}
	f.Register(acc, mem)

	got, err := f.Adapter(acc)
	require.NoError(t, err)
	assert.Same(t, mem, got)
}
