package pool

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/chunkvault/internal/common"
	"github.com/kenneth/chunkvault/internal/models"
)

type staticRegistry struct {
	accounts []*models.BackendAccount
	err      error
	calls    int
}

func (r *staticRegistry) ListAccounts(ctx context.Context) ([]*models.BackendAccount, error) {
	r.calls++
	return r.accounts, r.err
}

func acct(id string, drive int, active, quarantine bool) *models.BackendAccount {
	return &models.BackendAccount{ID: id, DriveNumber: drive, IsActive: active, IsQuarantine: quarantine}
}

func TestSelectForChunk_RoundRobin(t *testing.T) {
	ctx := context.Background()
	reg := &staticRegistry{accounts: []*models.BackendAccount{
		acct("c", 3, true, false),
		acct("a", 1, true, false),
		acct("trash", 0, true, true),
		acct("b", 2, true, false),
		acct("off", 4, false, false),
	}}
	p := New(reg)

	active, err := p.Active(ctx)
	require.NoError(t, err)
	ids := make([]string, len(active))
	for i, a := range active {
		ids[i] = a.ID
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		a, err := p.SelectForChunk(ctx, i)
		require.NoError(t, err)
		b, err := p.SelectForChunk(ctx, i+3)
		require.NoError(t, err)
		assert.Same(t, a, b)
		seen[a.ID] = true
	}
	assert.Len(t, seen, 3)
	assert.Equal(t, 1, reg.calls, "registry is read once per pool")
}

func TestActive_NoBackends(t *testing.T) {
	p := New(&staticRegistry{accounts: []*models.BackendAccount{
		acct("trash", 0, true, true),
		acct("off", 1, false, false),
	}})
	_, err := p.Active(context.Background())
	assert.ErrorIs(t, err, common.ErrNoBackendsAvailable)
	_, err = p.SelectForChunk(context.Background(), 0)
	assert.ErrorIs(t, err, common.ErrNoBackendsAvailable)
}

func TestSelectForChunk_NegativeIndex(t *testing.T) {
	p := New(&staticRegistry{accounts: []*models.BackendAccount{acct("a", 1, true, false)}})
	_, err := p.SelectForChunk(context.Background(), -1)
	assert.ErrorIs(t, err, common.ErrInvalidRequest)
}

func TestQuarantine(t *testing.T) {
	ctx := context.Background()

	p := New(&staticRegistry{accounts: []*models.BackendAccount{
		acct("a", 1, true, false),
		acct("trash", 9, true, true),
	}})
	q, err := p.Quarantine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "trash", q.ID)

	p = New(&staticRegistry{accounts: []*models.BackendAccount{
		acct("a", 1, true, false),
		acct("trash", 9, false, true),
	}})
	_, err = p.Quarantine(ctx)
	assert.ErrorIs(t, err, common.ErrNoQuarantineBackend)
}

func TestAccount_IncludesInactive(t *testing.T) {
	p := New(&staticRegistry{accounts: []*models.BackendAccount{
		acct("a", 1, true, false),
		acct("retired", 2, false, false),
	}})
	a, err := p.Account(context.Background(), "retired")
	require.NoError(t, err)
	assert.Equal(t, "retired", a.ID)

	_, err = p.Account(context.Background(), "ghost")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestLoadError(t *testing.T) {
	boom := errors.New("db down")
	p := New(&staticRegistry{err: boom})
	_, err := p.Active(context.Background())
	assert.ErrorIs(t, err, boom)
}
