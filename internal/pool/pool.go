// Package pool selects backend accounts for chunk placement.
package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kenneth/chunkvault/internal/common"
	"github.com/kenneth/chunkvault/internal/models"
)

// AccountRegistry lists the registered backend accounts.
type AccountRegistry interface {
	ListAccounts(ctx context.Context) ([]*models.BackendAccount, error)
}

// Pool is a snapshot of the account registry scoped to one upload,
// download or reclaim call. Create a new Pool per call; it never refreshes.
type Pool struct {
	registry AccountRegistry

	once    sync.Once
	loadErr error
	all     map[string]*models.BackendAccount
	active  []*models.BackendAccount
	quar    *models.BackendAccount
}

// New creates a pool over registry. Accounts are loaded on first use.
func New(registry AccountRegistry) *Pool {
	return &Pool{registry: registry}
}

func (p *Pool) load(ctx context.Context) error {
	p.once.Do(func() {
		accounts, err := p.registry.ListAccounts(ctx)
		if err != nil {
			p.loadErr = fmt.Errorf("failed to list backend accounts: %w", err)
			return
		}

		p.all = make(map[string]*models.BackendAccount, len(accounts))
		for _, a := range accounts {
			p.all[a.ID] = a
			if !a.IsActive {
				continue
			}
			if a.IsQuarantine {
				if p.quar == nil {
					p.quar = a
				}
				continue
			}
			p.active = append(p.active, a)
		}
		sort.SliceStable(p.active, func(i, j int) bool {
			if p.active[i].DriveNumber != p.active[j].DriveNumber {
				return p.active[i].DriveNumber < p.active[j].DriveNumber
			}
			return p.active[i].ID < p.active[j].ID
		})
	})
	return p.loadErr
}

// Active returns the accounts eligible for placement, ordered by drive
// number. Quarantine and inactive accounts are excluded.
func (p *Pool) Active(ctx context.Context) ([]*models.BackendAccount, error) {
	if err := p.load(ctx); err != nil {
		return nil, err
	}
	if len(p.active) == 0 {
		return nil, common.ErrNoBackendsAvailable
	}
	out := make([]*models.BackendAccount, len(p.active))
	copy(out, p.active)
	return out, nil
}

// SelectForChunk maps a chunk index onto the active list round-robin.
func (p *Pool) SelectForChunk(ctx context.Context, index int) (*models.BackendAccount, error) {
	if index < 0 {
		return nil, fmt.Errorf("%w: negative chunk index %d", common.ErrInvalidRequest, index)
	}
	if err := p.load(ctx); err != nil {
		return nil, err
	}
	if len(p.active) == 0 {
		return nil, common.ErrNoBackendsAvailable
	}
	return p.active[index%len(p.active)], nil
}

// Quarantine returns the account reserved for deleted content.
func (p *Pool) Quarantine(ctx context.Context) (*models.BackendAccount, error) {
	if err := p.load(ctx); err != nil {
		return nil, err
	}
	if p.quar == nil {
		return nil, common.ErrNoQuarantineBackend
	}
	return p.quar, nil
}

// Account looks up any registered account, including inactive ones, so
// chunks placed on a since-deactivated backend can still be read.
func (p *Pool) Account(ctx context.Context, id string) (*models.BackendAccount, error) {
	if err := p.load(ctx); err != nil {
		return nil, err
	}
	a, ok := p.all[id]
	if !ok {
		return nil, fmt.Errorf("backend account %s: %w", id, common.ErrNotFound)
	}
	return a, nil
}
