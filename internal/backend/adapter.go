// Package backend stores encrypted chunk payloads on remote object stores.
package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/kenneth/chunkvault/internal/common"
	"github.com/kenneth/chunkvault/internal/models"
)

// ProviderMemory selects the in-process adapter.
const ProviderMemory = "memory"

// Adapter is the contract every storage backend fulfils. Failures wrap
// common.ErrBackendUnavailable; a missing object also wraps
// common.ErrObjectNotFound.
type Adapter interface {
	// Store writes data under name and returns the backend's handle for it
	// together with the stored size.
	Store(ctx context.Context, name string, data []byte) (remoteID string, size int64, err error)
	Fetch(ctx context.Context, remoteID string) ([]byte, error)
	// Delete removes the object and reports the size it occupied.
	Delete(ctx context.Context, remoteID string) (size int64, err error)
}

// HealthChecker is implemented by adapters that can verify reachability.
type HealthChecker interface {
	Check(ctx context.Context) error
}

// Factory resolves the adapter for a backend account.
type Factory interface {
	Adapter(account *models.BackendAccount) (Adapter, error)
}

// ObjectName returns a fresh object name for one store attempt of a chunk.
// The random suffix keeps retried attempts from overwriting each other.
func ObjectName(fileID string, index int) string {
	return fmt.Sprintf("%s/%06d-%s", fileID, index, uuid.NewString())
}

type cachedAdapter struct {
	fingerprint string
	adapter     Adapter
}

// ClientFactory builds adapters on demand and reuses them per account for
// as long as the account's credentials are unchanged.
type ClientFactory struct {
	mu       sync.Mutex
	adapters map[string]cachedAdapter
	newS3    func(creds models.Credentials) (Adapter, error)
}

// NewClientFactory creates a factory supporting S3-compatible providers and
// the in-memory adapter.
func NewClientFactory() *ClientFactory {
	return &ClientFactory{
		adapters: make(map[string]cachedAdapter),
		newS3:    func(creds models.Credentials) (Adapter, error) { return NewS3Adapter(creds) },
	}
}

// Adapter returns the cached adapter for the account or builds a new one.
func (f *ClientFactory) Adapter(account *models.BackendAccount) (Adapter, error) {
	if account == nil {
		return nil, fmt.Errorf("%w: nil backend account", common.ErrConfiguration)
	}
	fp := account.Credentials.Fingerprint()

	f.mu.Lock()
	defer f.mu.Unlock()

	if cached, ok := f.adapters[account.ID]; ok && cached.fingerprint == fp {
		return cached.adapter, nil
	}

	var (
		adapter Adapter
		err     error
	)
	switch account.Credentials.Provider {
	case ProviderMemory:
		// credentials changes on a memory account keep its data
		if cached, ok := f.adapters[account.ID]; ok {
			if mem, isMem := cached.adapter.(*MemoryAdapter); isMem {
				adapter = mem
				break
			}
		}
		adapter = NewMemoryAdapter()
	case "":
		return nil, fmt.Errorf("%w: account %s has no provider", common.ErrConfiguration, account.ID)
	default:
		adapter, err = f.newS3(account.Credentials)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", account.ID, err)
		}
	}

	f.adapters[account.ID] = cachedAdapter{fingerprint: fp, adapter: adapter}
	return adapter, nil
}

// Register installs a prebuilt adapter for an account id.
func (f *ClientFactory) Register(account *models.BackendAccount, adapter Adapter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adapters[account.ID] = cachedAdapter{fingerprint: account.Credentials.Fingerprint(), adapter: adapter}
}
