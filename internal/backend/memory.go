package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kenneth/chunkvault/internal/common"
)

// MemoryAdapter keeps objects in process memory. It is used for local runs
// and tests, and can simulate an unreachable backend.
type MemoryAdapter struct {
	mu          sync.RWMutex
	objects     map[string][]byte
	unavailable bool
	failNext    map[string]int
}

var _ Adapter = (*MemoryAdapter)(nil)

// NewMemoryAdapter creates an empty in-memory backend.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		objects:  make(map[string][]byte),
		failNext: make(map[string]int),
	}
}

var errInjected = errors.New("injected failure")

// FailNext makes the next n calls of op ("store", "fetch" or "delete") fail.
func (m *MemoryAdapter) FailNext(op string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[op] += n
}

// SetUnavailable makes every call fail until reset.
func (m *MemoryAdapter) SetUnavailable(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = down
}

// checkFault must be called with the write lock held.
func (m *MemoryAdapter) checkFault(op string) error {
	if m.unavailable {
		return fmt.Errorf("%s: %w", op, common.ErrBackendUnavailable)
	}
	if m.failNext[op] > 0 {
		m.failNext[op]--
		return fmt.Errorf("%s: %w: %v", op, common.ErrBackendUnavailable, errInjected)
	}
	return nil
}

// Store saves a copy of data.
func (m *MemoryAdapter) Store(ctx context.Context, name string, data []byte) (string, int64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFault("store"); err != nil {
		return "", 0, err
	}
	m.objects[name] = append([]byte(nil), data...)
	return name, int64(len(data)), nil
}

// Fetch returns a copy of the stored object.
func (m *MemoryAdapter) Fetch(ctx context.Context, remoteID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFault("fetch"); err != nil {
		return nil, err
	}
	data, ok := m.objects[remoteID]
	if !ok {
		return nil, fmt.Errorf("fetch %s: %w: %w", remoteID, common.ErrObjectNotFound, common.ErrBackendUnavailable)
	}
	return append([]byte(nil), data...), nil
}

// Delete removes the object.
func (m *MemoryAdapter) Delete(ctx context.Context, remoteID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFault("delete"); err != nil {
		return 0, err
	}
	data, ok := m.objects[remoteID]
	if !ok {
		return 0, fmt.Errorf("delete %s: %w: %w", remoteID, common.ErrObjectNotFound, common.ErrBackendUnavailable)
	}
	delete(m.objects, remoteID)
	return int64(len(data)), nil
}

// Check fails while the adapter is marked unavailable.
func (m *MemoryAdapter) Check(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.unavailable {
		return common.ErrBackendUnavailable
	}
	return nil
}

// Corrupt flips one byte of a stored object.
func (m *MemoryAdapter) Corrupt(remoteID string, offset int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[remoteID]
	if !ok || offset >= len(data) {
		return false
	}
	data[offset] ^= 0xff
	return true
}

// Len reports how many objects are stored.
func (m *MemoryAdapter) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

// Has reports whether remoteID is stored.
func (m *MemoryAdapter) Has(remoteID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[remoteID]
	return ok
}
