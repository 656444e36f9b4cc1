package state

import (
	"context"
	"sort"
	"sync"

	"github.com/bft-labs/camfleet/pkg/credential"
)

// MemoryRepository keeps credentials in memory. Nothing survives a restart.
type MemoryRepository struct {
	mu    sync.RWMutex
	creds map[string]credential.Credential
}

var _ credential.Store = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{creds: make(map[string]credential.Credential)}
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (credential.Credential, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.creds[id]
	return c, ok, nil
}

func (r *MemoryRepository) Put(ctx context.Context, id string, cred credential.Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creds[id] = cred
	return nil
}

func (r *MemoryRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.creds, id)
	return nil
}

func (r *MemoryRepository) List(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.creds))
	for id := range r.creds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
