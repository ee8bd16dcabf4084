package accountinfo

import (
	"context"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/canopy-network/bondingx/pkg/models"
)

// Store keeps the latest account config document per address.
type Store interface {
	Put(ctx context.Context, address string, doc []byte) error
	Get(ctx context.Context, address string) ([]byte, bool, error)
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	docs *xsync.Map[string, []byte]
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: xsync.NewMap[string, []byte]()}
}

func (m *MemoryStore) Put(_ context.Context, address string, doc []byte) error {
	m.docs.Store(address, append([]byte(nil), doc...))
	return nil
}

func (m *MemoryStore) Get(_ context.Context, address string) ([]byte, bool, error) {
	doc, ok := m.docs.Load(address)
	return doc, ok, nil
}

// CachedStore serves documents from process memory and falls back to a shared remote store.
// Refresh keeps the memory tier current with updates announced by writers.
type CachedStore struct {
	local  *MemoryStore
	remote Store
}

// NewCachedStore returns a CachedStore in front of remote.
func NewCachedStore(remote Store) *CachedStore {
	return &CachedStore{local: NewMemoryStore(), remote: remote}
}

func (c *CachedStore) Put(ctx context.Context, address string, doc []byte) error {
	if err := c.remote.Put(ctx, address, doc); err != nil {
		return err
	}
	return c.local.Put(ctx, address, doc)
}

func (c *CachedStore) Get(ctx context.Context, address string) ([]byte, bool, error) {
	if doc, ok, _ := c.local.Get(ctx, address); ok {
		return doc, true, nil
	}
	doc, ok, err := c.remote.Get(ctx, address)
	if err != nil || !ok {
		return nil, false, err
	}
	_ = c.local.Put(ctx, address, doc)
	return doc, true, nil
}

// Refresh replaces the in-memory document of address.
func (c *CachedStore) Refresh(address string, doc []byte) {
	c.local.docs.Store(address, append([]byte(nil), doc...))
}

// Recorder returns a snapshot hook that stores the snapshot's fields as the address's config document.
func Recorder(store Store) func(ctx context.Context, snap *models.AccountSnapshot) error {
	return func(ctx context.Context, snap *models.AccountSnapshot) error {
		doc, err := snap.Fields.MarshalJSON()
		if err != nil {
			return err
		}
		return store.Put(ctx, snap.Address, doc)
	}
}
