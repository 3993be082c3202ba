package stores

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	oid "github.com/panyam/openid"
)

// MemoryAssociationStore keeps associations in a ttlcache with one TTL per
// handle, taken from the provider's expires_in. Reads do not extend it.
type MemoryAssociationStore struct {
	cache     *ttlcache.Cache[string, *oid.Association]
	closeOnce sync.Once
}

// NewMemoryAssociationStore starts the expiry loop; call Close to stop it.
func NewMemoryAssociationStore() *MemoryAssociationStore {
	cache := ttlcache.New[string, *oid.Association](
		ttlcache.WithDisableTouchOnHit[string, *oid.Association](),
	)
	go cache.Start()
	return &MemoryAssociationStore{cache: cache}
}

// SaveAssociation replaces any association under the same handle. An
// association without ExpiresAt never expires; one already past it is not kept.
func (s *MemoryAssociationStore) SaveAssociation(a *oid.Association) error {
	ttl := ttlcache.NoTTL
	if !a.ExpiresAt.IsZero() {
		ttl = time.Until(a.ExpiresAt)
		if ttl <= 0 {
			s.cache.Delete(a.Handle)
			return nil
		}
	}
	s.cache.Set(a.Handle, a, ttl)
	return nil
}

func (s *MemoryAssociationStore) LoadAssociation(handle string) (*oid.Association, error) {
	item := s.cache.Get(handle)
	if item == nil || item.Value().IsExpired() {
		return nil, oid.ErrNotFound
	}
	return item.Value(), nil
}

func (s *MemoryAssociationStore) RemoveAssociation(handle string) error {
	s.cache.Delete(handle)
	return nil
}

// Len returns the number of entries not yet evicted
func (s *MemoryAssociationStore) Len() int {
	return s.cache.Len()
}

// Close stops the expiry loop and empties the store
func (s *MemoryAssociationStore) Close() error {
	s.closeOnce.Do(func() {
		s.cache.Stop()
		s.cache.DeleteAll()
	})
	return nil
}
