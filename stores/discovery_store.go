package stores

import (
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	oid "github.com/panyam/openid"
)

const (
	// DefaultDiscoveryTTL bounds how long a discovered provider is trusted
	// before the claimed identifier is rediscovered
	DefaultDiscoveryTTL = time.Hour

	DefaultDiscoveryCacheSize = 10000
)

// MemoryDiscoveryStore caches provider records by claimed identifier with a
// size bound and a TTL.
type MemoryDiscoveryStore struct {
	cache *expirable.LRU[string, *oid.ProviderRecord]
}

// NewMemoryDiscoveryStore creates a store. Non-positive arguments select the defaults.
func NewMemoryDiscoveryStore(size int, ttl time.Duration) *MemoryDiscoveryStore {
	if size <= 0 {
		size = DefaultDiscoveryCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultDiscoveryTTL
	}
	return &MemoryDiscoveryStore{cache: expirable.NewLRU[string, *oid.ProviderRecord](size, nil, ttl)}
}

func (s *MemoryDiscoveryStore) SaveDiscovered(p *oid.ProviderRecord) error {
	if p == nil || p.ClaimedIdentifier == "" {
		return fmt.Errorf("provider record has no claimed identifier")
	}
	record := *p
	s.cache.Add(p.ClaimedIdentifier, &record)
	return nil
}

func (s *MemoryDiscoveryStore) LoadDiscovered(claimedID string) (*oid.ProviderRecord, error) {
	p, ok := s.cache.Get(claimedID)
	if !ok {
		return nil, oid.ErrNotFound
	}
	record := *p
	return &record, nil
}

func (s *MemoryDiscoveryStore) RemoveDiscovered(claimedID string) error {
	s.cache.Remove(claimedID)
	return nil
}

// Len returns the number of cached records, including ones not yet reaped after expiry
func (s *MemoryDiscoveryStore) Len() int {
	return s.cache.Len()
}
