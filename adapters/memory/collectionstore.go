package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/vistara-apps/usagebill/ports"
)

// CollectionStore is an in-memory implementation of ports.CollectionStore.
type CollectionStore struct {
	mu    sync.RWMutex
	byKey map[string]ports.Collection
}

// NewCollectionStore creates a new in-memory collection store.
func NewCollectionStore() *CollectionStore {
	return &CollectionStore{byKey: make(map[string]ports.Collection)}
}

// Get returns the collection recorded under key.
func (s *CollectionStore) Get(ctx context.Context, key string) (ports.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.byKey[key]
	if !ok {
		return ports.Collection{}, fmt.Errorf("collection %s: %w", key, ports.ErrNotFound)
	}
	return c, nil
}

// Save records a collection.
func (s *CollectionStore) Save(ctx context.Context, c ports.Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byKey[c.Key]; exists {
		return fmt.Errorf("collection %s: %w", c.Key, ports.ErrConflict)
	}
	s.byKey[c.Key] = c
	return nil
}

// List returns collections for a subscription, newest first.
func (s *CollectionStore) List(ctx context.Context, subscriptionID string) ([]ports.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ports.Collection
	for _, c := range s.byKey {
		if c.SubscriptionID == subscriptionID {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b ports.Collection) int {
		return b.CollectedAt.Compare(a.CollectedAt)
	})
	return out, nil
}

// Ensure interface compliance.
var _ ports.CollectionStore = (*CollectionStore)(nil)
