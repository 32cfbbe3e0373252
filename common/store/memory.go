package store

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/bashirmohd/bigdataexpress-C/common/types"
)

// MemoryStore is a DocumentStore that keeps every document in memory. Nothing survives a restart.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[Collection]map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	store := &MemoryStore{collections: make(map[Collection]map[string][]byte, len(Collections))}

	for _, collection := range Collections {
		store.collections[collection] = make(map[string][]byte)
	}

	return store
}

func (s *MemoryStore) Connect(_ context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) Find(_ context.Context, collection Collection, id string) ([]byte, error) {
	if err := checkKey(collection, id); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	document, ok := s.collections[collection][id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", types.ErrNotFound, collection, id)
	}

	return slices.Clone(document), nil
}

func (s *MemoryStore) List(_ context.Context, collection Collection) ([][]byte, error) {
	if err := collection.Validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	documents := s.collections[collection]

	ids := make([]string, 0, len(documents))
	for id := range documents {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	result := make([][]byte, 0, len(ids))
	for _, id := range ids {
		result = append(result, slices.Clone(documents[id]))
	}

	return result, nil
}

func (s *MemoryStore) Insert(_ context.Context, collection Collection, id string, document []byte) error {
	if err := checkKey(collection, id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.collections[collection][id]; ok {
		return fmt.Errorf("%w: %s/%s already exists", types.ErrConflict, collection, id)
	}

	s.collections[collection][id] = slices.Clone(document)
	return nil
}

func (s *MemoryStore) Update(_ context.Context, collection Collection, id string, document []byte) error {
	if err := checkKey(collection, id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.collections[collection][id]; !ok {
		return fmt.Errorf("%w: %s/%s", types.ErrNotFound, collection, id)
	}

	s.collections[collection][id] = slices.Clone(document)
	return nil
}

func (s *MemoryStore) Put(_ context.Context, collection Collection, id string, document []byte) error {
	if err := checkKey(collection, id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.collections[collection][id] = slices.Clone(document)
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, collection Collection, id string) error {
	if err := checkKey(collection, id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.collections[collection][id]; !ok {
		return fmt.Errorf("%w: %s/%s", types.ErrNotFound, collection, id)
	}

	delete(s.collections[collection], id)
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, collection Collection) error {
	if err := collection.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	clear(s.collections[collection])
	return nil
}
