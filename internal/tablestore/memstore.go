package tablestore

import (
	"context"
	"sync"
	"time"
)

type memKey struct {
	partition string
	row       string
}

// InMemory is a map-backed Store used by tests and DSN-less local runs.
type InMemory struct {
	mu   sync.RWMutex
	rows map[memKey]Entity
}

var _ Store = (*InMemory)(nil)

// NewInMemory returns an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{rows: make(map[memKey]Entity)}
}

func (s *InMemory) Retrieve(ctx context.Context, partitionKey, rowKey string) (Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.rows[memKey{partitionKey, rowKey}]
	if !ok {
		return Entity{}, ErrNotFound
	}
	return clone(e), nil
}

func (s *InMemory) Upsert(ctx context.Context, e Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.UpdatedAt = time.Now().UTC()
	s.rows[memKey{e.PartitionKey, e.RowKey}] = clone(e)
	return nil
}

func (s *InMemory) Insert(ctx context.Context, e Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memKey{e.PartitionKey, e.RowKey}
	if _, ok := s.rows[k]; ok {
		return ErrExists
	}
	e.UpdatedAt = time.Now().UTC()
	s.rows[k] = clone(e)
	return nil
}

func (s *InMemory) Delete(ctx context.Context, partitionKey, rowKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, memKey{partitionKey, rowKey})
	return nil
}

func (s *InMemory) Query(ctx context.Context, partitionKey string) ([]Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entity
	for k, e := range s.rows {
		if k.partition == partitionKey {
			out = append(out, clone(e))
		}
	}
	return out, nil
}

func clone(e Entity) Entity {
	if e.Data != nil {
		data := make([]byte, len(e.Data))
		copy(data, e.Data)
		e.Data = data
	}
	return e
}
