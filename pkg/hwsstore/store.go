// Package hwsstore persists hibernating-WebSocket metadata for the host
// application. The runner core does not persist anything itself; hosts load
// metadata from a Store inside OnActorStart and hand it to
// RestoreHibernatingRequests.
package hwsstore

import (
	"context"
	"sync"

	"github.com/rivet-dev/runner-go/pkg/protocol"
	"github.com/rivet-dev/runner-go/pkg/runner"
)

// Store persists per-actor hibernating-WebSocket metadata.
type Store interface {
	// Put inserts or updates the record for one connection.
	Put(ctx context.Context, actorID string, meta runner.HibernatingWebSocketMetadata) error

	// List returns all records for an actor.
	List(ctx context.Context, actorID string) ([]runner.HibernatingWebSocketMetadata, error)

	// Delete removes the record for one connection; missing records are
	// not an error.
	Delete(ctx context.Context, actorID string, key protocol.RequestKey) error

	// DeleteActor removes all records for an actor.
	DeleteActor(ctx context.Context, actorID string) error

	Close() error
}

// MemoryStore keeps metadata in process memory. Suitable for tests and for
// hosts that do not need durability across restarts.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]map[protocol.RequestKey]runner.HibernatingWebSocketMetadata
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[protocol.RequestKey]runner.HibernatingWebSocketMetadata)}
}

func (s *MemoryStore) Put(_ context.Context, actorID string, meta runner.HibernatingWebSocketMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	actorData, ok := s.data[actorID]
	if !ok {
		actorData = make(map[protocol.RequestKey]runner.HibernatingWebSocketMetadata)
		s.data[actorID] = actorData
	}
	actorData[meta.Key()] = meta
	return nil
}

func (s *MemoryStore) List(_ context.Context, actorID string) ([]runner.HibernatingWebSocketMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	actorData := s.data[actorID]
	out := make([]runner.HibernatingWebSocketMetadata, 0, len(actorData))
	for _, meta := range actorData {
		out = append(out, meta)
	}
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, actorID string, key protocol.RequestKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if actorData, ok := s.data[actorID]; ok {
		delete(actorData, key)
		if len(actorData) == 0 {
			delete(s.data, actorID)
		}
	}
	return nil
}

func (s *MemoryStore) DeleteActor(_ context.Context, actorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, actorID)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
