// Package memory provides an in-process presence store for tests and
// single-node deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"
)

type Store struct {
	mu      sync.Mutex
	expires map[string]time.Time
}

func NewStore() *Store {
	return &Store{expires: make(map[string]time.Time)}
}

func (s *Store) Heartbeat(_ context.Context, workerID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expires[workerID] = time.Now().Add(ttl)

	return nil
}

func (s *Store) Active(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	active := make([]string, 0, len(s.expires))

	for id, expiry := range s.expires {
		if now.Before(expiry) {
			active = append(active, id)
		} else {
			delete(s.expires, id)
		}
	}

	sort.Strings(active)

	return active, nil
}

func (s *Store) Remove(_ context.Context, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.expires, workerID)

	return nil
}

func (s *Store) Close() error {
	return nil
}
