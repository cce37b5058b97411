package store

import "sync"

// InmemStore is a Store kept entirely in memory. It backs tests and
// short-lived nodes that do not need durability.
type InmemStore struct {
	lock sync.RWMutex
	kv   map[string][]byte
}

// NewInmemStore creates an empty in-memory store.
func NewInmemStore() *InmemStore {
	return &InmemStore{
		kv: make(map[string][]byte),
	}
}

// Write stores the value under the key.
func (s *InmemStore) Write(key, value []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	s.kv[string(key)] = stored
	return nil
}

// Read returns the value stored under the key, or (nil, nil) if absent.
func (s *InmemStore) Read(key []byte) ([]byte, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	value, ok := s.kv[string(key)]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Has reports whether the key is present.
func (s *InmemStore) Has(key []byte) (bool, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	_, ok := s.kv[string(key)]
	return ok, nil
}

// Close is a no-op for the in-memory store.
func (s *InmemStore) Close() error {
	return nil
}
