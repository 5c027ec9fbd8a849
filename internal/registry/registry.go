package registry

import (
	"context"
	"sync"

	"spotify-remote/internal/types"
)

// Store holds pending credentials until a playback command claims them.
// Insert never overwrites; Take removes what it returns.
type Store interface {
	// Insert stores creds under creds.Key. It returns false, and leaves the
	// existing entry untouched, when the key is already present.
	Insert(ctx context.Context, creds types.ForwardCreds) (bool, error)
	// Take atomically removes and returns the entry for key, or nil.
	Take(ctx context.Context, key string) (*types.ForwardCreds, error)
	// Len reports the number of pending entries
	Len(ctx context.Context) (int, error)
}

// MemoryStore is the in-process Store. The lock covers a single
// read-modify-write and is never held across I/O.
type MemoryStore struct {
	mu      sync.Mutex
	pending map[string]types.ForwardCreds
}

// NewMemoryStore creates an empty in-memory registry
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pending: make(map[string]types.ForwardCreds),
	}
}

// Insert stores creds if the key is free
func (s *MemoryStore) Insert(_ context.Context, creds types.ForwardCreds) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pending[creds.Key]; exists {
		return false, nil
	}
	s.pending[creds.Key] = creds
	return true, nil
}

// Take removes and returns the entry for key
func (s *MemoryStore) Take(_ context.Context, key string) (*types.ForwardCreds, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	creds, ok := s.pending[key]
	if !ok {
		return nil, nil
	}
	delete(s.pending, key)
	return &creds, nil
}

// Len reports the number of pending entries
func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending), nil
}
