package seqstore

import (
	"context"
	"sync"
)

type pair struct {
	in  uint64
	out uint64
}

// MemoryStore keeps sequences in process memory. It satisfies the atomicity
// contract but not durability; it is for tests and dry runs.
type MemoryStore struct {
	mu     sync.RWMutex
	seqs   map[string]pair
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seqs: make(map[string]pair)}
}

func (s *MemoryStore) Load(ctx context.Context, venue string) (uint64, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, 0, ErrClosed
	}
	p, ok := s.seqs[venue]
	if !ok {
		return 1, 1, nil
	}
	return p.in, p.out, nil
}

func (s *MemoryStore) Persist(ctx context.Context, venue string, inbound, outbound uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.seqs[venue] = pair{in: inbound, out: outbound}
	return nil
}

func (s *MemoryStore) Reset(ctx context.Context, venue string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.seqs, venue)
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
