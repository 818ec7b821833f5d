package ext

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
)

// MaxPattern is the longest pattern the store accepts.
const MaxPattern = 256

// ThreatStore keeps byte patterns and counts which of them occur in scanned data.
type ThreatStore struct {
	mu       sync.Mutex
	nextID   uint64
	capacity int
	patterns map[uint64][]byte
}

func NewThreatStore(capacity int) *ThreatStore {
	return &ThreatStore{nextID: 1, capacity: capacity, patterns: make(map[uint64][]byte)}
}

// Register stores pattern and returns its id.
func (s *ThreatStore) Register(pattern []byte) (uint64, error) {
	if len(pattern) == 0 || len(pattern) > MaxPattern {
		return 0, fmt.Errorf("%w: pattern of %d bytes", ErrInvalid, len(pattern))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.patterns {
		if bytes.Equal(p, pattern) {
			return 0, fmt.Errorf("%w: pattern %d", ErrExists, id)
		}
	}
	if len(s.patterns) >= s.capacity {
		return 0, fmt.Errorf("%w: %d patterns", ErrFull, len(s.patterns))
	}
	id := s.nextID
	s.nextID++
	s.patterns[id] = append([]byte(nil), pattern...)
	return id, nil
}

func (s *ThreatStore) Remove(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.patterns[id]; !ok {
		return fmt.Errorf("%w: pattern %d", ErrNotFound, id)
	}
	delete(s.patterns, id)
	return nil
}

// Scan returns how many registered patterns occur in data.
func (s *ThreatStore) Scan(data []byte) (uint64, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("%w: empty scan buffer", ErrInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var hits uint64
	for _, p := range s.patterns {
		if bytes.Contains(data, p) {
			hits++
		}
	}
	return hits, nil
}

func (s *ThreatStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.patterns)
}

// IDs returns the registered pattern ids in ascending order.
func (s *ThreatStore) IDs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, 0, len(s.patterns))
	for id := range s.patterns {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
