package ext

import (
	"fmt"
	"sort"
	"sync"
)

// AccessTracker counts accesses per path.
type AccessTracker struct {
	mu     sync.Mutex
	counts map[string]uint64
	max    int
}

// NewAccessTracker tracks at most max distinct paths.
func NewAccessTracker(max int) *AccessTracker {
	return &AccessTracker{counts: make(map[string]uint64), max: max}
}

func (t *AccessTracker) Record(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrInvalid)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.counts[path]; !ok && len(t.counts) >= t.max {
		return fmt.Errorf("%w: tracking %d paths", ErrFull, len(t.counts))
	}
	t.counts[path]++
	return nil
}

func (t *AccessTracker) Count(path string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[path]
}

// Hottest returns up to n paths, most accessed first, ties in lexical order.
func (t *AccessTracker) Hottest(n int) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	paths := make([]string, 0, len(t.counts))
	for p := range t.counts {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool {
		ci, cj := t.counts[paths[i]], t.counts[paths[j]]
		if ci != cj {
			return ci > cj
		}
		return paths[i] < paths[j]
	})
	if len(paths) > n {
		paths = paths[:n]
	}
	return paths
}
