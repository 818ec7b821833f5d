package ext

import (
	"fmt"
	"math/bits"
	"sync"
)

// historySize is how many recorded allocations the hinter remembers.
const historySize = 64

// Allocator suggests allocation sizes from the recent allocation history.
// Sizes are grouped into power-of-two buckets.
type Allocator struct {
	mu      sync.Mutex
	history [historySize]uint64
	n       int // total recorded, the ring index is n % historySize
}

func NewAllocator() *Allocator {
	return &Allocator{}
}

func bucket(size uint64) uint64 {
	if size <= 1 {
		return 1
	}
	return 1 << bits.Len64(size-1)
}

// Record adds an allocation of size bytes to the history.
func (a *Allocator) Record(size uint64) error {
	if size == 0 || size > 1<<62 {
		return fmt.Errorf("%w: allocation size %d", ErrInvalid, size)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history[a.n%historySize] = size
	a.n++
	return nil
}

// mostCommon returns the most frequent bucket in the history, preferring the larger on ties.
func (a *Allocator) mostCommon() uint64 {
	counts := make(map[uint64]int)
	var best uint64
	for i := 0; i < min(a.n, historySize); i++ {
		b := bucket(a.history[i])
		counts[b]++
		if counts[b] > counts[best] || (counts[b] == counts[best] && b > best) {
			best = b
		}
	}
	return best
}

// Hint returns the size the caller should allocate for a request of size bytes:
// its bucket, or the most common recorded bucket when that one is larger but
// within twice the request.
func (a *Allocator) Hint(size uint64) (uint64, error) {
	if size == 0 || size > 1<<62 {
		return 0, fmt.Errorf("%w: allocation size %d", ErrInvalid, size)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	b := bucket(size)
	if common := a.mostCommon(); common > b && common <= 2*b {
		return common, nil
	}
	return b, nil
}

// Predict returns the bucket most likely to be requested next.
func (a *Allocator) Predict() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.n == 0 {
		return 0, fmt.Errorf("%w: no allocation history", ErrNotFound)
	}
	return a.mostCommon(), nil
}
