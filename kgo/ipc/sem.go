package ipc

import (
	"fmt"
	"sync"

	"github.com/ethereum-optimism/sysabi/kgo/abi"
)

// SemBuf is one operation of a semop call.
type SemBuf struct {
	Num   uint16
	Op    int16
	Flags int16
}

// SemSet is a set of counting semaphores.
type SemSet struct {
	mu      sync.Mutex
	changed *sync.Cond

	vals    []int
	ncnt    []int
	removed bool
}

func newSemSet(n int) *SemSet {
	s := &SemSet{vals: make([]int, n), ncnt: make([]int, n)}
	s.changed = sync.NewCond(&s.mu)
	return s
}

// Len returns the number of semaphores in the set.
func (s *SemSet) Len() int { return len(s.vals) }

// try applies ops if all of them can proceed. Otherwise it returns the index
// of the semaphore to wait on.
func (s *SemSet) try(ops []SemBuf) (blockedOn int, blocking bool, err error) {
	next := append([]int(nil), s.vals...)
	for _, op := range ops {
		v := next[op.Num]
		switch {
		case op.Op > 0:
			if v+int(op.Op) > abi.SEMVMX {
				return 0, false, fmt.Errorf("%w: semaphore %d would exceed %d", ErrRange, op.Num, abi.SEMVMX)
			}
			next[op.Num] = v + int(op.Op)
		case op.Op < 0:
			if v < -int(op.Op) {
				return int(op.Num), op.Flags&abi.IPC_NOWAIT == 0, nil
			}
			next[op.Num] = v + int(op.Op)
		default:
			if v != 0 {
				return int(op.Num), op.Flags&abi.IPC_NOWAIT == 0, nil
			}
		}
	}
	copy(s.vals, next)
	return -1, false, nil
}

func (s *SemSet) op(ops []SemBuf) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.removed {
			return ErrRemoved
		}
		idx, blocking, err := s.try(ops)
		if err != nil {
			return err
		}
		if idx < 0 {
			s.changed.Broadcast()
			return nil
		}
		if !blocking {
			return fmt.Errorf("%w: semaphore %d", ErrWouldBlock, idx)
		}
		s.ncnt[idx]++
		s.changed.Wait()
		s.ncnt[idx]--
	}
}

func (s *SemSet) remove() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = true
	s.changed.Broadcast()
}

// SemGet returns the id of the semaphore set for key, creating it as flags allow.
func (m *Manager) SemGet(key int64, nsems int, flags int) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, found, err := m.sems.lookupKey(key, flags)
	if err != nil {
		return 0, err
	}
	if found {
		if set := m.sems.byID[id]; nsems > set.Len() {
			return 0, fmt.Errorf("%w: set %d has %d semaphores, asked for %d", ErrInvalid, id, set.Len(), nsems)
		}
		return id, nil
	}
	if nsems <= 0 || nsems > m.limits.MaxSems {
		return 0, fmt.Errorf("%w: %d semaphores", ErrInvalid, nsems)
	}
	return m.sems.insert(key, newSemSet(nsems)), nil
}

func (m *Manager) semSet(id uint64) (*SemSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sems.get(id)
}

// SemOp applies ops atomically: either all of them happen or none.
// Without IPC_NOWAIT on the op that cannot proceed, it blocks until it can.
func (m *Manager) SemOp(id uint64, ops []SemBuf) error {
	if len(ops) == 0 {
		return fmt.Errorf("%w: empty semop", ErrInvalid)
	}
	set, err := m.semSet(id)
	if err != nil {
		return err
	}
	for _, op := range ops {
		if int(op.Num) >= set.Len() {
			return fmt.Errorf("%w: semaphore %d of %d", ErrInvalid, op.Num, set.Len())
		}
	}
	return set.op(ops)
}

func (m *Manager) semIndex(id uint64, num int) (*SemSet, error) {
	set, err := m.semSet(id)
	if err != nil {
		return nil, err
	}
	if num < 0 || num >= set.Len() {
		return nil, fmt.Errorf("%w: semaphore %d of %d", ErrInvalid, num, set.Len())
	}
	return set, nil
}

func (m *Manager) SemGetVal(id uint64, num int) (int, error) {
	set, err := m.semIndex(id, num)
	if err != nil {
		return 0, err
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	return set.vals[num], nil
}

// SemSetVal sets one semaphore and wakes waiters.
func (m *Manager) SemSetVal(id uint64, num int, val int) error {
	set, err := m.semIndex(id, num)
	if err != nil {
		return err
	}
	if val < 0 || val > abi.SEMVMX {
		return fmt.Errorf("%w: semaphore value %d", ErrRange, val)
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	set.vals[num] = val
	set.changed.Broadcast()
	return nil
}

func (m *Manager) SemGetAll(id uint64) ([]int, error) {
	set, err := m.semSet(id)
	if err != nil {
		return nil, err
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	return append([]int(nil), set.vals...), nil
}

// SemGetNCnt returns how many callers are blocked on semaphore num.
func (m *Manager) SemGetNCnt(id uint64, num int) (int, error) {
	set, err := m.semIndex(id, num)
	if err != nil {
		return 0, err
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	return set.ncnt[num], nil
}

// SemRemove destroys a set. Blocked callers fail with ErrRemoved.
func (m *Manager) SemRemove(id uint64) error {
	m.mu.Lock()
	set, err := m.sems.get(id)
	if err == nil {
		m.sems.remove(id)
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}
	set.remove()
	return nil
}
