// Package ipc stores System V style IPC objects and pipes.
// Tables are process-agnostic: any caller presenting an id may use the object.
package ipc

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum-optimism/sysabi/kgo/abi"
)

// IPC errors. This is the complete set the manager returns.
var (
	ErrNotFound   = errors.New("ipc: no such object")
	ErrNoKey      = errors.New("ipc: no object for key")
	ErrExists     = errors.New("ipc: object exists")
	ErrExhausted  = errors.New("ipc: object table full")
	ErrInvalid    = errors.New("ipc: invalid argument")
	ErrWouldBlock = errors.New("ipc: operation would block")
	ErrRemoved    = errors.New("ipc: object removed")
	ErrTooBig     = errors.New("ipc: message too big")
	ErrRange      = errors.New("ipc: value out of range")
	ErrBrokenPipe = errors.New("ipc: broken pipe")
)

// Kind tells the object tables apart.
type Kind uint8

const (
	KindQueue Kind = iota
	KindSegment
	KindSemSet
	KindPipe
)

func (k Kind) String() string {
	switch k {
	case KindQueue:
		return "msg"
	case KindSegment:
		return "shm"
	case KindSemSet:
		return "sem"
	case KindPipe:
		return "pipe"
	default:
		return "unknown"
	}
}

type Limits struct {
	// MaxObjects caps the number of live objects per kind.
	MaxObjects int `yaml:"max_objects"`
	// QueueBytes caps the payload bytes buffered in one message queue.
	QueueBytes int `yaml:"queue_bytes"`
	// MaxMessage caps the size of a single message.
	MaxMessage int `yaml:"max_message"`
	// MaxSegment caps the size of a shared memory segment.
	MaxSegment uint64 `yaml:"max_segment"`
	// MaxSems caps the number of semaphores in one set.
	MaxSems int `yaml:"max_sems"`
	// PipeBuffer is the capacity of a pipe in bytes.
	PipeBuffer int `yaml:"pipe_buffer"`
}

func DefaultLimits() Limits {
	return Limits{
		MaxObjects: 256,
		QueueBytes: 16 << 10,
		MaxMessage: 8 << 10,
		MaxSegment: 32 << 20,
		MaxSems:    250,
		PipeBuffer: 64 << 10,
	}
}

// table is one per-kind keyed store. Ids come from a monotonic counter and are never reused.
type table[T any] struct {
	kind   Kind
	max    int
	nextID uint64
	byID   map[uint64]T
	byKey  map[int64]uint64
	keyOf  map[uint64]int64
}

func newTable[T any](kind Kind, max int) table[T] {
	return table[T]{
		kind:   kind,
		max:    max,
		nextID: 1,
		byID:   make(map[uint64]T),
		byKey:  make(map[int64]uint64),
		keyOf:  make(map[uint64]int64),
	}
}

// lookupKey resolves a get-style call. It returns found=true with an existing id,
// or found=false when the caller must create a new object.
func (t *table[T]) lookupKey(key int64, flags int) (id uint64, found bool, err error) {
	if key != abi.IPC_PRIVATE {
		if id, ok := t.byKey[key]; ok {
			if flags&abi.IPC_CREAT != 0 && flags&abi.IPC_EXCL != 0 {
				return 0, false, fmt.Errorf("%w: %s key %d", ErrExists, t.kind, key)
			}
			return id, true, nil
		}
		if flags&abi.IPC_CREAT == 0 {
			return 0, false, fmt.Errorf("%w: %s key %d", ErrNoKey, t.kind, key)
		}
	}
	if len(t.byID) >= t.max {
		return 0, false, fmt.Errorf("%w: %d %s objects", ErrExhausted, len(t.byID), t.kind)
	}
	return 0, false, nil
}

func (t *table[T]) insert(key int64, obj T) uint64 {
	id := t.nextID
	t.nextID++
	t.byID[id] = obj
	if key != abi.IPC_PRIVATE {
		t.byKey[key] = id
		t.keyOf[id] = key
	}
	return id
}

func (t *table[T]) get(id uint64) (T, error) {
	obj, ok := t.byID[id]
	if !ok {
		return obj, fmt.Errorf("%w: %s id %d", ErrNotFound, t.kind, id)
	}
	return obj, nil
}

// unlinkKey hides the object from key lookups, without freeing its id.
func (t *table[T]) unlinkKey(id uint64) {
	if key, ok := t.keyOf[id]; ok {
		delete(t.byKey, key)
		delete(t.keyOf, id)
	}
}

func (t *table[T]) remove(id uint64) {
	t.unlinkKey(id)
	delete(t.byID, id)
}

func (t *table[T]) ids() []uint64 {
	out := make([]uint64, 0, len(t.byID))
	for id := range t.byID {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Manager owns the four object tables.
type Manager struct {
	mu     sync.Mutex
	limits Limits

	queues   table[*Queue]
	segments table[*Segment]
	sems     table[*SemSet]
	pipes    table[*Pipe]

	// attached maps shm attachment addresses to segment ids.
	attached map[uint64]uint64
}

func NewManager(limits Limits) *Manager {
	return &Manager{
		limits:   limits,
		queues:   newTable[*Queue](KindQueue, limits.MaxObjects),
		segments: newTable[*Segment](KindSegment, limits.MaxObjects),
		sems:     newTable[*SemSet](KindSemSet, limits.MaxObjects),
		pipes:    newTable[*Pipe](KindPipe, limits.MaxObjects),
		attached: make(map[uint64]uint64),
	}
}

// Count returns the number of live objects of a kind.
func (m *Manager) Count(kind Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch kind {
	case KindQueue:
		return len(m.queues.byID)
	case KindSegment:
		return len(m.segments.byID)
	case KindSemSet:
		return len(m.sems.byID)
	case KindPipe:
		return len(m.pipes.byID)
	default:
		return 0
	}
}

// Total returns the number of live objects across all kinds.
func (m *Manager) Total() int {
	return m.Count(KindQueue) + m.Count(KindSegment) + m.Count(KindSemSet) + m.Count(KindPipe)
}

// ObjectInfo summarizes one live object for snapshots.
type ObjectInfo struct {
	Kind string `json:"kind"`
	ID   uint64 `json:"id"`
	Key  int64  `json:"key,omitempty"`
	// Size is queued bytes, segment bytes, semaphore count or buffered pipe bytes.
	Size uint64 `json:"size"`
}

// Objects lists every live object, ordered by kind then id.
func (m *Manager) Objects() []ObjectInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ObjectInfo
	for _, id := range m.queues.ids() {
		out = append(out, ObjectInfo{Kind: KindQueue.String(), ID: id, Key: m.queues.keyOf[id], Size: uint64(m.queues.byID[id].Bytes())})
	}
	for _, id := range m.segments.ids() {
		out = append(out, ObjectInfo{Kind: KindSegment.String(), ID: id, Key: m.segments.keyOf[id], Size: m.segments.byID[id].Size()})
	}
	for _, id := range m.sems.ids() {
		out = append(out, ObjectInfo{Kind: KindSemSet.String(), ID: id, Key: m.sems.keyOf[id], Size: uint64(m.sems.byID[id].Len())})
	}
	for _, id := range m.pipes.ids() {
		out = append(out, ObjectInfo{Kind: KindPipe.String(), ID: id, Size: uint64(m.pipes.byID[id].Buffered())})
	}
	return out
}
