package ipc

import (
	"fmt"
	"sync"

	"github.com/ethereum-optimism/sysabi/kgo/abi"
)

// Message is one queued message.
type Message struct {
	Sender   int    `json:"sender"`
	Type     int64  `json:"type"`
	Priority int    `json:"priority"`
	Data     []byte `json:"data"`
}

// Queue is a message queue. Messages are kept in delivery order:
// higher priority first, arrival order within a priority.
type Queue struct {
	mu sync.Mutex
	// changed is broadcast on every send, receive and removal.
	changed *sync.Cond

	msgs     []Message
	bytes    int
	capacity int
	waiting  int
	removed  bool
}

func newQueue(capacity int) *Queue {
	q := &Queue{capacity: capacity}
	q.changed = sync.NewCond(&q.mu)
	return q
}

// Bytes returns the number of payload bytes queued.
func (q *Queue) Bytes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// Waiting returns the number of callers blocked on the queue.
func (q *Queue) Waiting() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waiting
}

func (q *Queue) wait() {
	q.waiting++
	q.changed.Wait()
	q.waiting--
}

// Len returns the number of messages queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

func (q *Queue) insert(msg Message) {
	i := len(q.msgs)
	for j, m := range q.msgs {
		if m.Priority < msg.Priority {
			i = j
			break
		}
	}
	q.msgs = append(q.msgs, Message{})
	copy(q.msgs[i+1:], q.msgs[i:])
	q.msgs[i] = msg
	q.bytes += len(msg.Data)
}

// match returns the index of the message a receive with type filter mtype takes, or -1.
func (q *Queue) match(mtype int64) int {
	switch {
	case mtype == 0:
		if len(q.msgs) == 0 {
			return -1
		}
		return 0
	case mtype > 0:
		for i, m := range q.msgs {
			if m.Type == mtype {
				return i
			}
		}
		return -1
	default:
		best := -1
		for i, m := range q.msgs {
			if m.Type <= -mtype && (best < 0 || m.Type < q.msgs[best].Type) {
				best = i
			}
		}
		return best
	}
}

func (q *Queue) send(msg Message, nowait bool) error {
	if len(msg.Data) > q.capacity {
		return fmt.Errorf("%w: message of %d bytes exceeds queue capacity", ErrInvalid, len(msg.Data))
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.removed {
			return ErrRemoved
		}
		if q.bytes+len(msg.Data) <= q.capacity {
			break
		}
		if nowait {
			return fmt.Errorf("%w: queue full", ErrWouldBlock)
		}
		q.wait()
	}
	q.insert(msg)
	q.changed.Broadcast()
	return nil
}

func (q *Queue) receive(max int, mtype int64, flags int) (Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.removed {
			return Message{}, ErrRemoved
		}
		if i := q.match(mtype); i >= 0 {
			msg := q.msgs[i]
			size := len(msg.Data)
			if size > max {
				if flags&abi.MSG_NOERROR == 0 {
					return Message{}, fmt.Errorf("%w: %d bytes into %d", ErrTooBig, size, max)
				}
				msg.Data = msg.Data[:max]
			}
			q.msgs = append(q.msgs[:i], q.msgs[i+1:]...)
			q.bytes -= size
			q.changed.Broadcast()
			return msg, nil
		}
		if flags&abi.IPC_NOWAIT != 0 {
			return Message{}, fmt.Errorf("%w: no message of type %d", ErrWouldBlock, mtype)
		}
		q.wait()
	}
}

func (q *Queue) remove() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removed = true
	q.msgs = nil
	q.bytes = 0
	q.changed.Broadcast()
}

// MsgGet returns the id of the queue for key, creating it as flags allow.
func (m *Manager) MsgGet(key int64, flags int) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, found, err := m.queues.lookupKey(key, flags)
	if err != nil || found {
		return id, err
	}
	return m.queues.insert(key, newQueue(m.limits.QueueBytes)), nil
}

func (m *Manager) queue(id uint64) (*Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queues.get(id)
}

// MsgSend queues data on id. Without IPC_NOWAIT it blocks while the queue is full.
func (m *Manager) MsgSend(id uint64, sender int, mtype int64, data []byte, priority int, flags int) error {
	if mtype <= 0 {
		return fmt.Errorf("%w: message type %d", ErrInvalid, mtype)
	}
	if len(data) > m.limits.MaxMessage {
		return fmt.Errorf("%w: message of %d bytes", ErrInvalid, len(data))
	}
	q, err := m.queue(id)
	if err != nil {
		return err
	}
	msg := Message{
		Sender:   sender,
		Type:     mtype,
		Priority: priority,
		Data:     append([]byte(nil), data...),
	}
	return q.send(msg, flags&abi.IPC_NOWAIT != 0)
}

// MsgReceive takes the first message matching mtype: 0 any, >0 that type,
// <0 the lowest type not above -mtype. Without IPC_NOWAIT it blocks until one arrives.
func (m *Manager) MsgReceive(id uint64, max int, mtype int64, flags int) (Message, error) {
	if max < 0 {
		return Message{}, fmt.Errorf("%w: buffer size %d", ErrInvalid, max)
	}
	q, err := m.queue(id)
	if err != nil {
		return Message{}, err
	}
	return q.receive(max, mtype, flags)
}

// QueueStat is what msgctl(IPC_STAT) reports.
type QueueStat struct {
	Messages uint64
	Bytes    uint64
}

func (m *Manager) MsgStat(id uint64) (QueueStat, error) {
	q, err := m.queue(id)
	if err != nil {
		return QueueStat{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStat{Messages: uint64(len(q.msgs)), Bytes: uint64(q.bytes)}, nil
}

// MsgRemove destroys a queue. Blocked senders and receivers fail with ErrRemoved.
func (m *Manager) MsgRemove(id uint64) error {
	m.mu.Lock()
	q, err := m.queues.get(id)
	if err == nil {
		m.queues.remove(id)
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}
	q.remove()
	return nil
}
