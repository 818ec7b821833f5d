package ipc

import (
	"fmt"
	"sync"
)

// Pipe is a bounded byte buffer with reference counted read and write ends.
type Pipe struct {
	mu      sync.Mutex
	changed *sync.Cond

	buf      []byte
	capacity int
	readers  int
	writers  int
}

func newPipe(capacity int) *Pipe {
	p := &Pipe{capacity: capacity, readers: 1, writers: 1}
	p.changed = sync.NewCond(&p.mu)
	return p
}

// Buffered returns the number of unread bytes.
func (p *Pipe) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

// Poll reports which of Read and Write would return without waiting.
// hup is set once every write end is gone.
func (p *Pipe) Poll() (readable, writable, hup bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	hup = p.writers == 0
	return len(p.buf) > 0 || hup, p.readers == 0 || len(p.buf) < p.capacity, hup
}

// Read copies buffered bytes into b. It returns 0 with no error once the
// buffer is drained and no writer is left.
func (p *Pipe) Read(b []byte, nonblock bool) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if len(p.buf) > 0 {
			n := copy(b, p.buf)
			p.buf = p.buf[n:]
			p.changed.Broadcast()
			return n, nil
		}
		if p.writers == 0 {
			return 0, nil
		}
		if nonblock {
			return 0, fmt.Errorf("%w: pipe empty", ErrWouldBlock)
		}
		p.changed.Wait()
	}
}

// Write appends as much of b as fits. Short writes happen when the buffer is nearly full.
func (p *Pipe) Write(b []byte, nonblock bool) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.readers == 0 {
			return 0, ErrBrokenPipe
		}
		if len(b) == 0 {
			return 0, nil
		}
		if space := p.capacity - len(p.buf); space > 0 {
			n := min(space, len(b))
			p.buf = append(p.buf, b[:n]...)
			p.changed.Broadcast()
			return n, nil
		}
		if nonblock {
			return 0, fmt.Errorf("%w: pipe full", ErrWouldBlock)
		}
		p.changed.Wait()
	}
}

// PipeCreate makes a pipe with one reader and one writer.
func (m *Manager) PipeCreate() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, _, err := m.pipes.lookupKey(0, 0); err != nil {
		return 0, err
	}
	return m.pipes.insert(0, newPipe(m.limits.PipeBuffer)), nil
}

func (m *Manager) Pipe(id uint64) (*Pipe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pipes.get(id)
}

// PipeRetain adds a reference to one end, for duplicated descriptors.
func (m *Manager) PipeRetain(id uint64, write bool) error {
	p, err := m.Pipe(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if write {
		p.writers++
	} else {
		p.readers++
	}
	return nil
}

// PipeRelease drops a reference to one end. The pipe is destroyed with its last reference.
func (m *Manager) PipeRelease(id uint64, write bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.pipes.get(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	if write {
		p.writers--
	} else {
		p.readers--
	}
	gone := p.readers <= 0 && p.writers <= 0
	p.changed.Broadcast()
	p.mu.Unlock()
	if gone {
		m.pipes.remove(id)
	}
	return nil
}
