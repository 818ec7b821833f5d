package ipc

import (
	"fmt"

	"github.com/ethereum-optimism/sysabi/kgo/vmm"
)

// Segment is a shared memory segment. It owns its backing pages; every
// attachment aliases the same pages, so writes through one are seen by all.
type Segment struct {
	size    uint64
	pages   []*vmm.Page
	nattch  int
	removed bool
}

func newSegment(size uint64) *Segment {
	n := (size + vmm.PageAddrMask) >> vmm.PageAddrSize
	pages := make([]*vmm.Page, n)
	for i := range pages {
		pages[i] = new(vmm.Page)
	}
	return &Segment{size: size, pages: pages}
}

// Size returns the requested segment size in bytes.
func (s *Segment) Size() uint64 { return s.size }

// MapFunc maps size bytes backed by pages and returns the chosen address.
type MapFunc func(size uint64, pages []*vmm.Page) (uint64, error)

// UnmapFunc removes a mapping created by a MapFunc.
type UnmapFunc func(addr, size uint64) error

// ShmGet returns the id of the segment for key, creating it as flags allow.
func (m *Manager) ShmGet(key int64, size uint64, flags int) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, found, err := m.segments.lookupKey(key, flags)
	if err != nil {
		return 0, err
	}
	if found {
		if seg := m.segments.byID[id]; size > seg.size {
			return 0, fmt.Errorf("%w: segment %d has %d bytes, asked for %d", ErrInvalid, id, seg.size, size)
		}
		return id, nil
	}
	if size == 0 || size > m.limits.MaxSegment {
		return 0, fmt.Errorf("%w: segment size %d", ErrInvalid, size)
	}
	return m.segments.insert(key, newSegment(size)), nil
}

// ShmAttach maps segment id through mapFn and remembers the attachment by address.
func (m *Manager) ShmAttach(id uint64, mapFn MapFunc) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seg, err := m.segments.get(id)
	if err != nil {
		return 0, err
	}
	if seg.removed {
		return 0, fmt.Errorf("%w: segment %d is marked for removal", ErrRemoved, id)
	}
	addr, err := mapFn(seg.size, seg.pages)
	if err != nil {
		return 0, err
	}
	m.forget(addr, uint64(len(seg.pages))<<vmm.PageAddrSize)
	m.attached[addr] = id
	seg.nattch++
	return addr, nil
}

// ShmDetach undoes the attachment at addr. Detaching an address that is not
// attached, including one already detached, fails with ErrInvalid.
func (m *Manager) ShmDetach(addr uint64, unmapFn UnmapFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.attached[addr]
	if !ok {
		return fmt.Errorf("%w: no segment attached at %#x", ErrInvalid, addr)
	}
	seg := m.segments.byID[id]
	if err := unmapFn(addr, seg.size); err != nil {
		return err
	}
	delete(m.attached, addr)
	seg.nattch--
	if seg.removed && seg.nattch == 0 {
		m.segments.remove(id)
	}
	return nil
}

// ShmUnmapped drops every attachment overlapping [addr, addr+size). The
// caller has already removed or replaced those pages.
func (m *Manager) ShmUnmapped(addr, size uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forget(addr, size)
}

func (m *Manager) forget(addr, size uint64) {
	end := addr + size
	if end < addr {
		end = ^uint64(0)
	}
	for at, id := range m.attached {
		seg := m.segments.byID[id]
		if at >= end || addr >= at+uint64(len(seg.pages))<<vmm.PageAddrSize {
			continue
		}
		delete(m.attached, at)
		seg.nattch--
		if seg.removed && seg.nattch == 0 {
			m.segments.remove(id)
		}
	}
}

// ShmStat reports the size and attachment count of a segment.
func (m *Manager) ShmStat(id uint64) (size uint64, nattch int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seg, err := m.segments.get(id)
	if err != nil {
		return 0, 0, err
	}
	return seg.size, seg.nattch, nil
}

// ShmRemove marks a segment for destruction. It disappears at the last detach.
func (m *Manager) ShmRemove(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seg, err := m.segments.get(id)
	if err != nil {
		return err
	}
	seg.removed = true
	m.segments.unlinkKey(id)
	if seg.nattch == 0 {
		m.segments.remove(id)
	}
	return nil
}
