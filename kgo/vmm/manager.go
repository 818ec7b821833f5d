package vmm

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/holiman/uint256"

	"github.com/ethereum-optimism/sysabi/kgo/abi"
)

// Memory manager errors. This is the complete set the manager returns.
var (
	ErrNoMemory   = errors.New("vmm: out of address space")
	ErrInvalid    = errors.New("vmm: invalid argument")
	ErrNotMapped  = errors.New("vmm: address not mapped")
	ErrProtection = errors.New("vmm: access not permitted by protection")
)

// Access is the kind of access a buffer check asks for.
type Access int

const (
	AccessRead  Access = abi.PROT_READ
	AccessWrite Access = abi.PROT_WRITE
)

// UserTop is the first address above user space.
const UserTop = uint64(1) << 47

// Region is one mapped, page-aligned range of the address space.
type Region struct {
	Start  uint64 `json:"start"`
	Length uint64 `json:"length"`
	Prot   int    `json:"prot"`
	Shared bool   `json:"shared"`
	Name   string `json:"name,omitempty"`
}

func (r *Region) End() uint64 { return r.Start + r.Length }

type Config struct {
	// MmapBase is where the search for free mmap ranges starts.
	MmapBase uint64 `yaml:"mmap_base"`
	// BrkBase is the initial program break.
	BrkBase uint64 `yaml:"brk_base"`
	// BrkMax caps how far the break may grow above BrkBase.
	BrkMax uint64 `yaml:"brk_max"`
	// MaxMapped caps the total mapped bytes.
	MaxMapped uint64 `yaml:"max_mapped"`
}

func DefaultConfig() Config {
	return Config{
		// Go heap arenas on 64 bit targets are hinted well below this,
		// so anonymous mappings grow from here to not overlap with hinted data.
		MmapBase:  0x7f_00_00_00_00_00,
		BrkBase:   0x10_00_00_00,
		BrkMax:    256 << 20,
		MaxMapped: 1 << 30,
	}
}

// Manager tracks which parts of a Memory are mapped, and with what protection.
type Manager struct {
	mu  sync.Mutex
	mem *Memory
	cfg Config

	regions []*Region // sorted by Start, non-overlapping
	mapped  uint64
	brk     uint64
}

func NewManager(mem *Memory, cfg Config) *Manager {
	return &Manager{mem: mem, cfg: cfg, brk: cfg.BrkBase}
}

func (m *Manager) Memory() *Memory { return m.mem }

func pageAlignUp(v uint64) (uint64, bool) {
	out, overflow := new(uint256.Int).AddOverflow(uint256.NewInt(v), uint256.NewInt(PageAddrMask))
	if overflow || !out.IsUint64() {
		return 0, false
	}
	return out.Uint64() &^ PageAddrMask, true
}

// rangeEnd returns addr+length, or false if the range leaves user space.
func rangeEnd(addr, length uint64) (uint64, bool) {
	end := new(uint256.Int).Add(uint256.NewInt(addr), uint256.NewInt(length))
	if end.Gt(uint256.NewInt(UserTop)) {
		return 0, false
	}
	return end.Uint64(), true
}

func (m *Manager) index(addr uint64) int {
	return sort.Search(len(m.regions), func(i int) bool { return m.regions[i].End() > addr })
}

func (m *Manager) free(start, end uint64) bool {
	i := m.index(start)
	return i == len(m.regions) || m.regions[i].Start >= end
}

func (m *Manager) insert(r *Region) {
	i := m.index(r.Start)
	m.regions = append(m.regions, nil)
	copy(m.regions[i+1:], m.regions[i:])
	m.regions[i] = r
	m.mapped += r.Length
}

// split cuts the region containing addr in two at addr, if addr falls strictly inside one.
func (m *Manager) split(addr uint64) {
	i := m.index(addr)
	if i == len(m.regions) {
		return
	}
	r := m.regions[i]
	if r.Start >= addr {
		return
	}
	tail := *r
	tail.Start = addr
	tail.Length = r.End() - addr
	r.Length = addr - r.Start
	m.regions = append(m.regions, nil)
	copy(m.regions[i+2:], m.regions[i+1:])
	m.regions[i+1] = &tail
}

// carve returns the index range of regions lying inside [start, end) after
// splitting at both boundaries, and how many bytes of the range they cover.
func (m *Manager) carve(start, end uint64) (lo, hi int, covered uint64) {
	m.split(start)
	m.split(end)
	lo = m.index(start)
	hi = lo
	for hi < len(m.regions) && m.regions[hi].Start < end {
		covered += m.regions[hi].Length
		hi++
	}
	return
}

// coverage counts the mapped bytes inside [start, end) without touching the region list.
func (m *Manager) coverage(start, end uint64) (covered uint64) {
	for _, r := range m.regions[m.index(start):] {
		if r.Start >= end {
			break
		}
		covered += min(r.End(), end) - max(r.Start, start)
	}
	return
}

func (m *Manager) removeRange(start, end uint64) {
	lo, hi, covered := m.carve(start, end)
	m.regions = append(m.regions[:lo], m.regions[hi:]...)
	m.mapped -= covered
	m.mem.DropPages(start, end-start)
}

func (m *Manager) findFree(length uint64) (uint64, bool) {
	candidate := m.cfg.MmapBase
	for _, r := range m.regions[m.index(candidate):] {
		if r.Start >= candidate+length {
			break
		}
		candidate = r.End()
	}
	if _, ok := rangeEnd(candidate, length); !ok {
		return 0, false
	}
	return candidate, true
}

// Map creates a region of at least length bytes and returns its start.
// A non-fixed hint is used if the hinted range is free.
func (m *Manager) Map(hint, length uint64, prot, flags int, name string) (uint64, error) {
	if length == 0 {
		return 0, fmt.Errorf("%w: zero length mapping", ErrInvalid)
	}
	if prot&^(abi.PROT_READ|abi.PROT_WRITE|abi.PROT_EXEC) != 0 {
		return 0, fmt.Errorf("%w: prot %#x", ErrInvalid, prot)
	}
	length, ok := pageAlignUp(length)
	if !ok || length >= UserTop {
		return 0, fmt.Errorf("%w: mapping of %d bytes", ErrNoMemory, length)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	fixed := flags&abi.MAP_FIXED != 0
	if fixed {
		if hint == 0 || hint&PageAddrMask != 0 {
			return 0, fmt.Errorf("%w: fixed mapping at %#x", ErrInvalid, hint)
		}
		end, ok := rangeEnd(hint, length)
		if !ok {
			return 0, fmt.Errorf("%w: fixed mapping at %#x", ErrNoMemory, hint)
		}
		covered := m.coverage(hint, end)
		if m.mapped-covered+length > m.cfg.MaxMapped {
			return 0, fmt.Errorf("%w: mapped budget of %d bytes exhausted", ErrNoMemory, m.cfg.MaxMapped)
		}
		m.removeRange(hint, end)
	} else if m.mapped+length > m.cfg.MaxMapped {
		return 0, fmt.Errorf("%w: mapped budget of %d bytes exhausted", ErrNoMemory, m.cfg.MaxMapped)
	}

	addr := hint &^ PageAddrMask
	if !fixed {
		end, ok := rangeEnd(addr, length)
		if addr == 0 || !ok || !m.free(addr, end) {
			if addr, ok = m.findFree(length); !ok {
				return 0, fmt.Errorf("%w: no free range of %d bytes", ErrNoMemory, length)
			}
		}
	}
	m.insert(&Region{
		Start:  addr,
		Length: length,
		Prot:   prot,
		Shared: flags&abi.MAP_SHARED != 0,
		Name:   name,
	})
	return addr, nil
}

// Protect changes the protection of every page in the range.
// The whole range must be mapped.
func (m *Manager) Protect(addr, length uint64, prot int) error {
	if addr&PageAddrMask != 0 {
		return fmt.Errorf("%w: unaligned address %#x", ErrInvalid, addr)
	}
	if prot&^(abi.PROT_READ|abi.PROT_WRITE|abi.PROT_EXEC) != 0 {
		return fmt.Errorf("%w: prot %#x", ErrInvalid, prot)
	}
	if length == 0 {
		return nil
	}
	length, ok := pageAlignUp(length)
	if !ok {
		return fmt.Errorf("%w: range too large", ErrNoMemory)
	}
	end, ok := rangeEnd(addr, length)
	if !ok {
		return fmt.Errorf("%w: range outside user space", ErrNoMemory)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.coverage(addr, end) != length {
		return fmt.Errorf("%w: [%#x, %#x) is not fully mapped", ErrNoMemory, addr, end)
	}
	lo, hi, _ := m.carve(addr, end)
	for _, r := range m.regions[lo:hi] {
		r.Prot = prot
	}
	return nil
}

// Unmap removes every mapping in the range. Unmapped parts are ignored.
func (m *Manager) Unmap(addr, length uint64) error {
	if addr&PageAddrMask != 0 || length == 0 {
		return fmt.Errorf("%w: munmap(%#x, %d)", ErrInvalid, addr, length)
	}
	length, ok := pageAlignUp(length)
	if !ok {
		return fmt.Errorf("%w: range too large", ErrInvalid)
	}
	end, ok := rangeEnd(addr, length)
	if !ok {
		return fmt.Errorf("%w: range outside user space", ErrInvalid)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeRange(addr, end)
	return nil
}

// Brk moves the program break and returns the resulting break.
// Requests that cannot be satisfied leave the break where it was.
func (m *Manager) Brk(want uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if want < m.cfg.BrkBase || want > m.cfg.BrkBase+m.cfg.BrkMax {
		return m.brk
	}
	oldTop, _ := pageAlignUp(m.brk)
	newTop, _ := pageAlignUp(want)
	switch {
	case newTop > oldTop:
		if !m.free(oldTop, newTop) || m.mapped+(newTop-oldTop) > m.cfg.MaxMapped {
			return m.brk
		}
		m.insert(&Region{Start: oldTop, Length: newTop - oldTop, Prot: abi.PROT_READ | abi.PROT_WRITE, Name: "heap"})
	case newTop < oldTop:
		m.removeRange(newTop, oldTop)
	}
	m.brk = want
	return m.brk
}

// Advise validates an madvise request. DONTNEED discards the pages' contents.
func (m *Manager) Advise(addr, length uint64, advice int) error {
	if addr&PageAddrMask != 0 {
		return fmt.Errorf("%w: unaligned address %#x", ErrInvalid, addr)
	}
	switch advice {
	case abi.MADV_NORMAL, abi.MADV_RANDOM, abi.MADV_SEQUENTIAL, abi.MADV_WILLNEED, abi.MADV_DONTNEED:
	default:
		return fmt.Errorf("%w: advice %d", ErrInvalid, advice)
	}
	if length == 0 {
		return nil
	}
	length, ok := pageAlignUp(length)
	if !ok {
		return fmt.Errorf("%w: range too large", ErrInvalid)
	}
	end, ok := rangeEnd(addr, length)
	if !ok {
		return fmt.Errorf("%w: range outside user space", ErrNoMemory)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.index(addr)
	for cur := addr; cur < end; i++ {
		if i >= len(m.regions) || m.regions[i].Start > cur {
			return fmt.Errorf("%w: %#x is not mapped", ErrNoMemory, cur)
		}
		cur = m.regions[i].End()
	}
	if advice == abi.MADV_DONTNEED {
		m.mem.DropPages(addr, length)
	}
	return nil
}

// Check verifies that every byte of [addr, addr+length) is mapped with the requested access.
// A zero address is never accessible, even for an empty range.
func (m *Manager) Check(addr, length uint64, access Access) error {
	if addr == 0 {
		return fmt.Errorf("%w: null address", ErrNotMapped)
	}
	end, ok := rangeEnd(addr, length)
	if !ok {
		return fmt.Errorf("%w: [%#x, +%d) leaves user space", ErrNotMapped, addr, length)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.index(addr)
	for cur := addr; cur < end; i++ {
		if i >= len(m.regions) || m.regions[i].Start > cur {
			return fmt.Errorf("%w: %#x", ErrNotMapped, cur)
		}
		r := m.regions[i]
		if r.Prot&int(access) != int(access) {
			return fmt.Errorf("%w: %#x lacks access %#x", ErrProtection, cur, access)
		}
		cur = r.End()
	}
	return nil
}

// Break returns the current program break.
func (m *Manager) Break() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.brk
}

// Mapped returns the total number of mapped bytes.
func (m *Manager) Mapped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mapped
}

// Regions returns a copy of the region list.
func (m *Manager) Regions() []Region {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Region, len(m.regions))
	for i, r := range m.regions {
		out[i] = *r
	}
	return out
}
