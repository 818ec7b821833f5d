package vmm

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Note: 2**12 = 4 KiB, the page size every mapping is rounded to.
const (
	PageAddrSize = 12
	PageSize     = 1 << PageAddrSize
	PageAddrMask = PageSize - 1
)

type Page [PageSize]byte

func (p *Page) MarshalJSON() ([]byte, error) {
	return json.Marshal(hexutil.Bytes(p[:]))
}

func (p *Page) UnmarshalJSON(dat []byte) error {
	var b hexutil.Bytes
	if err := json.Unmarshal(dat, &b); err != nil {
		return err
	}
	if len(b) != PageSize {
		return fmt.Errorf("page data must be %d bytes, got %d", PageSize, len(b))
	}
	copy(p[:], b)
	return nil
}

func (p *Page) isZero() bool {
	for _, b := range p {
		if b != 0 {
			return false
		}
	}
	return true
}

// Memory is a sparse user address space. Pages are allocated on first write,
// and a page may be visible at more than one index (shared memory attachments).
type Memory struct {
	mu sync.Mutex

	pages map[uint64]*Page

	// two caches: calls often copy a buffer in and a result out on different pages.
	// this prevents map lookups for every chunk
	lastPageKeys [2]uint64
	lastPage     [2]*Page
}

func NewMemory() *Memory {
	return &Memory{
		pages:        make(map[uint64]*Page),
		lastPageKeys: [2]uint64{^uint64(0), ^uint64(0)}, // default to invalid keys, to not match any pages
	}
}

func (m *Memory) PageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pages)
}

func (m *Memory) pageLookup(pageIndex uint64) (*Page, bool) {
	if pageIndex == m.lastPageKeys[0] {
		return m.lastPage[0], true
	}
	if pageIndex == m.lastPageKeys[1] {
		return m.lastPage[1], true
	}
	p, ok := m.pages[pageIndex]

	// only cache existing pages.
	if ok {
		m.lastPageKeys[1] = m.lastPageKeys[0]
		m.lastPage[1] = m.lastPage[0]
		m.lastPageKeys[0] = pageIndex
		m.lastPage[0] = p
	}
	return p, ok
}

func (m *Memory) resetCache() {
	m.lastPageKeys = [2]uint64{^uint64(0), ^uint64(0)}
	m.lastPage = [2]*Page{nil, nil}
}

func (m *Memory) allocPage(pageIndex uint64) *Page {
	p := new(Page)
	m.pages[pageIndex] = p
	return p
}

// SetRange copies dat into memory at addr, allocating pages as needed.
// Callers are expected to have validated the range against the mapped regions.
func (m *Memory) SetRange(addr uint64, dat []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(dat) > 0 {
		pageIndex := addr >> PageAddrSize
		pageAddr := addr & PageAddrMask
		p, ok := m.pageLookup(pageIndex)
		if !ok {
			p = m.allocPage(pageIndex)
		}
		n := copy(p[pageAddr:], dat)
		dat = dat[n:]
		addr += uint64(n)
	}
}

// GetRange fills dest from memory at addr. Unallocated pages read as zeroes.
func (m *Memory) GetRange(addr uint64, dest []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(dest) > 0 {
		pageIndex := addr >> PageAddrSize
		pageAddr := addr & PageAddrMask
		var n int
		if p, ok := m.pageLookup(pageIndex); ok {
			n = copy(dest, p[pageAddr:])
		} else {
			l := PageSize - pageAddr
			if uint64(len(dest)) < l {
				l = uint64(len(dest))
			}
			clear(dest[:l])
			n = int(l)
		}
		dest = dest[n:]
		addr += uint64(n)
	}
}

// SetMemoryRange streams r into memory starting at addr until EOF.
func (m *Memory) SetMemoryRange(addr uint64, r io.Reader) error {
	var buf [PageSize]byte
	for {
		n, err := r.Read(buf[:PageSize-(addr&PageAddrMask)])
		m.SetRange(addr, buf[:n])
		addr += uint64(n)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

type memReader struct {
	m     *Memory
	addr  uint64
	count uint64
}

func (r *memReader) Read(dest []byte) (n int, err error) {
	if r.count == 0 {
		return 0, io.EOF
	}
	if uint64(len(dest)) > r.count {
		dest = dest[:r.count]
	}
	// never cross a page per read, to keep the lock hold short
	if rem := PageSize - (r.addr & PageAddrMask); uint64(len(dest)) > rem {
		dest = dest[:rem]
	}
	r.m.GetRange(r.addr, dest)
	n = len(dest)
	r.addr += uint64(n)
	r.count -= uint64(n)
	return n, nil
}

func (m *Memory) ReadMemoryRange(addr uint64, count uint64) io.Reader {
	return &memReader{m: m, addr: addr, count: count}
}

// SharePages makes the given pages visible starting at the page-aligned addr.
func (m *Memory) SharePages(addr uint64, pages []*Page) {
	m.mu.Lock()
	defer m.mu.Unlock()
	base := addr >> PageAddrSize
	for i, p := range pages {
		m.pages[base+uint64(i)] = p
	}
	m.resetCache()
}

// DropPages forgets every page index in [addr, addr+length).
// Pages still referenced elsewhere (shared memory) stay alive there.
func (m *Memory) DropPages(addr, length uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	first := addr >> PageAddrSize
	last := (addr + length + PageAddrMask) >> PageAddrSize
	if uint64(len(m.pages)) < last-first {
		for k := range m.pages {
			if k >= first && k < last {
				delete(m.pages, k)
			}
		}
	} else {
		for k := first; k < last; k++ {
			delete(m.pages, k)
		}
	}
	m.resetCache()
}

func (m *Memory) sortedIndices() []uint64 {
	keys := make([]uint64, 0, len(m.pages))
	for k := range m.pages {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Hash digests all non-zero pages in index order.
// Zero pages hash the same as absent ones.
func (m *Memory) Hash() common.Hash {
	m.mu.Lock()
	defer m.mu.Unlock()
	data := make([][]byte, 0, 2*len(m.pages))
	for _, k := range m.sortedIndices() {
		p := m.pages[k]
		if p.isZero() {
			continue
		}
		data = append(data, binary.BigEndian.AppendUint64(nil, k), p[:])
	}
	return crypto.Keccak256Hash(data...)
}

type pageEntry struct {
	Index uint64 `json:"index"`
	Data  *Page  `json:"data"`
}

func (m *Memory) MarshalJSON() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pages := make([]pageEntry, 0, len(m.pages))
	for _, k := range m.sortedIndices() {
		pages = append(pages, pageEntry{Index: k, Data: m.pages[k]})
	}
	return json.Marshal(pages)
}

func (m *Memory) UnmarshalJSON(data []byte) error {
	var pages []pageEntry
	if err := json.Unmarshal(data, &pages); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages = make(map[uint64]*Page)
	m.resetCache()
	for i, p := range pages {
		if _, ok := m.pages[p.Index]; ok {
			return fmt.Errorf("cannot load duplicate page, entry %d, page index %d", i, p.Index)
		}
		if p.Data == nil {
			p.Data = new(Page)
		}
		m.pages[p.Index] = p.Data
	}
	return nil
}

func (m *Memory) Usage() string {
	total := uint64(m.PageCount()) * PageSize
	const unit = 1024
	if total < unit {
		return fmt.Sprintf("%d B", total)
	}
	div, exp := uint64(unit), 0
	for n := total / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	// KiB, MiB, GiB, TiB, ...
	return fmt.Sprintf("%.1f %ciB", float64(total)/float64(div), "KMGTPE"[exp])
}
