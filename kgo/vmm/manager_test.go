package vmm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/sysabi/kgo/abi"
)

const rw = abi.PROT_READ | abi.PROT_WRITE

func testManager() *Manager {
	return NewManager(NewMemory(), Config{
		MmapBase:  0x10_0000,
		BrkBase:   0x100_0000,
		BrkMax:    4 * PageSize,
		MaxMapped: 16 * PageSize,
	})
}

func TestManagerMap(t *testing.T) {
	t.Run("first fit", func(t *testing.T) {
		m := testManager()
		a, err := m.Map(0, 1, rw, abi.MAP_PRIVATE, "")
		require.NoError(t, err)
		require.Equal(t, uint64(0x10_0000), a)
		b, err := m.Map(0, PageSize+1, abi.PROT_READ, abi.MAP_PRIVATE, "")
		require.NoError(t, err)
		require.Equal(t, a+PageSize, b)
		require.Equal(t, uint64(3*PageSize), m.Mapped())

		require.NoError(t, m.Unmap(a, PageSize))
		c, err := m.Map(0, PageSize, rw, abi.MAP_PRIVATE, "")
		require.NoError(t, err)
		require.Equal(t, a, c, "freed ranges are reused")
	})
	t.Run("hint", func(t *testing.T) {
		m := testManager()
		a, err := m.Map(0x20_0123, PageSize, rw, abi.MAP_PRIVATE, "")
		require.NoError(t, err)
		require.Equal(t, uint64(0x20_0000), a, "a free hint is used, rounded down")
		b, err := m.Map(0x20_0000, PageSize, rw, abi.MAP_PRIVATE, "")
		require.NoError(t, err)
		require.Equal(t, uint64(0x10_0000), b, "a taken hint falls back to the search")
	})
	t.Run("fixed replaces", func(t *testing.T) {
		m := testManager()
		a, err := m.Map(0, 3*PageSize, rw, abi.MAP_SHARED, "")
		require.NoError(t, err)
		m.Memory().SetRange(a+PageSize, []byte("old"))
		got, err := m.Map(a+PageSize, PageSize, abi.PROT_READ, abi.MAP_PRIVATE|abi.MAP_FIXED, "fixed")
		require.NoError(t, err)
		require.Equal(t, a+PageSize, got)
		require.Equal(t, uint64(3*PageSize), m.Mapped())

		regions := m.Regions()
		require.Len(t, regions, 3)
		require.Equal(t, Region{Start: a + PageSize, Length: PageSize, Prot: abi.PROT_READ, Name: "fixed"}, regions[1])
		require.True(t, regions[0].Shared)
		require.True(t, regions[2].Shared)

		dest := make([]byte, 3)
		m.Memory().GetRange(a+PageSize, dest)
		require.Equal(t, make([]byte, 3), dest, "replaced pages start empty")
	})
	t.Run("errors", func(t *testing.T) {
		m := testManager()
		_, err := m.Map(0, 0, rw, abi.MAP_PRIVATE, "")
		require.ErrorIs(t, err, ErrInvalid)
		_, err = m.Map(0, PageSize, 0x10, abi.MAP_PRIVATE, "")
		require.ErrorIs(t, err, ErrInvalid)
		_, err = m.Map(0x1001, PageSize, rw, abi.MAP_FIXED, "")
		require.ErrorIs(t, err, ErrInvalid)
		_, err = m.Map(0, PageSize, rw, abi.MAP_FIXED, "")
		require.ErrorIs(t, err, ErrInvalid)
		_, err = m.Map(UserTop-PageSize, 2*PageSize, rw, abi.MAP_FIXED, "")
		require.ErrorIs(t, err, ErrNoMemory)
		_, err = m.Map(0, ^uint64(0), rw, abi.MAP_PRIVATE, "")
		require.ErrorIs(t, err, ErrNoMemory)
		_, err = m.Map(0, 17*PageSize, rw, abi.MAP_PRIVATE, "")
		require.ErrorIs(t, err, ErrNoMemory, "over the mapped budget")
		require.Zero(t, m.Mapped())
	})
}

func TestManagerProtect(t *testing.T) {
	m := testManager()
	a, err := m.Map(0, 4*PageSize, rw, abi.MAP_PRIVATE, "")
	require.NoError(t, err)

	require.NoError(t, m.Protect(a+PageSize, 2*PageSize, abi.PROT_READ))
	require.NoError(t, m.Check(a, PageSize, AccessWrite))
	require.ErrorIs(t, m.Check(a+PageSize, 1, AccessWrite), ErrProtection)
	require.NoError(t, m.Check(a+PageSize, 2*PageSize, AccessRead))
	require.NoError(t, m.Check(a+3*PageSize, PageSize, AccessWrite))
	require.Len(t, m.Regions(), 3)

	require.ErrorIs(t, m.Protect(a+1, PageSize, abi.PROT_READ), ErrInvalid)
	require.ErrorIs(t, m.Protect(a, PageSize, 0x8), ErrInvalid)
	require.ErrorIs(t, m.Protect(a+3*PageSize, 2*PageSize, abi.PROT_READ), ErrNoMemory, "partly unmapped")
	require.NoError(t, m.Check(a+3*PageSize, PageSize, AccessWrite), "a failed change leaves the protection")
	require.NoError(t, m.Protect(a, 0, abi.PROT_NONE))
}

func TestManagerUnmap(t *testing.T) {
	m := testManager()
	a, err := m.Map(0, 3*PageSize, rw, abi.MAP_PRIVATE, "")
	require.NoError(t, err)
	m.Memory().SetRange(a, make([]byte, 3*PageSize))
	require.Equal(t, 3, m.Memory().PageCount())

	require.NoError(t, m.Unmap(a+PageSize, 1))
	require.Equal(t, uint64(2*PageSize), m.Mapped())
	require.Equal(t, 2, m.Memory().PageCount(), "unmapped pages are dropped")
	require.ErrorIs(t, m.Check(a+PageSize, 1, AccessRead), ErrNotMapped)
	require.ErrorIs(t, m.Check(a, 2*PageSize, AccessRead), ErrNotMapped, "a hole in the middle")

	require.NoError(t, m.Unmap(a, 10*PageSize), "holes are ignored")
	require.Zero(t, m.Mapped())
	require.Empty(t, m.Regions())

	require.ErrorIs(t, m.Unmap(a+1, PageSize), ErrInvalid)
	require.ErrorIs(t, m.Unmap(a, 0), ErrInvalid)
	require.ErrorIs(t, m.Unmap(UserTop-PageSize, 2*PageSize), ErrInvalid)
}

func TestManagerBrk(t *testing.T) {
	m := testManager()
	base := m.Break()
	require.Equal(t, uint64(0x100_0000), base)
	require.Equal(t, base, m.Brk(0), "a query leaves the break")

	require.Equal(t, base+100, m.Brk(base+100))
	require.NoError(t, m.Check(base, 100, AccessWrite))
	require.Equal(t, uint64(PageSize), m.Mapped())

	require.Equal(t, base+3*PageSize, m.Brk(base+3*PageSize))
	require.Equal(t, uint64(3*PageSize), m.Mapped())
	require.Equal(t, base+3*PageSize, m.Brk(base+5*PageSize), "beyond the cap")

	m.Memory().SetRange(base+2*PageSize, []byte{1})
	require.Equal(t, base+10, m.Brk(base+10))
	require.Equal(t, uint64(PageSize), m.Mapped())
	require.ErrorIs(t, m.Check(base+PageSize, 1, AccessRead), ErrNotMapped)
	require.Equal(t, base+3*PageSize, m.Brk(base+3*PageSize))
	dest := make([]byte, 1)
	m.Memory().GetRange(base+2*PageSize, dest)
	require.Equal(t, []byte{0}, dest, "regrown heap starts empty")

	t.Run("blocked", func(t *testing.T) {
		m := testManager()
		base := m.Break()
		_, err := m.Map(base+PageSize, PageSize, rw, abi.MAP_FIXED, "")
		require.NoError(t, err)
		require.Equal(t, base, m.Brk(base+2*PageSize), "a mapping in the way leaves the break")
		require.Equal(t, base+PageSize, m.Brk(base+PageSize))
	})
}

func TestManagerAdvise(t *testing.T) {
	m := testManager()
	a, err := m.Map(0, 2*PageSize, rw, abi.MAP_PRIVATE, "")
	require.NoError(t, err)
	m.Memory().SetRange(a, []byte("x"))
	m.Memory().SetRange(a+PageSize, []byte("y"))

	require.NoError(t, m.Advise(a, 2*PageSize, abi.MADV_SEQUENTIAL))
	require.Equal(t, 2, m.Memory().PageCount())
	require.NoError(t, m.Advise(a+PageSize, 1, abi.MADV_DONTNEED))
	require.Equal(t, 1, m.Memory().PageCount())
	require.Equal(t, uint64(2*PageSize), m.Mapped(), "the mapping stays")

	require.ErrorIs(t, m.Advise(a+1, PageSize, abi.MADV_NORMAL), ErrInvalid)
	require.ErrorIs(t, m.Advise(a, PageSize, 42), ErrInvalid)
	require.ErrorIs(t, m.Advise(a, 3*PageSize, abi.MADV_NORMAL), ErrNoMemory)
	require.NoError(t, m.Advise(0x5000, 0, abi.MADV_NORMAL))
}

func TestManagerCheck(t *testing.T) {
	m := testManager()
	a, err := m.Map(0, PageSize, abi.PROT_READ, abi.MAP_PRIVATE, "")
	require.NoError(t, err)
	b, err := m.Map(0, PageSize, rw, abi.MAP_PRIVATE, "")
	require.NoError(t, err)
	require.Equal(t, a+PageSize, b)

	require.NoError(t, m.Check(a+10, PageSize, AccessRead), "spans adjacent regions")
	require.ErrorIs(t, m.Check(a+10, PageSize, AccessWrite), ErrProtection)
	require.NoError(t, m.Check(b, PageSize, AccessWrite))
	require.ErrorIs(t, m.Check(b, PageSize+1, AccessWrite), ErrNotMapped)
	require.ErrorIs(t, m.Check(0, 0, AccessRead), ErrNotMapped)
	require.NoError(t, m.Check(a, 0, AccessWrite), "an empty range needs no access")
	require.ErrorIs(t, m.Check(UserTop-1, 2, AccessRead), ErrNotMapped)
}
