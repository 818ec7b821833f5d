package kernel

import (
	"fmt"

	"github.com/ethereum-optimism/sysabi/kgo/abi"
	"github.com/ethereum-optimism/sysabi/kgo/vmm"
)

var memoryCalls = []callEntry{
	{abi.SysMmap, "mmap", groupMemory, sysMmap},
	{abi.SysMprotect, "mprotect", groupMemory, sysMprotect},
	{abi.SysMunmap, "munmap", groupMemory, sysMunmap},
	{abi.SysBrk, "brk", groupMemory, sysBrk},
	{abi.SysMadvise, "madvise", groupMemory, sysMadvise},
	{abi.SysMigratePages, "migrate_pages", groupMisc, sysMigratePages},
}

// sysMmap maps anonymous memory, or a private copy of a regular file.
// Shared file mappings are private too: file writes never show up in the mapping.
func sysMmap(t *Task, a abi.CallArguments) (uint64, error) {
	hint, length := a.Addr(0), a.Len(1)
	prot, flags := int(a.Int32(2)), int(a.Int32(3))
	if length == 0 {
		return 0, fmt.Errorf("%w: zero length mapping", abi.EINVAL)
	}
	if (flags&abi.MAP_SHARED != 0) == (flags&abi.MAP_PRIVATE != 0) {
		return 0, fmt.Errorf("%w: mapping must be exactly one of shared and private, flags %#x", abi.EINVAL, flags)
	}
	if flags&abi.MAP_ANONYMOUS != 0 {
		addr, err := t.k.vm.Map(hint, length, prot, flags, "anon")
		if err != nil {
			return 0, vmmErrno(err)
		}
		t.k.ipc.ShmUnmapped(addr, length)
		return addr, nil
	}

	fd, off := a.Fd(4), a.Int(5)
	f, err := t.k.files.get(fd)
	if err != nil {
		return 0, err
	}
	if f.kind != FileRegular || !f.readable() {
		return 0, fmt.Errorf("%w: cannot map %s descriptor %d", abi.EACCES, f.kind, fd)
	}
	if off < 0 || off&vmm.PageAddrMask != 0 {
		return 0, fmt.Errorf("%w: file offset %d", abi.EINVAL, off)
	}
	flags = flags&^abi.MAP_SHARED | abi.MAP_PRIVATE
	addr, err := t.k.vm.Map(hint, length, prot, flags, f.path)
	if err != nil {
		return 0, vmmErrno(err)
	}
	t.k.ipc.ShmUnmapped(addr, length)
	if size := t.k.fs.Size(f.inode); off < size {
		data := make([]byte, min(uint64(size-off), length))
		n, err := t.k.fs.ReadAt(f.inode, data, off)
		if err != nil {
			_ = t.k.vm.Unmap(addr, length)
			return 0, vfsErrno(err)
		}
		t.k.vm.Memory().SetRange(addr, data[:n])
	}
	return addr, nil
}

func sysMprotect(t *Task, a abi.CallArguments) (uint64, error) {
	return 0, vmmErrno(t.k.vm.Protect(a.Addr(0), a.Len(1), int(a.Int32(2))))
}

// sysMunmap also detaches any shared memory segment it unmaps.
func sysMunmap(t *Task, a abi.CallArguments) (uint64, error) {
	addr, length := a.Addr(0), a.Len(1)
	if err := t.k.vm.Unmap(addr, length); err != nil {
		return 0, vmmErrno(err)
	}
	t.k.ipc.ShmUnmapped(addr, length)
	return 0, nil
}

// sysBrk never fails: a request that cannot be met returns the unchanged break.
func sysBrk(t *Task, a abi.CallArguments) (uint64, error) {
	return t.k.vm.Brk(a.Addr(0)), nil
}

func sysMadvise(t *Task, a abi.CallArguments) (uint64, error) {
	return 0, vmmErrno(t.k.vm.Advise(a.Addr(0), a.Len(1), int(a.Int32(2))))
}

// sysMigratePages has a single node to migrate to, so nothing ever moves.
func sysMigratePages(t *Task, a abi.CallArguments) (uint64, error) {
	pid := int(a.Int32(0))
	if pid == 0 {
		pid = t.pid
	}
	if !t.k.procs.Live(pid) {
		return 0, fmt.Errorf("%w: pid %d", abi.ESRCH, pid)
	}
	return 0, nil
}
