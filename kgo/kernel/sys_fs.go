package kernel

import (
	"fmt"

	"github.com/ethereum-optimism/sysabi/kgo/abi"
	"github.com/ethereum-optimism/sysabi/kgo/vfs"
)

var fsCalls = []callEntry{
	{abi.SysGetcwd, "getcwd", groupFS, sysGetcwd},
	{abi.SysChdir, "chdir", groupFS, sysChdir},
	{abi.SysFchdir, "fchdir", groupFS, sysFchdir},
	{abi.SysRename, "rename", groupFS, sysRename},
	{abi.SysMkdir, "mkdir", groupFS, sysMkdir},
	{abi.SysRmdir, "rmdir", groupFS, sysRmdir},
	{abi.SysCreat, "creat", groupFS, sysCreat},
	{abi.SysLink, "link", groupFS, sysLink},
	{abi.SysUnlink, "unlink", groupFS, sysUnlink},
	{abi.SysSymlink, "symlink", groupFS, sysSymlink},
	{abi.SysReadlink, "readlink", groupFS, sysReadlink},
	{abi.SysChmod, "chmod", groupFS, sysChmod},
	{abi.SysFchmod, "fchmod", groupFS, sysFchmod},
	{abi.SysChown, "chown", groupFS, sysChown},
	{abi.SysInotifyAdd, "inotify_add_watch", groupMisc, sysInotifyAddWatch},
	{abi.SysInotifyRm, "inotify_rm_watch", groupMisc, sysInotifyRmWatch},
}

// sysGetcwd returns the length of the path including its terminating NUL.
func sysGetcwd(t *Task, a abi.CallArguments) (uint64, error) {
	buf, size := a.Addr(0), a.Len(1)
	if size == 0 {
		return 0, fmt.Errorf("%w: zero size buffer", abi.EINVAL)
	}
	cwd := t.k.Cwd()
	if uint64(len(cwd))+1 > size {
		return 0, fmt.Errorf("%w: cwd needs %d bytes, buffer has %d", abi.ERANGE, len(cwd)+1, size)
	}
	if err := t.copyOut(buf, append([]byte(cwd), 0)); err != nil {
		return 0, err
	}
	return uint64(len(cwd)) + 1, nil
}

// enter makes dir the working directory, if it is a directory the task may search.
func (t *Task) enter(n *vfs.Inode, dir string) error {
	if n.Kind != vfs.KindDir {
		return fmt.Errorf("%w: %s", abi.ENOTDIR, dir)
	}
	if err := t.k.fs.CheckAccess(n, t.cred(), 1); err != nil {
		return vfsErrno(err)
	}
	t.k.setCwd(dir)
	return nil
}

func sysChdir(t *Task, a abi.CallArguments) (uint64, error) {
	p, err := t.readPath(a.Addr(0))
	if err != nil {
		return 0, err
	}
	n, full, err := t.k.fs.Lookup(t.k.Cwd(), p, true)
	if err != nil {
		return 0, vfsErrno(err)
	}
	return 0, t.enter(n, full)
}

func sysFchdir(t *Task, a abi.CallArguments) (uint64, error) {
	f, err := t.k.files.get(a.Fd(0))
	if err != nil {
		return 0, err
	}
	if f.kind != FileDir {
		return 0, fmt.Errorf("%w: descriptor %d is a %s", abi.ENOTDIR, a.Fd(0), f.kind)
	}
	return 0, t.enter(f.inode, f.path)
}

// twoPaths reads the path arguments of rename, link and symlink.
func (t *Task) twoPaths(a abi.CallArguments) (string, string, error) {
	first, err := t.readPath(a.Addr(0))
	if err != nil {
		return "", "", err
	}
	second, err := t.readPath(a.Addr(1))
	if err != nil {
		return "", "", err
	}
	return first, second, nil
}

func sysRename(t *Task, a abi.CallArguments) (uint64, error) {
	oldp, newp, err := t.twoPaths(a)
	if err != nil {
		return 0, err
	}
	return 0, vfsErrno(t.k.fs.Rename(t.k.Cwd(), oldp, newp))
}

func sysLink(t *Task, a abi.CallArguments) (uint64, error) {
	oldp, newp, err := t.twoPaths(a)
	if err != nil {
		return 0, err
	}
	return 0, vfsErrno(t.k.fs.Link(t.k.Cwd(), oldp, newp))
}

func sysSymlink(t *Task, a abi.CallArguments) (uint64, error) {
	target, p, err := t.twoPaths(a)
	if err != nil {
		return 0, err
	}
	return 0, vfsErrno(t.k.fs.Symlink(t.k.Cwd(), target, p, t.cred()))
}

func sysMkdir(t *Task, a abi.CallArguments) (uint64, error) {
	p, err := t.readPath(a.Addr(0))
	if err != nil {
		return 0, err
	}
	return 0, vfsErrno(t.k.fs.Mkdir(t.k.Cwd(), p, a.Uint32(1), t.cred()))
}

func sysRmdir(t *Task, a abi.CallArguments) (uint64, error) {
	p, err := t.readPath(a.Addr(0))
	if err != nil {
		return 0, err
	}
	return 0, vfsErrno(t.k.fs.Rmdir(t.k.Cwd(), p))
}

func sysUnlink(t *Task, a abi.CallArguments) (uint64, error) {
	p, err := t.readPath(a.Addr(0))
	if err != nil {
		return 0, err
	}
	return 0, vfsErrno(t.k.fs.Unlink(t.k.Cwd(), p))
}

// sysReadlink copies at most size bytes of the link target, without a NUL.
func sysReadlink(t *Task, a abi.CallArguments) (uint64, error) {
	p, err := t.readPath(a.Addr(0))
	if err != nil {
		return 0, err
	}
	size := a.Int(2)
	if size <= 0 {
		return 0, fmt.Errorf("%w: buffer size %d", abi.EINVAL, size)
	}
	target, err := t.k.fs.Readlink(t.k.Cwd(), p)
	if err != nil {
		return 0, vfsErrno(err)
	}
	out := []byte(target)[:min(int64(len(target)), size)]
	if err := t.copyOut(a.Addr(1), out); err != nil {
		return 0, err
	}
	return uint64(len(out)), nil
}

func (t *Task) lookupArg(addr uint64) (*vfs.Inode, error) {
	p, err := t.readPath(addr)
	if err != nil {
		return nil, err
	}
	n, _, err := t.k.fs.Lookup(t.k.Cwd(), p, true)
	if err != nil {
		return nil, vfsErrno(err)
	}
	return n, nil
}

func sysChmod(t *Task, a abi.CallArguments) (uint64, error) {
	n, err := t.lookupArg(a.Addr(0))
	if err != nil {
		return 0, err
	}
	return 0, vfsErrno(t.k.fs.Chmod(n, a.Uint32(1), t.cred()))
}

func sysFchmod(t *Task, a abi.CallArguments) (uint64, error) {
	f, err := t.k.files.get(a.Fd(0))
	if err != nil {
		return 0, err
	}
	if f.inode == nil {
		return 0, fmt.Errorf("%w: fchmod on %s", abi.EINVAL, f.kind)
	}
	return 0, vfsErrno(t.k.fs.Chmod(f.inode, a.Uint32(1), t.cred()))
}

func sysChown(t *Task, a abi.CallArguments) (uint64, error) {
	n, err := t.lookupArg(a.Addr(0))
	if err != nil {
		return 0, err
	}
	return 0, vfsErrno(t.k.fs.Chown(n, a.Uint32(1), a.Uint32(2), t.cred()))
}

// Watches only register interest: the namespace never produces events.
type watchKey struct {
	fd   int
	path string
}

// sysInotifyAddWatch returns the existing watch descriptor when fd already watches the path.
func sysInotifyAddWatch(t *Task, a abi.CallArguments) (uint64, error) {
	fd := a.Fd(0)
	if _, err := t.k.files.get(fd); err != nil {
		return 0, err
	}
	mask := a.Uint32(2)
	if mask == 0 {
		return 0, fmt.Errorf("%w: empty watch mask", abi.EINVAL)
	}
	p, err := t.readPath(a.Addr(1))
	if err != nil {
		return 0, err
	}
	_, full, err := t.k.fs.Lookup(t.k.Cwd(), p, true)
	if err != nil {
		return 0, vfsErrno(err)
	}
	k := t.k
	k.watchMu.Lock()
	defer k.watchMu.Unlock()
	key := watchKey{fd: fd, path: full}
	if wd, ok := k.watches[key]; ok {
		return uint64(wd), nil
	}
	wd := k.nextWatch
	k.nextWatch++
	k.watches[key] = wd
	return uint64(wd), nil
}

func sysInotifyRmWatch(t *Task, a abi.CallArguments) (uint64, error) {
	fd, wd := a.Fd(0), int(a.Int32(1))
	if _, err := t.k.files.get(fd); err != nil {
		return 0, err
	}
	k := t.k
	k.watchMu.Lock()
	defer k.watchMu.Unlock()
	for key, w := range k.watches {
		if key.fd == fd && w == wd {
			delete(k.watches, key)
			return 0, nil
		}
	}
	return 0, fmt.Errorf("%w: no watch %d on descriptor %d", abi.EINVAL, wd, fd)
}

// dropWatches forgets the watches of a closed descriptor.
func (k *Kernel) dropWatches(fd int) {
	k.watchMu.Lock()
	defer k.watchMu.Unlock()
	for key := range k.watches {
		if key.fd == fd {
			delete(k.watches, key)
		}
	}
}
