package kernel

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/ethereum-optimism/sysabi/kgo/abi"
	"github.com/ethereum-optimism/sysabi/kgo/vfs"
)

// FileKind is what an open descriptor refers to.
type FileKind uint8

const (
	FileRegular FileKind = iota
	FileCharDev
	FileDir
	FileSocket
	FilePipe
)

func (k FileKind) String() string {
	switch k {
	case FileRegular:
		return "regular"
	case FileCharDev:
		return "chardev"
	case FileDir:
		return "dir"
	case FileSocket:
		return "socket"
	case FilePipe:
		return "pipe"
	default:
		return "unknown"
	}
}

func (k FileKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *FileKind) UnmarshalText(text []byte) error {
	for v := FileRegular; v <= FilePipe; v++ {
		if v.String() == string(text) {
			*k = v
			return nil
		}
	}
	return fmt.Errorf("unknown file kind %q", text)
}

// maxFd bounds the target of dup2 and F_DUPFD.
const maxFd = 1 << 20

// statusFlags are the open flags F_SETFL may change.
const statusFlags = abi.O_APPEND | abi.O_NONBLOCK

// openFile is an open file description. Duplicated descriptors share one,
// and with it the offset and status flags.
type openFile struct {
	kind FileKind
	acc  int // access mode, fixed at open
	path string

	mu     sync.Mutex
	flags  int // status flags
	offset int64
	owner  int32

	inode *vfs.Inode
	pipe  uint64
	sock  uint64

	// console streams, set for the standard descriptors only
	in  io.Reader
	out io.Writer

	refs int
}

func (f *openFile) readable() bool { return f.acc != abi.O_WRONLY }
func (f *openFile) writable() bool { return f.acc != abi.O_RDONLY }

func (f *openFile) nonblock() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flags&abi.O_NONBLOCK != 0
}

type fdEntry struct {
	file    *openFile
	cloexec bool
}

type lockState struct {
	shared    map[*openFile]struct{}
	exclusive *openFile
}

// Descriptor describes one open descriptor.
type Descriptor struct {
	ID          int      `json:"id"`
	Kind        FileKind `json:"kind"`
	Flags       int      `json:"flags"`
	Offset      int64    `json:"offset"`
	Path        string   `json:"path,omitempty"`
	CloseOnExec bool     `json:"closeOnExec,omitempty"`
}

// fdTable maps descriptor ids to open files. Ids come from a monotonic
// counter starting after the standard descriptors, which can never be closed.
type fdTable struct {
	mu    sync.Mutex
	fds   map[int]*fdEntry
	next  int
	max   int
	locks map[*vfs.Inode]*lockState
}

func newFdTable(limit int, console *vfs.Inode, stdin io.Reader, stdout, stderr io.Writer) *fdTable {
	t := &fdTable{
		fds:   make(map[int]*fdEntry),
		next:  abi.FdStderr + 1,
		max:   limit,
		locks: make(map[*vfs.Inode]*lockState),
	}
	std := []*openFile{
		{kind: FileCharDev, acc: abi.O_RDONLY, path: "/dev/stdin", inode: console, in: stdin},
		{kind: FileCharDev, acc: abi.O_WRONLY, path: "/dev/stdout", inode: console, out: stdout},
		{kind: FileCharDev, acc: abi.O_WRONLY, path: "/dev/stderr", inode: console, out: stderr},
	}
	for fd, f := range std {
		f.refs = 1
		t.fds[fd] = &fdEntry{file: f}
	}
	return t
}

func badFd(fd int) error {
	return fmt.Errorf("%w: descriptor %d", abi.EBADF, fd)
}

func (t *fdTable) get(fd int) (*openFile, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.fds[fd]
	if !ok {
		return nil, badFd(fd)
	}
	return e.file, nil
}

// reserve fails with EMFILE unless n more descriptors fit.
func (t *fdTable) reserve(n int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.fds)+n > t.max {
		return fmt.Errorf("%w: %d descriptors open", abi.EMFILE, len(t.fds))
	}
	return nil
}

// install gives f a new id, at least lowest, and takes a reference on it.
func (t *fdTable) install(f *openFile, cloexec bool, lowest int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.fds) >= t.max {
		return 0, fmt.Errorf("%w: %d descriptors open", abi.EMFILE, len(t.fds))
	}
	fd := max(t.next, lowest)
	t.next = fd + 1
	f.mu.Lock()
	f.refs++
	f.mu.Unlock()
	t.fds[fd] = &fdEntry{file: f, cloexec: cloexec}
	return fd, nil
}

// remove drops fd and returns its file if that was the last reference.
func (t *fdTable) remove(fd int) (*openFile, error) {
	if fd >= 0 && fd <= abi.FdStderr {
		return nil, fmt.Errorf("%w: standard descriptor %d cannot be closed", abi.EBADF, fd)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.fds[fd]
	if !ok {
		return nil, badFd(fd)
	}
	delete(t.fds, fd)
	return t.unref(e.file), nil
}

func (t *fdTable) unref(f *openFile) *openFile {
	f.mu.Lock()
	f.refs--
	last := f.refs == 0
	f.mu.Unlock()
	if !last {
		return nil
	}
	if f.inode != nil {
		t.unlockLocked(f)
	}
	return f
}

// dupTo makes newfd refer to the file of oldfd. An open newfd is replaced;
// otherwise newfd must not be below the id counter, so ids are never reused.
func (t *fdTable) dupTo(oldfd, newfd int) (replaced *openFile, err error) {
	if newfd >= 0 && newfd <= abi.FdStderr {
		return nil, fmt.Errorf("%w: cannot replace standard descriptor %d", abi.EBADF, newfd)
	}
	if newfd < 0 || newfd >= maxFd {
		return nil, badFd(newfd)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	src, ok := t.fds[oldfd]
	if !ok {
		return nil, badFd(oldfd)
	}
	if oldfd == newfd {
		return nil, nil
	}
	if prev, ok := t.fds[newfd]; ok {
		replaced = t.unref(prev.file)
	} else if newfd < t.next {
		return nil, fmt.Errorf("%w: descriptor %d was already used", abi.EBADF, newfd)
	} else if len(t.fds) >= t.max {
		return nil, fmt.Errorf("%w: %d descriptors open", abi.EMFILE, len(t.fds))
	} else {
		t.next = newfd + 1
	}
	src.file.mu.Lock()
	src.file.refs++
	src.file.mu.Unlock()
	t.fds[newfd] = &fdEntry{file: src.file}
	return replaced, nil
}

func (t *fdTable) cloexec(fd int) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.fds[fd]
	if !ok {
		return false, badFd(fd)
	}
	return e.cloexec, nil
}

func (t *fdTable) setCloexec(fd int, on bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.fds[fd]
	if !ok {
		return badFd(fd)
	}
	e.cloexec = on
	return nil
}

// closeOnExec removes every close-on-exec descriptor and returns the files
// that lost their last reference.
func (t *fdTable) closeOnExec() []*openFile {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*openFile
	for fd, e := range t.fds {
		if !e.cloexec || fd <= abi.FdStderr {
			continue
		}
		delete(t.fds, fd)
		if f := t.unref(e.file); f != nil {
			out = append(out, f)
		}
	}
	return out
}

// flock applies a non-waiting advisory lock. A conflicting lock fails with EAGAIN.
func (t *fdTable) flock(f *openFile, op int) error {
	switch op &^ abi.LOCK_NB {
	case abi.LOCK_SH, abi.LOCK_EX, abi.LOCK_UN:
	default:
		return fmt.Errorf("%w: flock operation %d", abi.EINVAL, op)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if op&^abi.LOCK_NB == abi.LOCK_UN {
		t.unlockLocked(f)
		return nil
	}
	ls := t.locks[f.inode]
	if ls == nil {
		ls = &lockState{shared: make(map[*openFile]struct{})}
		t.locks[f.inode] = ls
	}
	switch op &^ abi.LOCK_NB {
	case abi.LOCK_SH:
		if ls.exclusive != nil && ls.exclusive != f {
			return fmt.Errorf("%w: exclusively locked", abi.EAGAIN)
		}
		ls.exclusive = nil
		ls.shared[f] = struct{}{}
	case abi.LOCK_EX:
		if (ls.exclusive != nil && ls.exclusive != f) || len(ls.shared) > 1 {
			return fmt.Errorf("%w: locked", abi.EAGAIN)
		}
		if _, mine := ls.shared[f]; len(ls.shared) == 1 && !mine {
			return fmt.Errorf("%w: share locked", abi.EAGAIN)
		}
		delete(ls.shared, f)
		ls.exclusive = f
	}
	return nil
}

func (t *fdTable) unlockLocked(f *openFile) {
	ls := t.locks[f.inode]
	if ls == nil {
		return
	}
	delete(ls.shared, f)
	if ls.exclusive == f {
		ls.exclusive = nil
	}
	if ls.exclusive == nil && len(ls.shared) == 0 {
		delete(t.locks, f.inode)
	}
}

func (t *fdTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.fds)
}

// snapshot describes every open descriptor, ordered by id.
func (t *fdTable) snapshot() []Descriptor {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]int, 0, len(t.fds))
	for fd := range t.fds {
		ids = append(ids, fd)
	}
	sort.Ints(ids)
	out := make([]Descriptor, 0, len(ids))
	for _, fd := range ids {
		e := t.fds[fd]
		e.file.mu.Lock()
		out = append(out, Descriptor{
			ID:          fd,
			Kind:        e.file.kind,
			Flags:       e.file.acc | e.file.flags,
			Offset:      e.file.offset,
			Path:        e.file.path,
			CloseOnExec: e.cloexec,
		})
		e.file.mu.Unlock()
	}
	return out
}
