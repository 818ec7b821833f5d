package kernel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ethereum-optimism/sysabi/kgo/abi"
	"github.com/ethereum-optimism/sysabi/kgo/vfs"
	"github.com/ethereum-optimism/sysabi/kgo/vmm"
)

var fileCalls = []callEntry{
	{abi.SysRead, "read", groupFile, sysRead},
	{abi.SysWrite, "write", groupFile, sysWrite},
	{abi.SysOpen, "open", groupFile, sysOpen},
	{abi.SysClose, "close", groupFile, sysClose},
	{abi.SysStat, "stat", groupFile, sysStat},
	{abi.SysFstat, "fstat", groupFile, sysFstat},
	{abi.SysLstat, "lstat", groupFile, sysLstat},
	{abi.SysPoll, "poll", groupFile, sysPoll},
	{abi.SysLseek, "lseek", groupFile, sysLseek},
	{abi.SysSelect, "select", groupMisc, sysSelect},
	{abi.SysDup, "dup", groupMisc, sysDup},
	{abi.SysDup2, "dup2", groupMisc, sysDup2},
	{abi.SysFcntl, "fcntl", groupSignal, sysFcntl},
	{abi.SysFlock, "flock", groupSignal, sysFlock},
	{abi.SysPipe, "pipe", groupIPC, sysPipe},
	{abi.SysPipe2, "pipe2", groupIPC, sysPipe2},
}

func sysRead(t *Task, a abi.CallArguments) (uint64, error) {
	fd := a.Fd(0)
	f, err := t.k.files.get(fd)
	if err != nil {
		return 0, err
	}
	if !f.readable() {
		return 0, fmt.Errorf("%w: descriptor %d is not open for reading", abi.EBADF, fd)
	}
	if f.kind == FileDir {
		return 0, fmt.Errorf("%w: %s", abi.EISDIR, f.path)
	}
	buf, count := a.Addr(1), min(a.Len(2), maxIO)
	if buf == 0 {
		return 0, fmt.Errorf("%w: null read buffer", abi.EFAULT)
	}
	if count == 0 {
		return 0, nil
	}
	if err := t.user(buf, count, vmm.AccessWrite); err != nil {
		return 0, err
	}
	b := make([]byte, count)
	n, err := t.k.readFile(f, b)
	if err != nil {
		return 0, err
	}
	t.k.vm.Memory().SetRange(buf, b[:n])
	return uint64(n), nil
}

func sysWrite(t *Task, a abi.CallArguments) (uint64, error) {
	fd := a.Fd(0)
	f, err := t.k.files.get(fd)
	if err != nil {
		return 0, err
	}
	if !f.writable() {
		return 0, fmt.Errorf("%w: descriptor %d is not open for writing", abi.EBADF, fd)
	}
	if f.kind == FileDir {
		return 0, fmt.Errorf("%w: %s", abi.EISDIR, f.path)
	}
	buf, count := a.Addr(1), min(a.Len(2), maxIO)
	if buf == 0 {
		return 0, fmt.Errorf("%w: null write buffer", abi.EFAULT)
	}
	if count == 0 {
		return 0, nil
	}
	b, err := t.copyIn(buf, count)
	if err != nil {
		return 0, err
	}
	n, err := t.k.writeFile(f, b)
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func (k *Kernel) readFile(f *openFile, b []byte) (int, error) {
	switch f.kind {
	case FileRegular:
		f.mu.Lock()
		defer f.mu.Unlock()
		n, err := k.fs.ReadAt(f.inode, b, f.offset)
		if err != nil {
			return 0, vfsErrno(err)
		}
		f.offset += int64(n)
		return n, nil
	case FileCharDev:
		return k.readDevice(f, b)
	case FilePipe:
		p, err := k.ipc.Pipe(f.pipe)
		if err != nil {
			return 0, ipcErrno(err)
		}
		n, err := p.Read(b, f.nonblock())
		return n, ipcErrno(err)
	case FileSocket:
		data, _, err := k.svc.Net.Recv(f.sock, len(b))
		if err != nil {
			return 0, netErrno(err)
		}
		return copy(b, data), nil
	default:
		return 0, fmt.Errorf("%w: read of %s", abi.EINVAL, f.kind)
	}
}

func (k *Kernel) writeFile(f *openFile, b []byte) (int, error) {
	switch f.kind {
	case FileRegular:
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.flags&abi.O_APPEND != 0 {
			f.offset = k.fs.Size(f.inode)
		}
		n, err := k.fs.WriteAt(f.inode, b, f.offset)
		if err != nil {
			return 0, vfsErrno(err)
		}
		f.offset += int64(n)
		return n, nil
	case FileCharDev:
		return k.writeDevice(f, b)
	case FilePipe:
		p, err := k.ipc.Pipe(f.pipe)
		if err != nil {
			return 0, ipcErrno(err)
		}
		n, err := p.Write(b, f.nonblock())
		return n, ipcErrno(err)
	case FileSocket:
		n, err := k.svc.Net.Send(f.sock, b, nil)
		return n, netErrno(err)
	default:
		return 0, fmt.Errorf("%w: write of %s", abi.EINVAL, f.kind)
	}
}

func (k *Kernel) readDevice(f *openFile, b []byte) (int, error) {
	in := f.in
	if in == nil {
		switch f.inode.Rdev {
		case vfs.DevNull:
			return 0, nil
		case vfs.DevZero:
			clear(b)
			return len(b), nil
		case vfs.DevConsole:
			in = k.stdin
		default:
			return 0, fmt.Errorf("%w: unknown device %#x", abi.EIO, f.inode.Rdev)
		}
	}
	k.ioMu.Lock()
	defer k.ioMu.Unlock()
	n, err := in.Read(b)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("%w: %s: %w", abi.EIO, f.path, err)
	}
	return n, nil
}

func (k *Kernel) writeDevice(f *openFile, b []byte) (int, error) {
	out := f.out
	if out == nil {
		switch f.inode.Rdev {
		case vfs.DevNull, vfs.DevZero:
			return len(b), nil
		case vfs.DevConsole:
			out = k.stdout
		default:
			return 0, fmt.Errorf("%w: unknown device %#x", abi.EIO, f.inode.Rdev)
		}
	}
	k.ioMu.Lock()
	defer k.ioMu.Unlock()
	n, err := out.Write(b)
	if err != nil {
		return n, fmt.Errorf("%w: %s: %w", abi.EIO, f.path, err)
	}
	return n, nil
}

func sysOpen(t *Task, a abi.CallArguments) (uint64, error) {
	return t.open(a.Addr(0), int(a.Int32(1)), a.Uint32(2))
}

func sysCreat(t *Task, a abi.CallArguments) (uint64, error) {
	return t.open(a.Addr(0), abi.O_CREAT|abi.O_WRONLY|abi.O_TRUNC, a.Uint32(1))
}

func (t *Task) open(addr uint64, flags int, mode uint32) (uint64, error) {
	p, err := t.readPath(addr)
	if err != nil {
		return 0, err
	}
	acc := flags & abi.O_ACCMODE
	if acc == abi.O_ACCMODE {
		return 0, fmt.Errorf("%w: access mode %#x", abi.EINVAL, acc)
	}
	if err := t.k.files.reserve(1); err != nil {
		return 0, err
	}
	n, full, created, err := t.k.fs.OpenFile(t.k.Cwd(), p, flags, mode, t.cred())
	if err != nil {
		return 0, vfsErrno(err)
	}
	// The creator of a file may always write it through the new descriptor.
	if created && acc == abi.O_RDONLY {
		acc = abi.O_RDWR
	}
	kind := FileRegular
	switch n.Kind {
	case vfs.KindDir:
		kind = FileDir
	case vfs.KindCharDev:
		kind = FileCharDev
	}
	f := &openFile{kind: kind, acc: acc, path: full, flags: flags & statusFlags, inode: n}
	fd, err := t.k.files.install(f, flags&abi.O_CLOEXEC != 0, 0)
	if err != nil {
		return 0, err
	}
	if t.k.svc.FSIntel != nil {
		if err := t.k.svc.FSIntel.Record(full); err != nil {
			t.k.log.Debug("access not recorded", "path", full, "err", err)
		}
	}
	return uint64(fd), nil
}

func sysClose(t *Task, a abi.CallArguments) (uint64, error) {
	fd := a.Fd(0)
	f, err := t.k.files.remove(fd)
	if err != nil {
		return 0, err
	}
	t.k.dropWatches(fd)
	if f != nil {
		t.k.release(f)
	}
	return 0, nil
}

// release frees what a file held once its last descriptor is gone.
func (k *Kernel) release(f *openFile) {
	var err error
	switch f.kind {
	case FilePipe:
		err = k.ipc.PipeRelease(f.pipe, f.acc == abi.O_WRONLY)
	case FileSocket:
		err = k.svc.Net.Close(f.sock)
	}
	if err != nil {
		k.log.Warn("failed to release file", "kind", f.kind, "path", f.path, "err", err)
	}
}

func sysStat(t *Task, a abi.CallArguments) (uint64, error) {
	return t.stat(a.Addr(0), a.Addr(1), true)
}

func sysLstat(t *Task, a abi.CallArguments) (uint64, error) {
	return t.stat(a.Addr(0), a.Addr(1), false)
}

func (t *Task) stat(pathAddr, buf uint64, follow bool) (uint64, error) {
	p, err := t.readPath(pathAddr)
	if err != nil {
		return 0, err
	}
	n, _, err := t.k.fs.Lookup(t.k.Cwd(), p, follow)
	if err != nil {
		return 0, vfsErrno(err)
	}
	return 0, t.copyOut(buf, t.k.fs.Stat(n).Bytes())
}

func sysFstat(t *Task, a abi.CallArguments) (uint64, error) {
	f, err := t.k.files.get(a.Fd(0))
	if err != nil {
		return 0, err
	}
	var st vfs.Stat
	switch f.kind {
	case FilePipe:
		st = vfs.Stat{Ino: f.pipe, Nlink: 1, Mode: abi.S_IFIFO | 0o600}
	case FileSocket:
		st = vfs.Stat{Ino: f.sock, Nlink: 1, Mode: abi.S_IFSOCK | 0o777}
	default:
		st = t.k.fs.Stat(f.inode)
	}
	return 0, t.copyOut(a.Addr(1), st.Bytes())
}

func sysLseek(t *Task, a abi.CallArguments) (uint64, error) {
	f, err := t.k.files.get(a.Fd(0))
	if err != nil {
		return 0, err
	}
	switch f.kind {
	case FilePipe, FileSocket:
		return 0, fmt.Errorf("%w: seek on %s", abi.ESPIPE, f.kind)
	case FileCharDev:
		return 0, nil
	}
	off, whence := a.Int(1), a.Int32(2)
	f.mu.Lock()
	defer f.mu.Unlock()
	var base int64
	switch whence {
	case abi.SEEK_SET:
	case abi.SEEK_CUR:
		base = f.offset
	case abi.SEEK_END:
		base = t.k.fs.Size(f.inode)
	default:
		return 0, fmt.Errorf("%w: whence %d", abi.EINVAL, whence)
	}
	pos := base + off
	if pos < 0 || (off > 0 && pos < base) {
		return 0, fmt.Errorf("%w: seek to %d%+d", abi.EINVAL, base, off)
	}
	f.offset = pos
	return uint64(pos), nil
}

// pollFile returns the poll revents of fd for the requested events.
// Nothing here waits: the answer reflects the state at the time of the call.
func (k *Kernel) pollFile(fd int, events int16) int16 {
	f, err := k.files.get(fd)
	if err != nil {
		return abi.POLLNVAL
	}
	readable, writable := true, true
	var rev int16
	switch f.kind {
	case FilePipe:
		p, err := k.ipc.Pipe(f.pipe)
		if err != nil {
			return abi.POLLERR
		}
		r, w, hup := p.Poll()
		readable, writable = r && f.readable(), w && f.writable()
		if hup && f.readable() {
			rev |= abi.POLLHUP
		}
	case FileSocket:
		r, w, err := k.svc.Net.Poll(f.sock)
		if err != nil {
			return abi.POLLERR
		}
		readable, writable = r, w
	}
	if events&abi.POLLIN != 0 && readable {
		rev |= abi.POLLIN
	}
	if events&abi.POLLOUT != 0 && writable {
		rev |= abi.POLLOUT
	}
	return rev
}

const pollfdSize = 8

func sysPoll(t *Task, a abi.CallArguments) (uint64, error) {
	addr, nfds := a.Addr(0), a.Len(1)
	if nfds > uint64(t.k.cfg.MaxFiles) {
		return 0, fmt.Errorf("%w: %d pollfds", abi.EINVAL, nfds)
	}
	if nfds == 0 {
		return 0, nil
	}
	if err := t.user(addr, nfds*pollfdSize, vmm.AccessRead|vmm.AccessWrite); err != nil {
		return 0, err
	}
	b := make([]byte, nfds*pollfdSize)
	t.k.vm.Memory().GetRange(addr, b)
	var ready uint64
	for i := 0; i < len(b); i += pollfdSize {
		fd := int32(binary.LittleEndian.Uint32(b[i:]))
		events := int16(binary.LittleEndian.Uint16(b[i+4:]))
		var rev int16
		if fd >= 0 {
			rev = t.k.pollFile(int(fd), events)
		}
		binary.LittleEndian.PutUint16(b[i+6:], uint16(rev))
		if rev != 0 {
			ready++
		}
	}
	t.k.vm.Memory().SetRange(addr, b)
	return ready, nil
}

func sysSelect(t *Task, a abi.CallArguments) (uint64, error) {
	nfds := int(a.Int32(0))
	if nfds < 0 || nfds > abi.FdSetSize {
		return 0, fmt.Errorf("%w: nfds %d", abi.EINVAL, nfds)
	}
	size := uint64((nfds + 63) / 64 * 8)
	addrs := [3]uint64{a.Addr(1), a.Addr(2), a.Addr(3)}
	var sets [3][]byte
	for i, addr := range addrs {
		if addr == 0 || size == 0 {
			continue
		}
		if err := t.user(addr, size, vmm.AccessRead|vmm.AccessWrite); err != nil {
			return 0, err
		}
		sets[i] = make([]byte, size)
		t.k.vm.Memory().GetRange(addr, sets[i])
	}
	if tv := a.Addr(4); tv != 0 {
		b, err := t.copyIn(tv, 16)
		if err != nil {
			return 0, err
		}
		sec, usec := int64(binary.LittleEndian.Uint64(b)), int64(binary.LittleEndian.Uint64(b[8:]))
		if sec < 0 || usec < 0 || usec >= 1_000_000 {
			return 0, fmt.Errorf("%w: timeout {%d, %d}", abi.EINVAL, sec, usec)
		}
	}
	isSet := func(set []byte, fd int) bool { return set != nil && set[fd/8]&(1<<(fd%8)) != 0 }
	for fd := 0; fd < nfds; fd++ {
		if !isSet(sets[0], fd) && !isSet(sets[1], fd) && !isSet(sets[2], fd) {
			continue
		}
		if _, err := t.k.files.get(fd); err != nil {
			return 0, err
		}
	}
	var ready uint64
	out := [3][]byte{make([]byte, size), make([]byte, size), make([]byte, size)}
	for fd := 0; fd < nfds; fd++ {
		for i, ev := range [2]int16{abi.POLLIN, abi.POLLOUT} {
			if isSet(sets[i], fd) && t.k.pollFile(fd, ev)&ev != 0 {
				out[i][fd/8] |= 1 << (fd % 8)
				ready++
			}
		}
	}
	for i, addr := range addrs {
		if sets[i] != nil {
			t.k.vm.Memory().SetRange(addr, out[i])
		}
	}
	return ready, nil
}

func sysDup(t *Task, a abi.CallArguments) (uint64, error) {
	f, err := t.k.files.get(a.Fd(0))
	if err != nil {
		return 0, err
	}
	fd, err := t.k.files.install(f, false, 0)
	return uint64(fd), err
}

func sysDup2(t *Task, a abi.CallArguments) (uint64, error) {
	newfd := a.Fd(1)
	replaced, err := t.k.files.dupTo(a.Fd(0), newfd)
	if err != nil {
		return 0, err
	}
	if replaced != nil {
		t.k.release(replaced)
	}
	return uint64(newfd), nil
}

func sysFcntl(t *Task, a abi.CallArguments) (uint64, error) {
	fd, cmd := a.Fd(0), a.Int32(1)
	f, err := t.k.files.get(fd)
	if err != nil {
		return 0, err
	}
	switch cmd {
	case abi.F_DUPFD, abi.F_DUPFD_CLOEXEC:
		lowest := a.Int32(2)
		if lowest < 0 || lowest >= maxFd {
			return 0, fmt.Errorf("%w: F_DUPFD from %d", abi.EINVAL, lowest)
		}
		nfd, err := t.k.files.install(f, cmd == abi.F_DUPFD_CLOEXEC, int(lowest))
		return uint64(nfd), err
	case abi.F_GETFD:
		if on, _ := t.k.files.cloexec(fd); on {
			return abi.FD_CLOEXEC, nil
		}
		return 0, nil
	case abi.F_SETFD:
		return 0, t.k.files.setCloexec(fd, a.Uint(2)&abi.FD_CLOEXEC != 0)
	case abi.F_GETFL:
		f.mu.Lock()
		defer f.mu.Unlock()
		return uint64(f.acc | f.flags), nil
	case abi.F_SETFL:
		f.mu.Lock()
		defer f.mu.Unlock()
		f.flags = int(a.Uint(2)) & statusFlags
		return 0, nil
	case abi.F_GETOWN:
		f.mu.Lock()
		defer f.mu.Unlock()
		return uint64(uint32(f.owner)), nil
	case abi.F_SETOWN:
		f.mu.Lock()
		defer f.mu.Unlock()
		f.owner = a.Int32(2)
		return 0, nil
	default:
		return 0, fmt.Errorf("%w: fcntl command %d", abi.EINVAL, cmd)
	}
}

func sysFlock(t *Task, a abi.CallArguments) (uint64, error) {
	f, err := t.k.files.get(a.Fd(0))
	if err != nil {
		return 0, err
	}
	if f.inode == nil {
		return 0, fmt.Errorf("%w: flock on %s", abi.EINVAL, f.kind)
	}
	return 0, t.k.files.flock(f, int(a.Int32(1)))
}

func sysPipe(t *Task, a abi.CallArguments) (uint64, error) {
	return t.pipe(a.Addr(0), 0)
}

func sysPipe2(t *Task, a abi.CallArguments) (uint64, error) {
	return t.pipe(a.Addr(0), int(a.Int32(1)))
}

// pipe creates a pipe and writes its read and write descriptors to addr as two ints.
func (t *Task) pipe(addr uint64, flags int) (uint64, error) {
	if flags&^(abi.O_NONBLOCK|abi.O_CLOEXEC) != 0 {
		return 0, fmt.Errorf("%w: pipe2 flags %#x", abi.EINVAL, flags)
	}
	if err := t.user(addr, 8, vmm.AccessWrite); err != nil {
		return 0, err
	}
	if err := t.k.files.reserve(2); err != nil {
		return 0, err
	}
	id, err := t.k.ipc.PipeCreate()
	if err != nil {
		return 0, ipcErrno(err)
	}
	path := fmt.Sprintf("pipe:[%d]", id)
	cloexec := flags&abi.O_CLOEXEC != 0
	ends := [2]*openFile{
		{kind: FilePipe, acc: abi.O_RDONLY, path: path, flags: flags & abi.O_NONBLOCK, pipe: id},
		{kind: FilePipe, acc: abi.O_WRONLY, path: path, flags: flags & abi.O_NONBLOCK, pipe: id},
	}
	var fds [2]int
	for i, f := range ends {
		fd, err := t.k.files.install(f, cloexec, 0)
		if err != nil {
			for j := 0; j < i; j++ {
				_, _ = t.k.files.remove(fds[j])
			}
			for _, end := range ends {
				t.k.release(end)
			}
			return 0, err
		}
		fds[i] = fd
	}
	b := binary.LittleEndian.AppendUint32(nil, uint32(fds[0]))
	b = binary.LittleEndian.AppendUint32(b, uint32(fds[1]))
	t.k.vm.Memory().SetRange(addr, b)
	return 0, nil
}
