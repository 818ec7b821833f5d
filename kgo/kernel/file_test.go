package kernel

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/sysabi/kgo/abi"
)

func TestStandardDescriptors(t *testing.T) {
	tk := newTestKernel(t)
	for fd := uint64(0); fd <= abi.FdStderr; fd++ {
		require.Equalf(t, fail(abi.EBADF), tk.sys(abi.SysClose, fd), "fd %d", fd)
	}
	msg := tk.put([]byte("hello world\n"))
	require.Equal(t, int64(12), tk.sys(abi.SysWrite, 1, msg, 12))
	require.Equal(t, "hello world\n", tk.out.String())
	require.Equal(t, int64(5), tk.sys(abi.SysWrite, 2, msg, 5), "stderr is discarded by default")

	buf := tk.alloc(16)
	require.Equal(t, int64(0), tk.sys(abi.SysRead, 0, buf, 16), "empty stdin reads as end of file")
	require.Equal(t, fail(abi.EBADF), tk.sys(abi.SysRead, 1, buf, 16), "stdout is write only")
	require.Equal(t, fail(abi.EBADF), tk.sys(abi.SysWrite, 0, msg, 1), "stdin is read only")
	require.Equal(t, int64(0), tk.sys(abi.SysLseek, 1, 0, abi.SEEK_SET))

	descs := tk.files.snapshot()
	require.Len(t, descs, 3)
	require.Equal(t, "/dev/stdout", descs[1].Path)
}

func TestOpenWriteClose(t *testing.T) {
	tk := newTestKernel(t)
	path := tk.cstr("/tmp/log.txt")
	fd := tk.ok(abi.SysOpen, path, abi.O_CREAT|abi.O_RDWR, 0o644)
	require.Equal(t, uint64(3), fd)

	data := tk.put([]byte("payload"))
	require.Equal(t, int64(7), tk.sys(abi.SysWrite, fd, data, 7))
	require.Equal(t, int64(0), tk.sys(abi.SysClose, fd))
	require.Equal(t, fail(abi.EBADF), tk.sys(abi.SysClose, fd), "double close")
	require.Equal(t, fail(abi.EBADF), tk.sys(abi.SysWrite, fd, data, 7), "closed descriptors stay closed")

	again := tk.ok(abi.SysOpen, path, abi.O_RDONLY, 0)
	require.Greater(t, again, fd, "ids are never reused")
	buf := tk.alloc(16)
	require.Equal(t, int64(7), tk.sys(abi.SysRead, again, buf, 16))
	require.Equal(t, "payload", string(tk.get(buf, 7)))
	require.Equal(t, int64(0), tk.sys(abi.SysRead, again, buf, 16), "end of file")
}

func TestCreateWithoutAccessMode(t *testing.T) {
	tk := newTestKernel(t)
	path := tk.cstr("/tmp/test")
	fd := tk.ok(abi.SysOpen, path, abi.O_CREAT, 0)
	require.GreaterOrEqual(t, fd, uint64(3))

	msg := tk.put([]byte("hello"))
	require.Equal(t, int64(5), tk.sys(abi.SysWrite, fd, msg, 5))
	require.Equal(t, int64(0), tk.sys(abi.SysClose, fd))
	require.Equal(t, fail(abi.EBADF), tk.sys(abi.SysClose, fd))

	again := tk.ok(abi.SysOpen, path, abi.O_CREAT, 0)
	require.Equal(t, fail(abi.EBADF), tk.sys(abi.SysWrite, again, msg, 5), "only the creating open is writable")
}

func TestOpenErrors(t *testing.T) {
	tk := newTestKernel(t)
	require.Equal(t, fail(abi.EFAULT), tk.sys(abi.SysOpen, 0, abi.O_RDONLY, 0))
	require.Equal(t, fail(abi.ENOENT), tk.sys(abi.SysOpen, tk.cstr("/tmp/missing"), abi.O_RDONLY, 0))
	require.Equal(t, fail(abi.EINVAL), tk.sys(abi.SysOpen, tk.cstr("/tmp"), abi.O_ACCMODE, 0))
	long := tk.cstr("/" + strings.Repeat("a", abi.PathMax))
	require.Equal(t, fail(abi.ENAMETOOLONG), tk.sys(abi.SysOpen, long, abi.O_RDONLY, 0))

	dir := tk.ok(abi.SysOpen, tk.cstr("/tmp"), abi.O_RDONLY, 0)
	buf := tk.alloc(8)
	require.Equal(t, fail(abi.EISDIR), tk.sys(abi.SysRead, dir, buf, 8))

	wr := tk.ok(abi.SysOpen, tk.cstr("/tmp/w"), abi.O_CREAT|abi.O_WRONLY, 0o600)
	require.Equal(t, fail(abi.EBADF), tk.sys(abi.SysRead, wr, buf, 8))
	require.Equal(t, fail(abi.EFAULT), tk.sys(abi.SysWrite, wr, 0, 8))
	require.Equal(t, int64(0), tk.sys(abi.SysWrite, wr, buf, 0))
	require.Equal(t, fail(abi.EFAULT), tk.sys(abi.SysWrite, wr, 0x10, 8), "unmapped buffer")
	require.Equal(t, fail(abi.EBADF), tk.sys(abi.SysRead, 1234, buf, 8))
}

func TestDescriptorLimit(t *testing.T) {
	tk := newTestKernel(t, func(cfg *Config) { cfg.MaxFiles = 4 })
	path := tk.cstr("/tmp/f")
	fd := tk.ok(abi.SysOpen, path, abi.O_CREAT|abi.O_RDWR, 0o644)
	require.Equal(t, fail(abi.EMFILE), tk.sys(abi.SysOpen, path, abi.O_RDONLY, 0))
	require.Equal(t, fail(abi.EMFILE), tk.sys(abi.SysDup, fd))
	tk.ok(abi.SysClose, fd)
	require.Equal(t, int64(fd+1), tk.sys(abi.SysOpen, path, abi.O_RDONLY, 0))
}

func TestLseek(t *testing.T) {
	tk := newTestKernel(t)
	fd := tk.ok(abi.SysOpen, tk.cstr("/tmp/seek"), abi.O_CREAT|abi.O_RDWR, 0o644)
	require.Equal(t, int64(0), tk.sys(abi.SysLseek, fd, 0, abi.SEEK_SET))
	require.Equal(t, int64(0), tk.sys(abi.SysLseek, fd, 0, abi.SEEK_CUR))

	data := tk.put([]byte("0123456789"))
	require.Equal(t, int64(10), tk.sys(abi.SysWrite, fd, data, 10))
	require.Equal(t, int64(10), tk.sys(abi.SysLseek, fd, 0, abi.SEEK_CUR))
	require.Equal(t, int64(7), tk.sys(abi.SysLseek, fd, ^uint64(2), abi.SEEK_END), "end minus three")
	buf := tk.alloc(8)
	require.Equal(t, int64(3), tk.sys(abi.SysRead, fd, buf, 8))
	require.Equal(t, "789", string(tk.get(buf, 3)))

	require.Equal(t, fail(abi.EINVAL), tk.sys(abi.SysLseek, fd, 0, 3), "unknown whence")
	require.Equal(t, fail(abi.EINVAL), tk.sys(abi.SysLseek, fd, ^uint64(0), abi.SEEK_SET), "negative result")
	require.Equal(t, int64(10), tk.sys(abi.SysLseek, fd, 0, abi.SEEK_CUR), "failed seeks keep the offset")
	require.Equal(t, int64(100), tk.sys(abi.SysLseek, fd, 100, abi.SEEK_SET), "seeking past the end is allowed")

	pipe := tk.alloc(8)
	tk.ok(abi.SysPipe, pipe)
	require.Equal(t, fail(abi.ESPIPE), tk.sys(abi.SysLseek, uint64(tk.u32(pipe)), 0, abi.SEEK_SET))
}

func TestSharedOffsets(t *testing.T) {
	tk := newTestKernel(t)
	fd := tk.ok(abi.SysOpen, tk.cstr("/tmp/shared"), abi.O_CREAT|abi.O_RDWR, 0o644)
	dup := tk.ok(abi.SysDup, fd)
	require.Greater(t, dup, fd)
	data := tk.put([]byte("abcdef"))
	tk.ok(abi.SysWrite, fd, data, 3)
	tk.ok(abi.SysWrite, dup, data+3, 3)
	require.Equal(t, int64(6), tk.sys(abi.SysLseek, fd, 0, abi.SEEK_CUR), "duplicates share the offset")

	tk.ok(abi.SysClose, fd)
	require.Equal(t, int64(0), tk.sys(abi.SysLseek, dup, 0, abi.SEEK_SET), "the file stays open through the duplicate")

	require.Equal(t, fail(abi.EBADF), tk.sys(abi.SysDup2, dup, 1), "standard descriptors cannot be replaced")
	require.Equal(t, fail(abi.EBADF), tk.sys(abi.SysDup2, dup, fd), "old ids are not reused")
	require.Equal(t, int64(50), tk.sys(abi.SysDup2, dup, 50))
	require.Equal(t, int64(0), tk.sys(abi.SysLseek, 50, 0, abi.SEEK_CUR))
	require.Equal(t, int64(51), tk.sys(abi.SysOpen, tk.cstr("/tmp/shared"), abi.O_RDONLY, 0))
}

func TestFcntl(t *testing.T) {
	tk := newTestKernel(t)
	fd := tk.ok(abi.SysOpen, tk.cstr("/tmp/fl"), abi.O_CREAT|abi.O_WRONLY|abi.O_APPEND, 0o644)
	require.Equal(t, int64(abi.O_WRONLY|abi.O_APPEND), tk.sys(abi.SysFcntl, fd, abi.F_GETFL))
	tk.ok(abi.SysFcntl, fd, abi.F_SETFL, abi.O_NONBLOCK)
	require.Equal(t, int64(abi.O_WRONLY|abi.O_NONBLOCK), tk.sys(abi.SysFcntl, fd, abi.F_GETFL), "the access mode is fixed")

	require.Equal(t, int64(0), tk.sys(abi.SysFcntl, fd, abi.F_GETFD))
	tk.ok(abi.SysFcntl, fd, abi.F_SETFD, abi.FD_CLOEXEC)
	require.Equal(t, int64(abi.FD_CLOEXEC), tk.sys(abi.SysFcntl, fd, abi.F_GETFD))

	dup := tk.ok(abi.SysFcntl, fd, abi.F_DUPFD, 20)
	require.Equal(t, uint64(20), dup)
	require.Equal(t, int64(0), tk.sys(abi.SysFcntl, dup, abi.F_GETFD), "F_DUPFD clears close-on-exec")
	require.Equal(t, fail(abi.EINVAL), tk.sys(abi.SysFcntl, fd, 999))
}

func TestFlock(t *testing.T) {
	tk := newTestKernel(t)
	path := tk.cstr("/tmp/lock")
	a := tk.ok(abi.SysOpen, path, abi.O_CREAT|abi.O_RDWR, 0o644)
	b := tk.ok(abi.SysOpen, path, abi.O_RDWR, 0)
	tk.ok(abi.SysFlock, a, abi.LOCK_SH)
	tk.ok(abi.SysFlock, b, abi.LOCK_SH)
	require.Equal(t, fail(abi.EAGAIN), tk.sys(abi.SysFlock, a, abi.LOCK_EX|abi.LOCK_NB))
	tk.ok(abi.SysFlock, b, abi.LOCK_UN)
	tk.ok(abi.SysFlock, a, abi.LOCK_EX)
	require.Equal(t, fail(abi.EAGAIN), tk.sys(abi.SysFlock, b, abi.LOCK_SH|abi.LOCK_NB))
	tk.ok(abi.SysClose, a)
	tk.ok(abi.SysFlock, b, abi.LOCK_EX|abi.LOCK_NB)
	require.Equal(t, fail(abi.EINVAL), tk.sys(abi.SysFlock, b, 0))
}

func TestStat(t *testing.T) {
	tk := newTestKernel(t)
	fd := tk.ok(abi.SysOpen, tk.cstr("/tmp/st"), abi.O_CREAT|abi.O_RDWR, 0o640)
	tk.ok(abi.SysWrite, fd, tk.put([]byte("12345")), 5)

	st := tk.alloc(abi.StatSize)
	tk.ok(abi.SysStat, tk.cstr("/tmp/st"), st)
	require.Equal(t, uint64(5), tk.u64(st+48))
	require.Equal(t, uint32(abi.S_IFREG|0o640), tk.u32(st+24))

	fst := tk.alloc(abi.StatSize)
	tk.ok(abi.SysFstat, fd, fst)
	require.Equal(t, tk.get(st, abi.StatSize), tk.get(fst, abi.StatSize))

	tk.ok(abi.SysSymlink, tk.cstr("/tmp/st"), tk.cstr("/tmp/ln"))
	tk.ok(abi.SysLstat, tk.cstr("/tmp/ln"), st)
	require.Equal(t, uint32(abi.S_IFLNK), tk.u32(st+24)&abi.S_IFMT)
	require.Equal(t, fail(abi.EFAULT), tk.sys(abi.SysStat, tk.cstr("/tmp/st"), 0))
	require.Equal(t, fail(abi.ENOENT), tk.sys(abi.SysStat, tk.cstr("/nope"), st))
}

func TestPoll(t *testing.T) {
	tk := newTestKernel(t)
	fds := tk.alloc(8 * 3)
	put := func(i int, fd int32, events int16) {
		b := binary.LittleEndian.AppendUint32(nil, uint32(fd))
		b = binary.LittleEndian.AppendUint16(b, uint16(events))
		b = binary.LittleEndian.AppendUint16(b, 0)
		tk.Memory().Memory().SetRange(fds+uint64(i)*8, b)
	}
	revents := func(i int) int16 {
		return int16(binary.LittleEndian.Uint16(tk.get(fds+uint64(i)*8+6, 2)))
	}
	put(0, 1, abi.POLLOUT)
	put(1, 77, abi.POLLIN)
	put(2, -1, abi.POLLIN)
	require.Equal(t, int64(2), tk.sys(abi.SysPoll, fds, 3, 0))
	require.Equal(t, int16(abi.POLLOUT), revents(0))
	require.Equal(t, int16(abi.POLLNVAL), revents(1))
	require.Equal(t, int16(0), revents(2), "negative descriptors are ignored")
	require.Equal(t, int64(0), tk.sys(abi.SysPoll, 0, 0, 0))
	require.Equal(t, fail(abi.EFAULT), tk.sys(abi.SysPoll, 0x10, 1, 0))
}
