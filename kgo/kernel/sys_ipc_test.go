package kernel

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ethereum-optimism/sysabi/kgo/abi"
)

func message(mtype int64, data string) []byte {
	return append(binary.LittleEndian.AppendUint64(nil, uint64(mtype)), data...)
}

func TestMessageQueue(t *testing.T) {
	tk := newTestKernel(t)
	id := tk.ok(abi.SysMsgget, abi.IPC_PRIVATE, abi.IPC_CREAT|0o600)
	buf := tk.alloc(8 + 64)
	sender := tk.alloc(4)

	require.Equal(t, fail(abi.EAGAIN), tk.sys(abi.SysMsgrcv, id, buf, 64, 0, abi.IPC_NOWAIT, sender), "empty queue")

	require.Equal(t, int64(0), tk.sys(abi.SysMsgsnd, id, tk.put(message(5, "hello")), 5, 0, 0))
	child := tk.Task(int(tk.ok(abi.SysFork)))
	require.Equal(t, int64(0), tk.call(child, abi.SysMsgsnd, id, tk.put(message(3, "hi")), 2, 0, 9))

	st := tk.alloc(ipcStatSize)
	require.Equal(t, int64(0), tk.sys(abi.SysMsgctl, id, abi.IPC_STAT, st))
	require.Equal(t, uint64(2), tk.u64(st))
	require.Equal(t, uint64(7), tk.u64(st+8))

	require.Equal(t, int64(2), tk.sys(abi.SysMsgrcv, id, buf, 64, 0, 0, sender), "higher priority first")
	require.Equal(t, message(3, "hi"), tk.get(buf, 10))
	require.Equal(t, uint32(child.PID()), tk.u32(sender))

	require.Equal(t, fail(abi.E2BIG), tk.sys(abi.SysMsgrcv, id, buf, 2, 5, 0, 0))
	require.Equal(t, int64(2), tk.sys(abi.SysMsgrcv, id, buf, 2, 5, abi.MSG_NOERROR, 0))
	require.Equal(t, message(5, "he"), tk.get(buf, 10))

	require.Equal(t, fail(abi.EINVAL), tk.sys(abi.SysMsgsnd, id, tk.put(message(0, "x")), 1, 0, 0), "type must be positive")
	require.Equal(t, fail(abi.EINVAL), tk.sys(abi.SysMsgsnd, id, buf, uint64(tk.cfg.IPC.MaxMessage)+1, 0, 0))
	require.Equal(t, fail(abi.EFAULT), tk.sys(abi.SysMsgrcv, id, 0, 64, 0, abi.IPC_NOWAIT, 0))

	require.Equal(t, int64(0), tk.sys(abi.SysMsgctl, id, abi.IPC_RMID, 0))
	require.Equal(t, fail(abi.EINVAL), tk.sys(abi.SysMsgsnd, id, tk.put(message(1, "x")), 1, 0, 0))
	require.Equal(t, fail(abi.EINVAL), tk.sys(abi.SysMsgctl, id, 99, 0))
}

func TestMessageQueueKeys(t *testing.T) {
	tk := newTestKernel(t)
	require.Equal(t, fail(abi.ENOENT), tk.sys(abi.SysMsgget, 42, 0))
	id := tk.ok(abi.SysMsgget, 42, abi.IPC_CREAT)
	require.Equal(t, int64(id), tk.sys(abi.SysMsgget, 42, 0))
	require.Equal(t, fail(abi.EEXIST), tk.sys(abi.SysMsgget, 42, abi.IPC_CREAT|abi.IPC_EXCL))
	require.NotEqual(t, id, tk.ok(abi.SysMsgget, abi.IPC_PRIVATE, 0), "private keys always create")
}

func TestMessageQueueBlocking(t *testing.T) {
	tk := newTestKernel(t)
	id := tk.ok(abi.SysMsgget, abi.IPC_PRIVATE, abi.IPC_CREAT)
	receiver := tk.Task(int(tk.ok(abi.SysFork)))
	buf := tk.alloc(8 + 16)
	msg := tk.put(message(7, "wake"))

	var g errgroup.Group
	var got int64
	g.Go(func() error {
		got = tk.call(receiver, abi.SysMsgrcv, id, buf, 16, 7, 0, 0)
		return nil
	})
	require.Equal(t, int64(0), tk.sys(abi.SysMsgsnd, id, msg, 4, 0, 0))
	require.NoError(t, g.Wait())
	require.Equal(t, int64(4), got)
	require.Equal(t, message(7, "wake"), tk.get(buf, 12))
}

func TestSharedMemory(t *testing.T) {
	tk := newTestKernel(t)
	id := tk.ok(abi.SysShmget, abi.IPC_PRIVATE, 8192, abi.IPC_CREAT|0o600)
	a1 := tk.ok(abi.SysShmat, id, 0, 0)
	a2 := tk.ok(abi.SysShmat, id, 0, 0)
	require.NotEqual(t, a1, a2)

	tk.Memory().Memory().SetRange(a1+4100, []byte("shared"))
	require.Equal(t, []byte("shared"), tk.get(a2+4100, 6), "both attachments see the same pages")

	st := tk.alloc(ipcStatSize)
	require.Equal(t, int64(0), tk.sys(abi.SysShmctl, id, abi.IPC_STAT, st))
	require.Equal(t, uint64(8192), tk.u64(st))
	require.Equal(t, uint64(2), tk.u64(st+8))

	require.Equal(t, int64(0), tk.sys(abi.SysShmdt, a1))
	require.Equal(t, fail(abi.EINVAL), tk.sys(abi.SysShmdt, a1), "already detached")
	require.Equal(t, []byte("shared"), tk.get(a2+4100, 6))

	require.Equal(t, int64(0), tk.sys(abi.SysShmctl, id, abi.IPC_RMID, 0))
	require.Equal(t, int64(0), tk.sys(abi.SysShmctl, id, abi.IPC_STAT, st), "removal waits for the last detach")
	require.Equal(t, fail(abi.EIDRM), tk.sys(abi.SysShmat, id, 0, 0))
	require.Equal(t, int64(0), tk.sys(abi.SysShmdt, a2))
	require.Equal(t, fail(abi.EINVAL), tk.sys(abi.SysShmctl, id, abi.IPC_STAT, st))

	t.Run("bad arguments", func(t *testing.T) {
		require.Equal(t, fail(abi.EINVAL), tk.sys(abi.SysShmget, abi.IPC_PRIVATE, 0, abi.IPC_CREAT))
		require.Equal(t, fail(abi.EINVAL), tk.sys(abi.SysShmget, abi.IPC_PRIVATE, uint64(tk.cfg.IPC.MaxSegment)+1, abi.IPC_CREAT))
		seg := tk.ok(abi.SysShmget, abi.IPC_PRIVATE, 4096, abi.IPC_CREAT)
		require.Equal(t, fail(abi.EINVAL), tk.sys(abi.SysShmat, seg, 0x1001, 0), "unaligned address")
		require.Equal(t, fail(abi.EINVAL), tk.sys(abi.SysShmat, 12345, 0, 0))
	})
}

func TestSharedMemoryUnmapped(t *testing.T) {
	tk := newTestKernel(t)
	id := tk.ok(abi.SysShmget, abi.IPC_PRIVATE, 4096, abi.IPC_CREAT|0o600)
	st := tk.alloc(ipcStatSize)

	at := tk.ok(abi.SysShmat, id, 0, 0)
	require.Equal(t, int64(0), tk.sys(abi.SysMunmap, at, 4096))
	require.Equal(t, int64(0), tk.sys(abi.SysShmctl, id, abi.IPC_STAT, st))
	require.Equal(t, uint64(0), tk.u64(st+8), "munmap detaches")

	anon := tk.ok(abi.SysMmap, at, 4096, abi.PROT_READ|abi.PROT_WRITE, abi.MAP_PRIVATE|abi.MAP_ANONYMOUS|abi.MAP_FIXED, ^uint64(0), 0)
	require.Equal(t, at, anon)
	require.Equal(t, fail(abi.EINVAL), tk.sys(abi.SysShmdt, at), "stale attachment")
	tk.Memory().Memory().SetRange(anon, []byte("still mapped"))
	require.Equal(t, int64(12), tk.sys(abi.SysWrite, 1, anon, 12), "the new mapping survives")
	require.Equal(t, "still mapped", tk.out.String())

	again := tk.ok(abi.SysShmat, id, 0, 0)
	require.Equal(t, int64(0), tk.sys(abi.SysShmctl, id, abi.IPC_RMID, 0))
	tk.ok(abi.SysMmap, again, 4096, abi.PROT_READ, abi.MAP_PRIVATE|abi.MAP_ANONYMOUS|abi.MAP_FIXED, ^uint64(0), 0)
	require.Equal(t, fail(abi.EINVAL), tk.sys(abi.SysShmctl, id, abi.IPC_STAT, st), "a replaced last attachment frees a removed segment")
}

func sembuf(num uint16, op int16, flags int16) []byte {
	b := binary.LittleEndian.AppendUint16(nil, num)
	b = binary.LittleEndian.AppendUint16(b, uint16(op))
	return binary.LittleEndian.AppendUint16(b, uint16(flags))
}

func TestSemaphores(t *testing.T) {
	tk := newTestKernel(t)
	id := tk.ok(abi.SysSemget, abi.IPC_PRIVATE, 2, abi.IPC_CREAT|0o600)
	require.Equal(t, int64(0), tk.sys(abi.SysSemctl, id, 0, abi.SETVAL, 1))
	require.Equal(t, int64(0), tk.sys(abi.SysSemop, id, tk.put(sembuf(0, -1, 0)), 1))
	require.Equal(t, int64(0), tk.sys(abi.SysSemctl, id, 0, abi.GETVAL))

	require.Equal(t, fail(abi.EAGAIN), tk.sys(abi.SysSemop, id, tk.put(sembuf(0, -1, abi.IPC_NOWAIT)), 1))
	ops := tk.put(append(sembuf(1, 1, 0), sembuf(0, -1, abi.IPC_NOWAIT)...))
	require.Equal(t, fail(abi.EAGAIN), tk.sys(abi.SysSemop, id, ops, 2))
	require.Equal(t, int64(0), tk.sys(abi.SysSemctl, id, 1, abi.GETVAL), "operations apply all or nothing")

	require.Equal(t, fail(abi.EINVAL), tk.sys(abi.SysSemop, id, ops, 0))
	require.Equal(t, fail(abi.E2BIG), tk.sys(abi.SysSemop, id, ops, abi.SEMOPM+1))
	require.Equal(t, fail(abi.EINVAL), tk.sys(abi.SysSemop, id, tk.put(sembuf(5, 1, 0)), 1))
	overflow := tk.put(append(sembuf(1, abi.SEMVMX, 0), sembuf(1, 1, 0)...))
	require.Equal(t, fail(abi.ERANGE), tk.sys(abi.SysSemop, id, overflow, 2))
	require.Equal(t, int64(0), tk.sys(abi.SysSemctl, id, 1, abi.GETVAL))
}

func TestSemaphoreBlocking(t *testing.T) {
	tk := newTestKernel(t)
	id := tk.ok(abi.SysSemget, abi.IPC_PRIVATE, 1, abi.IPC_CREAT)
	waiter := tk.Task(int(tk.ok(abi.SysFork)))
	down := tk.put(sembuf(0, -1, 0))

	var g errgroup.Group
	var got int64
	g.Go(func() error {
		got = tk.call(waiter, abi.SysSemop, id, down, 1)
		return nil
	})
	require.Equal(t, int64(0), tk.sys(abi.SysSemop, id, tk.put(sembuf(0, 2, 0)), 1))
	require.NoError(t, g.Wait())
	require.Equal(t, int64(0), got)

	vals := tk.alloc(2)
	require.Equal(t, int64(0), tk.sys(abi.SysSemctl, id, 0, abi.GETALL, vals))
	require.Equal(t, []byte{1, 0}, tk.get(vals, 2))
	require.Equal(t, int64(0), tk.sys(abi.SysSemctl, id, 0, abi.IPC_RMID))
	require.Equal(t, fail(abi.EINVAL), tk.sys(abi.SysSemctl, id, 0, abi.GETVAL))
}

func TestPipe(t *testing.T) {
	tk := newTestKernel(t)
	fds := tk.alloc(8)
	require.Equal(t, int64(0), tk.sys(abi.SysPipe, fds))
	r, w := uint64(tk.u32(fds)), uint64(tk.u32(fds+4))
	require.Less(t, r, w)

	buf := tk.alloc(16)
	require.Equal(t, int64(4), tk.sys(abi.SysWrite, w, tk.put([]byte("ping")), 4))
	require.Equal(t, fail(abi.EBADF), tk.sys(abi.SysRead, w, buf, 16), "write end")
	require.Equal(t, int64(4), tk.sys(abi.SysRead, r, buf, 16))
	require.Equal(t, []byte("ping"), tk.get(buf, 4))

	require.Equal(t, int64(0), tk.sys(abi.SysClose, w))
	require.Equal(t, int64(0), tk.sys(abi.SysRead, r, buf, 16), "end of file once the writer is gone")
	require.Equal(t, int64(0), tk.sys(abi.SysClose, r))
	require.Equal(t, 0, tk.IPC().Total(), "the last close destroys the pipe")

	t.Run("nonblocking", func(t *testing.T) {
		require.Equal(t, int64(0), tk.sys(abi.SysPipe2, fds, abi.O_NONBLOCK))
		r, w := uint64(tk.u32(fds)), uint64(tk.u32(fds+4))
		require.Equal(t, fail(abi.EAGAIN), tk.sys(abi.SysRead, r, buf, 16))
		require.Equal(t, int64(0), tk.sys(abi.SysClose, r))
		require.Equal(t, fail(abi.EPIPE), tk.sys(abi.SysWrite, w, tk.put([]byte("x")), 1))
		require.Equal(t, int64(0), tk.sys(abi.SysClose, w))
	})
	t.Run("bad arguments", func(t *testing.T) {
		require.Equal(t, fail(abi.EINVAL), tk.sys(abi.SysPipe2, fds, 0x1))
		require.Equal(t, fail(abi.EFAULT), tk.sys(abi.SysPipe, 0))
	})
}
