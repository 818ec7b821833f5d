package ipc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/ethereum-optimism/sysabi/kgo/abi"
	"github.com/ethereum-optimism/sysabi/kgo/vmm"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestKeys(t *testing.T) {
	m := NewManager(DefaultLimits())
	a, err := m.MsgGet(abi.IPC_PRIVATE, 0)
	require.NoError(t, err)
	b, err := m.MsgGet(abi.IPC_PRIVATE, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(1), a)
	require.Equal(t, uint64(2), b, "private keys always create")

	_, err = m.MsgGet(42, 0)
	require.ErrorIs(t, err, ErrNoKey)
	c, err := m.MsgGet(42, abi.IPC_CREAT)
	require.NoError(t, err)
	again, err := m.MsgGet(42, abi.IPC_CREAT)
	require.NoError(t, err)
	require.Equal(t, c, again)
	_, err = m.MsgGet(42, abi.IPC_CREAT|abi.IPC_EXCL)
	require.ErrorIs(t, err, ErrExists)

	require.NoError(t, m.MsgRemove(c))
	d, err := m.MsgGet(42, abi.IPC_CREAT)
	require.NoError(t, err)
	require.Greater(t, d, c, "ids are not reused")
}

func TestExhaustion(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxObjects = 2
	m := NewManager(limits)
	for i := 0; i < 2; i++ {
		_, err := m.SemGet(abi.IPC_PRIVATE, 1, 0)
		require.NoError(t, err)
	}
	_, err := m.SemGet(abi.IPC_PRIVATE, 1, 0)
	require.ErrorIs(t, err, ErrExhausted)
	_, err = m.PipeCreate()
	require.NoError(t, err, "limits are per kind")
}

func TestQueueOrder(t *testing.T) {
	m := NewManager(DefaultLimits())
	id, err := m.MsgGet(abi.IPC_PRIVATE, 0)
	require.NoError(t, err)
	send := func(sender int, data string, prio int) {
		require.NoError(t, m.MsgSend(id, sender, 1, []byte(data), prio, abi.IPC_NOWAIT))
	}
	send(10, "low-a", 0)
	send(11, "high", 5)
	send(12, "low-b", 0)
	send(13, "mid", 3)
	var got []string
	for i := 0; i < 4; i++ {
		msg, err := m.MsgReceive(id, 64, 0, abi.IPC_NOWAIT)
		require.NoError(t, err)
		got = append(got, string(msg.Data))
	}
	require.Equal(t, []string{"high", "mid", "low-a", "low-b"}, got)
}

func TestQueueReceive(t *testing.T) {
	t.Run("empty nowait", func(t *testing.T) {
		m := NewManager(DefaultLimits())
		id, _ := m.MsgGet(abi.IPC_PRIVATE, 0)
		_, err := m.MsgReceive(id, 64, 0, abi.IPC_NOWAIT)
		require.ErrorIs(t, err, ErrWouldBlock)
	})
	t.Run("unknown id", func(t *testing.T) {
		m := NewManager(DefaultLimits())
		_, err := m.MsgReceive(7, 64, 0, abi.IPC_NOWAIT)
		require.ErrorIs(t, err, ErrNotFound)
		require.ErrorIs(t, m.MsgSend(7, 1, 1, nil, 0, 0), ErrNotFound)
	})
	t.Run("type filter", func(t *testing.T) {
		m := NewManager(DefaultLimits())
		id, _ := m.MsgGet(abi.IPC_PRIVATE, 0)
		require.NoError(t, m.MsgSend(id, 1, 5, []byte("five"), 0, 0))
		require.NoError(t, m.MsgSend(id, 1, 2, []byte("two"), 0, 0))
		require.NoError(t, m.MsgSend(id, 1, 3, []byte("three"), 0, 0))
		msg, err := m.MsgReceive(id, 64, 3, 0)
		require.NoError(t, err)
		require.Equal(t, "three", string(msg.Data))
		msg, err = m.MsgReceive(id, 64, -4, 0)
		require.NoError(t, err)
		require.Equal(t, "two", string(msg.Data))
		_, err = m.MsgReceive(id, 64, 9, abi.IPC_NOWAIT)
		require.ErrorIs(t, err, ErrWouldBlock)
	})
	t.Run("too big", func(t *testing.T) {
		m := NewManager(DefaultLimits())
		id, _ := m.MsgGet(abi.IPC_PRIVATE, 0)
		require.NoError(t, m.MsgSend(id, 4, 1, []byte("hello"), 0, 0))
		_, err := m.MsgReceive(id, 2, 0, 0)
		require.ErrorIs(t, err, ErrTooBig)
		msg, err := m.MsgReceive(id, 2, 0, abi.MSG_NOERROR)
		require.NoError(t, err)
		require.Equal(t, "he", string(msg.Data))
		require.Equal(t, 4, msg.Sender)
		st, err := m.MsgStat(id)
		require.NoError(t, err)
		require.Equal(t, QueueStat{}, st)
	})
	t.Run("full nowait", func(t *testing.T) {
		limits := DefaultLimits()
		limits.QueueBytes = 8
		m := NewManager(limits)
		id, _ := m.MsgGet(abi.IPC_PRIVATE, 0)
		require.NoError(t, m.MsgSend(id, 1, 1, make([]byte, 8), 0, abi.IPC_NOWAIT))
		require.ErrorIs(t, m.MsgSend(id, 1, 1, []byte{1}, 0, abi.IPC_NOWAIT), ErrWouldBlock)
	})
	t.Run("invalid type", func(t *testing.T) {
		m := NewManager(DefaultLimits())
		id, _ := m.MsgGet(abi.IPC_PRIVATE, 0)
		require.ErrorIs(t, m.MsgSend(id, 1, 0, []byte("x"), 0, 0), ErrInvalid)
	})
}

func TestQueueBlocking(t *testing.T) {
	m := NewManager(DefaultLimits())
	id, _ := m.MsgGet(abi.IPC_PRIVATE, 0)

	var g errgroup.Group
	received := make(chan Message, 1)
	g.Go(func() error {
		msg, err := m.MsgReceive(id, 64, 0, 0)
		if err != nil {
			return err
		}
		received <- msg
		return nil
	})
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, m.MsgSend(id, 9, 1, []byte("ping"), 0, 0))
	require.NoError(t, g.Wait())
	msg := <-received
	require.Equal(t, "ping", string(msg.Data))
	require.Equal(t, 9, msg.Sender)

	q, err := m.queue(id)
	require.NoError(t, err)
	g.Go(func() error {
		_, err := m.MsgReceive(id, 64, 0, 0)
		return err
	})
	require.Eventually(t, func() bool { return q.Waiting() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, m.MsgRemove(id))
	require.ErrorIs(t, g.Wait(), ErrRemoved)
}

func TestQueueConcurrentSenders(t *testing.T) {
	m := NewManager(DefaultLimits())
	id, _ := m.MsgGet(abi.IPC_PRIVATE, 0)
	var g errgroup.Group
	for s := 0; s < 4; s++ {
		sender := s + 2
		g.Go(func() error {
			for i := 0; i < 50; i++ {
				if err := m.MsgSend(id, sender, 1, []byte{byte(i)}, 0, 0); err != nil {
					return err
				}
			}
			return nil
		})
	}
	last := make(map[int]int)
	for i := 0; i < 200; i++ {
		msg, err := m.MsgReceive(id, 1, 0, 0)
		require.NoError(t, err)
		prev, ok := last[msg.Sender]
		if ok {
			require.Greater(t, int(msg.Data[0]), prev, "per-sender arrival order")
		}
		last[msg.Sender] = int(msg.Data[0])
	}
	require.NoError(t, g.Wait())
}

func TestSharedMemory(t *testing.T) {
	m := NewManager(DefaultLimits())
	mem := vmm.NewMemory()
	next := uint64(0x10000)
	mapFn := func(size uint64, pages []*vmm.Page) (uint64, error) {
		addr := next
		next += uint64(len(pages)) * vmm.PageSize
		mem.SharePages(addr, pages)
		return addr, nil
	}
	unmapFn := func(addr, size uint64) error {
		mem.DropPages(addr, size)
		return nil
	}

	id, err := m.ShmGet(abi.IPC_PRIVATE, 100, 0)
	require.NoError(t, err)
	a, err := m.ShmAttach(id, mapFn)
	require.NoError(t, err)
	b, err := m.ShmAttach(id, mapFn)
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	mem.SetRange(a+10, []byte("shared"))
	got := make([]byte, 6)
	mem.GetRange(b+10, got)
	require.Equal(t, "shared", string(got))

	size, nattch, err := m.ShmStat(id)
	require.NoError(t, err)
	require.Equal(t, uint64(100), size)
	require.Equal(t, 2, nattch)

	require.NoError(t, m.ShmRemove(id))
	require.Equal(t, 1, m.Count(KindSegment), "kept alive by attachments")
	require.NoError(t, m.ShmDetach(a, unmapFn))
	require.ErrorIs(t, m.ShmDetach(a, unmapFn), ErrInvalid, "double detach")
	require.NoError(t, m.ShmDetach(b, unmapFn))
	require.Equal(t, 0, m.Count(KindSegment))

	other, err := m.ShmGet(abi.IPC_PRIVATE, 100, 0)
	require.NoError(t, err)
	c, err := m.ShmAttach(other, mapFn)
	require.NoError(t, err)
	m.ShmUnmapped(c+vmm.PageSize, vmm.PageSize)
	_, nattch, err = m.ShmStat(other)
	require.NoError(t, err)
	require.Equal(t, 1, nattch, "unmapping past the end leaves the attachment")
	m.ShmUnmapped(c+vmm.PageSize-1, 1)
	require.ErrorIs(t, m.ShmDetach(c, unmapFn), ErrInvalid, "unmapped elsewhere")
	_, nattch, err = m.ShmStat(other)
	require.NoError(t, err)
	require.Zero(t, nattch)

	_, err = m.ShmGet(abi.IPC_PRIVATE, 0, 0)
	require.ErrorIs(t, err, ErrInvalid)
	_, err = m.ShmAttach(99, mapFn)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSemaphores(t *testing.T) {
	m := NewManager(DefaultLimits())
	id, err := m.SemGet(abi.IPC_PRIVATE, 2, 0)
	require.NoError(t, err)

	t.Run("all or nothing", func(t *testing.T) {
		err := m.SemOp(id, []SemBuf{{Num: 0, Op: 1}, {Num: 1, Op: -1, Flags: abi.IPC_NOWAIT}})
		require.ErrorIs(t, err, ErrWouldBlock)
		vals, err := m.SemGetAll(id)
		require.NoError(t, err)
		require.Equal(t, []int{0, 0}, vals)
	})
	t.Run("set and get", func(t *testing.T) {
		require.NoError(t, m.SemSetVal(id, 1, 3))
		require.NoError(t, m.SemOp(id, []SemBuf{{Num: 1, Op: -2}}))
		v, err := m.SemGetVal(id, 1)
		require.NoError(t, err)
		require.Equal(t, 1, v)
		require.ErrorIs(t, m.SemSetVal(id, 0, abi.SEMVMX+1), ErrRange)
		_, err = m.SemGetVal(id, 2)
		require.ErrorIs(t, err, ErrInvalid)
	})
	t.Run("blocking wait", func(t *testing.T) {
		var g errgroup.Group
		g.Go(func() error {
			return m.SemOp(id, []SemBuf{{Num: 0, Op: -1}})
		})
		require.Eventually(t, func() bool {
			n, err := m.SemGetNCnt(id, 0)
			return err == nil && n == 1
		}, time.Second, time.Millisecond)
		require.NoError(t, m.SemOp(id, []SemBuf{{Num: 0, Op: 1}}))
		require.NoError(t, g.Wait())
	})
	t.Run("removal wakes", func(t *testing.T) {
		var g errgroup.Group
		g.Go(func() error {
			return m.SemOp(id, []SemBuf{{Num: 0, Op: -1}})
		})
		require.Eventually(t, func() bool {
			n, err := m.SemGetNCnt(id, 0)
			return err == nil && n == 1
		}, time.Second, time.Millisecond)
		require.NoError(t, m.SemRemove(id))
		require.ErrorIs(t, g.Wait(), ErrRemoved)
		require.ErrorIs(t, m.SemOp(id, []SemBuf{{Num: 0, Op: 1}}), ErrNotFound)
	})
}

func TestPipe(t *testing.T) {
	t.Run("roundtrip", func(t *testing.T) {
		m := NewManager(DefaultLimits())
		id, err := m.PipeCreate()
		require.NoError(t, err)
		p, err := m.Pipe(id)
		require.NoError(t, err)
		n, err := p.Write([]byte("hello"), false)
		require.NoError(t, err)
		require.Equal(t, 5, n)
		buf := make([]byte, 3)
		n, err = p.Read(buf, false)
		require.NoError(t, err)
		require.Equal(t, "hel", string(buf[:n]))
	})
	t.Run("empty nonblocking", func(t *testing.T) {
		m := NewManager(DefaultLimits())
		id, _ := m.PipeCreate()
		p, _ := m.Pipe(id)
		_, err := p.Read(make([]byte, 1), true)
		require.ErrorIs(t, err, ErrWouldBlock)
	})
	t.Run("short write when nearly full", func(t *testing.T) {
		limits := DefaultLimits()
		limits.PipeBuffer = 4
		m := NewManager(limits)
		id, _ := m.PipeCreate()
		p, _ := m.Pipe(id)
		n, err := p.Write([]byte("abcdef"), true)
		require.NoError(t, err)
		require.Equal(t, 4, n)
		_, err = p.Write([]byte("x"), true)
		require.ErrorIs(t, err, ErrWouldBlock)
	})
	t.Run("eof and broken pipe", func(t *testing.T) {
		m := NewManager(DefaultLimits())
		id, _ := m.PipeCreate()
		p, _ := m.Pipe(id)
		require.NoError(t, m.PipeRelease(id, true))
		n, err := p.Read(make([]byte, 4), false)
		require.NoError(t, err)
		require.Zero(t, n)

		id2, _ := m.PipeCreate()
		p2, _ := m.Pipe(id2)
		require.NoError(t, m.PipeRelease(id2, false))
		_, err = p2.Write([]byte("x"), false)
		require.ErrorIs(t, err, ErrBrokenPipe)
	})
	t.Run("blocked reader wakes", func(t *testing.T) {
		m := NewManager(DefaultLimits())
		id, _ := m.PipeCreate()
		p, _ := m.Pipe(id)
		var g errgroup.Group
		g.Go(func() error {
			buf := make([]byte, 8)
			n, err := p.Read(buf, false)
			if err != nil {
				return err
			}
			require.Equal(t, "data", string(buf[:n]))
			return nil
		})
		time.Sleep(10 * time.Millisecond)
		_, err := p.Write([]byte("data"), false)
		require.NoError(t, err)
		require.NoError(t, g.Wait())
	})
	t.Run("last release destroys", func(t *testing.T) {
		m := NewManager(DefaultLimits())
		id, _ := m.PipeCreate()
		require.NoError(t, m.PipeRetain(id, false))
		require.NoError(t, m.PipeRelease(id, false))
		require.NoError(t, m.PipeRelease(id, true))
		require.Equal(t, 1, m.Count(KindPipe))
		require.NoError(t, m.PipeRelease(id, false))
		require.Equal(t, 0, m.Count(KindPipe))
		_, err := m.Pipe(id)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestObjects(t *testing.T) {
	m := NewManager(DefaultLimits())
	q, _ := m.MsgGet(7, abi.IPC_CREAT)
	require.NoError(t, m.MsgSend(q, 1, 1, []byte("abc"), 0, 0))
	_, _ = m.SemGet(abi.IPC_PRIVATE, 3, 0)
	objs := m.Objects()
	require.Equal(t, []ObjectInfo{
		{Kind: "msg", ID: 1, Key: 7, Size: 3},
		{Kind: "sem", ID: 1, Size: 3},
	}, objs)
	require.Equal(t, 2, m.Total())
}
