package kernel

import (
	"io"
	"sort"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/sysabi/kgo/abi"
)

func TestCallTable(t *testing.T) {
	table := newCallTable()
	require.True(t, sort.SliceIsSorted(table, func(i, j int) bool { return table[i].code < table[j].code }))
	names := make(map[string]bool)
	for i, e := range table {
		if i > 0 {
			require.NotEqual(t, table[i-1].code, e.code, "one handler per code")
		}
		require.NotNil(t, e.fn, e.name)
		inRange := e.code <= abi.PosixLast || (e.code >= abi.AIFirst && e.code <= abi.IntroLast)
		require.Truef(t, inRange, "%s has code %d", e.name, e.code)
		got, ok := table.lookup(e.code)
		require.True(t, ok)
		require.Equal(t, e.name, got.name)
		names[e.name] = true
	}
	for _, name := range []string{"read", "write", "open", "close", "mmap", "fork", "exit", "wait4", "msgrcv", "shmat", "socket", "sys_state_hash"} {
		require.Truef(t, names[name], "missing %s", name)
	}
	_, ok := table.lookup(999)
	require.False(t, ok)
}

func TestCallsListing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Services.Net = false
	k, err := New(cfg, Options{})
	require.NoError(t, err)
	for _, c := range k.Calls() {
		switch c.Group {
		case groupNet:
			require.Falsef(t, c.Enabled, "%s should be disabled without a network stack", c.Name)
		default:
			require.Truef(t, c.Enabled, "%s", c.Name)
		}
	}
}

func TestUnassignedCodes(t *testing.T) {
	tk := newTestKernel(t)
	before := tk.stateHash()
	for _, code := range []uint64{16, 25, 100, 298, 299, 300, 499, 503, 519, 523, 554, 573, 596, 599, 600, 999, 1 << 32, ^uint64(0)} {
		require.Equalf(t, fail(abi.ENOSYS), tk.sys(code, 1, 2, 3, 4, 5, 6), "code %d", code)
	}
	require.Equal(t, before, tk.stateHash(), "unknown codes must not touch any table")
}

func TestDisabledService(t *testing.T) {
	tk := newTestKernel(t, func(cfg *Config) {
		cfg.Services.Net = false
		cfg.Services.Alloc = false
	})
	require.Equal(t, fail(abi.ENOSYS), tk.sys(abi.SysSocket, abi.AF_INET, abi.SOCK_STREAM, 0))
	require.Equal(t, fail(abi.ENOSYS), tk.sys(abi.SysSetsockopt, 0, abi.SOL_SOCKET, abi.SO_REUSEADDR))
	require.Equal(t, fail(abi.ENOSYS), tk.sys(abi.SysNetIfaceCount))
	require.Equal(t, fail(abi.ENOSYS), tk.sys(abi.SysAIAllocHint, 100))
	require.Equal(t, int64(0), tk.sys(abi.SysThreatCount), "other services stay available")
}

func TestCallOrder(t *testing.T) {
	t.Run("code before caller", func(t *testing.T) {
		tk := newTestKernel(t)
		tk.ok(abi.SysExit, 3)
		require.True(t, tk.Halted())
		require.Equal(t, 3, tk.ExitCode())
		require.Equal(t, fail(abi.ENOSYS), tk.sys(999))
		require.Equal(t, fail(abi.ESRCH), tk.sys(abi.SysGetpid))
	})
	t.Run("caller before arguments", func(t *testing.T) {
		tk := newTestKernel(t)
		child := tk.Task(int(tk.ok(abi.SysFork)))
		require.Equal(t, int64(0), tk.call(child, abi.SysExit, 0))
		require.Equal(t, fail(abi.ESRCH), tk.call(child, abi.SysRead, 99, 0, 0))
		require.Equal(t, fail(abi.ESRCH), tk.call(tk.Task(77), abi.SysGetpid))
	})
}

func TestHandlerPanic(t *testing.T) {
	tk := newTestKernel(t)
	calls := append(callTable{}, tk.calls...)
	calls = append(calls, callEntry{16, "boom", groupMisc, func(*Task, abi.CallArguments) (uint64, error) {
		panic("boom")
	}})
	sort.Slice(calls, func(i, j int) bool { return calls[i].code < calls[j].code })
	tk.calls = calls
	require.Equal(t, fail(abi.EIO), tk.sys(16))
	require.Equal(t, int64(1), tk.sys(abi.SysGetpid), "the kernel keeps serving calls")
}

// sweep runs every code from 0 to 700 with zeroed arguments and returns the results.
func sweep(t *testing.T) []int64 {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	k, err := New(DefaultConfig(), Options{
		Logger: log.NewLogger(log.LogfmtHandlerWithLevel(io.Discard, log.LevelCrit)),
		Clock:  clock,
	})
	require.NoError(t, err)
	out := make([]int64, 701)
	for code := range out {
		out[code] = k.Init().Syscall(uint64(code), abi.CallArguments{})
	}
	return out
}

func TestDeterministicClassification(t *testing.T) {
	a, b := sweep(t), sweep(t)
	require.Equal(t, a, b)
	for code, ret := range a {
		if ret < 0 {
			require.Truef(t, abi.Errno(-ret).Valid(), "code %d returned %d", code, ret)
		}
	}
	require.Equal(t, int64(1), a[abi.SysGetpid])
	require.Equal(t, fail(abi.ENOSYS), a[300])
	require.Equal(t, fail(abi.ESRCH), a[abi.SysWait4], "exit of init during the sweep halts the kernel")
}

func FuzzDispatch(f *testing.F) {
	f.Add(uint64(abi.SysRead), uint64(0), uint64(0), uint64(0), uint64(0), uint64(0), uint64(0))
	f.Add(uint64(abi.SysWrite), uint64(1), uint64(0x1000), uint64(10), uint64(0), uint64(0), uint64(0))
	f.Add(uint64(abi.SysMmap), uint64(0), uint64(4096), uint64(3), uint64(0x22), ^uint64(0), uint64(0))
	f.Add(uint64(abi.SysMsgrcv), uint64(1), uint64(0), uint64(8), uint64(0), uint64(abi.IPC_NOWAIT), uint64(0))
	f.Add(uint64(abi.SysStateHash), uint64(0), uint64(0), uint64(0), uint64(0), uint64(0), uint64(0))
	f.Add(uint64(999), uint64(1), uint64(2), uint64(3), uint64(4), uint64(5), uint64(6))
	f.Fuzz(func(t *testing.T, code, a0, a1, a2, a3, a4, a5 uint64) {
		k, err := New(DefaultConfig(), Options{
			Logger: log.NewLogger(log.LogfmtHandlerWithLevel(io.Discard, log.LevelCrit)),
			Clock:  &fakeClock{now: time.Unix(0, 0)},
		})
		require.NoError(t, err)
		ret := k.Init().Syscall(code, abi.CallArguments{a0, a1, a2, a3, a4, a5})
		if ret < 0 {
			require.Truef(t, abi.Errno(-ret).Valid(), "code %d returned %d", code, ret)
		}
		if _, ok := k.calls.lookup(code); !ok {
			require.Equal(t, fail(abi.ENOSYS), ret)
		}
	})
}
