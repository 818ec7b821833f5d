package kernel

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sort"

	"github.com/ethereum-optimism/sysabi/kgo/abi"
)

type handler func(t *Task, a abi.CallArguments) (uint64, error)

// Call groups. The groups of optional services are disabled with their service.
const (
	groupFile    = "file"
	groupMemory  = "memory"
	groupProcess = "process"
	groupSched   = "sched"
	groupFS      = "fs"
	groupTime    = "time"
	groupSignal  = "signal"
	groupIdent   = "identity"
	groupIPC     = "ipc"
	groupNet     = "net"
	groupMisc    = "misc"
	groupAlloc   = "ai"
	groupThreat  = "threat"
	groupFSIntel = "fsintel"
	groupIntro   = "introspection"
)

type callEntry struct {
	code  uint64
	name  string
	group string
	fn    handler
}

// callTable is sorted by code, with exactly one entry per assigned code.
type callTable []callEntry

func newCallTable() callTable {
	var out callTable
	for _, group := range [][]callEntry{
		fileCalls, memoryCalls, processCalls, fsCalls, timeCalls,
		signalCalls, identityCalls, ipcCalls, netCalls, extCalls,
	} {
		out = append(out, group...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].code < out[j].code })
	for i := 1; i < len(out); i++ {
		if out[i].code == out[i-1].code {
			panic(fmt.Errorf("call %d registered twice: %s and %s", out[i].code, out[i-1].name, out[i].name))
		}
	}
	for _, e := range out {
		if !(e.code <= abi.PosixLast || (e.code >= abi.AIFirst && e.code <= abi.IntroLast)) {
			panic(fmt.Errorf("call %s has code %d outside the reserved ranges", e.name, e.code))
		}
	}
	return out
}

func (c callTable) lookup(code uint64) (*callEntry, bool) {
	i := sort.Search(len(c), func(i int) bool { return c[i].code >= code })
	if i == len(c) || c[i].code != code {
		return nil, false
	}
	return &c[i], true
}

// CallInfo describes one assigned call code.
type CallInfo struct {
	Code    uint64 `json:"code"`
	Name    string `json:"name"`
	Group   string `json:"group"`
	Enabled bool   `json:"enabled"`
}

// Calls lists the call table in code order.
func (k *Kernel) Calls() []CallInfo {
	out := make([]CallInfo, len(k.calls))
	for i, e := range k.calls {
		out[i] = CallInfo{Code: e.code, Name: e.name, Group: e.group, Enabled: k.enabled(e.group)}
	}
	return out
}

func (k *Kernel) enabled(group string) bool {
	switch group {
	case groupAlloc:
		return k.svc.Alloc != nil
	case groupNet:
		return k.svc.Net != nil
	case groupThreat:
		return k.svc.Threat != nil
	case groupFSIntel:
		return k.svc.FSIntel != nil
	default:
		return true
	}
}

// Syscall runs one call on behalf of t and returns the encoded result:
// a non-negative payload, or a negated errno. Calls that end the caller
// (exit, exit_group) return 0 on success; the value carries no meaning
// since the caller cannot observe it.
func (t *Task) Syscall(code uint64, args abi.CallArguments) int64 {
	val, name, err := t.dispatch(code, args)
	ret := abi.Encode(val, err)
	if err != nil {
		var e abi.Errno
		if !errors.As(err, &e) {
			t.k.log.Warn("unmapped call error", "pid", t.pid, "call", name, "err", err)
		} else {
			t.k.log.Debug("call failed", "pid", t.pid, "call", name, "errno", uint16(abi.ErrnoOf(err)), "err", err)
		}
	}
	t.k.log.Trace("call", "pid", t.pid, "nr", code, "name", name, "ret", ret)
	return ret
}

// dispatch checks the code first, then that the caller may still make calls,
// then delivers a due alarm.
// Arguments are the handler's job.
func (t *Task) dispatch(code uint64, args abi.CallArguments) (val uint64, name string, err error) {
	e, ok := t.k.calls.lookup(code)
	if !ok {
		return 0, "unknown", fmt.Errorf("%w: call %d", abi.ENOSYS, code)
	}
	if !t.k.enabled(e.group) {
		return 0, e.name, fmt.Errorf("%w: %s service is not configured", abi.ENOSYS, e.group)
	}
	if t.k.Halted() || !t.k.procs.Live(t.pid) {
		return 0, e.name, fmt.Errorf("%w: pid %d cannot make calls", abi.ESRCH, t.pid)
	}
	// A due alarm is delivered before the call runs and may end the caller.
	if t.k.fireAlarm(t.pid) && !t.k.procs.Live(t.pid) {
		return 0, e.name, fmt.Errorf("%w: pid %d ended by SIGALRM", abi.EINTR, t.pid)
	}
	defer func() {
		if r := recover(); r != nil {
			t.k.log.Error("call panicked", "pid", t.pid, "call", e.name, "err", r, "stack", string(debug.Stack()))
			val, err = 0, fmt.Errorf("%w: %s panicked: %v", abi.EIO, e.name, r)
		}
	}()
	name = e.name
	val, err = e.fn(t, args)
	return val, name, err
}
