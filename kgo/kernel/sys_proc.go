package kernel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum-optimism/sysabi/kgo/abi"
	"github.com/ethereum-optimism/sysabi/kgo/proc"
	"github.com/ethereum-optimism/sysabi/kgo/vfs"
	"github.com/ethereum-optimism/sysabi/kgo/vmm"
)

var processCalls = []callEntry{
	{abi.SysGetpid, "getpid", groupProcess, sysGetpid},
	{abi.SysFork, "fork", groupProcess, sysFork},
	{abi.SysVfork, "vfork", groupProcess, sysFork},
	{abi.SysExecve, "execve", groupProcess, sysExecve},
	{abi.SysExit, "exit", groupProcess, sysExit},
	{abi.SysWait4, "wait4", groupProcess, sysWait4},
	{abi.SysKill, "kill", groupProcess, sysKill},
	{abi.SysGetppid, "getppid", groupProcess, sysGetppid},
	{abi.SysGetpgrp, "getpgrp", groupProcess, sysGetpgrp},
	{abi.SysSetsid, "setsid", groupProcess, sysSetsid},
	{abi.SysGetsid, "getsid", groupProcess, sysGetsid},
	{abi.SysRtSigqueue, "rt_sigqueueinfo", groupProcess, sysRtSigqueueinfo},
	{abi.SysExitGroup, "exit_group", groupProcess, sysExit},
	{abi.SysWaitid, "waitid", groupProcess, sysWaitid},

	{abi.SysSchedSetparam, "sched_setparam", groupSched, sysSchedSetparam},
	{abi.SysSchedGetparam, "sched_getparam", groupSched, sysSchedGetparam},
	{abi.SysSchedSetscheduler, "sched_setscheduler", groupSched, sysSchedSetscheduler},
	{abi.SysSchedGetscheduler, "sched_getscheduler", groupSched, sysSchedGetscheduler},
	{abi.SysSchedGetPriorityMax, "sched_get_priority_max", groupSched, sysSchedPriorityMax},
	{abi.SysSchedGetPriorityMin, "sched_get_priority_min", groupSched, sysSchedPriorityMin},
	{abi.SysSchedYield, "sched_yield", groupMisc, sysSchedYield},
}

const (
	// argMax bounds the bytes of all execve arguments and environment strings.
	argMax     = 128 << 10
	rusageSize = 144
	siginfoLen = 128
)

func sysGetpid(t *Task, a abi.CallArguments) (uint64, error) {
	return uint64(t.pid), nil
}

func sysGetppid(t *Task, a abi.CallArguments) (uint64, error) {
	return uint64(t.record().PPID), nil
}

func sysGetpgrp(t *Task, a abi.CallArguments) (uint64, error) {
	return uint64(t.record().PGID), nil
}

func sysGetsid(t *Task, a abi.CallArguments) (uint64, error) {
	pid := int(a.Int32(0))
	if pid == 0 {
		pid = t.pid
	}
	r, ok := t.k.procs.Get(pid)
	if !ok {
		return 0, fmt.Errorf("%w: pid %d", abi.ESRCH, pid)
	}
	return uint64(r.SID), nil
}

func sysSetsid(t *Task, a abi.CallArguments) (uint64, error) {
	sid, err := t.k.procs.SetSID(t.pid)
	return uint64(sid), procErrno(err)
}

func sysFork(t *Task, a abi.CallArguments) (uint64, error) {
	child, err := t.k.procs.Fork(t.pid)
	if err != nil {
		return 0, procErrno(err)
	}
	t.k.log.Debug("forked", "parent", t.pid, "child", child)
	return uint64(child), nil
}

// readStrings reads a null terminated array of string pointers.
// budget is what the strings may still take, and is reduced by what they use.
func (t *Task) readStrings(addr uint64, budget *int) ([]string, error) {
	var out []string
	if addr == 0 {
		return nil, nil
	}
	for ; ; addr += 8 {
		ptr, err := t.readU64(addr)
		if err != nil {
			return nil, err
		}
		if ptr == 0 {
			return out, nil
		}
		s, err := t.readString(ptr, max(*budget-1, 0))
		if errors.Is(err, abi.ENAMETOOLONG) {
			return nil, fmt.Errorf("%w: arguments exceed %d bytes", abi.E2BIG, argMax)
		} else if err != nil {
			return nil, err
		}
		*budget -= len(s) + 1
		if *budget < 0 {
			return nil, fmt.Errorf("%w: arguments exceed %d bytes", abi.E2BIG, argMax)
		}
		out = append(out, s)
	}
}

func sysExecve(t *Task, a abi.CallArguments) (uint64, error) {
	p, err := t.readPath(a.Addr(0))
	if err != nil {
		return 0, err
	}
	n, full, err := t.k.fs.Lookup(t.k.Cwd(), p, true)
	if err != nil {
		return 0, vfsErrno(err)
	}
	if n.Kind != vfs.KindFile {
		return 0, fmt.Errorf("%w: %s is not a regular file", abi.EACCES, full)
	}
	if err := t.k.fs.CheckAccess(n, t.cred(), 1); err != nil {
		return 0, vfsErrno(err)
	}
	budget := argMax
	argv, err := t.readStrings(a.Addr(1), &budget)
	if err != nil {
		return 0, err
	}
	if _, err := t.readStrings(a.Addr(2), &budget); err != nil {
		return 0, err
	}
	command := full
	if len(argv) > 0 {
		command = strings.Join(argv, " ")
	}
	if err := t.k.procs.Exec(t.pid, command); err != nil {
		return 0, procErrno(err)
	}
	for _, f := range t.k.files.closeOnExec() {
		t.k.release(f)
	}
	return 0, nil
}

// sysExit ends the caller. The exit of init halts the kernel.
// The 0 it returns is never seen by the exited caller.
func sysExit(t *Task, a abi.CallArguments) (uint64, error) {
	code := int(a.Int32(0)) & 0xff
	if err := t.k.procs.Exit(t.pid, code); err != nil {
		return 0, procErrno(err)
	}
	if t.pid == proc.InitPID {
		t.k.halt(code)
	}
	return 0, nil
}

// waitStatus encodes how a process ended, the way wait4 reports it.
func waitStatus(r proc.Record) uint32 {
	if r.TermSignal != 0 {
		return uint32(r.TermSignal) & 0x7f
	}
	return uint32(r.ExitCode&0xff) << 8
}

func sysWait4(t *Task, a abi.CallArguments) (uint64, error) {
	pid, status, options, ru := int(a.Int32(0)), a.Addr(1), int(a.Int32(2)), a.Addr(3)
	if options&^(abi.WNOHANG|abi.WUNTRACED) != 0 {
		return 0, fmt.Errorf("%w: wait4 options %#x", abi.EINVAL, options)
	}
	if status != 0 {
		if err := t.user(status, 4, vmm.AccessWrite); err != nil {
			return 0, err
		}
	}
	if ru != 0 {
		if err := t.user(ru, rusageSize, vmm.AccessWrite); err != nil {
			return 0, err
		}
	}
	r, err := t.k.procs.Wait(t.pid, pid, options&abi.WNOHANG != 0)
	if err != nil {
		return 0, procErrno(err)
	}
	if r.PID == 0 {
		return 0, nil
	}
	if status != 0 {
		if err := t.writeU32(status, waitStatus(r)); err != nil {
			return 0, err
		}
	}
	if ru != 0 {
		if err := t.copyOut(ru, make([]byte, rusageSize)); err != nil {
			return 0, err
		}
	}
	return uint64(r.PID), nil
}

func sysWaitid(t *Task, a abi.CallArguments) (uint64, error) {
	idtype, id, info, options := a.Int32(0), int(a.Int32(1)), a.Addr(2), int(a.Int32(3))
	var pid int
	switch idtype {
	case abi.P_ALL:
		pid = -1
	case abi.P_PID:
		if id <= 0 {
			return 0, fmt.Errorf("%w: waitid pid %d", abi.EINVAL, id)
		}
		pid = id
	case abi.P_PGID:
		// group 1 reads as -1, which selects every child
		if id < 0 {
			return 0, fmt.Errorf("%w: waitid group %d", abi.EINVAL, id)
		}
		pid = -id
	default:
		return 0, fmt.Errorf("%w: waitid idtype %d", abi.EINVAL, idtype)
	}
	if options&abi.WEXITED == 0 || options&^(abi.WNOHANG|abi.WEXITED|abi.WUNTRACED) != 0 {
		return 0, fmt.Errorf("%w: waitid options %#x", abi.EINVAL, options)
	}
	if info != 0 {
		if err := t.user(info, siginfoLen, vmm.AccessWrite); err != nil {
			return 0, err
		}
	}
	r, err := t.k.procs.Wait(t.pid, pid, options&abi.WNOHANG != 0)
	if err != nil {
		return 0, procErrno(err)
	}
	if info == 0 {
		return 0, nil
	}
	b := make([]byte, siginfoLen)
	if r.PID != 0 {
		code, status := abi.CLD_EXITED, r.ExitCode
		if r.TermSignal != 0 {
			code, status = abi.CLD_KILLED, r.TermSignal
		}
		binary.LittleEndian.PutUint32(b[0:], abi.SIGCHLD)
		binary.LittleEndian.PutUint32(b[8:], uint32(code))
		binary.LittleEndian.PutUint32(b[16:], uint32(r.PID))
		binary.LittleEndian.PutUint32(b[20:], r.UID)
		binary.LittleEndian.PutUint32(b[24:], uint32(status))
	}
	return 0, t.copyOut(info, b)
}

func sysKill(t *Task, a abi.CallArguments) (uint64, error) {
	return 0, procErrno(t.k.procs.Kill(t.pid, int(a.Int32(0)), int(a.Int32(1))))
}

func sysRtSigqueueinfo(t *Task, a abi.CallArguments) (uint64, error) {
	tgid, sig := int(a.Int32(0)), int(a.Int32(1))
	if _, err := t.copyIn(a.Addr(2), siginfoLen); err != nil {
		return 0, err
	}
	if tgid <= 0 {
		return 0, fmt.Errorf("%w: pid %d", abi.ESRCH, tgid)
	}
	return 0, procErrno(t.k.procs.Kill(t.pid, tgid, sig))
}

func (t *Task) schedTarget(a abi.CallArguments) int {
	if pid := int(a.Int32(0)); pid != 0 {
		return pid
	}
	return t.pid
}

func sysSchedSetparam(t *Task, a abi.CallArguments) (uint64, error) {
	if a.Addr(1) == 0 {
		return 0, fmt.Errorf("%w: null sched_param", abi.EINVAL)
	}
	prio, err := t.readI32(a.Addr(1))
	if err != nil {
		return 0, err
	}
	return 0, procErrno(t.k.procs.SetSched(t.pid, t.schedTarget(a), -1, int(prio)))
}

func sysSchedGetparam(t *Task, a abi.CallArguments) (uint64, error) {
	if a.Addr(1) == 0 {
		return 0, fmt.Errorf("%w: null sched_param", abi.EINVAL)
	}
	_, prio, err := t.k.procs.Sched(t.schedTarget(a))
	if err != nil {
		return 0, procErrno(err)
	}
	return 0, t.writeU32(a.Addr(1), uint32(prio))
}

func sysSchedSetscheduler(t *Task, a abi.CallArguments) (uint64, error) {
	policy := int(a.Int32(1))
	if policy < 0 {
		return 0, fmt.Errorf("%w: policy %d", abi.EINVAL, policy)
	}
	if a.Addr(2) == 0 {
		return 0, fmt.Errorf("%w: null sched_param", abi.EINVAL)
	}
	prio, err := t.readI32(a.Addr(2))
	if err != nil {
		return 0, err
	}
	return 0, procErrno(t.k.procs.SetSched(t.pid, t.schedTarget(a), policy, int(prio)))
}

func sysSchedGetscheduler(t *Task, a abi.CallArguments) (uint64, error) {
	policy, _, err := t.k.procs.Sched(t.schedTarget(a))
	return uint64(policy), procErrno(err)
}

func sysSchedPriorityMax(t *Task, a abi.CallArguments) (uint64, error) {
	_, hi, err := proc.PriorityRange(int(a.Int32(0)))
	return uint64(hi), procErrno(err)
}

func sysSchedPriorityMin(t *Task, a abi.CallArguments) (uint64, error) {
	lo, _, err := proc.PriorityRange(int(a.Int32(0)))
	return uint64(lo), procErrno(err)
}

// sysSchedYield returns at once: there is no scheduler to yield to.
func sysSchedYield(t *Task, a abi.CallArguments) (uint64, error) {
	return 0, nil
}
