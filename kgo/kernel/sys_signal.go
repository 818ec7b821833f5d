package kernel

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum-optimism/sysabi/kgo/abi"
	"github.com/ethereum-optimism/sysabi/kgo/proc"
	"github.com/ethereum-optimism/sysabi/kgo/vmm"
)

var signalCalls = []callEntry{
	{abi.SysRtSigaction, "rt_sigaction", groupSignal, sysRtSigaction},
	{abi.SysRtSigprocmask, "rt_sigprocmask", groupSignal, sysRtSigprocmask},
	{abi.SysRtSigreturn, "rt_sigreturn", groupSignal, sysRtSigreturn},
}

var identityCalls = []callEntry{
	{abi.SysGetuid, "getuid", groupIdent, sysGetuid},
	{abi.SysGetgid, "getgid", groupIdent, sysGetgid},
	{abi.SysSetuid, "setuid", groupIdent, sysSetuid},
	{abi.SysSetgid, "setgid", groupIdent, sysSetgid},
	{abi.SysGeteuid, "geteuid", groupIdent, sysGeteuid},
	{abi.SysGetegid, "getegid", groupIdent, sysGetegid},
}

const (
	// sigsetSize is the only sigset size accepted, one bit per signal.
	sigsetSize = 8
	// sigactionSize is the kernel struct sigaction: handler, flags, restorer, mask.
	sigactionSize = 32
)

func sysRtSigaction(t *Task, a abi.CallArguments) (uint64, error) {
	sig, actAddr, oldAddr := int(a.Int32(0)), a.Addr(1), a.Addr(2)
	if a.Len(3) != sigsetSize {
		return 0, fmt.Errorf("%w: sigset size %d", abi.EINVAL, a.Len(3))
	}
	var act *proc.SigAction
	if actAddr != 0 {
		b, err := t.copyIn(actAddr, sigactionSize)
		if err != nil {
			return 0, err
		}
		act = &proc.SigAction{
			Handler:  binary.LittleEndian.Uint64(b[0:]),
			Flags:    binary.LittleEndian.Uint64(b[8:]),
			Restorer: binary.LittleEndian.Uint64(b[16:]),
			Mask:     binary.LittleEndian.Uint64(b[24:]),
		}
	}
	if oldAddr != 0 {
		if err := t.user(oldAddr, sigactionSize, vmm.AccessWrite); err != nil {
			return 0, err
		}
	}
	old, err := t.k.procs.SigAction(t.pid, sig, act)
	if err != nil {
		return 0, procErrno(err)
	}
	if oldAddr == 0 {
		return 0, nil
	}
	b := binary.LittleEndian.AppendUint64(nil, old.Handler)
	b = binary.LittleEndian.AppendUint64(b, old.Flags)
	b = binary.LittleEndian.AppendUint64(b, old.Restorer)
	b = binary.LittleEndian.AppendUint64(b, old.Mask)
	return 0, t.copyOut(oldAddr, b)
}

func sysRtSigprocmask(t *Task, a abi.CallArguments) (uint64, error) {
	how, setAddr, oldAddr := int(a.Int32(0)), a.Addr(1), a.Addr(2)
	if a.Len(3) != sigsetSize {
		return 0, fmt.Errorf("%w: sigset size %d", abi.EINVAL, a.Len(3))
	}
	var set *uint64
	if setAddr != 0 {
		v, err := t.readU64(setAddr)
		if err != nil {
			return 0, err
		}
		set = &v
	}
	if oldAddr != 0 {
		if err := t.user(oldAddr, sigsetSize, vmm.AccessWrite); err != nil {
			return 0, err
		}
	}
	old, err := t.k.procs.SigProcMask(t.pid, how, set)
	if err != nil {
		return 0, procErrno(err)
	}
	if oldAddr != 0 {
		return 0, t.writeU64(oldAddr, old)
	}
	return 0, nil
}

// sysRtSigreturn ends a handler: the signals it was run for are no longer pending.
func sysRtSigreturn(t *Task, a abi.CallArguments) (uint64, error) {
	return 0, procErrno(t.k.procs.ClearPending(t.pid))
}

func sysGetuid(t *Task, a abi.CallArguments) (uint64, error) {
	return uint64(t.record().UID), nil
}

func sysGetgid(t *Task, a abi.CallArguments) (uint64, error) {
	return uint64(t.record().GID), nil
}

func sysGeteuid(t *Task, a abi.CallArguments) (uint64, error) {
	return uint64(t.record().EUID), nil
}

func sysGetegid(t *Task, a abi.CallArguments) (uint64, error) {
	return uint64(t.record().EGID), nil
}

func sysSetuid(t *Task, a abi.CallArguments) (uint64, error) {
	return 0, procErrno(t.k.procs.SetUID(t.pid, a.Uint32(0)))
}

func sysSetgid(t *Task, a abi.CallArguments) (uint64, error) {
	return 0, procErrno(t.k.procs.SetGID(t.pid, a.Uint32(0)))
}
