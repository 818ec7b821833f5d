package kernel

import (
	"fmt"
	"math"

	"github.com/ethereum-optimism/sysabi/kgo/abi"
	"github.com/ethereum-optimism/sysabi/kgo/ext"
	"github.com/ethereum-optimism/sysabi/kgo/vfs"
	"github.com/ethereum-optimism/sysabi/kgo/vmm"
)

var extCalls = []callEntry{
	{abi.SysAIAllocHint, "ai_alloc_hint", groupAlloc, sysAllocHint},
	{abi.SysAIRecordAlloc, "ai_record_alloc", groupAlloc, sysRecordAlloc},
	{abi.SysAIPredict, "ai_predict", groupAlloc, sysPredict},

	{abi.SysThreatRegister, "threat_register", groupThreat, sysThreatRegister},
	{abi.SysThreatRemove, "threat_remove", groupThreat, sysThreatRemove},
	{abi.SysThreatScan, "threat_scan", groupThreat, sysThreatScan},
	{abi.SysThreatCount, "threat_count", groupThreat, sysThreatCount},

	{abi.SysFSRecordAccess, "fs_record_access", groupFSIntel, sysFSRecordAccess},
	{abi.SysFSAccessCount, "fs_access_count", groupFSIntel, sysFSAccessCount},
	{abi.SysFSHottest, "fs_hottest", groupFSIntel, sysFSHottest},

	{abi.SysProcCount, "sys_proc_count", groupIntro, sysProcCount},
	{abi.SysFdCount, "sys_fd_count", groupIntro, sysFdCount},
	{abi.SysIPCCount, "sys_ipc_count", groupIntro, sysIPCCount},
	{abi.SysMappedBytes, "sys_mapped_bytes", groupIntro, sysMappedBytes},
	{abi.SysUptime, "sys_uptime_ns", groupIntro, sysUptime},
	{abi.SysStateHash, "sys_state_hash", groupIntro, sysStateHash},
}

func sysAllocHint(t *Task, a abi.CallArguments) (uint64, error) {
	v, err := t.k.svc.Alloc.Hint(a.Uint(0))
	return v, extErrno(err)
}

func sysRecordAlloc(t *Task, a abi.CallArguments) (uint64, error) {
	return 0, extErrno(t.k.svc.Alloc.Record(a.Uint(0)))
}

func sysPredict(t *Task, a abi.CallArguments) (uint64, error) {
	v, err := t.k.svc.Alloc.Predict()
	return v, extErrno(err)
}

func sysThreatRegister(t *Task, a abi.CallArguments) (uint64, error) {
	addr, length := a.Addr(0), a.Len(1)
	if length == 0 || length > ext.MaxPattern {
		return 0, fmt.Errorf("%w: pattern of %d bytes", abi.EINVAL, length)
	}
	pattern, err := t.copyIn(addr, length)
	if err != nil {
		return 0, err
	}
	id, err := t.k.svc.Threat.Register(pattern)
	return id, extErrno(err)
}

func sysThreatRemove(t *Task, a abi.CallArguments) (uint64, error) {
	return 0, extErrno(t.k.svc.Threat.Remove(a.Uint(0)))
}

// sysThreatScan returns how many registered patterns occur in the buffer.
// Buffers over the I/O cap are scanned up to the cap.
func sysThreatScan(t *Task, a abi.CallArguments) (uint64, error) {
	addr, length := a.Addr(0), min(a.Len(1), maxIO)
	if length == 0 {
		return 0, fmt.Errorf("%w: empty scan buffer", abi.EINVAL)
	}
	data, err := t.copyIn(addr, length)
	if err != nil {
		return 0, err
	}
	hits, err := t.k.svc.Threat.Scan(data)
	return hits, extErrno(err)
}

func sysThreatCount(t *Task, a abi.CallArguments) (uint64, error) {
	return uint64(t.k.svc.Threat.Count()), nil
}

// Tracked paths are absolute, so the same file recorded through different
// relative paths counts once.
func (t *Task) trackedPath(addr uint64) (string, error) {
	p, err := t.readPath(addr)
	if err != nil {
		return "", err
	}
	if p == "" {
		return "", fmt.Errorf("%w: empty path", abi.ENOENT)
	}
	return vfs.Join(t.k.Cwd(), p), nil
}

func sysFSRecordAccess(t *Task, a abi.CallArguments) (uint64, error) {
	p, err := t.trackedPath(a.Addr(0))
	if err != nil {
		return 0, err
	}
	return 0, extErrno(t.k.svc.FSIntel.Record(p))
}

func sysFSAccessCount(t *Task, a abi.CallArguments) (uint64, error) {
	p, err := t.trackedPath(a.Addr(0))
	if err != nil {
		return 0, err
	}
	return t.k.svc.FSIntel.Count(p), nil
}

// sysFSHottest writes the most accessed paths to the buffer, each terminated
// by a newline, and returns the bytes written. Only whole paths are written.
// a2 bounds the number of paths, 0 means as many as fit.
func sysFSHottest(t *Task, a abi.CallArguments) (uint64, error) {
	addr, length, limit := a.Addr(0), min(a.Len(1), maxIO), a.Int(2)
	if length == 0 {
		return 0, fmt.Errorf("%w: empty buffer", abi.EINVAL)
	}
	if limit < 0 {
		return 0, fmt.Errorf("%w: path limit %d", abi.EINVAL, limit)
	}
	n := math.MaxInt32
	if limit > 0 {
		n = int(min(limit, math.MaxInt32))
	}
	var out []byte
	for _, p := range t.k.svc.FSIntel.Hottest(n) {
		if uint64(len(out)+len(p)+1) > length {
			break
		}
		out = append(append(out, p...), '\n')
	}
	if len(out) == 0 {
		return 0, t.user(addr, length, vmm.AccessWrite)
	}
	return uint64(len(out)), t.copyOut(addr, out)
}

func sysProcCount(t *Task, a abi.CallArguments) (uint64, error) {
	return uint64(t.k.procs.Count()), nil
}

func sysFdCount(t *Task, a abi.CallArguments) (uint64, error) {
	return uint64(t.k.files.count()), nil
}

func sysIPCCount(t *Task, a abi.CallArguments) (uint64, error) {
	return uint64(t.k.ipc.Total()), nil
}

func sysMappedBytes(t *Task, a abi.CallArguments) (uint64, error) {
	return t.k.vm.Mapped(), nil
}

func sysUptime(t *Task, a abi.CallArguments) (uint64, error) {
	return uint64(t.k.Uptime().Nanoseconds()), nil
}

// sysStateHash writes the 32 byte digest of the kernel state to a0.
func sysStateHash(t *Task, a abi.CallArguments) (uint64, error) {
	h, err := t.k.StateHash()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", abi.EIO, err)
	}
	if err := t.copyOut(a.Addr(0), h[:]); err != nil {
		return 0, err
	}
	return uint64(len(h)), nil
}
