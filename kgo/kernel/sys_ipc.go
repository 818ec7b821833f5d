package kernel

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum-optimism/sysabi/kgo/abi"
	"github.com/ethereum-optimism/sysabi/kgo/ipc"
	"github.com/ethereum-optimism/sysabi/kgo/vmm"
)

var ipcCalls = []callEntry{
	{abi.SysShmget, "shmget", groupIPC, sysShmget},
	{abi.SysShmat, "shmat", groupIPC, sysShmat},
	{abi.SysShmctl, "shmctl", groupIPC, sysShmctl},
	{abi.SysShmdt, "shmdt", groupIPC, sysShmdt},
	{abi.SysSemget, "semget", groupIPC, sysSemget},
	{abi.SysSemop, "semop", groupIPC, sysSemop},
	{abi.SysSemctl, "semctl", groupIPC, sysSemctl},
	{abi.SysMsgget, "msgget", groupIPC, sysMsgget},
	{abi.SysMsgsnd, "msgsnd", groupIPC, sysMsgsnd},
	{abi.SysMsgrcv, "msgrcv", groupIPC, sysMsgrcv},
	{abi.SysMsgctl, "msgctl", groupIPC, sysMsgctl},
}

// Sizes of the user structures. IPC_STAT fills a reduced layout of two words:
// segment size and attach count, or queued messages and queued bytes.
const (
	sembufSize  = 6
	ipcStatSize = 16
)

func ipcKey(a abi.CallArguments) int64 { return int64(a.Int32(0)) }

func sysShmget(t *Task, a abi.CallArguments) (uint64, error) {
	id, err := t.k.ipc.ShmGet(ipcKey(a), a.Len(1), int(a.Int32(2)))
	return id, ipcErrno(err)
}

func sysShmat(t *Task, a abi.CallArguments) (uint64, error) {
	id, hint, flags := a.Uint(0), a.Addr(1), int(a.Int32(2))
	if hint&vmm.PageAddrMask != 0 {
		return 0, fmt.Errorf("%w: unaligned attach address %#x", abi.EINVAL, hint)
	}
	prot := abi.PROT_READ | abi.PROT_WRITE
	if flags&abi.SHM_RDONLY != 0 {
		prot = abi.PROT_READ
	}
	mapFn := func(size uint64, pages []*vmm.Page) (uint64, error) {
		mflags := abi.MAP_SHARED
		if hint != 0 {
			mflags |= abi.MAP_FIXED
		}
		addr, err := t.k.vm.Map(hint, size, prot, mflags, fmt.Sprintf("shm:%d", id))
		if err != nil {
			return 0, vmmErrno(err)
		}
		t.k.vm.Memory().SharePages(addr, pages)
		return addr, nil
	}
	addr, err := t.k.ipc.ShmAttach(id, mapFn)
	return addr, ipcErrno(err)
}

func sysShmdt(t *Task, a abi.CallArguments) (uint64, error) {
	unmapFn := func(addr, size uint64) error {
		return vmmErrno(t.k.vm.Unmap(addr, size))
	}
	return 0, ipcErrno(t.k.ipc.ShmDetach(a.Addr(0), unmapFn))
}

func sysShmctl(t *Task, a abi.CallArguments) (uint64, error) {
	id, cmd := a.Uint(0), a.Int32(1)
	switch cmd {
	case abi.IPC_RMID:
		return 0, ipcErrno(t.k.ipc.ShmRemove(id))
	case abi.IPC_STAT:
		size, nattch, err := t.k.ipc.ShmStat(id)
		if err != nil {
			return 0, ipcErrno(err)
		}
		return 0, t.writeStat(a.Addr(2), size, uint64(nattch))
	default:
		return 0, fmt.Errorf("%w: shmctl command %d", abi.EINVAL, cmd)
	}
}

func (t *Task) writeStat(addr, first, second uint64) error {
	b := binary.LittleEndian.AppendUint64(nil, first)
	b = binary.LittleEndian.AppendUint64(b, second)
	return t.copyOut(addr, b)
}

func sysSemget(t *Task, a abi.CallArguments) (uint64, error) {
	id, err := t.k.ipc.SemGet(ipcKey(a), int(a.Int32(1)), int(a.Int32(2)))
	return id, ipcErrno(err)
}

func sysSemop(t *Task, a abi.CallArguments) (uint64, error) {
	id, addr, nsops := a.Uint(0), a.Addr(1), a.Len(2)
	if nsops == 0 {
		return 0, fmt.Errorf("%w: no semaphore operations", abi.EINVAL)
	}
	if nsops > abi.SEMOPM {
		return 0, fmt.Errorf("%w: %d semaphore operations", abi.E2BIG, nsops)
	}
	b, err := t.copyIn(addr, nsops*sembufSize)
	if err != nil {
		return 0, err
	}
	ops := make([]ipc.SemBuf, nsops)
	for i := range ops {
		off := i * sembufSize
		ops[i] = ipc.SemBuf{
			Num:   binary.LittleEndian.Uint16(b[off:]),
			Op:    int16(binary.LittleEndian.Uint16(b[off+2:])),
			Flags: int16(binary.LittleEndian.Uint16(b[off+4:])),
		}
	}
	return 0, ipcErrno(t.k.ipc.SemOp(id, ops))
}

func sysSemctl(t *Task, a abi.CallArguments) (uint64, error) {
	id, num, cmd := a.Uint(0), int(a.Int32(1)), a.Int32(2)
	switch cmd {
	case abi.GETVAL:
		v, err := t.k.ipc.SemGetVal(id, num)
		return uint64(v), ipcErrno(err)
	case abi.SETVAL:
		return 0, ipcErrno(t.k.ipc.SemSetVal(id, num, int(a.Int32(3))))
	case abi.GETNCNT:
		n, err := t.k.ipc.SemGetNCnt(id, num)
		return uint64(n), ipcErrno(err)
	case abi.GETALL:
		vals, err := t.k.ipc.SemGetAll(id)
		if err != nil {
			return 0, ipcErrno(err)
		}
		b := make([]byte, 0, 2*len(vals))
		for _, v := range vals {
			b = binary.LittleEndian.AppendUint16(b, uint16(v))
		}
		return 0, t.copyOut(a.Addr(3), b)
	case abi.IPC_RMID:
		return 0, ipcErrno(t.k.ipc.SemRemove(id))
	default:
		return 0, fmt.Errorf("%w: semctl command %d", abi.EINVAL, cmd)
	}
}

func sysMsgget(t *Task, a abi.CallArguments) (uint64, error) {
	id, err := t.k.ipc.MsgGet(ipcKey(a), int(a.Int32(1)))
	return id, ipcErrno(err)
}

// sysMsgsnd sends the message at a1: an 8 byte type followed by a2 bytes of payload.
// a4 carries the delivery priority.
func sysMsgsnd(t *Task, a abi.CallArguments) (uint64, error) {
	id, addr, size, flags, prio := a.Uint(0), a.Addr(1), a.Len(2), int(a.Int32(3)), int(a.Int32(4))
	if size > uint64(t.k.cfg.IPC.MaxMessage) {
		return 0, fmt.Errorf("%w: message of %d bytes", abi.EINVAL, size)
	}
	b, err := t.copyIn(addr, 8+size)
	if err != nil {
		return 0, err
	}
	mtype := int64(binary.LittleEndian.Uint64(b))
	return 0, ipcErrno(t.k.ipc.MsgSend(id, t.pid, mtype, b[8:], prio, flags))
}

// sysMsgrcv receives into the buffer at a1 and returns the payload length.
// The sender pid is stored at a5 when it is not null.
func sysMsgrcv(t *Task, a abi.CallArguments) (uint64, error) {
	id, addr, size, mtype, flags, senderAddr := a.Uint(0), a.Addr(1), a.Int(2), a.Int(3), int(a.Int32(4)), a.Addr(5)
	if size < 0 {
		return 0, fmt.Errorf("%w: buffer size %d", abi.EINVAL, size)
	}
	size = min(size, maxIO)
	if err := t.user(addr, 8+uint64(size), vmm.AccessWrite); err != nil {
		return 0, err
	}
	if senderAddr != 0 {
		if err := t.user(senderAddr, 4, vmm.AccessWrite); err != nil {
			return 0, err
		}
	}
	msg, err := t.k.ipc.MsgReceive(id, int(size), mtype, flags)
	if err != nil {
		return 0, ipcErrno(err)
	}
	b := binary.LittleEndian.AppendUint64(nil, uint64(msg.Type))
	if err := t.copyOut(addr, append(b, msg.Data...)); err != nil {
		return 0, err
	}
	if senderAddr != 0 {
		if err := t.writeU32(senderAddr, uint32(msg.Sender)); err != nil {
			return 0, err
		}
	}
	return uint64(len(msg.Data)), nil
}

func sysMsgctl(t *Task, a abi.CallArguments) (uint64, error) {
	id, cmd := a.Uint(0), a.Int32(1)
	switch cmd {
	case abi.IPC_RMID:
		return 0, ipcErrno(t.k.ipc.MsgRemove(id))
	case abi.IPC_STAT:
		st, err := t.k.ipc.MsgStat(id)
		if err != nil {
			return 0, ipcErrno(err)
		}
		return 0, t.writeStat(a.Addr(2), st.Messages, st.Bytes)
	default:
		return 0, fmt.Errorf("%w: msgctl command %d", abi.EINVAL, cmd)
	}
}
