package kernel

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ethereum-optimism/sysabi/kgo/abi"
	"github.com/ethereum-optimism/sysabi/kgo/vmm"
)

var timeCalls = []callEntry{
	{abi.SysNanosleep, "nanosleep", groupTime, sysNanosleep},
	{abi.SysAlarm, "alarm", groupTime, sysAlarm},
	{abi.SysGettimeofday, "gettimeofday", groupTime, sysGettimeofday},
	{abi.SysSettimeofday, "settimeofday", groupTime, sysSettimeofday},
	{abi.SysTime, "time", groupTime, sysTime},
	{abi.SysClockGettime, "clock_gettime", groupTime, sysClockGettime},
	{abi.SysClockGetres, "clock_getres", groupTime, sysClockGetres},
}

// timespec and timeval are both two 64 bit words.
const timeStructSize = 16

func (t *Task) readPair(addr uint64) (int64, int64, error) {
	b, err := t.copyIn(addr, timeStructSize)
	if err != nil {
		return 0, 0, err
	}
	return int64(binary.LittleEndian.Uint64(b)), int64(binary.LittleEndian.Uint64(b[8:])), nil
}

func (t *Task) writePair(addr uint64, first, second int64) error {
	b := binary.LittleEndian.AppendUint64(nil, uint64(first))
	b = binary.LittleEndian.AppendUint64(b, uint64(second))
	return t.copyOut(addr, b)
}

func sysNanosleep(t *Task, a abi.CallArguments) (uint64, error) {
	sec, nsec, err := t.readPair(a.Addr(0))
	if err != nil {
		return 0, err
	}
	if sec < 0 || nsec < 0 || nsec >= int64(time.Second) {
		return 0, fmt.Errorf("%w: timespec {%d, %d}", abi.EINVAL, sec, nsec)
	}
	rem := a.Addr(1)
	if rem != 0 {
		if err := t.user(rem, timeStructSize, vmm.AccessWrite); err != nil {
			return 0, err
		}
	}
	t.k.clock.Sleep(time.Duration(sec)*time.Second + time.Duration(nsec))
	if rem != 0 {
		return 0, t.writePair(rem, 0, 0)
	}
	return 0, nil
}

// sysAlarm arms a SIGALRM for the caller and returns the seconds left on the previous alarm.
// Alarms are checked when their process makes its next call.
func sysAlarm(t *Task, a abi.CallArguments) (uint64, error) {
	secs := a.Uint32(0)
	k := t.k
	k.timeMu.Lock()
	defer k.timeMu.Unlock()
	now := k.clock.Now()
	var left uint64
	if at, ok := k.alarms[t.pid]; ok && at.After(now) {
		left = uint64((at.Sub(now) + time.Second - 1) / time.Second)
	}
	if secs == 0 {
		delete(k.alarms, t.pid)
	} else {
		k.alarms[t.pid] = now.Add(time.Duration(secs) * time.Second)
	}
	return left, nil
}

// fireAlarm sends SIGALRM to pid if its alarm is due, and reports whether it did.
func (k *Kernel) fireAlarm(pid int) bool {
	k.timeMu.Lock()
	at, ok := k.alarms[pid]
	due := ok && !k.clock.Now().Before(at)
	if due {
		delete(k.alarms, pid)
	}
	k.timeMu.Unlock()
	if !due {
		return false
	}
	if err := k.procs.Kill(pid, pid, abi.SIGALRM); err != nil {
		k.log.Debug("alarm not delivered", "pid", pid, "err", err)
		return false
	}
	return true
}

func sysGettimeofday(t *Task, a abi.CallArguments) (uint64, error) {
	if tv := a.Addr(0); tv != 0 {
		now := t.k.now()
		if err := t.writePair(tv, now.Unix(), int64(now.Nanosecond()/1000)); err != nil {
			return 0, err
		}
	}
	if tz := a.Addr(1); tz != 0 {
		if err := t.copyOut(tz, make([]byte, 8)); err != nil {
			return 0, err
		}
	}
	return 0, nil
}

// sysSettimeofday moves the wall clock of the kernel. The monotonic clock and alarms are unaffected.
func sysSettimeofday(t *Task, a abi.CallArguments) (uint64, error) {
	if t.record().EUID != 0 {
		return 0, fmt.Errorf("%w: only root may set the time", abi.EPERM)
	}
	tv := a.Addr(0)
	if tv == 0 {
		return 0, nil
	}
	sec, usec, err := t.readPair(tv)
	if err != nil {
		return 0, err
	}
	if sec < 0 || usec < 0 || usec >= 1_000_000 {
		return 0, fmt.Errorf("%w: timeval {%d, %d}", abi.EINVAL, sec, usec)
	}
	k := t.k
	k.timeMu.Lock()
	defer k.timeMu.Unlock()
	k.timeOffset = time.Unix(sec, usec*1000).Sub(k.clock.Now())
	k.log.Info("wall clock set", "offset", k.timeOffset)
	return 0, nil
}

func sysTime(t *Task, a abi.CallArguments) (uint64, error) {
	now := t.k.now().Unix()
	if tloc := a.Addr(0); tloc != 0 {
		if err := t.writeU64(tloc, uint64(now)); err != nil {
			return 0, err
		}
	}
	return uint64(now), nil
}

func sysClockGettime(t *Task, a abi.CallArguments) (uint64, error) {
	var d time.Duration
	switch clk := a.Int32(0); clk {
	case abi.CLOCK_REALTIME:
		now := t.k.now()
		return 0, t.writePair(a.Addr(1), now.Unix(), int64(now.Nanosecond()))
	case abi.CLOCK_MONOTONIC:
		d = t.k.Uptime()
	default:
		return 0, fmt.Errorf("%w: clock %d", abi.EINVAL, clk)
	}
	return 0, t.writePair(a.Addr(1), int64(d/time.Second), int64(d%time.Second))
}

func sysClockGetres(t *Task, a abi.CallArguments) (uint64, error) {
	switch clk := a.Int32(0); clk {
	case abi.CLOCK_REALTIME, abi.CLOCK_MONOTONIC:
	default:
		return 0, fmt.Errorf("%w: clock %d", abi.EINVAL, clk)
	}
	if res := a.Addr(1); res != 0 {
		return 0, t.writePair(res, 0, 1)
	}
	return 0, nil
}
