package proc

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum-optimism/sysabi/kgo/abi"
)

// Lifecycle errors. This is the complete set the table returns.
var (
	ErrExhausted  = errors.New("proc: process table full")
	ErrPermission = errors.New("proc: operation not permitted")
	ErrNotFound   = errors.New("proc: no such process")
	ErrNoChild    = errors.New("proc: no matching child process")
	ErrInvalid    = errors.New("proc: invalid argument")
)

// InitPID is the pid of the record present at construction.
const InitPID = 1

// Table stores process records and implements their lifecycle:
// fork, exec, exit, wait and signal delivery. It does not schedule.
type Table struct {
	mu sync.Mutex
	// exited is signalled whenever a record turns into a zombie.
	exited *sync.Cond

	records map[int]*Record
	nextPID int
	max     int
}

func NewTable(max int) *Table {
	t := &Table{
		records: make(map[int]*Record),
		nextPID: InitPID + 1,
		max:     max,
	}
	t.exited = sync.NewCond(&t.mu)
	t.records[InitPID] = &Record{
		PID:     InitPID,
		PPID:    0,
		PGID:    InitPID,
		SID:     InitPID,
		State:   Running,
		Policy:  abi.SCHED_OTHER,
		Command: "init",
	}
	return t
}

func (t *Table) lookup(pid int) (*Record, error) {
	r, ok := t.records[pid]
	if !ok {
		return nil, fmt.Errorf("%w: pid %d", ErrNotFound, pid)
	}
	return r, nil
}

func (t *Table) live(pid int) (*Record, error) {
	r, err := t.lookup(pid)
	if err != nil {
		return nil, err
	}
	if !r.State.Live() {
		return nil, fmt.Errorf("%w: pid %d has exited", ErrNotFound, pid)
	}
	return r, nil
}

// Get returns a copy of the record for pid.
func (t *Table) Get(pid int) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[pid]
	if !ok {
		return Record{}, false
	}
	return r.clone(), true
}

// Live reports whether pid names a record that has not exited.
func (t *Table) Live(pid int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[pid]
	return ok && r.State.Live()
}

func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

func (t *Table) sortedPIDs() []int {
	pids := make([]int, 0, len(t.records))
	for pid := range t.records {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

// Snapshot returns copies of all records, ordered by pid.
func (t *Table) Snapshot() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, 0, len(t.records))
	for _, pid := range t.sortedPIDs() {
		out = append(out, t.records[pid].clone())
	}
	return out
}

// Fork creates a child of parent and returns the child's pid.
func (t *Table) Fork(parent int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, err := t.live(parent)
	if err != nil {
		return 0, err
	}
	if len(t.records) >= t.max {
		return 0, fmt.Errorf("%w: %d records", ErrExhausted, len(t.records))
	}
	child := p.clone()
	child.PID = t.nextPID
	child.PPID = p.PID
	child.State = Running
	child.SigPending = 0
	child.ExitCode = 0
	child.Score = 0
	t.nextPID++
	t.records[child.PID] = &child
	return child.PID, nil
}

// Exec replaces the program of pid. Caught signals revert to their default disposition.
func (t *Table) Exec(pid int, command string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, err := t.live(pid)
	if err != nil {
		return err
	}
	r.Command = command
	for sig, act := range r.SigActions {
		if act.Handler != sigIgn {
			delete(r.SigActions, sig)
		}
	}
	return nil
}

// Exit turns pid into a zombie with the given code. Its children are re-parented to init.
// The init record never disappears: it becomes a zombie nobody reaps.
func (t *Table) Exit(pid int, code int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exit(pid, code, 0)
}

func (t *Table) exit(pid int, code int, sig int) error {
	r, err := t.live(pid)
	if err != nil {
		return err
	}
	r.State = Zombie
	r.ExitCode = code
	r.TermSignal = sig
	for _, c := range t.records {
		if c.PPID == pid && pid != InitPID {
			c.PPID = InitPID
		}
	}
	if parent, ok := t.records[r.PPID]; ok {
		parent.SigPending |= 1 << (abi.SIGCHLD - 1)
	}
	t.exited.Broadcast()
	return nil
}

func matchesWait(r *Record, caller *Record, pid int) bool {
	switch {
	case pid > 0:
		return r.PID == pid
	case pid == -1:
		return true
	case pid == 0:
		return r.PGID == caller.PGID
	default:
		return r.PGID == -pid
	}
}

// Wait reaps a zombie child of parent selected by pid, with wait4 selection rules:
// pid > 0 one child, -1 any child, 0 any child in the caller's group, < -1 any child in group -pid.
// Without nohang it blocks until a matching child exits. With nohang and no zombie
// ready it returns a zero record.
func (t *Table) Wait(parent int, pid int, nohang bool) (Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		caller, err := t.live(parent)
		if err != nil {
			return Record{}, err
		}
		matched := false
		for _, cpid := range t.sortedPIDs() {
			c := t.records[cpid]
			if c.PPID != parent || cpid == parent || !matchesWait(c, caller, pid) {
				continue
			}
			matched = true
			if c.State == Zombie {
				delete(t.records, cpid)
				caller.SigPending &^= 1 << (abi.SIGCHLD - 1)
				return *c, nil
			}
		}
		if !matched {
			return Record{}, fmt.Errorf("%w: pid %d has no child matching %d", ErrNoChild, parent, pid)
		}
		if nohang {
			return Record{}, nil
		}
		caller.State = Waiting
		t.exited.Wait()
		if caller.State == Waiting {
			caller.State = Running
		}
	}
}

// Kill delivers sig from sender. target > 0 names one process, 0 the sender's group,
// -1 every process but init and the sender, < -1 the group -target.
// Signal 0 only checks existence and permission.
func (t *Table) Kill(sender, target int, sig int) error {
	if sig < 0 || sig > abi.NSIG {
		return fmt.Errorf("%w: signal %d", ErrInvalid, sig)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.live(sender)
	if err != nil {
		return err
	}
	var targets []*Record
	switch {
	case target > 0:
		r, err := t.lookup(target)
		if err != nil {
			return err
		}
		targets = append(targets, r)
	default:
		for _, pid := range t.sortedPIDs() {
			r := t.records[pid]
			switch {
			case target == 0 && r.PGID == s.PGID,
				target == -1 && pid != InitPID && pid != sender,
				target < -1 && r.PGID == -target:
				targets = append(targets, r)
			}
		}
		if len(targets) == 0 {
			return fmt.Errorf("%w: no process matches %d", ErrNotFound, target)
		}
	}
	var delivered int
	var lastErr error
	for _, r := range targets {
		if err := t.deliver(s, r, sig); err != nil {
			lastErr = err
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return lastErr
	}
	return nil
}

func (t *Table) deliver(sender, r *Record, sig int) error {
	if sender.EUID != 0 && sender.UID != r.UID && sender.EUID != r.UID {
		return fmt.Errorf("%w: uid %d may not signal pid %d", ErrPermission, sender.UID, r.PID)
	}
	if sig == 0 || !r.State.Live() {
		return nil
	}
	bit := uint64(1) << (sig - 1)
	if catchable(sig) {
		if act, ok := r.SigActions[sig]; ok {
			switch act.Handler {
			case sigIgn:
				return nil
			case sigDfl:
			default:
				r.SigPending |= bit
				return nil
			}
		}
		if r.SigMask&bit != 0 {
			r.SigPending |= bit
			return nil
		}
	}
	action := defaultAction(sig)
	if r.PID == InitPID && (action == actTerminate || action == actStop) {
		return fmt.Errorf("%w: init ignores signal %d", ErrPermission, sig)
	}
	switch action {
	case actTerminate:
		return t.exit(r.PID, 128+sig, sig)
	case actStop:
		r.State = Stopped
	case actContinue:
		if r.State == Stopped {
			r.State = Running
		}
	}
	return nil
}

// SigAction installs act for sig on pid when act is non-nil, and returns the previous action.
func (t *Table) SigAction(pid int, sig int, act *SigAction) (SigAction, error) {
	if sig < 1 || sig > abi.NSIG || (act != nil && !catchable(sig)) {
		return SigAction{}, fmt.Errorf("%w: signal %d", ErrInvalid, sig)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	r, err := t.live(pid)
	if err != nil {
		return SigAction{}, err
	}
	old := r.SigActions[sig]
	if act != nil {
		if r.SigActions == nil {
			r.SigActions = make(map[int]SigAction)
		}
		r.SigActions[sig] = *act
	}
	return old, nil
}

// SigProcMask updates the blocked set of pid and returns the previous one.
// SIGKILL and SIGSTOP can never be blocked.
func (t *Table) SigProcMask(pid int, how int, set *uint64) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, err := t.live(pid)
	if err != nil {
		return 0, err
	}
	old := r.SigMask
	if set == nil {
		return old, nil
	}
	switch how {
	case abi.SIG_BLOCK:
		r.SigMask |= *set
	case abi.SIG_UNBLOCK:
		r.SigMask &^= *set
	case abi.SIG_SETMASK:
		r.SigMask = *set
	default:
		return 0, fmt.Errorf("%w: sigprocmask how %d", ErrInvalid, how)
	}
	r.SigMask &^= 1<<(abi.SIGKILL-1) | 1<<(abi.SIGSTOP-1)
	return old, nil
}

// ClearPending drops pending signals that are no longer blocked, as if their handlers ran.
func (t *Table) ClearPending(pid int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, err := t.live(pid)
	if err != nil {
		return err
	}
	r.SigPending &= r.SigMask
	return nil
}

// SetSID makes pid the leader of a new session and group.
func (t *Table) SetSID(pid int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, err := t.live(pid)
	if err != nil {
		return 0, err
	}
	if r.PGID == pid {
		return 0, fmt.Errorf("%w: pid %d already leads a process group", ErrPermission, pid)
	}
	r.SID = pid
	r.PGID = pid
	return pid, nil
}

// SetUID follows setuid(2): privileged callers set all ids, others may only
// switch the effective id back to their real id.
func (t *Table) SetUID(pid int, uid uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, err := t.live(pid)
	if err != nil {
		return err
	}
	switch {
	case r.EUID == 0:
		r.UID, r.EUID = uid, uid
	case uid == r.UID:
		r.EUID = uid
	default:
		return fmt.Errorf("%w: uid %d may not become %d", ErrPermission, r.EUID, uid)
	}
	return nil
}

func (t *Table) SetGID(pid int, gid uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, err := t.live(pid)
	if err != nil {
		return err
	}
	switch {
	case r.EUID == 0:
		r.GID, r.EGID = gid, gid
	case gid == r.GID:
		r.EGID = gid
	default:
		return fmt.Errorf("%w: gid %d may not become %d", ErrPermission, r.EGID, gid)
	}
	return nil
}

// PriorityRange returns the valid static priorities of a policy.
func PriorityRange(policy int) (lo, hi int, err error) {
	switch policy {
	case abi.SCHED_FIFO, abi.SCHED_RR:
		return 1, 99, nil
	case abi.SCHED_OTHER, abi.SCHED_BATCH, abi.SCHED_IDLE:
		return 0, 0, nil
	default:
		return 0, 0, fmt.Errorf("%w: policy %d", ErrInvalid, policy)
	}
}

// SetSched stores the policy and priority of pid on behalf of caller.
// A negative policy keeps the current one. Real-time policies need root.
func (t *Table) SetSched(caller, pid int, policy int, priority int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, err := t.live(caller)
	if err != nil {
		return err
	}
	r, err := t.live(pid)
	if err != nil {
		return err
	}
	if policy < 0 {
		policy = r.Policy
	}
	lo, hi, err := PriorityRange(policy)
	if err != nil {
		return err
	}
	if priority < lo || priority > hi {
		return fmt.Errorf("%w: priority %d outside [%d, %d]", ErrInvalid, priority, lo, hi)
	}
	if c.EUID != 0 && (c.EUID != r.UID || policy == abi.SCHED_FIFO || policy == abi.SCHED_RR) {
		return fmt.Errorf("%w: uid %d may not change scheduling of pid %d", ErrPermission, c.EUID, pid)
	}
	r.Policy = policy
	r.Priority = priority
	return nil
}

func (t *Table) Sched(pid int) (policy int, priority int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, err := t.live(pid)
	if err != nil {
		return 0, 0, err
	}
	return r.Policy, r.Priority, nil
}
