package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/sysabi/kgo/abi"
	"github.com/ethereum-optimism/sysabi/kgo/kernel"
	"github.com/ethereum-optimism/sysabi/kgo/vmm"
)

var ErrUnexpectedResult = errors.New("unexpected call result")

// Script is a sequence of calls replayed against a fresh kernel.
type Script struct {
	Steps []Step `json:"steps"`
}

// Step is one call. Call is a call name from the call table or a number.
// Data is copied into user memory before the call is made, and Want is
// compared against user memory after it returns.
type Step struct {
	PID    Arg    `json:"pid,omitempty"`
	Call   string `json:"call"`
	Args   []Arg  `json:"args,omitempty"`
	Data   []Poke `json:"data,omitempty"`
	Save   string `json:"save,omitempty"`
	Expect *int64 `json:"expect,omitempty"`
	Want   []Poke `json:"want,omitempty"`
}

// Poke is a range of user memory and its bytes. The range must be mapped.
type Poke struct {
	Addr Arg           `json:"addr"`
	Hex  hexutil.Bytes `json:"hex,omitempty"`
	Text string        `json:"text,omitempty"`
}

func (p *Poke) bytes() []byte {
	return append(append([]byte{}, p.Hex...), p.Text...)
}

// Arg is a register value: a JSON number, a numeric string ("0x1000", "-1"),
// or "$name" / "$name+off" naming the saved result of an earlier step.
type Arg string

func (a *Arg) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*a = Arg(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("argument must be a number or a string: %w", err)
	}
	*a = Arg(n.String())
	return nil
}

func parseWord(s string) (uint64, error) {
	if strings.HasPrefix(s, "-") {
		v, err := strconv.ParseInt(s, 0, 64)
		return uint64(v), err
	}
	return strconv.ParseUint(s, 0, 64)
}

func (a Arg) resolve(saved map[string]uint64) (uint64, error) {
	s := string(a)
	if s == "" {
		return 0, nil
	}
	if !strings.HasPrefix(s, "$") {
		v, err := parseWord(s)
		if err != nil {
			return 0, fmt.Errorf("invalid argument %q: %w", s, err)
		}
		return v, nil
	}
	name, off, hasOff := strings.Cut(s[1:], "+")
	v, ok := saved[name]
	if !ok {
		return 0, fmt.Errorf("no saved result named %q", name)
	}
	if hasOff {
		d, err := parseWord(off)
		if err != nil {
			return 0, fmt.Errorf("invalid offset in %q: %w", s, err)
		}
		v += d
	}
	return v, nil
}

// Runner replays script steps against one kernel.
type Runner struct {
	k     *kernel.Kernel
	log   log.Logger
	codes map[string]uint64
	saved map[string]uint64
	steps uint64
}

func NewRunner(k *kernel.Kernel, l log.Logger) *Runner {
	codes := make(map[string]uint64)
	for _, c := range k.Calls() {
		codes[c.Name] = c.Code
	}
	return &Runner{k: k, log: l, codes: codes, saved: make(map[string]uint64)}
}

// Steps returns how many steps ran.
func (r *Runner) Steps() uint64 { return r.steps }

// Saved returns the result stored under name by an earlier step.
func (r *Runner) Saved(name string) (uint64, bool) {
	v, ok := r.saved[name]
	return v, ok
}

func (r *Runner) code(call string) (uint64, error) {
	if c, ok := r.codes[call]; ok {
		return c, nil
	}
	c, err := strconv.ParseUint(call, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown call %q", call)
	}
	return c, nil
}

// Step runs one step and returns the encoded call result.
func (r *Runner) Step(st *Step) (int64, error) {
	pid, err := st.PID.resolve(r.saved)
	if err != nil {
		return 0, err
	}
	task := r.k.Init()
	if pid != 0 {
		task = r.k.Task(int(pid))
	}
	code, err := r.code(st.Call)
	if err != nil {
		return 0, err
	}
	var args abi.CallArguments
	if len(st.Args) > len(args) {
		return 0, fmt.Errorf("%d arguments given, at most %d fit", len(st.Args), len(args))
	}
	for i, a := range st.Args {
		if args[i], err = a.resolve(r.saved); err != nil {
			return 0, err
		}
	}
	mem := r.k.Memory().Memory()
	for _, p := range st.Data {
		addr, data, err := r.place(&p)
		if err != nil {
			return 0, fmt.Errorf("cannot place step data: %w", err)
		}
		if err := mem.SetMemoryRange(addr, bytes.NewReader(data)); err != nil {
			return 0, err
		}
	}

	ret := task.Syscall(code, args)
	r.steps++
	r.log.Debug("call", "pid", task.PID(), "call", st.Call, "a0", HexU64(args[0]), "a1", HexU64(args[1]), "ret", ret)

	if st.Expect != nil && *st.Expect != ret {
		return ret, fmt.Errorf("%w: %s returned %d, expected %d", ErrUnexpectedResult, st.Call, ret, *st.Expect)
	}
	for _, p := range st.Want {
		addr, want, err := r.place(&p)
		if err != nil {
			return ret, fmt.Errorf("cannot check step data: %w", err)
		}
		got, err := io.ReadAll(mem.ReadMemoryRange(addr, uint64(len(want))))
		if err != nil {
			return ret, err
		}
		if !bytes.Equal(got, want) {
			return ret, fmt.Errorf("%w: memory at %s is %x, expected %x", ErrUnexpectedResult, HexU64(addr), got, want)
		}
	}
	if st.Save != "" {
		if ret < 0 {
			return ret, fmt.Errorf("cannot save failed result of %s as %q: %w", st.Call, st.Save, abi.Errno(-ret))
		}
		r.saved[st.Save] = uint64(ret)
	}
	return ret, nil
}

// place resolves the address of p and checks its bytes lie in mapped memory.
func (r *Runner) place(p *Poke) (uint64, []byte, error) {
	addr, err := p.Addr.resolve(r.saved)
	if err != nil {
		return 0, nil, err
	}
	data := p.bytes()
	if len(data) == 0 {
		return addr, nil, nil
	}
	if err := r.k.Memory().Check(addr, uint64(len(data)), vmm.AccessRead); err != nil {
		return 0, nil, err
	}
	return addr, data, nil
}
