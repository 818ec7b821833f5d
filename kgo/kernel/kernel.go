// Package kernel is the call boundary: it owns the resource tables, routes
// numbered calls to their handlers and folds every failure into abi.Errno.
package kernel

import (
	"bytes"
	"fmt"
	"io"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/sysabi/kgo/ext"
	"github.com/ethereum-optimism/sysabi/kgo/ipc"
	"github.com/ethereum-optimism/sysabi/kgo/proc"
	"github.com/ethereum-optimism/sysabi/kgo/vfs"
	"github.com/ethereum-optimism/sysabi/kgo/vmm"
)

type AllocHinter interface {
	Hint(size uint64) (uint64, error)
	Record(size uint64) error
	Predict() (uint64, error)
}

type NetStack interface {
	Socket(domain, typ int) (uint64, error)
	Bind(id uint64, addr netip.AddrPort) error
	Listen(id uint64) error
	Connect(id uint64, addr netip.AddrPort) error
	Accept(id uint64) (uint64, netip.AddrPort, error)
	Send(id uint64, data []byte, to *netip.AddrPort) (int, error)
	Recv(id uint64, max int) ([]byte, netip.AddrPort, error)
	Shutdown(id uint64, how int) error
	PeerName(id uint64) (netip.AddrPort, error)
	SetOpt(id uint64, level, name, val int) error
	GetOpt(id uint64, level, name int) (int, error)
	Poll(id uint64) (readable, writable bool, err error)
	Close(id uint64) error
	Sockets() []uint64
	IfaceCount() int
	Stats() ext.Stats
	Route(addr netip.Addr) (int, error)
}

type ThreatScanner interface {
	Register(pattern []byte) (uint64, error)
	Remove(id uint64) error
	Scan(data []byte) (uint64, error)
	Count() int
}

type AccessRecorder interface {
	Record(path string) error
	Count(path string) uint64
	Hottest(n int) []string
}

// Services are the optional collaborators. A nil service disables its whole call range.
type Services struct {
	Alloc   AllocHinter
	Net     NetStack
	Threat  ThreatScanner
	FSIntel AccessRecorder
}

func servicesFor(cfg ServicesConfig) Services {
	var s Services
	if cfg.Alloc {
		s.Alloc = ext.NewAllocator()
	}
	if cfg.Net {
		s.Net = ext.NewNetStack()
	}
	if cfg.Threat {
		s.Threat = ext.NewThreatStore(cfg.ThreatPatterns)
	}
	if cfg.FSIntel {
		s.FSIntel = ext.NewAccessTracker(cfg.TrackedPaths)
	}
	return s
}

// Clock is the time source of the time calls.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

// Options carries what a Kernel talks to outside of its own tables.
// Zero fields get defaults: the root logger, empty stdin, discarded output.
type Options struct {
	Logger log.Logger
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Clock  Clock
	// Services replaces the services built from Config.Services when set.
	Services *Services
}

// Kernel owns every resource table. Descriptor, memory and IPC tables are
// shared by all processes.
type Kernel struct {
	cfg   Config
	log   log.Logger
	clock Clock
	boot  time.Time

	procs *proc.Table
	vm    *vmm.Manager
	ipc   *ipc.Manager
	fs    *vfs.FS
	files *fdTable
	svc   Services

	// console streams
	ioMu   sync.Mutex
	stdin  io.Reader
	stdout io.Writer

	calls callTable

	cwdMu sync.Mutex
	cwd   string

	timeMu     sync.Mutex
	timeOffset time.Duration
	alarms     map[int]time.Time

	watchMu   sync.Mutex
	watches   map[watchKey]int
	nextWatch int

	halted   atomic.Bool
	exitCode atomic.Int64
}

func New(cfg Config, opts Options) (*Kernel, error) {
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = log.Root()
	}
	if opts.Stdin == nil {
		opts.Stdin = bytes.NewReader(nil)
	}
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	svc := servicesFor(cfg.Services)
	if opts.Services != nil {
		svc = *opts.Services
	}
	fs := vfs.New()
	console, _, err := fs.Lookup("/", "/dev/console", true)
	if err != nil {
		return nil, fmt.Errorf("missing console device: %w", err)
	}
	k := &Kernel{
		cfg:       cfg,
		log:       opts.Logger,
		clock:     opts.Clock,
		procs:     proc.NewTable(cfg.MaxProcs),
		vm:        vmm.NewManager(vmm.NewMemory(), cfg.Memory),
		ipc:       ipc.NewManager(cfg.IPC),
		fs:        fs,
		files:     newFdTable(cfg.MaxFiles, console, opts.Stdin, opts.Stdout, opts.Stderr),
		svc:       svc,
		stdin:     opts.Stdin,
		stdout:    opts.Stdout,
		calls:     newCallTable(),
		cwd:       "/",
		alarms:    make(map[int]time.Time),
		watches:   make(map[watchKey]int),
		nextWatch: 1,
	}
	k.boot = k.clock.Now()
	return k, nil
}

// Task is the calling context of one process.
type Task struct {
	k   *Kernel
	pid int
}

func (k *Kernel) Task(pid int) *Task { return &Task{k: k, pid: pid} }

// Init returns the context of the init process.
func (k *Kernel) Init() *Task { return k.Task(proc.InitPID) }

func (t *Task) PID() int { return t.pid }

func (t *Task) Kernel() *Kernel { return t.k }

// Halted reports whether init has exited.
func (k *Kernel) Halted() bool { return k.halted.Load() }

// ExitCode is the exit code of init, valid once Halted.
func (k *Kernel) ExitCode() int { return int(k.exitCode.Load()) }

func (k *Kernel) halt(code int) {
	k.exitCode.Store(int64(code))
	k.halted.Store(true)
	k.log.Info("init exited, kernel halted", "code", code)
}

func (k *Kernel) Procs() *proc.Table { return k.procs }

func (k *Kernel) Memory() *vmm.Manager { return k.vm }

func (k *Kernel) IPC() *ipc.Manager { return k.ipc }

func (k *Kernel) FS() *vfs.FS { return k.fs }

func (k *Kernel) Cwd() string {
	k.cwdMu.Lock()
	defer k.cwdMu.Unlock()
	return k.cwd
}

func (k *Kernel) setCwd(p string) {
	k.cwdMu.Lock()
	defer k.cwdMu.Unlock()
	k.cwd = p
}

// Uptime is the time since construction on the kernel clock.
func (k *Kernel) Uptime() time.Duration { return k.clock.Now().Sub(k.boot) }

func (k *Kernel) now() time.Time {
	k.timeMu.Lock()
	defer k.timeMu.Unlock()
	return k.clock.Now().Add(k.timeOffset)
}

// cred returns the namespace identity of the task.
func (t *Task) cred() vfs.Cred {
	r, _ := t.k.procs.Get(t.pid)
	return vfs.Cred{UID: r.EUID, GID: r.EGID}
}

func (t *Task) record() proc.Record {
	r, _ := t.k.procs.Get(t.pid)
	return r
}
