package abi

// Call codes. The POSIX range follows the x86-64 Linux numbering.
const (
	SysRead     = 0
	SysWrite    = 1
	SysOpen     = 2
	SysClose    = 3
	SysStat     = 4
	SysFstat    = 5
	SysLstat    = 6
	SysPoll     = 7
	SysLseek    = 8
	SysMmap     = 9
	SysMprotect = 10
	SysMunmap   = 11
	SysBrk      = 12

	SysRtSigaction   = 13
	SysRtSigprocmask = 14
	SysRtSigreturn   = 15

	SysPipe       = 22
	SysSelect     = 23
	SysSchedYield = 24
	SysShmget     = 29
	SysShmat      = 30
	SysShmctl     = 31
	SysDup        = 32
	SysDup2       = 33
	SysNanosleep  = 35
	SysAlarm      = 37
	SysGetpid     = 39

	SysSocket     = 41
	SysConnect    = 42
	SysAccept     = 43
	SysSendto     = 44
	SysRecvfrom   = 45
	SysSendmsg    = 46
	SysRecvmsg    = 47
	SysShutdown   = 48
	SysBind       = 49
	SysListen     = 50
	SysSetsockopt = 54
	SysGetsockopt = 55

	SysFork   = 57
	SysVfork  = 58
	SysExecve = 59
	SysExit   = 60
	SysWait4  = 61
	SysKill   = 62

	SysSemget = 64
	SysSemop  = 65
	SysSemctl = 66
	SysShmdt  = 67
	SysMsgget = 68
	SysMsgsnd = 69
	SysMsgrcv = 70
	SysMsgctl = 71
	SysFcntl  = 72
	SysFlock  = 73

	SysGetcwd   = 79
	SysChdir    = 80
	SysFchdir   = 81
	SysRename   = 82
	SysMkdir    = 83
	SysRmdir    = 84
	SysCreat    = 85
	SysLink     = 86
	SysUnlink   = 87
	SysSymlink  = 88
	SysReadlink = 89
	SysChmod    = 90
	SysFchmod   = 91
	SysChown    = 92

	SysGettimeofday = 96
	SysGetuid       = 102
	SysGetgid       = 104
	SysSetuid       = 105
	SysSetgid       = 106
	SysGeteuid      = 107
	SysGetegid      = 108
	SysGetppid      = 110
	SysGetpgrp      = 111
	SysSetsid       = 112
	SysGetpeername  = 118
	SysGetsid       = 124
	SysRtSigqueue   = 129

	SysSchedSetparam       = 142
	SysSchedGetparam       = 143
	SysSchedSetscheduler   = 144
	SysSchedGetscheduler   = 145
	SysSchedGetPriorityMax = 146
	SysSchedGetPriorityMin = 147

	SysSettimeofday = 164
	SysTime         = 201
	SysMadvise      = 214
	SysClockGettime = 228
	SysClockGetres  = 229
	SysExitGroup    = 231
	SysWaitid       = 247
	SysInotifyAdd   = 254
	SysInotifyRm    = 255
	SysMigratePages = 256
	SysPipe2        = 293

	// extension range
	SysAIAllocHint   = 500
	SysAIRecordAlloc = 501
	SysAIPredict     = 502

	SysNetIfaceCount = 520
	SysNetStats      = 521
	SysNetRoute      = 522

	SysThreatRegister = 550
	SysThreatRemove   = 551
	SysThreatScan     = 552
	SysThreatCount    = 553

	SysFSRecordAccess = 570
	SysFSAccessCount  = 571
	SysFSHottest      = 572

	SysProcCount   = 590
	SysFdCount     = 591
	SysIPCCount    = 592
	SysMappedBytes = 593
	SysUptime      = 594
	SysStateHash   = 595
)

// Call code ranges.
const (
	PosixFirst = 0
	PosixLast  = 299

	AIFirst      = 500
	AILast       = 519
	NetExtFirst  = 520
	NetExtLast   = 549
	ThreatFirst  = 550
	ThreatLast   = 569
	FSIntelFirst = 570
	FSIntelLast  = 589
	IntroFirst   = 590
	IntroLast    = 599
)

const (
	FdStdin  = 0
	FdStdout = 1
	FdStderr = 2

	// open flags
	O_RDONLY    = 0x0
	O_WRONLY    = 0x1
	O_RDWR      = 0x2
	O_ACCMODE   = 0x3
	O_CREAT     = 0x40
	O_EXCL      = 0x80
	O_TRUNC     = 0x200
	O_APPEND    = 0x400
	O_NONBLOCK  = 0x800
	O_DIRECTORY = 0x10000
	O_CLOEXEC   = 0x80000

	SEEK_SET = 0
	SEEK_CUR = 1
	SEEK_END = 2

	// fcntl
	F_DUPFD    = 0
	F_GETFD    = 1
	F_SETFD    = 2
	F_GETFL    = 3
	F_SETFL    = 4
	F_SETOWN   = 8
	F_GETOWN   = 9
	FD_CLOEXEC = 1

	F_DUPFD_CLOEXEC = 1030

	// flock
	LOCK_SH = 1
	LOCK_EX = 2
	LOCK_NB = 4
	LOCK_UN = 8

	// poll
	POLLIN   = 0x1
	POLLOUT  = 0x4
	POLLERR  = 0x8
	POLLHUP  = 0x10
	POLLNVAL = 0x20

	PathMax   = 4096
	FdSetSize = 1024
)

// File type bits of stat st_mode.
const (
	S_IFMT   = 0o170000
	S_IFSOCK = 0o140000
	S_IFLNK  = 0o120000
	S_IFREG  = 0o100000
	S_IFDIR  = 0o040000
	S_IFCHR  = 0o020000
	S_IFIFO  = 0o010000

	StatSize = 144
)

// Memory management.
const (
	PROT_NONE  = 0x0
	PROT_READ  = 0x1
	PROT_WRITE = 0x2
	PROT_EXEC  = 0x4

	MAP_SHARED    = 0x1
	MAP_PRIVATE   = 0x2
	MAP_FIXED     = 0x10
	MAP_ANONYMOUS = 0x20

	MADV_NORMAL     = 0
	MADV_RANDOM     = 1
	MADV_SEQUENTIAL = 2
	MADV_WILLNEED   = 3
	MADV_DONTNEED   = 4
)

// Processes, signals and scheduling.
const (
	WNOHANG   = 0x1
	WUNTRACED = 0x2
	WEXITED   = 0x4

	P_ALL  = 0
	P_PID  = 1
	P_PGID = 2

	CLD_EXITED = 1
	CLD_KILLED = 2

	SIGHUP  = 1
	SIGINT  = 2
	SIGKILL = 9
	SIGUSR1 = 10
	SIGSEGV = 11
	SIGUSR2 = 12
	SIGALRM = 14
	SIGTERM = 15
	SIGCHLD = 17
	SIGCONT = 18
	SIGSTOP = 19
	NSIG    = 64

	SIG_BLOCK   = 0
	SIG_UNBLOCK = 1
	SIG_SETMASK = 2

	SCHED_OTHER = 0
	SCHED_FIFO  = 1
	SCHED_RR    = 2
	SCHED_BATCH = 3
	SCHED_IDLE  = 5

	CLOCK_REALTIME  = 0
	CLOCK_MONOTONIC = 1
)

// System V IPC.
const (
	IPC_PRIVATE = 0
	IPC_CREAT   = 0x200
	IPC_EXCL    = 0x400
	IPC_NOWAIT  = 0x800
	IPC_RMID    = 0
	IPC_STAT    = 2
	MSG_NOERROR = 0x1000

	GETVAL  = 12
	GETALL  = 13
	GETNCNT = 14
	SETVAL  = 16

	SEMVMX = 32767
	SEMOPM = 500

	SHM_RDONLY = 0o10000
)

// Sockets.
const (
	AF_UNIX  = 1
	AF_INET  = 2
	AF_INET6 = 10

	SOCK_STREAM   = 1
	SOCK_DGRAM    = 2
	SOCK_NONBLOCK = 0x800
	SOCK_CLOEXEC  = 0x80000

	SHUT_RD   = 0
	SHUT_WR   = 1
	SHUT_RDWR = 2

	MSG_DONTWAIT = 0x40
	MSG_TRUNC    = 0x20

	SOL_SOCKET   = 1
	SO_REUSEADDR = 2
	SO_TYPE      = 3
	SO_ERROR     = 4
	SO_SNDBUF    = 7
	SO_RCVBUF    = 8
	SO_KEEPALIVE = 9

	SockaddrInLen = 16
	MsghdrLen     = 56
	IovecLen      = 16
	UIO_MAXIOV    = 1024

	IPPROTO_TCP = 6
	IPPROTO_UDP = 17
)
