package abi

import (
	"errors"
	"fmt"
)

// Errno is a failure visible across the call boundary.
// Values match the x86-64 Linux errno numbering.
type Errno uint16

const (
	EPERM        Errno = 1
	ENOENT       Errno = 2
	ESRCH        Errno = 3
	EINTR        Errno = 4
	EIO          Errno = 5
	E2BIG        Errno = 7
	EBADF        Errno = 9
	ECHILD       Errno = 10
	EAGAIN       Errno = 11
	ENOMEM       Errno = 12
	EACCES       Errno = 13
	EFAULT       Errno = 14
	EBUSY        Errno = 16
	EEXIST       Errno = 17
	EXDEV        Errno = 18
	ENOTDIR      Errno = 20
	EISDIR       Errno = 21
	EINVAL       Errno = 22
	EMFILE       Errno = 24
	ENOSPC       Errno = 28
	ESPIPE       Errno = 29
	EPIPE        Errno = 32
	ERANGE       Errno = 34
	ENAMETOOLONG Errno = 36
	ENOSYS       Errno = 38
	ENOTEMPTY    Errno = 39
	ELOOP        Errno = 40
	ENOMSG       Errno = 42
	EIDRM        Errno = 43
	ENOTSOCK     Errno = 88
	EMSGSIZE     Errno = 90
	EOPNOTSUPP   Errno = 95
	EAFNOSUPPORT Errno = 97
	EADDRINUSE   Errno = 98
	ENETUNREACH  Errno = 101
	ECONNRESET   Errno = 104
	EISCONN      Errno = 106
	ENOTCONN     Errno = 107
	ECONNREFUSED Errno = 111

	EWOULDBLOCK = EAGAIN
)

var errnoNames = map[Errno]string{
	EPERM:        "operation not permitted",
	ENOENT:       "no such file or directory",
	ESRCH:        "no such process",
	EINTR:        "interrupted system call",
	EIO:          "input/output error",
	E2BIG:        "argument list too long",
	EBADF:        "bad file descriptor",
	ECHILD:       "no child processes",
	EAGAIN:       "resource temporarily unavailable",
	ENOMEM:       "cannot allocate memory",
	EACCES:       "permission denied",
	EFAULT:       "bad address",
	EBUSY:        "device or resource busy",
	EEXIST:       "file exists",
	EXDEV:        "invalid cross-device link",
	ENOTDIR:      "not a directory",
	EISDIR:       "is a directory",
	EINVAL:       "invalid argument",
	EMFILE:       "too many open files",
	ENOSPC:       "no space left on device",
	ESPIPE:       "illegal seek",
	EPIPE:        "broken pipe",
	ERANGE:       "numerical result out of range",
	ENAMETOOLONG: "file name too long",
	ENOSYS:       "function not implemented",
	ENOTEMPTY:    "directory not empty",
	ELOOP:        "too many levels of symbolic links",
	ENOMSG:       "no message of desired type",
	EIDRM:        "identifier removed",
	ENOTSOCK:     "socket operation on non-socket",
	EMSGSIZE:     "message too long",
	EOPNOTSUPP:   "operation not supported",
	EAFNOSUPPORT: "address family not supported by protocol",
	EADDRINUSE:   "address already in use",
	ENETUNREACH:  "network is unreachable",
	ECONNRESET:   "connection reset by peer",
	EISCONN:      "transport endpoint is already connected",
	ENOTCONN:     "transport endpoint is not connected",
	ECONNREFUSED: "connection refused",
}

func (e Errno) Error() string {
	if s, ok := errnoNames[e]; ok {
		return s
	}
	return fmt.Sprintf("errno %d", uint16(e))
}

// Valid reports whether e is a member of the taxonomy.
func (e Errno) Valid() bool {
	_, ok := errnoNames[e]
	return ok
}

// Errnos lists every taxonomy member, in no particular order.
func Errnos() []Errno {
	out := make([]Errno, 0, len(errnoNames))
	for e := range errnoNames {
		out = append(out, e)
	}
	return out
}

// ErrnoOf returns the taxonomy member carried by err.
// Errors that carry no member collapse into EIO.
func ErrnoOf(err error) Errno {
	if err == nil {
		return 0
	}
	var e Errno
	if errors.As(err, &e) && e.Valid() {
		return e
	}
	return EIO
}
