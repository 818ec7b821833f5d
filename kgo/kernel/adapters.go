package kernel

import (
	"errors"
	"fmt"

	"github.com/ethereum-optimism/sysabi/kgo/abi"
	"github.com/ethereum-optimism/sysabi/kgo/ext"
	"github.com/ethereum-optimism/sysabi/kgo/ipc"
	"github.com/ethereum-optimism/sysabi/kgo/proc"
	"github.com/ethereum-optimism/sysabi/kgo/vfs"
	"github.com/ethereum-optimism/sysabi/kgo/vmm"
)

// Each adapter maps the closed error set of one collaborator onto the taxonomy.
// The result wraps both the member and the original error, so logs keep the detail.
// Errors that already carry a member pass through unchanged.

func mapped(e abi.Errno, err error) error {
	return fmt.Errorf("%w: %w", e, err)
}

func premapped(err error) bool {
	var e abi.Errno
	return errors.As(err, &e)
}

func procErrno(err error) error {
	switch {
	case err == nil:
		return nil
	case premapped(err):
		return err
	case errors.Is(err, proc.ErrExhausted):
		return mapped(abi.ENOMEM, err)
	case errors.Is(err, proc.ErrPermission):
		return mapped(abi.EPERM, err)
	case errors.Is(err, proc.ErrNotFound):
		return mapped(abi.ESRCH, err)
	case errors.Is(err, proc.ErrNoChild):
		return mapped(abi.ECHILD, err)
	case errors.Is(err, proc.ErrInvalid):
		return mapped(abi.EINVAL, err)
	default:
		return mapped(abi.EIO, err)
	}
}

func vmmErrno(err error) error {
	switch {
	case err == nil:
		return nil
	case premapped(err):
		return err
	case errors.Is(err, vmm.ErrNoMemory):
		return mapped(abi.ENOMEM, err)
	case errors.Is(err, vmm.ErrInvalid):
		return mapped(abi.EINVAL, err)
	case errors.Is(err, vmm.ErrNotMapped), errors.Is(err, vmm.ErrProtection):
		return mapped(abi.EFAULT, err)
	default:
		return mapped(abi.EIO, err)
	}
}

func ipcErrno(err error) error {
	switch {
	case err == nil:
		return nil
	case premapped(err):
		return err
	case errors.Is(err, ipc.ErrNotFound), errors.Is(err, ipc.ErrInvalid):
		return mapped(abi.EINVAL, err)
	case errors.Is(err, ipc.ErrNoKey):
		return mapped(abi.ENOENT, err)
	case errors.Is(err, ipc.ErrExists):
		return mapped(abi.EEXIST, err)
	case errors.Is(err, ipc.ErrExhausted):
		return mapped(abi.ENOMEM, err)
	case errors.Is(err, ipc.ErrWouldBlock):
		return mapped(abi.EAGAIN, err)
	case errors.Is(err, ipc.ErrRemoved):
		return mapped(abi.EIDRM, err)
	case errors.Is(err, ipc.ErrTooBig):
		return mapped(abi.E2BIG, err)
	case errors.Is(err, ipc.ErrRange):
		return mapped(abi.ERANGE, err)
	case errors.Is(err, ipc.ErrBrokenPipe):
		return mapped(abi.EPIPE, err)
	default:
		return mapped(abi.EIO, err)
	}
}

func vfsErrno(err error) error {
	switch {
	case err == nil:
		return nil
	case premapped(err):
		return err
	case errors.Is(err, vfs.ErrNotFound):
		return mapped(abi.ENOENT, err)
	case errors.Is(err, vfs.ErrExists):
		return mapped(abi.EEXIST, err)
	case errors.Is(err, vfs.ErrNotDir):
		return mapped(abi.ENOTDIR, err)
	case errors.Is(err, vfs.ErrIsDir):
		return mapped(abi.EISDIR, err)
	case errors.Is(err, vfs.ErrNotEmpty):
		return mapped(abi.ENOTEMPTY, err)
	case errors.Is(err, vfs.ErrCrossDevice):
		return mapped(abi.EXDEV, err)
	case errors.Is(err, vfs.ErrNameTooLong):
		return mapped(abi.ENAMETOOLONG, err)
	case errors.Is(err, vfs.ErrLoop):
		return mapped(abi.ELOOP, err)
	case errors.Is(err, vfs.ErrAccess):
		return mapped(abi.EACCES, err)
	case errors.Is(err, vfs.ErrPermission):
		return mapped(abi.EPERM, err)
	case errors.Is(err, vfs.ErrInvalid):
		return mapped(abi.EINVAL, err)
	case errors.Is(err, vfs.ErrBusy):
		return mapped(abi.EBUSY, err)
	case errors.Is(err, vfs.ErrNoSpace):
		return mapped(abi.ENOSPC, err)
	default:
		return mapped(abi.EIO, err)
	}
}

func netErrno(err error) error {
	switch {
	case err == nil:
		return nil
	case premapped(err):
		return err
	case errors.Is(err, ext.ErrNetInvalid):
		return mapped(abi.EINVAL, err)
	case errors.Is(err, ext.ErrNoSocket):
		return mapped(abi.EBADF, err)
	case errors.Is(err, ext.ErrAFNoSupport):
		return mapped(abi.EAFNOSUPPORT, err)
	case errors.Is(err, ext.ErrNotSupported):
		return mapped(abi.EOPNOTSUPP, err)
	case errors.Is(err, ext.ErrAddrInUse):
		return mapped(abi.EADDRINUSE, err)
	case errors.Is(err, ext.ErrNetUnreachable):
		return mapped(abi.ENETUNREACH, err)
	case errors.Is(err, ext.ErrConnRefused):
		return mapped(abi.ECONNREFUSED, err)
	case errors.Is(err, ext.ErrIsConnected):
		return mapped(abi.EISCONN, err)
	case errors.Is(err, ext.ErrNotConnected):
		return mapped(abi.ENOTCONN, err)
	case errors.Is(err, ext.ErrNetWouldBlock):
		return mapped(abi.EAGAIN, err)
	case errors.Is(err, ext.ErrConnReset):
		return mapped(abi.ECONNRESET, err)
	case errors.Is(err, ext.ErrShutdown):
		return mapped(abi.EPIPE, err)
	case errors.Is(err, ext.ErrMsgSize):
		return mapped(abi.EMSGSIZE, err)
	default:
		return mapped(abi.EIO, err)
	}
}

func extErrno(err error) error {
	switch {
	case err == nil:
		return nil
	case premapped(err):
		return err
	case errors.Is(err, ext.ErrInvalid):
		return mapped(abi.EINVAL, err)
	case errors.Is(err, ext.ErrNotFound):
		return mapped(abi.ENOENT, err)
	case errors.Is(err, ext.ErrExists):
		return mapped(abi.EEXIST, err)
	case errors.Is(err, ext.ErrFull):
		return mapped(abi.ENOSPC, err)
	default:
		return mapped(abi.EIO, err)
	}
}
