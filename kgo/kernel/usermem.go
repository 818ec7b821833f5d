package kernel

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ethereum-optimism/sysabi/kgo/abi"
	"github.com/ethereum-optimism/sysabi/kgo/vmm"
)

// maxIO caps the bytes moved by one read or write. Larger requests complete short.
const maxIO = 1 << 24

// user checks that [addr, addr+n) is accessible. Every failure is EFAULT.
func (t *Task) user(addr, n uint64, access vmm.Access) error {
	if err := t.k.vm.Check(addr, n, access); err != nil {
		return fmt.Errorf("%w: %w", abi.EFAULT, err)
	}
	return nil
}

func (t *Task) copyIn(addr, n uint64) ([]byte, error) {
	if err := t.user(addr, n, vmm.AccessRead); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	t.k.vm.Memory().GetRange(addr, b)
	return b, nil
}

func (t *Task) copyOut(addr uint64, b []byte) error {
	if err := t.user(addr, uint64(len(b)), vmm.AccessWrite); err != nil {
		return err
	}
	t.k.vm.Memory().SetRange(addr, b)
	return nil
}

// readString reads a NUL terminated string of at most limit bytes, page by page,
// so a string ending right before an unmapped page is still readable.
func (t *Task) readString(addr uint64, limit int) (string, error) {
	if addr == 0 {
		return "", fmt.Errorf("%w: null string", abi.EFAULT)
	}
	var out []byte
	for len(out) <= limit {
		chunk := min(vmm.PageSize-(addr&vmm.PageAddrMask), uint64(limit+1-len(out)))
		b, err := t.copyIn(addr, chunk)
		if err != nil {
			return "", err
		}
		if i := bytes.IndexByte(b, 0); i >= 0 {
			return string(append(out, b[:i]...)), nil
		}
		out = append(out, b...)
		addr += chunk
	}
	return "", fmt.Errorf("%w: string longer than %d bytes", abi.ENAMETOOLONG, limit)
}

func (t *Task) readPath(addr uint64) (string, error) {
	return t.readString(addr, abi.PathMax-1)
}

func (t *Task) readU64(addr uint64) (uint64, error) {
	b, err := t.copyIn(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (t *Task) readI32(addr uint64) (int32, error) {
	b, err := t.copyIn(addr, 4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

func (t *Task) writeU64(addr, v uint64) error {
	return t.copyOut(addr, binary.LittleEndian.AppendUint64(nil, v))
}

func (t *Task) writeU32(addr uint64, v uint32) error {
	return t.copyOut(addr, binary.LittleEndian.AppendUint32(nil, v))
}
