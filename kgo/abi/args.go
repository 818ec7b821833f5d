package abi

import "fmt"

// CallArguments holds the six argument registers of a call.
// A handler decides what each word means; nothing here interprets them.
type CallArguments [6]uint64

// Args packs raw register values; missing trailing words are zero.
func Args(words ...uint64) (out CallArguments) {
	if len(words) > len(out) {
		panic(fmt.Errorf("too many call arguments: %d", len(words)))
	}
	copy(out[:], words)
	return
}

func (a CallArguments) Uint(i int) uint64   { return a[i] }
func (a CallArguments) Int(i int) int64     { return int64(a[i]) }
func (a CallArguments) Int32(i int) int32   { return int32(uint32(a[i])) }
func (a CallArguments) Uint32(i int) uint32 { return uint32(a[i]) }

// Fd reads a descriptor number. Descriptors are C ints, so only the low 32 bits count.
func (a CallArguments) Fd(i int) int { return int(a.Int32(i)) }

// Addr reads a user-space address.
func (a CallArguments) Addr(i int) uint64 { return a[i] }

// Len reads a buffer length.
func (a CallArguments) Len(i int) uint64 { return a[i] }

// Call is a decoded call: code plus raw arguments.
type Call struct {
	Code uint64
	Args CallArguments
}

func (c Call) String() string {
	return fmt.Sprintf("call{nr: %d, a0: %#x, a1: %#x, a2: %#x, a3: %#x, a4: %#x, a5: %#x}",
		c.Code, c.Args[0], c.Args[1], c.Args[2], c.Args[3], c.Args[4], c.Args[5])
}

// Encode collapses an outcome into the signed return register.
// Failures are the negated errno. A success payload that does not fit in
// 63 bits is reported as EIO.
func Encode(val uint64, err error) int64 {
	if err != nil {
		return -int64(ErrnoOf(err))
	}
	if val >= 1<<63 {
		return -int64(EIO)
	}
	return int64(val)
}

// Decode splits a signed return value back into payload and errno.
func Decode(ret int64) (uint64, Errno) {
	if ret < 0 {
		return 0, Errno(-ret)
	}
	return uint64(ret), 0
}
