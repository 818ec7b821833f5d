package kernel

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/sysabi/kgo/abi"
)

// The process-wide kernel. initialized is only set after global is stored,
// so a true load always sees a constructed kernel.
var (
	initialized atomic.Bool
	initMu      sync.Mutex
	global      *Kernel
)

// Default returns the process-wide kernel, constructing it on first use
// with the default config, the root logger and the process stdio.
func Default() *Kernel {
	if initialized.Load() {
		return global
	}
	initMu.Lock()
	defer initMu.Unlock()
	if !initialized.Load() {
		k, err := New(DefaultConfig(), Options{
			Logger: log.Root(),
			Stdin:  os.Stdin,
			Stdout: os.Stdout,
			Stderr: os.Stderr,
		})
		if err != nil {
			panic(fmt.Errorf("default kernel: %w", err))
		}
		global = k
		initialized.Store(true)
	}
	return global
}

// Syscall runs one call as the init process of the process-wide kernel.
func Syscall(code, a0, a1, a2, a3, a4, a5 uint64) int64 {
	return Default().Init().Syscall(code, abi.CallArguments{a0, a1, a2, a3, a4, a5})
}
