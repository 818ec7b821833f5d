package cmd

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"golang.org/x/exp/slog"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
)

func Logger(w io.Writer, lvl slog.Level) log.Logger {
	return log.NewLogger(log.LogfmtHandlerWithLevel(w, lvl))
}

// ConsoleWriter backs console descriptor Fd of a replayed kernel.
// Writes are split into lines and each line becomes one log record,
// tagged with the descriptor. Printable lines are logged as text, others as hex.
type ConsoleWriter struct {
	Fd  int
	Log log.Logger

	mu      sync.Mutex
	pending []byte
}

func printable(b []byte) bool {
	for _, c := range string(b) {
		if (c < 0x20 || c >= 0x7F) && c != '\t' {
			return false
		}
	}
	return true
}

func (cw *ConsoleWriter) emit(line []byte) {
	if printable(line) {
		cw.Log.Info("console", "fd", cw.Fd, "text", string(line))
	} else {
		cw.Log.Info("console", "fd", cw.Fd, "data", hexutil.Bytes(line))
	}
}

func (cw *ConsoleWriter) Write(b []byte) (int, error) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.pending = append(cw.pending, b...)
	for {
		i := bytes.IndexByte(cw.pending, '\n')
		if i < 0 {
			break
		}
		cw.emit(cw.pending[:i])
		cw.pending = cw.pending[i+1:]
	}
	return len(b), nil
}

// Flush logs output not yet terminated by a newline.
func (cw *ConsoleWriter) Flush() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if len(cw.pending) > 0 {
		cw.emit(cw.pending)
		cw.pending = nil
	}
}

// HexU64 to lazy-format address attributes for logging
type HexU64 uint64

func (v HexU64) String() string {
	return fmt.Sprintf("%016x", uint64(v))
}

func (v HexU64) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}
