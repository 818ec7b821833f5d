package kernel

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ethereum-optimism/sysabi/kgo/ipc"
	"github.com/ethereum-optimism/sysabi/kgo/proc"
	"github.com/ethereum-optimism/sysabi/kgo/vfs"
	"github.com/ethereum-optimism/sysabi/kgo/vmm"
)

// Snapshot is the observable state of a kernel. It holds no clock readings,
// so two kernels that made the same calls produce the same snapshot.
type Snapshot struct {
	Halted   bool   `json:"halted"`
	ExitCode int    `json:"exitCode"`
	Cwd      string `json:"cwd"`

	Processes   []proc.Record    `json:"processes"`
	Descriptors []Descriptor     `json:"descriptors"`
	IPC         []ipc.ObjectInfo `json:"ipc"`
	Regions     []vmm.Region     `json:"regions"`
	Brk         uint64           `json:"brk"`
	Files       []vfs.FileInfo   `json:"files"`
	Sockets     []uint64         `json:"sockets,omitempty"`

	MemoryRoot common.Hash `json:"memoryRoot"`
	Pages      int         `json:"pages"`
}

// Hash is the keccak256 digest of the JSON encoding.
func (s *Snapshot) Hash() (common.Hash, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return crypto.Keccak256Hash(data), nil
}

// Snapshot captures every table. Tables are read one at a time, so a
// snapshot taken while calls are running may mix states.
func (k *Kernel) Snapshot() *Snapshot {
	s := &Snapshot{
		Halted:      k.Halted(),
		ExitCode:    k.ExitCode(),
		Cwd:         k.Cwd(),
		Processes:   k.procs.Snapshot(),
		Descriptors: k.files.snapshot(),
		IPC:         k.ipc.Objects(),
		Regions:     k.vm.Regions(),
		Brk:         k.vm.Break(),
		Files:       k.fs.Files(),
		MemoryRoot:  k.vm.Memory().Hash(),
		Pages:       k.vm.Memory().PageCount(),
	}
	if k.svc.Net != nil {
		s.Sockets = k.svc.Net.Sockets()
	}
	return s
}

func (k *Kernel) StateHash() (common.Hash, error) {
	return k.Snapshot().Hash()
}
