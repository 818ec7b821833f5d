package kernel

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ethereum-optimism/sysabi/kgo/ipc"
	"github.com/ethereum-optimism/sysabi/kgo/vmm"
)

// Config sizes the kernel tables and selects the optional services.
type Config struct {
	MaxProcs int `yaml:"max_procs"`
	MaxFiles int `yaml:"max_files"`

	Memory   vmm.Config     `yaml:"memory"`
	IPC      ipc.Limits     `yaml:"ipc"`
	Services ServicesConfig `yaml:"services"`
}

type ServicesConfig struct {
	Alloc   bool `yaml:"alloc"`
	Net     bool `yaml:"net"`
	Threat  bool `yaml:"threat"`
	FSIntel bool `yaml:"fsintel"`

	ThreatPatterns int `yaml:"threat_patterns"`
	TrackedPaths   int `yaml:"tracked_paths"`
}

func DefaultConfig() Config {
	return Config{
		MaxProcs: 1024,
		MaxFiles: 1024,
		Memory:   vmm.DefaultConfig(),
		IPC:      ipc.DefaultLimits(),
		Services: ServicesConfig{
			Alloc:          true,
			Net:            true,
			Threat:         true,
			FSIntel:        true,
			ThreatPatterns: 1024,
			TrackedPaths:   4096,
		},
	}
}

func (c *Config) Check() error {
	if c.MaxProcs < 1 {
		return fmt.Errorf("max_procs must be at least 1, got %d", c.MaxProcs)
	}
	if c.MaxFiles < 3 {
		return fmt.Errorf("max_files must leave room for the standard descriptors, got %d", c.MaxFiles)
	}
	if c.Memory.MaxMapped == 0 {
		return errors.New("memory.max_mapped must be positive")
	}
	if c.Memory.MmapBase&vmm.PageAddrMask != 0 || c.Memory.MmapBase >= vmm.UserTop {
		return fmt.Errorf("memory.mmap_base %#x must be page aligned and below %#x", c.Memory.MmapBase, vmm.UserTop)
	}
	if c.IPC.MaxObjects < 1 || c.IPC.PipeBuffer < 1 {
		return errors.New("ipc limits must be positive")
	}
	if c.Services.Threat && c.Services.ThreatPatterns < 1 {
		return errors.New("services.threat_patterns must be positive")
	}
	if c.Services.FSIntel && c.Services.TrackedPaths < 1 {
		return errors.New("services.tracked_paths must be positive")
	}
	return nil
}

// LoadConfig reads a YAML config. Keys missing from the file keep their default.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	if err := cfg.Check(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
