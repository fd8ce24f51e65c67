// Package config loads the VM and Hyper-V enlightenment settings used by
// hvprobe.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/tinyrange/hvemu/internal/hv"
	"gopkg.in/yaml.v3"
)

const (
	pageSize = 0x1000
	mib      = 1 << 20

	// Frequencies at or below this overflow the reference-time scale.
	minTSCKHz = 10_000
)

// Config is the top level YAML document.
type Config struct {
	VM     VMConfig     `yaml:"vm"`
	HyperV HyperVConfig `yaml:"hyperv"`
}

type VMConfig struct {
	CPUs       int    `yaml:"cpus"`
	MemoryMB   uint64 `yaml:"memory_mb"`
	MemoryBase Hex    `yaml:"memory_base"`

	// When HighMemoryBase is set, the first LowMemoryMB of RAM sit at
	// MemoryBase and the rest start at HighMemoryBase.
	LowMemoryMB    uint64 `yaml:"low_memory_mb"`
	HighMemoryBase Hex    `yaml:"high_memory_base"`
}

type HyperVConfig struct {
	MaxVCPUs  uint32 `yaml:"max_vcpus"`
	// TSCKHz overrides host frequency detection when non-zero.
	TSCKHz    uint64 `yaml:"tsc_khz"`
	TSCOffset int64  `yaml:"tsc_offset"`

	ProtectGuestMemory  bool     `yaml:"protect_guest_memory"`
	CalibrationInterval Duration `yaml:"calibration_interval"`

	// GuestOSID is the value the probe writes to HV_X64_MSR_GUEST_OS_ID.
	GuestOSID Hex `yaml:"guest_os_id"`
}

// Hex is a uint64 that accepts YAML integers or "0x" prefixed strings.
type Hex uint64

// UnmarshalYAML implements yaml.Unmarshaler for Hex.
func (h *Hex) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected an integer", value.Line)
	}
	v, err := strconv.ParseUint(value.Value, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %q: %w", value.Value, err)
	}
	*h = Hex(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Hex.
func (h Hex) MarshalYAML() (any, error) {
	return fmt.Sprintf("%#x", uint64(h)), nil
}

// Duration wraps time.Duration for YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Default returns a single-vCPU, 64 MiB configuration.
func Default() *Config {
	return &Config{
		VM: VMConfig{
			CPUs:     1,
			MemoryMB: 64,
		},
		HyperV: HyperVConfig{
			MaxVCPUs:            8,
			CalibrationInterval: Duration(20 * time.Millisecond),
			GuestOSID:           0x0001040a00003839,
		},
	}
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes data over Default and validates the result. Unknown keys are
// rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the partition cannot run with.
func (c *Config) Validate() error {
	vm, h := c.VM, c.HyperV

	if vm.CPUs < 1 {
		return fmt.Errorf("config: vm.cpus must be at least 1, got %d", vm.CPUs)
	}
	if h.MaxVCPUs == 0 {
		return errors.New("config: hyperv.max_vcpus must be non-zero")
	}
	if uint32(vm.CPUs) > h.MaxVCPUs {
		return fmt.Errorf("config: vm.cpus %d exceeds hyperv.max_vcpus %d", vm.CPUs, h.MaxVCPUs)
	}
	if vm.MemoryMB == 0 {
		return errors.New("config: vm.memory_mb must be non-zero")
	}
	if vm.MemoryBase%pageSize != 0 {
		return fmt.Errorf("config: vm.memory_base %#x is not page aligned", uint64(vm.MemoryBase))
	}
	if vm.HighMemoryBase != 0 {
		if vm.LowMemoryMB == 0 || vm.LowMemoryMB >= vm.MemoryMB {
			return fmt.Errorf("config: vm.low_memory_mb must be between 1 and %d", vm.MemoryMB-1)
		}
		if vm.HighMemoryBase%pageSize != 0 {
			return fmt.Errorf("config: vm.high_memory_base %#x is not page aligned", uint64(vm.HighMemoryBase))
		}
	}
	if h.TSCKHz != 0 && h.TSCKHz <= minTSCKHz {
		return fmt.Errorf("config: hyperv.tsc_khz %d must exceed %d", h.TSCKHz, minTSCKHz)
	}
	if h.GuestOSID == 0 {
		return errors.New("config: hyperv.guest_os_id must be non-zero")
	}
	return nil
}

// AddressSpace builds the guest RAM layout described by the VM section.
func (c *VMConfig) AddressSpace() (*hv.AddressSpace, error) {
	total := c.MemoryMB * mib
	if c.HighMemoryBase == 0 {
		return hv.NewAddressSpace(uint64(c.MemoryBase), total), nil
	}
	low := c.LowMemoryMB * mib
	return hv.NewAddressSpaceSplit(uint64(c.MemoryBase), low, uint64(c.HighMemoryBase), total-low)
}
