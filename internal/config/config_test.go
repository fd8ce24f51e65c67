package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate: %v", err)
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
vm:
  cpus: 4
  memory_mb: 4096
  low_memory_mb: 3072
  high_memory_base: 0x100000000
hyperv:
  tsc_khz: 2000000
  tsc_offset: -4096
  protect_guest_memory: true
  calibration_interval: 5ms
  guest_os_id: "0x8100000000000000"
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	want := &Config{
		VM: VMConfig{
			CPUs:           4,
			MemoryMB:       4096,
			LowMemoryMB:    3072,
			HighMemoryBase: 0x100000000,
		},
		HyperV: HyperVConfig{
			MaxVCPUs:            8,
			TSCKHz:              2_000_000,
			TSCOffset:           -4096,
			ProtectGuestMemory:  true,
			CalibrationInterval: Duration(5 * time.Millisecond),
			GuestOSID:           0x8100000000000000,
		},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("Parse mismatch (-want +got):\n%s", diff)
	}

	space, err := cfg.VM.AddressSpace()
	if err != nil {
		t.Fatalf("AddressSpace: %v", err)
	}
	if !space.IsSplit() {
		t.Fatalf("AddressSpace is not split")
	}
	if got, want := space.RAMEnd(), uint64(0x100000000+1024*mib); got != want {
		t.Fatalf("RAMEnd = %#x, want %#x", got, want)
	}
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil): %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Fatalf("Parse(nil) mismatch (-want +got):\n%s", diff)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"unknown key", "vm:\n  cpu: 2\n", "field cpu not found"},
		{"zero cpus", "vm:\n  cpus: 0\n", "vm.cpus"},
		{"too many cpus", "vm:\n  cpus: 9\n", "exceeds hyperv.max_vcpus"},
		{"unaligned base", "vm:\n  memory_base: 0x800\n", "not page aligned"},
		{"bad split", "vm:\n  memory_mb: 64\n  low_memory_mb: 64\n  high_memory_base: 0x100000000\n", "low_memory_mb"},
		{"low frequency", "hyperv:\n  tsc_khz: 10000\n", "must exceed"},
		{"zero guest id", "hyperv:\n  guest_os_id: 0\n", "guest_os_id"},
		{"bad hex", "hyperv:\n  guest_os_id: nope\n", "invalid integer"},
		{"bad duration", "hyperv:\n  calibration_interval: soon\n", "invalid duration"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if err == nil {
				t.Fatalf("Parse succeeded, want error containing %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Parse error = %v, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vm.yaml")
	if err := os.WriteFile(path, []byte("vm:\n  cpus: 2\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.VM.CPUs != 2 {
		t.Fatalf("VM.CPUs = %d, want 2", cfg.VM.CPUs)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("Load of missing file succeeded")
	}
}
