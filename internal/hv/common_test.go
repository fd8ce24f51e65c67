package hv

import (
	"errors"
	"testing"
)

func TestMSRBusDispatch(t *testing.T) {
	var written uint64
	dev := SimpleMSRDevice{
		Registers: []uint32{0x10, 0x11},
		ReadFunc: func(vcpu VirtualCPU, msr uint32) (uint64, error) {
			return uint64(msr) + uint64(vcpu.ID()), nil
		},
		WriteFunc: func(vcpu VirtualCPU, msr uint32, value uint64) error {
			written = value
			return nil
		},
	}
	readOnly := SimpleMSRDevice{Registers: []uint32{0x20}}

	bus, err := NewMSRBus(dev, readOnly)
	if err != nil {
		t.Fatalf("NewMSRBus: %v", err)
	}
	vcpu := SimpleVirtualCPU{Index: 3, CPUMode: CPUMode64Bit}

	if got, err := bus.ReadMSR(vcpu, 0x11); err != nil || got != 0x14 {
		t.Fatalf("ReadMSR(0x11) = %#x, %v; want 0x14", got, err)
	}
	if err := bus.WriteMSR(vcpu, 0x10, 0xabc); err != nil || written != 0xabc {
		t.Fatalf("WriteMSR(0x10) = %v, written %#x", err, written)
	}
	if err := bus.WriteMSR(vcpu, 0x20, 1); !errors.Is(err, ErrUnsupportedRegister) {
		t.Fatalf("WriteMSR without handler error = %v, want ErrUnsupportedRegister", err)
	}
	if _, err := bus.ReadMSR(vcpu, 0x30); !errors.Is(err, ErrUnsupportedRegister) {
		t.Fatalf("ReadMSR unclaimed error = %v, want ErrUnsupportedRegister", err)
	}

	if err := bus.Add(SimpleMSRDevice{Registers: []uint32{0x11}}); err == nil {
		t.Fatalf("duplicate MSR claim accepted")
	}
}

func TestCPUModeString(t *testing.T) {
	if got := CPUMode64Bit.String(); got != "64bit" {
		t.Fatalf("CPUMode64Bit.String() = %q", got)
	}
	if got := CPUMode(9).String(); got != "CPUMode(9)" {
		t.Fatalf("CPUMode(9).String() = %q", got)
	}
}

func TestConfigHash(t *testing.T) {
	base := PartitionConfig{Arch: ArchitectureX86_64, TSCKHz: 2_000_000, MaxVCPUs: 8}
	if ComputeConfigHash(base) != ComputeConfigHash(base) {
		t.Fatalf("config hash is not deterministic")
	}

	for _, changed := range []PartitionConfig{
		{Arch: ArchitectureARM64, TSCKHz: 2_000_000, MaxVCPUs: 8},
		{Arch: ArchitectureX86_64, TSCKHz: 2_000_001, MaxVCPUs: 8},
		{Arch: ArchitectureX86_64, TSCKHz: 2_000_000, MaxVCPUs: 4},
	} {
		if ComputeConfigHash(changed) == ComputeConfigHash(base) {
			t.Fatalf("config hash ignores change %+v", changed)
		}
	}

	if got := len(ComputeConfigHash(base).String()); got != 64 {
		t.Fatalf("hash string length = %d, want 64", got)
	}
}

func TestSnapshotArch(t *testing.T) {
	for _, arch := range []CpuArchitecture{ArchitectureX86_64, ArchitectureARM64} {
		if got := SnapshotArchToArch(ArchToSnapshotArch(arch)); got != arch {
			t.Fatalf("arch %s round trips to %s", arch, got)
		}
	}
	if got := ArchToSnapshotArch(ArchitectureInvalid); got != SnapshotArchInvalid {
		t.Fatalf("invalid arch encodes as %d", got)
	}
}
