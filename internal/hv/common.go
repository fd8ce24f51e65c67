package hv

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedRegister = errors.New("unsupported register")
	ErrPageNotPresent      = errors.New("guest page not present")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
	ArchitectureARM64   CpuArchitecture = "arm64"
)

// CPUMode is the execution mode a vCPU was in when it exited.
type CPUMode int

const (
	CPUModeReal CPUMode = iota
	CPUModeProtected
	CPUModeCompatibility
	CPUMode64Bit
)

func (m CPUMode) String() string {
	switch m {
	case CPUModeReal:
		return "real"
	case CPUModeProtected:
		return "protected"
	case CPUModeCompatibility:
		return "compatibility"
	case CPUMode64Bit:
		return "64bit"
	default:
		return fmt.Sprintf("CPUMode(%d)", int(m))
	}
}

// VirtualCPU is the exit context of the vCPU whose access is being handled.
type VirtualCPU interface {
	ID() int
	Mode() CPUMode
}

type SimpleVirtualCPU struct {
	Index   int
	CPUMode CPUMode
}

func (v SimpleVirtualCPU) ID() int       { return v.Index }
func (v SimpleVirtualCPU) Mode() CPUMode { return v.CPUMode }

var _ VirtualCPU = SimpleVirtualCPU{}

// GuestMemory translates guest physical pages into host-accessible memory.
//
// Writes through a translated page must happen between BeginHostAccess and
// EndHostAccess. Implementations count nested windows.
type GuestMemory interface {
	TranslatePage(gpa uint64) ([]byte, error)

	BeginHostAccess()
	EndHostAccess()
}

// TimeSource supplies the hardware counter and the calibrated frequency.
type TimeSource interface {
	// Cycles returns the raw host cycle counter.
	Cycles() uint64
	// TSCOffset is the offset applied to Cycles to form the guest TSC.
	TSCOffset() int64
	// TSCKHz is the calibrated counter frequency in kHz.
	TSCKHz() uint64
}

type MSRDevice interface {
	MSRs() []uint32

	ReadMSR(vcpu VirtualCPU, msr uint32) (uint64, error)
	WriteMSR(vcpu VirtualCPU, msr uint32, value uint64) error
}

// CPUIDEntry is a single CPUID result as reported to the guest.
type CPUIDEntry struct {
	Leaf    uint32
	Subleaf uint32
	Flags   uint32

	EAX uint32
	EBX uint32
	ECX uint32
	EDX uint32
}

type CPUIDDevice interface {
	// CPUID fills entry for leaf/subleaf and reports whether it owns the leaf.
	CPUID(entry *CPUIDEntry) bool
}

// SimpleMSRDevice routes a fixed set of MSRs to plain functions.
type SimpleMSRDevice struct {
	Registers []uint32

	ReadFunc  func(vcpu VirtualCPU, msr uint32) (uint64, error)
	WriteFunc func(vcpu VirtualCPU, msr uint32, value uint64) error
}

func (d SimpleMSRDevice) MSRs() []uint32 { return d.Registers }
func (d SimpleMSRDevice) ReadMSR(vcpu VirtualCPU, msr uint32) (uint64, error) {
	if d.ReadFunc != nil {
		return d.ReadFunc(vcpu, msr)
	}
	return 0, fmt.Errorf("unhandled read from MSR 0x%X: %w", msr, ErrUnsupportedRegister)
}
func (d SimpleMSRDevice) WriteMSR(vcpu VirtualCPU, msr uint32, value uint64) error {
	if d.WriteFunc != nil {
		return d.WriteFunc(vcpu, msr, value)
	}
	return fmt.Errorf("unhandled write to MSR 0x%X: %w", msr, ErrUnsupportedRegister)
}

var (
	_ MSRDevice = SimpleMSRDevice{}
)

// MSRBus dispatches MSR accesses to the device that claimed the address.
type MSRBus struct {
	devices map[uint32]MSRDevice
}

func NewMSRBus(devices ...MSRDevice) (*MSRBus, error) {
	b := &MSRBus{devices: make(map[uint32]MSRDevice)}
	for _, dev := range devices {
		if err := b.Add(dev); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *MSRBus) Add(dev MSRDevice) error {
	for _, msr := range dev.MSRs() {
		if _, ok := b.devices[msr]; ok {
			return fmt.Errorf("msr bus: MSR 0x%X already claimed", msr)
		}
		b.devices[msr] = dev
	}
	return nil
}

func (b *MSRBus) ReadMSR(vcpu VirtualCPU, msr uint32) (uint64, error) {
	dev, ok := b.devices[msr]
	if !ok {
		return 0, fmt.Errorf("msr bus: read from MSR 0x%X: %w", msr, ErrUnsupportedRegister)
	}
	return dev.ReadMSR(vcpu, msr)
}

func (b *MSRBus) WriteMSR(vcpu VirtualCPU, msr uint32, value uint64) error {
	dev, ok := b.devices[msr]
	if !ok {
		return fmt.Errorf("msr bus: write to MSR 0x%X: %w", msr, ErrUnsupportedRegister)
	}
	return dev.WriteMSR(vcpu, msr, value)
}
