package hyperv

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/hvemu/internal/hv"
)

// Synthetic MSR addresses.
const (
	MSRGuestOSID     uint32 = 0x40000000 // HV_X64_MSR_GUEST_OS_ID
	MSRHypercall     uint32 = 0x40000001 // HV_X64_MSR_HYPERCALL
	MSRVPIndex       uint32 = 0x40000002 // HV_X64_MSR_VP_INDEX
	MSRTimeRefCount  uint32 = 0x40000020 // HV_X64_MSR_TIME_REF_COUNT
	MSRReferenceTSC  uint32 = 0x40000021 // HV_X64_MSR_REFERENCE_TSC
	MSRTSCFrequency  uint32 = 0x40000022 // HV_X64_MSR_TSC_FREQUENCY
	MSRAPICFrequency uint32 = 0x40000023 // HV_X64_MSR_APIC_FREQUENCY
)

// MSRs implements hv.MSRDevice.
func (p *Partition) MSRs() []uint32 {
	return []uint32{
		MSRGuestOSID,
		MSRHypercall,
		MSRVPIndex,
		MSRTimeRefCount,
		MSRReferenceTSC,
		MSRTSCFrequency,
		MSRAPICFrequency,
	}
}

// WriteMSR implements hv.MSRDevice.
//
// Writes to read-only or unknown registers fail with hv.ErrUnsupportedRegister
// so the caller can inject #GP. A hypercall page write before the guest has
// identified itself is dropped without an error.
func (p *Partition) WriteMSR(vcpu hv.VirtualCPU, msr uint32, value uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch msr {
	case MSRGuestOSID:
		p.guestOSID = value
		if value == 0 {
			p.hypercall.Enabled = false
		}
	case MSRHypercall:
		if p.guestOSID == 0 {
			slog.Warn("hyperv: hypercall page write ignored, guest OS ID is 0",
				"vm", p.name, "vcpu", vcpu.ID(), "value", fmt.Sprintf("%#x", value))
			return nil
		}
		p.hypercall = DecodePageMSR(value)
		p.setupHypercallPageLocked(vcpu, p.hypercall)
	case MSRReferenceTSC:
		p.setupTSCPageLocked(vcpu, value)
	default:
		// HV_X64_MSR_VP_INDEX, HV_X64_MSR_TIME_REF_COUNT and the frequency
		// registers are read-only.
		slog.Warn("hyperv: unexpected MSR write",
			"vm", p.name, "vcpu", vcpu.ID(), "msr", fmt.Sprintf("%#x", msr), "value", fmt.Sprintf("%#x", value))
		return fmt.Errorf("hyperv: write to MSR %#x: %w", msr, hv.ErrUnsupportedRegister)
	}

	slog.Debug("hyperv: MSR write",
		"vm", p.name, "vcpu", vcpu.ID(), "msr", fmt.Sprintf("%#x", msr), "value", fmt.Sprintf("%#x", value))
	return nil
}

// ReadMSR implements hv.MSRDevice.
func (p *Partition) ReadMSR(vcpu hv.VirtualCPU, msr uint32) (uint64, error) {
	var value uint64

	switch msr {
	case MSRGuestOSID:
		value = p.GuestOSID()
	case MSRHypercall:
		value = p.HypercallMSR().Encode()
	case MSRVPIndex:
		value = uint64(vcpu.ID())
	case MSRTimeRefCount:
		value = p.ReferenceTime()
	case MSRReferenceTSC:
		value = p.ReferenceTSCMSR().Encode()
	case MSRTSCFrequency, MSRAPICFrequency:
		// The virtual local APIC runs at the TSC frequency.
		value = p.clock.TSCKHz() * 1000
	default:
		slog.Warn("hyperv: unexpected MSR read",
			"vm", p.name, "vcpu", vcpu.ID(), "msr", fmt.Sprintf("%#x", msr))
		return 0, fmt.Errorf("hyperv: read from MSR %#x: %w", msr, hv.ErrUnsupportedRegister)
	}

	slog.Debug("hyperv: MSR read",
		"vm", p.name, "vcpu", vcpu.ID(), "msr", fmt.Sprintf("%#x", msr), "value", fmt.Sprintf("%#x", value))
	return value, nil
}

var _ hv.MSRDevice = (*Partition)(nil)
