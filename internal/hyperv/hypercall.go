package hyperv

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/hvemu/internal/hv"
)

// HypercallStatusInvalidCode is HV_STATUS_INVALID_HYPERCALL_CODE, the status
// a conforming hypervisor returns for any hypercall it does not implement.
const HypercallStatusInvalidCode = 2

// Guests call into the hypercall page instead of issuing vmcall directly.
// Every stub returns HV_STATUS_INVALID_HYPERCALL_CODE without leaving the guest.
var (
	// mov rax, 2; ret
	hypercallStub64 = [...]byte{0x48, 0xc7, 0xc0, HypercallStatusInvalidCode, 0x00, 0x00, 0x00, 0xc3}
	// mov eax, 2; mov edx, 0; ret
	hypercallStub32 = [...]byte{0xb8, HypercallStatusInvalidCode, 0x00, 0x00, 0x00, 0xba, 0x00, 0x00, 0x00, 0x00, 0xc3}
)

// HypercallStub returns the hypercall page code for a vCPU in mode.
func HypercallStub(mode hv.CPUMode) []byte {
	if mode == hv.CPUMode64Bit {
		return append([]byte(nil), hypercallStub64[:]...)
	}
	return append([]byte(nil), hypercallStub32[:]...)
}

// setupHypercallPageLocked rewrites the hypercall page for an enabled
// HV_X64_MSR_HYPERCALL value. Unbacked frames are ignored.
func (p *Partition) setupHypercallPageLocked(vcpu hv.VirtualCPU, msr PageMSR) {
	if !msr.Enabled {
		return
	}

	access := openGuestAccess(p.mem)
	defer access.Close()

	page, err := access.page(msr.GPFN)
	if err != nil {
		slog.Debug("hyperv: hypercall page not mapped, setup skipped",
			"vm", p.name, "vcpu", vcpu.ID(), "gpfn", fmt.Sprintf("%#x", msr.GPFN), "error", err)
		return
	}

	clear(page)
	copy(page, HypercallStub(vcpu.Mode()))

	slog.Debug("hyperv: hypercall page installed",
		"vm", p.name, "vcpu", vcpu.ID(), "gpfn", fmt.Sprintf("%#x", msr.GPFN), "mode", vcpu.Mode())
}
