package hyperv

// Hyper-V overlay pages are always 4KiB, independent of the host page size.
const (
	PageShift = 12
	PageSize  = 1 << PageShift
)

const (
	pageMSREnable       = 1 << 0
	pageMSRReservedMask = (PageSize - 1) &^ pageMSREnable
)

// PageMSR is the decoded form of an overlay-page MSR (HV_X64_MSR_HYPERCALL,
// HV_X64_MSR_REFERENCE_TSC): an enable bit, eleven reserved bits and the guest
// page frame number.
type PageMSR struct {
	Enabled bool
	// Reserved holds bits 1-11 in place so Encode returns the written value.
	Reserved uint64
	GPFN     uint64
}

func DecodePageMSR(raw uint64) PageMSR {
	return PageMSR{
		Enabled:  raw&pageMSREnable != 0,
		Reserved: raw & pageMSRReservedMask,
		GPFN:     raw >> PageShift,
	}
}

func (m PageMSR) Encode() uint64 {
	raw := m.GPFN<<PageShift | m.Reserved&pageMSRReservedMask
	if m.Enabled {
		raw |= pageMSREnable
	}
	return raw
}

// GPA is the guest physical address of the overlay page.
func (m PageMSR) GPA() uint64 {
	return m.GPFN << PageShift
}
