package hv

import (
	"fmt"
)

// AddressSpace describes where guest RAM lives in guest physical memory and
// where each byte of it sits in the host backing buffer.
type AddressSpace struct {
	ramBase uint64
	ramSize uint64

	// Split memory layout (x86_64 only, for >3GB RAM)
	// When isSplit is true, RAM is split around the PCI hole:
	//   - Low memory: [ramBase, ramBase+lowMemSize)
	//   - High memory: [highMemBase, highMemBase+highMemSize)
	// High memory follows low memory in the backing buffer.
	isSplit     bool
	lowMemSize  uint64
	highMemBase uint64
	highMemSize uint64
}

// NewAddressSpace creates a contiguous RAM layout.
func NewAddressSpace(ramBase, ramSize uint64) *AddressSpace {
	return &AddressSpace{
		ramBase: ramBase,
		ramSize: ramSize,
	}
}

// NewAddressSpaceSplit creates a layout for RAM split around the PCI hole.
// Low memory: [lowBase, lowBase+lowSize)
// High memory: [highBase, highBase+highSize)
func NewAddressSpaceSplit(lowBase, lowSize, highBase, highSize uint64) (*AddressSpace, error) {
	if highBase < lowBase+lowSize {
		return nil, fmt.Errorf("address_space: high memory base 0x%x overlaps low RAM [0x%x-0x%x)",
			highBase, lowBase, lowBase+lowSize)
	}
	return &AddressSpace{
		ramBase:     lowBase,
		ramSize:     lowSize + highSize, // Total RAM for reporting purposes
		isSplit:     true,
		lowMemSize:  lowSize,
		highMemBase: highBase,
		highMemSize: highSize,
	}, nil
}

// Offset returns the position of [gpa, gpa+length) in the backing buffer.
// The range must lie entirely within one RAM region.
func (a *AddressSpace) Offset(gpa, length uint64) (uint64, bool) {
	if length == 0 {
		return 0, false
	}
	end := gpa + length
	if end < gpa {
		return 0, false
	}

	if !a.isSplit {
		if gpa < a.ramBase || end > a.ramBase+a.ramSize {
			return 0, false
		}
		return gpa - a.ramBase, true
	}

	lowEnd := a.ramBase + a.lowMemSize
	if gpa >= a.ramBase && end <= lowEnd {
		return gpa - a.ramBase, true
	}
	highEnd := a.highMemBase + a.highMemSize
	if gpa >= a.highMemBase && end <= highEnd {
		return a.lowMemSize + (gpa - a.highMemBase), true
	}
	return 0, false
}

// RAMBase returns the RAM base address.
func (a *AddressSpace) RAMBase() uint64 {
	return a.ramBase
}

// RAMSize returns the total RAM size.
func (a *AddressSpace) RAMSize() uint64 {
	return a.ramSize
}

// RAMEnd returns the first guest physical address after RAM.
func (a *AddressSpace) RAMEnd() uint64 {
	if a.isSplit {
		return a.highMemBase + a.highMemSize
	}
	return a.ramBase + a.ramSize
}

func (a *AddressSpace) IsSplit() bool {
	return a.isSplit
}
