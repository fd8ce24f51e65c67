package hyperv

import (
	"log/slog"

	"github.com/tinyrange/hvemu/internal/hv"
)

// Synthetic CPUID leaves served by this package.
const (
	CPUIDInterface        uint32 = 0x40000001
	CPUIDSystemIdentity   uint32 = 0x40000002
	CPUIDFeatures         uint32 = 0x40000003
	CPUIDRecommendations  uint32 = 0x40000004
	CPUIDLimits           uint32 = 0x40000005
	CPUIDHardwareFeatures uint32 = 0x40000006
)

// InterfaceSignature is "Hv#1" read as a little-endian uint32.
const InterfaceSignature uint32 = 0x31237648

// CPUID 0x40000003 EAX: partition privilege mask.
const (
	FeatureTimeRefCountMSR     uint32 = 1 << 1
	FeatureHypercallMSRs       uint32 = 1 << 5
	FeatureVPIndexMSR          uint32 = 1 << 6
	FeatureReferenceTSCMSR     uint32 = 1 << 9
	FeatureAccessFrequencyMSRs uint32 = 1 << 11
)

// CPUID 0x40000003 EDX.
const FeatureFrequencyMSRsAvailable uint32 = 1 << 8

// Leaf returns the synthetic CPUID values for leaf. The entry echoes
// leaf/subleaf/flags; the values do not depend on subleaf. ok is false for
// leaves outside 0x40000001-0x40000006.
func Leaf(leaf, subleaf, flags, maxVCPUs uint32) (entry hv.CPUIDEntry, ok bool) {
	entry = hv.CPUIDEntry{Leaf: leaf, Subleaf: subleaf, Flags: flags}

	switch leaf {
	case CPUIDInterface:
		entry.EAX = InterfaceSignature
	case CPUIDFeatures:
		entry.EAX = FeatureHypercallMSRs | FeatureVPIndexMSR |
			FeatureTimeRefCountMSR | FeatureReferenceTSCMSR |
			FeatureAccessFrequencyMSRs
		entry.EDX = FeatureFrequencyMSRsAvailable
	case CPUIDLimits:
		entry.EAX = maxVCPUs
	case CPUIDSystemIdentity, CPUIDRecommendations, CPUIDHardwareFeatures:
	default:
		return hv.CPUIDEntry{}, false
	}
	return entry, true
}

// CPUID implements hv.CPUIDDevice. Entries for other leaves are left untouched.
func (p *Partition) CPUID(entry *hv.CPUIDEntry) bool {
	values, ok := Leaf(entry.Leaf, entry.Subleaf, entry.Flags, p.maxVCPUs)
	if !ok {
		return false
	}
	*entry = values

	slog.Debug("hyperv: cpuid",
		"vm", p.name, "leaf", entry.Leaf, "subleaf", entry.Subleaf, "flags", entry.Flags,
		"eax", entry.EAX, "ebx", entry.EBX, "ecx", entry.ECX, "edx", entry.EDX)
	return true
}

var _ hv.CPUIDDevice = (*Partition)(nil)
