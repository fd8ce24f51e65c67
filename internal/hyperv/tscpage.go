package hyperv

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync/atomic"
	"unsafe"

	"github.com/tinyrange/hvemu/internal/hv"
	"github.com/tinyrange/hvemu/internal/tscmath"
)

// Reference TSC page layout (HV_REFERENCE_TSC_PAGE).
const (
	tscPageSequenceOffset = 0
	tscPageScaleOffset    = 8
	tscPageOffsetOffset   = 16
	tscPageHeaderSize     = 24
)

// Sequence values a guest must treat as "fall back to the MSR".
const (
	TSCSequenceInvalid  uint32 = 0
	TSCSequenceUpdating uint32 = 0xFFFFFFFF
)

// ReferenceTSCPage is the decoded header of the reference TSC page.
type ReferenceTSCPage struct {
	Sequence  uint32
	Reserved1 uint32
	Scale     uint64
	Offset    uint64
}

func DecodeReferenceTSCPage(page []byte) (ReferenceTSCPage, error) {
	if len(page) < tscPageHeaderSize {
		return ReferenceTSCPage{}, fmt.Errorf("hyperv: reference TSC page too short (%d bytes)", len(page))
	}
	return ReferenceTSCPage{
		Sequence:  binary.LittleEndian.Uint32(page[tscPageSequenceOffset:]),
		Reserved1: binary.LittleEndian.Uint32(page[4:]),
		Scale:     binary.LittleEndian.Uint64(page[tscPageScaleOffset:]),
		Offset:    binary.LittleEndian.Uint64(page[tscPageOffsetOffset:]),
	}, nil
}

// NextSequence returns the sequence number that follows seq, skipping the
// two reserved values.
func NextSequence(seq uint32) uint32 {
	next := seq + 1
	if next == TSCSequenceInvalid || next == TSCSequenceUpdating {
		next = 1
	}
	return next
}

// The fields are accessed through native-width atomics; both the host and
// the x86 guest are little endian.
func tscPageFields(page []byte) (seq *uint32, scale, offset *uint64, err error) {
	if len(page) < tscPageHeaderSize {
		return nil, nil, nil, fmt.Errorf("hyperv: reference TSC page too short (%d bytes)", len(page))
	}
	base := unsafe.Pointer(&page[0])
	if uintptr(base)&7 != 0 {
		return nil, nil, nil, fmt.Errorf("hyperv: reference TSC page at %p is not 8-byte aligned", base)
	}
	seq = (*uint32)(unsafe.Add(base, tscPageSequenceOffset))
	scale = (*uint64)(unsafe.Add(base, tscPageScaleOffset))
	offset = (*uint64)(unsafe.Add(base, tscPageOffsetOffset))
	return seq, scale, offset, nil
}

// publishReferenceTSC writes scale and offset, then bumps the sequence.
// The sequence store is ordered after the value stores, so a guest that sees
// the same valid sequence before and after reading never sees a torn pair.
func publishReferenceTSC(page []byte, scale, offset uint64) (uint32, error) {
	seqp, scalep, offsetp, err := tscPageFields(page)
	if err != nil {
		return 0, err
	}

	atomic.StoreUint64(scalep, scale)
	atomic.StoreUint64(offsetp, offset)

	seq := NextSequence(atomic.LoadUint32(seqp))
	atomic.StoreUint32(seqp, seq)
	return seq, nil
}

// ReadReferenceTime is the guest side of the reference TSC protocol. tsc is
// the guest TSC value. It returns false when the page is not valid and the
// guest has to fall back to HV_X64_MSR_TIME_REF_COUNT.
func ReadReferenceTime(page []byte, tsc uint64) (uint64, bool) {
	seqp, scalep, offsetp, err := tscPageFields(page)
	if err != nil {
		return 0, false
	}
	for {
		seq := atomic.LoadUint32(seqp)
		if seq == TSCSequenceInvalid || seq == TSCSequenceUpdating {
			return 0, false
		}
		scale := atomic.LoadUint64(scalep)
		offset := atomic.LoadUint64(offsetp)
		t := tscmath.MulShr64(tsc, scale) + offset
		if atomic.LoadUint32(seqp) == seq {
			return t, true
		}
	}
}

// setupTSCPageLocked handles a write to HV_X64_MSR_REFERENCE_TSC.
// The raw value is always kept so it reads back unchanged; the page is only
// published when enabled and the frame is backed by guest RAM.
func (p *Partition) setupTSCPageLocked(vcpu hv.VirtualCPU, raw uint64) {
	p.referenceTSC = DecodePageMSR(raw)
	if !p.referenceTSC.Enabled {
		return
	}

	access := openGuestAccess(p.mem)
	defer access.Close()

	page, err := access.page(p.referenceTSC.GPFN)
	if err != nil {
		slog.Debug("hyperv: reference TSC page not mapped, publish skipped",
			"vm", p.name, "vcpu", vcpu.ID(), "gpfn", fmt.Sprintf("%#x", p.referenceTSC.GPFN), "error", err)
		return
	}

	seq, err := publishReferenceTSC(page, p.tscScale.Load(), p.tscOffset.Load())
	if err != nil {
		slog.Warn("hyperv: reference TSC publish failed", "vm", p.name, "vcpu", vcpu.ID(), "error", err)
		return
	}

	slog.Debug("hyperv: reference TSC page published",
		"vm", p.name, "vcpu", vcpu.ID(), "gpfn", fmt.Sprintf("%#x", p.referenceTSC.GPFN), "sequence", seq)
}
