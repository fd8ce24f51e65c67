package hyperv

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/hvemu/internal/tscmath"
)

// The TSC frequency is in cycles per millisecond and reference time counts
// 100ns ticks, so the per-cycle increment is ticksPerMillisecond / tscKHz.
const ticksPerMillisecond = 10000

// scaleTSC reads the guest TSC and converts it with scale.
func (p *Partition) scaleTSC(scale uint64) uint64 {
	tsc := p.clock.Cycles() + uint64(p.clock.TSCOffset())
	return tscmath.MulShr64(tsc, scale)
}

// InitTime derives the reference time scale from the calibrated TSC
// frequency and anchors reference time zero at the current guest TSC. It must
// be called once, after calibration and before the guest starts.
//
// The partition reference time is
//
//	ReferenceTime = ((VirtualTsc * TscScale) >> 64) + TscOffset
//	TscScale      = (10000 << 64) / tsc_khz
func (p *Partition) InitTime() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.timeReady {
		return ErrTimeAlreadyInitialized
	}

	khz := p.clock.TSCKHz()
	if khz == 0 {
		return ErrInvalidTSCFrequency
	}
	if err := tscmath.CheckShlDiv64(ticksPerMillisecond, khz); err != nil {
		return fmt.Errorf("%w: %d kHz: %v", ErrTSCFrequencyTooLow, khz, err)
	}

	scale := tscmath.ShlDiv64(ticksPerMillisecond, khz)
	origin := p.scaleTSC(scale)

	p.tscScale.Store(scale)
	p.tscOffset.Store(-origin)
	p.timeReady = true

	slog.Debug("hyperv: reference time initialized",
		"vm", p.name, "tsc_khz", khz, "tsc_scale", fmt.Sprintf("%#x", scale), "origin", origin)
	return nil
}

// ReferenceTime returns the partition reference counter in 100ns units.
// It is safe to call from any vCPU concurrently.
func (p *Partition) ReferenceTime() uint64 {
	return p.scaleTSC(p.tscScale.Load()) + p.tscOffset.Load()
}
