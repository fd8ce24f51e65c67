// Package hostclock exposes the host cycle counter as an hv.TimeSource.
package hostclock

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyrange/hvemu/internal/hv"
)

const defaultCalibrationInterval = 20 * time.Millisecond

// Option customises Host.
type Option func(*Host)

// WithTSCKHz pins the reported counter frequency and skips detection.
func WithTSCKHz(khz uint64) Option {
	return func(h *Host) {
		h.override = khz
	}
}

// WithTSCOffset sets the initial guest TSC offset.
func WithTSCOffset(offset int64) Option {
	return func(h *Host) {
		h.offset.Store(offset)
	}
}

// WithCalibrationInterval sets how long calibration samples the counter.
func WithCalibrationInterval(d time.Duration) Option {
	return func(h *Host) {
		if d > 0 {
			h.interval = d
		}
	}
}

// Host reads the host cycle counter. The frequency is resolved once, on
// first use: an explicit override wins, then the frequency the CPU reports,
// then a calibration against the monotonic clock.
type Host struct {
	counter  func() uint64
	override uint64
	interval time.Duration
	offset   atomic.Int64

	khzOnce sync.Once
	khz     uint64
}

func New(opts ...Option) *Host {
	h := &Host{
		counter:  readCounter,
		interval: defaultCalibrationInterval,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Cycles implements hv.TimeSource.
func (h *Host) Cycles() uint64 { return h.counter() }

// TSCOffset implements hv.TimeSource.
func (h *Host) TSCOffset() int64 { return h.offset.Load() }

// SetTSCOffset changes the guest TSC offset.
func (h *Host) SetTSCOffset(offset int64) { h.offset.Store(offset) }

// TSCKHz implements hv.TimeSource.
func (h *Host) TSCKHz() uint64 {
	h.khzOnce.Do(func() {
		switch {
		case h.override != 0:
			h.khz = h.override
			slog.Debug("hostclock: using configured frequency", "khz", h.khz)
		case nominalKHz() != 0:
			h.khz = nominalKHz()
			slog.Debug("hostclock: using reported frequency", "khz", h.khz, "cpu", cpuName())
		default:
			h.khz = calibrate(h.counter, h.interval)
			slog.Debug("hostclock: calibrated frequency", "khz", h.khz, "interval", h.interval)
		}
	})
	return h.khz
}

// calibrate measures counter ticks over interval of wall time.
func calibrate(counter func() uint64, interval time.Duration) uint64 {
	startTime := time.Now()
	startCycles := counter()
	time.Sleep(interval)
	cycles := counter() - startCycles
	elapsed := time.Since(startTime)

	us := uint64(elapsed.Microseconds())
	if us == 0 {
		return 0
	}
	return cycles * 1000 / us
}

var _ hv.TimeSource = (*Host)(nil)
