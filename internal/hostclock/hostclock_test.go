package hostclock

import (
	"testing"
	"time"
)

func TestOverrideFrequency(t *testing.T) {
	h := New(WithTSCKHz(2_500_000))
	if got := h.TSCKHz(); got != 2_500_000 {
		t.Fatalf("TSCKHz = %d, want 2500000", got)
	}
}

func TestDetectedFrequencyIsUsable(t *testing.T) {
	h := New(WithCalibrationInterval(5 * time.Millisecond))
	khz := h.TSCKHz()
	if khz <= 10_000 {
		t.Fatalf("TSCKHz = %d, want > 10 MHz", khz)
	}
	if again := h.TSCKHz(); again != khz {
		t.Fatalf("TSCKHz changed between calls: %d then %d", khz, again)
	}
}

func TestTSCOffset(t *testing.T) {
	h := New(WithTSCOffset(-1000))
	if got := h.TSCOffset(); got != -1000 {
		t.Fatalf("TSCOffset = %d, want -1000", got)
	}
	h.SetTSCOffset(42)
	if got := h.TSCOffset(); got != 42 {
		t.Fatalf("TSCOffset = %d, want 42", got)
	}
}

func TestCyclesAdvance(t *testing.T) {
	h := New()
	first := h.Cycles()
	time.Sleep(time.Millisecond)
	if second := h.Cycles(); second <= first {
		t.Fatalf("Cycles did not advance: %d then %d", first, second)
	}
}

func TestCalibrate(t *testing.T) {
	start := time.Now()
	// 3 GHz synthetic counter.
	counter := func() uint64 { return uint64(time.Since(start).Nanoseconds()) * 3 }

	khz := calibrate(counter, 10*time.Millisecond)
	const want = 3_000_000
	if khz < want*95/100 || khz > want*105/100 {
		t.Fatalf("calibrate = %d kHz, want about %d", khz, want)
	}
}
