package hyperv

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/hvemu/internal/hv"
)

// fakeMemory backs a handful of guest frames and tracks the host access window.
type fakeMemory struct {
	mu     sync.Mutex
	pages  map[uint64][]byte
	depth  int
	opened int
	closed int
	// translated counts TranslatePage calls made while no window was open.
	outsideWindow int
}

func newFakeMemory(gpfns ...uint64) *fakeMemory {
	m := &fakeMemory{pages: make(map[uint64][]byte)}
	for _, gpfn := range gpfns {
		m.pages[gpfn] = make([]byte, PageSize)
	}
	return m
}

func (m *fakeMemory) TranslatePage(gpa uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.depth == 0 {
		m.outsideWindow++
	}
	page, ok := m.pages[gpa>>PageShift]
	if !ok {
		return nil, fmt.Errorf("gpa 0x%x: %w", gpa, hv.ErrPageNotPresent)
	}
	return page, nil
}

func (m *fakeMemory) BeginHostAccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.depth++
	m.opened++
}

func (m *fakeMemory) EndHostAccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.depth--
	m.closed++
}

func (m *fakeMemory) page(gpfn uint64) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pages[gpfn]
}

func (m *fakeMemory) windows() (opened, closed, depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened, m.closed, m.depth
}

type fakeClock struct {
	cycles atomic.Uint64
	offset int64
	khz    uint64
}

func newFakeClock(khz, cycles uint64) *fakeClock {
	c := &fakeClock{khz: khz}
	c.cycles.Store(cycles)
	return c
}

func (c *fakeClock) Cycles() uint64        { return c.cycles.Load() }
func (c *fakeClock) TSCOffset() int64      { return c.offset }
func (c *fakeClock) TSCKHz() uint64        { return c.khz }
func (c *fakeClock) advance(cycles uint64) { c.cycles.Add(cycles) }

var (
	vcpu64 = hv.SimpleVirtualCPU{Index: 0, CPUMode: hv.CPUMode64Bit}
	vcpu32 = hv.SimpleVirtualCPU{Index: 1, CPUMode: hv.CPUModeProtected}
)

const testGuestOSID = 0x0001040a00003839 // Windows-style vendor/version encoding

func pageMSR(gpfn uint64, enabled bool) uint64 {
	return PageMSR{Enabled: enabled, GPFN: gpfn}.Encode()
}
