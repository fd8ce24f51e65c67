// Package guestmem provides host-backed guest RAM with separate guest and
// host views. The host view can be kept read-only except inside explicit
// access windows, the software equivalent of running with SMAP enabled.
package guestmem

import (
	"fmt"
	"sync"

	"github.com/tinyrange/hvemu/internal/hv"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// guestPageSize is the x86 guest page size used for translation.
const guestPageSize = 0x1000

type options struct {
	protect bool
}

// Option customises Memory.
type Option func(*options)

// WithHostWriteProtection maps the host view read-only; writes through a
// translated page fault unless they happen inside BeginHostAccess/EndHostAccess.
func WithHostWriteProtection() Option {
	return func(o *options) {
		o.protect = true
	}
}

// Memory is guest RAM laid out according to an hv.AddressSpace.
type Memory struct {
	space   *hv.AddressSpace
	guest   []byte
	host    []byte
	protect bool
	release func() error

	mu    sync.Mutex
	depth int
}

// New allocates backing memory for every RAM byte in space.
func New(space *hv.AddressSpace, opts ...Option) (*Memory, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	size, ok := hostarch.Addr(space.RAMSize()).RoundUp()
	if !ok || size == 0 {
		return nil, fmt.Errorf("guestmem: invalid RAM size 0x%x", space.RAMSize())
	}
	if space.RAMBase()%guestPageSize != 0 {
		return nil, fmt.Errorf("guestmem: RAM base 0x%x is not page aligned", space.RAMBase())
	}

	guest, host, release, err := mapMemory(int(size), o.protect)
	if err != nil {
		return nil, fmt.Errorf("guestmem: map %d bytes: %w", size, err)
	}

	return &Memory{
		space:   space,
		guest:   guest,
		host:    host,
		protect: o.protect,
		release: release,
	}, nil
}

// TranslatePage implements hv.GuestMemory. It returns the host view of the
// guest page containing gpa.
func (m *Memory) TranslatePage(gpa uint64) ([]byte, error) {
	base := gpa &^ (guestPageSize - 1)
	off, ok := m.space.Offset(base, guestPageSize)
	if !ok {
		return nil, fmt.Errorf("guestmem: gpa 0x%x: %w", gpa, hv.ErrPageNotPresent)
	}
	return m.host[off : off+guestPageSize : off+guestPageSize], nil
}

// GuestPage returns the guest view of the page containing gpa, the memory a
// vCPU reads and writes directly.
func (m *Memory) GuestPage(gpa uint64) ([]byte, error) {
	base := gpa &^ (guestPageSize - 1)
	off, ok := m.space.Offset(base, guestPageSize)
	if !ok {
		return nil, fmt.Errorf("guestmem: gpa 0x%x: %w", gpa, hv.ErrPageNotPresent)
	}
	return m.guest[off : off+guestPageSize : off+guestPageSize], nil
}

// BeginHostAccess implements hv.GuestMemory. Windows nest across vCPUs; the
// host view is writable while at least one is open.
func (m *Memory) BeginHostAccess() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.depth++
	if m.depth == 1 && m.protect {
		if err := protectHost(m.host, true); err != nil {
			panic(fmt.Sprintf("guestmem: open host access: %v", err))
		}
	}
}

// EndHostAccess implements hv.GuestMemory.
func (m *Memory) EndHostAccess() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.depth == 0 {
		panic("guestmem: EndHostAccess without BeginHostAccess")
	}
	m.depth--
	if m.depth == 0 && m.protect {
		if err := protectHost(m.host, false); err != nil {
			panic(fmt.Sprintf("guestmem: close host access: %v", err))
		}
	}
}

// ReadAt reads guest memory at guest physical address off through the guest view.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	start, err := m.guestRange(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, m.guest[start:]), nil
}

// WriteAt writes guest memory at guest physical address off through the guest view.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	start, err := m.guestRange(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(m.guest[start:], p), nil
}

func (m *Memory) guestRange(off int64, length int) (uint64, error) {
	if off < 0 {
		return 0, fmt.Errorf("guestmem: negative address %d", off)
	}
	start, ok := m.space.Offset(uint64(off), uint64(length))
	if !ok {
		return 0, fmt.Errorf("guestmem: range [0x%x, +0x%x): %w", off, length, hv.ErrPageNotPresent)
	}
	return start, nil
}

func (m *Memory) AddressSpace() *hv.AddressSpace { return m.space }

// Close unmaps the backing memory.
func (m *Memory) Close() error {
	if m.release == nil {
		return nil
	}
	err := m.release()
	m.release = nil
	m.guest, m.host = nil, nil
	return err
}

var _ hv.GuestMemory = (*Memory)(nil)
