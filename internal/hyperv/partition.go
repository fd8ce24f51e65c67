package hyperv

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/hvemu/internal/hv"
)

var (
	ErrTimeAlreadyInitialized = errors.New("hyperv: reference time already initialized")
	ErrInvalidTSCFrequency    = errors.New("hyperv: TSC frequency is zero")
	ErrTSCFrequencyTooLow     = errors.New("hyperv: TSC frequency too low for 64.64 reference scale")
	ErrConfigMismatch         = errors.New("hyperv: snapshot taken from a different partition configuration")
)

// DefaultMaxVCPUs is reported in CPUID 0x40000005 unless overridden.
const DefaultMaxVCPUs = 8

// Partition is the Hyper-V enlightenment state of one VM. All vCPUs of the VM
// share it; MSR writes are serialised by mu, reference time reads are lock-free.
type Partition struct {
	mem      hv.GuestMemory
	clock    hv.TimeSource
	maxVCPUs uint32
	name     string

	mu           sync.Mutex
	guestOSID    uint64
	hypercall    PageMSR
	referenceTSC PageMSR
	timeReady    bool

	tscScale  atomic.Uint64
	tscOffset atomic.Uint64
}

// Option customises a Partition.
type Option func(*Partition)

// WithMaxVCPUs sets the processor limit advertised to the guest.
func WithMaxVCPUs(n uint32) Option {
	return func(p *Partition) {
		if n > 0 {
			p.maxVCPUs = n
		}
	}
}

// WithName labels log records emitted for this partition.
func WithName(name string) Option {
	return func(p *Partition) {
		p.name = name
	}
}

// New creates the Hyper-V state for a VM whose guest memory and clock are
// provided by the surrounding hypervisor.
func New(mem hv.GuestMemory, clock hv.TimeSource, opts ...Option) *Partition {
	p := &Partition{
		mem:      mem,
		clock:    clock,
		maxVCPUs: DefaultMaxVCPUs,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Reset disables the hypercall and reference TSC pages and clears the guest
// OS identity. The reference time scale and offset survive a reset.
func (p *Partition) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.hypercall.Enabled = false
	p.guestOSID = 0
	p.referenceTSC.Enabled = false

	slog.Debug("hyperv: partition reset", "vm", p.name)
}

// State is a point-in-time copy of the partition registers.
type State struct {
	GuestOSID       uint64
	Hypercall       uint64
	ReferenceTSC    uint64
	TSCScale        uint64
	TSCOffset       uint64
	TimeInitialized bool
}

func (p *Partition) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()

	return State{
		GuestOSID:       p.guestOSID,
		Hypercall:       p.hypercall.Encode(),
		ReferenceTSC:    p.referenceTSC.Encode(),
		TSCScale:        p.tscScale.Load(),
		TSCOffset:       p.tscOffset.Load(),
		TimeInitialized: p.timeReady,
	}
}

// GuestOSID returns the value last written to HV_X64_MSR_GUEST_OS_ID.
func (p *Partition) GuestOSID() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.guestOSID
}

func (p *Partition) HypercallMSR() PageMSR {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hypercall
}

func (p *Partition) ReferenceTSCMSR() PageMSR {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.referenceTSC
}

// TSCScale is the 64.64 fixed-point multiplier from guest TSC to 100ns units.
func (p *Partition) TSCScale() uint64 { return p.tscScale.Load() }

// TSCOffset is the additive offset published in the reference TSC page.
// It is the two's complement of the scaled TSC at InitTime.
func (p *Partition) TSCOffset() uint64 { return p.tscOffset.Load() }

func (p *Partition) MaxVCPUs() uint32 { return p.maxVCPUs }

// ConfigHash identifies the parameters a snapshot of this partition depends on.
func (p *Partition) ConfigHash() hv.ConfigHash {
	return hv.ComputeConfigHash(hv.PartitionConfig{
		Arch:     hv.ArchitectureX86_64,
		TSCKHz:   p.clock.TSCKHz(),
		MaxVCPUs: p.maxVCPUs,
	})
}
