package main

import (
	"bytes"
	"errors"
	"fmt"
	"slices"

	"github.com/tinyrange/hvemu/internal/config"
	"github.com/tinyrange/hvemu/internal/guestmem"
	"github.com/tinyrange/hvemu/internal/hostclock"
	"github.com/tinyrange/hvemu/internal/hv"
	"github.com/tinyrange/hvemu/internal/hyperv"
)

const (
	timeSamples = 64

	// Frames used for the hypercall and reference TSC pages, relative to
	// the start of RAM.
	hypercallPageOffset    = 0x1000
	referenceTSCPageOffset = 0x2000
)

type hostReport struct {
	TSCKHz    uint64 `yaml:"tsc_khz"`
	TSCOffset int64  `yaml:"tsc_offset"`
	MemoryMB  uint64 `yaml:"memory_mb"`
	Protected bool   `yaml:"protected"`
	Config    string `yaml:"config_hash"`
}

type cpuidRow struct {
	Leaf string `yaml:"leaf"`
	EAX  string `yaml:"eax"`
	EBX  string `yaml:"ebx"`
	ECX  string `yaml:"ecx"`
	EDX  string `yaml:"edx"`
}

type step struct {
	Name   string `yaml:"name"`
	OK     bool   `yaml:"ok"`
	Detail string `yaml:"detail,omitempty"`
}

type report struct {
	Host  hostReport `yaml:"host"`
	CPUID []cpuidRow `yaml:"cpuid"`
	Steps []step     `yaml:"steps"`
}

func (r *report) check(name string, ok bool, format string, args ...any) {
	r.Steps = append(r.Steps, step{Name: name, OK: ok, Detail: fmt.Sprintf(format, args...)})
}

func (r *report) Failed() int {
	n := 0
	for _, s := range r.Steps {
		if !s.OK {
			n++
		}
	}
	return n
}

// prober plays the part of an enlightened guest booting on the partition.
type prober struct {
	cfg   *config.Config
	mem   *guestmem.Memory
	clock *hostclock.Host
	part  *hyperv.Partition
	bus   *hv.MSRBus
	vcpus []hv.VirtualCPU
	rep   *report
}

func newProber(cfg *config.Config) (*prober, error) {
	space, err := cfg.VM.AddressSpace()
	if err != nil {
		return nil, fmt.Errorf("guest address space: %w", err)
	}

	var memOpts []guestmem.Option
	if cfg.HyperV.ProtectGuestMemory {
		memOpts = append(memOpts, guestmem.WithHostWriteProtection())
	}
	mem, err := guestmem.New(space, memOpts...)
	if err != nil {
		return nil, err
	}

	clock := hostclock.New(
		hostclock.WithTSCKHz(cfg.HyperV.TSCKHz),
		hostclock.WithTSCOffset(cfg.HyperV.TSCOffset),
		hostclock.WithCalibrationInterval(cfg.HyperV.CalibrationInterval.Duration()),
	)

	part := hyperv.New(mem, clock,
		hyperv.WithMaxVCPUs(cfg.HyperV.MaxVCPUs),
		hyperv.WithName("hvprobe"),
	)

	bus, err := hv.NewMSRBus(part)
	if err != nil {
		mem.Close()
		return nil, err
	}

	p := &prober{
		cfg:   cfg,
		mem:   mem,
		clock: clock,
		part:  part,
		bus:   bus,
		rep:   &report{},
	}
	for i := 0; i < cfg.VM.CPUs; i++ {
		p.vcpus = append(p.vcpus, hv.SimpleVirtualCPU{Index: i, CPUMode: hv.CPUMode64Bit})
	}
	return p, nil
}

func (p *prober) Close() error {
	return p.mem.Close()
}

// guestTSC is the TSC value a vCPU would read with RDTSC.
func (p *prober) guestTSC() uint64 {
	return p.clock.Cycles() + uint64(p.clock.TSCOffset())
}

func (p *prober) run() (*report, error) {
	if err := p.part.InitTime(); err != nil {
		return nil, fmt.Errorf("init reference time: %w", err)
	}

	p.rep.Host = hostReport{
		TSCKHz:    p.clock.TSCKHz(),
		TSCOffset: p.clock.TSCOffset(),
		MemoryMB:  p.cfg.VM.MemoryMB,
		Protected: p.cfg.HyperV.ProtectGuestMemory,
		Config:    p.part.ConfigHash().String(),
	}

	p.probeCPUID()
	if err := p.probeIdentity(); err != nil {
		return nil, err
	}
	if err := p.probeHypercallPage(); err != nil {
		return nil, err
	}
	if err := p.probeReferenceTime(); err != nil {
		return nil, err
	}
	p.probeUnsupported()
	if err := p.probeSnapshot(); err != nil {
		return nil, err
	}
	p.probeReset()

	return p.rep, nil
}

func (p *prober) probeCPUID() {
	for leaf := hyperv.CPUIDInterface; leaf <= hyperv.CPUIDHardwareFeatures; leaf++ {
		entry := hv.CPUIDEntry{Leaf: leaf}
		if !p.part.CPUID(&entry) {
			p.rep.check("cpuid", false, "leaf %#x not served", leaf)
			continue
		}
		p.rep.CPUID = append(p.rep.CPUID, cpuidRow{
			Leaf: fmt.Sprintf("%#x", leaf),
			EAX:  fmt.Sprintf("%#08x", entry.EAX),
			EBX:  fmt.Sprintf("%#08x", entry.EBX),
			ECX:  fmt.Sprintf("%#08x", entry.ECX),
			EDX:  fmt.Sprintf("%#08x", entry.EDX),
		})
	}

	sig := hv.CPUIDEntry{Leaf: hyperv.CPUIDInterface}
	p.part.CPUID(&sig)
	p.rep.check("cpuid signature", sig.EAX == hyperv.InterfaceSignature, "eax=%#x", sig.EAX)

	limits := hv.CPUIDEntry{Leaf: hyperv.CPUIDLimits}
	p.part.CPUID(&limits)
	p.rep.check("cpuid max vcpus", limits.EAX == p.cfg.HyperV.MaxVCPUs, "eax=%d", limits.EAX)
}

func (p *prober) probeIdentity() error {
	bsp := p.vcpus[0]
	gpa := p.mem.AddressSpace().RAMBase() + hypercallPageOffset

	// A hypercall page write before the guest identifies itself is dropped.
	if err := p.bus.WriteMSR(bsp, hyperv.MSRHypercall, gpa|1); err != nil {
		return fmt.Errorf("early hypercall write: %w", err)
	}
	early, err := p.bus.ReadMSR(bsp, hyperv.MSRHypercall)
	if err != nil {
		return fmt.Errorf("read hypercall MSR: %w", err)
	}
	p.rep.check("hypercall gated before guest os id", early == 0, "msr=%#x", early)

	id := uint64(p.cfg.HyperV.GuestOSID)
	if err := p.bus.WriteMSR(bsp, hyperv.MSRGuestOSID, id); err != nil {
		return fmt.Errorf("write guest OS ID: %w", err)
	}
	got, err := p.bus.ReadMSR(bsp, hyperv.MSRGuestOSID)
	if err != nil {
		return fmt.Errorf("read guest OS ID: %w", err)
	}
	p.rep.check("guest os id", got == id, "msr=%#x", got)

	for _, vcpu := range p.vcpus {
		idx, err := p.bus.ReadMSR(vcpu, hyperv.MSRVPIndex)
		if err != nil {
			return fmt.Errorf("read VP index: %w", err)
		}
		p.rep.check(fmt.Sprintf("vp index vcpu%d", vcpu.ID()), idx == uint64(vcpu.ID()), "msr=%d", idx)
	}

	freq, err := p.bus.ReadMSR(bsp, hyperv.MSRTSCFrequency)
	if err != nil {
		return fmt.Errorf("read TSC frequency: %w", err)
	}
	p.rep.check("tsc frequency", freq == p.clock.TSCKHz()*1000, "hz=%d", freq)
	return nil
}

func (p *prober) probeHypercallPage() error {
	bsp := p.vcpus[0]
	gpa := p.mem.AddressSpace().RAMBase() + hypercallPageOffset

	if err := p.bus.WriteMSR(bsp, hyperv.MSRHypercall, gpa|1); err != nil {
		return fmt.Errorf("write hypercall MSR: %w", err)
	}
	got, err := p.bus.ReadMSR(bsp, hyperv.MSRHypercall)
	if err != nil {
		return fmt.Errorf("read hypercall MSR: %w", err)
	}
	p.rep.check("hypercall msr", got == gpa|1, "msr=%#x", got)

	page, err := p.mem.GuestPage(gpa)
	if err != nil {
		return err
	}
	stub := hyperv.HypercallStub(bsp.Mode())
	installed := bytes.Equal(page[:len(stub)], stub) && !slices.ContainsFunc(page[len(stub):], func(b byte) bool { return b != 0 })
	p.rep.check("hypercall page", installed, "% x", page[:len(stub)])
	return nil
}

func (p *prober) probeReferenceTime() error {
	bsp := p.vcpus[0]
	gpa := p.mem.AddressSpace().RAMBase() + referenceTSCPageOffset

	if err := p.bus.WriteMSR(bsp, hyperv.MSRReferenceTSC, gpa|1); err != nil {
		return fmt.Errorf("write reference TSC MSR: %w", err)
	}
	page, err := p.mem.GuestPage(gpa)
	if err != nil {
		return err
	}
	hdr, err := hyperv.DecodeReferenceTSCPage(page)
	if err != nil {
		return err
	}
	p.rep.check("reference tsc page",
		hdr.Sequence != hyperv.TSCSequenceInvalid && hdr.Scale == p.part.TSCScale() && hdr.Offset == p.part.TSCOffset(),
		"sequence=%d scale=%#x offset=%#x", hdr.Sequence, hdr.Scale, hdr.Offset)

	// TimeRefCount must never go backwards, whichever vCPU reads it.
	var last uint64
	monotonic := true
	for i := 0; i < timeSamples; i++ {
		vcpu := p.vcpus[i%len(p.vcpus)]
		now, err := p.bus.ReadMSR(vcpu, hyperv.MSRTimeRefCount)
		if err != nil {
			return fmt.Errorf("read TimeRefCount: %w", err)
		}
		if now < last {
			monotonic = false
		}
		last = now
	}
	p.rep.check("time ref count monotonic", monotonic, "%d samples, last=%d", timeSamples, last)

	// The guest formula over the published page has to agree with the MSR.
	before, _ := p.bus.ReadMSR(bsp, hyperv.MSRTimeRefCount)
	guest, valid := hyperv.ReadReferenceTime(page, p.guestTSC())
	after, _ := p.bus.ReadMSR(bsp, hyperv.MSRTimeRefCount)
	p.rep.check("guest reader agrees", valid && guest >= before && guest <= after,
		"msr=[%d,%d] page=%d", before, after, guest)
	return nil
}

func (p *prober) probeUnsupported() {
	bsp := p.vcpus[0]

	for _, msr := range []uint32{hyperv.MSRVPIndex, hyperv.MSRTimeRefCount, hyperv.MSRTSCFrequency, hyperv.MSRAPICFrequency} {
		err := p.bus.WriteMSR(bsp, msr, 0)
		p.rep.check(fmt.Sprintf("write %#x rejected", msr), errors.Is(err, hv.ErrUnsupportedRegister), "%v", err)
	}

	// HV_X64_MSR_EOI is not emulated.
	const msrEOI = 0x40000070
	_, err := p.bus.ReadMSR(bsp, msrEOI)
	p.rep.check("read unknown msr rejected", errors.Is(err, hv.ErrUnsupportedRegister), "%v", err)
}

func (p *prober) probeSnapshot() error {
	var buf bytes.Buffer
	if err := hyperv.WriteSnapshot(&buf, p.part.Snapshot()); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	size := buf.Len()
	snap, err := hyperv.ReadSnapshot(&buf)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}

	clone := hyperv.New(p.mem, p.clock, hyperv.WithMaxVCPUs(p.cfg.HyperV.MaxVCPUs), hyperv.WithName("hvprobe-restore"))
	if err := clone.Restore(snap); err != nil {
		p.rep.check("snapshot restore", false, "%v", err)
		return nil
	}
	p.rep.check("snapshot restore", clone.State() == p.part.State(), "%d bytes", size)
	return nil
}

func (p *prober) probeReset() {
	p.part.Reset()
	hc, ref := p.part.HypercallMSR(), p.part.ReferenceTSCMSR()
	p.rep.check("reset", p.part.GuestOSID() == 0 && !hc.Enabled && !ref.Enabled,
		"hypercall=%#x reference_tsc=%#x", hc.Encode(), ref.Encode())
}
