package hyperv

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/hvemu/internal/hv"
)

// Snapshot is the saved Hyper-V state of a partition.
type Snapshot struct {
	Config hv.ConfigHash
	State  State
}

type snapshotRecord struct {
	GuestOSID       uint64
	Hypercall       uint64
	ReferenceTSC    uint64
	TSCScale        uint64
	TSCOffset       uint64
	TimeInitialized uint8
	_               [7]uint8
}

func (p *Partition) Snapshot() Snapshot {
	return Snapshot{
		Config: p.ConfigHash(),
		State:  p.State(),
	}
}

// Restore loads a snapshot taken from a partition with the same
// configuration. Guest pages are not rewritten; they are part of guest
// memory and restored with it.
func (p *Partition) Restore(snap Snapshot) error {
	if want := p.ConfigHash(); snap.Config != want {
		return fmt.Errorf("%w: snapshot %s, partition %s", ErrConfigMismatch, snap.Config, want)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.guestOSID = snap.State.GuestOSID
	p.hypercall = DecodePageMSR(snap.State.Hypercall)
	p.referenceTSC = DecodePageMSR(snap.State.ReferenceTSC)
	p.tscScale.Store(snap.State.TSCScale)
	p.tscOffset.Store(snap.State.TSCOffset)
	p.timeReady = snap.State.TimeInitialized

	slog.Debug("hyperv: partition restored", "vm", p.name, "config", snap.Config.String())
	return nil
}

// WriteSnapshot encodes snap behind the common snapshot header.
func WriteSnapshot(w io.Writer, snap Snapshot) error {
	header := [4]uint32{
		hv.SnapshotMagic,
		hv.SnapshotVersion,
		hv.ArchToSnapshotArch(hv.ArchitectureX86_64),
		0, // flags
	}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := w.Write(snap.Config[:]); err != nil {
		return fmt.Errorf("write config hash: %w", err)
	}

	rec := snapshotRecord{
		GuestOSID:    snap.State.GuestOSID,
		Hypercall:    snap.State.Hypercall,
		ReferenceTSC: snap.State.ReferenceTSC,
		TSCScale:     snap.State.TSCScale,
		TSCOffset:    snap.State.TSCOffset,
	}
	if snap.State.TimeInitialized {
		rec.TimeInitialized = 1
	}
	if err := binary.Write(w, binary.LittleEndian, rec); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

// ReadSnapshot decodes a snapshot written by WriteSnapshot.
func ReadSnapshot(r io.Reader) (Snapshot, error) {
	var header [4]uint32
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return Snapshot{}, fmt.Errorf("read header: %w", err)
	}
	magic, version, arch := header[0], header[1], header[2]
	if magic != hv.SnapshotMagic {
		return Snapshot{}, fmt.Errorf("invalid magic: expected %#x, got %#x", hv.SnapshotMagic, magic)
	}
	if version != hv.SnapshotVersion {
		return Snapshot{}, fmt.Errorf("unsupported version: %d", version)
	}
	if a := hv.SnapshotArchToArch(arch); a != hv.ArchitectureX86_64 {
		return Snapshot{}, fmt.Errorf("unsupported snapshot architecture %q", a)
	}

	var snap Snapshot
	if _, err := io.ReadFull(r, snap.Config[:]); err != nil {
		return Snapshot{}, fmt.Errorf("read config hash: %w", err)
	}

	var rec snapshotRecord
	if err := binary.Read(r, binary.LittleEndian, &rec); err != nil {
		return Snapshot{}, fmt.Errorf("read state: %w", err)
	}
	snap.State = State{
		GuestOSID:       rec.GuestOSID,
		Hypercall:       rec.Hypercall,
		ReferenceTSC:    rec.ReferenceTSC,
		TSCScale:        rec.TSCScale,
		TSCOffset:       rec.TSCOffset,
		TimeInitialized: rec.TimeInitialized != 0,
	}
	return snap, nil
}
