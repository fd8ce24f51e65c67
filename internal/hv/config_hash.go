package hv

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// ConfigHash is a hash of the partition parameters a snapshot depends on.
// A snapshot can only be restored into a partition with the same hash.
type ConfigHash [32]byte

// PartitionConfig captures the values that feed ComputeConfigHash.
type PartitionConfig struct {
	Arch     CpuArchitecture
	TSCKHz   uint64
	MaxVCPUs uint32
}

// ComputeConfigHash computes a deterministic hash of the partition configuration.
func ComputeConfigHash(cfg PartitionConfig) ConfigHash {
	h := sha256.New()

	h.Write([]byte(cfg.Arch))
	h.Write([]byte{0}) // null terminator

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], cfg.TSCKHz)
	h.Write(buf[:])
	binary.LittleEndian.PutUint32(buf[:4], cfg.MaxVCPUs)
	h.Write(buf[:4])

	var result ConfigHash
	copy(result[:], h.Sum(nil))
	return result
}

// String returns a hex string representation of the hash.
func (h ConfigHash) String() string {
	return hex.EncodeToString(h[:])
}
