//go:build linux

package guestmem

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// mapMemory returns the guest and host views of size bytes. Without
// protection both views are the same anonymous mapping. With protection the
// memory is a memfd mapped twice, read-write for the guest and read-only for
// the host.
func mapMemory(size int, protect bool) (guest, host []byte, release func() error, err error) {
	if !protect {
		mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("mmap anonymous: %w", err)
		}
		return mem, mem, func() error { return unix.Munmap(mem) }, nil
	}

	fd, err := unix.MemfdCreate("hvemu-guest-ram", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("memfd_create: %w", err)
	}
	// The mappings keep the file alive.
	defer unix.Close(fd)

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		return nil, nil, nil, fmt.Errorf("ftruncate: %w", err)
	}

	guest, err = unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("mmap guest view: %w", err)
	}
	host, err = unix.Mmap(fd, 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Munmap(guest)
		return nil, nil, nil, fmt.Errorf("mmap host view: %w", err)
	}

	return guest, host, func() error {
		return errors.Join(unix.Munmap(host), unix.Munmap(guest))
	}, nil
}

func protectHost(host []byte, writable bool) error {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	return unix.Mprotect(host, prot)
}
