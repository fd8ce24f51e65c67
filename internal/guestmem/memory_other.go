//go:build !linux

package guestmem

import "errors"

func mapMemory(size int, protect bool) (guest, host []byte, release func() error, err error) {
	if protect {
		return nil, nil, nil, errors.New("host write protection is only supported on linux")
	}
	mem := make([]byte, size)
	return mem, mem, func() error { return nil }, nil
}

func protectHost(host []byte, writable bool) error {
	return nil
}
