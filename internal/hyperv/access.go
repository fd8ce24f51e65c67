package hyperv

import (
	"fmt"

	"github.com/tinyrange/hvemu/internal/hv"
	"gvisor.dev/gvisor/pkg/cleanup"
)

// guestAccess is an open host write window on guest memory. It must be
// closed on every path; Close is idempotent.
type guestAccess struct {
	mem hv.GuestMemory
	cu  cleanup.Cleanup
}

func openGuestAccess(mem hv.GuestMemory) *guestAccess {
	mem.BeginHostAccess()
	return &guestAccess{
		mem: mem,
		cu:  cleanup.Make(mem.EndHostAccess),
	}
}

// page translates a guest page frame into a PageSize host slice.
func (a *guestAccess) page(gpfn uint64) ([]byte, error) {
	page, err := a.mem.TranslatePage(gpfn << PageShift)
	if err != nil {
		return nil, err
	}
	if len(page) < PageSize {
		return nil, fmt.Errorf("gpfn 0x%x: short page mapping (%d bytes): %w", gpfn, len(page), hv.ErrPageNotPresent)
	}
	return page[:PageSize], nil
}

func (a *guestAccess) Close() {
	a.cu.Clean()
}
